package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/miio-bridge/internal/auth"
	"github.com/nerrad567/miio-bridge/internal/bridges/miio"
	"github.com/nerrad567/miio-bridge/internal/device"
	"github.com/nerrad567/miio-bridge/internal/infrastructure/config"
	"github.com/nerrad567/miio-bridge/internal/infrastructure/database"
	"github.com/nerrad567/miio-bridge/internal/infrastructure/logging"
	_ "github.com/nerrad567/miio-bridge/migrations"
)

const (
	testJWTSecret   = "test-secret-key-at-least-32-characters-long"
	testOperatorKey = "operator-api-key"
)

type setCall struct {
	id, capability string
	value          any
}

// fakeBridge records calls and returns canned errors.
type fakeBridge struct {
	mu sync.Mutex

	setErr      error
	refreshErr  error
	settingsErr error

	sets      []setCall
	refreshed []string
	updates   []miio.SettingsMessage
	statuses  []miio.SupervisorStatus
}

func (b *fakeBridge) SetCapability(_ context.Context, id, capability string, value any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.setErr != nil {
		return b.setErr
	}
	b.sets = append(b.sets, setCall{id: id, capability: capability, value: value})
	return nil
}

func (b *fakeBridge) Refresh(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refreshErr != nil {
		return b.refreshErr
	}
	b.refreshed = append(b.refreshed, id)
	return nil
}

func (b *fakeBridge) UpdateSettings(_ context.Context, _ string, msg miio.SettingsMessage) (miio.Settings, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.settingsErr != nil {
		return miio.Settings{}, b.settingsErr
	}
	b.updates = append(b.updates, msg)

	s := miio.Settings{Address: "10.0.0.2", Token: "00112233445566778899aabbccddeeff", PollInterval: time.Minute}
	if msg.Address != nil {
		s.Address = *msg.Address
	}
	if msg.Polling != nil {
		s.PollInterval = time.Duration(*msg.Polling) * time.Second
	}
	return s, nil
}

func (b *fakeBridge) Status() []miio.SupervisorStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]miio.SupervisorStatus(nil), b.statuses...)
}

func (b *fakeBridge) DeviceStatus(id string) (miio.SupervisorStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, st := range b.statuses {
		if st.DeviceID == id {
			return st, nil
		}
	}
	return miio.SupervisorStatus{}, miio.ErrUnknownDevice
}

func (b *fakeBridge) Health() miio.HealthMessage {
	return miio.HealthMessage{Bridge: "bridge-test", Status: miio.HealthHealthy, DevicesManaged: 1, DevicesAvailable: 1}
}

type fakeConn struct{ connected bool }

func (f fakeConn) IsConnected() bool { return f.connected }

// testEnv bundles a server with the collaborators tests poke at.
type testEnv struct {
	srv      *Server
	handler  http.Handler
	registry *device.Registry
	bridge   *fakeBridge
	plug     *device.Handle
}

// newTestEnv builds a server over a real registry backed by in-memory
// SQLite, with one registered plug "plug-1".
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(database.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	registry := device.NewRegistry(device.NewSQLiteRepository(db.DB))
	registry.SetStateHistory(device.NewSQLiteStateHistoryRepository(db.DB))

	plug, err := registry.Register(ctx, device.Seed{
		ID:           "plug-1",
		Name:         "Desk plug",
		Model:        "chuangmi.plug.m1",
		Address:      "10.0.0.2",
		Capabilities: []string{"onoff", "measure_power"},
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	hash, err := auth.HashKey(testOperatorKey)
	if err != nil {
		t.Fatalf("HashKey() error = %v", err)
	}
	keys, err := auth.NewKeyRing([]config.APIKeyEntry{{Name: "homey", Hash: hash, Role: "operator"}})
	if err != nil {
		t.Fatalf("NewKeyRing() error = %v", err)
	}

	bridge := &fakeBridge{statuses: []miio.SupervisorStatus{{
		DeviceID:    "plug-1",
		State:       miio.StateConnected,
		Address:     "10.0.0.2",
		PollSeconds: 60,
	}}}

	srv, err := New(Deps{
		Config: config.APIConfig{Host: "127.0.0.1", Port: 0},
		WS:     config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10},
		Security: config.SecurityConfig{
			JWT:     config.JWTConfig{Secret: testJWTSecret, AccessTokenTTL: 15},
			APIKeys: config.APIKeyConfig{Enabled: true},
		},
		Logger:   logging.Discard(),
		Registry: registry,
		Bridge:   bridge,
		Keys:     keys,
		MQTT:     fakeConn{connected: true},
		DB:       db.DB,
		Version:  "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	registry.AddObserver(srv.Hub())

	return &testEnv{
		srv:      srv,
		handler:  srv.Handler(),
		registry: registry,
		bridge:   bridge,
		plug:     plug,
	}
}

// token mints an access token for role.
func token(t *testing.T, role auth.Role) string {
	t.Helper()
	tok, err := auth.GenerateAccessToken("tester", role, testJWTSecret, time.Minute)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}
	return tok
}

// do sends a request through the router. A non-empty role adds a bearer token.
func (e *testEnv) do(t *testing.T, method, path, body string, role auth.Role) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if role != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, role))
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

// decode unmarshals a recorder body into v.
func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
}

// errorCode returns the code of a structured error response.
func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var e Error
	decode(t, rec, &e)
	return e.Code
}
