package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nerrad567/miio-bridge/internal/auth"
	"github.com/nerrad567/miio-bridge/internal/infrastructure/logging"
)

func TestNew_RequiresDeps(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		deps Deps
	}{
		{name: "no logger", deps: Deps{Registry: env.registry, Bridge: env.bridge}},
		{name: "no registry", deps: Deps{Logger: logging.Discard(), Bridge: env.bridge}},
		{name: "no bridge", deps: Deps{Logger: logging.Discard(), Registry: env.registry}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.deps); err == nil {
				t.Error("New() error = nil, want error")
			}
		})
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var body map[string]any
	decode(t, rec, &body)
	if body["status"] != "ok" || body["version"] != "test" || body["bridge"] != "healthy" {
		t.Errorf("body = %v", body)
	}
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t)
	if err := env.srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start should fail")
	}
	if err := env.srv.Close(); err != nil {
		t.Errorf("Close() before Start error = %v", err)
	}
}

func TestRequestID(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/health", "", "")
	if id := rec.Header().Get("X-Request-ID"); len(id) != 2*requestIDBytes {
		t.Errorf("generated X-Request-ID = %q", id)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-id-1")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if id := rec.Header().Get("X-Request-ID"); id != "client-id-1" {
		t.Errorf("X-Request-ID = %q, want client-id-1", id)
	}
}

func TestCORS_Preflight(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/devices", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://dashboard.local" {
		t.Errorf("Allow-Origin = %q", got)
	}
}

func TestNotFound(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/nope", "", auth.RoleViewer)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if code := errorCode(t, rec); code != ErrCodeNotFound {
		t.Errorf("code = %q, want %q", code, ErrCodeNotFound)
	}
}

func TestAuthentication(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{name: "no credentials", want: http.StatusUnauthorized},
		{name: "malformed bearer", header: "Authorization", value: "Bearer", want: http.StatusUnauthorized},
		{name: "basic scheme", header: "Authorization", value: "Basic dXNlcjpwYXNz", want: http.StatusUnauthorized},
		{name: "bad token", header: "Authorization", value: "Bearer not.a.token", want: http.StatusUnauthorized},
		{name: "valid token", header: "Authorization", value: "Bearer " + token(t, auth.RoleViewer), want: http.StatusOK},
		{name: "valid api key", header: headerAPIKey, value: testOperatorKey, want: http.StatusOK},
		{name: "unknown api key", header: headerAPIKey, value: "nope", want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			env.handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestAuthentication_APIKeysDisabled(t *testing.T) {
	env := newTestEnv(t)
	env.srv.secCfg.APIKeys.Enabled = false
	handler := env.srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
	req.Header.Set(headerAPIKey, testOperatorKey)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestWritePermissions(t *testing.T) {
	env := newTestEnv(t)

	routes := []struct {
		method, path, body string
	}{
		{http.MethodPost, "/api/v1/devices/plug-1/refresh", ""},
		{http.MethodPut, "/api/v1/devices/plug-1/capabilities/onoff", `{"value":true}`},
		{http.MethodPatch, "/api/v1/devices/plug-1/settings", `{"polling":30}`},
	}

	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			rec := env.do(t, rt.method, rt.path, rt.body, auth.RoleViewer)
			if rec.Code != http.StatusForbidden {
				t.Errorf("viewer status = %d, want 403", rec.Code)
			}
			rec = env.do(t, rt.method, rt.path, rt.body, auth.RoleOperator)
			if rec.Code >= 400 {
				t.Errorf("operator status = %d, want success (body %s)", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestWritePermissions_APIKeyRole(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/devices/plug-1/refresh", nil)
	req.Header.Set(headerAPIKey, testOperatorKey)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", rec.Code)
	}
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/status", "", auth.RoleViewer)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		Health struct {
			Bridge string `json:"bridge"`
		} `json:"health"`
		Devices []struct {
			DeviceID string `json:"device_id"`
			State    string `json:"state"`
		} `json:"devices"`
	}
	decode(t, rec, &body)
	if body.Health.Bridge != "bridge-test" {
		t.Errorf("health.bridge = %q", body.Health.Bridge)
	}
	if len(body.Devices) != 1 || body.Devices[0].State != "connected" {
		t.Errorf("devices = %+v", body.Devices)
	}
}

func TestMetrics(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/metrics", "", auth.RoleViewer)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var m BridgeMetrics
	decode(t, rec, &m)
	if m.Version != "test" {
		t.Errorf("Version = %q", m.Version)
	}
	if !m.Links.MQTTConnected {
		t.Error("Links.MQTTConnected = false, want true")
	}
	if m.Devices.Total != 1 || m.Devices.ByState["connected"] != 1 {
		t.Errorf("Devices = %+v", m.Devices)
	}
	if len(m.Devices.Supervisors) != 1 || m.Devices.Supervisors[0].DeviceID != "plug-1" {
		t.Errorf("Supervisors = %+v", m.Devices.Supervisors)
	}
	if m.Database == nil {
		t.Error("Database pool stats missing")
	}
	if m.Process.Goroutines == 0 {
		t.Error("Process.Goroutines = 0")
	}
}
