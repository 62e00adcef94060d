package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/nerrad567/miio-bridge/internal/infrastructure/config"
)

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "miiobridge-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

func TestTopicBuilders(t *testing.T) {
	topics := Topics{}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"State", topics.State("plug-1"), "miiobridge/state/plug-1"},
		{"CapabilityState", topics.CapabilityState("plug-1", "onoff"), "miiobridge/state/plug-1/onoff"},
		{"Trigger", topics.Trigger("vac-1", "statusVacuum"), "miiobridge/trigger/vac-1/statusVacuum"},
		{"Availability", topics.Availability("plug-1"), "miiobridge/availability/plug-1"},
		{"Command", topics.Command("plug-1"), "miiobridge/command/plug-1"},
		{"Ack", topics.Ack("plug-1"), "miiobridge/ack/plug-1"},
		{"Settings", topics.Settings("plug-1"), "miiobridge/settings/plug-1"},
		{"AllCommands", topics.AllCommands(), "miiobridge/command/+"},
		{"AllSettings", topics.AllSettings(), "miiobridge/settings/+"},
		{"Health", topics.Health(), "miiobridge/health"},
		{"SystemStatus", topics.SystemStatus(), "miiobridge/system/status"},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s() = %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestDeviceFromTopic(t *testing.T) {
	tests := []struct {
		topic  string
		kind   string
		want   string
		wantOk bool
	}{
		{"miiobridge/command/plug-1", "command", "plug-1", true},
		{"miiobridge/settings/vac-1", "settings", "vac-1", true},
		{"miiobridge/settings/vac-1", "command", "", false},
		{"miiobridge/command/", "command", "", false},
		{"miiobridge/command/a/b", "command", "", false},
		{"other/command/plug-1", "command", "", false},
	}

	for _, tt := range tests {
		got, ok := DeviceFromTopic(tt.topic, tt.kind)
		if ok != tt.wantOk || got != tt.want {
			t.Errorf("DeviceFromTopic(%q, %q) = (%q, %v), want (%q, %v)",
				tt.topic, tt.kind, got, ok, tt.want, tt.wantOk)
		}
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Auth = config.MQTTAuthConfig{Username: "bridge", Password: "secret"}

	opts := buildClientOptions(cfg)

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want tcp://127.0.0.1:1883", opts.Servers)
	}
	if opts.ClientID != "miiobridge-test" {
		t.Errorf("ClientID = %q, want miiobridge-test", opts.ClientID)
	}
	if opts.Username != "bridge" {
		t.Errorf("Username = %q, want bridge", opts.Username)
	}
	if !opts.AutoReconnect {
		t.Error("AutoReconnect should be enabled")
	}

	cfg.Broker.TLS = true
	if got := brokerURL(cfg.Broker); got != "ssl://127.0.0.1:1883" {
		t.Errorf("brokerURL() with TLS = %q, want ssl://127.0.0.1:1883", got)
	}
}

func TestConfigureLWT(t *testing.T) {
	opts := buildClientOptions(testConfig())
	configureLWT(opts, "miiobridge-test")

	if opts.WillTopic != "miiobridge/system/status" {
		t.Errorf("WillTopic = %q, want system status topic", opts.WillTopic)
	}
	if !opts.WillRetained {
		t.Error("Will should be retained")
	}

	var msg statusMessage
	if err := json.Unmarshal(opts.WillPayload, &msg); err != nil {
		t.Fatalf("Will payload is not JSON: %v", err)
	}
	if msg.Status != "offline" || msg.Reason != "unexpected_disconnect" {
		t.Errorf("Will payload = %+v, want offline/unexpected_disconnect", msg)
	}
}

func TestStatusPayload(t *testing.T) {
	var msg statusMessage
	if err := json.Unmarshal(statusPayload("c1", "online", ""), &msg); err != nil {
		t.Fatalf("statusPayload() not JSON: %v", err)
	}
	if msg.Status != "online" || msg.ClientID != "c1" || msg.Timestamp == "" {
		t.Errorf("statusPayload() = %+v", msg)
	}
}

func TestPublish_Validation(t *testing.T) {
	c := &Client{cfg: testConfig()}

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		want    error
	}{
		{"empty topic", "", []byte("x"), 1, ErrInvalidTopic},
		{"invalid qos", "miiobridge/test", []byte("x"), 3, ErrInvalidQoS},
		{"oversized payload", "miiobridge/test", make([]byte, maxPayloadSize+1), 1, ErrPublishFailed},
		{"not connected", "miiobridge/test", []byte("x"), 1, ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.Publish(tt.topic, tt.payload, tt.qos, false); !errors.Is(err, tt.want) {
				t.Errorf("Publish() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPublishJSON_Unencodable(t *testing.T) {
	c := &Client{cfg: testConfig()}

	err := c.PublishJSON("miiobridge/test", map[string]any{"ch": make(chan int)}, false)
	if !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("PublishJSON() error = %v, want ErrInvalidPayload", err)
	}
}

func TestSubscribe_Validation(t *testing.T) {
	c := &Client{}
	noop := func(string, []byte) error { return nil }

	if err := c.Subscribe("", 1, noop); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Subscribe(empty) error = %v, want ErrInvalidTopic", err)
	}
	if err := c.Subscribe("miiobridge/#", 5, noop); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("Subscribe(qos 5) error = %v, want ErrInvalidQoS", err)
	}
	if err := c.Subscribe("miiobridge/#", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("Subscribe(nil handler) error = %v, want ErrSubscribeFailed", err)
	}
	if err := c.Subscribe("miiobridge/#", 1, noop); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe() disconnected error = %v, want ErrNotConnected", err)
	}
	if err := c.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe(empty) error = %v, want ErrInvalidTopic", err)
	}
	if c.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", c.SubscriptionCount())
	}
}

func TestSubscriptionTracking(t *testing.T) {
	c := &Client{}
	c.track(subscription{topic: "miiobridge/command/+", qos: 1})
	c.track(subscription{topic: "miiobridge/settings/+", qos: 1})

	if !c.HasSubscription("miiobridge/command/+") {
		t.Error("HasSubscription(command) = false, want true")
	}
	c.untrack("miiobridge/command/+")
	if c.HasSubscription("miiobridge/command/+") {
		t.Error("HasSubscription(command) after untrack = true, want false")
	}
	if c.SubscriptionCount() != 1 {
		t.Errorf("SubscriptionCount() = %d, want 1", c.SubscriptionCount())
	}
}

func TestHealthCheck_NoConnection(t *testing.T) {
	c := &Client{}

	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck(cancelled) error = %v, want context.Canceled", err)
	}

	if err := c.Close(); err != nil {
		t.Errorf("Close() on unconnected client error = %v", err)
	}
}

// fakeMessage implements pahomqtt.Message.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type recordingLogger struct {
	mu     sync.Mutex
	errors []string
	warns  []string
}

func (l *recordingLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func (l *recordingLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

func TestWrapHandler(t *testing.T) {
	c := &Client{}
	logger := &recordingLogger{}
	c.SetLogger(logger)

	msg := fakeMessage{topic: "miiobridge/command/plug-1", payload: []byte(`{}`)}

	var got string
	c.wrapHandler(func(topic string, _ []byte) error {
		got = topic
		return nil
	})(nil, msg)
	if got != msg.topic {
		t.Errorf("handler topic = %q, want %q", got, msg.topic)
	}

	c.wrapHandler(func(string, []byte) error { return errors.New("bad payload") })(nil, msg)
	c.wrapHandler(func(string, []byte) error { panic("boom") })(nil, msg)

	logger.mu.Lock()
	defer logger.mu.Unlock()
	if len(logger.warns) != 1 {
		t.Errorf("warns = %d, want 1", len(logger.warns))
	}
	if len(logger.errors) != 1 {
		t.Errorf("errors = %d, want 1 (panic)", len(logger.errors))
	}
}
