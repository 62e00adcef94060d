package miio

import (
	"encoding/json"
	"testing"

	"github.com/nerrad567/miio-bridge/internal/infrastructure/mqtt"
)

type staticCounter struct{ total, available int }

func (c staticCounter) Counts() (int, int) { return c.total, c.available }

func TestHealthReporter_Assess(t *testing.T) {
	tests := []struct {
		name       string
		connected  bool
		counter    DeviceCounter
		wantStatus HealthStatus
		wantReason string
	}{
		{"all reachable", true, staticCounter{2, 2}, HealthHealthy, ""},
		{"partly reachable", true, staticCounter{3, 1}, HealthHealthy, "2 of 3 devices unreachable"},
		{"no devices configured", true, staticCounter{0, 0}, HealthHealthy, ""},
		{"nothing reachable", true, staticCounter{3, 0}, HealthDegraded, "no devices reachable"},
		{"broker offline", false, staticCounter{2, 2}, HealthDegraded, "MQTT disconnected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := newFakeMQTT()
			pub.connected = tt.connected
			h := NewHealthReporter(HealthReporterConfig{BridgeID: "b1", Publisher: pub, Devices: tt.counter})

			msg := h.assess()
			if msg.Status != tt.wantStatus || msg.Reason != tt.wantReason {
				t.Errorf("assess() = (%s, %q), want (%s, %q)", msg.Status, msg.Reason, tt.wantStatus, tt.wantReason)
			}
		})
	}
}

func TestHealthReporter_PublishNow(t *testing.T) {
	pub := newFakeMQTT()
	h := NewHealthReporter(HealthReporterConfig{
		BridgeID:  "b1",
		Version:   "1.2.3",
		Publisher: pub,
		Devices:   staticCounter{4, 3},
	})

	if err := h.PublishNow(); err != nil {
		t.Fatalf("PublishNow() error = %v", err)
	}

	msgs := pub.on(mqtt.Topics{}.Health())
	if len(msgs) != 1 || !msgs[0].retained {
		t.Fatalf("health messages = %+v, want one retained", msgs)
	}
	var msg HealthMessage
	if err := json.Unmarshal(msgs[0].payload, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Bridge != "b1" || msg.Version != "1.2.3" || msg.DevicesManaged != 4 || msg.DevicesAvailable != 3 {
		t.Errorf("health = %+v", msg)
	}
	if msg.Status != HealthHealthy {
		t.Errorf("Status = %s, want healthy", msg.Status)
	}
}

func TestHealthReporter_NilPublisher(t *testing.T) {
	h := NewHealthReporter(HealthReporterConfig{BridgeID: "b1"})

	if err := h.PublishNow(); err != nil {
		t.Errorf("PublishNow() without publisher error = %v", err)
	}
	if h.interval != defaultHealthInterval {
		t.Errorf("interval = %v, want default", h.interval)
	}
	h.Stop()
	h.Stop()
}
