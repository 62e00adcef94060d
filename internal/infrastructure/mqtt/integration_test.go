//go:build integration

package mqtt

import (
	"testing"
	"time"
)

// Requires a broker at 127.0.0.1:1883:
//
//	go test -tags=integration ./internal/infrastructure/mqtt/...

func TestIntegration_CommandRoundtrip(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.ClientID = "miiobridge-int-roundtrip"

	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	received := make(chan string, 1)
	err = client.Subscribe(Topics{}.AllCommands(), 1, func(topic string, _ []byte) error {
		if id, ok := DeviceFromTopic(topic, "command"); ok {
			received <- id
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if err := client.PublishJSON(Topics{}.Command("plug-1"), map[string]any{"capability": "onoff", "value": true}, false); err != nil {
		t.Fatalf("PublishJSON() error = %v", err)
	}

	select {
	case id := <-received:
		if id != "plug-1" {
			t.Errorf("device = %q, want plug-1", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for command")
	}
}

func TestIntegration_ConnectRefused(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Port = 19999

	if _, err := Connect(cfg); err == nil {
		t.Fatal("Connect() to closed port should fail")
	}
}
