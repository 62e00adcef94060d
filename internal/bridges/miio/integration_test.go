package miio_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/miio-bridge/internal/bridges/miio"
	"github.com/nerrad567/miio-bridge/internal/bridges/miio/simulator"
	"github.com/nerrad567/miio-bridge/internal/device"
	"github.com/nerrad567/miio-bridge/internal/infrastructure/database"
	_ "github.com/nerrad567/miio-bridge/migrations"
)

const token = "00112233445566778899aabbccddeeff"

type triggerLog struct {
	mu     sync.Mutex
	events []device.TriggerEvent
}

func (l *triggerLog) CapabilityChanged(context.Context, device.CapabilityChange)     {}
func (l *triggerLog) AvailabilityChanged(context.Context, device.AvailabilityChange) {}

func (l *triggerLog) TriggerFired(_ context.Context, e device.TriggerEvent) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *triggerLog) find(trigger string, match func(map[string]any) bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e.Trigger == trigger && match(e.Tokens) {
			return true
		}
	}
	return false
}

func newRegistry(t *testing.T) *device.Registry {
	t.Helper()

	db, err := database.Open(database.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return device.NewRegistry(device.NewSQLiteRepository(db.DB))
}

// runBridge supervises one simulated device with real timers and no jitter.
func runBridge(t *testing.T, registry *device.Registry, profile string, capabilities []string) *simulator.Device {
	t.Helper()

	dev, err := simulator.NewDevice(profile)
	if err != nil {
		t.Fatalf("NewDevice(%s) error = %v", profile, err)
	}
	b, err := miio.NewBridge(miio.BridgeOptions{
		BridgeID: "bridge-it",
		Registry: registry,
		Jitter:   func(time.Duration) time.Duration { return 0 },
		Devices: []miio.DeviceSpec{{
			Seed: device.Seed{
				ID:           "dev-1",
				Name:         "Simulated " + profile,
				Model:        dev.Model(),
				Address:      "192.168.1.50",
				Capabilities: capabilities,
			},
			Settings:  miio.Settings{Address: "192.168.1.50", Token: token, PollInterval: time.Hour},
			Connector: simulator.NewConnector(dev, simulator.Options{}),
		}},
	})
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(b.Stop)
	return dev
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func capability(registry *device.Registry, name string) any {
	dev, err := registry.Get("dev-1")
	if err != nil {
		return nil
	}
	return dev.Capabilities[name]
}

func TestIntegration_Humidifier2(t *testing.T) {
	registry := newRegistry(t)
	triggers := &triggerLog{}
	registry.AddObserver(triggers)

	sim := runBridge(t, registry, simulator.ProfileHumidifier2, []string{
		miio.CapOnOff, miio.CapHumidifier2Mode, miio.CapMeasurePower, miio.CapMeasureWaterlevel,
	})

	eventually(t, "first poll", func() bool {
		return capability(registry, miio.CapMeasurePower) == 2.7 &&
			capability(registry, miio.CapMeasureWaterlevel) == 49.0
	})
	eventually(t, "discovered humidity", func() bool {
		return capability(registry, miio.CapMeasureHumidity) == 45.0
	})

	sim.Push(miio.TagMode, "high")

	eventually(t, "pushed mode", func() bool {
		return capability(registry, miio.CapMeasurePower) == 4.8 &&
			capability(registry, miio.CapHumidifier2Mode) == "high"
	})
	eventually(t, "mode trigger", func() bool {
		return triggers.find(miio.TriggerModeChanged, func(tokens map[string]any) bool {
			return tokens["new_mode"] == "high" && tokens["previous_mode"] == "silent"
		})
	})

	dev, _ := registry.Get("dev-1")
	if !dev.Available {
		t.Error("device not available after a successful poll")
	}
	if dev.Store["child_lock"] != false {
		t.Errorf("store child_lock = %v, want false", dev.Store["child_lock"])
	}
}

func TestIntegration_CompositeLight(t *testing.T) {
	registry := newRegistry(t)

	runBridge(t, registry, simulator.ProfileLight, []string{
		miio.CapOnOff, miio.CapDim, miio.CapLightHue, miio.CapLightSaturation,
	})

	eventually(t, "child color", func() bool {
		return capability(registry, miio.CapLightHue) == 28.0/359
	})

	dev, _ := registry.Get("dev-1")
	if dev.Capabilities[miio.CapLightSaturation] != 1.0 {
		t.Errorf("light_saturation = %v, want 1", dev.Capabilities[miio.CapLightSaturation])
	}
	if dev.Capabilities[miio.CapDim] != 0.8 {
		t.Errorf("dim = %v, want 0.8", dev.Capabilities[miio.CapDim])
	}
	for _, c := range []string{miio.CapMeasureLuminance, miio.CapLightTemperature} {
		if _, ok := dev.Capabilities[c]; ok {
			t.Errorf("composite device gained %s", c)
		}
	}
}

func TestIntegration_Vacuum(t *testing.T) {
	registry := newRegistry(t)
	triggers := &triggerLog{}
	registry.AddObserver(triggers)

	sim := runBridge(t, registry, simulator.ProfileVacuum, []string{
		miio.CapOnOff, miio.CapMeasureBattery, miio.CapVacuumState,
	})

	eventually(t, "charging state", func() bool {
		return capability(registry, miio.CapVacuumState) == miio.VacuumCharging
	})

	sim.Push(miio.TagVacuumState, "cleaning")
	eventually(t, "cleaning state", func() bool {
		return capability(registry, miio.CapVacuumState) == miio.VacuumCleaning &&
			capability(registry, miio.CapOnOff) == true
	})
	eventually(t, "status trigger", func() bool {
		return triggers.find(miio.TriggerVacuumState, func(tokens map[string]any) bool {
			return tokens["status"] == "cleaning"
		})
	})
}
