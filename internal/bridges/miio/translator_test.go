package miio

import (
	"errors"
	"math"
	"testing"
)

// ruleContext is a static RuleContext for translator tests.
type ruleContext struct {
	caps  map[string]any
	model string
}

func (rc ruleContext) Has(capability string) bool {
	_, ok := rc.caps[capability]
	return ok
}

func (rc ruleContext) Get(capability string) (any, bool) {
	v, ok := rc.caps[capability]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func (rc ruleContext) Model() string { return rc.model }

func updateValue(t *testing.T, out Output, capability string) any {
	t.Helper()
	for _, u := range out.Updates {
		if u.Capability == capability {
			return u.Value
		}
	}
	t.Fatalf("no update for %s in %+v", capability, out.Updates)
	return nil
}

func closeTo(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestTranslator_BaseRules(t *testing.T) {
	tr := NewTranslator()
	rc := ruleContext{}

	tests := []struct {
		name       string
		reading    Reading
		capability string
		want       any
	}{
		{"power on", Reading{Tag: TagPower, Value: true}, CapOnOff, true},
		{"power load", Reading{Tag: TagPowerLoad, Value: 12.5}, CapMeasurePower, 12.5},
		{"power consumed in kWh", Reading{Tag: TagPowerConsumed, Value: 1520}, CapMeterPower, 1.52},
		{"battery", Reading{Tag: TagBatteryLevel, Value: 64}, CapMeasureBattery, 64.0},
		{"battery above range", Reading{Tag: TagBatteryLevel, Value: 150}, CapMeasureBattery, 100.0},
		{"battery below range", Reading{Tag: TagBatteryLevel, Value: -5}, CapMeasureBattery, 0.0},
		{"temperature", Reading{Tag: TagTemperature, Value: Measurement{Value: 21.4, Unit: "C"}}, CapMeasureTemperature, 21.4},
		{"temperature map", Reading{Tag: TagTemperature, Value: map[string]any{"value": 19, "unit": "C"}}, CapMeasureTemperature, 19.0},
		{"humidity", Reading{Tag: TagRelativeHumidity, Value: 44.0}, CapMeasureHumidity, 44.0},
		{"pm2.5", Reading{Tag: TagPM25, Value: 12}, CapMeasurePM25, 12},
		{"waterlevel rounded", Reading{Tag: TagDepth, Value: 48.6}, CapMeasureWaterlevel, 49.0},
		{"waterlevel above range", Reading{Tag: TagDepth, Value: 100.6}, CapMeasureWaterlevel, 100.0},
		{"waterlevel below range", Reading{Tag: TagDepth, Value: -3}, CapMeasureWaterlevel, 0.0},
		{"brightness", Reading{Tag: TagBrightness, Value: 80}, CapDim, 0.8},
		{"illuminance", Reading{Tag: TagIlluminance, Value: Measurement{Value: 310}}, CapMeasureLuminance, 310.0},
		{"light temperature mid", Reading{Tag: TagColor, Value: 4350}, CapLightTemperature, 0.5},
		{"light temperature low", Reading{Tag: TagColor, Value: Color{Model: "temperature", Values: []float64{2000}}}, CapLightTemperature, 0.0},
		{"light temperature high", Reading{Tag: TagColor, Value: 6000}, CapLightTemperature, 1.0},
		{"child brightness", Reading{Tag: TagBrightness, Value: 60, Child: true}, CapDim, 0.6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := tr.Translate(tt.reading, rc)
			if err != nil {
				t.Fatalf("Translate() error = %v", err)
			}
			got := updateValue(t, out, tt.capability)
			if !valuesEqual(got, tt.want) {
				t.Errorf("%s = %v (%T), want %v", tt.capability, got, got, tt.want)
			}
		})
	}
}

func TestTranslator_ClampedValuesStayInRange(t *testing.T) {
	tr := NewTranslator()
	for _, raw := range []float64{-1000, -0.4, 0, 37.5, 99.5, 100, 100.4, 1e6} {
		for _, tag := range []Tag{TagBatteryLevel, TagDepth} {
			out, err := tr.Translate(Reading{Tag: tag, Value: raw}, ruleContext{})
			if err != nil {
				t.Fatalf("Translate(%s, %v) error = %v", tag, raw, err)
			}
			for _, u := range out.Updates {
				n, _ := toFloat(u.Value)
				if n < 0 || n > 100 {
					t.Errorf("Translate(%s, %v) %s = %v, outside [0,100]", tag, raw, u.Capability, n)
				}
			}
		}
	}
}

func TestTranslator_Anomaly(t *testing.T) {
	tr := NewTranslator()

	tests := []struct {
		name    string
		reading Reading
	}{
		{"battery not a number", Reading{Tag: TagBatteryLevel, Value: "abc"}},
		{"temperature not a measurement", Reading{Tag: TagTemperature, Value: true}},
		{"state not a map", Reading{Tag: TagState, Value: 3}},
		{"child color not rgb", Reading{Tag: TagColor, Value: Color{Model: "rgb", Values: []float64{1}}, Child: true}},
		{"roll angle not a number", Reading{Tag: TagAdjustableRollAngle, Value: "wide"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tr.Translate(tt.reading, ruleContext{})
			if !errors.Is(err, ErrTranslationAnomaly) {
				t.Errorf("Translate() error = %v, want ErrTranslationAnomaly", err)
			}
		})
	}
}

func TestTranslator_NullPassesThrough(t *testing.T) {
	tr := NewTranslator()

	for _, v := range []any{nil, "null", "undefined"} {
		out, err := tr.Translate(Reading{Tag: TagBatteryLevel, Value: v}, ruleContext{})
		if err != nil {
			t.Fatalf("Translate(%v) error = %v", v, err)
		}
		if got := updateValue(t, out, CapMeasureBattery); got != nil {
			t.Errorf("Translate(%v) value = %v, want nil", v, got)
		}
	}
}

func TestHueSaturation(t *testing.T) {
	tests := []struct {
		name     string
		r, g, b  float64
		hue, sat float64
	}{
		{"red", 255, 0, 0, 0, 1},
		{"blue", 0, 0, 255, 240.0 / 359, 1},
		{"orange", 255, 120, 0, 28.0 / 359, 1},
		{"white", 255, 255, 255, 0, 0},
		{"pale green", 128, 255, 128, 120.0 / 359, 0.5},
		{"pink", 255, 191, 191, 0, 0.25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hue, sat := HueSaturation(tt.r, tt.g, tt.b)
			if !closeTo(hue, tt.hue) {
				t.Errorf("hue = %v, want %v", hue, tt.hue)
			}
			if !closeTo(sat, tt.sat) {
				t.Errorf("saturation = %v, want %v", sat, tt.sat)
			}
			if hue < 0 || hue > 1 || sat < 0 || sat > 1 {
				t.Errorf("HueSaturation out of range: %v %v", hue, sat)
			}
		})
	}
}

func TestTranslator_ChildColor(t *testing.T) {
	tr := NewTranslator()

	out, err := tr.Translate(Reading{Tag: TagColor, Value: Color{Model: "rgb", Values: []float64{0, 0, 255}}, Child: true}, ruleContext{})
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if got := updateValue(t, out, CapLightSaturation); !valuesEqual(got, 1.0) {
		t.Errorf("light_saturation = %v, want 1", got)
	}
	if got, _ := toFloat(updateValue(t, out, CapLightHue)); !closeTo(got, 240.0/359) {
		t.Errorf("light_hue = %v, want %v", got, 240.0/359)
	}
}

func TestTranslator_ModeOnlyForDeclaredCapabilities(t *testing.T) {
	tr := NewTranslator()
	rc := ruleContext{caps: map[string]any{CapHumidifierMode: "auto"}}

	out, err := tr.Translate(Reading{Tag: TagMode, Value: "silent"}, rc)
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if len(out.Updates) != 1 || out.Updates[0].Capability != CapHumidifierMode {
		t.Fatalf("Updates = %+v, want one humidifier_mode update", out.Updates)
	}
	if out.Updates[0].Trigger != TriggerModeChanged {
		t.Errorf("Trigger = %q, want %q", out.Updates[0].Trigger, TriggerModeChanged)
	}
	tokens := out.Updates[0].Tokens("silent", "auto")
	if tokens["new_mode"] != "silent" || tokens["previous_mode"] != "auto" {
		t.Errorf("tokens = %v", tokens)
	}
	if tokens := out.Updates[0].Tokens("silent", nil); tokens["previous_mode"] != "" {
		t.Errorf("previous_mode for unset = %v, want empty", tokens["previous_mode"])
	}
	if len(out.Store) != 1 || out.Store[0].Key != "mode" || out.Store[0].Value != "silent" {
		t.Errorf("Store = %+v, want mode=silent", out.Store)
	}
}

func TestTranslator_StoreRules(t *testing.T) {
	tr := NewTranslator()

	tests := []struct {
		name    string
		reading Reading
		key     string
		want    any
	}{
		{"fan speed", Reading{Tag: TagFanSpeed, Value: 60}, "fanspeed", 60},
		{"roll angle", Reading{Tag: TagRollAngle, Value: 90}, "angle", 90},
		{"adjustable roll angle string", Reading{Tag: TagAdjustableRollAngle, Value: "120"}, "roll_angle", 120.0},
		{"adjustable roll angle number", Reading{Tag: TagAdjustableRollAngle, Value: 30}, "roll_angle", 30.0},
		{"child lock", Reading{Tag: TagSwitchableChildLock, Value: true}, "child_lock", true},
		{"eyecare", Reading{Tag: TagEyecare, Value: false}, "eyecare", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := tr.Translate(tt.reading, ruleContext{})
			if err != nil {
				t.Fatalf("Translate() error = %v", err)
			}
			if len(out.Store) != 1 {
				t.Fatalf("Store = %+v, want one entry", out.Store)
			}
			if out.Store[0].Key != tt.key || !valuesEqual(out.Store[0].Value, tt.want) {
				t.Errorf("Store[0] = %+v, want %s=%v", out.Store[0], tt.key, tt.want)
			}
		})
	}
}

func TestTranslator_StateSorted(t *testing.T) {
	tr := NewTranslator()

	out, err := tr.Translate(Reading{Tag: TagState, Value: map[string]any{"zeta": 1, "alpha": "a", "mid": true}}, ruleContext{})
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	want := []string{"alpha", "mid", "zeta"}
	if len(out.Store) != len(want) {
		t.Fatalf("Store = %+v, want %d entries", out.Store, len(want))
	}
	for i, key := range want {
		if out.Store[i].Key != key {
			t.Errorf("Store[%d].Key = %q, want %q", i, out.Store[i].Key, key)
		}
	}
}

func TestTranslator_Handles(t *testing.T) {
	plain := NewTranslator()
	vac, _ := LookupFamily(FamilyVacuum)
	withVacuum := NewTranslator(vac)

	if plain.Handles(TagVacuumState, false) {
		t.Error("base translator should not handle vacuum-state")
	}
	if !withVacuum.Handles(TagVacuumState, false) {
		t.Error("vacuum translator should handle vacuum-state")
	}
	if !plain.Handles(TagColor, true) {
		t.Error("child color should be handled")
	}
	if plain.Handles(TagPower, true) {
		t.Error("child power should not be handled")
	}
}

func TestVacuumState(t *testing.T) {
	tests := []struct {
		status       string
		battery      float64
		batteryKnown bool
		onoff        bool
		state        string
	}{
		{"charging", 87, true, false, VacuumCharging},
		{"charging", 100, true, false, VacuumDocked},
		{"charging", 0, false, false, VacuumCharging},
		{"docking", 50, true, false, VacuumDocked},
		{"full", 50, true, false, VacuumDocked},
		{"returning", 50, true, false, VacuumDocked},
		{"waiting", 50, true, false, VacuumDocked},
		{"cleaning", 50, true, true, VacuumCleaning},
		{"zone-cleaning", 50, true, true, VacuumCleaning},
		{"spot-cleaning", 50, true, true, VacuumSpotCleaning},
		{"paused", 50, true, false, VacuumStopped},
		{"", 0, false, false, VacuumStopped},
	}

	for _, tt := range tests {
		onoff, state := VacuumState(tt.status, tt.battery, tt.batteryKnown)
		if onoff != tt.onoff || state != tt.state {
			t.Errorf("VacuumState(%q, %v, %v) = (%v, %q), want (%v, %q)",
				tt.status, tt.battery, tt.batteryKnown, onoff, state, tt.onoff, tt.state)
		}
	}
}

func TestVacuumRule_UsesStoredBattery(t *testing.T) {
	vac, _ := LookupFamily(FamilyVacuum)
	tr := NewTranslator(vac)
	rc := ruleContext{caps: map[string]any{CapMeasureBattery: 100.0}}

	out, err := tr.Translate(Reading{Tag: TagVacuumState, Value: "charging"}, rc)
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if got := updateValue(t, out, CapVacuumState); got != VacuumDocked {
		t.Errorf("vacuumcleaner_state = %v, want docked", got)
	}
	if got := updateValue(t, out, CapOnOff); got != false {
		t.Errorf("onoff = %v, want false", got)
	}
	for _, u := range out.Updates {
		if u.Capability == CapVacuumState {
			if tokens := u.Tokens(VacuumDocked, nil); tokens["status"] != "charging" {
				t.Errorf("status token = %v, want raw charging", tokens["status"])
			}
		}
	}
}

func TestHumidifier2Power(t *testing.T) {
	tests := map[string]float64{
		"idle":   2.4,
		"silent": 2.7,
		"medium": 3.4,
		"high":   4.8,
		"turbo":  0,
	}
	for mode, want := range tests {
		if got := Humidifier2Power(mode); got != want {
			t.Errorf("Humidifier2Power(%q) = %v, want %v", mode, got, want)
		}
	}
}

func TestAirDataRule(t *testing.T) {
	am, _ := LookupFamily(FamilyAirMonitorB1)
	tr := NewTranslator(am)

	out, err := tr.Translate(Reading{Tag: TagAirData, Value: map[string]any{
		"temperature": 22.1,
		"humidity":    40.0,
		"pm25":        8.0,
		"tvoc":        120.0,
		"co2e":        650.0,
	}}, ruleContext{model: AirMonitorB1Model})
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if got := updateValue(t, out, "measure_co2"); got != 650.0 {
		t.Errorf("measure_co2 = %v, want co2e value 650", got)
	}
	if got := updateValue(t, out, "measure_tvoc"); got != 120.0 {
		t.Errorf("measure_tvoc = %v, want 120", got)
	}
	if len(out.Updates) != len(airDataFields) {
		t.Errorf("len(Updates) = %d, want %d", len(out.Updates), len(airDataFields))
	}
}
