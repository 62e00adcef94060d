package miio

import (
	"fmt"
	"sync"
)

// Family IDs shipped with the bridge.
const (
	FamilyVacuum       = "vacuum"
	FamilyHumidifier2  = "humidifier2"
	FamilyAirMonitorB1 = "airmonitor-b1"
)

// AirMonitorB1Model is the only model answering the aggregate air data query.
const AirMonitorB1Model = "cgllc.airmonitor.b1"

// Family is a set of rules that only applies to some devices.
type Family struct {
	ID string

	// Applies decides at connect time whether the family is active.
	Applies func(client Client, rc RuleContext) bool

	// Steps are tags polled after the generic steps, in order.
	Steps []Tag

	// Rules run after the base rules of the same tag.
	Rules map[Tag]Rule
}

var (
	familiesMu sync.RWMutex
	families   []Family
)

func init() {
	RegisterFamily(vacuumFamily())
	RegisterFamily(airMonitorFamily())
	RegisterFamily(humidifier2Family())
}

// RegisterFamily adds f to the registry. Families resolve in registration
// order. Registering an existing ID replaces it in place.
func RegisterFamily(f Family) {
	familiesMu.Lock()
	defer familiesMu.Unlock()

	for i := range families {
		if families[i].ID == f.ID {
			families[i] = f
			return
		}
	}
	families = append(families, f)
}

// LookupFamily returns the registered family with the given ID.
func LookupFamily(id string) (Family, bool) {
	familiesMu.RLock()
	defer familiesMu.RUnlock()

	for _, f := range families {
		if f.ID == id {
			return f, true
		}
	}
	return Family{}, false
}

// activeFamilies returns the families that apply to a connected device.
func activeFamilies(client Client, rc RuleContext) []Family {
	familiesMu.RLock()
	defer familiesMu.RUnlock()

	var active []Family
	for _, f := range families {
		if f.Applies == nil || f.Applies(client, rc) {
			active = append(active, f)
		}
	}
	return active
}

// Vacuum states written to vacuumcleaner_state.
const (
	VacuumCharging     = "charging"
	VacuumDocked       = "docked"
	VacuumCleaning     = "cleaning"
	VacuumSpotCleaning = "spot_cleaning"
	VacuumStopped      = "stopped"
)

func vacuumFamily() Family {
	return Family{
		ID: FamilyVacuum,
		Applies: func(client Client, _ RuleContext) bool {
			return client.Matches(TagVacuum)
		},
		Steps: []Tag{TagVacuumState},
		Rules: map[Tag]Rule{TagVacuumState: vacuumRule},
	}
}

// VacuumState maps a raw robot status to (onoff, vacuumcleaner_state).
// A robot that reports charging with a full battery counts as docked.
func VacuumState(status string, battery float64, batteryKnown bool) (onoff bool, state string) {
	switch status {
	case "charging":
		if batteryKnown && battery == 100 {
			return false, VacuumDocked
		}
		return false, VacuumCharging
	case "docking", "full", "returning", "waiting":
		return false, VacuumDocked
	case "cleaning", "zone-cleaning":
		return true, VacuumCleaning
	case "spot-cleaning":
		return true, VacuumSpotCleaning
	}
	return false, VacuumStopped
}

func vacuumRule(v any, rc RuleContext) (Output, error) {
	status, ok := v.(string)
	if !ok {
		return Output{}, fmt.Errorf("%w: expected vacuum status string, got %T", ErrTranslationAnomaly, v)
	}

	var battery float64
	raw, known := rc.Get(CapMeasureBattery)
	if known {
		battery, known = toFloat(raw)
	}

	onoff, state := VacuumState(status, battery, known)
	return Output{Updates: []Update{
		{Capability: CapOnOff, Value: onoff},
		{
			Capability: CapVacuumState,
			Value:      state,
			Trigger:    TriggerVacuumState,
			Tokens: func(any, any) map[string]any {
				return map[string]any{"status": status}
			},
		},
	}}, nil
}

// humidifier2Power is the estimated draw in watts per mode.
var humidifier2Power = map[string]float64{
	"idle":   2.4,
	"silent": 2.7,
	"medium": 3.4,
	"high":   4.8,
}

// Humidifier2Power returns the estimated power for mode, 0 when unmapped.
func Humidifier2Power(mode string) float64 {
	return humidifier2Power[mode]
}

func humidifier2Family() Family {
	return Family{
		ID: FamilyHumidifier2,
		Applies: func(_ Client, rc RuleContext) bool {
			return rc.Has(CapHumidifier2Mode)
		},
		Steps: []Tag{TagMode},
		Rules: map[Tag]Rule{TagMode: humidifier2PowerRule},
	}
}

func humidifier2PowerRule(v any, _ RuleContext) (Output, error) {
	if isNull(v) {
		return Output{}, nil
	}
	mode, _ := v.(string)
	return single(CapMeasurePower, Humidifier2Power(mode)), nil
}

// airDataFields are copied from the aggregate query into measure_* capabilities.
var airDataFields = []string{"temperature", "humidity", "pm25", "tvoc", "co2"}

func airMonitorFamily() Family {
	return Family{
		ID: FamilyAirMonitorB1,
		Applies: func(_ Client, rc RuleContext) bool {
			return rc.Model() == AirMonitorB1Model
		},
		Steps: []Tag{TagAirData},
		Rules: map[Tag]Rule{TagAirData: airDataRule},
	}
}

func airDataRule(v any, _ RuleContext) (Output, error) {
	data, ok := v.(map[string]any)
	if !ok {
		return Output{}, fmt.Errorf("%w: expected air data map, got %T", ErrTranslationAnomaly, v)
	}

	var out Output
	for _, field := range airDataFields {
		value := data[field]
		if field == "co2" {
			value = data["co2e"]
		}
		out.Updates = append(out.Updates, Update{Capability: "measure_" + field, Value: value})
	}
	return out, nil
}
