package simulator

import (
	"fmt"

	"github.com/nerrad567/miio-bridge/internal/bridges/miio"
)

// Profile names.
const (
	ProfilePlug         = "plug"
	ProfileLight        = "light"
	ProfileVacuum       = "vacuum"
	ProfileHumidifier2  = "humidifier2"
	ProfileAirMonitorB1 = "airmonitor-b1"
)

// profile is the initial hardware state of a simulated device.
type profile struct {
	model  string
	values map[miio.Tag]any

	// flags are tags that are matched but never read.
	flags []miio.Tag

	// drift is the tag nudged by the event emitter.
	drift miio.Tag

	child *profile
}

func profiles() map[string]profile {
	return map[string]profile{
		ProfilePlug: {
			model: "chuangmi.plug.m1",
			values: map[miio.Tag]any{
				miio.TagPower:         true,
				miio.TagPowerLoad:     12.5,
				miio.TagPowerConsumed: 1520.0,
				miio.TagTemperature:   miio.Measurement{Value: 41, Unit: "C"},
			},
			drift: miio.TagPowerLoad,
		},
		ProfileLight: {
			model: "lumi.gateway.v3",
			values: map[miio.Tag]any{
				miio.TagPower:       true,
				miio.TagBrightness:  80.0,
				miio.TagIlluminance: miio.Measurement{Value: 320, Unit: "lux"},
				miio.TagColor:       miio.Color{Model: "temperature", Values: []float64{4000}},
			},
			flags: []miio.Tag{miio.TagChildren},
			drift: miio.TagIlluminance,
			child: &profile{
				values: map[miio.Tag]any{
					miio.TagBrightness: 60.0,
					miio.TagColor:      miio.Color{Model: "rgb", Values: []float64{255, 120, 0}},
				},
				flags: []miio.Tag{miio.TagColorable},
			},
		},
		ProfileVacuum: {
			model: "rockrobo.vacuum.v1",
			values: map[miio.Tag]any{
				miio.TagBatteryLevel: 87.0,
				miio.TagVacuumState:  "charging",
				miio.TagFanSpeed:     60.0,
				miio.TagState: map[string]any{
					"cleanTime": 0.0,
					"cleanArea": 0.0,
				},
			},
			flags: []miio.Tag{miio.TagVacuum},
			drift: miio.TagBatteryLevel,
		},
		ProfileHumidifier2: {
			model: "zhimi.humidifier.ca1",
			values: map[miio.Tag]any{
				miio.TagPower:               true,
				miio.TagMode:                "silent",
				miio.TagDepth:               48.6,
				miio.TagRelativeHumidity:    45.0,
				miio.TagTemperature:         miio.Measurement{Value: 21.5, Unit: "C"},
				miio.TagSwitchableChildLock: false,
			},
			drift: miio.TagRelativeHumidity,
		},
		ProfileAirMonitorB1: {
			model: miio.AirMonitorB1Model,
			values: map[miio.Tag]any{
				miio.TagAirData: map[string]any{
					"temperature": 22.4,
					"humidity":    41.0,
					"pm25":        8.0,
					"tvoc":        0.12,
					"co2e":        540.0,
				},
			},
			drift: miio.TagAirData,
		},
	}
}

// Profiles returns the available profile names.
func Profiles() []string {
	return []string{ProfilePlug, ProfileLight, ProfileVacuum, ProfileHumidifier2, ProfileAirMonitorB1}
}

// DefaultModel returns the model identifier a profile reports.
func DefaultModel(name string) (string, error) {
	p, ok := profiles()[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownProfile, name)
	}
	return p.model, nil
}
