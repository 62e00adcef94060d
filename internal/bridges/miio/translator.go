package miio

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/lucasb-eyer/go-colorful"
)

// Canonical capability names written by the translator.
const (
	CapOnOff              = "onoff"
	CapDim                = "dim"
	CapMeasurePower       = "measure_power"
	CapMeterPower         = "meter_power"
	CapMeasureBattery     = "measure_battery"
	CapMeasureTemperature = "measure_temperature"
	CapMeasureHumidity    = "measure_humidity"
	CapMeasurePM25        = "measure_pm25"
	CapMeasureWaterlevel  = "measure_waterlevel"
	CapMeasureLuminance   = "measure_luminance"
	CapLightHue           = "light_hue"
	CapLightSaturation    = "light_saturation"
	CapLightTemperature   = "light_temperature"
	CapVacuumState        = "vacuumcleaner_state"
	CapAirpurifierMode    = "airpurifier_mode"
	CapHumidifierMode     = "humidifier_mode"
	CapHumidifier2Mode    = "humidifier2_mode"
)

// Trigger names fired on significant transitions.
const (
	TriggerModeChanged = "triggerModeChanged"
	TriggerVacuumState = "statusVacuum"
	TriggerWaterlevel  = "humidifier2Waterlevel"
)

// Light temperature range the color tag is normalized over.
const (
	lightTemperatureMin = 3000
	lightTemperatureMax = 5700
)

// modeCapabilities receive the raw mode when the device declares them.
var modeCapabilities = []string{CapAirpurifierMode, CapHumidifierMode, CapHumidifier2Mode}

// TokenFunc builds a trigger payload from the new and previous capability values.
type TokenFunc func(value, previous any) map[string]any

// Update is one canonical capability value produced by a rule.
type Update struct {
	Capability string
	Value      any

	// Trigger is fired when the write changes an already declared capability.
	Trigger string
	Tokens  TokenFunc
}

// StoreUpdate is a settings-store value produced by a rule.
type StoreUpdate struct {
	Key   string
	Value any
}

// Output is everything a set of rules derived from one reading.
type Output struct {
	Updates []Update
	Store   []StoreUpdate
}

func (o *Output) merge(other Output) {
	o.Updates = append(o.Updates, other.Updates...)
	o.Store = append(o.Store, other.Store...)
}

// Empty reports whether the output carries nothing to apply.
func (o Output) Empty() bool {
	return len(o.Updates) == 0 && len(o.Store) == 0
}

// Reading is a raw value read from the device or its child.
type Reading struct {
	Tag   Tag
	Value any
	Child bool
}

// RuleContext is the read-only device view rules may consult.
type RuleContext interface {
	Has(capability string) bool
	Get(capability string) (any, bool)
	Model() string
}

// Rule maps one raw value to canonical output.
type Rule func(value any, rc RuleContext) (Output, error)

// Translator maps readings to canonical output using a fixed rule table.
// It holds no mutable state and is safe for concurrent use.
type Translator struct {
	main  map[Tag][]Rule
	child map[Tag][]Rule
}

// baseRules apply to every device regardless of family.
func baseRules() map[Tag][]Rule {
	return map[Tag][]Rule{
		TagPower:               {identity(CapOnOff)},
		TagPowerLoad:           {identity(CapMeasurePower)},
		TagPowerConsumed:       {scaled(CapMeterPower, func(v float64) float64 { return v / 1000 })},
		TagBatteryLevel:        {scaled(CapMeasureBattery, func(v float64) float64 { return clamp(v, 0, 100) })},
		TagTemperature:         {measurement(CapMeasureTemperature)},
		TagRelativeHumidity:    {identity(CapMeasureHumidity)},
		TagPM25:                {identity(CapMeasurePM25)},
		TagDepth:               {waterlevelRule},
		TagBrightness:          {scaled(CapDim, func(v float64) float64 { return v / 100 })},
		TagIlluminance:         {measurement(CapMeasureLuminance)},
		TagColor:               {lightTemperatureRule},
		TagMode:                {modeRule},
		TagState:               {stateRule},
		TagFanSpeed:            {storeRule("fanspeed")},
		TagRollAngle:           {storeRule("angle")},
		TagAdjustableRollAngle: {rollAngleRule},
		TagSwitchableChildLock: {storeRule("child_lock")},
		TagEyecare:             {storeRule("eyecare")},
	}
}

func childRules() map[Tag][]Rule {
	return map[Tag][]Rule{
		TagColor:      {hueSaturationRule},
		TagBrightness: {scaled(CapDim, func(v float64) float64 { return v / 100 })},
	}
}

// NewTranslator builds a translator from the base rules plus the rules of
// the given families. Family rules run after the base rules of the same tag.
func NewTranslator(families ...Family) *Translator {
	t := &Translator{main: baseRules(), child: childRules()}
	for _, f := range families {
		for tag, rule := range f.Rules {
			t.main[tag] = append(t.main[tag], rule)
		}
	}
	return t
}

// Handles reports whether any rule is registered for the reading's tag.
func (t *Translator) Handles(tag Tag, child bool) bool {
	if child {
		return len(t.child[tag]) > 0
	}
	return len(t.main[tag]) > 0
}

// Translate runs every rule registered for r.Tag. A failing rule does not
// stop the others; their errors are joined.
func (t *Translator) Translate(r Reading, rc RuleContext) (Output, error) {
	rules := t.main[r.Tag]
	if r.Child {
		rules = t.child[r.Tag]
	}

	var (
		out  Output
		errs []error
	)
	for _, rule := range rules {
		o, err := rule(r.Value, rc)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Tag, err))
			continue
		}
		out.merge(o)
	}
	return out, errors.Join(errs...)
}

func single(capability string, value any) Output {
	return Output{Updates: []Update{{Capability: capability, Value: value}}}
}

func identity(capability string) Rule {
	return func(v any, _ RuleContext) (Output, error) {
		return single(capability, v), nil
	}
}

func scaled(capability string, f func(float64) float64) Rule {
	return func(v any, _ RuleContext) (Output, error) {
		if isNull(v) {
			return single(capability, nil), nil
		}
		n, err := number(v)
		if err != nil {
			return Output{}, err
		}
		return single(capability, f(n)), nil
	}
}

func measurement(capability string) Rule {
	return func(v any, _ RuleContext) (Output, error) {
		if isNull(v) {
			return single(capability, nil), nil
		}
		switch m := v.(type) {
		case Measurement:
			return single(capability, m.Value), nil
		case *Measurement:
			return single(capability, m.Value), nil
		case map[string]any:
			raw, ok := m["value"]
			if !ok {
				return Output{}, fmt.Errorf("%w: measurement without value field", ErrTranslationAnomaly)
			}
			n, err := number(raw)
			if err != nil {
				return Output{}, err
			}
			return single(capability, n), nil
		}
		return Output{}, fmt.Errorf("%w: expected measurement, got %T", ErrTranslationAnomaly, v)
	}
}

func waterlevelRule(v any, _ RuleContext) (Output, error) {
	if isNull(v) {
		return single(CapMeasureWaterlevel, nil), nil
	}
	n, err := number(v)
	if err != nil {
		return Output{}, err
	}
	return Output{Updates: []Update{{
		Capability: CapMeasureWaterlevel,
		Value:      clamp(math.Round(n), 0, 100),
		Trigger:    TriggerWaterlevel,
		Tokens: func(value, previous any) map[string]any {
			return map[string]any{"waterlevel": value, "previous_waterlevel": previous}
		},
	}}}, nil
}

func lightTemperatureRule(v any, _ RuleContext) (Output, error) {
	if isNull(v) {
		return Output{}, nil
	}
	var kelvin float64
	switch c := v.(type) {
	case Color:
		if len(c.Values) == 0 {
			return Output{}, fmt.Errorf("%w: color without values", ErrTranslationAnomaly)
		}
		kelvin = c.Values[0]
	default:
		n, err := number(v)
		if err != nil {
			return Output{}, err
		}
		kelvin = n
	}
	return single(CapLightTemperature, normalize(kelvin, lightTemperatureMin, lightTemperatureMax)), nil
}

func hueSaturationRule(v any, _ RuleContext) (Output, error) {
	c, ok := v.(Color)
	if !ok || len(c.Values) < 3 {
		return Output{}, fmt.Errorf("%w: expected rgb color, got %T", ErrTranslationAnomaly, v)
	}
	hue, saturation := HueSaturation(c.Values[0], c.Values[1], c.Values[2])
	return Output{Updates: []Update{
		{Capability: CapLightHue, Value: hue},
		{Capability: CapLightSaturation, Value: saturation},
	}}, nil
}

// HueSaturation converts 0-255 RGB channels to a hue in [0,1] (degrees
// rounded and divided by 359) and a saturation rounded to two decimals.
// Saturation is already a [0,1] capability value, so rounding it to a whole
// number would collapse every colour to fully saturated or grey.
func HueSaturation(r, g, b float64) (hue, saturation float64) {
	h, s, _ := colorful.Color{R: r / 255, G: g / 255, B: b / 255}.Hsv()
	return math.Min(math.Round(h)/359, 1), round2(s)
}

func modeRule(v any, rc RuleContext) (Output, error) {
	if isNull(v) {
		return Output{}, nil
	}
	var out Output
	for _, capability := range modeCapabilities {
		if !rc.Has(capability) {
			continue
		}
		out.Updates = append(out.Updates, Update{
			Capability: capability,
			Value:      v,
			Trigger:    TriggerModeChanged,
			Tokens: func(value, previous any) map[string]any {
				prev := ""
				if previous != nil {
					prev = fmt.Sprint(previous)
				}
				return map[string]any{"new_mode": value, "previous_mode": prev}
			},
		})
	}
	out.Store = append(out.Store, StoreUpdate{Key: "mode", Value: v})
	return out, nil
}

func stateRule(v any, _ RuleContext) (Output, error) {
	if isNull(v) {
		return Output{}, nil
	}
	states, ok := v.(map[string]any)
	if !ok {
		return Output{}, fmt.Errorf("%w: expected state map, got %T", ErrTranslationAnomaly, v)
	}
	keys := make([]string, 0, len(states))
	for k := range states {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out Output
	for _, k := range keys {
		out.Store = append(out.Store, StoreUpdate{Key: k, Value: states[k]})
	}
	return out, nil
}

func storeRule(key string) Rule {
	return func(v any, _ RuleContext) (Output, error) {
		return Output{Store: []StoreUpdate{{Key: key, Value: v}}}, nil
	}
}

func rollAngleRule(v any, _ RuleContext) (Output, error) {
	if isNull(v) {
		return Output{}, nil
	}
	if s, ok := v.(string); ok {
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Output{}, fmt.Errorf("%w: roll angle %q", ErrTranslationAnomaly, s)
		}
		return Output{Store: []StoreUpdate{{Key: "roll_angle", Value: n}}}, nil
	}
	n, err := number(v)
	if err != nil {
		return Output{}, err
	}
	return Output{Store: []StoreUpdate{{Key: "roll_angle", Value: n}}}, nil
}

// isNull reports values that must never be written.
func isNull(v any) bool {
	switch s := v.(type) {
	case nil:
		return true
	case string:
		return s == "null" || s == "undefined"
	}
	return false
}

// number converts the numeric kinds a client may return to float64.
func number(v any) (float64, error) {
	if n, ok := toFloat(v); ok {
		return n, nil
	}
	return 0, fmt.Errorf("%w: expected number, got %T", ErrTranslationAnomaly, v)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func normalize(v, lo, hi float64) float64 {
	return round2(clamp((v-lo)/(hi-lo), 0, 1))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
