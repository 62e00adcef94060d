package device

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	maxNameLength      = 100
	maxCapabilities    = 64
	maxStringValueLen  = 1024
	maxNestedKeys      = 64
	maxNestingDepth    = 8
	capabilityPattern  = `^[a-z][a-z0-9_.]*$`
	deviceIDPattern    = `^[A-Za-z0-9][A-Za-z0-9_.-]*$`
	maxDeviceIDLength  = 64
	maxCapabilityChars = 64
)

var (
	capabilityRegex = regexp.MustCompile(capabilityPattern)
	deviceIDRegex   = regexp.MustCompile(deviceIDPattern)
)

// ValidateSeed checks a registration seed.
func ValidateSeed(s Seed) error {
	if err := ValidateDeviceID(s.ID); err != nil {
		return err
	}
	if name := strings.TrimSpace(s.Name); name == "" || len(name) > maxNameLength {
		return fmt.Errorf("%w: name must be 1-%d characters", ErrInvalidDevice, maxNameLength)
	}
	if len(s.Capabilities) > maxCapabilities {
		return fmt.Errorf("%w: more than %d capabilities", ErrInvalidDevice, maxCapabilities)
	}
	for _, c := range s.Capabilities {
		if err := ValidateCapabilityName(c); err != nil {
			return err
		}
	}
	return nil
}

// ValidateDeviceID checks that id is usable as a path and topic segment.
func ValidateDeviceID(id string) error {
	if id == "" || len(id) > maxDeviceIDLength || !deviceIDRegex.MatchString(id) {
		return fmt.Errorf("%w: id %q must be 1-%d characters of [A-Za-z0-9_.-]", ErrInvalidDevice, id, maxDeviceIDLength)
	}
	return nil
}

// ValidateCapabilityName checks a canonical capability name such as
// "measure_pm25" or "light_hue".
func ValidateCapabilityName(name string) error {
	if len(name) > maxCapabilityChars || !capabilityRegex.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidCapability, name)
	}
	return nil
}

// validateValue bounds the size of a value before it is persisted.
// Snapshot state entries can be nested maps, so nesting is walked.
func validateValue(v any, depth int) error {
	if depth > maxNestingDepth {
		return fmt.Errorf("%w: nesting deeper than %d", ErrInvalidValue, maxNestingDepth)
	}

	switch val := v.(type) {
	case string:
		if len(val) > maxStringValueLen {
			return fmt.Errorf("%w: string longer than %d", ErrInvalidValue, maxStringValueLen)
		}
	case map[string]any:
		if len(val) > maxNestedKeys {
			return fmt.Errorf("%w: map with more than %d keys", ErrInvalidValue, maxNestedKeys)
		}
		for _, elem := range val {
			if err := validateValue(elem, depth+1); err != nil {
				return err
			}
		}
	case []any:
		if len(val) > maxNestedKeys {
			return fmt.Errorf("%w: list longer than %d", ErrInvalidValue, maxNestedKeys)
		}
		for _, elem := range val {
			if err := validateValue(elem, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}
