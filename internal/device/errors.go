package device

import "errors"

var (
	// ErrDeviceNotFound is returned when a device ID is not registered.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrDeviceExists is returned when registering an ID twice.
	ErrDeviceExists = errors.New("device: already registered")

	// ErrInvalidDevice is returned when a seed fails validation.
	ErrInvalidDevice = errors.New("device: invalid")

	// ErrInvalidCapability is returned for malformed capability names.
	ErrInvalidCapability = errors.New("device: invalid capability")

	// ErrCapabilityNotDeclared is returned by Set for a capability the device
	// does not declare. Call Add first.
	ErrCapabilityNotDeclared = errors.New("device: capability not declared")

	// ErrInvalidValue is returned for store values that are too large to keep.
	ErrInvalidValue = errors.New("device: invalid value")
)
