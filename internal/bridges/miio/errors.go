package miio

import "errors"

// Domain errors for the miio bridge package.
var (
	// ErrConnectFailure is returned when a device client cannot be obtained.
	ErrConnectFailure = errors.New("miio: connect failure")

	// ErrReadFailure is returned when reading a tag from the device fails.
	ErrReadFailure = errors.New("miio: read failure")

	// ErrWriteFailure is returned when writing a capability or store value fails.
	ErrWriteFailure = errors.New("miio: write failure")

	// ErrTranslationAnomaly is returned when a raw reading has an unexpected shape.
	ErrTranslationAnomaly = errors.New("miio: translation anomaly")

	// ErrDeviceUnreachable is returned when a command arrives while no client
	// is connected.
	ErrDeviceUnreachable = errors.New("miio: device unreachable")

	// ErrUnknownDevice is returned when a device ID is not supervised by the bridge.
	ErrUnknownDevice = errors.New("miio: unknown device")

	// ErrUnsupportedCapability is returned when a command targets a capability
	// that has no device-side write.
	ErrUnsupportedCapability = errors.New("miio: unsupported capability")

	// ErrSupervisorDestroyed is returned by operations on a torn down supervisor.
	ErrSupervisorDestroyed = errors.New("miio: supervisor destroyed")
)

// ErrInvalidSettings is returned when a settings update fails validation.
var ErrInvalidSettings = errors.New("miio: invalid settings")
