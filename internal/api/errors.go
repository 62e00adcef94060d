package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/miio-bridge/internal/bridges/miio"
	"github.com/nerrad567/miio-bridge/internal/device"
)

// Error is the JSON body of every non-2xx response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Machine-readable error codes.
const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeNotFound       = "not_found"
	ErrCodeUnauthorized   = "unauthorised"
	ErrCodeForbidden      = "forbidden"
	ErrCodeInternal       = "internal_error"
	ErrCodeValidation     = "validation_error"
	ErrCodeMethodNotAllow = "method_not_allowed"
	ErrCodeUnsupported    = "unsupported_capability"
	ErrCodeUnreachable    = "device_unreachable"
	ErrCodeWriteFailed    = "write_failed"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v) //nolint:errcheck // client may have gone away
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

func writeForbidden(w http.ResponseWriter, message string) {
	writeError(w, http.StatusForbidden, ErrCodeForbidden, message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeBridgeError maps a bridge or registry error onto an HTTP response.
func writeBridgeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, miio.ErrUnknownDevice), errors.Is(err, device.ErrDeviceNotFound):
		writeNotFound(w, "device not found")
	case errors.Is(err, miio.ErrUnsupportedCapability):
		writeError(w, http.StatusBadRequest, ErrCodeUnsupported, err.Error())
	case errors.Is(err, miio.ErrInvalidSettings):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, miio.ErrDeviceUnreachable), errors.Is(err, miio.ErrSupervisorDestroyed):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnreachable, "device is unreachable")
	case errors.Is(err, miio.ErrWriteFailure):
		writeError(w, http.StatusBadGateway, ErrCodeWriteFailed, err.Error())
	default:
		writeInternalError(w, "internal server error")
	}
}
