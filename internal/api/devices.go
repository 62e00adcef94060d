package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/miio-bridge/internal/bridges/miio"
	"github.com/nerrad567/miio-bridge/internal/device"
)

// maxPathParamLen bounds device IDs and capability names taken from the URL.
const maxPathParamLen = 128

// deviceResponse is a device view enriched with its supervisor state.
type deviceResponse struct {
	*device.Device
	Supervisor *miio.SupervisorStatus `json:"supervisor,omitempty"`
}

// settingsResponse reports settings in effect. The token is never echoed.
type settingsResponse struct {
	DeviceID string `json:"device_id"`
	Address  string `json:"address"`
	Polling  int    `json:"polling"`
}

// setCapabilityRequest is the body of PUT /devices/{id}/capabilities/{capability}.
type setCapabilityRequest struct {
	Value json.RawMessage `json:"value"`
}

// deviceIDParam extracts and bounds the {id} path parameter.
func deviceIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if id == "" || len(id) > maxPathParamLen {
		writeBadRequest(w, "invalid device ID")
		return "", false
	}
	return id, true
}

// handleListDevices returns every registered device, ordered by ID.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.registry.List()
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

// handleGetDevice returns one device with its supervisor status.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceIDParam(w, r)
	if !ok {
		return
	}

	dev, err := s.registry.Get(id)
	if err != nil {
		writeBridgeError(w, err)
		return
	}

	resp := deviceResponse{Device: dev}
	if status, err := s.bridge.DeviceStatus(id); err == nil {
		resp.Supervisor = &status
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetDeviceHistory returns recorded capability changes, newest first.
// The optional limit query parameter is clamped by the history store.
func (s *Server) handleGetDeviceHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceIDParam(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeBadRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries, err := s.registry.History(r.Context(), id, limit)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		s.logger.Error("reading device history", "device_id", id, "error", err)
		writeInternalError(w, "failed to read history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"entries":   entries,
		"count":     len(entries),
	})
}

// handleRefreshDevice drops the device's client and reconnects immediately.
func (s *Server) handleRefreshDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceIDParam(w, r)
	if !ok {
		return
	}

	if err := s.bridge.Refresh(id); err != nil {
		writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"device_id": id,
		"status":    "refreshing",
	})
}

// handleSetCapability writes one capability through the device's supervisor.
func (s *Server) handleSetCapability(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceIDParam(w, r)
	if !ok {
		return
	}
	capability := chi.URLParam(r, "capability")
	if capability == "" || len(capability) > maxPathParamLen {
		writeBadRequest(w, "invalid capability")
		return
	}

	var req setCapabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.Value) == 0 {
		writeBadRequest(w, "value is required")
		return
	}
	var value any
	if err := json.Unmarshal(req.Value, &value); err != nil || value == nil {
		writeBadRequest(w, "value must not be null")
		return
	}

	if err := s.bridge.SetCapability(r.Context(), id, capability, value); err != nil {
		s.logger.Warn("capability write rejected",
			"device_id", id,
			"capability", capability,
			"error", err,
		)
		writeBridgeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id":  id,
		"capability": capability,
		"value":      value,
		"status":     "accepted",
	})
}

// handleUpdateSettings applies a partial settings update. Any effective
// change resyncs the device immediately.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceIDParam(w, r)
	if !ok {
		return
	}

	var msg miio.SettingsMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if msg.Address == nil && msg.Token == nil && msg.Polling == nil {
		writeBadRequest(w, "at least one of address, token or polling is required")
		return
	}

	settings, err := s.bridge.UpdateSettings(r.Context(), id, msg)
	if err != nil {
		writeBridgeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, settingsResponse{
		DeviceID: id,
		Address:  settings.Address,
		Polling:  int(settings.PollInterval.Seconds()),
	})
}
