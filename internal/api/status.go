package api

import (
	"net/http"
	"runtime"
	"sort"
	"time"

	"github.com/nerrad567/miio-bridge/internal/bridges/miio"
)

// statusResponse is the body of GET /status.
type statusResponse struct {
	Health  miio.HealthMessage      `json:"health"`
	Devices []miio.SupervisorStatus `json:"devices"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Health:  s.bridge.Health(),
		Devices: s.bridge.Status(),
	})
}

// BridgeMetrics is the body of GET /metrics.
type BridgeMetrics struct {
	CollectedAt   time.Time      `json:"collected_at"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Process       ProcessMetrics `json:"process"`
	Links         LinkMetrics    `json:"links"`
	Devices       FleetMetrics   `json:"devices"`
	Database      *PoolMetrics   `json:"database,omitempty"`
}

// ProcessMetrics samples the Go runtime.
type ProcessMetrics struct {
	Goroutines int     `json:"goroutines"`
	HeapMB     float64 `json:"heap_mb"`
	GCCycles   uint32  `json:"gc_cycles"`
}

// LinkMetrics describes the bridge's outward connections.
type LinkMetrics struct {
	MQTTConnected    bool `json:"mqtt_connected"`
	WebSocketClients int  `json:"websocket_clients"`
}

// FleetMetrics aggregates supervisors. ConnectFailures sums the current
// retry counters, so it drops back as devices reconnect.
type FleetMetrics struct {
	Total           int                `json:"total"`
	Available       int                `json:"available"`
	ByState         map[string]int     `json:"by_state"`
	ConnectFailures int                `json:"connect_failures"`
	Supervisors     []SupervisorMetric `json:"supervisors"`
}

// SupervisorMetric is the per-device slice of FleetMetrics.
type SupervisorMetric struct {
	DeviceID string `json:"device_id"`
	State    string `json:"state"`
	Failures int    `json:"failures"`
}

// PoolMetrics mirrors sql.DBStats.
type PoolMetrics struct {
	Open      int   `json:"open"`
	InUse     int   `json:"in_use"`
	Idle      int   `json:"idle"`
	WaitCount int64 `json:"wait_count"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.collectMetrics())
}

func (s *Server) collectMetrics() BridgeMetrics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	m := BridgeMetrics{
		CollectedAt:   time.Now().UTC(),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Process: ProcessMetrics{
			Goroutines: runtime.NumGoroutine(),
			HeapMB:     float64(mem.HeapAlloc) / (1 << 20),
			GCCycles:   mem.NumGC,
		},
		Links: LinkMetrics{WebSocketClients: s.hub.ClientCount()},
	}
	if s.mqtt != nil {
		m.Links.MQTTConnected = s.mqtt.IsConnected()
	}

	total, available := s.registry.Counts()
	fleet := FleetMetrics{Total: total, Available: available, ByState: make(map[string]int)}
	for _, st := range s.bridge.Status() {
		state := st.State.String()
		fleet.ByState[state]++
		fleet.ConnectFailures += st.Failures
		fleet.Supervisors = append(fleet.Supervisors, SupervisorMetric{
			DeviceID: st.DeviceID,
			State:    state,
			Failures: st.Failures,
		})
	}
	sort.Slice(fleet.Supervisors, func(i, j int) bool {
		return fleet.Supervisors[i].DeviceID < fleet.Supervisors[j].DeviceID
	})
	m.Devices = fleet

	if s.db != nil {
		st := s.db.Stats()
		m.Database = &PoolMetrics{
			Open:      st.OpenConnections,
			InUse:     st.InUse,
			Idle:      st.Idle,
			WaitCount: st.WaitCount,
		}
	}
	return m
}
