// Package api provides the HTTP REST API and WebSocket server for the bridge.
//
// It exposes device state, history and supervisor status, accepts capability
// writes, forced refreshes and settings changes, and streams store mutations
// to WebSocket subscribers.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/miio-bridge/internal/auth"
	"github.com/nerrad567/miio-bridge/internal/bridges/miio"
	"github.com/nerrad567/miio-bridge/internal/device"
	"github.com/nerrad567/miio-bridge/internal/infrastructure/config"
	"github.com/nerrad567/miio-bridge/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// DeviceRegistry is the read side of the device registry.
// This interface is satisfied by *device.Registry.
type DeviceRegistry interface {
	List() []device.Device
	Get(id string) (*device.Device, error)
	History(ctx context.Context, id string, limit int) ([]device.StateHistoryEntry, error)
	Counts() (total, available int)
}

// BridgeController issues commands to supervised devices.
// This interface is satisfied by *miio.Bridge.
type BridgeController interface {
	SetCapability(ctx context.Context, id, capability string, value any) error
	Refresh(id string) error
	UpdateSettings(ctx context.Context, id string, msg miio.SettingsMessage) (miio.Settings, error)
	Status() []miio.SupervisorStatus
	DeviceStatus(id string) (miio.SupervisorStatus, error)
	Health() miio.HealthMessage
}

// ConnectionStatus reports whether the MQTT broker is reachable.
type ConnectionStatus interface {
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Registry DeviceRegistry
	Bridge   BridgeController

	// Keys authenticates X-API-Key requests. Optional.
	Keys *auth.KeyRing

	// MQTT and DB feed the metrics endpoint. Optional.
	MQTT ConnectionStatus
	DB   *sql.DB

	// Hub is shared with the device registry, which feeds it store
	// mutations as an observer. If nil the server creates its own.
	Hub *Hub

	Version string
}

// Server is the HTTP API server for the bridge.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	secCfg    config.SecurityConfig
	logger    *logging.Logger
	registry  DeviceRegistry
	bridge    BridgeController
	keys      *auth.KeyRing
	mqtt      ConnectionStatus
	db        *sql.DB
	version   string
	startTime time.Time

	hub     *Hub
	tickets *ticketStore

	server *http.Server
	cancel context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (logger, registry, bridge)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("device registry is required")
	}
	if deps.Bridge == nil {
		return nil, fmt.Errorf("bridge is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		secCfg:    deps.Security,
		logger:    deps.Logger,
		registry:  deps.Registry,
		bridge:    deps.Bridge,
		keys:      deps.Keys,
		mqtt:      deps.MQTT,
		db:        deps.DB,
		version:   deps.Version,
		startTime: time.Now(),
		hub:       deps.Hub,
		tickets:   newTicketStore(),
	}
	if s.hub == nil {
		s.hub = NewHub(deps.Logger)
	}

	return s, nil
}

// Hub returns the WebSocket hub, for registration as a device observer.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the fully wired HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub and ticket cleanup, then launches the HTTP
// listener in a background goroutine. The server can be stopped with Close().
//
// Parameters:
//   - ctx: Parent context for background goroutines
//
// Returns:
//   - error: Always nil; listener errors are logged
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	go s.cleanTicketsLoop(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
