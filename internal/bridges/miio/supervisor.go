package miio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/miio-bridge/internal/device"
)

// Supervisor timing.
const (
	// connectJitter spreads the first connect of many devices.
	connectJitter = 10 * time.Second

	// snapshotDelay and snapshotJitter schedule the one-time diagnostic snapshot.
	snapshotDelay  = 120 * time.Second
	snapshotJitter = 10 * time.Second

	// refreshBootJitter delays the start of the refresh schedule after boot.
	refreshBootJitter = 600 * time.Second

	// refreshInterval and refreshJitter space forced client refreshes.
	refreshInterval = time.Hour
	refreshJitter   = 600 * time.Second

	// refreshReconnectDelay is the pause between dropping and reopening the client.
	refreshReconnectDelay = 2 * time.Second

	// retryDelay is the fast retry after a connect failure.
	retryDelay = 10 * time.Second

	// backoffDelay is the slow retry once backoffThreshold failures accumulate.
	backoffDelay     = 600 * time.Second
	backoffThreshold = 9

	// connectTimeout bounds one connect attempt.
	connectTimeout = 30 * time.Second

	// DefaultPollInterval is used when settings carry no poll interval.
	DefaultPollInterval = 60 * time.Second
)

// ReasonUnreachable is the availability reason while no client is connected.
const ReasonUnreachable = "unreachable"

// State is the supervisor lifecycle state.
type State int

// Supervisor states.
const (
	StateUninitialized State = iota
	StateConnecting
	StateConnected
	StateUnavailable
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateUnavailable:
		return "unavailable"
	case StateDestroyed:
		return "destroyed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Settings are the user-editable connection settings of a device.
type Settings struct {
	Address      string
	Token        string
	PollInterval time.Duration
}

func (s Settings) identity() Identity {
	return Identity{Address: s.Address, Token: s.Token}
}

func (s Settings) pollInterval() time.Duration {
	if s.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return s.PollInterval
}

// SupervisorConfig holds the collaborators of a Supervisor.
type SupervisorConfig struct {
	Store     Store
	Connector Connector
	Settings  Settings

	// Scheduler and Jitter default to real timers and RandomJitter.
	Scheduler Scheduler
	Jitter    JitterFunc

	Logger Logger
}

// SupervisorStatus is a point-in-time view of a supervisor.
type SupervisorStatus struct {
	DeviceID    string   `json:"device_id"`
	State       State    `json:"state"`
	Failures    int      `json:"failures"`
	Address     string   `json:"address"`
	PollSeconds int      `json:"poll_interval_seconds"`
	Families    []string `json:"families,omitempty"`
	Tags        []Tag    `json:"tags,omitempty"`
	Composite   bool     `json:"composite"`
}

// Supervisor owns the client lifecycle of one device.
//
// Thread Safety: All methods are safe for concurrent use. Timer callbacks
// run on their own goroutines.
type Supervisor struct {
	store     Store
	connector Connector
	syncer    *Synchronizer
	timers    *timerSet
	jitter    JitterFunc

	mu         sync.Mutex
	settings   Settings
	state      State
	failures   int
	connecting bool
	// refreshes counts forced refreshes; a connect started before the
	// latest one is stale when it completes.
	refreshes  uint64
	client     Client
	plan       *Plan
	generation uint64

	// pollMu keeps poll cycles of one device from overlapping.
	pollMu sync.Mutex

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	teardownOnce sync.Once

	loggerHolder
}

// NewSupervisor creates a supervisor. Call Boot to start it.
//
// Parameters:
//   - cfg: Store and Connector are required
//
// Returns:
//   - *Supervisor: Ready to boot
//   - error: If a required collaborator is missing
func NewSupervisor(cfg SupervisorConfig) (*Supervisor, error) {
	if cfg.Store == nil {
		return nil, errors.New("miio: store is required")
	}
	if cfg.Connector == nil {
		return nil, errors.New("miio: connector is required")
	}

	jitter := cfg.Jitter
	if jitter == nil {
		jitter = RandomJitter
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		store:     cfg.Store,
		connector: cfg.Connector,
		syncer:    NewSynchronizer(cfg.Store),
		timers:    newTimerSet(cfg.Scheduler),
		jitter:    jitter,
		settings:  cfg.Settings,
		ctx:       ctx,
		cancel:    cancel,
	}
	s.SetLogger(cfg.Logger)
	return s, nil
}

// SetLogger sets the logger for the supervisor and its synchronizer.
func (s *Supervisor) SetLogger(logger Logger) {
	s.loggerHolder.SetLogger(logger)
	s.syncer.SetLogger(logger)
}

// DeviceID returns the supervised device ID.
func (s *Supervisor) DeviceID() string {
	return s.store.ID()
}

// Boot marks the device unavailable and schedules the first connect, the
// diagnostic snapshot and the start of the refresh schedule, each with its
// own jitter. Boot only has an effect once.
func (s *Supervisor) Boot() {
	s.mu.Lock()
	if s.state != StateUninitialized {
		s.mu.Unlock()
		return
	}
	s.state = StateConnecting
	s.mu.Unlock()

	s.markUnavailable(ReasonUnreachable)

	s.timers.arm(TimerReconnect, s.jitter(connectJitter), s.connect)
	s.timers.arm(TimerSnapshot, snapshotDelay+s.jitter(snapshotJitter), s.snapshot)
	s.timers.arm(TimerRefresh, s.jitter(refreshBootJitter), s.scheduleRefresh)

	s.log().Info("device supervisor booted", "device_id", s.store.ID())
}

// connect opens a client for the current settings. Failures are retried
// after retryDelay until backoffThreshold consecutive failures, then after
// backoffDelay with the counter reset. An attempt overtaken by a refresh
// or resync is discarded and retried at once with the current settings.
func (s *Supervisor) connect() {
	s.mu.Lock()
	if s.state == StateDestroyed || s.connecting {
		s.mu.Unlock()
		return
	}
	s.connecting = true
	s.state = StateConnecting
	id := s.settings.identity()
	epoch := s.refreshes
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, connectTimeout)
	client, err := s.connector.Connect(ctx, id)
	cancel()

	s.mu.Lock()
	s.connecting = false
	if s.state == StateDestroyed {
		s.mu.Unlock()
		if client != nil {
			client.Destroy()
		}
		return
	}

	// A refresh or resync landed while the attempt was in flight. Its
	// outcome belongs to the old settings, and the reconnect the refresh
	// armed may already have been skipped, so start over now.
	if s.refreshes != epoch {
		s.state = StateConnecting
		s.mu.Unlock()
		if client != nil {
			client.Destroy()
		}
		s.timers.arm(TimerReconnect, 0, s.connect)
		s.log().Info("discarding connect started before refresh",
			"device_id", s.store.ID(),
			"address", id.Address)
		return
	}

	if err != nil {
		s.failures++
		delay := retryDelay
		if s.failures >= backoffThreshold {
			delay = backoffDelay
			s.failures = 0
		}
		failures := s.failures
		s.state = StateUnavailable
		s.mu.Unlock()

		err = fmt.Errorf("%w: %w", ErrConnectFailure, err)
		s.markUnavailable(fmt.Sprintf("%s: %v", ReasonUnreachable, err))
		s.timers.arm(TimerReconnect, delay, s.connect)
		s.log().Warn("device connect failed",
			"device_id", s.store.ID(),
			"address", id.Address,
			"failures", failures,
			"retry_in", delay,
			"error", err)
		return
	}

	previous := s.client
	s.client = client
	s.generation++
	gen := s.generation
	s.failures = 0
	s.state = StateConnected
	plan := ResolvePlan(client, s.store)
	s.plan = plan
	s.mu.Unlock()

	if previous != nil {
		previous.Destroy()
	}

	if !s.store.Available() {
		if err := s.store.SetAvailable(s.ctx); err != nil {
			s.log().Error("failed to mark device available", "device_id", s.store.ID(), "error", err)
		}
	}

	s.startDispatcher(gen, client, plan)
	s.startPolling(gen)

	s.log().Info("device connected",
		"device_id", s.store.ID(),
		"address", id.Address,
		"families", plan.Families,
		"steps", len(plan.Steps))
}

// scheduleRefresh arms the next forced refresh.
func (s *Supervisor) scheduleRefresh() {
	s.timers.arm(TimerRefresh, refreshInterval+s.jitter(refreshJitter), s.forceRefresh)
}

// forceRefresh drops the client, reconnects shortly after and re-arms the
// refresh schedule.
func (s *Supervisor) forceRefresh() {
	if s.destroyed() {
		return
	}
	s.log().Info("refreshing device client", "device_id", s.store.ID())

	s.mu.Lock()
	s.state = StateConnecting
	s.refreshes++
	s.mu.Unlock()

	s.dropClient()
	s.timers.arm(TimerReconnect, refreshReconnectDelay, s.connect)
	s.scheduleRefresh()
}

// Refresh forces a client refresh now.
func (s *Supervisor) Refresh() error {
	if s.destroyed() {
		return ErrSupervisorDestroyed
	}
	s.forceRefresh()
	return nil
}

// Resync replaces the connection settings and forces a refresh so the new
// address, token or poll interval take effect immediately.
func (s *Supervisor) Resync(settings Settings) error {
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return ErrSupervisorDestroyed
	}
	s.settings = settings
	s.mu.Unlock()

	s.log().Info("device settings changed",
		"device_id", s.store.ID(),
		"address", settings.Address,
		"poll_interval", settings.pollInterval())

	s.forceRefresh()
	return nil
}

// Teardown cancels all timers and destroys the client. It is idempotent.
func (s *Supervisor) Teardown() {
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		s.state = StateDestroyed
		client := s.client
		s.client = nil
		s.plan = nil
		s.generation++
		s.mu.Unlock()

		s.timers.close()
		s.cancel()
		if client != nil {
			client.Destroy()
		}
		s.wg.Wait()

		s.log().Info("device supervisor stopped", "device_id", s.store.ID())
	})
}

// Execute writes a capability to the device. onoff maps to power and dim to
// brightness in percent. Without a connected client the device is marked
// unreachable, a connect is started and ErrDeviceUnreachable is returned.
// A successful write is applied to the device record straight away, unless
// the client was replaced while the write ran.
//
// Parameters:
//   - ctx: Bounds the device write
//   - capability: CapOnOff (bool) or CapDim (float in [0,1])
//   - value: The capability value
//
// Returns:
//   - error: ErrSupervisorDestroyed, ErrUnsupportedCapability (also for a
//     value of the wrong type), ErrDeviceUnreachable or ErrWriteFailure
func (s *Supervisor) Execute(ctx context.Context, capability string, value any) error {
	tag, wire, err := commandFor(capability, value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return ErrSupervisorDestroyed
	}
	client := s.client
	plan := s.plan
	gen := s.generation
	s.mu.Unlock()

	if client == nil {
		s.markUnavailable(ReasonUnreachable)
		s.timers.arm(TimerReconnect, 0, s.connect)
		return ErrDeviceUnreachable
	}

	if err := client.Write(ctx, tag, wire); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrWriteFailure, tag, err)
	}

	if s.current(gen) {
		out := Output{Updates: []Update{{Capability: capability, Value: value}}}
		s.syncer.Apply(device.WithSource(s.ctx, device.SourceCommand), out, plan.Composite())
	}
	return nil
}

// commandFor maps a capability command to the device tag and wire value.
func commandFor(capability string, value any) (Tag, any, error) {
	switch capability {
	case CapOnOff:
		on, ok := value.(bool)
		if !ok {
			return "", nil, fmt.Errorf("%w: onoff expects a boolean, got %T", ErrUnsupportedCapability, value)
		}
		return TagPower, on, nil
	case CapDim:
		dim, ok := toFloat(value)
		if !ok || dim < 0 || dim > 1 {
			return "", nil, fmt.Errorf("%w: dim expects a number in [0,1], got %v", ErrUnsupportedCapability, value)
		}
		return TagBrightness, dim * 100, nil
	}
	return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedCapability, capability)
}

// snapshot logs the device identity and copies the client's state entries
// into the settings store.
func (s *Supervisor) snapshot() {
	s.mu.Lock()
	client := s.client
	plan := s.plan
	gen := s.generation
	address := s.settings.Address
	s.mu.Unlock()

	s.log().Info("device snapshot",
		"device_id", s.store.ID(),
		"name", s.store.Name(),
		"address", address,
		"model", s.store.Model(),
		"capabilities", s.store.Capabilities(),
		"store_keys", s.store.StoreKeys())

	if client == nil || !plan.Tags[TagState] {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, readTimeout)
	defer cancel()

	states, err := client.Read(ctx, TagState)
	if err != nil {
		s.log().Warn("failed to read device state for snapshot", "device_id", s.store.ID(), "error", err)
		return
	}
	if !s.current(gen) {
		return
	}
	s.applyReading(device.WithSource(s.ctx, device.SourceSnapshot), plan, Reading{Tag: TagState, Value: states})
}

// dropClient detaches and destroys the current client and stops polling.
func (s *Supervisor) dropClient() {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.plan = nil
	s.generation++
	s.mu.Unlock()

	s.timers.cancel(TimerPoll)
	if client != nil {
		client.Destroy()
	}
}

func (s *Supervisor) markUnavailable(reason string) {
	if err := s.store.SetUnavailable(s.ctx, reason); err != nil {
		s.log().Error("failed to mark device unavailable", "device_id", s.store.ID(), "error", err)
	}
}

// current reports whether gen is still the live client generation.
func (s *Supervisor) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation == gen && s.client != nil
}

func (s *Supervisor) destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateDestroyed
}

// applyReading translates r and applies the result.
func (s *Supervisor) applyReading(ctx context.Context, plan *Plan, r Reading) {
	out, err := plan.Translator().Translate(r, s.store)
	if err != nil {
		s.log().Warn("translation anomaly",
			"device_id", s.store.ID(),
			"tag", r.Tag,
			"child", r.Child,
			"error", err)
	}
	if out.Empty() {
		return
	}
	s.syncer.Apply(ctx, out, plan.Composite())
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Failures returns the consecutive connect failure count.
func (s *Supervisor) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// Settings returns the current connection settings.
func (s *Supervisor) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// Status returns a point-in-time view of the supervisor.
func (s *Supervisor) Status() SupervisorStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := SupervisorStatus{
		DeviceID:    s.store.ID(),
		State:       s.state,
		Failures:    s.failures,
		Address:     s.settings.Address,
		PollSeconds: int(s.settings.pollInterval() / time.Second),
	}
	if s.plan != nil {
		st.Families = append([]string(nil), s.plan.Families...)
		st.Composite = s.plan.Composite()
		for _, step := range s.plan.Steps {
			st.Tags = append(st.Tags, step.Tag)
		}
	}
	return st
}
