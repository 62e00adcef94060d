package miio

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"
)

const testToken = "00112233445566778899aabbccddeeff"

// fakeTimer is a timer that only fires when the test says so.
type fakeTimer struct {
	d time.Duration
	f func()

	mu      sync.Mutex
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

func (t *fakeTimer) fire() {
	t.mu.Lock()
	if t.stopped || t.fired {
		t.mu.Unlock()
		return
	}
	t.fired = true
	t.mu.Unlock()
	t.f()
}

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	t := &fakeTimer{d: d, f: f}
	s.mu.Lock()
	s.timers = append(s.timers, t)
	s.mu.Unlock()
	return t
}

// halfJitter returns half of the limit so delays are predictable.
func halfJitter(limit time.Duration) time.Duration { return limit / 2 }

func noJitter(time.Duration) time.Duration { return 0 }

// timerOf returns the pending timer of kind.
func timerOf(t *testing.T, sup *Supervisor, kind TimerKind) *fakeTimer {
	t.Helper()

	sup.timers.mu.Lock()
	timer, ok := sup.timers.timers[kind]
	sup.timers.mu.Unlock()
	if !ok {
		t.Fatalf("no %s timer pending", kind)
	}
	return timer.(*fakeTimer)
}

func fire(t *testing.T, sup *Supervisor, kind TimerKind) {
	t.Helper()
	timerOf(t, sup, kind).fire()
}

func delayOf(t *testing.T, sup *Supervisor, kind TimerKind) time.Duration {
	t.Helper()
	return timerOf(t, sup, kind).d
}

type firedTrigger struct {
	name   string
	tokens map[string]any
}

// fakeStore is an in-memory Store that records every call.
type fakeStore struct {
	id, name, model, address string

	mu        sync.Mutex
	caps      map[string]any
	store     map[string]any
	available bool
	reason    string
	sets      []string
	adds      []string
	triggers  []firedTrigger
	availLog  []string
	setErr    map[string]error
}

func newFakeStore(capabilities ...string) *fakeStore {
	s := &fakeStore{
		id:      "dev-1",
		name:    "Test device",
		model:   "test.model.v1",
		address: "10.0.0.2",
		caps:    make(map[string]any),
		store:   make(map[string]any),
		setErr:  make(map[string]error),
	}
	for _, c := range capabilities {
		s.caps[c] = nil
	}
	return s
}

func (s *fakeStore) ID() string      { return s.id }
func (s *fakeStore) Name() string    { return s.name }
func (s *fakeStore) Model() string   { return s.model }
func (s *fakeStore) Address() string { return s.address }

func (s *fakeStore) Has(capability string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.caps[capability]
	return ok
}

func (s *fakeStore) Get(capability string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.caps[capability]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func (s *fakeStore) Capabilities() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.caps))
	for c := range s.caps {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

func (s *fakeStore) Add(_ context.Context, capability string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adds = append(s.adds, capability)
	if _, ok := s.caps[capability]; !ok {
		s.caps[capability] = nil
	}
	return nil
}

func (s *fakeStore) Set(_ context.Context, capability string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.setErr[capability]; err != nil {
		return err
	}
	if _, ok := s.caps[capability]; !ok {
		return fmt.Errorf("capability %s not declared", capability)
	}
	s.caps[capability] = value
	s.sets = append(s.sets, capability)
	return nil
}

func (s *fakeStore) StoreValue(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.store[key]
	return v, ok
}

func (s *fakeStore) SetStoreValue(_ context.Context, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store[key] = value
	return nil
}

func (s *fakeStore) StoreKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.store))
	for k := range s.store {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func (s *fakeStore) FireTrigger(_ context.Context, trigger string, tokens map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers = append(s.triggers, firedTrigger{name: trigger, tokens: tokens})
	return nil
}

func (s *fakeStore) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

func (s *fakeStore) SetAvailable(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.available {
		return nil
	}
	s.available = true
	s.reason = ""
	s.availLog = append(s.availLog, "available")
	return nil
}

func (s *fakeStore) SetUnavailable(_ context.Context, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.available && s.reason == reason {
		return nil
	}
	s.available = false
	s.reason = reason
	s.availLog = append(s.availLog, "unavailable: "+reason)
	return nil
}

func (s *fakeStore) value(capability string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps[capability]
}

func (s *fakeStore) setCount(capability string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.sets {
		if c == capability {
			n++
		}
	}
	return n
}

func (s *fakeStore) triggersNamed(name string) []firedTrigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []firedTrigger
	for _, tr := range s.triggers {
		if tr.name == name {
			out = append(out, tr)
		}
	}
	return out
}

func (s *fakeStore) availability() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.availLog)
}

func (s *fakeStore) unavailableReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// fakeClient is a scripted device client.
type fakeClient struct {
	mu        sync.Mutex
	tags      map[Tag]bool
	values    map[Tag]any
	readErr   map[Tag]error
	gates     map[Tag]chan struct{}
	writeErr  error
	reads     []Tag
	writes    map[Tag]any
	child     *fakeClient
	events    chan Event
	destroyed int
}

func newFakeClient(values map[Tag]any, flags ...Tag) *fakeClient {
	c := &fakeClient{
		tags:    make(map[Tag]bool),
		values:  make(map[Tag]any),
		readErr: make(map[Tag]error),
		writes:  make(map[Tag]any),
		events:  make(chan Event, 16),
	}
	for tag, v := range values {
		c.tags[tag] = true
		c.values[tag] = v
	}
	for _, tag := range flags {
		c.tags[tag] = true
	}
	return c
}

func (c *fakeClient) Matches(tag Tag) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tags[tag]
}

func (c *fakeClient) Read(_ context.Context, tag Tag) (any, error) {
	c.mu.Lock()
	c.reads = append(c.reads, tag)
	gate := c.gates[tag]
	c.mu.Unlock()
	if gate != nil {
		<-gate
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.readErr[tag]; err != nil {
		return nil, err
	}
	v, ok := c.values[tag]
	if !ok {
		return nil, errors.New("no such property")
	}
	return v, nil
}

func (c *fakeClient) Write(_ context.Context, tag Tag, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes[tag] = value
	c.values[tag] = value
	return nil
}

func (c *fakeClient) Child(name string) Client {
	if name != ChildLight || c.child == nil {
		return nil
	}
	return c.child
}

func (c *fakeClient) Events() <-chan Event { return c.events }

func (c *fakeClient) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed == 0 {
		close(c.events)
	}
	c.destroyed++
}

// hold blocks reads of tag until the returned channel is closed.
func (c *fakeClient) hold(tag Tag) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gates == nil {
		c.gates = make(map[Tag]chan struct{})
	}
	gate := make(chan struct{})
	c.gates[tag] = gate
	return gate
}

func (c *fakeClient) set(tag Tag, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[tag] = v
	c.tags[tag] = true
}

func (c *fakeClient) readLog() []Tag {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Tag(nil), c.reads...)
}

func (c *fakeClient) isDestroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed > 0
}

// fakeConnector hands out clients from a script.
type fakeConnector struct {
	mu         sync.Mutex
	identities []Identity
	next       func(attempt int) (Client, error)
}

func (f *fakeConnector) Connect(_ context.Context, id Identity) (Client, error) {
	f.mu.Lock()
	f.identities = append(f.identities, id)
	attempt := len(f.identities)
	next := f.next
	f.mu.Unlock()
	return next(attempt)
}

func (f *fakeConnector) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.identities)
}

func (f *fakeConnector) lastIdentity() Identity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.identities[len(f.identities)-1]
}

// alwaysConnect returns a connector that always hands out client.
func alwaysConnect(client Client) *fakeConnector {
	return &fakeConnector{next: func(int) (Client, error) { return client, nil }}
}

// newTestSupervisor builds a supervisor on a fake scheduler.
func newTestSupervisor(t *testing.T, store Store, conn Connector) *Supervisor {
	t.Helper()

	sup, err := NewSupervisor(SupervisorConfig{
		Store:     store,
		Connector: conn,
		Settings:  Settings{Address: "10.0.0.2", Token: testToken, PollInterval: 30 * time.Second},
		Scheduler: &fakeScheduler{},
		Jitter:    halfJitter,
	})
	if err != nil {
		t.Fatalf("NewSupervisor() error = %v", err)
	}
	t.Cleanup(sup.Teardown)
	return sup
}

// connected boots sup and fires its first connect.
func connected(t *testing.T, sup *Supervisor) {
	t.Helper()

	sup.Boot()
	fire(t, sup, TimerReconnect)
	if sup.State() != StateConnected {
		t.Fatalf("State() = %s, want connected", sup.State())
	}
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
