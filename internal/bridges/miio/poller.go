package miio

import (
	"context"
	"fmt"
	"time"
)

// Poll loop timing.
const (
	// pollStartJitter delays the first poll after a connect.
	pollStartJitter = 5 * time.Second

	// pollFailureReconnect is the reconnect delay after a failed poll cycle.
	pollFailureReconnect = 60 * time.Second

	// readTimeout bounds a single tag read.
	readTimeout = 10 * time.Second
)

// startPolling replaces any poll timer with one near-immediate poll. The
// recurring ticks that follow run at the configured interval without jitter.
func (s *Supervisor) startPolling(gen uint64) {
	s.timers.cancel(TimerPoll)
	s.timers.arm(TimerPoll, s.jitter(pollStartJitter), func() { s.pollTick(gen) })
}

// pollTick re-arms the recurring poll and runs one cycle.
func (s *Supervisor) pollTick(gen uint64) {
	if !s.current(gen) {
		return
	}
	interval := s.Settings().pollInterval()
	s.timers.arm(TimerPoll, interval, func() { s.pollTick(gen) })
	s.poll(gen)
}

// poll reads every step of the plan in order and applies each reading as it
// arrives. The first read error aborts the cycle.
func (s *Supervisor) poll(gen uint64) {
	if !s.pollMu.TryLock() {
		s.log().Debug("poll already running, skipping tick", "device_id", s.store.ID())
		return
	}
	defer s.pollMu.Unlock()

	s.mu.Lock()
	if s.generation != gen || s.client == nil {
		s.mu.Unlock()
		return
	}
	client := s.client
	plan := s.plan
	s.mu.Unlock()

	for _, step := range plan.Steps {
		target := client
		if step.Child {
			if target = client.Child(ChildLight); target == nil {
				continue
			}
		}

		value, err := s.read(target, step.Tag)
		if err != nil {
			s.pollFailed(gen, fmt.Errorf("%w: %s: %w", ErrReadFailure, step.Tag, err))
			return
		}
		if !s.current(gen) {
			return
		}
		s.applyReading(s.ctx, plan, Reading{Tag: step.Tag, Value: value, Child: step.Child})
	}

	if s.current(gen) && !s.store.Available() {
		if err := s.store.SetAvailable(s.ctx); err != nil {
			s.log().Error("failed to mark device available", "device_id", s.store.ID(), "error", err)
		}
	}
}

func (s *Supervisor) read(client Client, tag Tag) (any, error) {
	ctx, cancel := context.WithTimeout(s.ctx, readTimeout)
	defer cancel()
	return client.Read(ctx, tag)
}

// pollFailed stops polling, drops the client and arms one reconnect. The
// device is only marked unavailable if it was available, so repeated
// failures do not repeat the transition.
func (s *Supervisor) pollFailed(gen uint64, err error) {
	s.mu.Lock()
	if s.generation != gen || s.state == StateDestroyed {
		s.mu.Unlock()
		return
	}
	client := s.client
	s.client = nil
	s.plan = nil
	s.generation++
	s.state = StateUnavailable
	s.mu.Unlock()

	s.timers.cancel(TimerPoll)
	if s.store.Available() {
		s.markUnavailable(fmt.Sprintf("%s: %v", ReasonUnreachable, err))
	}
	if client != nil {
		client.Destroy()
	}
	s.timers.arm(TimerReconnect, pollFailureReconnect, s.connect)

	s.log().Error("device poll failed",
		"device_id", s.store.ID(),
		"retry_in", pollFailureReconnect,
		"error", err)
}
