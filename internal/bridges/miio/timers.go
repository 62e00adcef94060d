package miio

import (
	"math/rand/v2"
	"sync"
	"time"
)

// TimerKind names one of the per-device scheduled tasks.
type TimerKind string

// Timer kinds owned by a Supervisor.
const (
	TimerPoll      TimerKind = "poll"
	TimerRefresh   TimerKind = "refresh"
	TimerReconnect TimerKind = "reconnect"
	TimerSnapshot  TimerKind = "snapshot"
)

// Timer is a pending scheduled call.
type Timer interface {
	Stop() bool
}

// Scheduler runs f after d on its own goroutine.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// JitterFunc returns a random duration in [0, limit).
type JitterFunc func(limit time.Duration) time.Duration

// RandomJitter is the default JitterFunc.
func RandomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return rand.N(limit)
}

// timerSet holds at most one timer per kind. Arming a kind stops the
// previous timer of that kind, and a callback whose timer was replaced or
// cancelled before it ran does nothing.
type timerSet struct {
	sched Scheduler

	mu     sync.Mutex
	timers map[TimerKind]Timer
	gens   map[TimerKind]uint64
	closed bool
}

func newTimerSet(sched Scheduler) *timerSet {
	if sched == nil {
		sched = realScheduler{}
	}
	return &timerSet{
		sched:  sched,
		timers: make(map[TimerKind]Timer),
		gens:   make(map[TimerKind]uint64),
	}
}

// arm schedules f under kind. It returns false once the set is closed.
func (ts *timerSet) arm(kind TimerKind, d time.Duration, f func()) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.closed {
		return false
	}
	if t, ok := ts.timers[kind]; ok {
		t.Stop()
	}
	ts.gens[kind]++
	gen := ts.gens[kind]

	ts.timers[kind] = ts.sched.AfterFunc(d, func() {
		ts.mu.Lock()
		if ts.closed || ts.gens[kind] != gen {
			ts.mu.Unlock()
			return
		}
		delete(ts.timers, kind)
		ts.mu.Unlock()

		f()
	})
	return true
}

func (ts *timerSet) cancel(kind TimerKind) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if t, ok := ts.timers[kind]; ok {
		t.Stop()
		delete(ts.timers, kind)
	}
	ts.gens[kind]++
}

// close cancels every timer and refuses further arms.
func (ts *timerSet) close() {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	for kind, t := range ts.timers {
		t.Stop()
		delete(ts.timers, kind)
	}
	ts.closed = true
}

func (ts *timerSet) pending(kind TimerKind) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	_, ok := ts.timers[kind]
	return ok
}

func (ts *timerSet) active() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	return len(ts.timers)
}
