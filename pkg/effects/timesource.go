package effects

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aura-net/aura/pkg/event"
)

// WakeKind discriminates the wake-condition union.
type WakeKind int

const (
	// WakeOnNewEvents wakes when any event is appended to the local ledger.
	WakeOnNewEvents WakeKind = iota + 1
	// WakeOnEventMatching wakes when an event matching the filter may be
	// available. Production time sources treat it like WakeOnNewEvents and
	// let the caller re-check its filter; the simulation driver inspects
	// the filter to wake coroutines precisely.
	WakeOnEventMatching
	// WakeOnEpochReached wakes once the epoch counter reaches the target.
	WakeOnEpochReached
	// WakeOnTimeoutAt is WakeOnEpochReached reported as a timeout.
	WakeOnTimeoutAt
)

// WakeCondition describes one reason to resume a suspended coroutine.
type WakeCondition struct {
	Kind   WakeKind
	Filter *event.Filter
	Epoch  uint64
}

func WakeNewEvents() WakeCondition { return WakeCondition{Kind: WakeOnNewEvents} }

func WakeEventMatching(f event.Filter) WakeCondition {
	return WakeCondition{Kind: WakeOnEventMatching, Filter: &f}
}

func WakeEpochReached(epoch uint64) WakeCondition {
	return WakeCondition{Kind: WakeOnEpochReached, Epoch: epoch}
}

func WakeTimeoutAt(epoch uint64) WakeCondition {
	return WakeCondition{Kind: WakeOnTimeoutAt, Epoch: epoch}
}

// WakeReason reports which condition fired.
type WakeReason int

const (
	WokenByEvents WakeReason = iota + 1
	WokenByEpoch
	WokenByTimeout
)

func (r WakeReason) String() string {
	switch r {
	case WokenByEvents:
		return "events"
	case WokenByEpoch:
		return "epoch"
	case WokenByTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ErrNoWakeCondition is returned when YieldUntil is called with nothing to
// wait for; such a call would sleep forever.
var ErrNoWakeCondition = errors.New("yield requires at least one wake condition")

// TimeSource abstracts scheduling so the same protocol code runs against a
// wall clock in production and a virtual clock in simulation. Timeouts are
// denominated in epochs, never in wall time.
type TimeSource interface {
	CurrentEpoch() uint64
	YieldUntil(ctx context.Context, conds ...WakeCondition) (WakeReason, error)
	NotifyEventsAvailable()
	IsSimulated() bool
}

// WallTime is the production TimeSource: epochs derive from elapsed wall
// time over a fixed epoch length, and event wakes ride on a broadcast
// channel pulsed by NotifyEventsAvailable.
type WallTime struct {
	epoch0   time.Time
	epochLen time.Duration
	now      func() time.Time

	mu     sync.Mutex
	notify chan struct{}
}

// NewWallTime starts the epoch counter at the current instant.
func NewWallTime(epochLen time.Duration) *WallTime {
	return NewWallTimeAt(time.Now(), epochLen, time.Now)
}

// NewWallTimeAt pins the epoch origin and the clock function; tests use it
// to drive epoch arithmetic without sleeping.
func NewWallTimeAt(epoch0 time.Time, epochLen time.Duration, now func() time.Time) *WallTime {
	if epochLen <= 0 {
		epochLen = time.Second
	}
	return &WallTime{
		epoch0:   epoch0,
		epochLen: epochLen,
		now:      now,
		notify:   make(chan struct{}),
	}
}

func (w *WallTime) CurrentEpoch() uint64 {
	d := w.now().Sub(w.epoch0)
	if d < 0 {
		return 0
	}
	return uint64(d / w.epochLen)
}

func (w *WallTime) IsSimulated() bool { return false }

// NotifyEventsAvailable wakes every coroutine blocked on an event condition.
func (w *WallTime) NotifyEventsAvailable() {
	w.mu.Lock()
	close(w.notify)
	w.notify = make(chan struct{})
	w.mu.Unlock()
}

func (w *WallTime) notifyCh() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.notify
}

// YieldUntil blocks until one of the conditions fires or ctx is cancelled.
// Event conditions wake on any append; the caller re-checks its filter and
// yields again on a spurious wake.
func (w *WallTime) YieldUntil(ctx context.Context, conds ...WakeCondition) (WakeReason, error) {
	if len(conds) == 0 {
		return 0, ErrNoWakeCondition
	}

	wantEvents := false
	var epochAt, timeoutAt uint64
	hasEpoch, hasTimeout := false, false
	for _, c := range conds {
		switch c.Kind {
		case WakeOnNewEvents, WakeOnEventMatching:
			wantEvents = true
		case WakeOnEpochReached:
			if !hasEpoch || c.Epoch < epochAt {
				epochAt = c.Epoch
			}
			hasEpoch = true
		case WakeOnTimeoutAt:
			if !hasTimeout || c.Epoch < timeoutAt {
				timeoutAt = c.Epoch
			}
			hasTimeout = true
		}
	}

	for {
		cur := w.CurrentEpoch()
		if hasEpoch && cur >= epochAt {
			return WokenByEpoch, nil
		}
		if hasTimeout && cur >= timeoutAt {
			return WokenByTimeout, nil
		}

		var timer *time.Timer
		var timerC <-chan time.Time
		if hasEpoch || hasTimeout {
			next := timeoutAt
			if hasEpoch && (!hasTimeout || epochAt < timeoutAt) {
				next = epochAt
			}
			deadline := w.epoch0.Add(w.epochLen * time.Duration(next))
			timer = time.NewTimer(deadline.Sub(w.now()))
			timerC = timer.C
		}

		ch := w.notifyCh()
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return 0, ctx.Err()
		case <-ch:
			if timer != nil {
				timer.Stop()
			}
			if wantEvents {
				return WokenByEvents, nil
			}
		case <-timerC:
		}
	}
}
