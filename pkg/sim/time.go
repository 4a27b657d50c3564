// Package sim runs whole multi-device protocol executions deterministically:
// a virtual epoch clock shared by every simulated device, an in-memory
// cluster that replicates ledgers between them, and a YAML scenario runner.
// The same seed always produces the same final state hashes.
package sim

import (
	"context"
	"sync"
	"time"

	"github.com/aura-net/aura/pkg/effects"
)

// VirtualTime is the simulated TimeSource. Epochs only move when the
// driver calls Advance, and every advance or event notification pulses a
// broadcast channel so suspended coroutines re-check their conditions.
type VirtualTime struct {
	mu     sync.Mutex
	epoch  uint64
	notify chan struct{}
}

func NewVirtualTime() *VirtualTime {
	return &VirtualTime{notify: make(chan struct{})}
}

func (v *VirtualTime) CurrentEpoch() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.epoch
}

func (v *VirtualTime) IsSimulated() bool { return true }

// Advance moves the epoch counter forward and wakes every waiter.
func (v *VirtualTime) Advance(n uint64) {
	v.mu.Lock()
	v.epoch += n
	close(v.notify)
	v.notify = make(chan struct{})
	v.mu.Unlock()
}

// NotifyEventsAvailable wakes every waiter without moving the clock.
func (v *VirtualTime) NotifyEventsAvailable() {
	v.mu.Lock()
	close(v.notify)
	v.notify = make(chan struct{})
	v.mu.Unlock()
}

func (v *VirtualTime) snapshot() (uint64, <-chan struct{}) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.epoch, v.notify
}

// YieldUntil suspends until a condition fires or ctx is cancelled. Event
// conditions wake on any pulse; the caller re-checks its filter and yields
// again when the wake was spurious.
func (v *VirtualTime) YieldUntil(ctx context.Context, conds ...effects.WakeCondition) (effects.WakeReason, error) {
	if len(conds) == 0 {
		return 0, effects.ErrNoWakeCondition
	}

	wantEvents := false
	var epochAt, timeoutAt uint64
	hasEpoch, hasTimeout := false, false
	for _, c := range conds {
		switch c.Kind {
		case effects.WakeOnNewEvents, effects.WakeOnEventMatching:
			wantEvents = true
		case effects.WakeOnEpochReached:
			if !hasEpoch || c.Epoch < epochAt {
				epochAt = c.Epoch
			}
			hasEpoch = true
		case effects.WakeOnTimeoutAt:
			if !hasTimeout || c.Epoch < timeoutAt {
				timeoutAt = c.Epoch
			}
			hasTimeout = true
		}
	}

	for {
		cur, ch := v.snapshot()
		if hasEpoch && cur >= epochAt {
			return effects.WokenByEpoch, nil
		}
		if hasTimeout && cur >= timeoutAt {
			return effects.WokenByTimeout, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ch:
			if wantEvents {
				return effects.WokenByEvents, nil
			}
		}
	}
}

// VirtualClock reads physical time off the epoch counter so event
// timestamps are reproducible. One epoch is one second from a fixed origin.
type VirtualClock struct {
	Time *VirtualTime
}

var virtualEpoch0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func (c VirtualClock) Now() time.Time {
	return virtualEpoch0.Add(time.Duration(c.Time.CurrentEpoch()) * time.Second)
}

func (c VirtualClock) PhysicalTime() effects.PhysicalTime {
	return effects.PhysicalTime{UnixMillis: c.Now().UnixMilli(), UncertaintyMillis: 0}
}
