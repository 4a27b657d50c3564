package runtime

import (
	"context"
	"errors"
	"fmt"
	goruntime "runtime"

	"github.com/aura-net/aura/pkg/aura"
	"github.com/aura-net/aura/pkg/effects"
	"github.com/aura-net/aura/pkg/event"
	"github.com/aura-net/aura/pkg/ledger"
)

// busyYieldEvery bounds spurious-wake spinning: after this many wakes that
// produced no progress the coroutine yields the processor so the simulation
// driver and sibling coroutines get scheduled.
const busyYieldEvery = 10

// Coroutine is one protocol execution's handle onto the runtime. It owns a
// private cursor into the ledger and a pending-events queue, so each
// coroutine consumes each matching event at most once, independent of what
// sibling coroutines await.
type Coroutine struct {
	rt      *Runtime
	name    string
	session aura.SessionID

	cursor  uint64
	pending []*event.Event
}

func (co *Coroutine) Name() string { return co.name }

// Device returns the local device identity.
func (co *Coroutine) Device() aura.DeviceID { return co.rt.writer.Device() }

// BindSession declares which on-ledger session this coroutine is executing.
// The binding routes the protocol.failed backstop; scripts bind as soon as
// the session id is known.
func (co *Coroutine) BindSession(sid aura.SessionID) { co.session = sid }

// Session returns the bound session id, zero if none was bound yet.
func (co *Coroutine) Session() aura.SessionID { return co.session }

// refresh pulls newly accepted events into the pending queue.
func (co *Coroutine) refresh() error {
	fresh, err := co.rt.ledger.EventsSince(co.cursor)
	if errors.Is(err, ledger.ErrCompacted) {
		// A compaction moved the base past the cursor while this coroutine
		// slept. The skipped prefix is covered by a committed snapshot, so
		// resume from the oldest retained event.
		co.cursor = co.rt.ledger.Base()
		fresh, err = co.rt.ledger.EventsSince(co.cursor)
	}
	if err != nil {
		return fmt.Errorf("refresh pending events: %w", err)
	}
	co.pending = append(co.pending, fresh...)
	co.cursor += uint64(len(fresh))
	return nil
}

// take removes and returns the oldest pending event matching the filter.
// Events that match no active filter stay queued for other awaits.
func (co *Coroutine) take(f event.Filter) *event.Event {
	for i, e := range co.pending {
		if f.Matches(e) {
			co.pending = append(co.pending[:i], co.pending[i+1:]...)
			return e
		}
	}
	return nil
}

// deadline converts a relative epoch timeout into an absolute epoch.
func (co *Coroutine) deadline(timeoutEpochs uint64) (uint64, bool) {
	if timeoutEpochs == 0 {
		return 0, false
	}
	return co.rt.time.CurrentEpoch() + timeoutEpochs, true
}

// Perform executes one instruction. The typed methods below are thin
// builders over this entry point; tests and trace tooling may call it with
// instruction values directly.
func (co *Coroutine) Perform(ctx context.Context, in Instruction) (Result, error) {
	switch in.Kind {
	case InstrWriteToLedger:
		e, err := co.rt.append(in.EventType, in.Payload)
		if err != nil {
			return Result{}, err
		}
		return Result{Kind: ResEventWritten, Event: e}, nil

	case InstrAwaitEvent:
		e, err := co.awaitEvent(ctx, in.Filter, in.TimeoutEpochs)
		if err != nil {
			return Result{}, err
		}
		return Result{Kind: ResEventReceived, Event: e}, nil

	case InstrAwaitThreshold:
		events, err := co.awaitThreshold(ctx, in.Count, in.Filter, in.TimeoutEpochs)
		if err != nil {
			// Timeouts surface the partial batch alongside the error.
			return Result{Events: events}, err
		}
		return Result{Kind: ResEventsReceived, Events: events}, nil

	case InstrCheckForEvent:
		if err := co.refresh(); err != nil {
			return Result{}, err
		}
		if e := co.take(in.Filter); e != nil {
			return Result{Kind: ResEventReceived, Event: e}, nil
		}
		return Result{Kind: ResTimeout}, nil

	case InstrGetLedgerState:
		return Result{Kind: ResLedgerState, State: co.rt.ledger.State()}, nil

	case InstrGetCurrentEpoch:
		return Result{Kind: ResCurrentEpoch, Epoch: co.rt.time.CurrentEpoch()}, nil

	case InstrWaitEpochs:
		if err := co.waitEpochs(ctx, in.Epochs); err != nil {
			return Result{}, err
		}
		return Result{Kind: ResEpochsElapsed, Epoch: co.rt.time.CurrentEpoch()}, nil

	case InstrCheckSessionCollision:
		status, err := co.checkSessionCollision(ctx, in.Operation, in.Context)
		if status == nil {
			return Result{}, err
		}
		return Result{Kind: ResSessionStatus, Status: status}, err

	case InstrMarkSharesForDeletion:
		e, err := co.rt.append(event.TypeSharesMarkedForDeletion, event.SharesMarkedForDeletion{
			SessionID: in.Session,
			TTLEpochs: in.TTLEpochs,
		})
		if err != nil {
			return Result{}, err
		}
		return Result{Kind: ResEventWritten, Event: e}, nil

	case InstrRunSubProtocol:
		// Sub-protocols are composed by the protocol layer; reaching the
		// leaf interpreter with one is a scripting bug.
		return Result{}, fmt.Errorf("%w: run_sub_protocol %q reached the leaf runtime", ErrInvalidOperation, in.SubProtocol)

	default:
		return Result{}, fmt.Errorf("%w: unknown instruction %q", ErrInvalidOperation, in.Kind)
	}
}

// WriteToLedger appends a device-signed event locally. Announcement to
// peers rides on the ledger subscription, outside the runtime.
func (co *Coroutine) WriteToLedger(typ event.EventType, payload any) (*event.Event, error) {
	res, err := co.Perform(context.Background(), Instruction{Kind: InstrWriteToLedger, EventType: typ, Payload: payload})
	if err != nil {
		return nil, err
	}
	return res.Event, nil
}

// AwaitEvent blocks until an event matching the filter is observed, or the
// timeout (in epochs, 0 means none) elapses with ErrTimeout.
func (co *Coroutine) AwaitEvent(ctx context.Context, f event.Filter, timeoutEpochs uint64) (*event.Event, error) {
	res, err := co.Perform(ctx, Instruction{Kind: InstrAwaitEvent, Filter: f, TimeoutEpochs: timeoutEpochs})
	if err != nil {
		return nil, err
	}
	return res.Event, nil
}

// AwaitThreshold collects count matching events. On timeout it returns the
// partial batch alongside ErrTimeout; collected events stay consumed.
func (co *Coroutine) AwaitThreshold(ctx context.Context, count int, f event.Filter, timeoutEpochs uint64) ([]*event.Event, error) {
	res, err := co.Perform(ctx, Instruction{Kind: InstrAwaitThreshold, Count: count, Filter: f, TimeoutEpochs: timeoutEpochs})
	if err != nil {
		return res.Events, err
	}
	return res.Events, nil
}

// CheckForEvent is the non-blocking probe: it reports whether a matching
// event was already pending and consumes it if so.
func (co *Coroutine) CheckForEvent(f event.Filter) (*event.Event, bool) {
	res, err := co.Perform(context.Background(), Instruction{Kind: InstrCheckForEvent, Filter: f})
	if err != nil || res.Kind != ResEventReceived {
		return nil, false
	}
	return res.Event, true
}

// LedgerState returns a read-only snapshot of the reduced account state.
func (co *Coroutine) LedgerState() *ledger.AccountState {
	res, _ := co.Perform(context.Background(), Instruction{Kind: InstrGetLedgerState})
	return res.State
}

// CurrentEpoch reads the scheduling clock.
func (co *Coroutine) CurrentEpoch() uint64 {
	res, _ := co.Perform(context.Background(), Instruction{Kind: InstrGetCurrentEpoch})
	return res.Epoch
}

// WaitEpochs suspends until the epoch counter advances by n.
func (co *Coroutine) WaitEpochs(ctx context.Context, n uint64) error {
	_, err := co.Perform(ctx, Instruction{Kind: InstrWaitEpochs, Epochs: n})
	return err
}

// MarkGuardianSharesForDeletion emits the TTL fact that schedules local
// share material of a session for deletion.
func (co *Coroutine) MarkGuardianSharesForDeletion(sid aura.SessionID, ttlEpochs uint64) (*event.Event, error) {
	res, err := co.Perform(context.Background(), Instruction{Kind: InstrMarkSharesForDeletion, Session: sid, TTLEpochs: ttlEpochs})
	if err != nil {
		return nil, err
	}
	return res.Event, nil
}

// CheckSessionCollision arbitrates a mutating operation via the lock
// lottery. Losers have already waited their randomized backoff when
// ErrLockLost returns; the status alongside names the winner.
func (co *Coroutine) CheckSessionCollision(ctx context.Context, op event.ProtocolType, contextID aura.ContextID) (*SessionStatus, error) {
	res, err := co.Perform(ctx, Instruction{Kind: InstrCheckSessionCollision, Operation: op, Context: contextID})
	return res.Status, err
}

// RunSubProtocol always fails at this level; composition happens in the
// protocol layer.
func (co *Coroutine) RunSubProtocol(name string) error {
	_, err := co.Perform(context.Background(), Instruction{Kind: InstrRunSubProtocol, SubProtocol: name})
	return err
}

func (co *Coroutine) awaitEvent(ctx context.Context, f event.Filter, timeoutEpochs uint64) (*event.Event, error) {
	deadline, hasDeadline := co.deadline(timeoutEpochs)
	spins := 0
	for {
		if err := co.refresh(); err != nil {
			return nil, err
		}
		if e := co.take(f); e != nil {
			return e, nil
		}
		if hasDeadline && co.rt.time.CurrentEpoch() >= deadline {
			return nil, fmt.Errorf("%w: no event matched within %d epochs", ErrTimeout, timeoutEpochs)
		}

		conds := []effects.WakeCondition{effects.WakeEventMatching(f)}
		if hasDeadline {
			conds = append(conds, effects.WakeTimeoutAt(deadline))
		}
		reason, err := co.rt.time.YieldUntil(ctx, conds...)
		if err != nil {
			return nil, err
		}
		if reason == effects.WokenByTimeout {
			// Drain once more; the matching event may have raced the timeout.
			if err := co.refresh(); err != nil {
				return nil, err
			}
			if e := co.take(f); e != nil {
				return e, nil
			}
			return nil, fmt.Errorf("%w: no event matched within %d epochs", ErrTimeout, timeoutEpochs)
		}

		spins++
		if spins%busyYieldEvery == 0 {
			goruntime.Gosched()
		}
	}
}

func (co *Coroutine) awaitThreshold(ctx context.Context, count int, f event.Filter, timeoutEpochs uint64) ([]*event.Event, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: await threshold of %d", ErrInvalidOperation, count)
	}
	deadline, hasDeadline := co.deadline(timeoutEpochs)
	collected := make([]*event.Event, 0, count)
	spins := 0
	for {
		if err := co.refresh(); err != nil {
			return collected, err
		}
		for len(collected) < count {
			e := co.take(f)
			if e == nil {
				break
			}
			collected = append(collected, e)
		}
		if len(collected) >= count {
			return collected, nil
		}
		if hasDeadline && co.rt.time.CurrentEpoch() >= deadline {
			return collected, fmt.Errorf("%w: %d of %d events within %d epochs", ErrTimeout, len(collected), count, timeoutEpochs)
		}

		conds := []effects.WakeCondition{effects.WakeEventMatching(f)}
		if hasDeadline {
			conds = append(conds, effects.WakeTimeoutAt(deadline))
		}
		reason, err := co.rt.time.YieldUntil(ctx, conds...)
		if err != nil {
			return collected, err
		}
		if reason == effects.WokenByTimeout {
			if err := co.refresh(); err != nil {
				return collected, err
			}
			for len(collected) < count {
				e := co.take(f)
				if e == nil {
					break
				}
				collected = append(collected, e)
			}
			if len(collected) >= count {
				return collected, nil
			}
			return collected, fmt.Errorf("%w: %d of %d events within %d epochs", ErrTimeout, len(collected), count, timeoutEpochs)
		}

		spins++
		if spins%busyYieldEvery == 0 {
			goruntime.Gosched()
		}
	}
}

func (co *Coroutine) waitEpochs(ctx context.Context, n uint64) error {
	target := co.rt.time.CurrentEpoch() + n
	for co.rt.time.CurrentEpoch() < target {
		if _, err := co.rt.time.YieldUntil(ctx, effects.WakeEpochReached(target)); err != nil {
			return err
		}
	}
	return nil
}
