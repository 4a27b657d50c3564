package protocols

import (
	"context"
	"fmt"

	"github.com/aura-net/aura/pkg/effects"
	"github.com/aura-net/aura/pkg/event"
	"github.com/aura-net/aura/pkg/ledger"
	"github.com/aura-net/aura/pkg/runtime"
)

// Deps carries the collaborators every protocol script needs next to its
// coroutine: the device's ledger writer (for threshold-authorized events,
// which the runtime's device-certificate path cannot compose), the
// scheduling clock, randomness, and the sealed share store.
type Deps struct {
	Writer *ledger.Writer
	Time   effects.TimeSource
	Rand   effects.Rand
	Shares *ShareStore
}

// writeThreshold composes, signs and submits a threshold-authorized event
// using the group signer, then wakes waiting coroutines.
func (d *Deps) writeThreshold(seed [32]byte, typ event.EventType, payload any, signerCount uint32) (*event.Event, error) {
	e, err := d.Writer.ComposeThreshold(d.Time.CurrentEpoch(), typ, payload, signerCount)
	if err != nil {
		return nil, fmt.Errorf("compose %s: %w", typ, err)
	}
	if err := e.AttachThresholdSignature(GroupSigner(seed).Sign(e.EventID[:])); err != nil {
		return nil, err
	}
	if err := d.Writer.Submit(e); err != nil {
		return nil, fmt.Errorf("submit %s: %w", typ, err)
	}
	d.Time.NotifyEventsAvailable()
	return e, nil
}

// collectDistinct gathers matching events until want distinct keys have
// been seen, keyed by the caller's function. Events whose key is empty or
// already collected are consumed and dropped; the coroutine's at-most-once
// consumption makes re-delivery impossible.
func collectDistinct(ctx context.Context, co *runtime.Coroutine, f event.Filter, want int, timeoutEpochs uint64, key func(*event.Event) (string, bool)) (map[string]*event.Event, error) {
	out := make(map[string]*event.Event, want)
	for len(out) < want {
		e, err := co.AwaitEvent(ctx, f, timeoutEpochs)
		if err != nil {
			return out, err
		}
		k, ok := key(e)
		if !ok || k == "" {
			continue
		}
		if _, dup := out[k]; dup {
			continue
		}
		out[k] = e
	}
	return out, nil
}
