// Package runtime executes session protocols as coroutines over the ledger.
// A protocol is a script: it emits instructions (write an event, await
// matching events, wait epochs, arbitrate a lock) and observes results. The
// runtime owns scheduling through a TimeSource, so the same script runs
// against the wall clock in production and a virtual clock in simulation.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aura-net/aura/pkg/aura"
	"github.com/aura-net/aura/pkg/effects"
	"github.com/aura-net/aura/pkg/event"
	"github.com/aura-net/aura/pkg/ledger"
)

// ProtocolFunc is one protocol script. It returns nil on success; a
// returned error terminates the coroutine and, when a session is bound,
// records a protocol.failed event so every peer observes the failure.
type ProtocolFunc func(ctx context.Context, co *Coroutine) error

// Runtime hosts protocol coroutines for one device.
type Runtime struct {
	writer *ledger.Writer
	ledger *ledger.Ledger
	time   effects.TimeSource
	rand   effects.Rand
	logger *slog.Logger

	wg sync.WaitGroup
}

func New(w *ledger.Writer, ts effects.TimeSource, rand effects.Rand) *Runtime {
	return &Runtime{
		writer: w,
		ledger: w.Ledger(),
		time:   ts,
		rand:   rand,
		logger: slog.Default().With("component", "runtime"),
	}
}

// WithLogger replaces the runtime's logger.
func (r *Runtime) WithLogger(l *slog.Logger) *Runtime {
	r.logger = l
	return r
}

// Device returns the device identity protocols run as.
func (r *Runtime) Device() aura.DeviceID { return r.writer.Device() }

// TimeSource exposes the scheduling clock, for callers that coordinate
// epochs outside a coroutine.
func (r *Runtime) TimeSource() effects.TimeSource { return r.time }

// NewCoroutine builds a coroutine handle with a private pending-events
// cursor seeded at the oldest retained event, so a protocol started on a
// ledger restored from a snapshot still observes the full live log.
func (r *Runtime) NewCoroutine(name string) *Coroutine {
	return &Coroutine{rt: r, name: name, cursor: r.ledger.Base()}
}

// Run executes the script on the calling goroutine. Errors other than
// cancellation are recorded on the ledger when a session is bound.
func (r *Runtime) Run(ctx context.Context, name string, fn ProtocolFunc) error {
	co := r.NewCoroutine(name)
	err := fn(ctx, co)
	if err != nil && ctx.Err() == nil {
		r.reportFailure(co, err)
	}
	return err
}

// Spawn runs the script on its own goroutine. The returned channel yields
// the script's final error exactly once.
func (r *Runtime) Spawn(ctx context.Context, name string, fn ProtocolFunc) <-chan error {
	errc := make(chan error, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		errc <- r.Run(ctx, name, fn)
		close(errc)
	}()
	return errc
}

// Wait blocks until every spawned coroutine has finished.
func (r *Runtime) Wait() { r.wg.Wait() }

// reportFailure writes the protocol.failed backstop. Scripts that already
// emitted a typed failure leave the session terminal and the backstop is
// skipped; sessions never recorded on the ledger have nothing to fail.
func (r *Runtime) reportFailure(co *Coroutine, cause error) {
	sid := co.Session()
	if sid.IsZero() {
		r.logger.Debug("coroutine failed before binding a session",
			"coroutine", co.name,
			"error", cause.Error())
		return
	}
	sess := r.ledger.State().Session(sid)
	if sess == nil || sess.IsTerminal() {
		return
	}
	_, err := r.writer.Write(r.time.CurrentEpoch(), event.TypeProtocolFailed, event.ProtocolFailed{
		SessionID: sid,
		Tag:       Tag(cause),
		Reason:    cause.Error(),
	})
	if err != nil {
		r.logger.Warn("protocol failure not recorded",
			"coroutine", co.name,
			"session", sid.String(),
			"error", err.Error())
		return
	}
	r.time.NotifyEventsAvailable()
	r.logger.Info("protocol failed",
		"coroutine", co.name,
		"session", sid.String(),
		"tag", Tag(cause),
		"reason", cause.Error())
}

func (r *Runtime) append(typ event.EventType, payload any) (*event.Event, error) {
	e, err := r.writer.Write(r.time.CurrentEpoch(), typ, payload)
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", typ, err)
	}
	r.time.NotifyEventsAvailable()
	return e, nil
}
