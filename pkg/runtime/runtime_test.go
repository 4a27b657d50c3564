package runtime_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/aura-net/aura/pkg/aura"
	"github.com/aura-net/aura/pkg/effects"
	"github.com/aura-net/aura/pkg/event"
	"github.com/aura-net/aura/pkg/ledger"
	"github.com/aura-net/aura/pkg/runtime"
	"github.com/aura-net/aura/pkg/sim"
)

type fixture struct {
	time   *sim.VirtualTime
	ledger *ledger.Ledger
	writer *ledger.Writer
	rt     *runtime.Runtime
	device aura.DeviceID
	signer *effects.Signer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	vt := sim.NewVirtualTime()
	device := aura.NewDeviceID()
	signer := effects.SignerFromSeed([]byte("runtime-test-device"))
	led := ledger.New(aura.NewAccountID(), ledger.Config{},
		ledger.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	w := ledger.NewWriter(led, device, signer, sim.VirtualClock{Time: vt})
	if _, err := w.Write(vt.CurrentEpoch(), event.TypeAccountCreated, event.AccountCreated{
		Threshold:       aura.Threshold{M: 1, N: 1},
		DeviceID:        device,
		DevicePublicKey: signer.Public(),
		DisplayName:     "primary",
	}); err != nil {
		t.Fatalf("create account: %v", err)
	}
	rt := runtime.New(w, vt, effects.NewSeededRand([]byte("runtime-test"))).
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	return &fixture{time: vt, ledger: led, writer: w, rt: rt, device: device, signer: signer}
}

// initiateDkd writes a single-participant derivation session so tests have a
// session-scoped event and an active session to bind against.
func (f *fixture) initiateDkd(t *testing.T, co *runtime.Coroutine, sid aura.SessionID) {
	t.Helper()
	_, err := co.WriteToLedger(event.TypeDkdInitiated, event.DkdInitiated{
		SessionID:    sid,
		Context:      ledger.IdentityContext,
		ContextNonce: []byte("runtime-test"),
		Participants: []aura.DeviceID{f.device},
		Threshold:    aura.Threshold{M: 1, N: 1},
	})
	if err != nil {
		t.Fatalf("initiate dkd: %v", err)
	}
}

// drive advances the virtual clock until the coroutine finishes, failing the
// test if it never does. Each advance gives suspended coroutines a wake.
func drive(t *testing.T, vt *sim.VirtualTime, errc <-chan error) error {
	t.Helper()
	for i := 0; i < 200; i++ {
		select {
		case err := <-errc:
			return err
		case <-time.After(5 * time.Millisecond):
			vt.Advance(1)
		}
	}
	t.Fatal("coroutine did not finish")
	return nil
}

func countEvents(l *ledger.Ledger, typ event.EventType) int {
	n := 0
	for _, e := range l.Events() {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func TestCoroutineSeesOwnWrites(t *testing.T) {
	f := newFixture(t)
	sid := aura.NewSessionID()

	err := f.rt.Run(context.Background(), "dkd", func(ctx context.Context, co *runtime.Coroutine) error {
		f.initiateDkd(t, co, sid)
		e, err := co.AwaitEvent(ctx, event.ByTypes(event.TypeDkdInitiated), 0)
		if err != nil {
			return err
		}
		var p event.DkdInitiated
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		if p.SessionID != sid {
			t.Errorf("awaited session %s, wrote %s", p.SessionID, sid)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestAwaitEventTimesOut(t *testing.T) {
	f := newFixture(t)

	errc := f.rt.Spawn(context.Background(), "waiter", func(ctx context.Context, co *runtime.Coroutine) error {
		_, err := co.AwaitEvent(ctx, event.ByTypes(event.TypeRecoveryInitiated), 3)
		return err
	})
	err := drive(t, f.time, errc)
	if !errors.Is(err, runtime.ErrTimeout) {
		t.Fatalf("want ErrTimeout, got %v", err)
	}
	if countEvents(f.ledger, event.TypeProtocolFailed) != 0 {
		t.Fatal("unbound coroutine must not write protocol.failed")
	}
}

func TestAwaitEventCancellation(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	errc := f.rt.Spawn(ctx, "waiter", func(ctx context.Context, co *runtime.Coroutine) error {
		_, err := co.AwaitEvent(ctx, event.ByTypes(event.TypeRecoveryInitiated), 0)
		return err
	})
	cancel()
	f.time.NotifyEventsAvailable()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestAwaitConsumesEachEventOnce(t *testing.T) {
	f := newFixture(t)

	// Two device enrollments, then two sequential awaits on the same filter.
	// The cursor queue must hand each event out exactly once.
	for _, seed := range []string{"second", "third"} {
		s := effects.SignerFromSeed([]byte(seed))
		if _, err := f.writer.Write(f.time.CurrentEpoch(), event.TypeDeviceAdded, event.DeviceAdded{
			DeviceID:  aura.NewDeviceID(),
			PublicKey: s.Public(),
		}); err != nil {
			t.Fatalf("add device: %v", err)
		}
	}

	err := f.rt.Run(context.Background(), "observer", func(ctx context.Context, co *runtime.Coroutine) error {
		first, err := co.AwaitEvent(ctx, event.ByTypes(event.TypeDeviceAdded), 0)
		if err != nil {
			return err
		}
		second, err := co.AwaitEvent(ctx, event.ByTypes(event.TypeDeviceAdded), 0)
		if err != nil {
			return err
		}
		if first.EventID == second.EventID {
			t.Error("same event consumed twice")
		}
		if _, ok := co.CheckForEvent(event.ByTypes(event.TypeDeviceAdded)); ok {
			t.Error("third matching event should not exist")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
}

// A ledger restored from a snapshot has no events below its compaction
// base; coroutine cursors must start at the base, not at zero.
func TestCoroutineOnRestoredLedger(t *testing.T) {
	f := newFixture(t)

	snap, err := f.ledger.TakeSnapshot(f.time.CurrentEpoch())
	if err != nil {
		t.Fatalf("take snapshot: %v", err)
	}
	restored, err := ledger.FromSnapshot(snap, ledger.Config{}, nil,
		ledger.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	w := ledger.NewWriter(restored, f.device, f.signer, sim.VirtualClock{Time: f.time})
	rt := runtime.New(w, f.time, effects.NewSeededRand([]byte("restored"))).
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))

	err = rt.Run(context.Background(), "enroll", func(ctx context.Context, co *runtime.Coroutine) error {
		s := effects.SignerFromSeed([]byte("enrolled"))
		if _, err := co.WriteToLedger(event.TypeDeviceAdded, event.DeviceAdded{
			DeviceID:  aura.NewDeviceID(),
			PublicKey: s.Public(),
		}); err != nil {
			return err
		}
		_, err := co.AwaitEvent(ctx, event.ByTypes(event.TypeDeviceAdded), 0)
		return err
	})
	if err != nil {
		t.Fatalf("coroutine on restored ledger: %v", err)
	}
}

func TestUnmatchedEventsStayPending(t *testing.T) {
	f := newFixture(t)

	err := f.rt.Run(context.Background(), "observer", func(ctx context.Context, co *runtime.Coroutine) error {
		s := effects.SignerFromSeed([]byte("late"))
		if _, err := co.WriteToLedger(event.TypeDeviceAdded, event.DeviceAdded{
			DeviceID:  aura.NewDeviceID(),
			PublicKey: s.Public(),
		}); err != nil {
			return err
		}
		// Awaiting account creation drains the queue past the enrollment;
		// the enrollment must still be there for the later probe.
		if _, err := co.AwaitEvent(ctx, event.ByTypes(event.TypeAccountCreated), 0); err != nil {
			return err
		}
		if _, ok := co.CheckForEvent(event.ByTypes(event.TypeDeviceAdded)); !ok {
			t.Error("non-awaited event was dropped from the pending queue")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestAwaitThresholdReturnsPartialOnTimeout(t *testing.T) {
	f := newFixture(t)

	errc := f.rt.Spawn(context.Background(), "collector", func(ctx context.Context, co *runtime.Coroutine) error {
		s := effects.SignerFromSeed([]byte("only"))
		if _, err := co.WriteToLedger(event.TypeDeviceAdded, event.DeviceAdded{
			DeviceID:  aura.NewDeviceID(),
			PublicKey: s.Public(),
		}); err != nil {
			return err
		}
		got, err := co.AwaitThreshold(ctx, 2, event.ByTypes(event.TypeDeviceAdded), 3)
		if len(got) != 1 {
			t.Errorf("partial batch has %d events, want 1", len(got))
		}
		return err
	})
	err := drive(t, f.time, errc)
	if !errors.Is(err, runtime.ErrTimeout) {
		t.Fatalf("want ErrTimeout, got %v", err)
	}
}

func TestWaitEpochsAdvancesWithClock(t *testing.T) {
	f := newFixture(t)
	start := f.time.CurrentEpoch()

	errc := f.rt.Spawn(context.Background(), "sleeper", func(ctx context.Context, co *runtime.Coroutine) error {
		if err := co.WaitEpochs(ctx, 2); err != nil {
			return err
		}
		if got := co.CurrentEpoch(); got < start+2 {
			t.Errorf("woke at epoch %d, want >= %d", got, start+2)
		}
		return nil
	})
	if err := drive(t, f.time, errc); err != nil {
		t.Fatalf("wait epochs: %v", err)
	}
}

func TestRunSubProtocolRejected(t *testing.T) {
	f := newFixture(t)
	err := f.rt.Run(context.Background(), "composer", func(ctx context.Context, co *runtime.Coroutine) error {
		return co.RunSubProtocol("resharing")
	})
	if !errors.Is(err, runtime.ErrInvalidOperation) {
		t.Fatalf("want ErrInvalidOperation, got %v", err)
	}
}

func TestFailureRecordedOnBoundSession(t *testing.T) {
	f := newFixture(t)
	sid := aura.NewSessionID()
	boom := errors.New("reconstruction mismatch")

	err := f.rt.Run(context.Background(), "dkd", func(ctx context.Context, co *runtime.Coroutine) error {
		f.initiateDkd(t, co, sid)
		co.BindSession(sid)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("run: %v", err)
	}

	if n := countEvents(f.ledger, event.TypeProtocolFailed); n != 1 {
		t.Fatalf("protocol.failed count = %d, want 1", n)
	}
	for _, e := range f.ledger.Events() {
		if e.Type != event.TypeProtocolFailed {
			continue
		}
		var p event.ProtocolFailed
		if err := e.DecodePayload(&p); err != nil {
			t.Fatalf("decode failure payload: %v", err)
		}
		if p.SessionID != sid || p.Tag != runtime.TagOther {
			t.Fatalf("failure payload = %+v", p)
		}
	}
	sess := f.ledger.State().Session(sid)
	if sess == nil || !sess.Failed {
		t.Fatal("session not marked failed")
	}
}

func TestFailureBackstopSkipsTerminalSession(t *testing.T) {
	f := newFixture(t)
	sid := aura.NewSessionID()

	err := f.rt.Run(context.Background(), "dkd", func(ctx context.Context, co *runtime.Coroutine) error {
		f.initiateDkd(t, co, sid)
		co.BindSession(sid)
		// The script records its own typed failure, then unwinds with the
		// cause. The runtime must not double-report.
		if _, err := co.WriteToLedger(event.TypeProtocolFailed, event.ProtocolFailed{
			SessionID: sid,
			Tag:       runtime.TagThresholdNotMet,
			Reason:    "only 1 of 2 shares",
		}); err != nil {
			return err
		}
		return runtime.ErrThresholdNotMet
	})
	if !errors.Is(err, runtime.ErrThresholdNotMet) {
		t.Fatalf("run: %v", err)
	}
	if n := countEvents(f.ledger, event.TypeProtocolFailed); n != 1 {
		t.Fatalf("protocol.failed count = %d, want 1", n)
	}
}

func TestCancelledRunLeavesNoFailureEvent(t *testing.T) {
	f := newFixture(t)
	sid := aura.NewSessionID()
	ctx, cancel := context.WithCancel(context.Background())

	errc := f.rt.Spawn(ctx, "dkd", func(ctx context.Context, co *runtime.Coroutine) error {
		f.initiateDkd(t, co, sid)
		co.BindSession(sid)
		_, err := co.AwaitEvent(ctx, event.ByTypes(event.TypeDkdPointRevealed), 0)
		return err
	})
	cancel()
	f.time.NotifyEventsAvailable()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	if countEvents(f.ledger, event.TypeProtocolFailed) != 0 {
		t.Fatal("cancellation must not be reported as a protocol failure")
	}
}

func TestUncontestedLockWins(t *testing.T) {
	f := newFixture(t)
	var status *runtime.SessionStatus

	errc := f.rt.Spawn(context.Background(), "lock", func(ctx context.Context, co *runtime.Coroutine) error {
		st, err := co.CheckSessionCollision(ctx, event.ProtocolResharing, aura.ContextID{})
		status = st
		return err
	})
	if err := drive(t, f.time, errc); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if status == nil || !status.Won || status.Winner != f.device {
		t.Fatalf("status = %+v", status)
	}
	if len(status.Existing) != 0 {
		t.Fatalf("uncontested lottery reports %d existing sessions", len(status.Existing))
	}
	sess := f.ledger.State().Session(status.SessionID)
	if sess == nil || sess.Lock == nil || !sess.Lock.Granted {
		t.Fatal("grant not recorded on the ledger")
	}
}

func TestTagStability(t *testing.T) {
	cases := []struct {
		err error
		tag string
	}{
		{runtime.ErrTimeout, runtime.TagTimeout},
		{runtime.ErrInvalidOperation, runtime.TagInvalidOperation},
		{runtime.ErrCryptoFailure, runtime.TagCryptoFailure},
		{runtime.ErrSessionNotFound, runtime.TagSessionNotFound},
		{runtime.ErrThresholdNotMet, runtime.TagThresholdNotMet},
		{runtime.ErrLockLost, runtime.TagLockLost},
		{context.Canceled, runtime.TagCancelled},
		{context.DeadlineExceeded, runtime.TagCancelled},
		{errors.New("disk full"), runtime.TagOther},
	}
	for _, c := range cases {
		if got := runtime.Tag(c.err); got != c.tag {
			t.Errorf("Tag(%v) = %q, want %q", c.err, got, c.tag)
		}
		wrapped := errors.Join(errors.New("while finalizing"), c.err)
		if got := runtime.Tag(wrapped); got != c.tag {
			t.Errorf("Tag(wrapped %v) = %q, want %q", c.err, got, c.tag)
		}
	}
}
