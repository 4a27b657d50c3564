package ledger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/aura-net/aura/pkg/aura"
	"github.com/aura-net/aura/pkg/effects"
	"github.com/aura-net/aura/pkg/event"
)

type testDevice struct {
	id     aura.DeviceID
	signer *effects.Signer
}

func newTestDevice(seed string) *testDevice {
	return &testDevice{id: aura.NewDeviceID(), signer: effects.SignerFromSeed([]byte(seed))}
}

func (d *testDevice) writer(l *Ledger) *Writer {
	return NewWriter(l, d.id, d.signer, effects.SystemClock{})
}

func newTestLedger(account aura.AccountID) *Ledger {
	return New(account, Config{}, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func createAccount(t *testing.T, l *Ledger, dev *testDevice, th aura.Threshold) *Writer {
	t.Helper()
	w := dev.writer(l)
	_, err := w.Write(1, event.TypeAccountCreated, event.AccountCreated{
		Threshold:       th,
		DeviceID:        dev.id,
		DevicePublicKey: dev.signer.Public(),
		DisplayName:     "primary",
	})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	return w
}

func addDevice(t *testing.T, w *Writer, dev *testDevice) {
	t.Helper()
	_, err := w.Write(2, event.TypeDeviceAdded, event.DeviceAdded{
		DeviceID:  dev.id,
		PublicKey: dev.signer.Public(),
	})
	if err != nil {
		t.Fatalf("add device %s: %v", dev.id, err)
	}
}

// establishGroupKey runs a full derivation round on one ledger: every device
// commits, reveals, and the initiator finalizes. The returned signer stands
// in for the aggregation scheme and signs threshold events in tests.
func establishGroupKey(t *testing.T, l *Ledger, devs []*testDevice, m uint16) *effects.Signer {
	t.Helper()
	sid := aura.NewSessionID()
	participants := make([]aura.DeviceID, len(devs))
	for i, d := range devs {
		participants[i] = d.id
	}
	writers := make([]*Writer, len(devs))
	for i, d := range devs {
		writers[i] = d.writer(l)
	}
	if _, err := writers[0].Write(3, event.TypeDkdInitiated, event.DkdInitiated{
		SessionID:    sid,
		Context:      IdentityContext,
		ContextNonce: []byte("test-derivation"),
		Participants: participants,
		Threshold:    aura.Threshold{M: m, N: uint16(len(devs))},
	}); err != nil {
		t.Fatalf("dkd initiate: %v", err)
	}
	for i, d := range devs {
		point := d.signer.Public()
		blind := []byte(fmt.Sprintf("blind-%d", i))
		if _, err := writers[i].Write(4, event.TypeDkdCommitmentRecorded, event.DkdCommitmentRecorded{
			SessionID: sid, Participant: d.id, Commitment: event.CommitDigest(point, blind),
		}); err != nil {
			t.Fatalf("dkd commit %d: %v", i, err)
		}
		if _, err := writers[i].Write(5, event.TypeDkdPointRevealed, event.DkdPointRevealed{
			SessionID: sid, Participant: d.id, Point: point, BlindingNonce: blind,
		}); err != nil {
			t.Fatalf("dkd reveal %d: %v", i, err)
		}
	}
	group := effects.SignerFromSeed([]byte("group:" + sid.String()))
	if _, err := writers[0].Write(6, event.TypeDkdFinalized, event.DkdFinalized{
		SessionID: sid, GroupPublicKey: group.Public(),
	}); err != nil {
		t.Fatalf("dkd finalize: %v", err)
	}
	return group
}

func writeThreshold(t *testing.T, w *Writer, group *effects.Signer, typ event.EventType, payload any, signers uint32) error {
	t.Helper()
	e, err := w.ComposeThreshold(10, typ, payload, signers)
	if err != nil {
		t.Fatalf("compose threshold %s: %v", typ, err)
	}
	if err := e.AttachThresholdSignature(group.Sign(e.EventID[:])); err != nil {
		t.Fatalf("attach aggregate: %v", err)
	}
	return w.Submit(e)
}

func TestLedgerGenesis(t *testing.T) {
	account := aura.NewAccountID()
	l := newTestLedger(account)
	founder := newTestDevice("founder")
	w := createAccount(t, l, founder, aura.Threshold{M: 1, N: 1})

	s := l.State()
	if !s.Created || s.Threshold.M != 1 || s.DisplayName != "primary" {
		t.Fatalf("state after genesis: %+v", s)
	}
	if !s.Device(founder.id).Active() {
		t.Fatal("founding device not active")
	}
	if s.EventCount != 1 {
		t.Fatalf("expected 1 event, got %d", s.EventCount)
	}
	if _, ok := l.Head(w.Author()); !ok {
		t.Fatal("author chain head missing")
	}
	if err := l.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestLedgerDuplicateAppend(t *testing.T) {
	account := aura.NewAccountID()
	l := newTestLedger(account)
	founder := newTestDevice("founder")
	w := createAccount(t, l, founder, aura.Threshold{M: 1, N: 1})

	e, err := w.Write(2, event.TypeGuardianAdded, event.GuardianAdded{
		GuardianID: aura.NewGuardianID(),
		PublicKey:  effects.SignerFromSeed([]byte("guardian")).Public(),
	})
	if err != nil {
		t.Fatal(err)
	}

	// The first append was accepted; appending the identical event again is
	// a replay.
	err = l.Append(e.Clone())
	if !errors.Is(err, ErrNonceReplay) {
		t.Fatalf("expected ErrNonceReplay, got %v", err)
	}
	var nr *NonceReplayError
	if !errors.As(err, &nr) || nr.Nonce != e.Nonce {
		t.Fatalf("replay error lost its fields: %v", err)
	}
	if l.Len() != 2 {
		t.Fatalf("replay changed the log length to %d", l.Len())
	}
}

func TestLedgerNonceReplayFreshEvent(t *testing.T) {
	account := aura.NewAccountID()
	l := newTestLedger(account)
	founder := newTestDevice("founder")
	w := createAccount(t, l, founder, aura.Threshold{M: 1, N: 1})

	head, _ := l.Head(w.Author())
	e, err := event.New(event.Params{
		AccountID:    account,
		Timestamp:    1700000000000,
		Nonce:        0, // consumed by account.created
		ParentHash:   &head,
		EpochAtWrite: l.WriteEpoch(2),
		Type:         event.TypeGuardianAdded,
		Payload: event.GuardianAdded{
			GuardianID: aura.NewGuardianID(),
			PublicKey:  effects.SignerFromSeed([]byte("guardian")).Public(),
		},
		Authorization: event.ByDevice(founder.id),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.AttachDeviceSignature(founder.signer.Sign(e.EventID[:])); err != nil {
		t.Fatal(err)
	}
	if err := l.Append(e); !errors.Is(err, ErrNonceReplay) {
		t.Fatalf("expected ErrNonceReplay, got %v", err)
	}
}

func TestLedgerParentChainBreak(t *testing.T) {
	account := aura.NewAccountID()
	l := newTestLedger(account)
	founder := newTestDevice("founder")
	w := createAccount(t, l, founder, aura.Threshold{M: 1, N: 1})

	build := func(parent *aura.Hash32) *event.Event {
		e, err := event.New(event.Params{
			AccountID:    account,
			Timestamp:    1700000000000,
			Nonce:        l.NextNonce(w.Author()),
			ParentHash:   parent,
			EpochAtWrite: l.WriteEpoch(2),
			Type:         event.TypeGuardianAdded,
			Payload: event.GuardianAdded{
				GuardianID: aura.NewGuardianID(),
				PublicKey:  effects.SignerFromSeed([]byte("guardian")).Public(),
			},
			Authorization: event.ByDevice(founder.id),
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := e.AttachDeviceSignature(founder.signer.Sign(e.EventID[:])); err != nil {
			t.Fatal(err)
		}
		return e
	}

	// A second event with no parent does not extend the chain.
	if err := l.Append(build(nil)); !errors.Is(err, ErrBrokenParentChain) {
		t.Fatalf("expected ErrBrokenParentChain for nil parent, got %v", err)
	}
	// Neither does one pointing somewhere else.
	bogus := aura.Hash32{0xde, 0xad}
	err := l.Append(build(&bogus))
	var pc *ParentChainError
	if !errors.As(err, &pc) {
		t.Fatalf("expected ParentChainError, got %v", err)
	}
}

func TestLedgerEpochRegression(t *testing.T) {
	account := aura.NewAccountID()
	l := newTestLedger(account)
	founder := newTestDevice("founder")
	w := createAccount(t, l, founder, aura.Threshold{M: 1, N: 1})

	if _, err := w.Write(100, event.TypeGuardianAdded, event.GuardianAdded{
		GuardianID: aura.NewGuardianID(),
		PublicKey:  effects.SignerFromSeed([]byte("g1")).Public(),
	}); err != nil {
		t.Fatal(err)
	}

	build := func(epoch uint64) *event.Event {
		head, _ := l.Head(w.Author())
		e, err := event.New(event.Params{
			AccountID:    account,
			Timestamp:    1700000000000,
			Nonce:        l.NextNonce(w.Author()),
			ParentHash:   &head,
			EpochAtWrite: epoch,
			Type:         event.TypeGuardianAdded,
			Payload: event.GuardianAdded{
				GuardianID: aura.NewGuardianID(),
				PublicKey:  effects.SignerFromSeed([]byte("g2")).Public(),
			},
			Authorization: event.ByDevice(founder.id),
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := e.AttachDeviceSignature(founder.signer.Sign(e.EventID[:])); err != nil {
			t.Fatal(err)
		}
		return e
	}

	// The author last wrote at epoch 100 with tolerance 16: epoch 83 is one
	// past the window, epoch 84 is the edge and admissible.
	err := l.Append(build(83))
	var er *EpochRegressionError
	if !errors.As(err, &er) {
		t.Fatalf("expected EpochRegressionError, got %v", err)
	}
	if er.Previous != 100 || er.Tolerance != DefaultEpochRegressionTolerance {
		t.Fatalf("regression error lost its fields: %+v", er)
	}
	if err := l.Append(build(84)); err != nil {
		t.Fatalf("edge of tolerance window rejected: %v", err)
	}
}

func TestLedgerRejectsUnknownAuthor(t *testing.T) {
	account := aura.NewAccountID()
	l := newTestLedger(account)
	founder := newTestDevice("founder")
	createAccount(t, l, founder, aura.Threshold{M: 1, N: 1})

	stranger := newTestDevice("stranger")
	_, err := stranger.writer(l).Write(2, event.TypeGuardianAdded, event.GuardianAdded{
		GuardianID: aura.NewGuardianID(),
		PublicKey:  effects.SignerFromSeed([]byte("g")).Public(),
	})
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
}

func TestLedgerRejectsTamperedSignature(t *testing.T) {
	account := aura.NewAccountID()
	l := newTestLedger(account)
	founder := newTestDevice("founder")
	w := createAccount(t, l, founder, aura.Threshold{M: 1, N: 1})

	head, _ := l.Head(w.Author())
	e, err := event.New(event.Params{
		AccountID:    account,
		Timestamp:    1700000000000,
		Nonce:        l.NextNonce(w.Author()),
		ParentHash:   &head,
		EpochAtWrite: l.WriteEpoch(2),
		Type:         event.TypeGuardianAdded,
		Payload: event.GuardianAdded{
			GuardianID: aura.NewGuardianID(),
			PublicKey:  effects.SignerFromSeed([]byte("g")).Public(),
		},
		Authorization: event.ByDevice(founder.id),
	})
	if err != nil {
		t.Fatal(err)
	}
	sig := founder.signer.Sign(e.EventID[:])
	sig[0] ^= 0xff
	if err := e.AttachDeviceSignature(sig); err != nil {
		t.Fatal(err)
	}
	if err := l.Append(e); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestLedgerLastDeviceGuard(t *testing.T) {
	account := aura.NewAccountID()
	l := newTestLedger(account)
	founder := newTestDevice("founder")
	w := createAccount(t, l, founder, aura.Threshold{M: 1, N: 1})

	_, err := w.Write(2, event.TypeDeviceRemoved, event.DeviceRemoved{DeviceID: founder.id})
	if !errors.Is(err, ErrLastDevice) {
		t.Fatalf("expected ErrLastDevice, got %v", err)
	}

	second := newTestDevice("second")
	addDevice(t, w, second)
	if _, err := w.Write(3, event.TypeDeviceRemoved, event.DeviceRemoved{DeviceID: founder.id}); err != nil {
		t.Fatalf("removal with a surviving device failed: %v", err)
	}
}

func TestLedgerLifecycleLocalOnly(t *testing.T) {
	account := aura.NewAccountID()
	l := newTestLedger(account)
	founder := newTestDevice("founder")
	w := createAccount(t, l, founder, aura.Threshold{M: 1, N: 1})

	countBefore := l.State().EventCount
	tick, err := w.WriteLifecycle(7, event.TypeEpochTick, event.EpochTick{Reason: "timer"})
	if err != nil {
		t.Fatalf("local lifecycle append: %v", err)
	}
	if l.State().EventCount != countBefore {
		t.Fatal("lifecycle event entered the hashed counters")
	}
	for _, id := range l.IDs() {
		if id == tick.EventID {
			t.Fatal("lifecycle event leaked into the sync digest")
		}
	}

	// A peer must refuse the same event.
	remote := newTestLedger(account)
	for _, e := range l.Events() {
		if e.EventID == tick.EventID {
			continue
		}
		if _, rej := remote.Merge([]*event.Event{e}); len(rej) != 0 {
			t.Fatalf("merge setup: %v", rej[0].Err)
		}
	}
	accepted, rejected := remote.Merge([]*event.Event{tick})
	if accepted != 0 || len(rejected) != 1 {
		t.Fatalf("remote accepted a lifecycle event: %d accepted", accepted)
	}
	if !errors.Is(rejected[0].Err, ErrUntrustedLifecycle) {
		t.Fatalf("expected ErrUntrustedLifecycle, got %v", rejected[0].Err)
	}
}

func TestLedgerMergeConvergence(t *testing.T) {
	account := aura.NewAccountID()
	a := newTestLedger(account)
	founder := newTestDevice("founder")
	second := newTestDevice("second")
	wa := createAccount(t, a, founder, aura.Threshold{M: 1, N: 2})
	addDevice(t, wa, second)
	if _, err := wa.Write(3, event.TypeGuardianAdded, event.GuardianAdded{
		GuardianID: aura.NewGuardianID(),
		PublicKey:  effects.SignerFromSeed([]byte("g")).Public(),
	}); err != nil {
		t.Fatal(err)
	}

	// B receives A's log in reverse: the merge sorts per author and retries
	// to a fixpoint, so order inside the batch must not matter.
	events := a.Events()
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	b := newTestLedger(account)
	accepted, rejected := b.Merge(events)
	if len(rejected) != 0 {
		t.Fatalf("merge rejected %d events, first: %v", len(rejected), rejected[0].Err)
	}
	if accepted != len(events) {
		t.Fatalf("accepted %d of %d", accepted, len(events))
	}

	ha, err := a.StateHash()
	if err != nil {
		t.Fatal(err)
	}
	hb, err := b.StateHash()
	if err != nil {
		t.Fatal(err)
	}
	if ha != hb {
		t.Fatalf("replicas diverged: %s vs %s", ha, hb)
	}

	// Writes continue on B with its own device and flow back to A.
	wb := second.writer(b)
	if _, err := wb.Write(4, event.TypeCapabilityDelegated, event.CapabilityDelegated{
		Issuer:  aura.NewAuthorityID(),
		Subject: aura.NewAuthorityID(),
		Scope:   "sync",
		Token:   []byte("token-bytes"),
	}); err != nil {
		t.Fatalf("write on replica: %v", err)
	}
	accepted, rejected = a.Merge(b.Events())
	if accepted != 1 || len(rejected) != 0 {
		t.Fatalf("back-merge accepted %d, rejected %d", accepted, len(rejected))
	}
	ha, _ = a.StateHash()
	hb, _ = b.StateHash()
	if ha != hb {
		t.Fatalf("replicas diverged after back-merge: %s vs %s", ha, hb)
	}
}

func TestLedgerMergeIsIdempotent(t *testing.T) {
	account := aura.NewAccountID()
	a := newTestLedger(account)
	founder := newTestDevice("founder")
	wa := createAccount(t, a, founder, aura.Threshold{M: 1, N: 1})
	addDevice(t, wa, newTestDevice("second"))

	b := newTestLedger(account)
	if accepted, _ := b.Merge(a.Events()); accepted != 2 {
		t.Fatalf("first merge accepted %d", accepted)
	}
	accepted, rejected := b.Merge(a.Events())
	if accepted != 0 || len(rejected) != 0 {
		t.Fatalf("re-merge was not a no-op: %d accepted, %d rejected", accepted, len(rejected))
	}
}

func enrollGuardians(t *testing.T, w *Writer, n int) []*testDevice {
	t.Helper()
	out := make([]*testDevice, n)
	for i := range out {
		g := newTestDevice(fmt.Sprintf("guardian-%d", i))
		if _, err := w.Write(7, event.TypeGuardianAdded, event.GuardianAdded{
			GuardianID: aura.GuardianID(g.id),
			PublicKey:  g.signer.Public(),
		}); err != nil {
			t.Fatalf("enroll guardian %d: %v", i, err)
		}
		out[i] = g
	}
	return out
}

// runRecovery replaces lost with next: two of the guardians approve and the
// completion lands threshold-signed at epoch 12.
func runRecovery(t *testing.T, l *Ledger, group *effects.Signer, lost, next *testDevice, guardians []*testDevice) {
	t.Helper()
	sid := aura.NewSessionID()
	wn := next.writer(l)
	if _, err := wn.Write(10, event.TypeRecoveryInitiated, event.RecoveryInitiated{
		SessionID:          sid,
		LostDevice:         lost.id,
		NewDevice:          next.id,
		NewDevicePublicKey: next.signer.Public(),
		GuardianThreshold:  aura.Threshold{M: 2, N: 3},
	}); err != nil {
		t.Fatalf("initiate recovery: %v", err)
	}
	for _, g := range guardians[:2] {
		if _, err := g.writer(l).Write(11, event.TypeGuardianApprovalCollected, event.GuardianApprovalCollected{
			SessionID: sid, Guardian: aura.GuardianID(g.id),
		}); err != nil {
			t.Fatalf("guardian approval: %v", err)
		}
	}
	e, err := wn.ComposeThreshold(12, event.TypeRecoveryCompleted, event.RecoveryCompleted{
		SessionID: sid, NewDevice: next.id, NewDevicePublicKey: next.signer.Public(),
	}, 2)
	if err != nil {
		t.Fatalf("compose completion: %v", err)
	}
	if err := e.AttachThresholdSignature(group.Sign(e.EventID[:])); err != nil {
		t.Fatalf("attach aggregate: %v", err)
	}
	if err := wn.Submit(e); err != nil {
		t.Fatalf("submit completion: %v", err)
	}
}

func TestLedgerRecoveryCooldown(t *testing.T) {
	account := aura.NewAccountID()
	l := newTestLedger(account)
	founder := newTestDevice("founder")
	w := createAccount(t, l, founder, aura.Threshold{M: 1, N: 1})
	group := establishGroupKey(t, l, []*testDevice{founder}, 1)
	guardians := enrollGuardians(t, w, 3)
	runRecovery(t, l, group, founder, newTestDevice("replacement"), guardians)

	if got := l.State().LastRecoveryEpoch; got != 12 {
		t.Fatalf("LastRecoveryEpoch = %d, want 12", got)
	}

	attempt := func(epoch uint64) error {
		d := newTestDevice("third")
		_, err := d.writer(l).Write(epoch, event.TypeRecoveryInitiated, event.RecoveryInitiated{
			SessionID:          aura.NewSessionID(),
			LostDevice:         founder.id,
			NewDevice:          d.id,
			NewDevicePublicKey: d.signer.Public(),
			GuardianThreshold:  aura.Threshold{M: 2, N: 3},
		})
		return err
	}
	err := attempt(12 + DefaultRecoveryCooldownEpochs - 1)
	if !errors.Is(err, ErrRecoveryCooldown) {
		t.Fatalf("expected cooldown rejection, got %v", err)
	}
	var cd *RecoveryCooldownError
	if !errors.As(err, &cd) || cd.LastRecoveryEpoch != 12 {
		t.Fatalf("cooldown error lost its fields: %v", err)
	}
	if err := attempt(12 + DefaultRecoveryCooldownEpochs); err != nil {
		t.Fatalf("expected attempt after cooldown to pass, got %v", err)
	}
}

// The cooldown gates what a device may write, not what a merge may admit:
// a replica that admitted a second initiation before seeing the completion
// must still converge with one that saw the completion first.
func TestLedgerRecoveryCooldownDoesNotGateMerge(t *testing.T) {
	account := aura.NewAccountID()
	a := newTestLedger(account)
	founder := newTestDevice("founder")
	w := createAccount(t, a, founder, aura.Threshold{M: 1, N: 1})
	group := establishGroupKey(t, a, []*testDevice{founder}, 1)
	guardians := enrollGuardians(t, w, 3)
	runRecovery(t, a, group, founder, newTestDevice("replacement"), guardians)

	// B last synced before the completion landed, so its replica admits a
	// second initiation at an epoch deep inside A's cooldown window.
	events := a.Events()
	b := newTestLedger(account)
	if _, rejected := b.Merge(events[:len(events)-1]); len(rejected) != 0 {
		t.Fatalf("seed merge rejected %d events, first: %v", len(rejected), rejected[0].Err)
	}
	second := newTestDevice("second-replacement")
	if _, err := second.writer(b).Write(13, event.TypeRecoveryInitiated, event.RecoveryInitiated{
		SessionID:          aura.NewSessionID(),
		LostDevice:         founder.id,
		NewDevice:          second.id,
		NewDevicePublicKey: second.signer.Public(),
		GuardianThreshold:  aura.Threshold{M: 2, N: 3},
	}); err != nil {
		t.Fatalf("initiation on stale replica: %v", err)
	}

	// A sees the initiation after its completion, B the other way around.
	accepted, rejected := a.Merge(b.Events())
	if accepted != 1 || len(rejected) != 0 {
		t.Fatalf("merge into a accepted %d, rejected %d", accepted, len(rejected))
	}
	accepted, rejected = b.Merge(a.Events())
	if accepted != 1 || len(rejected) != 0 {
		t.Fatalf("merge into b accepted %d, rejected %d", accepted, len(rejected))
	}

	if a.Len() != b.Len() {
		t.Fatalf("replicas hold %d vs %d events", a.Len(), b.Len())
	}
	ha, err := a.StateHash()
	if err != nil {
		t.Fatal(err)
	}
	hb, err := b.StateHash()
	if err != nil {
		t.Fatal(err)
	}
	if ha != hb {
		t.Fatalf("replicas diverged: %s vs %s", ha, hb)
	}
}

func TestLedgerThresholdAuthorization(t *testing.T) {
	account := aura.NewAccountID()
	l := newTestLedger(account)
	founder := newTestDevice("founder")
	d2 := newTestDevice("d2")
	d3 := newTestDevice("d3")
	w := createAccount(t, l, founder, aura.Threshold{M: 2, N: 3})
	addDevice(t, w, d2)
	addDevice(t, w, d3)

	// Threshold events are impossible before a group key exists.
	err := writeThreshold(t, w, effects.SignerFromSeed([]byte("nokey")), event.TypeSnapshotCommitted,
		event.SnapshotCommitted{StateHash: aura.Hash32{1}, LastEventIndex: 0}, 2)
	if !errors.Is(err, ErrNoGroupKey) {
		t.Fatalf("expected ErrNoGroupKey, got %v", err)
	}

	group := establishGroupKey(t, l, []*testDevice{founder, d2, d3}, 2)
	hash, err := l.StateHash()
	if err != nil {
		t.Fatal(err)
	}
	payload := event.SnapshotCommitted{StateHash: hash, LastEventIndex: l.NextIndex() - 1}

	// One signer is below the 2-of-3 policy.
	err = writeThreshold(t, w, group, event.TypeSnapshotCommitted, payload, 1)
	if !errors.Is(err, ErrThresholdNotMet) {
		t.Fatalf("expected ErrThresholdNotMet, got %v", err)
	}

	// A wrong aggregate key fails verification.
	err = writeThreshold(t, w, effects.SignerFromSeed([]byte("imposter")), event.TypeSnapshotCommitted, payload, 2)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	if err := writeThreshold(t, w, group, event.TypeSnapshotCommitted, payload, 2); err != nil {
		t.Fatalf("threshold commit: %v", err)
	}
	s := l.State()
	if len(s.Snapshots) != 1 || s.Snapshots[0].StateHash != hash {
		t.Fatalf("snapshot record not folded: %+v", s.Snapshots)
	}

	// A device certificate is not accepted where policy demands a threshold.
	_, err = w.Write(11, event.TypeSnapshotCommitted, payload)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected device cert rejection, got %v", err)
	}
}

func TestLedgerSnapshotCompactRestore(t *testing.T) {
	account := aura.NewAccountID()
	l := newTestLedger(account)
	founder := newTestDevice("founder")
	d2 := newTestDevice("d2")
	w := createAccount(t, l, founder, aura.Threshold{M: 2, N: 2})
	addDevice(t, w, d2)
	group := establishGroupKey(t, l, []*testDevice{founder, d2}, 2)

	hash, err := l.StateHash()
	if err != nil {
		t.Fatal(err)
	}
	last := l.NextIndex() - 1
	if err := writeThreshold(t, w, group, event.TypeSnapshotCommitted,
		event.SnapshotCommitted{StateHash: hash, LastEventIndex: last}, 2); err != nil {
		t.Fatal(err)
	}

	snap, err := l.TakeSnapshot(20)
	if err != nil {
		t.Fatal(err)
	}
	blob, err := snap.Encode()
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DecodeSnapshot(blob)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.StateHash != snap.StateHash || decoded.LastEventIndex != snap.LastEventIndex {
		t.Fatal("snapshot round trip lost fields")
	}

	// Compaction up to the committed index leaves the tail and remembers
	// covered ids.
	preCompactIDs := l.IDs()
	someOld := l.Events()[0].EventID
	if err := l.Compact(last); err != nil {
		t.Fatalf("compact: %v", err)
	}
	if l.Len() != 1 {
		t.Fatalf("expected only the commit event live, got %d", l.Len())
	}
	if !l.Contains(someOld) {
		t.Fatal("compacted event forgotten entirely")
	}
	if _, err := l.Get(someOld); !errors.Is(err, ErrCompacted) {
		t.Fatalf("expected ErrCompacted, got %v", err)
	}
	if _, err := l.EventsSince(0); !errors.Is(err, ErrCompacted) {
		t.Fatalf("expected ErrCompacted for pre-horizon read, got %v", err)
	}
	postCompactIDs := l.IDs()
	if len(postCompactIDs) != len(preCompactIDs) {
		t.Fatalf("digest shrank across compaction: %d -> %d", len(preCompactIDs), len(postCompactIDs))
	}

	// Appends continue on the compacted ledger.
	if _, err := w.Write(21, event.TypeGuardianAdded, event.GuardianAdded{
		GuardianID: aura.NewGuardianID(),
		PublicKey:  effects.SignerFromSeed([]byte("g")).Public(),
	}); err != nil {
		t.Fatalf("append after compaction: %v", err)
	}

	// A device restored from the snapshot replays only the tail.
	tail, err := l.EventsSince(snap.LastEventIndex + 1)
	if err != nil {
		t.Fatal(err)
	}
	restored, err := FromSnapshot(decoded, Config{}, tail,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	hl, err := l.StateHash()
	if err != nil {
		t.Fatal(err)
	}
	hr, err := restored.StateHash()
	if err != nil {
		t.Fatal(err)
	}
	if hl != hr {
		t.Fatalf("restored replica diverged: %s vs %s", hl, hr)
	}
	if restored.NextIndex() != l.NextIndex() {
		t.Fatalf("restored index %d, want %d", restored.NextIndex(), l.NextIndex())
	}

	// The restored ledger keeps appending on the same chains.
	if _, err := founder.writer(restored).Write(22, event.TypeGuardianAdded, event.GuardianAdded{
		GuardianID: aura.NewGuardianID(),
		PublicKey:  effects.SignerFromSeed([]byte("g2")).Public(),
	}); err != nil {
		t.Fatalf("append after restore: %v", err)
	}
}

func TestLedgerCompactRequiresCommittedSnapshot(t *testing.T) {
	account := aura.NewAccountID()
	l := newTestLedger(account)
	founder := newTestDevice("founder")
	w := createAccount(t, l, founder, aura.Threshold{M: 1, N: 1})
	addDevice(t, w, newTestDevice("second"))

	if err := l.Compact(0); !errors.Is(err, ErrSnapshotOutOfRange) {
		t.Fatalf("compaction without a committed snapshot: %v", err)
	}
}

func TestLedgerEmptySnapshot(t *testing.T) {
	l := newTestLedger(aura.NewAccountID())
	if _, err := l.TakeSnapshot(1); !errors.Is(err, ErrSnapshotOutOfRange) {
		t.Fatalf("expected ErrSnapshotOutOfRange on empty ledger, got %v", err)
	}
}

func TestLedgerReplayRebuildsState(t *testing.T) {
	account := aura.NewAccountID()
	l := newTestLedger(account)
	founder := newTestDevice("founder")
	w := createAccount(t, l, founder, aura.Threshold{M: 1, N: 1})
	addDevice(t, w, newTestDevice("second"))
	if _, err := w.WriteLifecycle(5, event.TypeEpochTick, event.EpochTick{}); err != nil {
		t.Fatal(err)
	}

	// Replay trusts its own stored log, lifecycle events included.
	rebuilt, err := Replay(account, Config{}, l.Events(),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	h1, err := l.StateHash()
	if err != nil {
		t.Fatal(err)
	}
	h2, err := rebuilt.StateHash()
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatal("replay diverged from the original")
	}
	if rebuilt.Len() != l.Len() {
		t.Fatalf("replay kept %d events, want %d", rebuilt.Len(), l.Len())
	}
}

func TestLedgerSubscribe(t *testing.T) {
	account := aura.NewAccountID()
	l := newTestLedger(account)
	founder := newTestDevice("founder")

	ch, cancel := l.Subscribe()
	defer cancel()

	createAccount(t, l, founder, aura.Threshold{M: 1, N: 1})
	select {
	case <-ch:
	default:
		t.Fatal("no notification after append")
	}
}

func TestLedgerVerifyDetectsTampering(t *testing.T) {
	account := aura.NewAccountID()
	l := newTestLedger(account)
	founder := newTestDevice("founder")
	w := createAccount(t, l, founder, aura.Threshold{M: 1, N: 1})
	addDevice(t, w, newTestDevice("second"))

	if err := l.Verify(); err != nil {
		t.Fatalf("clean log failed verify: %v", err)
	}
	// Reach into the log the way disk corruption would.
	l.log[1].Payload = []byte(`{"device_id":"00000000-0000-0000-0000-000000000000","public_key":""}`)
	if err := l.Verify(); err == nil {
		t.Fatal("verify missed a tampered payload")
	}
}
