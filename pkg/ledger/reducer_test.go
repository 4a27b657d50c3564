package ledger

import (
	"errors"
	"testing"

	"github.com/aura-net/aura/pkg/aura"
	"github.com/aura-net/aura/pkg/effects"
	"github.com/aura-net/aura/pkg/event"
)

// reducerTest drives the reducer directly, bypassing admission. Signatures
// are not attached because the reducer never checks them; that is admission's
// job and it has its own tests.
type reducerTest struct {
	t       *testing.T
	r       *Reducer
	s       *AccountState
	account aura.AccountID
	nonce   uint64
}

func newReducerTest(t *testing.T) *reducerTest {
	return &reducerTest{
		t:       t,
		r:       NewReducer(),
		s:       NewAccountState(),
		account: aura.NewAccountID(),
	}
}

func (rt *reducerTest) mk(typ event.EventType, payload any, auth event.Authorization, epoch uint64) *event.Event {
	rt.t.Helper()
	rt.nonce++
	e, err := event.New(event.Params{
		AccountID:     rt.account,
		Timestamp:     1700000000000,
		Nonce:         rt.nonce,
		EpochAtWrite:  epoch,
		Type:          typ,
		Payload:       payload,
		Authorization: auth,
	})
	if err != nil {
		rt.t.Fatalf("build %s: %v", typ, err)
	}
	return e
}

func (rt *reducerTest) apply(typ event.EventType, payload any, auth event.Authorization, epoch uint64) error {
	rt.t.Helper()
	return rt.r.Apply(rt.s, rt.mk(typ, payload, auth, epoch))
}

func (rt *reducerTest) must(typ event.EventType, payload any, auth event.Authorization, epoch uint64) {
	rt.t.Helper()
	if err := rt.apply(typ, payload, auth, epoch); err != nil {
		rt.t.Fatalf("apply %s: %v", typ, err)
	}
}

func (rt *reducerTest) createAccount(founder aura.DeviceID, pub []byte, th aura.Threshold) {
	rt.t.Helper()
	rt.must(event.TypeAccountCreated, event.AccountCreated{
		Threshold:       th,
		DeviceID:        founder,
		DevicePublicKey: pub,
	}, event.ByDevice(founder), 1)
}

func TestReducerRequiresAccountCreated(t *testing.T) {
	rt := newReducerTest(t)
	dev := aura.NewDeviceID()
	err := rt.apply(event.TypeDeviceAdded, event.DeviceAdded{
		DeviceID:  dev,
		PublicKey: effects.SignerFromSeed([]byte("d1")).Public(),
	}, event.ByDevice(dev), 1)
	if !errors.Is(err, ErrAccountNotCreated) {
		t.Fatalf("expected ErrAccountNotCreated, got %v", err)
	}
}

func TestReducerAccountCreatedOnce(t *testing.T) {
	rt := newReducerTest(t)
	founder := aura.NewDeviceID()
	pub := effects.SignerFromSeed([]byte("founder")).Public()
	rt.createAccount(founder, pub, aura.Threshold{M: 1, N: 1})
	err := rt.apply(event.TypeAccountCreated, event.AccountCreated{
		Threshold:       aura.Threshold{M: 1, N: 1},
		DeviceID:        founder,
		DevicePublicKey: pub,
	}, event.ByDevice(founder), 2)
	if !errors.Is(err, ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists, got %v", err)
	}
	if rt.s.EventCount != 1 {
		t.Fatalf("rejected event moved the counter to %d", rt.s.EventCount)
	}
}

func TestReducerDeviceTombstone(t *testing.T) {
	rt := newReducerTest(t)
	founder := aura.NewDeviceID()
	rt.createAccount(founder, effects.SignerFromSeed([]byte("founder")).Public(), aura.Threshold{M: 1, N: 2})

	dev := aura.NewDeviceID()
	pub := effects.SignerFromSeed([]byte("second")).Public()
	rt.must(event.TypeDeviceAdded, event.DeviceAdded{DeviceID: dev, PublicKey: pub}, event.ByDevice(founder), 2)

	// Conflicting removals fold to the earliest epoch regardless of order.
	rt.must(event.TypeDeviceRemoved, event.DeviceRemoved{DeviceID: dev}, event.ByDevice(founder), 9)
	rt.must(event.TypeDeviceRemoved, event.DeviceRemoved{DeviceID: dev}, event.ByDevice(founder), 5)
	rec := rt.s.Device(dev)
	if rec == nil || !rec.Removed || rec.RemovedAt != 5 {
		t.Fatalf("expected tombstone at epoch 5, got %+v", rec)
	}

	err := rt.apply(event.TypeDeviceAdded, event.DeviceAdded{DeviceID: dev, PublicKey: pub}, event.ByDevice(founder), 10)
	if !errors.Is(err, ErrDeviceExists) {
		t.Fatalf("tombstoned device id was reusable: %v", err)
	}
	if len(rt.s.ActiveDevices()) != 1 {
		t.Fatalf("expected only the founder active, got %d", len(rt.s.ActiveDevices()))
	}
}

func TestReducerCapabilityRevokeBeforeDelegate(t *testing.T) {
	rt := newReducerTest(t)
	founder := aura.NewDeviceID()
	rt.createAccount(founder, effects.SignerFromSeed([]byte("founder")).Public(), aura.Threshold{M: 1, N: 1})

	token := []byte("capability-token")
	digest := event.TokenDigest(token)
	issuer, subject := aura.NewAuthorityID(), aura.NewAuthorityID()

	// The revocation lands first; the later delegation must not resurrect it.
	rt.must(event.TypeCapabilityRevoked, event.CapabilityRevoked{
		Issuer: issuer, Subject: subject, Scope: "sync", TokenDigest: digest,
	}, event.ByDevice(founder), 3)
	rt.must(event.TypeCapabilityDelegated, event.CapabilityDelegated{
		Issuer: issuer, Subject: subject, Scope: "sync", Token: token,
	}, event.ByDevice(founder), 2)

	rec := rt.s.Capabilities[digest.String()]
	if rec == nil {
		t.Fatal("capability record missing")
	}
	if rec.Active() {
		t.Fatal("revoked capability reported active")
	}
	if rec.Token == nil || rec.DelegatedAt != 2 || rec.RevokedAt != 3 {
		t.Fatalf("fold lost fields: %+v", rec)
	}
}

func TestReducerDkdCommitReveal(t *testing.T) {
	rt := newReducerTest(t)
	founder := aura.NewDeviceID()
	rt.createAccount(founder, effects.SignerFromSeed([]byte("founder")).Public(), aura.Threshold{M: 2, N: 2})

	other := aura.NewDeviceID()
	rt.must(event.TypeDeviceAdded, event.DeviceAdded{
		DeviceID: other, PublicKey: effects.SignerFromSeed([]byte("other")).Public(),
	}, event.ByDevice(founder), 2)

	sid := aura.NewSessionID()
	rt.must(event.TypeDkdInitiated, event.DkdInitiated{
		SessionID:    sid,
		Context:      IdentityContext,
		ContextNonce: []byte("nonce"),
		Participants: []aura.DeviceID{founder, other},
		Threshold:    aura.Threshold{M: 2, N: 2},
	}, event.ByDevice(founder), 3)

	point := []byte("founder-point")
	blind := []byte("founder-blind")

	// A reveal with no prior commitment is a protocol violation.
	err := rt.apply(event.TypeDkdPointRevealed, event.DkdPointRevealed{
		SessionID: sid, Participant: founder, Point: point, BlindingNonce: blind,
	}, event.ByDevice(founder), 4)
	if !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("expected reveal without commitment to fail, got %v", err)
	}

	rt.must(event.TypeDkdCommitmentRecorded, event.DkdCommitmentRecorded{
		SessionID: sid, Participant: founder, Commitment: event.CommitDigest(point, blind),
	}, event.ByDevice(founder), 4)

	// A reveal that does not reproduce the commitment is rejected.
	err = rt.apply(event.TypeDkdPointRevealed, event.DkdPointRevealed{
		SessionID: sid, Participant: founder, Point: []byte("tampered"), BlindingNonce: blind,
	}, event.ByDevice(founder), 5)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected mismatched reveal to fail, got %v", err)
	}

	rt.must(event.TypeDkdPointRevealed, event.DkdPointRevealed{
		SessionID: sid, Participant: founder, Point: point, BlindingNonce: blind,
	}, event.ByDevice(founder), 5)

	// Only the named participant may write its own commitment.
	err = rt.apply(event.TypeDkdCommitmentRecorded, event.DkdCommitmentRecorded{
		SessionID: sid, Participant: other, Commitment: aura.Hash32{1},
	}, event.ByDevice(founder), 6)
	if !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("expected foreign commitment to fail, got %v", err)
	}

	group := effects.SignerFromSeed([]byte("group")).Public()
	rt.must(event.TypeDkdFinalized, event.DkdFinalized{
		SessionID: sid, GroupPublicKey: group,
	}, event.ByDevice(founder), 7)

	if got := rt.s.GroupPublicKey(); string(got) != string(group) {
		t.Fatal("group key not registered under the identity context")
	}
	if rt.s.Session(sid).Status() != SessionCompleted {
		t.Fatalf("expected completed session, got %s", rt.s.Session(sid).Status())
	}
}

func TestReducerSigningFinalize(t *testing.T) {
	rt := newReducerTest(t)
	founder := aura.NewDeviceID()
	rt.createAccount(founder, effects.SignerFromSeed([]byte("founder")).Public(), aura.Threshold{M: 2, N: 3})

	sid := aura.NewSessionID()
	digest := effects.Hash("msg", []byte("pay the invoice"))
	rt.must(event.TypeSigningInitiated, event.SigningInitiated{
		SessionID: sid, MessageDigest: digest, Participants: []aura.DeviceID{founder},
	}, event.ByDevice(founder), 2)

	group := effects.SignerFromSeed([]byte("group"))
	sig := group.Sign(digest[:])

	// No derived identity key yet.
	err := rt.apply(event.TypeSigningFinalized, event.SigningFinalized{
		SessionID: sid, Signature: sig, SignerCount: 2,
	}, event.ByDevice(founder), 3)
	if !errors.Is(err, ErrNoGroupKey) {
		t.Fatalf("expected ErrNoGroupKey, got %v", err)
	}

	rt.s.DerivedKeys[IdentityContext] = &DerivedKey{
		Context: IdentityContext, SessionID: aura.NewSessionID(), GroupPublicKey: group.Public(), FinalizedAt: 1,
	}

	err = rt.apply(event.TypeSigningFinalized, event.SigningFinalized{
		SessionID: sid, Signature: sig, SignerCount: 1,
	}, event.ByDevice(founder), 3)
	if !errors.Is(err, ErrThresholdNotMet) {
		t.Fatalf("expected ErrThresholdNotMet for 1 of 2, got %v", err)
	}

	bad := append([]byte(nil), sig...)
	bad[0] ^= 0xff
	err = rt.apply(event.TypeSigningFinalized, event.SigningFinalized{
		SessionID: sid, Signature: bad, SignerCount: 2,
	}, event.ByDevice(founder), 3)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	rt.must(event.TypeSigningFinalized, event.SigningFinalized{
		SessionID: sid, Signature: sig, SignerCount: 2,
	}, event.ByDevice(founder), 3)
	sess := rt.s.Session(sid)
	if sess.Status() != SessionCompleted || sess.Signing.SignerCount != 2 {
		t.Fatalf("finalize did not complete the session: %+v", sess)
	}
}

func TestReducerResharingEpochGate(t *testing.T) {
	rt := newReducerTest(t)
	founder := aura.NewDeviceID()
	second := aura.NewDeviceID()
	rt.createAccount(founder, effects.SignerFromSeed([]byte("founder")).Public(), aura.Threshold{M: 1, N: 2})
	rt.must(event.TypeDeviceAdded, event.DeviceAdded{
		DeviceID: second, PublicKey: effects.SignerFromSeed([]byte("second")).Public(),
	}, event.ByDevice(founder), 2)

	sid := aura.NewSessionID()
	rt.must(event.TypeResharingInitiated, event.ResharingInitiated{
		SessionID:       sid,
		OldThreshold:    aura.Threshold{M: 1, N: 2},
		NewThreshold:    aura.Threshold{M: 2, N: 2},
		NewParticipants: []aura.DeviceID{founder, second},
	}, event.ByDevice(founder), 3)

	rt.must(event.TypeResharingSubShareRecorded, event.ResharingSubShareRecorded{
		SessionID: sid, From: founder, To: second, SealedSubShare: []byte("sealed"),
	}, event.ByDevice(founder), 4)
	rt.must(event.TypeResharingAckRecorded, event.ResharingAckRecorded{
		SessionID: sid, Participant: second,
	}, event.ByDevice(second), 5)

	rt.must(event.TypeResharingFinalized, event.ResharingFinalized{
		SessionID: sid, NewThreshold: aura.Threshold{M: 2, N: 2}, KeyShareEpoch: 1,
	}, event.ByThreshold([]byte("aggregate"), 1), 6)
	if rt.s.KeyShareEpoch != 1 || rt.s.Threshold.M != 2 {
		t.Fatalf("finalize did not rotate the share epoch: epoch %d threshold %s", rt.s.KeyShareEpoch, rt.s.Threshold)
	}

	// A straggling finalization from an older share epoch must not roll the
	// threshold back.
	sid2 := aura.NewSessionID()
	rt.must(event.TypeResharingInitiated, event.ResharingInitiated{
		SessionID:       sid2,
		OldThreshold:    aura.Threshold{M: 1, N: 2},
		NewThreshold:    aura.Threshold{M: 1, N: 2},
		NewParticipants: []aura.DeviceID{founder, second},
	}, event.ByDevice(founder), 7)
	rt.must(event.TypeResharingFinalized, event.ResharingFinalized{
		SessionID: sid2, NewThreshold: aura.Threshold{M: 1, N: 2}, KeyShareEpoch: 0,
	}, event.ByThreshold([]byte("aggregate"), 1), 8)
	if rt.s.KeyShareEpoch != 1 || rt.s.Threshold.M != 2 {
		t.Fatalf("stale finalize rolled back: epoch %d threshold %s", rt.s.KeyShareEpoch, rt.s.Threshold)
	}
}

func TestReducerRecoveryFlow(t *testing.T) {
	rt := newReducerTest(t)
	founder := aura.NewDeviceID()
	rt.createAccount(founder, effects.SignerFromSeed([]byte("founder")).Public(), aura.Threshold{M: 1, N: 1})

	guardians := make([]aura.GuardianID, 3)
	for i := range guardians {
		guardians[i] = aura.NewGuardianID()
		rt.must(event.TypeGuardianAdded, event.GuardianAdded{
			GuardianID: guardians[i],
			PublicKey:  effects.SignerFromSeed([]byte{byte(i)}).Public(),
		}, event.ByDevice(founder), 2)
	}

	sid := aura.NewSessionID()
	newDev := aura.NewDeviceID()
	newPub := effects.SignerFromSeed([]byte("replacement")).Public()
	rt.must(event.TypeRecoveryInitiated, event.RecoveryInitiated{
		SessionID:          sid,
		LostDevice:         founder,
		NewDevice:          newDev,
		NewDevicePublicKey: newPub,
		GuardianThreshold:  aura.Threshold{M: 2, N: 3},
	}, event.ByDevice(newDev), 10)

	// One approval is not enough to complete.
	rt.must(event.TypeGuardianApprovalCollected, event.GuardianApprovalCollected{
		SessionID: sid, Guardian: guardians[0],
	}, event.ByDevice(aura.DeviceID(guardians[0])), 11)
	err := rt.apply(event.TypeRecoveryCompleted, event.RecoveryCompleted{
		SessionID: sid, NewDevice: newDev, NewDevicePublicKey: newPub,
	}, event.ByThreshold([]byte("aggregate"), 2), 12)
	if !errors.Is(err, ErrThresholdNotMet) {
		t.Fatalf("expected ErrThresholdNotMet with one approval, got %v", err)
	}

	rt.must(event.TypeGuardianApprovalCollected, event.GuardianApprovalCollected{
		SessionID: sid, Guardian: guardians[1],
	}, event.ByDevice(aura.DeviceID(guardians[1])), 12)

	// Guardian shares go through commit-reveal over the sealed payload.
	share := []byte("sealed-share-for-new-device")
	nonce := []byte("reveal-nonce")
	rt.must(event.TypeRecoveryShareCommitted, event.RecoveryShareCommitted{
		SessionID: sid, Guardian: guardians[0], Commitment: event.CommitDigest(share, nonce),
	}, event.ByDevice(aura.DeviceID(guardians[0])), 13)
	err = rt.apply(event.TypeRecoveryShareSubmitted, event.RecoveryShareSubmitted{
		SessionID: sid, Guardian: guardians[0], SealedShare: []byte("swapped"), RevealNonce: nonce,
	}, event.ByDevice(aura.DeviceID(guardians[0])), 14)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected mismatched share reveal to fail, got %v", err)
	}
	rt.must(event.TypeRecoveryShareSubmitted, event.RecoveryShareSubmitted{
		SessionID: sid, Guardian: guardians[0], SealedShare: share, RevealNonce: nonce,
	}, event.ByDevice(aura.DeviceID(guardians[0])), 14)

	rt.must(event.TypeRecoveryCompleted, event.RecoveryCompleted{
		SessionID: sid, NewDevice: newDev, NewDevicePublicKey: newPub,
	}, event.ByThreshold([]byte("aggregate"), 2), 15)

	if !rt.s.Device(newDev).Active() {
		t.Fatal("recovered device not registered")
	}
	if rt.s.Device(founder).Active() {
		t.Fatal("lost device still active after recovery")
	}
	if rt.s.LastRecoveryEpoch != 15 {
		t.Fatalf("expected LastRecoveryEpoch 15, got %d", rt.s.LastRecoveryEpoch)
	}
	if rt.s.Session(sid).Status() != SessionCompleted {
		t.Fatalf("expected completed recovery, got %s", rt.s.Session(sid).Status())
	}
}

func TestReducerLockArbitration(t *testing.T) {
	rt := newReducerTest(t)
	founder := aura.NewDeviceID()
	second := aura.NewDeviceID()
	rt.createAccount(founder, effects.SignerFromSeed([]byte("founder")).Public(), aura.Threshold{M: 1, N: 2})
	rt.must(event.TypeDeviceAdded, event.DeviceAdded{
		DeviceID: second, PublicKey: effects.SignerFromSeed([]byte("second")).Public(),
	}, event.ByDevice(founder), 2)

	ctx := aura.NewContextID()
	sid := event.LockSessionID(event.ProtocolSigning, ctx, 0)

	// Both contenders derive the same session id and their tickets from their
	// own chain heads; with no parent the head is the zero hash.
	request := func(dev aura.DeviceID, ticket aura.Hash32) error {
		return rt.apply(event.TypeLockRequested, event.LockRequested{
			SessionID: sid, Operation: event.ProtocolSigning, ContextID: ctx, Ticket: ticket,
		}, event.ByDevice(dev), 5)
	}

	if err := request(founder, aura.Hash32{0xff}); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("forged ticket accepted: %v", err)
	}
	if err := request(founder, event.LotteryTicket(founder, aura.Hash32{})); err != nil {
		t.Fatalf("founder request: %v", err)
	}
	if err := request(second, event.LotteryTicket(second, aura.Hash32{})); err != nil {
		t.Fatalf("second request: %v", err)
	}

	sess := rt.s.Session(sid)
	if len(sess.Lock.Tickets) != 2 {
		t.Fatalf("expected 2 tickets, got %d", len(sess.Lock.Tickets))
	}
	winner, ok := sess.Lock.SmallestTicket()
	if !ok {
		t.Fatal("no winner derived")
	}

	rt.must(event.TypeLockGranted, event.LockGranted{
		SessionID: sid, Operation: event.ProtocolSigning, Winner: winner,
	}, event.ByDevice(winner), 6)
	rt.must(event.TypeLockReleased, event.LockReleased{
		SessionID: sid, Operation: event.ProtocolSigning,
	}, event.ByDevice(winner), 7)

	sess = rt.s.Session(sid)
	if !sess.Lock.Granted || sess.Lock.Winner != winner || !sess.Lock.Released {
		t.Fatalf("lock lifecycle lost state: %+v", sess.Lock)
	}
	if sess.Status() != SessionCompleted {
		t.Fatalf("released lock session is %s", sess.Status())
	}
}

func TestReducerLifecycleOutsideCounters(t *testing.T) {
	rt := newReducerTest(t)
	founder := aura.NewDeviceID()
	rt.createAccount(founder, effects.SignerFromSeed([]byte("founder")).Public(), aura.Threshold{M: 1, N: 1})

	before := rt.s.EventCount
	hashBefore, err := rt.s.ComputeStateHash()
	if err != nil {
		t.Fatal(err)
	}
	rt.must(event.TypeEpochTick, event.EpochTick{Reason: "timer"}, event.ByLifecycle(), 50)

	if rt.s.EventCount != before {
		t.Fatalf("lifecycle event moved the hashed counter to %d", rt.s.EventCount)
	}
	if rt.s.LamportClock < 50 {
		t.Fatalf("lifecycle event did not advance the clock: %d", rt.s.LamportClock)
	}
	hashAfter, err := rt.s.ComputeStateHash()
	if err != nil {
		t.Fatal(err)
	}
	if hashBefore != hashAfter {
		t.Fatal("epoch tick changed the replicated state hash")
	}
}

func TestReducerShareDeletionKeepsEarliestDeadline(t *testing.T) {
	rt := newReducerTest(t)
	founder := aura.NewDeviceID()
	rt.createAccount(founder, effects.SignerFromSeed([]byte("founder")).Public(), aura.Threshold{M: 1, N: 1})

	sid := aura.NewSessionID()
	rt.must(event.TypeSigningInitiated, event.SigningInitiated{
		SessionID: sid, MessageDigest: aura.Hash32{1}, Participants: []aura.DeviceID{founder},
	}, event.ByDevice(founder), 2)

	rt.must(event.TypeSharesMarkedForDeletion, event.SharesMarkedForDeletion{
		SessionID: sid, TTLEpochs: 100,
	}, event.ByDevice(founder), 10)
	rt.must(event.TypeSharesMarkedForDeletion, event.SharesMarkedForDeletion{
		SessionID: sid, TTLEpochs: 10,
	}, event.ByDevice(founder), 20)

	mark := rt.s.ShareDeletions[sid]
	if mark == nil || mark.DueAt() != 30 {
		t.Fatalf("expected earliest deadline 30, got %+v", mark)
	}
}

func TestReducerSessionTimedOutUsesPayloadEpoch(t *testing.T) {
	rt := newReducerTest(t)
	founder := aura.NewDeviceID()
	rt.createAccount(founder, effects.SignerFromSeed([]byte("founder")).Public(), aura.Threshold{M: 1, N: 1})

	sid := aura.NewSessionID()
	rt.must(event.TypeSigningInitiated, event.SigningInitiated{
		SessionID: sid, MessageDigest: aura.Hash32{1}, Participants: []aura.DeviceID{founder},
	}, event.ByDevice(founder), 2)
	rt.must(event.TypeSessionTimedOut, event.SessionTimedOut{
		SessionID: sid, AtEpoch: 40,
	}, event.ByDevice(founder), 55)

	sess := rt.s.Session(sid)
	if sess.Status() != SessionTimedOut || sess.TimedOutAt != 40 {
		t.Fatalf("expected timeout recorded at epoch 40, got %s at %d", sess.Status(), sess.TimedOutAt)
	}
}

// TestReducerOrderIndependence applies the same event set in two different
// cross-author interleavings and expects identical state hashes. Per-author
// prefixes stay intact, mirroring what a merge can actually observe.
func TestReducerOrderIndependence(t *testing.T) {
	account := aura.NewAccountID()
	founder, other := aura.NewDeviceID(), aura.NewDeviceID()
	sid := aura.NewSessionID()

	pointA, blindA := []byte("point-a"), []byte("blind-a")
	pointB, blindB := []byte("point-b"), []byte("blind-b")
	group := effects.SignerFromSeed([]byte("group")).Public()

	var nonce uint64
	mk := func(t *testing.T, typ event.EventType, payload any, auth event.Authorization, epoch uint64) *event.Event {
		t.Helper()
		nonce++
		e, err := event.New(event.Params{
			AccountID:     account,
			Timestamp:     1700000000000,
			Nonce:         nonce,
			EpochAtWrite:  epoch,
			Type:          typ,
			Payload:       payload,
			Authorization: auth,
		})
		if err != nil {
			t.Fatalf("build %s: %v", typ, err)
		}
		return e
	}

	create := mk(t, event.TypeAccountCreated, event.AccountCreated{
		Threshold: aura.Threshold{M: 2, N: 2}, DeviceID: founder,
		DevicePublicKey: effects.SignerFromSeed([]byte("founder")).Public(),
	}, event.ByDevice(founder), 1)
	addOther := mk(t, event.TypeDeviceAdded, event.DeviceAdded{
		DeviceID: other, PublicKey: effects.SignerFromSeed([]byte("other")).Public(),
	}, event.ByDevice(founder), 2)
	initiate := mk(t, event.TypeDkdInitiated, event.DkdInitiated{
		SessionID: sid, Context: IdentityContext, ContextNonce: []byte("n"),
		Participants: []aura.DeviceID{founder, other}, Threshold: aura.Threshold{M: 2, N: 2},
	}, event.ByDevice(founder), 3)
	commitA := mk(t, event.TypeDkdCommitmentRecorded, event.DkdCommitmentRecorded{
		SessionID: sid, Participant: founder, Commitment: event.CommitDigest(pointA, blindA),
	}, event.ByDevice(founder), 4)
	commitB := mk(t, event.TypeDkdCommitmentRecorded, event.DkdCommitmentRecorded{
		SessionID: sid, Participant: other, Commitment: event.CommitDigest(pointB, blindB),
	}, event.ByDevice(other), 4)
	revealA := mk(t, event.TypeDkdPointRevealed, event.DkdPointRevealed{
		SessionID: sid, Participant: founder, Point: pointA, BlindingNonce: blindA,
	}, event.ByDevice(founder), 5)
	revealB := mk(t, event.TypeDkdPointRevealed, event.DkdPointRevealed{
		SessionID: sid, Participant: other, Point: pointB, BlindingNonce: blindB,
	}, event.ByDevice(other), 5)
	finalize := mk(t, event.TypeDkdFinalized, event.DkdFinalized{
		SessionID: sid, GroupPublicKey: group,
	}, event.ByDevice(founder), 6)

	orders := [][]*event.Event{
		{create, addOther, initiate, commitA, commitB, revealA, revealB, finalize},
		{create, addOther, initiate, commitB, revealB, commitA, revealA, finalize},
	}

	var hashes []aura.Hash32
	for i, order := range orders {
		r := NewReducer()
		s := NewAccountState()
		for _, e := range order {
			if err := r.Apply(s, e); err != nil {
				t.Fatalf("order %d: apply %s: %v", i, e.Type, err)
			}
		}
		h, err := s.ComputeStateHash()
		if err != nil {
			t.Fatal(err)
		}
		hashes = append(hashes, h)
	}
	if hashes[0] != hashes[1] {
		t.Fatal("apply order leaked into the state hash")
	}
}
