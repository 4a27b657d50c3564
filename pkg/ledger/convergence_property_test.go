//go:build property
// +build property

// Package ledger_test contains property-based tests for merge convergence
// and replay protection.
package ledger_test

import (
	"io"
	"log/slog"
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/aura-net/aura/pkg/aura"
	"github.com/aura-net/aura/pkg/effects"
	"github.com/aura-net/aura/pkg/event"
	"github.com/aura-net/aura/pkg/ledger"
)

func quietLedger(account aura.AccountID) *ledger.Ledger {
	return ledger.New(account, ledger.Config{},
		ledger.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

type fixtureDevice struct {
	id     aura.DeviceID
	signer *effects.Signer
}

// buildFixture produces one valid multi-device history: account creation,
// enrollment, a full key derivation round, and capability churn.
func buildFixture(t *testing.T) (aura.AccountID, []*event.Event, aura.Hash32) {
	t.Helper()
	account := aura.NewAccountID()
	l := quietLedger(account)

	a := fixtureDevice{id: aura.NewDeviceID(), signer: effects.SignerFromSeed([]byte("prop-a"))}
	b := fixtureDevice{id: aura.NewDeviceID(), signer: effects.SignerFromSeed([]byte("prop-b"))}
	wa := ledger.NewWriter(l, a.id, a.signer, effects.SystemClock{})
	wb := ledger.NewWriter(l, b.id, b.signer, effects.SystemClock{})

	step := func(w *ledger.Writer, epoch uint64, typ event.EventType, payload any) {
		t.Helper()
		if _, err := w.Write(epoch, typ, payload); err != nil {
			t.Fatalf("fixture %s: %v", typ, err)
		}
	}

	step(wa, 1, event.TypeAccountCreated, event.AccountCreated{
		Threshold: aura.Threshold{M: 2, N: 2}, DeviceID: a.id, DevicePublicKey: a.signer.Public(),
	})
	step(wa, 2, event.TypeDeviceAdded, event.DeviceAdded{DeviceID: b.id, PublicKey: b.signer.Public()})
	step(wa, 3, event.TypeGuardianAdded, event.GuardianAdded{
		GuardianID: aura.NewGuardianID(), PublicKey: effects.SignerFromSeed([]byte("prop-g")).Public(),
	})

	sid := aura.NewSessionID()
	step(wa, 4, event.TypeDkdInitiated, event.DkdInitiated{
		SessionID: sid, Context: ledger.IdentityContext, ContextNonce: []byte("prop"),
		Participants: []aura.DeviceID{a.id, b.id}, Threshold: aura.Threshold{M: 2, N: 2},
	})
	pa, ba := []byte("point-a"), []byte("blind-a")
	pb, bb := []byte("point-b"), []byte("blind-b")
	step(wa, 5, event.TypeDkdCommitmentRecorded, event.DkdCommitmentRecorded{
		SessionID: sid, Participant: a.id, Commitment: event.CommitDigest(pa, ba),
	})
	step(wb, 5, event.TypeDkdCommitmentRecorded, event.DkdCommitmentRecorded{
		SessionID: sid, Participant: b.id, Commitment: event.CommitDigest(pb, bb),
	})
	step(wa, 6, event.TypeDkdPointRevealed, event.DkdPointRevealed{
		SessionID: sid, Participant: a.id, Point: pa, BlindingNonce: ba,
	})
	step(wb, 6, event.TypeDkdPointRevealed, event.DkdPointRevealed{
		SessionID: sid, Participant: b.id, Point: pb, BlindingNonce: bb,
	})
	step(wa, 7, event.TypeDkdFinalized, event.DkdFinalized{
		SessionID: sid, GroupPublicKey: effects.SignerFromSeed([]byte("prop-group")).Public(),
	})

	token := []byte("prop-token")
	step(wb, 8, event.TypeCapabilityDelegated, event.CapabilityDelegated{
		Issuer: aura.NewAuthorityID(), Subject: aura.NewAuthorityID(), Scope: "sync", Token: token,
	})
	step(wb, 9, event.TypeCapabilityRevoked, event.CapabilityRevoked{
		TokenDigest: event.TokenDigest(token),
	})

	hash, err := l.StateHash()
	if err != nil {
		t.Fatal(err)
	}
	return account, l.Events(), hash
}

// TestMergeOrderConvergence verifies that a replica reaches the same state
// hash no matter how a batch of valid events is ordered.
// Property: Merge(shuffle(log)) yields StateHash(log) for any shuffle
func TestMergeOrderConvergence(t *testing.T) {
	account, events, want := buildFixture(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("merge converges under any batch order", prop.ForAll(
		func(seed int64) bool {
			shuffled := make([]*event.Event, len(events))
			copy(shuffled, events)
			r := rand.New(rand.NewSource(seed))
			r.Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})

			replica := quietLedger(account)
			accepted, rejected := replica.Merge(shuffled)
			if accepted != len(events) || len(rejected) != 0 {
				return false
			}
			got, err := replica.StateHash()
			if err != nil {
				return false
			}
			return got == want
		},
		gen.Int64(),
	))

	properties.TestingRun(t)
}

// TestPartitionedReplicasConverge verifies that two replicas writing
// independently during a partition agree after exchanging logs.
// Property: mergeBoth(A, B) implies StateHash(A) == StateHash(B)
func TestPartitionedReplicasConverge(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("partitioned writes converge after exchange", prop.ForAll(
		func(guardians, capabilities int) bool {
			account := aura.NewAccountID()
			a := fixtureDevice{id: aura.NewDeviceID(), signer: effects.SignerFromSeed([]byte("part-a"))}
			b := fixtureDevice{id: aura.NewDeviceID(), signer: effects.SignerFromSeed([]byte("part-b"))}

			la := quietLedger(account)
			wa := ledger.NewWriter(la, a.id, a.signer, effects.SystemClock{})
			if _, err := wa.Write(1, event.TypeAccountCreated, event.AccountCreated{
				Threshold: aura.Threshold{M: 1, N: 2}, DeviceID: a.id, DevicePublicKey: a.signer.Public(),
			}); err != nil {
				return false
			}
			if _, err := wa.Write(2, event.TypeDeviceAdded, event.DeviceAdded{
				DeviceID: b.id, PublicKey: b.signer.Public(),
			}); err != nil {
				return false
			}

			lb := quietLedger(account)
			if _, rej := lb.Merge(la.Events()); len(rej) != 0 {
				return false
			}

			// Partition: each side writes alone.
			for i := 0; i < guardians; i++ {
				if _, err := wa.Write(uint64(3+i), event.TypeGuardianAdded, event.GuardianAdded{
					GuardianID: aura.NewGuardianID(),
					PublicKey:  effects.SignerFromSeed([]byte{byte(i)}).Public(),
				}); err != nil {
					return false
				}
			}
			wb := ledger.NewWriter(lb, b.id, b.signer, effects.SystemClock{})
			for i := 0; i < capabilities; i++ {
				if _, err := wb.Write(uint64(3+i), event.TypeCapabilityDelegated, event.CapabilityDelegated{
					Issuer:  aura.NewAuthorityID(),
					Subject: aura.NewAuthorityID(),
					Scope:   "sync",
					Token:   []byte{byte(i), 0x01},
				}); err != nil {
					return false
				}
			}

			// Heal: both directions.
			if _, rej := la.Merge(lb.Events()); len(rej) != 0 {
				return false
			}
			if _, rej := lb.Merge(la.Events()); len(rej) != 0 {
				return false
			}

			ha, err := la.StateHash()
			if err != nil {
				return false
			}
			hb, err := lb.StateHash()
			if err != nil {
				return false
			}
			return ha == hb
		},
		gen.IntRange(0, 6),
		gen.IntRange(1, 6),
	))

	properties.TestingRun(t)
}

// TestNonceWindowNeverReadmits verifies replay protection over arbitrary
// mark sequences.
// Property: Mark(n) after Mark(n) is always false, Seen(n) always true
func TestNonceWindowNeverReadmits(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("marked nonces never re-admit", prop.ForAll(
		func(nonces []uint64) bool {
			w := ledger.NewNonceWindow()
			seen := make(map[uint64]bool, len(nonces))
			for _, n := range nonces {
				fresh := w.Mark(n)
				if fresh == seen[n] {
					return false
				}
				seen[n] = true
			}
			for n := range seen {
				if !w.Seen(n) || w.Mark(n) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt64Range(0, 48)),
	))

	properties.TestingRun(t)
}
