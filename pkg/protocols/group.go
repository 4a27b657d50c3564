package protocols

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/aura-net/aura/pkg/aura"
	"github.com/aura-net/aura/pkg/effects"
	"github.com/aura-net/aura/pkg/ledger"
)

// ErrNoDerivation is returned when the ledger holds no finished derivation
// round for the requested session.
var ErrNoDerivation = errors.New("no finalized derivation for session")

// Transcript folds one derivation round into a single digest: the context,
// the context nonce, and every participant's revealed point in participant
// order. Any device that observed the same round computes the same value.
func Transcript(context string, nonce []byte, participants []aura.DeviceID, points map[aura.DeviceID][]byte) (aura.Hash32, error) {
	parts := make([][]byte, 0, 2+2*len(participants))
	parts = append(parts, []byte(context), nonce)
	for _, id := range participants {
		point, ok := points[id]
		if !ok {
			return aura.Hash32{}, fmt.Errorf("transcript missing point for %s", id)
		}
		parts = append(parts, id.Bytes(), point)
	}
	return effects.Hash("aura dkd transcript v1", parts...), nil
}

// GroupSeed derives the group signing seed from a round transcript.
//
// The derivation is the stand-in threshold algebra: the seed is computable
// from the round transcript, which keeps every participant's view
// consistent and gives the share set a real m-of-n reconstruction
// property. A production deployment substitutes a FROST ceremony behind the
// same functions; the ledger only ever sees the aggregate public key and
// opaque signatures, so nothing outside this package changes.
func GroupSeed(transcript aura.Hash32) [32]byte {
	return effects.DeriveKey32("aura dkd group v1", transcript[:])
}

// GroupSigner wraps the seed into an Ed25519 signer for aggregate
// signatures.
func GroupSigner(seed [32]byte) *effects.Signer {
	return effects.SignerFromSeed(seed[:])
}

// DeriveShareSet splits the group seed for the participant set. The split
// is seeded from the seed itself, so every participant derives the same
// share values and keeps only its own.
func DeriveShareSet(seed [32]byte, th aura.Threshold) ([]Share, error) {
	rnd := effects.NewSeededRand(effects.DeriveSeed(seed[:], "aura dkd share split v1"))
	return Split(seed[:], int(th.M), int(th.N), rnd)
}

// DeriveGuardianShares splits the group seed for the guardian set under the
// guardian threshold. Guardian shares use a distinct split so device and
// guardian share sets cannot be mixed in one reconstruction.
func DeriveGuardianShares(seed [32]byte, th aura.Threshold) ([]Share, error) {
	rnd := effects.NewSeededRand(effects.DeriveSeed(seed[:], "aura guardian share split v1"))
	return Split(seed[:], int(th.M), int(th.N), rnd)
}

// GroupFromState recomputes the group seed from a finalized derivation
// session on the reduced state and checks it against the recorded group
// public key.
func GroupFromState(st *ledger.AccountState, keySession aura.SessionID) ([32]byte, error) {
	sess := st.Session(keySession)
	if sess == nil || sess.Dkd == nil || sess.Dkd.GroupPublicKey == nil {
		return [32]byte{}, fmt.Errorf("%w: %s", ErrNoDerivation, keySession)
	}
	points := make(map[aura.DeviceID][]byte, len(sess.Dkd.Points))
	for id, p := range sess.Dkd.Points {
		points[id] = p.Point
	}
	transcript, err := Transcript(sess.Dkd.Context, sess.Dkd.ContextNonce, sess.Participants, points)
	if err != nil {
		return [32]byte{}, err
	}
	seed := GroupSeed(transcript)
	if !bytes.Equal(GroupSigner(seed).Public(), sess.Dkd.GroupPublicKey) {
		return [32]byte{}, fmt.Errorf("recomputed group key does not match session %s", keySession)
	}
	return seed, nil
}

// participantIndex returns the 1-based share index of a device in an
// ordered participant list, 0 when absent.
func participantIndex(participants []aura.DeviceID, id aura.DeviceID) uint8 {
	for i, p := range participants {
		if p == id {
			return uint8(i + 1)
		}
	}
	return 0
}

// sortedDeviceIDs is used when an ordered view over a map is needed.
func sortedDeviceIDs(m map[aura.DeviceID][]byte) []aura.DeviceID {
	out := make([]aura.DeviceID, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
