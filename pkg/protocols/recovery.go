package protocols

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/aura-net/aura/pkg/aura"
	"github.com/aura-net/aura/pkg/effects"
	"github.com/aura-net/aura/pkg/event"
	"github.com/aura-net/aura/pkg/ledger"
	"github.com/aura-net/aura/pkg/runtime"
)

// Recovery reconstructs the identity key for a replacement device with
// guardian cooperation. The new device opens the session; guardians
// approve, commit to their sealed shares, and reveal once the guardian
// threshold of commitments is on the ledger. The new device combines the
// shares and finalizes with a threshold signature, which also registers
// its key. The reducer enforces the cooldown between attempts.
type Recovery struct {
	SessionID     aura.SessionID
	KeySession    aura.SessionID
	KeyContext    string
	LostDevice    aura.DeviceID
	TimeoutEpochs uint64
}

func (p *Recovery) timeout() uint64 {
	if p.TimeoutEpochs == 0 {
		return DefaultProtocolTimeoutEpochs
	}
	return p.TimeoutEpochs
}

// RecoveryResult is what the replacement device walks away with. Seed is
// the recovered group signing seed; the caller should reshare onto a fresh
// device set promptly and zeroize it.
type RecoveryResult struct {
	GroupPublicKey []byte
	Seed           [32]byte
}

// recoveryWrapKey seals a guardian share to the recovering device. The new
// device has no registered identity yet, so the wrap is bound to the public
// key the opening event names.
func recoveryWrapKey(sid aura.SessionID, newDevicePub []byte) [32]byte {
	return effects.DeriveKey32("aura recovery wrap v1:"+sid.String(), newDevicePub)
}

// RunNewDevice is the recovering device's side of the session. The writer
// behind the coroutine must sign with the key announced in the opening
// event; that is the one signature the ledger accepts from an unregistered
// device.
func (p *Recovery) RunNewDevice(ctx context.Context, co *runtime.Coroutine, d *Deps, newDevicePub []byte, guardianThreshold aura.Threshold) (*RecoveryResult, error) {
	co.BindSession(p.SessionID)

	if err := guardianThreshold.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", runtime.ErrInvalidOperation, err)
	}
	if _, err := co.WriteToLedger(event.TypeRecoveryInitiated, event.RecoveryInitiated{
		SessionID:          p.SessionID,
		LostDevice:         p.LostDevice,
		NewDevice:          co.Device(),
		NewDevicePublicKey: newDevicePub,
		GuardianThreshold:  guardianThreshold,
	}); err != nil {
		return nil, err
	}

	need := int(guardianThreshold.M)
	submitted, err := collectDistinct(ctx, co,
		event.BySession(p.SessionID, event.TypeRecoveryShareSubmitted), need, p.timeout(),
		func(e *event.Event) (string, bool) {
			var s event.RecoveryShareSubmitted
			if err := e.DecodePayload(&s); err != nil {
				return "", false
			}
			return s.Guardian.String(), true
		})
	if err != nil {
		return nil, err
	}

	wrapKey := recoveryWrapKey(p.SessionID, newDevicePub)
	guardianOrder := sortedGuardianIDs(co.LedgerState())
	shares := make([]Share, 0, need)
	for _, e := range submitted {
		var s event.RecoveryShareSubmitted
		if err := e.DecodePayload(&s); err != nil {
			return nil, fmt.Errorf("%w: %v", runtime.ErrCryptoFailure, err)
		}
		idx := guardianIndex(guardianOrder, s.Guardian)
		if idx == 0 {
			return nil, fmt.Errorf("%w: share from unknown guardian %s", runtime.ErrCryptoFailure, s.Guardian)
		}
		value, err := effects.Unseal(wrapKey, co.Device().Bytes(), s.SealedShare)
		if err != nil {
			return nil, fmt.Errorf("%w: share from %s: %v", runtime.ErrCryptoFailure, s.Guardian, err)
		}
		shares = append(shares, Share{Index: idx, Value: value})
	}
	defer func() {
		for i := range shares {
			shares[i].Zero()
		}
	}()

	secret, err := Reconstruct(shares, need)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", runtime.ErrCryptoFailure, err)
	}
	var seed [32]byte
	copy(seed[:], secret)
	effects.Zeroize(secret)

	groupPub := co.LedgerState().GroupPublicKey()
	if !bytes.Equal(GroupSigner(seed).Public(), groupPub) {
		return nil, fmt.Errorf("%w: reconstructed key does not match account identity", runtime.ErrCryptoFailure)
	}

	if _, err := d.writeThreshold(seed, event.TypeRecoveryCompleted, event.RecoveryCompleted{
		SessionID:          p.SessionID,
		NewDevice:          co.Device(),
		NewDevicePublicKey: newDevicePub,
	}, uint32(need)); err != nil {
		return nil, err
	}
	return &RecoveryResult{GroupPublicKey: append([]byte(nil), groupPub...), Seed: seed}, nil
}

// RunGuardian is one guardian's side of the session. The coroutine's writer
// signs under the guardian id. Approve false records nothing and returns.
func (p *Recovery) RunGuardian(ctx context.Context, co *runtime.Coroutine, d *Deps, approve bool) error {
	co.BindSession(p.SessionID)

	e, err := co.AwaitEvent(ctx, event.BySession(p.SessionID, event.TypeRecoveryInitiated), p.timeout())
	if err != nil {
		return err
	}
	var params event.RecoveryInitiated
	if err := e.DecodePayload(&params); err != nil {
		return fmt.Errorf("%w: %v", runtime.ErrInvalidOperation, err)
	}
	if !approve {
		return nil
	}

	me := aura.GuardianID(co.Device())
	if _, err := co.WriteToLedger(event.TypeGuardianApprovalCollected, event.GuardianApprovalCollected{
		SessionID: p.SessionID,
		Guardian:  me,
	}); err != nil {
		return err
	}

	need := int(params.GuardianThreshold.M)
	if _, err := collectDistinct(ctx, co,
		event.BySession(p.SessionID, event.TypeGuardianApprovalCollected), need, p.timeout(),
		func(e *event.Event) (string, bool) {
			var a event.GuardianApprovalCollected
			if err := e.DecodePayload(&a); err != nil {
				return "", false
			}
			return a.Guardian.String(), true
		}); err != nil {
		return err
	}

	myIdx := guardianIndex(sortedGuardianIDs(co.LedgerState()), me)
	if myIdx == 0 {
		return fmt.Errorf("%w: %s is not an enrolled guardian", runtime.ErrInvalidOperation, me)
	}
	ks, err := d.Shares.Load(ctx, p.KeySession, p.KeyContext, myIdx)
	if err != nil {
		return fmt.Errorf("%w: load guardian share: %v", runtime.ErrCryptoFailure, err)
	}
	defer ks.Zero()

	sealed, err := effects.Seal(
		recoveryWrapKey(p.SessionID, params.NewDevicePublicKey),
		params.NewDevice.Bytes(), ks.Share.Value, d.Rand)
	if err != nil {
		return fmt.Errorf("%w: %v", runtime.ErrCryptoFailure, err)
	}

	nonce := d.Rand.Bytes(32)
	if _, err := co.WriteToLedger(event.TypeRecoveryShareCommitted, event.RecoveryShareCommitted{
		SessionID:  p.SessionID,
		Guardian:   me,
		Commitment: event.CommitDigest(sealed, nonce),
	}); err != nil {
		return err
	}

	if _, err := collectDistinct(ctx, co,
		event.BySession(p.SessionID, event.TypeRecoveryShareCommitted), need, p.timeout(),
		func(e *event.Event) (string, bool) {
			var c event.RecoveryShareCommitted
			if err := e.DecodePayload(&c); err != nil {
				return "", false
			}
			return c.Guardian.String(), true
		}); err != nil {
		return err
	}

	_, err = co.WriteToLedger(event.TypeRecoveryShareSubmitted, event.RecoveryShareSubmitted{
		SessionID:   p.SessionID,
		Guardian:    me,
		SealedShare: sealed,
		RevealNonce: nonce,
	})
	return err
}

// guardianIndex maps a guardian to its 1-based share index in the ordered
// guardian set fixed at enrollment.
func guardianIndex(order []aura.GuardianID, id aura.GuardianID) uint8 {
	for i, g := range order {
		if g == id {
			return uint8(i + 1)
		}
	}
	return 0
}

// sortedGuardianIDs returns every guardian on the account, active or
// tombstoned, in id order. Tombstoned guardians keep their slot so indices
// stay stable across removals.
func sortedGuardianIDs(st *ledger.AccountState) []aura.GuardianID {
	out := make([]aura.GuardianID, 0, len(st.Guardians))
	for id := range st.Guardians {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
