package protocols

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aura-net/aura/pkg/aura"
	"github.com/aura-net/aura/pkg/effects"
	"github.com/aura-net/aura/pkg/event"
	"github.com/aura-net/aura/pkg/runtime"
)

// DefaultShareTTLEpochs is how long superseded share material stays on disk
// after a reshare before the janitor may delete it.
const DefaultShareTTLEpochs = 16

// Resharing transitions the account from its current threshold to a new
// one, possibly over a different device set. Old holders deal sub-shares,
// new participants combine and acknowledge, and the initiator finalizes
// with a threshold signature, bumping the key share epoch.
type Resharing struct {
	SessionID       aura.SessionID
	KeySession      aura.SessionID
	KeyContext      string
	NewThreshold    aura.Threshold
	NewParticipants []aura.DeviceID
	Initiator       bool
	TTLEpochs       uint64
	TimeoutEpochs   uint64
}

func (p *Resharing) timeout() uint64 {
	if p.TimeoutEpochs == 0 {
		return DefaultProtocolTimeoutEpochs
	}
	return p.TimeoutEpochs
}

func (p *Resharing) ttl() uint64 {
	if p.TTLEpochs == 0 {
		return DefaultShareTTLEpochs
	}
	return p.TTLEpochs
}

// reshareWrapKey seals a sub-share for one recipient in one session.
func reshareWrapKey(sid aura.SessionID, to aura.DeviceID, groupPub []byte) [32]byte {
	return effects.DeriveKey32("aura reshare wrap v1:"+sid.String()+":"+to.String(), groupPub)
}

// Run executes the resharing script for this device, which may act as an
// old holder, a new participant, or both.
func (p *Resharing) Run(ctx context.Context, co *runtime.Coroutine, d *Deps) error {
	co.BindSession(p.SessionID)

	st := co.LedgerState()
	oldThreshold := st.Threshold
	oldM := int(oldThreshold.M)

	var params event.ResharingInitiated
	if p.Initiator {
		if err := p.NewThreshold.Validate(); err != nil {
			return fmt.Errorf("%w: %v", runtime.ErrInvalidOperation, err)
		}
		params = event.ResharingInitiated{
			SessionID:       p.SessionID,
			OldThreshold:    oldThreshold,
			NewThreshold:    p.NewThreshold,
			NewParticipants: p.NewParticipants,
		}
		if _, err := co.WriteToLedger(event.TypeResharingInitiated, params); err != nil {
			return err
		}
	} else {
		e, err := co.AwaitEvent(ctx, event.BySession(p.SessionID, event.TypeResharingInitiated), p.timeout())
		if err != nil {
			return err
		}
		if err := e.DecodePayload(&params); err != nil {
			return fmt.Errorf("%w: %v", runtime.ErrInvalidOperation, err)
		}
	}

	keySess := st.Session(p.KeySession)
	if keySess == nil || keySess.Dkd == nil {
		return fmt.Errorf("%w: derivation session %s", runtime.ErrSessionNotFound, p.KeySession)
	}
	groupPub := keySess.Dkd.GroupPublicKey

	// Old holders are the key session's participants in their original
	// share-index order.
	oldIndex := participantIndex(keySess.Participants, co.Device())
	newIndex := participantIndex(params.NewParticipants, co.Device())

	// All new participants must fold pieces from one agreed dealer set or
	// their shares are mutually inconsistent; the first oldM holders in
	// share-index order are that set.
	dealers := keySess.Participants[:oldM]

	if oldIndex != 0 && int(oldIndex) <= oldM {
		if err := p.dealSubShares(ctx, co, d, params, oldIndex, groupPub); err != nil {
			return err
		}
	}
	if newIndex != 0 {
		if err := p.combineSubShares(ctx, co, d, params, dealers, newIndex, groupPub); err != nil {
			return err
		}
	}

	if p.Initiator {
		acks, err := collectDistinct(ctx, co,
			event.BySession(p.SessionID, event.TypeResharingAckRecorded),
			len(params.NewParticipants), p.timeout(),
			func(e *event.Event) (string, bool) {
				var a event.ResharingAckRecorded
				if err := e.DecodePayload(&a); err != nil {
					return "", false
				}
				return a.Participant.String(), true
			})
		if err != nil {
			return err
		}
		if len(acks) < len(params.NewParticipants) {
			return fmt.Errorf("%w: %d of %d acks", runtime.ErrThresholdNotMet, len(acks), len(params.NewParticipants))
		}

		// The TTL mark must precede finalization; once the session is
		// terminal no device-certified event can reference it locally.
		if _, err := co.MarkGuardianSharesForDeletion(p.SessionID, p.ttl()); err != nil {
			return err
		}
		seed, err := GroupFromState(co.LedgerState(), p.KeySession)
		if err != nil {
			return fmt.Errorf("%w: %v", runtime.ErrCryptoFailure, err)
		}
		if _, err := d.writeThreshold(seed, event.TypeResharingFinalized, event.ResharingFinalized{
			SessionID:     p.SessionID,
			NewThreshold:  params.NewThreshold,
			KeyShareEpoch: co.LedgerState().KeyShareEpoch + 1,
		}, uint32(oldM)); err != nil {
			return err
		}
		return nil
	}

	_, err := co.AwaitEvent(ctx, event.BySession(p.SessionID, event.TypeResharingFinalized), p.timeout())
	return err
}

// dealSubShares re-shares this device's share for the new participant set.
func (p *Resharing) dealSubShares(ctx context.Context, co *runtime.Coroutine, d *Deps, params event.ResharingInitiated, oldIndex uint8, groupPub []byte) error {
	ks, err := d.Shares.Load(ctx, p.KeySession, p.KeyContext, oldIndex)
	if err != nil {
		return fmt.Errorf("%w: load share: %v", runtime.ErrCryptoFailure, err)
	}
	defer ks.Zero()

	pieces, err := SubSplit(ks.Share, int(params.NewThreshold.M), len(params.NewParticipants), d.Rand)
	if err != nil {
		return fmt.Errorf("%w: %v", runtime.ErrCryptoFailure, err)
	}
	defer func() {
		for i := range pieces {
			pieces[i].Zero()
		}
	}()

	for i, to := range params.NewParticipants {
		// The recipient combines per old holder, so the piece carries the
		// dealer's share index, not the recipient's.
		piece := Share{Index: oldIndex, Value: pieces[i].Value}
		plain, err := json.Marshal(piece)
		if err != nil {
			return fmt.Errorf("%w: %v", runtime.ErrCryptoFailure, err)
		}
		sealed, err := effects.Seal(reshareWrapKey(p.SessionID, to, groupPub), to.Bytes(), plain, d.Rand)
		effects.Zeroize(plain)
		if err != nil {
			return fmt.Errorf("%w: %v", runtime.ErrCryptoFailure, err)
		}
		if _, err := co.WriteToLedger(event.TypeResharingSubShareRecorded, event.ResharingSubShareRecorded{
			SessionID:      p.SessionID,
			From:           co.Device(),
			To:             to,
			SealedSubShare: sealed,
		}); err != nil {
			return err
		}
	}
	return nil
}

// combineSubShares waits for the dealer set's pieces, folds them into this
// device's new share, persists it sealed, and acknowledges.
func (p *Resharing) combineSubShares(ctx context.Context, co *runtime.Coroutine, d *Deps, params event.ResharingInitiated, dealers []aura.DeviceID, newIndex uint8, groupPub []byte) error {
	me := co.Device()
	oldM := len(dealers)
	fromDealer := func(id aura.DeviceID) bool {
		for _, dl := range dealers {
			if dl == id {
				return true
			}
		}
		return false
	}
	mine, err := collectDistinct(ctx, co,
		event.BySession(p.SessionID, event.TypeResharingSubShareRecorded), oldM, p.timeout(),
		func(e *event.Event) (string, bool) {
			var s event.ResharingSubShareRecorded
			if err := e.DecodePayload(&s); err != nil || s.To != me || !fromDealer(s.From) {
				return "", false
			}
			return s.From.String(), true
		})
	if err != nil {
		return err
	}

	pieces := make([]Share, 0, oldM)
	for _, e := range mine {
		var s event.ResharingSubShareRecorded
		if err := e.DecodePayload(&s); err != nil {
			return fmt.Errorf("%w: %v", runtime.ErrCryptoFailure, err)
		}
		plain, err := effects.Unseal(reshareWrapKey(p.SessionID, me, groupPub), me.Bytes(), s.SealedSubShare)
		if err != nil {
			return fmt.Errorf("%w: sub-share from %s: %v", runtime.ErrCryptoFailure, s.From, err)
		}
		var piece Share
		if err := json.Unmarshal(plain, &piece); err != nil {
			effects.Zeroize(plain)
			return fmt.Errorf("%w: %v", runtime.ErrCryptoFailure, err)
		}
		effects.Zeroize(plain)
		pieces = append(pieces, piece)
	}
	defer func() {
		for i := range pieces {
			pieces[i].Zero()
		}
	}()

	value, err := CombineSubShares(pieces, oldM)
	if err != nil {
		return fmt.Errorf("%w: %v", runtime.ErrCryptoFailure, err)
	}
	ks := &KeyShare{
		SessionID:      p.SessionID,
		Context:        p.KeyContext,
		Share:          Share{Index: newIndex, Value: value},
		GroupPublicKey: append([]byte(nil), groupPub...),
		KeyShareEpoch:  co.LedgerState().KeyShareEpoch + 1,
	}
	err = d.Shares.Save(ctx, ks)
	ks.Zero()
	if err != nil {
		return err
	}

	_, err = co.WriteToLedger(event.TypeResharingAckRecorded, event.ResharingAckRecorded{
		SessionID:   p.SessionID,
		Participant: me,
	})
	return err
}
