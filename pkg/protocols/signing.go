package protocols

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aura-net/aura/pkg/aura"
	"github.com/aura-net/aura/pkg/effects"
	"github.com/aura-net/aura/pkg/event"
	"github.com/aura-net/aura/pkg/ledger"
	"github.com/aura-net/aura/pkg/runtime"
)

// Signing runs one threshold signing round over a message digest. Any
// participant may initiate; whoever first holds threshold many valid
// shares reconstructs and finalizes, the rest verify the result.
type Signing struct {
	SessionID     aura.SessionID
	KeySession    aura.SessionID // derivation round whose share to use
	KeyContext    string
	MessageDigest aura.Hash32
	Participants  []aura.DeviceID
	Initiator     bool
	TimeoutEpochs uint64
}

func (p *Signing) timeout() uint64 {
	if p.TimeoutEpochs == 0 {
		return DefaultProtocolTimeoutEpochs
	}
	return p.TimeoutEpochs
}

// shareWrapKey derives the session key signature shares are wrapped under
// in transit. Binding the session id keeps shares from one round unusable
// in another.
func shareWrapKey(sid aura.SessionID, groupPub []byte) [32]byte {
	return effects.DeriveKey32("aura signing wrap v1:"+sid.String(), groupPub)
}

// Run executes the signing script and returns the aggregate signature.
func (p *Signing) Run(ctx context.Context, co *runtime.Coroutine, d *Deps) ([]byte, error) {
	co.BindSession(p.SessionID)

	var params event.SigningInitiated
	if p.Initiator {
		params = event.SigningInitiated{
			SessionID:     p.SessionID,
			MessageDigest: p.MessageDigest,
			Participants:  p.Participants,
		}
		if _, err := co.WriteToLedger(event.TypeSigningInitiated, params); err != nil {
			return nil, err
		}
	} else {
		e, err := co.AwaitEvent(ctx, event.BySession(p.SessionID, event.TypeSigningInitiated), p.timeout())
		if err != nil {
			return nil, err
		}
		if err := e.DecodePayload(&params); err != nil {
			return nil, fmt.Errorf("%w: %v", runtime.ErrInvalidOperation, err)
		}
	}

	st := co.LedgerState()
	need := int(st.Threshold.M)
	if len(params.Participants) < need {
		return nil, fmt.Errorf("%w: %d participants for threshold %d",
			runtime.ErrThresholdNotMet, len(params.Participants), need)
	}

	keySess := st.Session(p.KeySession)
	if keySess == nil || keySess.Dkd == nil {
		return nil, fmt.Errorf("%w: derivation session %s", runtime.ErrSessionNotFound, p.KeySession)
	}
	groupPub := keySess.Dkd.GroupPublicKey
	myIndex := participantIndex(keySess.Participants, co.Device())
	if myIndex == 0 {
		return nil, fmt.Errorf("%w: %s holds no share of %s", runtime.ErrInvalidOperation, co.Device(), p.KeySession)
	}

	ks, err := d.Shares.Load(ctx, p.KeySession, p.KeyContext, myIndex)
	if err != nil {
		return nil, fmt.Errorf("%w: load share: %v", runtime.ErrCryptoFailure, err)
	}
	defer ks.Zero()

	wrapped, err := wrapShare(ks.Share, p.SessionID, groupPub, d.Rand)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", runtime.ErrCryptoFailure, err)
	}
	if _, err := co.WriteToLedger(event.TypeSignatureShareRecorded, event.SignatureShareRecorded{
		SessionID:   p.SessionID,
		Participant: co.Device(),
		Share:       wrapped,
	}); err != nil {
		return nil, err
	}

	collected, err := collectDistinct(ctx, co,
		event.BySession(p.SessionID, event.TypeSignatureShareRecorded), need, p.timeout(),
		func(e *event.Event) (string, bool) {
			var s event.SignatureShareRecorded
			if err := e.DecodePayload(&s); err != nil {
				return "", false
			}
			return s.Participant.String(), true
		})
	if err != nil {
		return nil, err
	}

	shares := make([]Share, 0, need)
	for _, e := range collected {
		var s event.SignatureShareRecorded
		if err := e.DecodePayload(&s); err != nil {
			return nil, fmt.Errorf("%w: %v", runtime.ErrCryptoFailure, err)
		}
		sh, err := unwrapShare(s.Share, p.SessionID, groupPub)
		if err != nil {
			return nil, fmt.Errorf("%w: share from %s: %v", runtime.ErrCryptoFailure, s.Participant, err)
		}
		shares = append(shares, sh)
	}
	defer func() {
		for i := range shares {
			shares[i].Zero()
		}
	}()

	seed, err := Reconstruct(shares, need)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", runtime.ErrThresholdNotMet, err)
	}
	var seed32 [32]byte
	copy(seed32[:], seed)
	effects.Zeroize(seed)
	signer := GroupSigner(seed32)
	if !bytes.Equal(signer.Public(), groupPub) {
		return nil, fmt.Errorf("%w: reconstructed key does not match group key", runtime.ErrCryptoFailure)
	}
	signature := signer.Sign(params.MessageDigest[:])

	// First finalizer wins; a session already closed by a sibling's
	// finalization is success, not an error.
	if _, already := co.CheckForEvent(event.BySession(p.SessionID, event.TypeSigningFinalized)); !already {
		_, err := co.WriteToLedger(event.TypeSigningFinalized, event.SigningFinalized{
			SessionID:   p.SessionID,
			Signature:   signature,
			SignerCount: uint32(need),
		})
		if err != nil && !errors.Is(err, ledger.ErrSessionClosed) {
			return nil, err
		}
	}

	sess := co.LedgerState().Session(p.SessionID)
	if sess != nil && sess.Signing != nil && sess.Signing.Signature != nil {
		return sess.Signing.Signature, nil
	}
	return signature, nil
}

func wrapShare(sh Share, sid aura.SessionID, groupPub []byte, rnd effects.Rand) ([]byte, error) {
	plain, err := json.Marshal(sh)
	if err != nil {
		return nil, err
	}
	sealed, err := effects.Seal(shareWrapKey(sid, groupPub), sid.Bytes(), plain, rnd)
	effects.Zeroize(plain)
	return sealed, err
}

func unwrapShare(wrapped []byte, sid aura.SessionID, groupPub []byte) (Share, error) {
	plain, err := effects.Unseal(shareWrapKey(sid, groupPub), sid.Bytes(), wrapped)
	if err != nil {
		return Share{}, err
	}
	var sh Share
	if err := json.Unmarshal(plain, &sh); err != nil {
		effects.Zeroize(plain)
		return Share{}, err
	}
	effects.Zeroize(plain)
	return sh, nil
}
