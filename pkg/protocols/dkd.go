package protocols

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aura-net/aura/pkg/aura"
	"github.com/aura-net/aura/pkg/event"
	"github.com/aura-net/aura/pkg/runtime"
)

// DefaultProtocolTimeoutEpochs bounds each blocking step of a protocol
// script. Timeouts are epoch-denominated so they hold under simulation.
const DefaultProtocolTimeoutEpochs = 30

// DKD runs one distributed key derivation round. Exactly one participant
// is the initiator; every other participant runs the same script with
// Initiator false and learns the round parameters from the ledger.
type DKD struct {
	SessionID     aura.SessionID
	Context       string
	Participants  []aura.DeviceID
	Threshold     aura.Threshold
	Initiator     bool
	TimeoutEpochs uint64
}

// DKDResult is what a participant takes away from a finished round: the
// shared public key and this device's share index. The share itself is
// already sealed in the store.
type DKDResult struct {
	GroupPublicKey []byte
	ShareIndex     uint8
}

func (p *DKD) timeout() uint64 {
	if p.TimeoutEpochs == 0 {
		return DefaultProtocolTimeoutEpochs
	}
	return p.TimeoutEpochs
}

// Run executes the commit-reveal derivation. The ledger already rejects
// reveals that do not open their commitment; the script re-checks the
// binding anyway and aborts on any mismatch, so a corrupt local log cannot
// produce a key.
func (p *DKD) Run(ctx context.Context, co *runtime.Coroutine, d *Deps) (*DKDResult, error) {
	co.BindSession(p.SessionID)

	var params event.DkdInitiated
	if p.Initiator {
		if err := p.Threshold.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", runtime.ErrInvalidOperation, err)
		}
		params = event.DkdInitiated{
			SessionID:    p.SessionID,
			Context:      p.Context,
			ContextNonce: d.Rand.Bytes(32),
			Participants: p.Participants,
			Threshold:    p.Threshold,
		}
		if _, err := co.WriteToLedger(event.TypeDkdInitiated, params); err != nil {
			return nil, err
		}
	} else {
		e, err := co.AwaitEvent(ctx, event.BySession(p.SessionID, event.TypeDkdInitiated), p.timeout())
		if err != nil {
			return nil, err
		}
		if err := e.DecodePayload(&params); err != nil {
			return nil, fmt.Errorf("%w: %v", runtime.ErrInvalidOperation, err)
		}
	}

	n := len(params.Participants)
	myIndex := participantIndex(params.Participants, co.Device())
	if myIndex == 0 {
		return nil, fmt.Errorf("%w: %s is not a participant", runtime.ErrInvalidOperation, co.Device())
	}

	point := d.Rand.Bytes(32)
	blind := d.Rand.Bytes(32)
	if _, err := co.WriteToLedger(event.TypeDkdCommitmentRecorded, event.DkdCommitmentRecorded{
		SessionID:   p.SessionID,
		Participant: co.Device(),
		Commitment:  event.CommitDigest(point, blind),
	}); err != nil {
		return nil, err
	}

	commits, err := collectDistinct(ctx, co,
		event.BySession(p.SessionID, event.TypeDkdCommitmentRecorded), n, p.timeout(),
		func(e *event.Event) (string, bool) {
			var c event.DkdCommitmentRecorded
			if err := e.DecodePayload(&c); err != nil {
				return "", false
			}
			return c.Participant.String(), true
		})
	if err != nil {
		return nil, err
	}

	if _, err := co.WriteToLedger(event.TypeDkdPointRevealed, event.DkdPointRevealed{
		SessionID:     p.SessionID,
		Participant:   co.Device(),
		Point:         point,
		BlindingNonce: blind,
	}); err != nil {
		return nil, err
	}

	reveals, err := collectDistinct(ctx, co,
		event.BySession(p.SessionID, event.TypeDkdPointRevealed), n, p.timeout(),
		func(e *event.Event) (string, bool) {
			var r event.DkdPointRevealed
			if err := e.DecodePayload(&r); err != nil {
				return "", false
			}
			return r.Participant.String(), true
		})
	if err != nil {
		return nil, err
	}

	points := make(map[aura.DeviceID][]byte, n)
	for key, e := range reveals {
		var r event.DkdPointRevealed
		if err := e.DecodePayload(&r); err != nil {
			return nil, fmt.Errorf("%w: %v", runtime.ErrCryptoFailure, err)
		}
		ce, ok := commits[key]
		if !ok {
			return nil, fmt.Errorf("%w: reveal from %s without commitment", runtime.ErrCryptoFailure, key)
		}
		var c event.DkdCommitmentRecorded
		if err := ce.DecodePayload(&c); err != nil {
			return nil, fmt.Errorf("%w: %v", runtime.ErrCryptoFailure, err)
		}
		if event.CommitDigest(r.Point, r.BlindingNonce) != c.Commitment {
			return nil, fmt.Errorf("%w: commitment mismatch for %s", runtime.ErrCryptoFailure, key)
		}
		points[r.Participant] = r.Point
	}

	transcript, err := Transcript(params.Context, params.ContextNonce, params.Participants, points)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", runtime.ErrCryptoFailure, err)
	}
	seed := GroupSeed(transcript)
	groupPub := GroupSigner(seed).Public()

	shares, err := DeriveShareSet(seed, params.Threshold)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", runtime.ErrCryptoFailure, err)
	}
	mine := shares[myIndex-1].Clone()
	for i := range shares {
		shares[i].Zero()
	}
	ks := &KeyShare{
		SessionID:      p.SessionID,
		Context:        params.Context,
		Share:          mine,
		GroupPublicKey: groupPub,
	}
	if err := d.Shares.Save(ctx, ks); err != nil {
		ks.Zero()
		return nil, err
	}
	ks.Zero()

	if p.Initiator {
		if _, err := co.WriteToLedger(event.TypeDkdFinalized, event.DkdFinalized{
			SessionID:      p.SessionID,
			GroupPublicKey: groupPub,
		}); err != nil {
			return nil, err
		}
	} else {
		e, err := co.AwaitEvent(ctx, event.BySession(p.SessionID, event.TypeDkdFinalized), p.timeout())
		if err != nil {
			return nil, err
		}
		var fin event.DkdFinalized
		if err := e.DecodePayload(&fin); err != nil {
			return nil, fmt.Errorf("%w: %v", runtime.ErrCryptoFailure, err)
		}
		if !bytes.Equal(fin.GroupPublicKey, groupPub) {
			return nil, fmt.Errorf("%w: finalized group key differs from derived key", runtime.ErrCryptoFailure)
		}
	}

	return &DKDResult{GroupPublicKey: groupPub, ShareIndex: myIndex}, nil
}
