package ledger

import (
	"bytes"
	"fmt"

	"github.com/aura-net/aura/pkg/aura"
	"github.com/aura-net/aura/pkg/event"
)

// SessionStatus is the derived lifecycle of a protocol session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionTimedOut  SessionStatus = "timed_out"
)

// Session is one protocol run recorded in the ledger. Collection fields are
// grow-only maps and the terminal flags are monotone, so folding the same
// session events in any order yields the same record. Status precedence is
// fixed (completed over failed over timed out) to keep the derived status
// deterministic when racing terminal events both land.
type Session struct {
	ID           aura.SessionID     `json:"id"`
	Purpose      event.ProtocolType `json:"purpose"`
	Initiator    string             `json:"initiator"`
	Participants []aura.DeviceID    `json:"participants,omitempty"`
	Threshold    aura.Threshold     `json:"threshold"`
	OpenedAt     uint64             `json:"opened_at"`

	Dkd       *DkdSession       `json:"dkd,omitempty"`
	Signing   *SigningSession   `json:"signing,omitempty"`
	Resharing *ResharingSession `json:"resharing,omitempty"`
	Recovery  *RecoverySession  `json:"recovery,omitempty"`
	Lock      *LockSession      `json:"lock,omitempty"`

	Completed     bool   `json:"completed,omitempty"`
	CompletedAt   uint64 `json:"completed_at,omitempty"`
	Failed        bool   `json:"failed,omitempty"`
	FailedAt      uint64 `json:"failed_at,omitempty"`
	FailureTag    string `json:"failure_tag,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	TimedOut      bool   `json:"timed_out,omitempty"`
	TimedOutAt    uint64 `json:"timed_out_at,omitempty"`
}

func (s *Session) Status() SessionStatus {
	switch {
	case s.Completed:
		return SessionCompleted
	case s.Failed:
		return SessionFailed
	case s.TimedOut:
		return SessionTimedOut
	default:
		return SessionActive
	}
}

func (s *Session) IsTerminal() bool { return s.Completed || s.Failed || s.TimedOut }

// HasParticipant reports whether id was named in the opening event.
func (s *Session) HasParticipant(id aura.DeviceID) bool {
	for _, p := range s.Participants {
		if p == id {
			return true
		}
	}
	return false
}

func (s *Session) clone() *Session {
	c := *s
	c.Participants = append([]aura.DeviceID(nil), s.Participants...)
	if s.Dkd != nil {
		c.Dkd = s.Dkd.clone()
	}
	if s.Signing != nil {
		c.Signing = s.Signing.clone()
	}
	if s.Resharing != nil {
		c.Resharing = s.Resharing.clone()
	}
	if s.Recovery != nil {
		c.Recovery = s.Recovery.clone()
	}
	if s.Lock != nil {
		c.Lock = s.Lock.clone()
	}
	return &c
}

// RevealedPoint is a participant's opened commitment in a derivation round.
type RevealedPoint struct {
	Point         []byte `json:"point"`
	BlindingNonce []byte `json:"blinding_nonce"`
}

// DkdSession tracks a commit-reveal key derivation round.
type DkdSession struct {
	Context        string                           `json:"context"`
	ContextNonce   []byte                           `json:"context_nonce"`
	Commitments    map[aura.DeviceID]aura.Hash32    `json:"commitments"`
	Points         map[aura.DeviceID]*RevealedPoint `json:"points"`
	GroupPublicKey []byte                           `json:"group_public_key,omitempty"`
}

func newDkdSession(context string, nonce []byte) *DkdSession {
	return &DkdSession{
		Context:      context,
		ContextNonce: bytes.Clone(nonce),
		Commitments:  make(map[aura.DeviceID]aura.Hash32),
		Points:       make(map[aura.DeviceID]*RevealedPoint),
	}
}

func (d *DkdSession) clone() *DkdSession {
	c := newDkdSession(d.Context, d.ContextNonce)
	for k, v := range d.Commitments {
		c.Commitments[k] = v
	}
	for k, v := range d.Points {
		c.Points[k] = &RevealedPoint{Point: bytes.Clone(v.Point), BlindingNonce: bytes.Clone(v.BlindingNonce)}
	}
	c.GroupPublicKey = bytes.Clone(d.GroupPublicKey)
	return c
}

// SigningSession tracks a threshold signing round over one message digest.
type SigningSession struct {
	MessageDigest aura.Hash32              `json:"message_digest"`
	Shares        map[aura.DeviceID][]byte `json:"shares"`
	Signature     []byte                   `json:"signature,omitempty"`
	SignerCount   uint32                   `json:"signer_count,omitempty"`
}

func newSigningSession(digest aura.Hash32) *SigningSession {
	return &SigningSession{MessageDigest: digest, Shares: make(map[aura.DeviceID][]byte)}
}

func (s *SigningSession) clone() *SigningSession {
	c := newSigningSession(s.MessageDigest)
	for k, v := range s.Shares {
		c.Shares[k] = bytes.Clone(v)
	}
	c.Signature = bytes.Clone(s.Signature)
	c.SignerCount = s.SignerCount
	return c
}

// ResharingSession tracks redistribution of key shares to a new device set
// or threshold. Sub-shares are keyed "from/to" so the map stays canonical.
type ResharingSession struct {
	OldThreshold    aura.Threshold         `json:"old_threshold"`
	NewThreshold    aura.Threshold         `json:"new_threshold"`
	NewParticipants []aura.DeviceID        `json:"new_participants"`
	SubShares       map[string][]byte      `json:"subshares"`
	Acks            map[aura.DeviceID]bool `json:"acks"`
	KeyShareEpoch   uint64                 `json:"key_share_epoch,omitempty"`
}

func newResharingSession(p *event.ResharingInitiated) *ResharingSession {
	return &ResharingSession{
		OldThreshold:    p.OldThreshold,
		NewThreshold:    p.NewThreshold,
		NewParticipants: append([]aura.DeviceID(nil), p.NewParticipants...),
		SubShares:       make(map[string][]byte),
		Acks:            make(map[aura.DeviceID]bool),
	}
}

func subShareKey(from, to aura.DeviceID) string {
	return fmt.Sprintf("%s/%s", from, to)
}

func (r *ResharingSession) hasNewParticipant(id aura.DeviceID) bool {
	for _, p := range r.NewParticipants {
		if p == id {
			return true
		}
	}
	return false
}

// AckCount returns how many new participants acknowledged their sub-shares.
func (r *ResharingSession) AckCount() int { return len(r.Acks) }

func (r *ResharingSession) clone() *ResharingSession {
	c := &ResharingSession{
		OldThreshold:    r.OldThreshold,
		NewThreshold:    r.NewThreshold,
		NewParticipants: append([]aura.DeviceID(nil), r.NewParticipants...),
		SubShares:       make(map[string][]byte, len(r.SubShares)),
		Acks:            make(map[aura.DeviceID]bool, len(r.Acks)),
		KeyShareEpoch:   r.KeyShareEpoch,
	}
	for k, v := range r.SubShares {
		c.SubShares[k] = bytes.Clone(v)
	}
	for k, v := range r.Acks {
		c.Acks[k] = v
	}
	return c
}

// SubmittedShare is a guardian's revealed recovery share, sealed to the
// recovering device.
type SubmittedShare struct {
	SealedShare []byte `json:"sealed_share"`
	RevealNonce []byte `json:"reveal_nonce"`
}

// RecoverySession tracks guardian-assisted account recovery.
type RecoverySession struct {
	LostDevice         aura.DeviceID                       `json:"lost_device"`
	NewDevice          aura.DeviceID                       `json:"new_device"`
	NewDevicePublicKey []byte                              `json:"new_device_public_key"`
	GuardianThreshold  aura.Threshold                      `json:"guardian_threshold"`
	Approvals          map[aura.GuardianID]bool            `json:"approvals"`
	Commitments        map[aura.GuardianID]aura.Hash32     `json:"commitments"`
	Shares             map[aura.GuardianID]*SubmittedShare `json:"shares"`
}

func newRecoverySession(p *event.RecoveryInitiated) *RecoverySession {
	return &RecoverySession{
		LostDevice:         p.LostDevice,
		NewDevice:          p.NewDevice,
		NewDevicePublicKey: bytes.Clone(p.NewDevicePublicKey),
		GuardianThreshold:  p.GuardianThreshold,
		Approvals:          make(map[aura.GuardianID]bool),
		Commitments:        make(map[aura.GuardianID]aura.Hash32),
		Shares:             make(map[aura.GuardianID]*SubmittedShare),
	}
}

// ApprovalCount returns how many distinct guardians approved.
func (r *RecoverySession) ApprovalCount() int { return len(r.Approvals) }

func (r *RecoverySession) clone() *RecoverySession {
	c := &RecoverySession{
		LostDevice:         r.LostDevice,
		NewDevice:          r.NewDevice,
		NewDevicePublicKey: bytes.Clone(r.NewDevicePublicKey),
		GuardianThreshold:  r.GuardianThreshold,
		Approvals:          make(map[aura.GuardianID]bool, len(r.Approvals)),
		Commitments:        make(map[aura.GuardianID]aura.Hash32, len(r.Commitments)),
		Shares:             make(map[aura.GuardianID]*SubmittedShare, len(r.Shares)),
	}
	for k, v := range r.Approvals {
		c.Approvals[k] = v
	}
	for k, v := range r.Commitments {
		c.Commitments[k] = v
	}
	for k, v := range r.Shares {
		c.Shares[k] = &SubmittedShare{SealedShare: bytes.Clone(v.SealedShare), RevealNonce: bytes.Clone(v.RevealNonce)}
	}
	return c
}

// LockSession tracks lottery-based arbitration of a critical operation.
type LockSession struct {
	Operation event.ProtocolType            `json:"operation"`
	ContextID aura.ContextID                `json:"context_id"`
	Tickets   map[aura.DeviceID]aura.Hash32 `json:"tickets"`
	Winner    aura.DeviceID                 `json:"winner,omitempty"`
	Granted   bool                          `json:"granted,omitempty"`
	Released  bool                          `json:"released,omitempty"`
}

func newLockSession(op event.ProtocolType, ctx aura.ContextID) *LockSession {
	return &LockSession{Operation: op, ContextID: ctx, Tickets: make(map[aura.DeviceID]aura.Hash32)}
}

// SmallestTicket returns the device holding the lexicographically smallest
// ticket, which is the lottery winner.
func (l *LockSession) SmallestTicket() (aura.DeviceID, bool) {
	var best aura.DeviceID
	var bestTicket aura.Hash32
	found := false
	for dev, t := range l.Tickets {
		if !found || t.Less(bestTicket) || (t == bestTicket && dev.String() < best.String()) {
			best, bestTicket, found = dev, t, true
		}
	}
	return best, found
}

func (l *LockSession) clone() *LockSession {
	c := newLockSession(l.Operation, l.ContextID)
	for k, v := range l.Tickets {
		c.Tickets[k] = v
	}
	c.Winner, c.Granted, c.Released = l.Winner, l.Granted, l.Released
	return c
}
