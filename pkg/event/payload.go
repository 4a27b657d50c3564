package event

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/aura-net/aura/pkg/aura"
)

// Payload types, one per event type. Every session-scoped payload carries
// its session id under the "session_id" key so filters and the reducer can
// index events without knowing the concrete type.

type AccountCreated struct {
	Threshold       aura.Threshold `json:"threshold"`
	DeviceID        aura.DeviceID  `json:"device_id"`
	DevicePublicKey []byte         `json:"device_public_key"`
	DisplayName     string         `json:"display_name"`
}

type DeviceAdded struct {
	DeviceID    aura.DeviceID `json:"device_id"`
	PublicKey   []byte        `json:"public_key"`
	DisplayName string        `json:"display_name"`
}

type DeviceRemoved struct {
	DeviceID aura.DeviceID `json:"device_id"`
}

type GuardianAdded struct {
	GuardianID  aura.GuardianID `json:"guardian_id"`
	PublicKey   []byte          `json:"public_key"`
	DisplayName string          `json:"display_name"`
}

type GuardianRemoved struct {
	GuardianID aura.GuardianID `json:"guardian_id"`
}

// EpochTick advances the account's Lamport clock without any other state
// change. Budget refills ride on the same tick as separate events.
type EpochTick struct {
	Reason string `json:"reason,omitempty"`
}

type SnapshotCommitted struct {
	StateHash      aura.Hash32 `json:"state_hash"`
	LastEventIndex uint64      `json:"last_event_index"`
}

type BudgetRefilled struct {
	ContextID aura.ContextID `json:"context_id"`
	Peer      aura.PeerID    `json:"peer"`
	Amount    uint64         `json:"amount"`
}

type CapabilityDelegated struct {
	Issuer  aura.AuthorityID `json:"issuer"`
	Subject aura.AuthorityID `json:"subject"`
	Scope   string           `json:"scope"`
	Token   []byte           `json:"token"`
}

type CapabilityRevoked struct {
	Issuer      aura.AuthorityID `json:"issuer"`
	Subject     aura.AuthorityID `json:"subject"`
	Scope       string           `json:"scope"`
	TokenDigest aura.Hash32      `json:"token_digest"`
}

type DkdInitiated struct {
	SessionID    aura.SessionID  `json:"session_id"`
	Context      string          `json:"context"`
	ContextNonce []byte          `json:"context_nonce"`
	Participants []aura.DeviceID `json:"participants"`
	Threshold    aura.Threshold  `json:"threshold"`
}

type DkdCommitmentRecorded struct {
	SessionID   aura.SessionID `json:"session_id"`
	Participant aura.DeviceID  `json:"participant"`
	Commitment  aura.Hash32    `json:"commitment"`
}

type DkdPointRevealed struct {
	SessionID     aura.SessionID `json:"session_id"`
	Participant   aura.DeviceID  `json:"participant"`
	Point         []byte         `json:"point"`
	BlindingNonce []byte         `json:"blinding_nonce"`
}

type DkdFinalized struct {
	SessionID      aura.SessionID `json:"session_id"`
	GroupPublicKey []byte         `json:"group_public_key"`
}

type SigningInitiated struct {
	SessionID     aura.SessionID  `json:"session_id"`
	MessageDigest aura.Hash32     `json:"message_digest"`
	Participants  []aura.DeviceID `json:"participants"`
}

type SignatureShareRecorded struct {
	SessionID   aura.SessionID `json:"session_id"`
	Participant aura.DeviceID  `json:"participant"`
	Share       []byte         `json:"share"`
}

type SigningFinalized struct {
	SessionID   aura.SessionID `json:"session_id"`
	Signature   []byte         `json:"signature"`
	SignerCount uint32         `json:"signer_count"`
}

type ResharingInitiated struct {
	SessionID       aura.SessionID  `json:"session_id"`
	OldThreshold    aura.Threshold  `json:"old_threshold"`
	NewThreshold    aura.Threshold  `json:"new_threshold"`
	NewParticipants []aura.DeviceID `json:"new_participants"`
}

type ResharingSubShareRecorded struct {
	SessionID      aura.SessionID `json:"session_id"`
	From           aura.DeviceID  `json:"from"`
	To             aura.DeviceID  `json:"to"`
	SealedSubShare []byte         `json:"sealed_subshare"`
}

type ResharingAckRecorded struct {
	SessionID   aura.SessionID `json:"session_id"`
	Participant aura.DeviceID  `json:"participant"`
}

type ResharingFinalized struct {
	SessionID     aura.SessionID `json:"session_id"`
	NewThreshold  aura.Threshold `json:"new_threshold"`
	KeyShareEpoch uint64         `json:"key_share_epoch"`
}

type RecoveryInitiated struct {
	SessionID          aura.SessionID `json:"session_id"`
	LostDevice         aura.DeviceID  `json:"lost_device"`
	NewDevice          aura.DeviceID  `json:"new_device"`
	NewDevicePublicKey []byte         `json:"new_device_public_key"`
	GuardianThreshold  aura.Threshold `json:"guardian_threshold"`
}

type GuardianApprovalCollected struct {
	SessionID aura.SessionID  `json:"session_id"`
	Guardian  aura.GuardianID `json:"guardian"`
}

type RecoveryShareCommitted struct {
	SessionID  aura.SessionID  `json:"session_id"`
	Guardian   aura.GuardianID `json:"guardian"`
	Commitment aura.Hash32     `json:"commitment"`
}

type RecoveryShareSubmitted struct {
	SessionID   aura.SessionID  `json:"session_id"`
	Guardian    aura.GuardianID `json:"guardian"`
	SealedShare []byte          `json:"sealed_share"`
	RevealNonce []byte          `json:"reveal_nonce"`
}

type RecoveryCompleted struct {
	SessionID          aura.SessionID `json:"session_id"`
	NewDevice          aura.DeviceID  `json:"new_device"`
	NewDevicePublicKey []byte         `json:"new_device_public_key"`
}

type RecoveryFailed struct {
	SessionID aura.SessionID `json:"session_id"`
	Tag       string         `json:"tag"`
	Reason    string         `json:"reason"`
}

type SharesMarkedForDeletion struct {
	SessionID aura.SessionID `json:"session_id"`
	TTLEpochs uint64         `json:"ttl_epochs"`
}

type LockRequested struct {
	SessionID aura.SessionID `json:"session_id"`
	Operation ProtocolType   `json:"operation"`
	ContextID aura.ContextID `json:"context_id"`
	Ticket    aura.Hash32    `json:"ticket"`
}

type LockGranted struct {
	SessionID aura.SessionID `json:"session_id"`
	Operation ProtocolType   `json:"operation"`
	Winner    aura.DeviceID  `json:"winner"`
}

type LockReleased struct {
	SessionID aura.SessionID `json:"session_id"`
	Operation ProtocolType   `json:"operation"`
}

type SessionTimedOut struct {
	SessionID aura.SessionID `json:"session_id"`
	AtEpoch   uint64         `json:"at_epoch"`
}

type ProtocolFailed struct {
	SessionID aura.SessionID `json:"session_id"`
	Tag       string         `json:"tag"`
	Reason    string         `json:"reason"`
}

type SyncFailed struct {
	Peer   aura.PeerID `json:"peer"`
	Tag    string      `json:"tag"`
	Reason string      `json:"reason"`
}

// LotteryTicket is the deterministic lock-arbitration ticket: Blake3 over
// the device id and that device's last event hash. Lexicographically
// smallest ticket wins.
func LotteryTicket(device aura.DeviceID, lastEventHash aura.Hash32) aura.Hash32 {
	h := blake3.New()
	_, _ = h.Write(device.Bytes())
	_, _ = h.Write(lastEventHash[:])
	var out aura.Hash32
	copy(out[:], h.Sum(nil))
	return out
}

// CommitDigest binds a commit-reveal pair: the commitment is Blake3 over the
// revealed bytes and the blinding nonce. Reveals that fail to reproduce the
// recorded commitment are rejected.
func CommitDigest(revealed, blindingNonce []byte) aura.Hash32 {
	h := blake3.New()
	_, _ = h.Write([]byte("commit-v1"))
	_, _ = h.Write(revealed)
	_, _ = h.Write(blindingNonce)
	var out aura.Hash32
	copy(out[:], h.Sum(nil))
	return out
}

// TokenDigest keys a capability record by the Blake3 digest of its token, so
// revocations can name a capability without restating the token.
func TokenDigest(token []byte) aura.Hash32 {
	h := blake3.New()
	_, _ = h.Write([]byte("captoken-v1"))
	_, _ = h.Write(token)
	var out aura.Hash32
	copy(out[:], h.Sum(nil))
	return out
}

// LockSessionID derives the shared arbitration session for one operation,
// context, and acquisition generation. Contending devices that agree on
// those three values land their tickets in the same session.
func LockSessionID(op ProtocolType, ctx aura.ContextID, generation uint64) aura.SessionID {
	name := fmt.Sprintf("aura:lock:%s:%s:%d", op, ctx, generation)
	return aura.SessionID(uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)))
}
