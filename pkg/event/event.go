// Package event defines the atomic unit of the account ledger: a
// content-addressed, nonce-protected, author-chained event with a tagged
// payload and an authorization proof. Event identity is the Blake3 hash of
// the canonical (RFC 8785) encoding, so any two devices agree on the id of
// the same event regardless of how it reached them.
package event

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aura-net/aura/pkg/aura"
)

// SchemaVersion tags the event encoding. Readers reject versions they do
// not recognize instead of guessing.
const SchemaVersion uint16 = 1

// MaxSafeInteger bounds every integer field that enters the canonical JSON
// encoding. RFC 8785 serializes numbers as IEEE doubles, so values above
// 2^53-1 would not round-trip; they are rejected as overflow-unsafe.
const MaxSafeInteger uint64 = 1<<53 - 1

var (
	ErrUnknownVersion = errors.New("unrecognized event schema version")
	ErrUnknownType    = errors.New("unknown event type")
	ErrIDMismatch     = errors.New("event id does not match canonical hash")
	ErrOverflowUnsafe = errors.New("integer field exceeds canonical encoding range")
	ErrBadAuth        = errors.New("malformed authorization")
)

// EventType tags the payload union.
type EventType string

const (
	TypeAccountCreated EventType = "account.created"

	TypeDeviceAdded   EventType = "device.added"
	TypeDeviceRemoved EventType = "device.removed"

	TypeGuardianAdded   EventType = "guardian.added"
	TypeGuardianRemoved EventType = "guardian.removed"

	TypeEpochTick         EventType = "epoch.tick"
	TypeSnapshotCommitted EventType = "snapshot.committed"
	TypeBudgetRefilled    EventType = "budget.refilled"

	TypeCapabilityDelegated EventType = "capability.delegated"
	TypeCapabilityRevoked   EventType = "capability.revoked"

	TypeDkdInitiated          EventType = "dkd.initiated"
	TypeDkdCommitmentRecorded EventType = "dkd.commitment_recorded"
	TypeDkdPointRevealed      EventType = "dkd.point_revealed"
	TypeDkdFinalized          EventType = "dkd.finalized"

	TypeSigningInitiated       EventType = "signing.initiated"
	TypeSignatureShareRecorded EventType = "signing.share_recorded"
	TypeSigningFinalized       EventType = "signing.finalized"

	TypeResharingInitiated        EventType = "resharing.initiated"
	TypeResharingSubShareRecorded EventType = "resharing.subshare_recorded"
	TypeResharingAckRecorded      EventType = "resharing.ack_recorded"
	TypeResharingFinalized        EventType = "resharing.finalized"

	TypeRecoveryInitiated         EventType = "recovery.initiated"
	TypeGuardianApprovalCollected EventType = "recovery.approval_collected"
	TypeRecoveryShareCommitted    EventType = "recovery.share_committed"
	TypeRecoveryShareSubmitted    EventType = "recovery.share_submitted"
	TypeRecoveryCompleted         EventType = "recovery.completed"
	TypeRecoveryFailed            EventType = "recovery.failed"
	TypeSharesMarkedForDeletion   EventType = "shares.marked_for_deletion"

	TypeLockRequested EventType = "lock.requested"
	TypeLockGranted   EventType = "lock.granted"
	TypeLockReleased  EventType = "lock.released"

	TypeSessionTimedOut EventType = "session.timed_out"
	TypeProtocolFailed  EventType = "protocol.failed"
	TypeSyncFailed      EventType = "sync.failed"
)

var knownTypes = map[EventType]struct{}{
	TypeAccountCreated:            {},
	TypeDeviceAdded:               {},
	TypeDeviceRemoved:             {},
	TypeGuardianAdded:             {},
	TypeGuardianRemoved:           {},
	TypeEpochTick:                 {},
	TypeSnapshotCommitted:         {},
	TypeBudgetRefilled:            {},
	TypeCapabilityDelegated:       {},
	TypeCapabilityRevoked:         {},
	TypeDkdInitiated:              {},
	TypeDkdCommitmentRecorded:     {},
	TypeDkdPointRevealed:          {},
	TypeDkdFinalized:              {},
	TypeSigningInitiated:          {},
	TypeSignatureShareRecorded:    {},
	TypeSigningFinalized:          {},
	TypeResharingInitiated:        {},
	TypeResharingSubShareRecorded: {},
	TypeResharingAckRecorded:      {},
	TypeResharingFinalized:        {},
	TypeRecoveryInitiated:         {},
	TypeGuardianApprovalCollected: {},
	TypeRecoveryShareCommitted:    {},
	TypeRecoveryShareSubmitted:    {},
	TypeRecoveryCompleted:         {},
	TypeRecoveryFailed:            {},
	TypeSharesMarkedForDeletion:   {},
	TypeLockRequested:             {},
	TypeLockGranted:               {},
	TypeLockReleased:              {},
	TypeSessionTimedOut:           {},
	TypeProtocolFailed:            {},
	TypeSyncFailed:                {},
}

// IsKnown reports whether the type is part of the current schema.
func (t EventType) IsKnown() bool {
	_, ok := knownTypes[t]
	return ok
}

// ProtocolType names the multi-party protocol a session executes. Lock
// requests also carry the protocol they want the lock for.
type ProtocolType string

const (
	ProtocolDKD             ProtocolType = "dkd"
	ProtocolSigning         ProtocolType = "signing"
	ProtocolResharing       ProtocolType = "resharing"
	ProtocolRecovery        ProtocolType = "recovery"
	ProtocolLockAcquisition ProtocolType = "lock_acquisition"
)

// AuthKind discriminates the authorization union.
type AuthKind string

const (
	AuthDeviceCertificate  AuthKind = "device_certificate"
	AuthThresholdSignature AuthKind = "threshold_signature"
	AuthInternalLifecycle  AuthKind = "internal_lifecycle"
)

// DeviceCertificate proves a single registered device emitted the event.
// Signature is Ed25519 over the event id.
type DeviceCertificate struct {
	DeviceID  aura.DeviceID `json:"device_id"`
	Signature []byte        `json:"signature"`
}

// ThresholdSignature proves M-of-N devices jointly authorized the event.
// The scheme is opaque to the ledger; only the aggregate bytes and the
// signer count are carried.
type ThresholdSignature struct {
	Signature   []byte `json:"signature"`
	SignerCount uint32 `json:"signer_count"`
}

// Authorization is a tagged union over the three proof kinds.
type Authorization struct {
	Kind      AuthKind            `json:"kind"`
	Device    *DeviceCertificate  `json:"device,omitempty"`
	Threshold *ThresholdSignature `json:"threshold,omitempty"`
}

// ByDevice builds a device-certificate authorization. The signature may be
// attached later with SetSignature once the event id is known.
func ByDevice(id aura.DeviceID) Authorization {
	return Authorization{Kind: AuthDeviceCertificate, Device: &DeviceCertificate{DeviceID: id}}
}

// ByThreshold builds a threshold-signature authorization.
func ByThreshold(signature []byte, signerCount uint32) Authorization {
	return Authorization{
		Kind:      AuthThresholdSignature,
		Threshold: &ThresholdSignature{Signature: signature, SignerCount: signerCount},
	}
}

// ByLifecycle marks an event generated by the local lifecycle machinery.
// Such events are rejected when they arrive from a remote peer.
func ByLifecycle() Authorization {
	return Authorization{Kind: AuthInternalLifecycle}
}

func (a Authorization) Validate() error {
	switch a.Kind {
	case AuthDeviceCertificate:
		if a.Device == nil || a.Threshold != nil {
			return fmt.Errorf("%w: device certificate payload missing or mixed", ErrBadAuth)
		}
		if a.Device.DeviceID.IsZero() {
			return fmt.Errorf("%w: device certificate without device id", ErrBadAuth)
		}
	case AuthThresholdSignature:
		if a.Threshold == nil || a.Device != nil {
			return fmt.Errorf("%w: threshold payload missing or mixed", ErrBadAuth)
		}
		if a.Threshold.SignerCount == 0 {
			return fmt.Errorf("%w: threshold signature with zero signers", ErrBadAuth)
		}
	case AuthInternalLifecycle:
		if a.Device != nil || a.Threshold != nil {
			return fmt.Errorf("%w: lifecycle marker carries a proof payload", ErrBadAuth)
		}
	default:
		return fmt.Errorf("%w: kind %q", ErrBadAuth, a.Kind)
	}
	return nil
}

// AuthorKey is the replay-protection namespace for nonces: device events
// are keyed per device, threshold and lifecycle events share one account
// level namespace each.
func (a Authorization) AuthorKey() string {
	switch a.Kind {
	case AuthDeviceCertificate:
		if a.Device != nil {
			return "device:" + a.Device.DeviceID.String()
		}
		return "device:?"
	case AuthThresholdSignature:
		return "threshold"
	default:
		return "internal"
	}
}

// withoutSignatures strips signature bytes so the event id can cover the
// author identity without covering the proof over the id itself.
func (a Authorization) withoutSignatures() Authorization {
	out := Authorization{Kind: a.Kind}
	if a.Device != nil {
		out.Device = &DeviceCertificate{DeviceID: a.Device.DeviceID}
	}
	if a.Threshold != nil {
		out.Threshold = &ThresholdSignature{SignerCount: a.Threshold.SignerCount}
	}
	return out
}

// Event is one entry of the account ledger.
type Event struct {
	Version       uint16          `json:"version"`
	EventID       aura.Hash32     `json:"event_id"`
	AccountID     aura.AccountID  `json:"account_id"`
	Timestamp     int64           `json:"timestamp"`
	Nonce         uint64          `json:"nonce"`
	ParentHash    *aura.Hash32    `json:"parent_hash"`
	EpochAtWrite  uint64          `json:"epoch_at_write"`
	Type          EventType       `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Authorization Authorization   `json:"authorization"`
}

// Author returns the emitting device for device-certified events.
func (e *Event) Author() (aura.DeviceID, bool) {
	if e.Authorization.Kind == AuthDeviceCertificate && e.Authorization.Device != nil {
		return e.Authorization.Device.DeviceID, true
	}
	return aura.DeviceID{}, false
}

// AuthorKey returns the nonce namespace of the event's author.
func (e *Event) AuthorKey() string { return e.Authorization.AuthorKey() }

// SessionID extracts the session id for payloads that carry one.
func (e *Event) SessionID() (aura.SessionID, bool) {
	if len(e.Payload) == 0 {
		return aura.SessionID{}, false
	}
	var probe struct {
		SessionID *aura.SessionID `json:"session_id"`
	}
	if err := json.Unmarshal(e.Payload, &probe); err != nil || probe.SessionID == nil {
		return aura.SessionID{}, false
	}
	if probe.SessionID.IsZero() {
		return aura.SessionID{}, false
	}
	return *probe.SessionID, true
}

// DecodePayload unmarshals the payload into v.
func (e *Event) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Validate checks the structural invariants that do not require ledger
// state: schema version, known type, integer ranges, authorization shape,
// and the content-hash binding of the event id.
func (e *Event) Validate() error {
	if e.Version != SchemaVersion {
		return fmt.Errorf("%w: %d", ErrUnknownVersion, e.Version)
	}
	if !e.Type.IsKnown() {
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	if e.AccountID.IsZero() {
		return fmt.Errorf("event missing account id")
	}
	if e.EpochAtWrite > MaxSafeInteger {
		return fmt.Errorf("%w: epoch_at_write %d", ErrOverflowUnsafe, e.EpochAtWrite)
	}
	if e.Nonce > MaxSafeInteger {
		return fmt.Errorf("%w: nonce %d", ErrOverflowUnsafe, e.Nonce)
	}
	if e.Timestamp < 0 || uint64(e.Timestamp) > MaxSafeInteger {
		return fmt.Errorf("%w: timestamp %d", ErrOverflowUnsafe, e.Timestamp)
	}
	if err := e.Authorization.Validate(); err != nil {
		return err
	}
	return e.VerifyID()
}

// Clone returns a deep copy.
func (e *Event) Clone() *Event {
	out := *e
	if e.ParentHash != nil {
		ph := *e.ParentHash
		out.ParentHash = &ph
	}
	if e.Payload != nil {
		out.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	if e.Authorization.Device != nil {
		d := *e.Authorization.Device
		d.Signature = append([]byte(nil), e.Authorization.Device.Signature...)
		out.Authorization.Device = &d
	}
	if e.Authorization.Threshold != nil {
		th := *e.Authorization.Threshold
		th.Signature = append([]byte(nil), e.Authorization.Threshold.Signature...)
		out.Authorization.Threshold = &th
	}
	return &out
}
