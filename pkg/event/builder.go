package event

import (
	"fmt"

	"github.com/aura-net/aura/pkg/aura"
)

// Params collects everything the author must supply to mint an event. The
// ledger fills Nonce, ParentHash, and EpochAtWrite from the author's chain
// position; protocol code provides the rest.
type Params struct {
	AccountID     aura.AccountID
	Timestamp     int64
	Nonce         uint64
	ParentHash    *aura.Hash32
	EpochAtWrite  uint64
	Type          EventType
	Payload       any
	Authorization Authorization
}

// New assembles an event, canonicalizes its payload, and computes its id.
// The result is structurally valid but unsigned; attach the proof bytes
// with AttachDeviceSignature or AttachThresholdSignature. Signatures are
// outside the hashed fields, so attaching them keeps the id stable.
func New(p Params) (*Event, error) {
	payload, err := EncodePayload(p.Payload)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", p.Type, err)
	}
	e := &Event{
		Version:       SchemaVersion,
		AccountID:     p.AccountID,
		Timestamp:     p.Timestamp,
		Nonce:         p.Nonce,
		ParentHash:    p.ParentHash,
		EpochAtWrite:  p.EpochAtWrite,
		Type:          p.Type,
		Payload:       payload,
		Authorization: p.Authorization,
	}
	if err := e.Authorization.Validate(); err != nil {
		return nil, fmt.Errorf("build %s: %w", p.Type, err)
	}
	if err := e.Finalize(); err != nil {
		return nil, fmt.Errorf("build %s: %w", p.Type, err)
	}
	return e, nil
}

// AttachDeviceSignature stores the Ed25519 signature over the event id.
func (e *Event) AttachDeviceSignature(sig []byte) error {
	if e.Authorization.Kind != AuthDeviceCertificate || e.Authorization.Device == nil {
		return fmt.Errorf("%w: not a device-certified event", ErrBadAuth)
	}
	e.Authorization.Device.Signature = append([]byte(nil), sig...)
	return nil
}

// AttachThresholdSignature stores the aggregate signature over the event id.
func (e *Event) AttachThresholdSignature(sig []byte) error {
	if e.Authorization.Kind != AuthThresholdSignature || e.Authorization.Threshold == nil {
		return fmt.Errorf("%w: not a threshold-signed event", ErrBadAuth)
	}
	e.Authorization.Threshold.Signature = append([]byte(nil), sig...)
	return nil
}
