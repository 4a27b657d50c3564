// Package aura defines the identifier and hash types shared by every
// subsystem: accounts, devices, guardians, authorities, contexts, sessions,
// and 32-byte Blake3 content hashes.
package aura

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// AccountID identifies a threshold-controlled account.
type AccountID uuid.UUID

// DeviceID identifies one device belonging to an account.
type DeviceID uuid.UUID

// GuardianID identifies a trusted recovery peer.
type GuardianID uuid.UUID

// AuthorityID identifies the issuer of a capability token.
type AuthorityID uuid.UUID

// ContextID scopes flow budgets and capability grants.
type ContextID uuid.UUID

// SessionID identifies one in-flight multi-party protocol instance.
type SessionID uuid.UUID

// PeerID identifies a sync peer. Devices and guardians are both peers;
// flow budgets and receipts are keyed by (ContextID, PeerID).
type PeerID uuid.UUID

// RelationshipID keys the per-relationship counters in account state.
type RelationshipID string

func NewAccountID() AccountID     { return AccountID(uuid.New()) }
func NewDeviceID() DeviceID       { return DeviceID(uuid.New()) }
func NewGuardianID() GuardianID   { return GuardianID(uuid.New()) }
func NewAuthorityID() AuthorityID { return AuthorityID(uuid.New()) }
func NewContextID() ContextID     { return ContextID(uuid.New()) }
func NewSessionID() SessionID     { return SessionID(uuid.New()) }

func (id AccountID) String() string   { return uuid.UUID(id).String() }
func (id DeviceID) String() string    { return uuid.UUID(id).String() }
func (id GuardianID) String() string  { return uuid.UUID(id).String() }
func (id AuthorityID) String() string { return uuid.UUID(id).String() }
func (id ContextID) String() string   { return uuid.UUID(id).String() }
func (id SessionID) String() string   { return uuid.UUID(id).String() }
func (id PeerID) String() string      { return uuid.UUID(id).String() }

// Peer converts a device identity into a sync-peer identity.
func (id DeviceID) Peer() PeerID { return PeerID(id) }

// Peer converts a guardian identity into a sync-peer identity.
func (id GuardianID) Peer() PeerID { return PeerID(id) }

func (id AccountID) IsZero() bool   { return uuid.UUID(id) == uuid.Nil }
func (id DeviceID) IsZero() bool    { return uuid.UUID(id) == uuid.Nil }
func (id GuardianID) IsZero() bool  { return uuid.UUID(id) == uuid.Nil }
func (id AuthorityID) IsZero() bool { return uuid.UUID(id) == uuid.Nil }
func (id ContextID) IsZero() bool   { return uuid.UUID(id) == uuid.Nil }
func (id SessionID) IsZero() bool   { return uuid.UUID(id) == uuid.Nil }
func (id PeerID) IsZero() bool      { return uuid.UUID(id) == uuid.Nil }

// Bytes returns the 16-byte canonical form.
func (id AccountID) Bytes() []byte  { u := uuid.UUID(id); return u[:] }
func (id DeviceID) Bytes() []byte   { u := uuid.UUID(id); return u[:] }
func (id GuardianID) Bytes() []byte { u := uuid.UUID(id); return u[:] }
func (id SessionID) Bytes() []byte  { u := uuid.UUID(id); return u[:] }
func (id PeerID) Bytes() []byte     { u := uuid.UUID(id); return u[:] }

func ParseAccountID(s string) (AccountID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return AccountID{}, fmt.Errorf("parse account id: %w", err)
	}
	return AccountID(u), nil
}

func ParseDeviceID(s string) (DeviceID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return DeviceID{}, fmt.Errorf("parse device id: %w", err)
	}
	return DeviceID(u), nil
}

func ParseGuardianID(s string) (GuardianID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return GuardianID{}, fmt.Errorf("parse guardian id: %w", err)
	}
	return GuardianID(u), nil
}

func ParseAuthorityID(s string) (AuthorityID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return AuthorityID{}, fmt.Errorf("parse authority id: %w", err)
	}
	return AuthorityID(u), nil
}

func ParseContextID(s string) (ContextID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ContextID{}, fmt.Errorf("parse context id: %w", err)
	}
	return ContextID(u), nil
}

func ParseSessionID(s string) (SessionID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return SessionID{}, fmt.Errorf("parse session id: %w", err)
	}
	return SessionID(u), nil
}

func ParsePeerID(s string) (PeerID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return PeerID{}, fmt.Errorf("parse peer id: %w", err)
	}
	return PeerID(u), nil
}

func (id AccountID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id *AccountID) UnmarshalText(b []byte) error {
	v, err := ParseAccountID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

func (id DeviceID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id *DeviceID) UnmarshalText(b []byte) error {
	v, err := ParseDeviceID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

func (id GuardianID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id *GuardianID) UnmarshalText(b []byte) error {
	v, err := ParseGuardianID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

func (id AuthorityID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id *AuthorityID) UnmarshalText(b []byte) error {
	v, err := ParseAuthorityID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

func (id ContextID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id *ContextID) UnmarshalText(b []byte) error {
	v, err := ParseContextID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

func (id SessionID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id *SessionID) UnmarshalText(b []byte) error {
	v, err := ParseSessionID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

func (id PeerID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id *PeerID) UnmarshalText(b []byte) error {
	v, err := ParsePeerID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

// Hash32 is a Blake3 digest used as a content identifier (CID).
type Hash32 [32]byte

const hashPrefix = "b3:"

// HashFromBytes copies a 32-byte slice into a Hash32.
func HashFromBytes(b []byte) (Hash32, error) {
	var h Hash32
	if len(b) != len(h) {
		return h, fmt.Errorf("hash must be %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

// ParseHash32 parses the "b3:<hex>" rendering.
func ParseHash32(s string) (Hash32, error) {
	var h Hash32
	if len(s) != len(hashPrefix)+2*len(h) || s[:len(hashPrefix)] != hashPrefix {
		return h, fmt.Errorf("malformed hash %q", s)
	}
	raw, err := hex.DecodeString(s[len(hashPrefix):])
	if err != nil {
		return h, fmt.Errorf("malformed hash %q: %w", s, err)
	}
	copy(h[:], raw)
	return h, nil
}

func (h Hash32) String() string { return hashPrefix + hex.EncodeToString(h[:]) }

func (h Hash32) IsZero() bool { return h == Hash32{} }

// Less orders hashes lexicographically; used wherever deterministic
// iteration over hash-keyed collections is required.
func (h Hash32) Less(other Hash32) bool { return bytes.Compare(h[:], other[:]) < 0 }

func (h Hash32) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Hash32) UnmarshalText(b []byte) error {
	v, err := ParseHash32(string(b))
	if err != nil {
		return err
	}
	*h = v
	return nil
}
