// Package ledger holds the append-only event log and the pure reducer that
// folds accepted events into an AccountState. The reducer is deliberately
// order-tolerant: collection fields are grow-only maps, status flags are
// monotone, and the state hash covers only fields that are a function of the
// accepted event set rather than of arrival order. Two replicas that accept
// the same events report the same hash.
package ledger

import (
	"bytes"
	"sort"

	"github.com/aura-net/aura/pkg/aura"
	"github.com/aura-net/aura/pkg/event"
)

// IdentityContext is the derivation context of the account's identity key.
// The key derived for this context is the group public key that threshold
// authorizations verify against.
const IdentityContext = "aura/identity/v1"

// DeviceRecord is one enrolled device. Removal tombstones the record rather
// than deleting it so add/remove pairs fold the same way in any order.
type DeviceRecord struct {
	ID          aura.DeviceID `json:"id"`
	PublicKey   []byte        `json:"public_key"`
	DisplayName string        `json:"display_name,omitempty"`
	AddedAt     uint64        `json:"added_at"`
	Removed     bool          `json:"removed,omitempty"`
	RemovedAt   uint64        `json:"removed_at,omitempty"`
}

func (d *DeviceRecord) Active() bool { return d != nil && !d.Removed }

func (d *DeviceRecord) clone() *DeviceRecord {
	c := *d
	c.PublicKey = bytes.Clone(d.PublicKey)
	return &c
}

// GuardianRecord is one enrolled recovery guardian.
type GuardianRecord struct {
	ID          aura.GuardianID `json:"id"`
	PublicKey   []byte          `json:"public_key"`
	DisplayName string          `json:"display_name,omitempty"`
	AddedAt     uint64          `json:"added_at"`
	Removed     bool            `json:"removed,omitempty"`
	RemovedAt   uint64          `json:"removed_at,omitempty"`
}

func (g *GuardianRecord) Active() bool { return g != nil && !g.Removed }

func (g *GuardianRecord) clone() *GuardianRecord {
	c := *g
	c.PublicKey = bytes.Clone(g.PublicKey)
	return &c
}

// DerivedKey is the public result of a finalized key-derivation session,
// keyed by derivation context.
type DerivedKey struct {
	Context        string         `json:"context"`
	SessionID      aura.SessionID `json:"session_id"`
	GroupPublicKey []byte         `json:"group_public_key"`
	FinalizedAt    uint64         `json:"finalized_at"`
}

func (k *DerivedKey) clone() *DerivedKey {
	c := *k
	c.GroupPublicKey = bytes.Clone(k.GroupPublicKey)
	return &c
}

// CapabilityRecord tracks a delegated capability token by digest. Revocation
// tombstones the record.
type CapabilityRecord struct {
	Digest      aura.Hash32      `json:"digest"`
	Issuer      aura.AuthorityID `json:"issuer"`
	Subject     aura.AuthorityID `json:"subject"`
	Scope       string           `json:"scope"`
	Token       []byte           `json:"token,omitempty"`
	DelegatedAt uint64           `json:"delegated_at"`
	Revoked     bool             `json:"revoked,omitempty"`
	RevokedAt   uint64           `json:"revoked_at,omitempty"`
}

func (c *CapabilityRecord) Active() bool { return c != nil && !c.Revoked }

func (c *CapabilityRecord) clone() *CapabilityRecord {
	cc := *c
	cc.Token = bytes.Clone(c.Token)
	return &cc
}

// ShareDeletion is a pending time-to-live deletion of a session's local key
// material. Devices honor it once the deadline epoch passes.
type ShareDeletion struct {
	SessionID aura.SessionID `json:"session_id"`
	MarkedAt  uint64         `json:"marked_at"`
	TTLEpochs uint64         `json:"ttl_epochs"`
}

// DueAt returns the first epoch at which the shares must be gone.
func (s *ShareDeletion) DueAt() uint64 { return s.MarkedAt + s.TTLEpochs }

// SnapshotRecord registers a threshold-committed snapshot of the reduced
// state. The snapshot blob itself lives in storage keyed by state hash.
type SnapshotRecord struct {
	EventID        aura.Hash32 `json:"event_id"`
	StateHash      aura.Hash32 `json:"state_hash"`
	LastEventIndex uint64      `json:"last_event_index"`
	Epoch          uint64      `json:"epoch"`
}

// AccountState is the reduced view of the event log. All maps are keyed by
// text-marshalable ids so JSON encodings are canonical after JCS.
type AccountState struct {
	AccountID   aura.AccountID `json:"account_id"`
	Created     bool           `json:"created"`
	DisplayName string         `json:"display_name,omitempty"`
	Threshold   aura.Threshold `json:"threshold"`

	// KeyShareEpoch counts resharings of the identity key. Shares from an
	// older epoch are invalid even though the group public key is unchanged.
	KeyShareEpoch uint64 `json:"key_share_epoch"`

	Devices      map[aura.DeviceID]*DeviceRecord     `json:"devices"`
	Guardians    map[aura.GuardianID]*GuardianRecord `json:"guardians"`
	DerivedKeys  map[string]*DerivedKey              `json:"derived_keys"`
	Sessions     map[aura.SessionID]*Session         `json:"sessions"`
	Capabilities map[string]*CapabilityRecord        `json:"capabilities"`

	ShareDeletions map[aura.SessionID]*ShareDeletion `json:"share_deletions"`
	Snapshots      []SnapshotRecord                  `json:"snapshots"`

	EventsByAuthor    map[string]uint64 `json:"events_by_author"`
	EventCount        uint64            `json:"event_count"`
	LastRecoveryEpoch uint64            `json:"last_recovery_epoch"`

	// LamportClock is the device-local logical clock. It depends on apply
	// order, so it stays outside the state hash.
	LamportClock uint64 `json:"lamport_clock"`
}

func NewAccountState() *AccountState {
	return &AccountState{
		Devices:        make(map[aura.DeviceID]*DeviceRecord),
		Guardians:      make(map[aura.GuardianID]*GuardianRecord),
		DerivedKeys:    make(map[string]*DerivedKey),
		Sessions:       make(map[aura.SessionID]*Session),
		Capabilities:   make(map[string]*CapabilityRecord),
		ShareDeletions: make(map[aura.SessionID]*ShareDeletion),
		EventsByAuthor: make(map[string]uint64),
	}
}

// Device returns the record for id, tombstoned or not.
func (s *AccountState) Device(id aura.DeviceID) *DeviceRecord { return s.Devices[id] }

// Guardian returns the record for id, tombstoned or not.
func (s *AccountState) Guardian(id aura.GuardianID) *GuardianRecord { return s.Guardians[id] }

// ActiveDevices lists non-removed devices sorted by id.
func (s *AccountState) ActiveDevices() []*DeviceRecord {
	out := make([]*DeviceRecord, 0, len(s.Devices))
	for _, d := range s.Devices {
		if d.Active() {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// ActiveGuardians lists non-removed guardians sorted by id.
func (s *AccountState) ActiveGuardians() []*GuardianRecord {
	out := make([]*GuardianRecord, 0, len(s.Guardians))
	for _, g := range s.Guardians {
		if g.Active() {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// GroupPublicKey returns the identity key established by key derivation, or
// nil when no derivation has finalized yet.
func (s *AccountState) GroupPublicKey() []byte {
	if k, ok := s.DerivedKeys[IdentityContext]; ok {
		return k.GroupPublicKey
	}
	return nil
}

// Session returns the session record, or nil.
func (s *AccountState) Session(id aura.SessionID) *Session { return s.Sessions[id] }

// ActiveSessions lists non-terminal sessions sorted by id.
func (s *AccountState) ActiveSessions() []*Session {
	out := make([]*Session, 0, len(s.Sessions))
	for _, sess := range s.Sessions {
		if !sess.IsTerminal() {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// Clone deep-copies the state so callers can hold a view without racing the
// reducer.
func (s *AccountState) Clone() *AccountState {
	c := *s
	c.Devices = make(map[aura.DeviceID]*DeviceRecord, len(s.Devices))
	for k, v := range s.Devices {
		c.Devices[k] = v.clone()
	}
	c.Guardians = make(map[aura.GuardianID]*GuardianRecord, len(s.Guardians))
	for k, v := range s.Guardians {
		c.Guardians[k] = v.clone()
	}
	c.DerivedKeys = make(map[string]*DerivedKey, len(s.DerivedKeys))
	for k, v := range s.DerivedKeys {
		c.DerivedKeys[k] = v.clone()
	}
	c.Sessions = make(map[aura.SessionID]*Session, len(s.Sessions))
	for k, v := range s.Sessions {
		c.Sessions[k] = v.clone()
	}
	c.Capabilities = make(map[string]*CapabilityRecord, len(s.Capabilities))
	for k, v := range s.Capabilities {
		c.Capabilities[k] = v.clone()
	}
	c.ShareDeletions = make(map[aura.SessionID]*ShareDeletion, len(s.ShareDeletions))
	for k, v := range s.ShareDeletions {
		sd := *v
		c.ShareDeletions[k] = &sd
	}
	c.Snapshots = append([]SnapshotRecord(nil), s.Snapshots...)
	c.EventsByAuthor = make(map[string]uint64, len(s.EventsByAuthor))
	for k, v := range s.EventsByAuthor {
		c.EventsByAuthor[k] = v
	}
	return &c
}

// stateDigest is the hashed projection of AccountState. The Lamport clock is
// excluded because it depends on apply order.
type stateDigest struct {
	AccountID         aura.AccountID                      `json:"account_id"`
	Created           bool                                `json:"created"`
	DisplayName       string                              `json:"display_name"`
	Threshold         aura.Threshold                      `json:"threshold"`
	KeyShareEpoch     uint64                              `json:"key_share_epoch"`
	Devices           map[aura.DeviceID]*DeviceRecord     `json:"devices"`
	Guardians         map[aura.GuardianID]*GuardianRecord `json:"guardians"`
	DerivedKeys       map[string]*DerivedKey              `json:"derived_keys"`
	Sessions          map[aura.SessionID]*Session         `json:"sessions"`
	Capabilities      map[string]*CapabilityRecord        `json:"capabilities"`
	ShareDeletions    map[aura.SessionID]*ShareDeletion   `json:"share_deletions"`
	Snapshots         []SnapshotRecord                    `json:"snapshots"`
	EventsByAuthor    map[string]uint64                   `json:"events_by_author"`
	EventCount        uint64                              `json:"event_count"`
	LastRecoveryEpoch uint64                              `json:"last_recovery_epoch"`
}

const stateDomain = "state-v1"

// ComputeStateHash hashes the canonical encoding of the reduced state.
// Replicas holding the same accepted event set produce the same hash
// regardless of the order events arrived in.
func (s *AccountState) ComputeStateHash() (aura.Hash32, error) {
	snaps := append([]SnapshotRecord(nil), s.Snapshots...)
	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].LastEventIndex != snaps[j].LastEventIndex {
			return snaps[i].LastEventIndex < snaps[j].LastEventIndex
		}
		return snaps[i].StateHash.Less(snaps[j].StateHash)
	})
	d := stateDigest{
		AccountID:         s.AccountID,
		Created:           s.Created,
		DisplayName:       s.DisplayName,
		Threshold:         s.Threshold,
		KeyShareEpoch:     s.KeyShareEpoch,
		Devices:           s.Devices,
		Guardians:         s.Guardians,
		DerivedKeys:       s.DerivedKeys,
		Sessions:          s.Sessions,
		Capabilities:      s.Capabilities,
		ShareDeletions:    s.ShareDeletions,
		Snapshots:         snaps,
		EventsByAuthor:    s.EventsByAuthor,
		EventCount:        s.EventCount,
		LastRecoveryEpoch: s.LastRecoveryEpoch,
	}
	return event.HashCanonical(stateDomain, &d)
}
