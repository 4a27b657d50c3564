package ledger

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/aura-net/aura/pkg/aura"
	"github.com/aura-net/aura/pkg/event"
)

// SnapshotVersion is bumped when the snapshot layout changes.
const SnapshotVersion uint16 = 1

// Snapshot is a point-in-time serialization of the reduced state plus the
// admission cursors and the ids of every event it covers. A device restored
// from a snapshot syncs from the horizon forward instead of replaying
// compacted history.
type Snapshot struct {
	Version        uint16                  `json:"version"`
	AccountID      aura.AccountID          `json:"account_id"`
	StateHash      aura.Hash32             `json:"state_hash"`
	LastEventIndex uint64                  `json:"last_event_index"`
	TakenAtEpoch   uint64                  `json:"taken_at_epoch"`
	State          *AccountState           `json:"state"`
	Cursors        map[string]*ChainCursor `json:"cursors"`
	CoveredIDs     []aura.Hash32           `json:"covered_ids"`
}

// Encode renders the snapshot canonically so its bytes, and therefore any
// content-addressed blob key, are stable across devices.
func (s *Snapshot) Encode() ([]byte, error) {
	return event.Canonicalize(s)
}

// DecodeSnapshot parses and integrity-checks an encoded snapshot.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if s.Version != SnapshotVersion {
		return nil, fmt.Errorf("decode snapshot: unknown version %d", s.Version)
	}
	if s.State == nil {
		return nil, fmt.Errorf("decode snapshot: %w", ErrSnapshotIntegrity)
	}
	got, err := s.State.ComputeStateHash()
	if err != nil {
		return nil, err
	}
	if got != s.StateHash {
		return nil, fmt.Errorf("%w: have %s want %s", ErrSnapshotIntegrity, got, s.StateHash)
	}
	return &s, nil
}

// TakeSnapshot captures the current reduced state. The caller commits it by
// writing a threshold-signed snapshot event carrying the returned state hash
// and index, then calls Compact once the event is accepted.
func (l *Ledger) TakeSnapshot(epoch uint64) (*Snapshot, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := l.base + uint64(len(l.log))
	if total == 0 {
		return nil, fmt.Errorf("%w: empty ledger", ErrSnapshotOutOfRange)
	}
	hash, err := l.state.ComputeStateHash()
	if err != nil {
		return nil, err
	}
	cursors := make(map[string]*ChainCursor, len(l.cursors))
	for k, v := range l.cursors {
		cursors[k] = v.clone()
	}
	ids := make([]aura.Hash32, 0, len(l.byID)+len(l.covered))
	for id := range l.covered {
		ids = append(ids, id)
	}
	for _, e := range l.log {
		if e.Authorization.Kind == event.AuthInternalLifecycle {
			continue
		}
		ids = append(ids, e.EventID)
	}
	sortHashes(ids)
	return &Snapshot{
		Version:        SnapshotVersion,
		AccountID:      l.accountID,
		StateHash:      hash,
		LastEventIndex: total - 1,
		TakenAtEpoch:   epoch,
		State:          l.state.Clone(),
		Cursors:        cursors,
		CoveredIDs:     ids,
	}, nil
}

// Compact drops live log entries up to and including lastIndex, keeping only
// their ids. It refuses to discard events that no committed snapshot record
// covers.
func (l *Ledger) Compact(lastIndex uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lastIndex < l.base {
		return nil
	}
	if lastIndex >= l.base+uint64(len(l.log)) {
		return fmt.Errorf("%w: index %d", ErrSnapshotOutOfRange, lastIndex)
	}
	committed := false
	for _, rec := range l.state.Snapshots {
		if rec.LastEventIndex >= lastIndex {
			committed = true
			break
		}
	}
	if !committed {
		return fmt.Errorf("%w: no committed snapshot covers index %d", ErrSnapshotOutOfRange, lastIndex)
	}
	cut := lastIndex - l.base + 1
	for _, e := range l.log[:cut] {
		if e.Authorization.Kind != event.AuthInternalLifecycle {
			l.covered[e.EventID] = struct{}{}
		}
		delete(l.byID, e.EventID)
	}
	l.log = append([]*event.Event(nil), l.log[cut:]...)
	l.base = lastIndex + 1
	return nil
}

// FromSnapshot builds a ledger seeded from a snapshot, then replays the tail
// from local storage. The tail is trusted for lifecycle events because it is
// this device's own log.
func FromSnapshot(snap *Snapshot, cfg Config, tail []*event.Event, opts ...Option) (*Ledger, error) {
	got, err := snap.State.ComputeStateHash()
	if err != nil {
		return nil, err
	}
	if got != snap.StateHash {
		return nil, fmt.Errorf("%w: have %s want %s", ErrSnapshotIntegrity, got, snap.StateHash)
	}
	l := New(snap.AccountID, cfg, opts...)
	l.state = snap.State.Clone()
	l.base = snap.LastEventIndex + 1
	for k, v := range snap.Cursors {
		l.cursors[k] = v.clone()
	}
	for _, id := range snap.CoveredIDs {
		l.covered[id] = struct{}{}
	}
	for i, e := range tail {
		if err := l.admit(e, admitReplay); err != nil {
			return nil, fmt.Errorf("replay tail[%d]: %w", i, err)
		}
	}
	return l, nil
}

// Replay rebuilds a ledger from a complete stored event log.
func Replay(accountID aura.AccountID, cfg Config, events []*event.Event, opts ...Option) (*Ledger, error) {
	l := New(accountID, cfg, opts...)
	for i, e := range events {
		if err := l.admit(e, admitReplay); err != nil {
			return nil, fmt.Errorf("replay[%d]: %w", i, err)
		}
	}
	return l, nil
}

func sortHashes(ids []aura.Hash32) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
}
