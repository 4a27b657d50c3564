package storage

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aura-net/aura/pkg/aura"
)

// Key layout of a device's storage root. Events and snapshots live under
// ledger/, sealed shares under shares/, and the capability journal under
// journal/ (see the journal package's StorageKey).

const (
	EventPrefix    = "ledger/events/"
	SnapshotPrefix = "ledger/snapshot/"
	SharePrefix    = "shares/"
	ConfigKey      = "config/device.toml"
)

// EventKey is where one ledger event's encoded bytes live. The absolute
// log index leads the key so a prefix listing returns events in append
// order, which restore-by-replay depends on.
func EventKey(index uint64, id aura.Hash32) string {
	return fmt.Sprintf("%s%012d-%s", EventPrefix, index, id)
}

// EventKeyIndex recovers the log index from an event key.
func EventKeyIndex(key string) (uint64, error) {
	rest := strings.TrimPrefix(key, EventPrefix)
	dash := strings.IndexByte(rest, '-')
	if dash < 0 {
		return 0, fmt.Errorf("malformed event key %q", key)
	}
	index, err := strconv.ParseUint(rest[:dash], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed event key %q: %w", key, err)
	}
	return index, nil
}

// SnapshotKey is where the snapshot sealing events up to index lives.
func SnapshotKey(index uint64) string { return fmt.Sprintf("%s%012d", SnapshotPrefix, index) }

// ShareKey is where a session's sealed key share lives.
func ShareKey(session aura.SessionID) string { return SharePrefix + session.String() }
