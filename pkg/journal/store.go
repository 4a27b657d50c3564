package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/aura-net/aura/pkg/effects"
)

// StorageKey is where the serialized journal lives under a device's storage
// root.
const StorageKey = "journal/capabilities"

// Store persists one device's journal. Get on a fresh device returns an
// empty journal, not an error.
type Store interface {
	Get(ctx context.Context) (Journal, error)
	Persist(ctx context.Context, j Journal) error
}

// serializedJournal is the on-disk form: facts as a digest-sorted array so
// the stored bytes are stable for identical journals.
type serializedJournal struct {
	Version int    `json:"version"`
	Facts   []Fact `json:"facts"`
}

// StorageStore keeps the journal under one key of the storage effect.
type StorageStore struct {
	storage effects.Storage
	key     string
}

func NewStorageStore(storage effects.Storage) *StorageStore {
	return &StorageStore{storage: storage, key: StorageKey}
}

func (s *StorageStore) Get(ctx context.Context) (Journal, error) {
	raw, err := s.storage.Load(ctx, s.key)
	if errors.Is(err, effects.ErrNotFound) {
		return New(), nil
	}
	if err != nil {
		return Journal{}, fmt.Errorf("load journal: %w", err)
	}
	var ser serializedJournal
	if err := json.Unmarshal(raw, &ser); err != nil {
		return Journal{}, fmt.Errorf("decode journal: %w", err)
	}
	j := New()
	for _, f := range ser.Facts {
		j.Add(f)
	}
	return j, nil
}

func (s *StorageStore) Persist(ctx context.Context, j Journal) error {
	facts := make([]Fact, 0, len(j.Facts))
	for _, f := range j.Facts {
		facts = append(facts, f)
	}
	sort.Slice(facts, func(a, b int) bool { return facts[a].Digest.Less(facts[b].Digest) })
	raw, err := json.Marshal(serializedJournal{Version: 1, Facts: facts})
	if err != nil {
		return fmt.Errorf("encode journal: %w", err)
	}
	if err := s.storage.Store(ctx, s.key, raw); err != nil {
		return fmt.Errorf("persist journal: %w", err)
	}
	return nil
}
