// Package archive exports sealed ledger snapshots to object storage for
// off-site backup and device onboarding. Blobs are AES-256-GCM sealed
// before upload and keyed by the content hash of the sealed bytes, so the
// store operator learns nothing and uploads are idempotent.
package archive

import (
	"context"
	"fmt"
	"sync"

	"github.com/aura-net/aura/pkg/aura"
	"github.com/aura-net/aura/pkg/effects"
	"github.com/aura-net/aura/pkg/ledger"
)

// Store is content-addressed object storage for sealed snapshot blobs.
type Store interface {
	Put(ctx context.Context, data []byte) (aura.Hash32, error)
	Get(ctx context.Context, hash aura.Hash32) ([]byte, error)
	Exists(ctx context.Context, hash aura.Hash32) (bool, error)
	Delete(ctx context.Context, hash aura.Hash32) error
}

const blobDomain = "snapshot-blob-v1"

func blobHash(data []byte) aura.Hash32 {
	return effects.Hash(blobDomain, data)
}

// Archiver seals snapshots under an account-level key. Any device holding
// the key material can import a blob, which is what onboarding needs.
type Archiver struct {
	store   Store
	key     [32]byte
	account aura.AccountID
	rand    effects.Rand
}

func New(store Store, keyMaterial []byte, account aura.AccountID, rnd effects.Rand) *Archiver {
	return &Archiver{
		store:   store,
		key:     effects.DeriveKey32("aura snapshot archive v1", keyMaterial),
		account: account,
		rand:    rnd,
	}
}

// Export seals and uploads a snapshot, returning the blob hash a restoring
// device needs to fetch it.
func (a *Archiver) Export(ctx context.Context, snap *ledger.Snapshot) (aura.Hash32, error) {
	if snap.AccountID != a.account {
		return aura.Hash32{}, fmt.Errorf("snapshot for account %s, archiving %s", snap.AccountID, a.account)
	}
	plain, err := snap.Encode()
	if err != nil {
		return aura.Hash32{}, fmt.Errorf("export snapshot: %w", err)
	}
	sealed, err := effects.Seal(a.key, a.account.Bytes(), plain, a.rand)
	if err != nil {
		return aura.Hash32{}, fmt.Errorf("export snapshot: %w", err)
	}
	hash, err := a.store.Put(ctx, sealed)
	if err != nil {
		return aura.Hash32{}, fmt.Errorf("export snapshot: %w", err)
	}
	return hash, nil
}

// Import fetches, unseals, and integrity-checks a snapshot blob.
func (a *Archiver) Import(ctx context.Context, hash aura.Hash32) (*ledger.Snapshot, error) {
	sealed, err := a.store.Get(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("import snapshot %s: %w", hash, err)
	}
	plain, err := effects.Unseal(a.key, a.account.Bytes(), sealed)
	if err != nil {
		return nil, fmt.Errorf("import snapshot %s: %w", hash, err)
	}
	snap, err := ledger.DecodeSnapshot(plain)
	if err != nil {
		return nil, fmt.Errorf("import snapshot %s: %w", hash, err)
	}
	if snap.AccountID != a.account {
		return nil, fmt.Errorf("import snapshot %s: blob belongs to account %s", hash, snap.AccountID)
	}
	return snap, nil
}

// MemoryStore is the in-process backend for tests and simulation.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[aura.Hash32][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[aura.Hash32][]byte)}
}

func (s *MemoryStore) Put(ctx context.Context, data []byte) (aura.Hash32, error) {
	hash := blobHash(data)
	v := make([]byte, len(data))
	copy(v, data)
	s.mu.Lock()
	s.blobs[hash] = v
	s.mu.Unlock()
	return hash, nil
}

func (s *MemoryStore) Get(ctx context.Context, hash aura.Hash32) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.blobs[hash]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", hash, effects.ErrNotFound)
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *MemoryStore) Exists(ctx context.Context, hash aura.Hash32) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[hash]
	return ok, nil
}

func (s *MemoryStore) Delete(ctx context.Context, hash aura.Hash32) error {
	s.mu.Lock()
	delete(s.blobs, hash)
	s.mu.Unlock()
	return nil
}
