// Package effects isolates every source of nondeterminism behind narrow
// interfaces: scheduling time, wall-clock time, randomness, signing and
// sealing, and device-local storage. Production wires real implementations;
// the simulator substitutes seeded and virtual ones, which makes whole
// protocol runs reproducible byte for byte.
package effects

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Storage.Load for absent keys.
var ErrNotFound = errors.New("storage: key not found")

// Storage is the device-local key/value boundary. Keys are UTF-8 paths,
// values are opaque bytes.
type Storage interface {
	Store(ctx context.Context, key string, value []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// System bundles the effect handlers one device runs with. It is passed by
// reference wherever a component needs more than one concern; components
// that need a single concern take that interface directly.
type System struct {
	Time    TimeSource
	Clock   Clock
	Rand    Rand
	Signer  *Signer
	Storage Storage
	Leakage Leakage
}
