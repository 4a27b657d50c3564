package effects

import (
	"crypto/hmac"
	cryptorand "crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"sync"

	"github.com/aura-net/aura/pkg/aura"
)

// Rand is the randomness boundary. Production uses the operating system
// CSPRNG; simulation uses a seeded counter PRNG so runs replay exactly.
type Rand interface {
	Uint64() uint64
	Intn(n int) int
	Bytes(n int) []byte
}

// SystemRand draws from crypto/rand.
type SystemRand struct{}

func (SystemRand) Uint64() uint64 {
	var b [8]byte
	_, _ = cryptorand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

func (r SystemRand) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	return int(r.Uint64() % uint64(n))
}

func (SystemRand) Bytes(n int) []byte {
	b := make([]byte, n)
	_, _ = cryptorand.Read(b)
	return b
}

// SeededRand is a deterministic HMAC-SHA256 counter PRNG. Two instances
// built from the same seed emit identical streams, which is what makes
// lock-arbitration backoff and simulation runs reproducible.
type SeededRand struct {
	mu      sync.Mutex
	seed    []byte
	counter uint64
}

func NewSeededRand(seed []byte) *SeededRand {
	s := make([]byte, len(seed))
	copy(s, seed)
	return &SeededRand{seed: s}
}

func (r *SeededRand) next() uint64 {
	r.counter++
	var counterBytes [8]byte
	binary.BigEndian.PutUint64(counterBytes[:], r.counter)
	h := hmac.New(sha256.New, r.seed)
	h.Write(counterBytes[:])
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

func (r *SeededRand) Uint64() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next()
}

func (r *SeededRand) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	return int(r.Uint64() % uint64(n))
}

func (r *SeededRand) Bytes(n int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]byte, n)
	for i := 0; i < n; i += 8 {
		val := r.next()
		var valBytes [8]byte
		binary.BigEndian.PutUint64(valBytes[:], val)
		copy(out[i:], valBytes[:])
	}
	return out
}

// Float64 returns a deterministic float in [0, 1); used for interval jitter.
func (r *SeededRand) Float64() float64 {
	return float64(r.Uint64()>>11) / (1 << 53)
}

// DeriveSeed derives a child seed from a parent seed and a label, so one
// scenario seed fans out into independent per-component streams.
func DeriveSeed(parent []byte, label string) []byte {
	h := hmac.New(sha256.New, parent)
	h.Write([]byte(label))
	return h.Sum(nil)
}

// SeedForDevice derives the per-device stream from a root seed.
func SeedForDevice(root []byte, device aura.DeviceID) []byte {
	return DeriveSeed(root, "device:"+device.String())
}
