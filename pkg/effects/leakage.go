package effects

import "sync"

// Leakage accounts for metadata leaked to the network per context. Guards
// record how many bits of traffic metadata an authorized operation exposes;
// the meter answers "how observable has this context been".
type Leakage interface {
	RecordLeakage(context string, bits uint64)
}

// LeakageMeter is the in-memory Leakage implementation.
type LeakageMeter struct {
	mu   sync.Mutex
	bits map[string]uint64
}

func NewLeakageMeter() *LeakageMeter {
	return &LeakageMeter{bits: make(map[string]uint64)}
}

func (m *LeakageMeter) RecordLeakage(context string, bits uint64) {
	m.mu.Lock()
	m.bits[context] += bits
	m.mu.Unlock()
}

// Bits reports the accumulated leakage for one context.
func (m *LeakageMeter) Bits(context string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bits[context]
}

// Snapshot copies the full per-context accounting.
func (m *LeakageMeter) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.bits))
	for k, v := range m.bits {
		out[k] = v
	}
	return out
}
