package ledger

import (
	"encoding/json"
	"sort"
)

// NonceWindow tracks the set of nonces an author has consumed. Nonces below
// Watermark are all used; Sparse holds out-of-order nonces above it. Marking
// the next contiguous nonce folds the sparse set back into the watermark, so
// a well-behaved author costs O(1) space no matter how many events it writes.
type NonceWindow struct {
	watermark uint64
	sparse    map[uint64]struct{}
}

func NewNonceWindow() *NonceWindow {
	return &NonceWindow{sparse: make(map[uint64]struct{})}
}

// Seen reports whether nonce has already been consumed.
func (w *NonceWindow) Seen(nonce uint64) bool {
	if nonce < w.watermark {
		return true
	}
	_, ok := w.sparse[nonce]
	return ok
}

// Mark consumes nonce. It returns false when the nonce was already used.
func (w *NonceWindow) Mark(nonce uint64) bool {
	if w.Seen(nonce) {
		return false
	}
	w.sparse[nonce] = struct{}{}
	w.compact()
	return true
}

// compact advances the watermark across any contiguous run held in sparse.
func (w *NonceWindow) compact() {
	for {
		if _, ok := w.sparse[w.watermark]; !ok {
			return
		}
		delete(w.sparse, w.watermark)
		w.watermark++
	}
}

// Watermark returns the lowest nonce not yet known to be used, considering
// only the contiguous prefix.
func (w *NonceWindow) Watermark() uint64 { return w.watermark }

// Next returns the smallest nonce that is safe for a fresh local write.
func (w *NonceWindow) Next() uint64 {
	n := w.watermark
	for {
		if _, ok := w.sparse[n]; !ok {
			return n
		}
		n++
	}
}

func (w *NonceWindow) Clone() *NonceWindow {
	c := NewNonceWindow()
	c.watermark = w.watermark
	for n := range w.sparse {
		c.sparse[n] = struct{}{}
	}
	return c
}

type nonceWindowJSON struct {
	Watermark uint64   `json:"watermark"`
	Sparse    []uint64 `json:"sparse,omitempty"`
}

// MarshalJSON renders the window deterministically, sparse nonces ascending.
func (w *NonceWindow) MarshalJSON() ([]byte, error) {
	out := nonceWindowJSON{Watermark: w.watermark}
	if len(w.sparse) > 0 {
		out.Sparse = make([]uint64, 0, len(w.sparse))
		for n := range w.sparse {
			out.Sparse = append(out.Sparse, n)
		}
		sort.Slice(out.Sparse, func(i, j int) bool { return out.Sparse[i] < out.Sparse[j] })
	}
	return json.Marshal(out)
}

func (w *NonceWindow) UnmarshalJSON(data []byte) error {
	var in nonceWindowJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	w.watermark = in.Watermark
	w.sparse = make(map[uint64]struct{}, len(in.Sparse))
	for _, n := range in.Sparse {
		if n >= in.Watermark {
			w.sparse[n] = struct{}{}
		}
	}
	w.compact()
	return nil
}
