package antientropy

import (
	"sort"

	"github.com/aura-net/aura/pkg/aura"
)

// Digest is an ordered set of event content identifiers. Two ledgers with
// equal digests reduce to the same account state, so reconciliation only
// has to transfer the symmetric difference.
type Digest struct {
	ids []aura.Hash32
}

// NewDigest builds a digest from the given identifiers, deduplicated and
// sorted lexicographically.
func NewDigest(ids []aura.Hash32) Digest {
	sorted := make([]aura.Hash32, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return less(sorted[i], sorted[j]) })
	out := sorted[:0]
	for i, id := range sorted {
		if i > 0 && id == sorted[i-1] {
			continue
		}
		out = append(out, id)
	}
	return Digest{ids: out}
}

func less(a, b aura.Hash32) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func (d Digest) Len() int { return len(d.ids) }

// IDs returns the ordered identifiers. Callers must not mutate the slice.
func (d Digest) IDs() []aura.Hash32 { return d.ids }

// Contains reports set membership by binary search.
func (d Digest) Contains(id aura.Hash32) bool {
	i := sort.Search(len(d.ids), func(i int) bool { return !less(d.ids[i], id) })
	return i < len(d.ids) && d.ids[i] == id
}

// Missing returns the identifiers present here but absent from other, in
// digest order. Missing(local, remote) is the push set; the mirror call is
// the pull set.
func (d Digest) Missing(other Digest) []aura.Hash32 {
	var out []aura.Hash32
	i, j := 0, 0
	for i < len(d.ids) && j < len(other.ids) {
		switch {
		case d.ids[i] == other.ids[j]:
			i++
			j++
		case less(d.ids[i], other.ids[j]):
			out = append(out, d.ids[i])
			i++
		default:
			j++
		}
	}
	out = append(out, d.ids[i:]...)
	return out
}

// IsSubset reports whether every identifier here also appears in other.
func (d Digest) IsSubset(other Digest) bool {
	i, j := 0, 0
	for i < len(d.ids) && j < len(other.ids) {
		switch {
		case d.ids[i] == other.ids[j]:
			i++
			j++
		case less(d.ids[i], other.ids[j]):
			return false
		default:
			j++
		}
	}
	return i == len(d.ids)
}
