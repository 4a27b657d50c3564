// Package journal is the capability fact store: a content-addressed set of
// facts kept apart from the event ledger. Facts merge by set union, so two
// replicas that exchange journals converge regardless of exchange order.
package journal

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/aura-net/aura/pkg/aura"
	"github.com/aura-net/aura/pkg/event"
)

const factDomain = "fact-v1"

// Fact is one immutable journal entry. The digest covers kind and body, so
// identical facts recorded independently on two devices collapse on merge.
type Fact struct {
	Digest       aura.Hash32     `json:"digest"`
	Kind         string          `json:"kind"`
	Body         json.RawMessage `json:"body"`
	RecordedAtMs int64           `json:"recorded_at_ms"`
}

// NewFact canonicalizes body and computes the content digest.
func NewFact(kind string, body any, recordedAtMs int64) (Fact, error) {
	raw, err := event.Canonicalize(body)
	if err != nil {
		return Fact{}, fmt.Errorf("journal fact body: %w", err)
	}
	digest, err := event.HashCanonical(factDomain, struct {
		Kind string          `json:"kind"`
		Body json.RawMessage `json:"body"`
	}{Kind: kind, Body: raw})
	if err != nil {
		return Fact{}, fmt.Errorf("journal fact digest: %w", err)
	}
	return Fact{Digest: digest, Kind: kind, Body: raw, RecordedAtMs: recordedAtMs}, nil
}

// Journal is a set of facts keyed by digest.
type Journal struct {
	Facts map[string]Fact `json:"facts"`
}

func New() Journal {
	return Journal{Facts: make(map[string]Fact)}
}

// Add inserts the fact. Re-adding keeps the earliest recording time.
func (j *Journal) Add(f Fact) {
	if j.Facts == nil {
		j.Facts = make(map[string]Fact)
	}
	key := f.Digest.String()
	if existing, ok := j.Facts[key]; ok {
		if existing.RecordedAtMs <= f.RecordedAtMs {
			return
		}
	}
	j.Facts[key] = f
}

func (j Journal) Len() int { return len(j.Facts) }

// Contains reports whether a fact with the digest is present.
func (j Journal) Contains(digest aura.Hash32) bool {
	_, ok := j.Facts[digest.String()]
	return ok
}

// ByKind returns the facts of one kind sorted by digest.
func (j Journal) ByKind(kind string) []Fact {
	var out []Fact
	for _, f := range j.Facts {
		if f.Kind == kind {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Digest.Less(out[b].Digest) })
	return out
}

// Merge unions two journals. Facts present in both keep the earlier
// recording time, so merge order never shows in the result.
func Merge(a, b Journal) Journal {
	out := New()
	for _, f := range a.Facts {
		out.Add(f)
	}
	for _, f := range b.Facts {
		out.Add(f)
	}
	return out
}

// Clone deep-copies the journal.
func (j Journal) Clone() Journal {
	out := New()
	for k, f := range j.Facts {
		body := make(json.RawMessage, len(f.Body))
		copy(body, f.Body)
		f.Body = body
		out.Facts[k] = f
	}
	return out
}
