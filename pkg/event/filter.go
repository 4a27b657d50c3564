package event

import "github.com/aura-net/aura/pkg/aura"

// PredicateKind discriminates the predicate AST.
type PredicateKind string

const (
	PredAuthorIn         PredicateKind = "author_in"
	PredEpochGreaterThan PredicateKind = "epoch_greater_than"
	PredAnd              PredicateKind = "and"
	PredOr               PredicateKind = "or"
)

// Predicate is a small boolean AST evaluated against one event.
type Predicate struct {
	Kind     PredicateKind   `json:"kind"`
	Authors  []aura.DeviceID `json:"authors,omitempty"`
	Epoch    uint64          `json:"epoch,omitempty"`
	Children []*Predicate    `json:"children,omitempty"`
}

func AuthorIn(authors ...aura.DeviceID) *Predicate {
	return &Predicate{Kind: PredAuthorIn, Authors: authors}
}

func EpochGreaterThan(epoch uint64) *Predicate {
	return &Predicate{Kind: PredEpochGreaterThan, Epoch: epoch}
}

func And(children ...*Predicate) *Predicate {
	return &Predicate{Kind: PredAnd, Children: children}
}

func Or(children ...*Predicate) *Predicate {
	return &Predicate{Kind: PredOr, Children: children}
}

// Eval returns the predicate's verdict for e. Unknown kinds evaluate to
// false so a malformed filter never matches more than intended.
func (p *Predicate) Eval(e *Event) bool {
	if p == nil {
		return true
	}
	switch p.Kind {
	case PredAuthorIn:
		author, ok := e.Author()
		if !ok {
			return false
		}
		for _, a := range p.Authors {
			if a == author {
				return true
			}
		}
		return false
	case PredEpochGreaterThan:
		return e.EpochAtWrite > p.Epoch
	case PredAnd:
		for _, c := range p.Children {
			if !c.Eval(e) {
				return false
			}
		}
		return true
	case PredOr:
		for _, c := range p.Children {
			if c.Eval(e) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Filter selects events for AwaitEvent and AwaitThreshold. All populated
// clauses must hold.
type Filter struct {
	SessionID *aura.SessionID `json:"session_id,omitempty"`
	Types     []EventType     `json:"event_types,omitempty"`
	Authors   []aura.DeviceID `json:"authors,omitempty"`
	Predicate *Predicate      `json:"predicate,omitempty"`
}

// BySession builds a filter for session events of the given types. With no
// types, every event of the session matches.
func BySession(sid aura.SessionID, types ...EventType) Filter {
	return Filter{SessionID: &sid, Types: types}
}

// ByTypes builds a filter matching any of the given event types.
func ByTypes(types ...EventType) Filter {
	return Filter{Types: types}
}

func (f Filter) Matches(e *Event) bool {
	if f.SessionID != nil {
		sid, ok := e.SessionID()
		if !ok || sid != *f.SessionID {
			return false
		}
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if e.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Authors) > 0 {
		author, ok := e.Author()
		if !ok {
			return false
		}
		found := false
		for _, a := range f.Authors {
			if a == author {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return f.Predicate.Eval(e)
}
