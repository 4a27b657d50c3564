// Package guard gates every outbound network action. A chain of pure guards
// turns a request into a decision plus deferred effect commands; an
// interpreter then executes the commands against the effect system and
// returns the flow-budget receipt. Guards decide, the interpreter acts.
package guard

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aura-net/aura/pkg/aura"
	"github.com/aura-net/aura/pkg/capability"
	"github.com/aura-net/aura/pkg/effects"
	"github.com/aura-net/aura/pkg/journal"
)

// Operation tags the network action being authorized.
type Operation string

const (
	OpRequestDigest Operation = "sync:request_digest"
	OpRequestOps    Operation = "sync:request_ops"
	OpPushOp        Operation = "sync:push_op"
	OpAnnounceOp    Operation = "sync:announce_op"
)

// Valid reports whether the operation is one of the known tags.
func (o Operation) Valid() bool {
	switch o {
	case OpRequestDigest, OpRequestOps, OpPushOp, OpAnnounceOp:
		return true
	}
	return false
}

// Request is one authorization question: may authority perform operation
// against peer in this context, at this cost.
type Request struct {
	Authority  aura.AuthorityID
	Operation  Operation
	Cost       int64
	Context    aura.ContextID
	Peer       aura.PeerID
	Credential string
	Extra      map[string]string
}

// Validate rejects structurally bad requests before any guard runs.
func (r *Request) Validate() error {
	if !r.Operation.Valid() {
		return fmt.Errorf("unknown operation %q", r.Operation)
	}
	if r.Cost < 0 {
		return fmt.Errorf("negative cost %d", r.Cost)
	}
	if r.Authority.IsZero() {
		return fmt.Errorf("zero authority")
	}
	if r.Context.IsZero() {
		return fmt.Errorf("zero context")
	}
	if r.Peer.IsZero() {
		return fmt.Errorf("zero peer")
	}
	return nil
}

// Decision is a guard's verdict. Reason is a stable human-readable tag;
// Err optionally carries a typed cause (for example the exact budget
// shortfall) that survives into the caller's errors.As checks.
type Decision struct {
	Authorized bool
	Reason     string
	Err        error
	Commands   []Command
}

func denied(reason string) Decision { return Decision{Reason: reason} }

func allowed(cmds ...Command) Decision {
	return Decision{Authorized: true, Commands: cmds}
}

// Guard is one pure predicate in the chain. Check returns a denial as a
// Decision; an error return means the guard itself could not run
// (infrastructure fault) and fails the whole chain closed.
type Guard interface {
	Name() string
	Check(ctx context.Context, req *Request) (Decision, error)
}

// Chain is the fixed guard pipeline. The first denial wins; on full
// success the commands of every guard are concatenated, then the standard
// tail is appended: a journal fact recording the authorization and the
// leakage accounting for the message class.
type Chain struct {
	guards []Guard
	clock  effects.Clock
	logger *slog.Logger
}

func NewChain(clock effects.Clock, guards ...Guard) *Chain {
	return &Chain{
		guards: guards,
		clock:  clock,
		logger: slog.Default().With("component", "guard"),
	}
}

// WithLogger replaces the chain's logger.
func (c *Chain) WithLogger(l *slog.Logger) *Chain {
	c.logger = l
	return c
}

// DefaultChain wires the production pipeline: capability scope check, the
// optional CEL policy, then flow-budget headroom. An empty policy
// expression installs no policy guard.
func DefaultChain(clock effects.Clock, verifier capability.Verifier, policyExpr string, budgets BudgetReader) (*Chain, error) {
	guards := []Guard{NewCapabilityGuard(verifier)}
	if policyExpr != "" {
		pg, err := NewPolicyGuard(policyExpr)
		if err != nil {
			return nil, err
		}
		guards = append(guards, pg)
	}
	guards = append(guards, NewBudgetGuard(budgets))
	return NewChain(clock, guards...), nil
}

// authorizationRecord is the journal fact body for an authorized request.
type authorizationRecord struct {
	Authority aura.AuthorityID `json:"authority"`
	Operation Operation        `json:"operation"`
	Context   aura.ContextID   `json:"context_id"`
	Peer      aura.PeerID      `json:"peer_id"`
	Cost      int64            `json:"cost"`
	IssuedAt  int64            `json:"issued_at_ms"`
}

// Evaluate runs the chain. The returned decision carries every deferred
// command; nothing has been executed yet.
func (c *Chain) Evaluate(ctx context.Context, req *Request) (Decision, error) {
	if err := req.Validate(); err != nil {
		return denied(fmt.Sprintf("malformed request: %v", err)), nil
	}

	cmds := []Command{GenerateNonce{Size: ReceiptNonceSize}}
	for _, g := range c.guards {
		d, err := g.Check(ctx, req)
		if err != nil {
			return Decision{}, fmt.Errorf("guard %s: %w", g.Name(), err)
		}
		if !d.Authorized {
			c.logger.Debug("guard denied request",
				"guard", g.Name(),
				"operation", string(req.Operation),
				"peer", req.Peer.String(),
				"reason", d.Reason)
			return Decision{Reason: fmt.Sprintf("%s: %s", g.Name(), d.Reason), Err: d.Err}, nil
		}
		cmds = append(cmds, d.Commands...)
	}

	fact, err := journal.NewFact(capability.FactKindAuthorization, authorizationRecord{
		Authority: req.Authority,
		Operation: req.Operation,
		Context:   req.Context,
		Peer:      req.Peer,
		Cost:      req.Cost,
		IssuedAt:  c.clock.PhysicalTime().UnixMillis,
	}, c.clock.PhysicalTime().UnixMillis)
	if err != nil {
		return Decision{}, fmt.Errorf("authorization fact: %w", err)
	}
	cmds = append(cmds,
		AppendJournal{Fact: fact},
		RecordLeakage{Context: req.Context, Bits: leakageBits(req.Operation)},
	)
	return Decision{Authorized: true, Commands: cmds}, nil
}

// leakageBits estimates what a passive observer learns from one message of
// each class: timing and size always leak, ops carrying event bodies leak
// more. Coarse on purpose; the meter tracks trends, not exact entropy.
func leakageBits(op Operation) uint64 {
	switch op {
	case OpAnnounceOp:
		return 96
	case OpRequestDigest:
		return 128
	case OpRequestOps:
		return 160
	case OpPushOp:
		return 192
	default:
		return 64
	}
}
