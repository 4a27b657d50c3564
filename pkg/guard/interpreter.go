package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aura-net/aura/pkg/aura"
	"github.com/aura-net/aura/pkg/effects"
	"github.com/aura-net/aura/pkg/journal"
)

// BudgetCharger is the budget mutation surface the interpreter needs.
// Deposit exists so a failed later command can return what an earlier
// charge took.
type BudgetCharger interface {
	Charge(ctx context.Context, contextID aura.ContextID, peer aura.PeerID, amount int64) (int64, error)
	Deposit(ctx context.Context, contextID aura.ContextID, peer aura.PeerID, amount int64) (int64, error)
}

// EnvelopeSender delivers an outbound payload to a peer. Delivery runs
// after commit; a send failure never rolls back charges or journal facts.
type EnvelopeSender interface {
	SendEnvelope(ctx context.Context, peer aura.PeerID, payload []byte) error
}

// Interpreter executes the deferred commands of an authorized decision.
// Commands commit in concern order: metadata writes, budget charges, one
// journal merge, leakage accounting, envelope sends. A failure before the
// journal persists refunds every charge already taken, so a decision
// either lands whole or leaves the budget untouched.
type Interpreter struct {
	budgets  BudgetCharger
	journal  journal.Store
	rand     effects.Rand
	clock    effects.Clock
	leakage  effects.Leakage
	metadata effects.Storage
	sender   EnvelopeSender
	logger   *slog.Logger
}

func NewInterpreter(budgets BudgetCharger, store journal.Store, rand effects.Rand, clock effects.Clock, leakage effects.Leakage) *Interpreter {
	return &Interpreter{
		budgets: budgets,
		journal: store,
		rand:    rand,
		clock:   clock,
		leakage: leakage,
		logger:  slog.Default().With("component", "guard"),
	}
}

// WithMetadata installs the storage backend StoreMetadata commands write to.
func (it *Interpreter) WithMetadata(s effects.Storage) *Interpreter {
	it.metadata = s
	return it
}

// WithSender installs the transport SendEnvelope commands go out through.
func (it *Interpreter) WithSender(s EnvelopeSender) *Interpreter {
	it.sender = s
	return it
}

// WithLogger replaces the interpreter's logger.
func (it *Interpreter) WithLogger(l *slog.Logger) *Interpreter {
	it.logger = l
	return it
}

// Execute runs the decision's commands and returns the receipt. A denied
// decision returns *AuthorizationDeniedError without touching any state. A
// command failure after charges were taken refunds them before returning
// *CommandExecutionError, except for envelope sends, which fail after the
// commit point and leave charges and facts standing.
func (it *Interpreter) Execute(ctx context.Context, req *Request, d Decision) (*Receipt, error) {
	if !d.Authorized {
		return nil, &AuthorizationDeniedError{Reason: d.Reason, Cause: d.Err}
	}

	nonce, err := it.stage(d.Commands)
	if err != nil {
		return nil, err
	}

	receipt := &Receipt{
		Operation:   req.Operation,
		Context:     req.Context,
		Peer:        req.Peer,
		Nonce:       nonce,
		TimestampMs: it.clock.PhysicalTime().UnixMillis,
	}

	for i, cmd := range d.Commands {
		s, ok := cmd.(StoreMetadata)
		if !ok {
			continue
		}
		if err := it.metadata.Store(ctx, s.Key, s.Value); err != nil {
			return nil, &CommandExecutionError{Index: i, Kind: s.commandKind(), Cause: err}
		}
	}

	var charged []ChargeBudget
	for i, cmd := range d.Commands {
		c, ok := cmd.(ChargeBudget)
		if !ok {
			continue
		}
		remaining, err := it.budgets.Charge(ctx, c.Context, c.Peer, c.Amount)
		if err != nil {
			it.refund(ctx, charged)
			return nil, &CommandExecutionError{Index: i, Kind: c.commandKind(), Cause: err}
		}
		charged = append(charged, c)
		receipt.Cost = c.Amount
		receipt.Remaining = remaining
	}

	if err := it.persistFacts(ctx, d.Commands); err != nil {
		it.refund(ctx, charged)
		return nil, err
	}

	for _, cmd := range d.Commands {
		if l, ok := cmd.(RecordLeakage); ok {
			it.leakage.RecordLeakage(l.Context.String(), l.Bits)
		}
	}

	for i, cmd := range d.Commands {
		s, ok := cmd.(SendEnvelope)
		if !ok {
			continue
		}
		if err := it.sender.SendEnvelope(ctx, s.Peer, s.Payload); err != nil {
			return nil, &CommandExecutionError{Index: i, Kind: s.commandKind(), Cause: err}
		}
	}

	return receipt, nil
}

// stage validates every command and draws the receipt nonce before any
// effect runs, so malformed command lists never half-execute.
func (it *Interpreter) stage(cmds []Command) ([]byte, error) {
	var nonce []byte
	for i, cmd := range cmds {
		switch c := cmd.(type) {
		case GenerateNonce:
			if c.Size <= 0 {
				return nil, &CommandExecutionError{Index: i, Kind: c.commandKind(), Cause: fmt.Errorf("nonce size %d", c.Size)}
			}
			if nonce == nil {
				nonce = it.rand.Bytes(c.Size)
			}
		case ChargeBudget:
			if c.Amount < 0 {
				return nil, &CommandExecutionError{Index: i, Kind: c.commandKind(), Cause: fmt.Errorf("negative amount %d", c.Amount)}
			}
		case AppendJournal:
			if c.Fact.Digest.IsZero() {
				return nil, &CommandExecutionError{Index: i, Kind: c.commandKind(), Cause: errors.New("fact has zero digest")}
			}
		case RecordLeakage:
		case StoreMetadata:
			if c.Key == "" {
				return nil, &CommandExecutionError{Index: i, Kind: c.commandKind(), Cause: errors.New("empty key")}
			}
			if it.metadata == nil {
				return nil, &CommandExecutionError{Index: i, Kind: c.commandKind(), Cause: errors.New("no metadata store configured")}
			}
		case SendEnvelope:
			if it.sender == nil {
				return nil, &CommandExecutionError{Index: i, Kind: c.commandKind(), Cause: errors.New("no envelope sender configured")}
			}
		default:
			return nil, &CommandExecutionError{Index: i, Kind: fmt.Sprintf("%T", cmd), Cause: errors.New("unknown command")}
		}
	}
	return nonce, nil
}

// persistFacts folds every AppendJournal into one load, merge, persist pass
// so a decision's facts land atomically.
func (it *Interpreter) persistFacts(ctx context.Context, cmds []Command) error {
	staged := journal.New()
	idx := -1
	for i, cmd := range cmds {
		if a, ok := cmd.(AppendJournal); ok {
			staged.Add(a.Fact)
			idx = i
		}
	}
	if staged.Len() == 0 {
		return nil
	}
	cur, err := it.journal.Get(ctx)
	if err != nil {
		return &CommandExecutionError{Index: idx, Kind: AppendJournal{}.commandKind(), Cause: err}
	}
	if err := it.journal.Persist(ctx, journal.Merge(cur, staged)); err != nil {
		return &CommandExecutionError{Index: idx, Kind: AppendJournal{}.commandKind(), Cause: err}
	}
	return nil
}

func (it *Interpreter) refund(ctx context.Context, charged []ChargeBudget) {
	for _, c := range charged {
		if c.Amount == 0 {
			continue
		}
		if _, err := it.budgets.Deposit(ctx, c.Context, c.Peer, c.Amount); err != nil {
			it.logger.Warn("budget refund failed",
				"context", c.Context.String(),
				"peer", c.Peer.String(),
				"amount", c.Amount,
				"error", err.Error())
		}
	}
}

// Gate couples a chain with an interpreter: one call answers the
// authorization question and, on success, commits its effects.
type Gate struct {
	chain  *Chain
	interp *Interpreter
}

func NewGate(chain *Chain, interp *Interpreter) *Gate {
	return &Gate{chain: chain, interp: interp}
}

// Authorize evaluates the request and executes the resulting decision.
// Denials surface as *AuthorizationDeniedError; errors.As reaches the
// typed cause, for example the exact flow-budget shortfall.
func (g *Gate) Authorize(ctx context.Context, req *Request) (*Receipt, error) {
	d, err := g.chain.Evaluate(ctx, req)
	if err != nil {
		return nil, err
	}
	return g.interp.Execute(ctx, req, d)
}
