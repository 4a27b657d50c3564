package guard

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/aura-net/aura/pkg/aura"
	"github.com/aura-net/aura/pkg/capability"
	"github.com/aura-net/aura/pkg/flowbudget"
)

// CapabilityGuard checks that the presented credential's scopes cover the
// requested operation. Verification is black-box behind the Verifier.
type CapabilityGuard struct {
	verifier capability.Verifier
}

func NewCapabilityGuard(v capability.Verifier) *CapabilityGuard {
	return &CapabilityGuard{verifier: v}
}

func (g *CapabilityGuard) Name() string { return "capability" }

func (g *CapabilityGuard) Check(ctx context.Context, req *Request) (Decision, error) {
	if req.Credential == "" {
		return denied("no credential presented"), nil
	}
	grant, err := g.verifier.Verify(req.Credential)
	if err != nil {
		return denied(fmt.Sprintf("credential rejected: %v", err)), nil
	}
	if grant.Subject != req.Authority {
		return denied("credential subject does not match requesting authority"), nil
	}
	if !grant.Allows(string(req.Operation)) {
		return denied(fmt.Sprintf("scopes do not cover %s", req.Operation)), nil
	}
	return allowed(), nil
}

// PolicyGuard evaluates a compiled CEL expression over the request
// attributes. Evaluation errors deny; the policy engine fails closed.
type PolicyGuard struct {
	prg cel.Program
}

// NewPolicyGuard compiles the expression once. The expression sees
// operation, cost, peer, context and extra, and must produce a bool.
func NewPolicyGuard(expression string) (*PolicyGuard, error) {
	env, err := cel.NewEnv(
		cel.Variable("operation", cel.StringType),
		cel.Variable("cost", cel.IntType),
		cel.Variable("peer", cel.StringType),
		cel.Variable("context", cel.StringType),
		cel.Variable("extra", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("policy environment: %w", err)
	}
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile policy: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("policy must evaluate to bool, got %s", ast.OutputType())
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("policy program: %w", err)
	}
	return &PolicyGuard{prg: prg}, nil
}

func (g *PolicyGuard) Name() string { return "policy" }

func (g *PolicyGuard) Check(ctx context.Context, req *Request) (Decision, error) {
	extra := req.Extra
	if extra == nil {
		extra = map[string]string{}
	}
	out, _, err := g.prg.Eval(map[string]any{
		"operation": string(req.Operation),
		"cost":      req.Cost,
		"peer":      req.Peer.String(),
		"context":   req.Context.String(),
		"extra":     extra,
	})
	if err != nil {
		return denied(fmt.Sprintf("policy evaluation failed: %v", err)), nil
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return denied("policy result is not a bool"), nil
	}
	if !ok {
		return denied("policy rejected request"), nil
	}
	return allowed(), nil
}

// BudgetReader is the read side of the flow-budget effect.
type BudgetReader interface {
	Get(ctx context.Context, contextID aura.ContextID, peer aura.PeerID) (flowbudget.Budget, error)
}

// BudgetGuard checks headroom and defers the actual charge to the
// interpreter as a ChargeBudget command.
type BudgetGuard struct {
	budgets BudgetReader
}

func NewBudgetGuard(budgets BudgetReader) *BudgetGuard {
	return &BudgetGuard{budgets: budgets}
}

func (g *BudgetGuard) Name() string { return "flow_budget" }

func (g *BudgetGuard) Check(ctx context.Context, req *Request) (Decision, error) {
	b, err := g.budgets.Get(ctx, req.Context, req.Peer)
	if err != nil {
		return Decision{}, err
	}
	if req.Cost > b.Remaining {
		cause := &flowbudget.InsufficientBudgetError{Requested: req.Cost, Available: b.Remaining}
		d := denied(cause.Error())
		d.Err = cause
		return d, nil
	}
	return allowed(ChargeBudget{
		Context:   req.Context,
		Authority: req.Authority,
		Peer:      req.Peer,
		Amount:    req.Cost,
	}), nil
}
