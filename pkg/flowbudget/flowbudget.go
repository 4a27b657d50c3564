// Package flowbudget meters outbound sync traffic per (context, peer). The
// guard chain checks headroom and charges here; refills happen on epoch
// ticks and are mirrored to the ledger for auditability.
package flowbudget

import (
	"context"
	"fmt"
	"time"

	"github.com/aura-net/aura/pkg/aura"
	"github.com/aura-net/aura/pkg/effects"
)

// Budget is the metering state for one (context, peer) pair.
type Budget struct {
	Context         aura.ContextID `json:"context_id"`
	Peer            aura.PeerID    `json:"peer_id"`
	Remaining       int64          `json:"remaining"`
	Capacity        int64          `json:"capacity"`
	LastRefillEpoch uint64         `json:"last_refill_epoch"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// InsufficientBudgetError reports a denied charge with the exact headroom.
type InsufficientBudgetError struct {
	Requested int64
	Available int64
}

func (e *InsufficientBudgetError) Error() string {
	return fmt.Sprintf("insufficient flow budget: requested %d, available %d", e.Requested, e.Available)
}

// Store persists budgets. Get returns (nil, nil) for an unknown pair; the
// manager materializes defaults on first use.
type Store interface {
	Get(ctx context.Context, contextID aura.ContextID, peer aura.PeerID) (*Budget, error)
	Set(ctx context.Context, b *Budget) error
	List(ctx context.Context) ([]Budget, error)
}

// Defaults configure newly-seen pairs and the epoch-tick refill.
type Defaults struct {
	Capacity          int64
	RefillAmount      int64
	RefillEveryEpochs uint64
}

// Budgets manages metering state: fail-closed charges against a Store,
// with configured defaults.
type Budgets struct {
	store    Store
	defaults Defaults
	clock    effects.Clock
}

func New(store Store, defaults Defaults, clock effects.Clock) *Budgets {
	if defaults.Capacity <= 0 {
		defaults.Capacity = DefaultCapacity
	}
	if defaults.RefillAmount <= 0 {
		defaults.RefillAmount = DefaultRefillAmount
	}
	if defaults.RefillEveryEpochs == 0 {
		defaults.RefillEveryEpochs = DefaultRefillEveryEpochs
	}
	return &Budgets{store: store, defaults: defaults, clock: clock}
}

// Default metering parameters; overridden from device config.
const (
	DefaultCapacity          = 4096
	DefaultRefillAmount      = 1024
	DefaultRefillEveryEpochs = 60
)

func (b *Budgets) materialize(ctx context.Context, contextID aura.ContextID, peer aura.PeerID) (*Budget, error) {
	cur, err := b.store.Get(ctx, contextID, peer)
	if err != nil {
		return nil, fmt.Errorf("flow budget lookup: %w", err)
	}
	if cur != nil {
		return cur, nil
	}
	return &Budget{
		Context:   contextID,
		Peer:      peer,
		Remaining: b.defaults.Capacity,
		Capacity:  b.defaults.Capacity,
		UpdatedAt: b.clock.Now(),
	}, nil
}

// Get reports the current budget, materializing defaults for unseen pairs.
func (b *Budgets) Get(ctx context.Context, contextID aura.ContextID, peer aura.PeerID) (Budget, error) {
	cur, err := b.materialize(ctx, contextID, peer)
	if err != nil {
		return Budget{}, err
	}
	return *cur, nil
}

// Charge subtracts amount and persists. A zero-amount charge is valid and
// still persists the materialized budget so the pair becomes visible to
// refills. Fails closed: store errors deny.
func (b *Budgets) Charge(ctx context.Context, contextID aura.ContextID, peer aura.PeerID, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("flow budget charge: negative amount %d", amount)
	}
	cur, err := b.materialize(ctx, contextID, peer)
	if err != nil {
		return 0, err
	}
	if amount > cur.Remaining {
		return cur.Remaining, &InsufficientBudgetError{Requested: amount, Available: cur.Remaining}
	}
	cur.Remaining -= amount
	cur.UpdatedAt = b.clock.Now()
	if err := b.store.Set(ctx, cur); err != nil {
		return 0, fmt.Errorf("flow budget persist: %w", err)
	}
	return cur.Remaining, nil
}

// Deposit adds amount back, capped at capacity. Used for refills and for
// compensating a charge whose enclosing command batch failed.
func (b *Budgets) Deposit(ctx context.Context, contextID aura.ContextID, peer aura.PeerID, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("flow budget deposit: negative amount %d", amount)
	}
	cur, err := b.materialize(ctx, contextID, peer)
	if err != nil {
		return 0, err
	}
	cur.Remaining += amount
	if cur.Remaining > cur.Capacity {
		cur.Remaining = cur.Capacity
	}
	cur.UpdatedAt = b.clock.Now()
	if err := b.store.Set(ctx, cur); err != nil {
		return 0, fmt.Errorf("flow budget persist: %w", err)
	}
	return cur.Remaining, nil
}

// Refill tops up every known pair that is due at the given epoch and
// returns the budgets that changed, so the caller can mirror each refill to
// the ledger.
func (b *Budgets) Refill(ctx context.Context, epoch uint64) ([]Budget, error) {
	all, err := b.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("flow budget list: %w", err)
	}
	var refilled []Budget
	for i := range all {
		cur := all[i]
		if cur.LastRefillEpoch != 0 && epoch < cur.LastRefillEpoch+b.defaults.RefillEveryEpochs {
			continue
		}
		if cur.Remaining >= cur.Capacity {
			cur.LastRefillEpoch = epoch
			if err := b.store.Set(ctx, &cur); err != nil {
				return refilled, fmt.Errorf("flow budget persist: %w", err)
			}
			continue
		}
		cur.Remaining += b.defaults.RefillAmount
		if cur.Remaining > cur.Capacity {
			cur.Remaining = cur.Capacity
		}
		cur.LastRefillEpoch = epoch
		cur.UpdatedAt = b.clock.Now()
		if err := b.store.Set(ctx, &cur); err != nil {
			return refilled, fmt.Errorf("flow budget persist: %w", err)
		}
		refilled = append(refilled, cur)
	}
	return refilled, nil
}
