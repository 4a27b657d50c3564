package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aura-net/aura/pkg/aura"
	"github.com/aura-net/aura/pkg/capability"
	"github.com/aura-net/aura/pkg/effects"
	"github.com/aura-net/aura/pkg/event"
	"github.com/aura-net/aura/pkg/ledger"
	"github.com/aura-net/aura/pkg/storage"
)

// loadLedger rebuilds the replica from the device's storage root: the
// newest snapshot if one exists, then a replay of the persisted tail. Any
// unreadable snapshot or event is a halt, not a skip; a device must never
// run on partial history.
func loadLedger(ctx context.Context, store effects.Storage, account aura.AccountID, cfg ledger.Config, logger *slog.Logger) (*ledger.Ledger, uint64, error) {
	opts := []ledger.Option{ledger.WithLogger(logger.With("component", "ledger"))}

	snap, err := loadSnapshot(ctx, store)
	if err != nil {
		return nil, 0, err
	}
	if snap != nil && snap.AccountID != account {
		return nil, 0, fmt.Errorf("agent: stored snapshot belongs to account %s, configured %s", snap.AccountID, account)
	}

	horizon := uint64(0)
	if snap != nil {
		horizon = snap.LastEventIndex + 1
	}
	tail, err := loadEvents(ctx, store, horizon)
	if err != nil {
		return nil, 0, err
	}

	var led *ledger.Ledger
	switch {
	case snap != nil:
		led, err = ledger.FromSnapshot(snap, cfg, tail, opts...)
	case len(tail) > 0:
		led, err = ledger.Replay(account, cfg, tail, opts...)
	default:
		led = ledger.New(account, cfg, opts...)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("agent: restore ledger: %w", err)
	}
	if len(tail) > 0 || snap != nil {
		logger.Info("ledger restored",
			"events", len(tail),
			"from_snapshot", snap != nil,
			"next_index", led.NextIndex())
	}
	return led, led.NextIndex(), nil
}

func loadSnapshot(ctx context.Context, store effects.Storage) (*ledger.Snapshot, error) {
	keys, err := store.List(ctx, storage.SnapshotPrefix)
	if err != nil {
		return nil, fmt.Errorf("agent: list snapshots: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	newest := keys[len(keys)-1]
	data, err := store.Load(ctx, newest)
	if err != nil {
		return nil, fmt.Errorf("agent: load snapshot %q: %w", newest, err)
	}
	snap, err := ledger.DecodeSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("agent: snapshot %q: %w", newest, err)
	}
	return snap, nil
}

// loadEvents returns persisted events with log index >= horizon, in
// append order. The index-prefixed key layout makes the listing ordered.
func loadEvents(ctx context.Context, store effects.Storage, horizon uint64) ([]*event.Event, error) {
	keys, err := store.List(ctx, storage.EventPrefix)
	if err != nil {
		return nil, fmt.Errorf("agent: list events: %w", err)
	}
	var events []*event.Event
	for _, key := range keys {
		index, err := storage.EventKeyIndex(key)
		if err != nil {
			return nil, fmt.Errorf("agent: %w", err)
		}
		if index < horizon {
			continue
		}
		data, err := store.Load(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("agent: load event %q: %w", key, err)
		}
		e, _, err := event.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("agent: event %q: %w", key, err)
		}
		events = append(events, e)
	}
	return events, nil
}

// persistLoop mirrors every admitted event to storage as it lands.
// Returns only on cancellation or a storage failure.
func (a *Agent) persistLoop(ctx context.Context, fatal <-chan error) error {
	grew, cancel := a.led.Subscribe()
	defer cancel()

	if err := a.persistNew(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-fatal:
			return err
		case <-grew:
			if err := a.persistNew(ctx); err != nil {
				return err
			}
		}
	}
}

func (a *Agent) persistNew(ctx context.Context) error {
	a.mu.Lock()
	from := a.nextPersist
	a.mu.Unlock()

	events, err := a.led.EventsSince(from)
	if err != nil {
		return fmt.Errorf("agent: read events since %d: %w", from, err)
	}
	for i, e := range events {
		data, err := event.Encode(e)
		if err != nil {
			return fmt.Errorf("agent: encode event %s: %w", e.EventID, err)
		}
		index := from + uint64(i)
		if err := a.storage.Store(ctx, storage.EventKey(index, e.EventID), data); err != nil {
			return fmt.Errorf("agent: persist event %s: %w", e.EventID, err)
		}
		if a.telemetry != nil {
			a.telemetry.RecordAdmission(ctx, true, string(e.Type))
		}
	}
	if len(events) > 0 {
		a.mu.Lock()
		a.nextPersist = from + uint64(len(events))
		a.mu.Unlock()
	}
	return nil
}

// refreshingCredential mints sync tokens on demand and reuses them until
// shortly before expiry.
type refreshingCredential struct {
	issuer    *capability.Issuer
	authority aura.AuthorityID
	clock     effects.Clock
	ttl       time.Duration

	mu     sync.Mutex
	token  string
	expiry time.Time
}

func (c *refreshingCredential) Credential() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	if c.token != "" && now.Before(c.expiry.Add(-time.Minute)) {
		return c.token, nil
	}
	token, err := c.issuer.Issue(c.authority, []string{"sync:*"}, c.ttl)
	if err != nil {
		return "", fmt.Errorf("refresh sync credential: %w", err)
	}
	c.token = token
	c.expiry = now.Add(c.ttl)
	return c.token, nil
}
