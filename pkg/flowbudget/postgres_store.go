package flowbudget

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/aura-net/aura/pkg/aura"
)

// PostgresStore implements Store on PostgreSQL. Relay deployments that meter
// many devices share one table; personal devices use the memory store.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the budgets table when absent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS flow_budgets (
			context_id        TEXT NOT NULL,
			peer_id           TEXT NOT NULL,
			remaining         BIGINT NOT NULL,
			capacity          BIGINT NOT NULL,
			last_refill_epoch BIGINT NOT NULL DEFAULT 0,
			updated_at        TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (context_id, peer_id)
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure flow_budgets schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, contextID aura.ContextID, peer aura.PeerID) (*Budget, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT context_id, peer_id, remaining, capacity, last_refill_epoch, updated_at FROM flow_budgets WHERE context_id = $1 AND peer_id = $2",
		contextID.String(), peer.String())

	b, err := scanBudget(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get flow budget: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) Set(ctx context.Context, b *Budget) error {
	query := `
		INSERT INTO flow_budgets (context_id, peer_id, remaining, capacity, last_refill_epoch, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (context_id, peer_id) DO UPDATE SET
			remaining = EXCLUDED.remaining,
			capacity = EXCLUDED.capacity,
			last_refill_epoch = EXCLUDED.last_refill_epoch,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		b.Context.String(), b.Peer.String(), b.Remaining, b.Capacity, b.LastRefillEpoch, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("persist flow budget: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Budget, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT context_id, peer_id, remaining, capacity, last_refill_epoch, updated_at FROM flow_budgets ORDER BY context_id, peer_id")
	if err != nil {
		return nil, fmt.Errorf("list flow budgets: %w", err)
	}
	defer rows.Close()

	var out []Budget
	for rows.Next() {
		b, err := scanBudget(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("list flow budgets: %w", err)
		}
		out = append(out, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list flow budgets: %w", err)
	}
	return out, nil
}

func scanBudget(scan func(dest ...any) error) (*Budget, error) {
	var b Budget
	var contextID, peerID string
	if err := scan(&contextID, &peerID, &b.Remaining, &b.Capacity, &b.LastRefillEpoch, &b.UpdatedAt); err != nil {
		return nil, err
	}
	ctxID, err := aura.ParseContextID(contextID)
	if err != nil {
		return nil, fmt.Errorf("stored context id: %w", err)
	}
	peer, err := aura.ParsePeerID(peerID)
	if err != nil {
		return nil, fmt.Errorf("stored peer id: %w", err)
	}
	b.Context = ctxID
	b.Peer = peer
	return &b, nil
}
