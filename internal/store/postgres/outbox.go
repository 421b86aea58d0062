package postgres

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/dkp-auction-engine/internal/store"
)

// OutboxRepo implements store.OutboxRepository with sqlx. Rows are inserted
// by AuctionRepo inside settlement transactions; this repo only reads and
// acknowledges them.
type OutboxRepo struct {
	db *sqlx.DB
}

// NewOutboxRepo returns a new OutboxRepo.
func NewOutboxRepo(db *sqlx.DB) *OutboxRepo {
	return &OutboxRepo{db: db}
}

func (r *OutboxRepo) Unpublished(ctx context.Context, limit int) ([]store.SettlementEvent, error) {
	var events []store.SettlementEvent
	err := r.db.SelectContext(ctx, &events,
		`SELECT * FROM settlement_outbox WHERE published_at IS NULL ORDER BY created_at ASC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, store.Unavailablef("listing unpublished settlement events", err)
	}
	return events, nil
}

func (r *OutboxRepo) MarkPublished(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE settlement_outbox SET published_at = $1 WHERE id = $2 AND published_at IS NULL`,
		at, id,
	)
	if err != nil {
		return store.Unavailablef("marking settlement event published", err)
	}
	return nil
}
