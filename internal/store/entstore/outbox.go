package entstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/jensholdgaard/dkp-auction-engine/internal/store"
)

const outboxColumns = `id, auction_id, outcome, winner_id, winning_bid, created_at, published_at`

// OutboxRepo implements store.OutboxRepository using database/sql.
type OutboxRepo struct {
	db *sql.DB
}

// NewOutboxRepo returns a new OutboxRepo.
func NewOutboxRepo(db *sql.DB) *OutboxRepo {
	return &OutboxRepo{db: db}
}

func (r *OutboxRepo) Unpublished(ctx context.Context, limit int) ([]store.SettlementEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+outboxColumns+` FROM settlement_outbox
		 WHERE published_at IS NULL ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, store.Unavailablef("listing unpublished settlement events", err)
	}
	defer rows.Close()

	var events []store.SettlementEvent
	for rows.Next() {
		var e store.SettlementEvent
		if err := rows.Scan(&e.ID, &e.AuctionID, &e.Outcome, &e.WinnerID, &e.WinningBid, &e.CreatedAt, &e.PublishedAt); err != nil {
			return nil, store.Unavailablef("scanning settlement event row", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
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
