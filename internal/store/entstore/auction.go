package entstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jensholdgaard/dkp-auction-engine/internal/clock"
	"github.com/jensholdgaard/dkp-auction-engine/internal/store"
)

const auctionColumns = `id, item_id, min_bid, status, created_by, winner_id, winning_bid, ends_at, duration_minutes, created_at, ended_at`
const bidColumns = `id, auction_id, bidder_id, amount, created_at`

// AuctionRepo implements store.AuctionRepository using database/sql.
type AuctionRepo struct {
	db    *sql.DB
	clock clock.Clock
}

// NewAuctionRepo returns a new AuctionRepo.
func NewAuctionRepo(db *sql.DB, clk clock.Clock) *AuctionRepo {
	return &AuctionRepo{db: db, clock: clk}
}

func scanAuction(row rowScanner) (*store.Auction, error) {
	a := &store.Auction{}
	err := row.Scan(&a.ID, &a.ItemID, &a.MinBid, &a.Status, &a.CreatedBy, &a.WinnerID,
		&a.WinningBid, &a.EndsAt, &a.DurationMinutes, &a.CreatedAt, &a.EndedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func scanBid(row rowScanner) (*store.Bid, error) {
	b := &store.Bid{}
	err := row.Scan(&b.ID, &b.AuctionID, &b.BidderID, &b.Amount, &b.CreatedAt)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (r *AuctionRepo) Create(ctx context.Context, a *store.Auction) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO auctions (id, item_id, min_bid, status, created_by, ends_at, duration_minutes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.ItemID, a.MinBid, a.Status, a.CreatedBy, a.EndsAt, a.DurationMinutes, a.CreatedAt,
	)
	if err != nil {
		return store.Unavailablef("inserting auction", err)
	}
	return nil
}

func (r *AuctionRepo) Get(ctx context.Context, id string) (*store.Auction, error) {
	a, err := scanAuction(r.db.QueryRowContext(ctx,
		`SELECT `+auctionColumns+` FROM auctions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("auction %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, store.Unavailablef("getting auction", err)
	}
	return a, nil
}

func (r *AuctionRepo) ListActive(ctx context.Context) ([]store.Auction, error) {
	return r.listByStatus(ctx, store.StatusActive)
}

func (r *AuctionRepo) ListSettling(ctx context.Context) ([]store.Auction, error) {
	return r.listByStatus(ctx, store.StatusSettling)
}

func (r *AuctionRepo) listByStatus(ctx context.Context, status string) ([]store.Auction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+auctionColumns+` FROM auctions WHERE status = $1 ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, store.Unavailablef("listing auctions", err)
	}
	defer rows.Close()

	var auctions []store.Auction
	for rows.Next() {
		a, scanErr := scanAuction(rows)
		if scanErr != nil {
			return nil, store.Unavailablef("scanning auction row", scanErr)
		}
		auctions = append(auctions, *a)
	}
	return auctions, rows.Err()
}

func (r *AuctionRepo) Bids(ctx context.Context, auctionID string) ([]store.Bid, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE auction_id = $1 ORDER BY created_at ASC`, auctionID)
	if err != nil {
		return nil, store.Unavailablef("listing bids", err)
	}
	defer rows.Close()

	var bids []store.Bid
	for rows.Next() {
		b, scanErr := scanBid(rows)
		if scanErr != nil {
			return nil, store.Unavailablef("scanning bid row", scanErr)
		}
		bids = append(bids, *b)
	}
	return bids, rows.Err()
}

func (r *AuctionRepo) RecordBid(ctx context.Context, b *store.Bid, extendTo *time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Unavailablef("beginning bid transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM auctions WHERE id = $1 FOR UPDATE`, b.AuctionID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("auction %s: %w", b.AuctionID, store.ErrAuctionNotActive)
	}
	if err != nil {
		return store.Unavailablef("locking auction", err)
	}
	if status != store.StatusActive {
		return fmt.Errorf("auction %s has status %s: %w", b.AuctionID, status, store.ErrAuctionNotActive)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO bids (`+bidColumns+`) VALUES ($1, $2, $3, $4, $5)`,
		b.ID, b.AuctionID, b.BidderID, b.Amount, b.CreatedAt,
	); err != nil {
		return store.Unavailablef("inserting bid", err)
	}

	if extendTo != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE auctions SET ends_at = $1 WHERE id = $2`, *extendTo, b.AuctionID,
		); err != nil {
			return store.Unavailablef("extending deadline", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return store.Unavailablef("committing bid", err)
	}
	return nil
}

func (r *AuctionRepo) Cancel(ctx context.Context, id string, endedAt time.Time) error {
	return r.finalize(ctx, id, store.StatusActive, store.StatusCancelled, nil, nil, endedAt)
}

func (r *AuctionRepo) ClaimSettlement(ctx context.Context, id string, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE auctions SET status = $1 WHERE id = $2 AND status = $3 AND ends_at <= $4`,
		store.StatusSettling, id, store.StatusActive, now,
	)
	if err != nil {
		return false, store.Unavailablef("claiming settlement", err)
	}
	n, _ := result.RowsAffected()
	return n == 1, nil
}

func (r *AuctionRepo) CompleteSettlement(ctx context.Context, id, winnerID string, winningBid int, endedAt time.Time) error {
	return r.finalize(ctx, id, store.StatusSettling, store.StatusCompleted, &winnerID, &winningBid, endedAt)
}

func (r *AuctionRepo) CancelSettlement(ctx context.Context, id string, endedAt time.Time) error {
	return r.finalize(ctx, id, store.StatusSettling, store.StatusCancelled, nil, nil, endedAt)
}

func (r *AuctionRepo) finalize(ctx context.Context, id, fromStatus, toStatus string, winnerID *string, winningBid *int, endedAt time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Unavailablef("beginning settlement transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx,
		`UPDATE auctions SET status = $1, winner_id = $2, winning_bid = $3, ended_at = $4
		 WHERE id = $5 AND status = $6`,
		toStatus, winnerID, winningBid, endedAt, id, fromStatus,
	)
	if err != nil {
		return store.Unavailablef("finalizing auction", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("auction %s not in status %s: %w", id, fromStatus, store.ErrAuctionNotActive)
	}

	outcome := store.OutcomeCancelled
	if toStatus == store.StatusCompleted {
		outcome = store.OutcomeCompleted
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO settlement_outbox (id, auction_id, outcome, winner_id, winning_bid, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (auction_id) DO NOTHING`,
		uuid.NewString(), id, outcome, winnerID, winningBid, endedAt,
	); err != nil {
		return store.Unavailablef("inserting settlement event", err)
	}

	if err := tx.Commit(); err != nil {
		return store.Unavailablef("committing settlement", err)
	}
	return nil
}
