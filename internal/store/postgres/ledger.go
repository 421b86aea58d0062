package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/dkp-auction-engine/internal/clock"
	"github.com/jensholdgaard/dkp-auction-engine/internal/ledger"
	"github.com/jensholdgaard/dkp-auction-engine/internal/store"
)

// LedgerRepo implements store.LedgerRepository with sqlx. Every mutation is
// one transaction over the balance row (locked FOR UPDATE) and the
// append-only point_transactions log.
type LedgerRepo struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewLedgerRepo returns a new LedgerRepo.
func NewLedgerRepo(db *sqlx.DB, clk clock.Clock) *LedgerRepo {
	return &LedgerRepo{db: db, clock: clk}
}

func (r *LedgerRepo) Upsert(ctx context.Context, memberID string) (*store.Balance, error) {
	now := r.clock.Now().UTC()
	var b store.Balance
	err := r.db.GetContext(ctx, &b,
		`INSERT INTO balances (member_id, current_points, lifetime_gained, lifetime_spent, created_at, updated_at)
		 VALUES ($1, 0, 0, 0, $2, $2)
		 ON CONFLICT (member_id) DO UPDATE SET updated_at = balances.updated_at
		 RETURNING *`,
		memberID, now,
	)
	if err != nil {
		return nil, store.Unavailablef("upserting balance", err)
	}
	return &b, nil
}

func (r *LedgerRepo) Get(ctx context.Context, memberID string) (*store.Balance, error) {
	var b store.Balance
	err := r.db.GetContext(ctx, &b, `SELECT * FROM balances WHERE member_id = $1`, memberID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("balance for member %s: %w", memberID, store.ErrNotFound)
	}
	if err != nil {
		return nil, store.Unavailablef("getting balance", err)
	}
	return &b, nil
}

func (r *LedgerRepo) List(ctx context.Context) ([]store.Balance, error) {
	var balances []store.Balance
	err := r.db.SelectContext(ctx, &balances, `SELECT * FROM balances ORDER BY current_points DESC, member_id ASC`)
	if err != nil {
		return nil, store.Unavailablef("listing balances", err)
	}
	return balances, nil
}

func (r *LedgerRepo) Credit(ctx context.Context, memberID string, amount, cap int, reason, performedBy string) (*store.CreditResult, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, store.Unavailablef("beginning credit transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	b, err := lockBalance(ctx, tx, memberID)
	if err != nil {
		return nil, err
	}

	res := ledger.ApplyGain(b.CurrentPoints, amount, cap)
	out := &store.CreditResult{
		NewPoints:  res.NewPoints,
		ActualGain: res.ActualGain,
		WasCapped:  res.WasCapped,
	}
	if res.ActualGain == 0 {
		// Fully clipped: nothing to record, the ledger stays as-is.
		return out, nil
	}

	now := r.clock.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE balances SET current_points = $1, lifetime_gained = lifetime_gained + $2, updated_at = $3
		 WHERE member_id = $4`,
		res.NewPoints, res.ActualGain, now, memberID,
	); err != nil {
		return nil, store.Unavailablef("updating balance", err)
	}

	txn := store.PointTransaction{
		ID:          uuid.NewString(),
		MemberID:    memberID,
		Amount:      res.ActualGain,
		Reason:      reason,
		PerformedBy: performedBy,
		CreatedAt:   now,
	}
	if err := insertTransaction(ctx, tx, &txn); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, store.Unavailablef("committing credit", err)
	}
	out.Transaction = &txn
	return out, nil
}

func (r *LedgerRepo) Debit(ctx context.Context, memberID string, amount int, reason, performedBy string, relatedAuctionID *string) (*store.PointTransaction, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, store.Unavailablef("beginning debit transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	// An auction settles exactly once: a prior debit for the same auction
	// is returned instead of applying a second one.
	if relatedAuctionID != nil {
		var existing store.PointTransaction
		err := tx.GetContext(ctx, &existing,
			`SELECT * FROM point_transactions WHERE related_auction_id = $1 AND amount < 0 LIMIT 1`,
			*relatedAuctionID,
		)
		if err == nil {
			return &existing, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, store.Unavailablef("checking prior settlement debit", err)
		}
	}

	b, err := lockBalance(ctx, tx, memberID)
	if err != nil {
		return nil, err
	}

	newPoints, ok := ledger.ApplySpend(b.CurrentPoints, amount)
	if !ok {
		return nil, fmt.Errorf("debit %d from member %s with balance %d: %w",
			amount, memberID, b.CurrentPoints, store.ErrInsufficientBalance)
	}

	now := r.clock.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE balances SET current_points = $1, lifetime_spent = lifetime_spent + $2, updated_at = $3
		 WHERE member_id = $4`,
		newPoints, amount, now, memberID,
	); err != nil {
		return nil, store.Unavailablef("updating balance", err)
	}

	txn := store.PointTransaction{
		ID:               uuid.NewString(),
		MemberID:         memberID,
		Amount:           -amount,
		Reason:           reason,
		PerformedBy:      performedBy,
		RelatedAuctionID: relatedAuctionID,
		CreatedAt:        now,
	}
	if err := insertTransaction(ctx, tx, &txn); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, store.Unavailablef("committing debit", err)
	}
	return &txn, nil
}

func (r *LedgerRepo) Transactions(ctx context.Context, memberID string) ([]store.PointTransaction, error) {
	var txns []store.PointTransaction
	err := r.db.SelectContext(ctx, &txns,
		`SELECT * FROM point_transactions WHERE member_id = $1 ORDER BY created_at DESC`, memberID)
	if err != nil {
		return nil, store.Unavailablef("listing transactions", err)
	}
	return txns, nil
}

func (r *LedgerRepo) Rebuild(ctx context.Context, memberID string) (*store.Balance, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, store.Unavailablef("beginning rebuild transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := lockBalance(ctx, tx, memberID); err != nil {
		return nil, err
	}

	var gained, spent int
	err = tx.QueryRowContext(ctx,
		`SELECT
		   COALESCE(SUM(CASE WHEN amount > 0 THEN amount ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN amount < 0 THEN -amount ELSE 0 END), 0)
		 FROM point_transactions WHERE member_id = $1`,
		memberID,
	).Scan(&gained, &spent)
	if err != nil {
		return nil, store.Unavailablef("summing transactions", err)
	}

	var b store.Balance
	err = tx.GetContext(ctx, &b,
		`UPDATE balances SET current_points = $1, lifetime_gained = $2, lifetime_spent = $3, updated_at = $4
		 WHERE member_id = $5
		 RETURNING *`,
		gained-spent, gained, spent, r.clock.Now().UTC(), memberID,
	)
	if err != nil {
		return nil, store.Unavailablef("rewriting balance", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, store.Unavailablef("committing rebuild", err)
	}
	return &b, nil
}

// lockBalance reads a balance row FOR UPDATE inside tx.
func lockBalance(ctx context.Context, tx *sqlx.Tx, memberID string) (*store.Balance, error) {
	var b store.Balance
	err := tx.GetContext(ctx, &b, `SELECT * FROM balances WHERE member_id = $1 FOR UPDATE`, memberID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("balance for member %s: %w", memberID, store.ErrNotFound)
	}
	if err != nil {
		return nil, store.Unavailablef("locking balance", err)
	}
	return &b, nil
}

func insertTransaction(ctx context.Context, tx *sqlx.Tx, t *store.PointTransaction) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO point_transactions (id, member_id, amount, reason, performed_by, related_auction_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.MemberID, t.Amount, t.Reason, t.PerformedBy, t.RelatedAuctionID, t.CreatedAt,
	)
	if err != nil {
		return store.Unavailablef("appending transaction", err)
	}
	return nil
}
