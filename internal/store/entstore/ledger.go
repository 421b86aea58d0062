package entstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jensholdgaard/dkp-auction-engine/internal/clock"
	"github.com/jensholdgaard/dkp-auction-engine/internal/ledger"
	"github.com/jensholdgaard/dkp-auction-engine/internal/store"
)

const balanceColumns = `member_id, current_points, lifetime_gained, lifetime_spent, created_at, updated_at`
const transactionColumns = `id, member_id, amount, reason, performed_by, related_auction_id, created_at`

// LedgerRepo implements store.LedgerRepository using database/sql.
type LedgerRepo struct {
	db    *sql.DB
	clock clock.Clock
}

// NewLedgerRepo returns a new LedgerRepo.
func NewLedgerRepo(db *sql.DB, clk clock.Clock) *LedgerRepo {
	return &LedgerRepo{db: db, clock: clk}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBalance(row rowScanner) (*store.Balance, error) {
	b := &store.Balance{}
	err := row.Scan(&b.MemberID, &b.CurrentPoints, &b.LifetimeGained, &b.LifetimeSpent, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func scanTransaction(row rowScanner) (*store.PointTransaction, error) {
	t := &store.PointTransaction{}
	err := row.Scan(&t.ID, &t.MemberID, &t.Amount, &t.Reason, &t.PerformedBy, &t.RelatedAuctionID, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r *LedgerRepo) Upsert(ctx context.Context, memberID string) (*store.Balance, error) {
	now := r.clock.Now().UTC()
	b, err := scanBalance(r.db.QueryRowContext(ctx,
		`INSERT INTO balances (member_id, current_points, lifetime_gained, lifetime_spent, created_at, updated_at)
		 VALUES ($1, 0, 0, 0, $2, $2)
		 ON CONFLICT (member_id) DO UPDATE SET updated_at = balances.updated_at
		 RETURNING `+balanceColumns,
		memberID, now,
	))
	if err != nil {
		return nil, store.Unavailablef("upserting balance", err)
	}
	return b, nil
}

func (r *LedgerRepo) Get(ctx context.Context, memberID string) (*store.Balance, error) {
	b, err := scanBalance(r.db.QueryRowContext(ctx,
		`SELECT `+balanceColumns+` FROM balances WHERE member_id = $1`, memberID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("balance for member %s: %w", memberID, store.ErrNotFound)
	}
	if err != nil {
		return nil, store.Unavailablef("getting balance", err)
	}
	return b, nil
}

func (r *LedgerRepo) List(ctx context.Context) ([]store.Balance, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+balanceColumns+` FROM balances ORDER BY current_points DESC, member_id ASC`)
	if err != nil {
		return nil, store.Unavailablef("listing balances", err)
	}
	defer rows.Close()

	var balances []store.Balance
	for rows.Next() {
		b, scanErr := scanBalance(rows)
		if scanErr != nil {
			return nil, store.Unavailablef("scanning balance row", scanErr)
		}
		balances = append(balances, *b)
	}
	return balances, rows.Err()
}

func (r *LedgerRepo) Credit(ctx context.Context, memberID string, amount, cap int, reason, performedBy string) (*store.CreditResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
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
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, store.Unavailablef("beginning debit transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if relatedAuctionID != nil {
		existing, findErr := scanTransaction(tx.QueryRowContext(ctx,
			`SELECT `+transactionColumns+` FROM point_transactions
			 WHERE related_auction_id = $1 AND amount < 0 LIMIT 1`,
			*relatedAuctionID,
		))
		if findErr == nil {
			return existing, nil
		}
		if !errors.Is(findErr, sql.ErrNoRows) {
			return nil, store.Unavailablef("checking prior settlement debit", findErr)
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
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM point_transactions
		 WHERE member_id = $1 ORDER BY created_at DESC`, memberID)
	if err != nil {
		return nil, store.Unavailablef("listing transactions", err)
	}
	defer rows.Close()

	var txns []store.PointTransaction
	for rows.Next() {
		t, scanErr := scanTransaction(rows)
		if scanErr != nil {
			return nil, store.Unavailablef("scanning transaction row", scanErr)
		}
		txns = append(txns, *t)
	}
	return txns, rows.Err()
}

func (r *LedgerRepo) Rebuild(ctx context.Context, memberID string) (*store.Balance, error) {
	tx, err := r.db.BeginTx(ctx, nil)
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

	b, err := scanBalance(tx.QueryRowContext(ctx,
		`UPDATE balances SET current_points = $1, lifetime_gained = $2, lifetime_spent = $3, updated_at = $4
		 WHERE member_id = $5
		 RETURNING `+balanceColumns,
		gained-spent, gained, spent, r.clock.Now().UTC(), memberID,
	))
	if err != nil {
		return nil, store.Unavailablef("rewriting balance", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, store.Unavailablef("committing rebuild", err)
	}
	return b, nil
}

func lockBalance(ctx context.Context, tx *sql.Tx, memberID string) (*store.Balance, error) {
	b, err := scanBalance(tx.QueryRowContext(ctx,
		`SELECT `+balanceColumns+` FROM balances WHERE member_id = $1 FOR UPDATE`, memberID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("balance for member %s: %w", memberID, store.ErrNotFound)
	}
	if err != nil {
		return nil, store.Unavailablef("locking balance", err)
	}
	return b, nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, t *store.PointTransaction) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO point_transactions (`+transactionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.MemberID, t.Amount, t.Reason, t.PerformedBy, t.RelatedAuctionID, t.CreatedAt,
	)
	if err != nil {
		return store.Unavailablef("appending transaction", err)
	}
	return nil
}
