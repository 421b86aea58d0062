package postgres_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jensholdgaard/dkp-auction-engine/internal/clock"
	"github.com/jensholdgaard/dkp-auction-engine/internal/store"
	"github.com/jensholdgaard/dkp-auction-engine/internal/store/postgres"
)

func TestLedgerRepo_UpsertAndGet(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewLedgerRepo(db, clock.Real{})
	ctx := context.Background()

	b, err := repo.Upsert(ctx, "m1")
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if b.CurrentPoints != 0 || b.LifetimeGained != 0 || b.LifetimeSpent != 0 {
		t.Errorf("fresh balance = %+v, want zeros", b)
	}

	// Upsert again must not reset anything.
	if _, err := repo.Credit(ctx, "m1", 50, 1000, "raid", "gm"); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	b, err = repo.Upsert(ctx, "m1")
	if err != nil {
		t.Fatalf("second Upsert: %v", err)
	}
	if b.CurrentPoints != 50 {
		t.Errorf("CurrentPoints after re-upsert = %d, want 50", b.CurrentPoints)
	}

	if _, err := repo.Get(ctx, "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get(ghost) error = %v, want ErrNotFound", err)
	}
}

func TestLedgerRepo_CreditAppliesCap(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewLedgerRepo(db, clock.Real{})
	ctx := context.Background()

	if _, err := repo.Upsert(ctx, "m1"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	res, err := repo.Credit(ctx, "m1", 80, 100, "raid", "gm")
	if err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if res.NewPoints != 80 || res.ActualGain != 80 || res.WasCapped {
		t.Errorf("uncapped credit = %+v", res)
	}

	res, err = repo.Credit(ctx, "m1", 50, 100, "raid", "gm")
	if err != nil {
		t.Fatalf("capped Credit: %v", err)
	}
	if res.NewPoints != 100 || res.ActualGain != 20 || !res.WasCapped {
		t.Errorf("capped credit = %+v, want NewPoints=100 ActualGain=20 WasCapped", res)
	}
	if res.Transaction == nil || res.Transaction.Amount != 20 {
		t.Errorf("transaction records %+v, want amount 20", res.Transaction)
	}

	// Fully clipped gain appends nothing.
	res, err = repo.Credit(ctx, "m1", 10, 100, "raid", "gm")
	if err != nil {
		t.Fatalf("clipped Credit: %v", err)
	}
	if res.ActualGain != 0 || res.Transaction != nil {
		t.Errorf("clipped credit = %+v, want no gain and no transaction", res)
	}

	b, _ := repo.Get(ctx, "m1")
	if b.CurrentPoints != 100 || b.LifetimeGained != 100 {
		t.Errorf("balance = %+v, want current=100 gained=100", b)
	}
}

func TestLedgerRepo_Debit(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewLedgerRepo(db, clock.Real{})
	ctx := context.Background()

	if _, err := repo.Upsert(ctx, "m1"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, err := repo.Credit(ctx, "m1", 100, 1000, "raid", "gm"); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	txn, err := repo.Debit(ctx, "m1", 40, "purchase", "gm", nil)
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if txn.Amount != -40 {
		t.Errorf("transaction amount = %d, want -40", txn.Amount)
	}

	b, _ := repo.Get(ctx, "m1")
	if b.CurrentPoints != 60 || b.LifetimeSpent != 40 {
		t.Errorf("balance = %+v, want current=60 spent=40", b)
	}

	// Overdraw must fail and leave state unchanged.
	if _, err := repo.Debit(ctx, "m1", 61, "purchase", "gm", nil); !errors.Is(err, store.ErrInsufficientBalance) {
		t.Fatalf("overdraw error = %v, want ErrInsufficientBalance", err)
	}
	b, _ = repo.Get(ctx, "m1")
	if b.CurrentPoints != 60 || b.LifetimeSpent != 40 {
		t.Errorf("balance after rejected debit = %+v, want unchanged", b)
	}
}

func TestLedgerRepo_DebitIdempotentPerAuction(t *testing.T) {
	db := newTestDB(t)
	clk := clock.Real{}
	ledgerRepo := postgres.NewLedgerRepo(db, clk)
	auctionRepo := postgres.NewAuctionRepo(db, clk)
	ctx := context.Background()

	if _, err := ledgerRepo.Upsert(ctx, "m1"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, err := ledgerRepo.Credit(ctx, "m1", 100, 1000, "raid", "gm"); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	a := newActiveAuction(t, auctionRepo, 10)

	first, err := ledgerRepo.Debit(ctx, "m1", 30, "auction win", "auctiond", &a.ID)
	if err != nil {
		t.Fatalf("first Debit: %v", err)
	}

	// A second settlement debit for the same auction returns the original
	// record and moves no points.
	second, err := ledgerRepo.Debit(ctx, "m1", 30, "auction win", "auctiond", &a.ID)
	if err != nil {
		t.Fatalf("second Debit: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("second debit returned %s, want original %s", second.ID, first.ID)
	}

	b, _ := ledgerRepo.Get(ctx, "m1")
	if b.CurrentPoints != 70 {
		t.Errorf("CurrentPoints = %d, want 70 (debited once)", b.CurrentPoints)
	}
}

func TestLedgerRepo_Rebuild(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewLedgerRepo(db, clock.Real{})
	ctx := context.Background()

	if _, err := repo.Upsert(ctx, "m1"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, err := repo.Credit(ctx, "m1", 100, 1000, "raid", "gm"); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if _, err := repo.Debit(ctx, "m1", 30, "purchase", "gm", nil); err != nil {
		t.Fatalf("Debit: %v", err)
	}

	// Corrupt the materialized balance, then rebuild from the log.
	if _, err := db.ExecContext(ctx, `UPDATE balances SET current_points = 1, lifetime_gained = 2, lifetime_spent = 1 WHERE member_id = 'm1'`); err != nil {
		t.Fatalf("corrupting balance: %v", err)
	}

	b, err := repo.Rebuild(ctx, "m1")
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if b.CurrentPoints != 70 || b.LifetimeGained != 100 || b.LifetimeSpent != 30 {
		t.Errorf("rebuilt balance = %+v, want current=70 gained=100 spent=30", b)
	}
}

func TestLedgerRepo_List(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewLedgerRepo(db, clock.Real{})
	ctx := context.Background()

	for _, m := range []string{"low", "high"} {
		if _, err := repo.Upsert(ctx, m); err != nil {
			t.Fatalf("Upsert(%s): %v", m, err)
		}
	}
	if _, err := repo.Credit(ctx, "high", 90, 1000, "raid", "gm"); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if _, err := repo.Credit(ctx, "low", 10, 1000, "raid", "gm"); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	balances, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(balances) != 2 || balances[0].MemberID != "high" {
		t.Errorf("List = %+v, want high first", balances)
	}
}
