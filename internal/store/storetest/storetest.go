// Package storetest provides in-memory implementations of the store
// repositories for tests. They keep the same transactional semantics as the
// SQL drivers, including the idempotent auction-win debit and the
// outbox-row-per-terminal-transition guarantee.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jensholdgaard/dkp-auction-engine/internal/store"
)

// AuctionRepo is an in-memory store.AuctionRepository.
type AuctionRepo struct {
	mu       sync.Mutex
	auctions map[string]*store.Auction
	bids     map[string][]store.Bid
	events   []store.SettlementEvent

	// RecordBidErr, when set, fails every RecordBid call.
	RecordBidErr error
	// BidsErr, when set, fails every Bids call.
	BidsErr error
	// CancelHook, when set, runs inside Cancel before the row mutates.
	CancelHook func()
}

// NewAuctionRepo returns an empty AuctionRepo.
func NewAuctionRepo() *AuctionRepo {
	return &AuctionRepo{
		auctions: make(map[string]*store.Auction),
		bids:     make(map[string][]store.Bid),
	}
}

// Events returns a copy of the settlement events written so far.
func (f *AuctionRepo) Events() []store.SettlementEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.SettlementEvent, len(f.events))
	copy(out, f.events)
	return out
}

func (f *AuctionRepo) Create(_ context.Context, a *store.Auction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row := *a
	f.auctions[a.ID] = &row
	return nil
}

func (f *AuctionRepo) Get(_ context.Context, id string) (*store.Auction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.auctions[id]
	if !ok {
		return nil, fmt.Errorf("auction %s: %w", id, store.ErrNotFound)
	}
	row := *a
	return &row, nil
}

func (f *AuctionRepo) ListActive(_ context.Context) ([]store.Auction, error) {
	return f.listByStatus(store.StatusActive), nil
}

func (f *AuctionRepo) ListSettling(_ context.Context) ([]store.Auction, error) {
	return f.listByStatus(store.StatusSettling), nil
}

func (f *AuctionRepo) listByStatus(status string) []store.Auction {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Auction
	for _, a := range f.auctions {
		if a.Status == status {
			out = append(out, *a)
		}
	}
	return out
}

func (f *AuctionRepo) Bids(_ context.Context, auctionID string) ([]store.Bid, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.BidsErr != nil {
		return nil, f.BidsErr
	}
	bids := make([]store.Bid, len(f.bids[auctionID]))
	copy(bids, f.bids[auctionID])
	return bids, nil
}

func (f *AuctionRepo) RecordBid(_ context.Context, b *store.Bid, extendTo *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RecordBidErr != nil {
		return f.RecordBidErr
	}
	a, ok := f.auctions[b.AuctionID]
	if !ok || a.Status != store.StatusActive {
		return store.ErrAuctionNotActive
	}
	f.bids[b.AuctionID] = append(f.bids[b.AuctionID], *b)
	if extendTo != nil {
		a.EndsAt = *extendTo
	}
	return nil
}

func (f *AuctionRepo) Cancel(_ context.Context, id string, endedAt time.Time) error {
	if f.CancelHook != nil {
		f.CancelHook()
	}
	return f.finalize(id, store.StatusActive, store.StatusCancelled, nil, nil, endedAt)
}

func (f *AuctionRepo) ClaimSettlement(_ context.Context, id string, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.auctions[id]
	if !ok || a.Status != store.StatusActive || a.EndsAt.After(now) {
		return false, nil
	}
	a.Status = store.StatusSettling
	return true, nil
}

func (f *AuctionRepo) CompleteSettlement(_ context.Context, id, winnerID string, winningBid int, endedAt time.Time) error {
	return f.finalize(id, store.StatusSettling, store.StatusCompleted, &winnerID, &winningBid, endedAt)
}

func (f *AuctionRepo) CancelSettlement(_ context.Context, id string, endedAt time.Time) error {
	return f.finalize(id, store.StatusSettling, store.StatusCancelled, nil, nil, endedAt)
}

func (f *AuctionRepo) finalize(id, fromStatus, toStatus string, winnerID *string, winningBid *int, endedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.auctions[id]
	if !ok || a.Status != fromStatus {
		return fmt.Errorf("auction %s not in status %s: %w", id, fromStatus, store.ErrAuctionNotActive)
	}
	a.Status = toStatus
	a.WinnerID = winnerID
	a.WinningBid = winningBid
	a.EndedAt = &endedAt

	for _, e := range f.events {
		if e.AuctionID == id {
			return nil
		}
	}
	outcome := store.OutcomeCancelled
	if toStatus == store.StatusCompleted {
		outcome = store.OutcomeCompleted
	}
	f.events = append(f.events, store.SettlementEvent{
		ID:         uuid.NewString(),
		AuctionID:  id,
		Outcome:    outcome,
		WinnerID:   winnerID,
		WinningBid: winningBid,
		CreatedAt:  endedAt,
	})
	return nil
}

// LedgerRepo is an in-memory store.LedgerRepository.
type LedgerRepo struct {
	mu       sync.Mutex
	balances map[string]*store.Balance
	txns     []store.PointTransaction
}

// NewLedgerRepo returns an empty LedgerRepo.
func NewLedgerRepo() *LedgerRepo {
	return &LedgerRepo{balances: make(map[string]*store.Balance)}
}

// SetBalance sets a member's current points directly, registering the member
// if needed. Lifetime counters are not touched.
func (f *LedgerRepo) SetBalance(memberID string, points int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.balances[memberID]
	if !ok {
		b = &store.Balance{MemberID: memberID}
		f.balances[memberID] = b
	}
	b.CurrentPoints = points
}

func (f *LedgerRepo) Upsert(_ context.Context, memberID string) (*store.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.balances[memberID]
	if !ok {
		b = &store.Balance{MemberID: memberID}
		f.balances[memberID] = b
	}
	out := *b
	return &out, nil
}

func (f *LedgerRepo) Get(_ context.Context, memberID string) (*store.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.balances[memberID]
	if !ok {
		return nil, fmt.Errorf("balance for member %s: %w", memberID, store.ErrNotFound)
	}
	out := *b
	return &out, nil
}

func (f *LedgerRepo) List(_ context.Context) ([]store.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Balance
	for _, b := range f.balances {
		out = append(out, *b)
	}
	return out, nil
}

func (f *LedgerRepo) Credit(_ context.Context, memberID string, amount, cap int, reason, performedBy string) (*store.CreditResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.balances[memberID]
	if !ok {
		return nil, fmt.Errorf("balance for member %s: %w", memberID, store.ErrNotFound)
	}

	gain := amount
	capped := false
	if b.CurrentPoints+gain > cap {
		gain = cap - b.CurrentPoints
		capped = true
	}
	if gain < 0 {
		gain = 0
	}
	b.CurrentPoints += gain
	b.LifetimeGained += gain

	out := &store.CreditResult{NewPoints: b.CurrentPoints, ActualGain: gain, WasCapped: capped}
	if gain == 0 {
		return out, nil
	}

	txn := store.PointTransaction{
		ID:          uuid.NewString(),
		MemberID:    memberID,
		Amount:      gain,
		Reason:      reason,
		PerformedBy: performedBy,
	}
	f.txns = append(f.txns, txn)
	out.Transaction = &txn
	return out, nil
}

func (f *LedgerRepo) Debit(_ context.Context, memberID string, amount int, reason, performedBy string, relatedAuctionID *string) (*store.PointTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if relatedAuctionID != nil {
		for i := range f.txns {
			t := f.txns[i]
			if t.RelatedAuctionID != nil && *t.RelatedAuctionID == *relatedAuctionID && t.Amount < 0 {
				return &t, nil
			}
		}
	}

	b, ok := f.balances[memberID]
	if !ok {
		return nil, fmt.Errorf("balance for member %s: %w", memberID, store.ErrNotFound)
	}
	if b.CurrentPoints < amount {
		return nil, fmt.Errorf("debit %d from member %s with balance %d: %w",
			amount, memberID, b.CurrentPoints, store.ErrInsufficientBalance)
	}
	b.CurrentPoints -= amount
	b.LifetimeSpent += amount

	txn := store.PointTransaction{
		ID:               uuid.NewString(),
		MemberID:         memberID,
		Amount:           -amount,
		Reason:           reason,
		PerformedBy:      performedBy,
		RelatedAuctionID: relatedAuctionID,
	}
	f.txns = append(f.txns, txn)
	return &txn, nil
}

func (f *LedgerRepo) Transactions(_ context.Context, memberID string) ([]store.PointTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.PointTransaction
	for i := len(f.txns) - 1; i >= 0; i-- {
		if f.txns[i].MemberID == memberID {
			out = append(out, f.txns[i])
		}
	}
	return out, nil
}

func (f *LedgerRepo) Rebuild(_ context.Context, memberID string) (*store.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.balances[memberID]
	if !ok {
		return nil, fmt.Errorf("balance for member %s: %w", memberID, store.ErrNotFound)
	}

	gained, spent := 0, 0
	for _, t := range f.txns {
		if t.MemberID != memberID {
			continue
		}
		if t.Amount > 0 {
			gained += t.Amount
		} else {
			spent += -t.Amount
		}
	}
	b.CurrentPoints = gained - spent
	b.LifetimeGained = gained
	b.LifetimeSpent = spent
	out := *b
	return &out, nil
}

// OutboxRepo is an in-memory store.OutboxRepository.
type OutboxRepo struct {
	mu     sync.Mutex
	events []store.SettlementEvent
}

// NewOutboxRepo returns an empty OutboxRepo.
func NewOutboxRepo() *OutboxRepo {
	return &OutboxRepo{}
}

// Add appends an event to the outbox.
func (f *OutboxRepo) Add(e store.SettlementEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *OutboxRepo) Unpublished(_ context.Context, limit int) ([]store.SettlementEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.SettlementEvent
	for _, e := range f.events {
		if e.PublishedAt == nil {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *OutboxRepo) MarkPublished(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.events {
		if f.events[i].ID == id && f.events[i].PublishedAt == nil {
			f.events[i].PublishedAt = &at
		}
	}
	return nil
}
