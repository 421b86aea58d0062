package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Errors shared across store drivers and the domain layers. Business
// rejections are expected outcomes and must survive wrapping, so callers
// check them with errors.Is.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInsufficientBalance indicates a debit would take a balance negative.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrAuctionNotActive indicates an operation required an active auction.
	ErrAuctionNotActive = errors.New("auction is not active")
	// ErrUnavailable indicates a transient store failure; the whole atomic
	// operation may be retried.
	ErrUnavailable = errors.New("store unavailable")
)

// Unavailablef wraps a driver error so callers can match ErrUnavailable while
// retaining the underlying cause.
func Unavailablef(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// Auction statuses. An auction is created active and transitions exactly once
// to completed or cancelled; settling is the claimed intermediate state owned
// by the scheduler.
const (
	StatusActive    = "active"
	StatusSettling  = "settling"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// Settlement outcomes recorded on the outbox.
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
)

// Balance is a member's authoritative point balance.
// Invariant: CurrentPoints = LifetimeGained - LifetimeSpent, never negative.
type Balance struct {
	MemberID       string    `db:"member_id"`
	CurrentPoints  int       `db:"current_points"`
	LifetimeGained int       `db:"lifetime_gained"`
	LifetimeSpent  int       `db:"lifetime_spent"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// PointTransaction is an immutable, append-only ledger entry. Amount is
// signed: positive for gains, negative for spends.
type PointTransaction struct {
	ID               string    `db:"id"`
	MemberID         string    `db:"member_id"`
	Amount           int       `db:"amount"`
	Reason           string    `db:"reason"`
	PerformedBy      string    `db:"performed_by"`
	RelatedAuctionID *string   `db:"related_auction_id"`
	CreatedAt        time.Time `db:"created_at"`
}

// CreditResult reports what a capped gain actually applied.
type CreditResult struct {
	Transaction *PointTransaction
	NewPoints   int
	ActualGain  int
	WasCapped   bool
}

// Auction is the durable row behind an auction.
type Auction struct {
	ID              string     `db:"id"`
	ItemID          string     `db:"item_id"`
	MinBid          int        `db:"min_bid"`
	Status          string     `db:"status"`
	CreatedBy       string     `db:"created_by"`
	WinnerID        *string    `db:"winner_id"`
	WinningBid      *int       `db:"winning_bid"`
	EndsAt          time.Time  `db:"ends_at"`
	DurationMinutes int        `db:"duration_minutes"`
	CreatedAt       time.Time  `db:"created_at"`
	EndedAt         *time.Time `db:"ended_at"`
}

// Bid is an accepted bid. Rejected bid attempts are never persisted.
type Bid struct {
	ID        string    `db:"id"`
	AuctionID string    `db:"auction_id"`
	BidderID  string    `db:"bidder_id"`
	Amount    int       `db:"amount"`
	CreatedAt time.Time `db:"created_at"`
}

// SettlementEvent is an outbox row written in the same transaction as an
// auction's terminal state, published exactly once to the notifier boundary.
type SettlementEvent struct {
	ID          string     `db:"id"`
	AuctionID   string     `db:"auction_id"`
	Outcome     string     `db:"outcome"`
	WinnerID    *string    `db:"winner_id"`
	WinningBid  *int       `db:"winning_bid"`
	CreatedAt   time.Time  `db:"created_at"`
	PublishedAt *time.Time `db:"published_at"`
}

// LedgerRepository is the atomic point ledger. Credit and Debit each execute
// as a single transaction: read balance, verify, write balance, append the
// transaction record. Neither ever partially applies.
type LedgerRepository interface {
	// Upsert creates the balance row for a member if missing.
	Upsert(ctx context.Context, memberID string) (*Balance, error)
	Get(ctx context.Context, memberID string) (*Balance, error)
	// List returns all balances ordered by current points descending.
	List(ctx context.Context) ([]Balance, error)
	// Credit applies a capped gain. The cap clips the new balance; the
	// appended transaction records the gain that actually applied.
	Credit(ctx context.Context, memberID string, amount, cap int, reason, performedBy string) (*CreditResult, error)
	// Debit spends points. Fails with ErrInsufficientBalance when the
	// balance cannot cover amount. When relatedAuctionID is set the debit
	// is idempotent per auction: a prior auction-win debit for the same
	// auction is returned instead of applying a second one.
	Debit(ctx context.Context, memberID string, amount int, reason, performedBy string, relatedAuctionID *string) (*PointTransaction, error)
	// Transactions returns a member's ledger entries, newest first.
	Transactions(ctx context.Context, memberID string) ([]PointTransaction, error)
	// Rebuild recomputes a balance from the append-only transaction log.
	Rebuild(ctx context.Context, memberID string) (*Balance, error)
}

// AuctionRepository persists auctions, their bids, and settlement
// transitions. Terminal transitions write the settlement outbox row in the
// same transaction.
type AuctionRepository interface {
	Create(ctx context.Context, a *Auction) error
	Get(ctx context.Context, id string) (*Auction, error)
	ListActive(ctx context.Context) ([]Auction, error)
	// ListSettling returns auctions claimed by a previous tick that never
	// reached a terminal state; the scheduler resumes them.
	ListSettling(ctx context.Context) ([]Auction, error)
	// Bids returns accepted bids in acceptance order.
	Bids(ctx context.Context, auctionID string) ([]Bid, error)
	// RecordBid inserts the bid and, when extendTo is set, moves the
	// deadline, atomically. Fails with ErrAuctionNotActive if the durable
	// row is no longer active.
	RecordBid(ctx context.Context, b *Bid, extendTo *time.Time) error
	// Cancel transitions active -> cancelled (explicit cancellation).
	Cancel(ctx context.Context, id string, endedAt time.Time) error
	// ClaimSettlement transitions active -> settling when the durable
	// deadline has elapsed at now. Returns false without error when the
	// auction was not active (another tick already claimed or settled it)
	// or when a late bid pushed ends_at past now.
	ClaimSettlement(ctx context.Context, id string, now time.Time) (bool, error)
	// CompleteSettlement transitions settling -> completed.
	CompleteSettlement(ctx context.Context, id, winnerID string, winningBid int, endedAt time.Time) error
	// CancelSettlement transitions settling -> cancelled.
	CancelSettlement(ctx context.Context, id string, endedAt time.Time) error
}

// OutboxRepository reads and acknowledges settlement events for dispatch.
type OutboxRepository interface {
	Unpublished(ctx context.Context, limit int) ([]SettlementEvent, error)
	MarkPublished(ctx context.Context, id string, at time.Time) error
}
