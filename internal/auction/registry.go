package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/dkp-auction-engine/internal/clock"
	"github.com/jensholdgaard/dkp-auction-engine/internal/store"
)

// Registry is the authoritative in-memory state of all currently active
// auctions. Durable rows remain the source of truth: the registry commits
// every change to the store before mirroring it, and Recover rebuilds the map
// from the store on startup.
type Registry struct {
	mu       sync.RWMutex
	auctions map[string]*Auction

	repo   store.AuctionRepository
	clock  clock.Clock
	snipe  SnipePolicy
	logger *slog.Logger
	tracer trace.Tracer
}

// NewRegistry creates an empty Registry.
func NewRegistry(repo store.AuctionRepository, clk clock.Clock, snipe SnipePolicy, logger *slog.Logger, tp trace.TracerProvider) *Registry {
	return &Registry{
		auctions: make(map[string]*Auction),
		repo:     repo,
		clock:    clk,
		snipe:    snipe,
		logger:   logger,
		tracer:   tp.Tracer("github.com/jensholdgaard/dkp-auction-engine/internal/auction"),
	}
}

// Create opens a new auction ending durationMinutes from now.
func (r *Registry) Create(ctx context.Context, itemID string, minBid, durationMinutes int, createdBy string) (*store.Auction, error) {
	ctx, span := r.tracer.Start(ctx, "Registry.Create",
		trace.WithAttributes(
			attribute.String("item_id", itemID),
			attribute.Int("min_bid", minBid),
		),
	)
	defer span.End()

	if itemID == "" || createdBy == "" {
		return nil, fmt.Errorf("%w: item and creator are required", ErrInvalidParameters)
	}
	if minBid <= 0 || durationMinutes <= 0 {
		return nil, fmt.Errorf("%w: min bid and duration must be positive", ErrInvalidParameters)
	}

	now := r.clock.Now().UTC()
	row := store.Auction{
		ID:              uuid.NewString(),
		ItemID:          itemID,
		MinBid:          minBid,
		Status:          store.StatusActive,
		CreatedBy:       createdBy,
		EndsAt:          now.Add(time.Duration(durationMinutes) * time.Minute),
		DurationMinutes: durationMinutes,
		CreatedAt:       now,
	}
	if err := r.repo.Create(ctx, &row); err != nil {
		return nil, fmt.Errorf("creating auction: %w", err)
	}

	r.mu.Lock()
	r.auctions[row.ID] = newAuction(row, nil)
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "auction created",
		slog.String("auction_id", row.ID),
		slog.String("item_id", itemID),
		slog.Int("min_bid", minBid),
		slog.Time("ends_at", row.EndsAt),
	)
	return &row, nil
}

// RecordBid validates and applies one bid. The affordability check runs after
// the floor check, inside the per-auction critical section, so a rejected bid
// observes and changes nothing. The bid row and any anti-snipe extension are
// committed atomically before the in-memory state is updated.
func (r *Registry) RecordBid(ctx context.Context, auctionID, bidderID string, amount int, affordable func(context.Context) error) (*BidOutcome, error) {
	ctx, span := r.tracer.Start(ctx, "Registry.RecordBid",
		trace.WithAttributes(
			attribute.String("auction_id", auctionID),
			attribute.String("bidder_id", bidderID),
			attribute.Int("amount", amount),
		),
	)
	defer span.End()

	a := r.lookup(auctionID)
	if a == nil {
		return nil, store.ErrAuctionNotActive
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.validateBidLocked(amount); err != nil {
		return nil, err
	}
	if affordable != nil {
		if err := affordable(ctx); err != nil {
			return nil, err
		}
	}

	now := r.clock.Now().UTC()
	bid := store.Bid{
		ID:        uuid.NewString(),
		AuctionID: auctionID,
		BidderID:  bidderID,
		Amount:    amount,
		CreatedAt: now,
	}
	extendTo := a.extensionLocked(now, r.snipe)

	if err := r.repo.RecordBid(ctx, &bid, extendTo); err != nil {
		return nil, fmt.Errorf("recording bid: %w", err)
	}

	a.bids = append(a.bids, bid)
	if extendTo != nil {
		a.row.EndsAt = *extendTo
	}

	r.logger.InfoContext(ctx, "bid accepted",
		slog.String("auction_id", auctionID),
		slog.String("bidder_id", bidderID),
		slog.Int("amount", amount),
		slog.Bool("extended", extendTo != nil),
	)
	return &BidOutcome{Bid: bid, NewFloor: amount, ExtendedUntil: extendTo}, nil
}

// Cancel explicitly cancels an active auction. No points move.
func (r *Registry) Cancel(ctx context.Context, auctionID, by string) (*store.Auction, error) {
	ctx, span := r.tracer.Start(ctx, "Registry.Cancel",
		trace.WithAttributes(attribute.String("auction_id", auctionID)),
	)
	defer span.End()

	a := r.lookup(auctionID)
	if a == nil {
		return nil, store.ErrAuctionNotActive
	}

	// The registry write lock nests inside the per-auction lock in
	// ListActive and Due, so it must never be taken while a.mu is held.
	a.mu.Lock()
	if a.row.Status != store.StatusActive {
		a.mu.Unlock()
		return nil, store.ErrAuctionNotActive
	}

	now := r.clock.Now().UTC()
	if err := r.repo.Cancel(ctx, auctionID, now); err != nil {
		a.mu.Unlock()
		return nil, fmt.Errorf("cancelling auction: %w", err)
	}

	a.row.Status = store.StatusCancelled
	a.row.EndedAt = &now
	row := a.row
	a.mu.Unlock()

	r.Remove(auctionID)

	r.logger.InfoContext(ctx, "auction cancelled",
		slog.String("auction_id", auctionID),
		slog.String("cancelled_by", by),
	)
	return &row, nil
}

// Fetch returns an auction and its bids, preferring the live in-memory state
// and falling back to the store for settled auctions.
func (r *Registry) Fetch(ctx context.Context, auctionID string) (*store.Auction, []store.Bid, error) {
	if a := r.lookup(auctionID); a != nil {
		row, bids := a.Snapshot()
		return &row, bids, nil
	}

	row, err := r.repo.Get(ctx, auctionID)
	if err != nil {
		return nil, nil, err
	}
	bids, err := r.repo.Bids(ctx, auctionID)
	if err != nil {
		return nil, nil, err
	}
	return row, bids, nil
}

// ListActive returns snapshots of all auctions currently in the registry.
func (r *Registry) ListActive() []store.Auction {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]store.Auction, 0, len(r.auctions))
	for _, a := range r.auctions {
		row, _ := a.Snapshot()
		out = append(out, row)
	}
	return out
}

// Due returns the ids of registered auctions whose deadline has elapsed.
func (r *Registry) Due(now time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var due []string
	for id, a := range r.auctions {
		row, _ := a.Snapshot()
		if row.Status == store.StatusActive && !row.EndsAt.After(now) {
			due = append(due, id)
		}
	}
	return due
}

// Remove drops an auction from the registry once it has reached a terminal
// state in the store.
func (r *Registry) Remove(auctionID string) {
	r.mu.Lock()
	delete(r.auctions, auctionID)
	r.mu.Unlock()
}

// Refresh moves the mirrored deadline forward to match a durable row that
// holds a later one.
func (r *Registry) Refresh(row store.Auction) {
	a := r.lookup(row.ID)
	if a == nil {
		return
	}
	a.mu.Lock()
	if row.EndsAt.After(a.row.EndsAt) {
		a.row.EndsAt = row.EndsAt
	}
	a.mu.Unlock()
}

// Recover rebuilds the registry from durable rows. It must run before the
// scheduler starts so that recovered auctions settle on time.
func (r *Registry) Recover(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "Registry.Recover")
	defer span.End()

	rows, err := r.repo.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing active auctions: %w", err)
	}

	recovered := 0
	for _, row := range rows {
		// An auction missing from the registry is unreachable for bids
		// and for settlement, so a partial recovery is not usable.
		bids, bidsErr := r.repo.Bids(ctx, row.ID)
		if bidsErr != nil {
			return recovered, fmt.Errorf("loading bids for auction %s: %w", row.ID, bidsErr)
		}

		r.mu.Lock()
		r.auctions[row.ID] = newAuction(row, bids)
		r.mu.Unlock()
		recovered++

		r.logger.InfoContext(ctx, "recovered active auction",
			slog.String("auction_id", row.ID),
			slog.String("item_id", row.ItemID),
			slog.Int("bids", len(bids)),
		)
	}

	r.logger.InfoContext(ctx, "auction recovery complete", slog.Int("recovered", recovered))
	return recovered, nil
}

func (r *Registry) lookup(auctionID string) *Auction {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.auctions[auctionID]
}

// errIsBusiness reports whether err is an expected bidding rejection rather
// than an infrastructure fault.
func errIsBusiness(err error) bool {
	return errors.Is(err, ErrBidTooLow) ||
		errors.Is(err, ErrInvalidParameters) ||
		errors.Is(err, store.ErrAuctionNotActive) ||
		errors.Is(err, store.ErrInsufficientBalance)
}
