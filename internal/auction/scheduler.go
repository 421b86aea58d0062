package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/dkp-auction-engine/internal/clock"
	"github.com/jensholdgaard/dkp-auction-engine/internal/store"
)

// winReason is the ledger reason recorded for settlement debits.
const winReason = "auction win"

// Scheduler closes auctions whose deadline has elapsed and settles them.
// Settlement is the only binding spend in the system: bid acceptance checks
// affordability without reserving points, so the winner's balance is
// re-verified here by the atomic debit. A winner who can no longer pay is
// disqualified and the next-highest bidder takes their place, down to a
// bounded depth.
type Scheduler struct {
	registry   *Registry
	auctions   store.AuctionRepository
	ledger     store.LedgerRepository
	clock      clock.Clock
	interval   time.Duration
	retryDepth int
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    engineMetrics
}

// NewScheduler returns a settlement Scheduler.
func NewScheduler(registry *Registry, auctions store.AuctionRepository, ledger store.LedgerRepository, clk clock.Clock, interval time.Duration, retryDepth int, logger *slog.Logger, tp trace.TracerProvider) *Scheduler {
	return &Scheduler{
		registry:   registry,
		auctions:   auctions,
		ledger:     ledger,
		clock:      clk,
		interval:   interval,
		retryDepth: retryDepth,
		logger:     logger,
		tracer:     tp.Tracer("github.com/jensholdgaard/dkp-auction-engine/internal/auction"),
		metrics:    newEngineMetrics(),
	}
}

// Run drives the tick loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.InfoContext(ctx, "scheduler started", slog.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick settles every due auction once. One auction's failure is logged and
// retried on the next tick; it never aborts the others.
func (s *Scheduler) Tick(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "Scheduler.Tick")
	defer span.End()

	now := s.clock.Now().UTC()
	due := s.registry.Due(now)

	// Auctions claimed by a tick that died before reaching a terminal
	// state are resumed here.
	stale, err := s.auctions.ListSettling(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "listing settling auctions failed", slog.Any("error", err))
	}
	seen := make(map[string]struct{}, len(due))
	for _, id := range due {
		seen[id] = struct{}{}
	}
	for _, row := range stale {
		if _, ok := seen[row.ID]; !ok {
			due = append(due, row.ID)
		}
	}

	for _, id := range due {
		if settleErr := s.settle(ctx, id); settleErr != nil {
			s.logger.ErrorContext(ctx, "settlement failed, will retry next tick",
				slog.String("auction_id", id),
				slog.Any("error", settleErr),
			)
		}
	}
}

// settle claims and settles a single auction. Claiming the active -> settling
// transition atomically guarantees at most one worker settles an auction;
// re-running against an already terminal auction is a no-op.
func (s *Scheduler) settle(ctx context.Context, auctionID string) error {
	ctx, span := s.tracer.Start(ctx, "Scheduler.settle",
		trace.WithAttributes(attribute.String("auction_id", auctionID)),
	)
	defer span.End()

	now := s.clock.Now().UTC()
	claimed, err := s.auctions.ClaimSettlement(ctx, auctionID, now)
	if err != nil {
		return fmt.Errorf("claiming settlement: %w", err)
	}
	if !claimed {
		row, getErr := s.auctions.Get(ctx, auctionID)
		if getErr != nil {
			return fmt.Errorf("inspecting unclaimed auction: %w", getErr)
		}
		switch row.Status {
		case store.StatusSettling:
			// Claimed by a tick that died; resume below.
		case store.StatusActive:
			// A late bid moved the durable deadline past now. Refresh
			// the mirror so the next tick sees the extension.
			s.registry.Refresh(*row)
			return nil
		default:
			// Already terminal.
			s.registry.Remove(auctionID)
			return nil
		}
	}

	bids, err := s.auctions.Bids(ctx, auctionID)
	if err != nil {
		return fmt.Errorf("loading bids: %w", err)
	}

	if len(bids) == 0 {
		if err := s.auctions.CancelSettlement(ctx, auctionID, now); err != nil {
			return fmt.Errorf("cancelling auction with no bids: %w", err)
		}
		s.registry.Remove(auctionID)
		s.metrics.settlements.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", store.OutcomeCancelled)))
		s.logger.InfoContext(ctx, "auction expired with no bids",
			slog.String("auction_id", auctionID),
		)
		return nil
	}

	// Accepted bids are strictly increasing, so walking backwards visits
	// bidders from the highest amount down.
	disqualified := make(map[string]struct{})
	tried := 0
	for i := len(bids) - 1; i >= 0 && tried < s.retryDepth; i-- {
		bid := bids[i]
		if _, skip := disqualified[bid.BidderID]; skip {
			continue
		}
		tried++

		txn, debitErr := s.ledger.Debit(ctx, bid.BidderID, bid.Amount, winReason, "auctiond", &auctionID)
		if errors.Is(debitErr, store.ErrInsufficientBalance) {
			disqualified[bid.BidderID] = struct{}{}
			s.logger.InfoContext(ctx, "winner disqualified at settlement",
				slog.String("auction_id", auctionID),
				slog.String("bidder_id", bid.BidderID),
				slog.Int("amount", bid.Amount),
			)
			continue
		}
		if debitErr != nil {
			return fmt.Errorf("debiting winner: %w", debitErr)
		}

		// The debit is idempotent per auction: when resuming a partially
		// settled auction it returns the original transaction, whose
		// member and amount are authoritative.
		winnerID := txn.MemberID
		amount := -txn.Amount
		if err := s.auctions.CompleteSettlement(ctx, auctionID, winnerID, amount, now); err != nil {
			return fmt.Errorf("completing settlement: %w", err)
		}
		s.registry.Remove(auctionID)
		s.metrics.settlements.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", store.OutcomeCompleted)))
		s.logger.InfoContext(ctx, "auction settled",
			slog.String("auction_id", auctionID),
			slog.String("winner_id", winnerID),
			slog.Int("winning_bid", amount),
		)
		return nil
	}

	// No solvent bidder within the retry depth.
	if err := s.auctions.CancelSettlement(ctx, auctionID, now); err != nil {
		return fmt.Errorf("cancelling auction with no solvent bidder: %w", err)
	}
	s.registry.Remove(auctionID)
	s.metrics.settlements.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", store.OutcomeCancelled)))
	s.logger.InfoContext(ctx, "auction cancelled, no solvent bidder",
		slog.String("auction_id", auctionID),
		slog.Int("bidders_tried", tried),
	)
	return nil
}
