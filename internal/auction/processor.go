package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/dkp-auction-engine/internal/store"
)

// Processor validates and applies incoming bids. Acceptance requires the
// auction to be active, the amount to beat the floor, and the bidder's
// current balance to cover the amount. The affordability check is
// non-binding: no points are reserved, and settlement re-verifies with an
// atomic debit.
type Processor struct {
	registry *Registry
	ledger   store.LedgerRepository
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  engineMetrics
}

// NewProcessor returns a bid Processor.
func NewProcessor(registry *Registry, ledger store.LedgerRepository, logger *slog.Logger, tp trace.TracerProvider) *Processor {
	return &Processor{
		registry: registry,
		ledger:   ledger,
		logger:   logger,
		tracer:   tp.Tracer("github.com/jensholdgaard/dkp-auction-engine/internal/auction"),
		metrics:  newEngineMetrics(),
	}
}

// SubmitBid applies a single bid. A rejection of any kind leaves the
// auction's floor, its deadline and all balances unchanged.
func (p *Processor) SubmitBid(ctx context.Context, auctionID, bidderID string, amount int) (*BidOutcome, error) {
	ctx, span := p.tracer.Start(ctx, "Processor.SubmitBid",
		trace.WithAttributes(
			attribute.String("auction_id", auctionID),
			attribute.String("bidder_id", bidderID),
			attribute.Int("amount", amount),
		),
	)
	defer span.End()

	if auctionID == "" || bidderID == "" {
		return nil, fmt.Errorf("%w: auction and bidder are required", ErrInvalidParameters)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: bid amount must be positive", ErrInvalidParameters)
	}

	outcome, err := p.registry.RecordBid(ctx, auctionID, bidderID, amount, func(ctx context.Context) error {
		bal, getErr := p.ledger.Get(ctx, bidderID)
		if getErr != nil {
			if errors.Is(getErr, store.ErrNotFound) {
				return fmt.Errorf("%w: bidder %s is not registered", ErrInvalidParameters, bidderID)
			}
			return getErr
		}
		if bal.CurrentPoints < amount {
			return fmt.Errorf("%w: balance %d cannot cover bid %d",
				store.ErrInsufficientBalance, bal.CurrentPoints, amount)
		}
		return nil
	})
	if err != nil {
		if errIsBusiness(err) {
			p.metrics.bidsRejected.Add(ctx, 1)
			p.logger.InfoContext(ctx, "bid rejected",
				slog.String("auction_id", auctionID),
				slog.String("bidder_id", bidderID),
				slog.Int("amount", amount),
				slog.String("reason", err.Error()),
			)
		}
		return nil, err
	}

	p.metrics.bidsAccepted.Add(ctx, 1)
	return outcome, nil
}
