// Package outbox dispatches settlement events written by the store's terminal
// auction transitions. Events are published in order and acknowledged one at a
// time, so a crash between publish and ack causes at most one redelivery.
package outbox

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/dkp-auction-engine/internal/clock"
	"github.com/jensholdgaard/dkp-auction-engine/internal/notify"
	"github.com/jensholdgaard/dkp-auction-engine/internal/store"
)

// batchSize bounds how many events one dispatch cycle drains.
const batchSize = 50

// Dispatcher polls the settlement outbox and hands unpublished events to the
// notifier.
type Dispatcher struct {
	repo     store.OutboxRepository
	notifier notify.Notifier
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewDispatcher returns an outbox Dispatcher.
func NewDispatcher(repo store.OutboxRepository, notifier notify.Notifier, clk clock.Clock, interval time.Duration, logger *slog.Logger, tp trace.TracerProvider) *Dispatcher {
	return &Dispatcher{
		repo:     repo,
		notifier: notifier,
		clock:    clk,
		interval: interval,
		logger:   logger,
		tracer:   tp.Tracer("github.com/jensholdgaard/dkp-auction-engine/internal/outbox"),
	}
}

// Run drives the dispatch loop until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.InfoContext(ctx, "outbox dispatcher started", slog.Duration("interval", d.interval))
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("outbox dispatcher stopped")
			return
		case <-ticker.C:
			if err := d.Dispatch(ctx); err != nil {
				d.logger.ErrorContext(ctx, "outbox dispatch failed", slog.Any("error", err))
			}
		}
	}
}

// Dispatch publishes and acknowledges pending events in creation order. A
// publish failure stops the batch so ordering holds; the failed event and
// everything behind it are retried on the next cycle.
func (d *Dispatcher) Dispatch(ctx context.Context) error {
	ctx, span := d.tracer.Start(ctx, "Dispatcher.Dispatch")
	defer span.End()

	events, err := d.repo.Unpublished(ctx, batchSize)
	if err != nil {
		return err
	}

	for _, event := range events {
		if err := d.notifier.PublishSettlement(ctx, event); err != nil {
			d.logger.WarnContext(ctx, "publishing settlement event failed, will retry",
				slog.String("event_id", event.ID),
				slog.String("auction_id", event.AuctionID),
				slog.Any("error", err),
			)
			span.SetAttributes(attribute.String("failed_event_id", event.ID))
			return err
		}
		if err := d.repo.MarkPublished(ctx, event.ID, d.clock.Now().UTC()); err != nil {
			return err
		}
		d.logger.InfoContext(ctx, "settlement event published",
			slog.String("event_id", event.ID),
			slog.String("auction_id", event.AuctionID),
			slog.String("outcome", event.Outcome),
		)
	}
	return nil
}
