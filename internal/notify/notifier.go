// Package notify delivers settlement results to external channels. The
// dispatcher hands each settlement event to a Notifier exactly once; a
// Notifier that fails gets the same event again on the next dispatch cycle.
package notify

import (
	"context"
	"log/slog"

	"github.com/jensholdgaard/dkp-auction-engine/internal/store"
)

// Notifier publishes one settlement result. Implementations must be safe for
// concurrent use and should treat redelivery of the same event as possible
// only after a previous attempt returned an error.
type Notifier interface {
	PublishSettlement(ctx context.Context, event store.SettlementEvent) error
}

// LogNotifier writes settlement results to the log. It is the default sink
// when no external channel is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier returns a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) PublishSettlement(ctx context.Context, event store.SettlementEvent) error {
	attrs := []any{
		slog.String("auction_id", event.AuctionID),
		slog.String("outcome", event.Outcome),
	}
	if event.WinnerID != nil {
		attrs = append(attrs, slog.String("winner_id", *event.WinnerID))
	}
	if event.WinningBid != nil {
		attrs = append(attrs, slog.Int("winning_bid", *event.WinningBid))
	}
	n.logger.InfoContext(ctx, "auction settled", attrs...)
	return nil
}

// Fanout publishes to every wrapped Notifier and returns the first error.
// A failing sink causes the whole event to be redelivered, so sinks must
// tolerate duplicates.
type Fanout []Notifier

func (f Fanout) PublishSettlement(ctx context.Context, event store.SettlementEvent) error {
	for _, n := range f {
		if err := n.PublishSettlement(ctx, event); err != nil {
			return err
		}
	}
	return nil
}
