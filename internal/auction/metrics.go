package auction

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// engineMetrics counts bid and settlement outcomes. Instruments come from
// the globally registered meter provider, so tests run against the no-op
// default.
type engineMetrics struct {
	bidsAccepted metric.Int64Counter
	bidsRejected metric.Int64Counter
	settlements  metric.Int64Counter
}

func newEngineMetrics() engineMetrics {
	meter := otel.Meter("github.com/jensholdgaard/dkp-auction-engine/internal/auction")
	accepted, _ := meter.Int64Counter("auction.bids.accepted",
		metric.WithDescription("Bids accepted into an auction"),
	)
	rejected, _ := meter.Int64Counter("auction.bids.rejected",
		metric.WithDescription("Bids rejected by validation, floor or affordability checks"),
	)
	settlements, _ := meter.Int64Counter("auction.settlements",
		metric.WithDescription("Settled auctions by outcome"),
	)
	return engineMetrics{
		bidsAccepted: accepted,
		bidsRejected: rejected,
		settlements:  settlements,
	}
}
