package batch

import (
	"context"
	"time"

	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
)

// RunSweeper resolves open batches whose offer window has elapsed. It is a
// scheduled check on a ticker, never a blocking wait per batch, and holds
// no resources between ticks. Returns when ctx is cancelled.
func (b *Batcher) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(b.Cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweep(ctx, time.Now())
		}
	}
}

// sweep closes every batch that outlived the offer TTL and applies the
// exhaustion policy. Split out so tests can drive it without the ticker.
func (b *Batcher) sweep(ctx context.Context, now time.Time) {
	expired, err := b.Store.ListExpiredOpenBatches(ctx, now.Add(-b.Cfg.OfferTTL))
	if err != nil {
		b.Log.Error("sweep: list expired batches", "err", err)
		return
	}
	for _, batch := range expired {
		// Close is conditional on the batch still being open, so racing a
		// late accept is safe: whoever commits first wins, the other no-ops.
		if err := b.Store.CloseBatch(ctx, batch.TripRequestID, batch.BatchNumber, models.ResolutionExhausted, now); err != nil {
			b.Log.Error("sweep: close batch", "trip", batch.TripRequestID, "batch", batch.BatchNumber, "err", err)
			continue
		}
		closed, err := b.Store.GetBatch(ctx, batch.TripRequestID, batch.BatchNumber)
		if err != nil || closed.Resolution != models.ResolutionExhausted {
			// Lost the race to a winner; nothing to resolve.
			continue
		}
		observability.BatchesExpired.Inc()
		b.revokeOutstanding(closed, "offer expired")
		b.Log.Info("batch expired", "trip", batch.TripRequestID, "batch", batch.BatchNumber)
		b.resolveExhausted(ctx, batch.TripRequestID, batch.BatchNumber)
	}
}
