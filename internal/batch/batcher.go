// Package batch implements the dispatch rounds: forming numbered offer
// batches, arbitrating concurrent driver responses with an at-most-one
// winner guarantee, and sweeping timed-out batches.
package batch

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/trip-dispatch/internal/dispatch"
	"github.com/example/trip-dispatch/internal/eligibility"
	"github.com/example/trip-dispatch/internal/fare"
	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/ingest"
	"github.com/example/trip-dispatch/internal/lifecycle"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/otp"
	"github.com/example/trip-dispatch/internal/pool"
	"github.com/example/trip-dispatch/internal/storage"
)

type Config struct {
	// BatchSize is K, the fanout per round.
	BatchSize int
	// OfferTTL bounds how long a batch stays open without a winner.
	OfferTTL time.Duration
	// SweepInterval is how often the sweeper checks for expired batches.
	SweepInterval time.Duration
	// AutoReopen re-enters dispatch on exhaustion instead of surfacing
	// no_drivers_available. Off by default: retries are rider-initiated.
	AutoReopen bool
	// MaxBatches caps total rounds per search session when AutoReopen is on.
	MaxBatches int
	// SearchRadiusM bounds the driver proximity query.
	SearchRadiusM float64
	// AvgSpeedMps converts distance to the duration used in offer estimates.
	AvgSpeedMps float64
}

func DefaultConfig() Config {
	return Config{
		BatchSize:     3,
		OfferTTL:      30 * time.Second,
		SweepInterval: 2 * time.Second,
		AutoReopen:    false,
		MaxBatches:    3,
		SearchRadiusM: 5000,
		AvgSpeedMps:   10,
	}
}

// Batcher opens dispatch batches and fans offers out to drivers.
type Batcher struct {
	Store    storage.TripStore
	Geo      geo.Geo
	Machine  *lifecycle.Machine
	Dispatch dispatch.Dispatcher
	Catalog  pool.Catalog
	Fare     fare.Client
	Otp      otp.Policy
	// Docs filters drivers whose KYC or vehicle paperwork is not in good
	// standing. Nil means no documents collaborator is configured.
	Docs   eligibility.Checker
	Events ingest.EventPublisher
	Log    *slog.Logger
	Cfg    Config
}

// OpenResult is what OpenDispatchBatch returns to the rider-facing caller.
type OpenResult struct {
	BatchNumber     int `json:"batch_number"`
	DriversNotified int `json:"drivers_notified"`
}

// Open starts the next dispatch round. Allowed only while searching for
// drivers, or as the explicit rider retry out of no_drivers_available /
// driver_cancelled. A batch that finds zero eligible drivers resolves to
// no_drivers_available immediately, without waiting for the timeout.
func (b *Batcher) Open(ctx context.Context, tripID string) (OpenResult, error) {
	trip, err := b.Store.GetTrip(ctx, tripID)
	if err != nil {
		return OpenResult{}, err
	}
	switch trip.State {
	case models.StateSearchingDrivers:
	case models.StateNoDriversAvailable, models.StateDriverCancelled:
		// Explicit rider retry re-enters dispatch with the same provider.
		trip, err = b.Machine.Apply(ctx, tripID, trip.State, models.StateSearchingDrivers, func(t *models.TripRequest) {
			t.AssignedDriverID = ""
			t.Otp = ""
			t.OtpIssuedAt = time.Time{}
			t.OtpExpiresAt = time.Time{}
		})
		if err != nil {
			return OpenResult{}, err
		}
	default:
		return OpenResult{}, models.ErrStateConflict
	}
	if _, err := b.Store.OpenBatch(ctx, tripID); err == nil {
		return OpenResult{}, models.ErrBatchAlreadyOpen
	}
	return b.open(ctx, trip)
}

func (b *Batcher) open(ctx context.Context, trip *models.TripRequest) (OpenResult, error) {
	offered, err := b.selectDrivers(ctx, trip)
	if err != nil {
		return OpenResult{}, err
	}
	now := time.Now()
	created, err := b.Store.CreateBatch(ctx, trip.ID, driverIDs(offered), now)
	if err != nil {
		return OpenResult{}, err
	}
	observability.BatchesOpened.Inc()

	if len(offered) == 0 {
		// Empty batch: resolve now rather than letting the sweeper find it.
		_ = b.Store.CloseBatch(ctx, trip.ID, created.BatchNumber, models.ResolutionNoDriversAvailable, now)
		if _, err := b.Machine.Apply(ctx, trip.ID, models.StateSearchingDrivers, models.StateNoDriversAvailable, nil); err != nil {
			return OpenResult{}, err
		}
		b.publish(ctx, "no_drivers_available", trip.ID, models.StateNoDriversAvailable, "", created.BatchNumber)
		return OpenResult{BatchNumber: created.BatchNumber}, nil
	}

	offer := b.buildOffer(ctx, trip, created.BatchNumber, now)
	notified := 0
	for _, d := range offered {
		if err := b.Dispatch.Offer(d.ID, offer); err != nil {
			b.Log.Warn("offer delivery failed", "trip", trip.ID, "driver", d.ID, "err", err)
			continue
		}
		observability.OffersSent.Inc()
		notified++
	}
	b.publish(ctx, "batch_opened", trip.ID, trip.State, "", created.BatchNumber)
	b.Log.Info("batch opened", "trip", trip.ID, "batch", created.BatchNumber, "offered", len(offered), "notified", notified)
	return OpenResult{BatchNumber: created.BatchNumber, DriversNotified: notified}, nil
}

// selectDrivers picks up to K eligible drivers for the trip's provider and
// category, closest first, excluding anyone offered in a prior batch of
// this search session.
func (b *Batcher) selectDrivers(ctx context.Context, trip *models.TripRequest) ([]models.Driver, error) {
	prior, err := b.Store.OfferedDrivers(ctx, trip.ID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(prior))
	for _, id := range prior {
		seen[id] = struct{}{}
	}
	// Over-fetch so provider/category filtering still fills the batch.
	nearby := b.Geo.Nearby(ctx, trip.Pickup.Lat, trip.Pickup.Lon, b.Cfg.SearchRadiusM, b.Cfg.BatchSize*4)
	out := make([]models.Driver, 0, b.Cfg.BatchSize)
	for _, d := range nearby {
		if len(out) == b.Cfg.BatchSize {
			break
		}
		if d.TenantID != trip.SelectedTenantID || d.Category != trip.SelectedCategory {
			continue
		}
		if _, dup := seen[d.ID]; dup {
			continue
		}
		if b.Docs != nil && !b.Docs.Eligible(ctx, d.ID) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (b *Batcher) buildOffer(ctx context.Context, trip *models.TripRequest, batchNumber int, now time.Time) models.Offer {
	distanceM := geo.Haversine(trip.Pickup.Lat, trip.Pickup.Lon, trip.Dropoff.Lat, trip.Dropoff.Lon)
	durationS := distanceM / b.Cfg.AvgSpeedMps
	surge := pool.SurgeFor(ctx, b.Catalog, trip.SelectedTenantID, trip.SelectedCategory)
	var est float64
	if receipt, err := b.Fare.Quote(distanceM, durationS, surge); err == nil {
		est = receipt.Total
	}
	return models.Offer{
		TripRequestID: trip.ID,
		BatchNumber:   batchNumber,
		Pickup:        trip.Pickup,
		Dropoff:       trip.Dropoff,
		EstimatedFare: est,
		ExpiresInSec:  int(b.Cfg.OfferTTL.Seconds()),
		DeliveredAt:   now,
	}
}

func (b *Batcher) publish(ctx context.Context, typ, tripID string, state models.TripState, driverID string, batchNumber int) {
	if b.Events == nil {
		return
	}
	err := b.Events.Publish(ctx, models.TripEvent{
		Type:          typ,
		TripRequestID: tripID,
		State:         state,
		DriverID:      driverID,
		BatchNumber:   batchNumber,
		At:            time.Now(),
	})
	if err != nil {
		b.Log.Warn("event publish failed", "trip", tripID, "type", typ, "err", err)
	}
}

// CancelOpenBatch closes any open batch for the trip and revokes its
// outstanding offers. Called when the trip leaves the searching state for
// a reason other than a win.
func (b *Batcher) CancelOpenBatch(ctx context.Context, tripID, reason string) {
	open, err := b.Store.OpenBatch(ctx, tripID)
	if err != nil {
		return
	}
	_ = b.Store.CloseBatch(ctx, tripID, open.BatchNumber, models.ResolutionCancelled, time.Now())
	b.revokeOutstanding(open, reason)
}

func (b *Batcher) revokeOutstanding(batch *models.DispatchBatch, reason string) {
	for _, id := range batch.OfferedDriverIDs {
		if _, responded := batch.Responses[id]; responded {
			continue
		}
		b.Dispatch.Revoke(id, models.OfferRevoked{
			TripRequestID: batch.TripRequestID,
			BatchNumber:   batch.BatchNumber,
			Reason:        reason,
		})
	}
}

// resolveExhausted applies the exhaustion policy to a just-closed batch:
// either surface no_drivers_available for an explicit rider retry, or
// auto-reopen the next round while under the batch cap.
func (b *Batcher) resolveExhausted(ctx context.Context, tripID string, batchNumber int) {
	trip, err := b.Store.GetTrip(ctx, tripID)
	if err != nil || trip.State != models.StateSearchingDrivers {
		return
	}
	if b.Cfg.AutoReopen && batchNumber < b.Cfg.MaxBatches {
		if _, err := b.open(ctx, trip); err != nil {
			b.Log.Warn("auto reopen failed", "trip", tripID, "err", err)
		}
		return
	}
	if _, err := b.Machine.Apply(ctx, tripID, models.StateSearchingDrivers, models.StateNoDriversAvailable, nil); err != nil {
		b.Log.Warn("exhaustion transition failed", "trip", tripID, "err", err)
		return
	}
	b.publish(ctx, "no_drivers_available", tripID, models.StateNoDriversAvailable, "", batchNumber)
}

func driverIDs(drivers []models.Driver) []string {
	out := make([]string, len(drivers))
	for i, d := range drivers {
		out[i] = d.ID
	}
	return out
}
