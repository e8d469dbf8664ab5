// Package trips exposes the rider- and driver-facing lifecycle operations
// around the dispatch core: creation, provider selection, OTP gating, trip
// execution and cancellation.
package trips

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/trip-dispatch/internal/batch"
	"github.com/example/trip-dispatch/internal/fare"
	"github.com/example/trip-dispatch/internal/ingest"
	"github.com/example/trip-dispatch/internal/lifecycle"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/otp"
	"github.com/example/trip-dispatch/internal/payments"
	"github.com/example/trip-dispatch/internal/pool"
	"github.com/example/trip-dispatch/internal/status"
	"github.com/example/trip-dispatch/internal/storage"
)

type Actor string

const (
	ActorRider  Actor = "rider"
	ActorDriver Actor = "driver"
)

type Service struct {
	Store     storage.TripStore
	Machine   *lifecycle.Machine
	Resolver  *pool.Resolver
	Catalog   pool.Catalog
	Batcher   *batch.Batcher
	OtpPolicy otp.Policy
	Fare      fare.Client
	Payments  payments.Holder
	Events    ingest.EventPublisher
	Feed      *status.Feed
	Log       *slog.Logger
}

func (s *Service) Create(ctx context.Context, riderID string, pickup, dropoff models.Place) (*models.TripRequest, error) {
	now := time.Now()
	t := &models.TripRequest{
		ID:        uuid.NewString(),
		RiderID:   riderID,
		Pickup:    pickup,
		Dropoff:   dropoff,
		State:     models.StateDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Store.CreateTrip(ctx, t); err != nil {
		return nil, err
	}
	observability.TripsCreated.Inc()
	s.publish(ctx, "trip_created", t.ID, t.State, "", 0)
	return t, nil
}

// ListProviderOptions resolves eligible providers. Resolution itself is a
// pure read; the first successful listing walks the trip from draft
// through searching_providers into awaiting_selection.
func (s *Service) ListProviderOptions(ctx context.Context, tripID string) ([]models.ProviderOption, error) {
	trip, err := s.Store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if trip.State == models.StateDraft {
		if trip, err = s.Machine.Apply(ctx, tripID, models.StateDraft, models.StateSearchingProviders, nil); err != nil {
			return nil, err
		}
	}
	opts, err := s.Resolver.Resolve(ctx, trip)
	if err != nil {
		// NoProvidersAvailable is surfaced, never auto-retried; the trip
		// stays in searching_providers for a later attempt.
		return nil, err
	}
	if trip.State == models.StateSearchingProviders {
		if _, err := s.Machine.Apply(ctx, tripID, models.StateSearchingProviders, models.StateAwaitingSelection, nil); err != nil {
			return nil, err
		}
	}
	return opts, nil
}

// SelectProvider commits the rider's tenant and vehicle-category choice
// and enters driver search. From no_drivers_available or driver_cancelled
// this is the explicit "reselect" path, routed back through
// awaiting_selection.
func (s *Service) SelectProvider(ctx context.Context, tripID, tenantID, category string) (*models.TripRequest, error) {
	trip, err := s.Store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if !s.catalogHas(ctx, tenantID, category) {
		return nil, models.ErrNoProvidersAvailable
	}
	switch trip.State {
	case models.StateAwaitingSelection:
	case models.StateNoDriversAvailable, models.StateDriverCancelled:
		if trip, err = s.Machine.Apply(ctx, tripID, trip.State, models.StateAwaitingSelection, func(t *models.TripRequest) {
			t.AssignedDriverID = ""
			t.Otp = ""
			t.OtpIssuedAt = time.Time{}
			t.OtpExpiresAt = time.Time{}
		}); err != nil {
			return nil, err
		}
	default:
		return nil, models.ErrStateConflict
	}
	return s.Machine.Apply(ctx, tripID, models.StateAwaitingSelection, models.StateSearchingDrivers, func(t *models.TripRequest) {
		t.SelectedTenantID = tenantID
		t.SelectedCategory = category
	})
}

func (s *Service) Status(ctx context.Context, tripID string) (models.TripStatusSnapshot, error) {
	trip, err := s.Store.GetTrip(ctx, tripID)
	if err != nil {
		return models.TripStatusSnapshot{}, err
	}
	open, err := s.Store.OpenBatch(ctx, tripID)
	if err != nil && !errors.Is(err, models.ErrBatchNotFound) {
		return models.TripStatusSnapshot{}, err
	}
	return s.Feed.Snapshot(trip, open), nil
}

// Otp returns the active code for out-of-band-less environments; the
// handler gates exposure behind config.
func (s *Service) Otp(ctx context.Context, tripID string) (code string, expiresAt time.Time, err error) {
	trip, err := s.Store.GetTrip(ctx, tripID)
	if err != nil {
		return "", time.Time{}, err
	}
	if trip.State != models.StateDriverAssigned && trip.State != models.StateOtpPending {
		return "", time.Time{}, models.ErrStateConflict
	}
	return trip.Otp, trip.OtpExpiresAt, nil
}

// RegenerateOtp issues a fresh code, rate-limited. State is unchanged.
func (s *Service) RegenerateOtp(ctx context.Context, tripID string) (expiresAt time.Time, err error) {
	trip, err := s.Store.GetTrip(ctx, tripID)
	if err != nil {
		return time.Time{}, err
	}
	if trip.State != models.StateDriverAssigned && trip.State != models.StateOtpPending {
		return time.Time{}, models.ErrStateConflict
	}
	if err := s.OtpPolicy.CanRegenerate(trip); err != nil {
		return time.Time{}, err
	}
	code, issuedAt, expires, err := s.OtpPolicy.Generate()
	if err != nil {
		return time.Time{}, err
	}
	// Same-state write through the store guard; the machine only fronts
	// actual transitions.
	_, err = s.Store.TransitionTrip(ctx, tripID, trip.State, trip.State, func(t *models.TripRequest) {
		t.Otp = code
		t.OtpIssuedAt = issuedAt
		t.OtpExpiresAt = expires
	})
	if err != nil {
		return time.Time{}, err
	}
	return expires, nil
}

// Start gates trip execution on the OTP. A first attempt moves the trip
// into otp_pending; a mismatch leaves it there without consuming the code.
func (s *Service) Start(ctx context.Context, tripID, driverID, presented string) (*models.TripRequest, error) {
	trip, err := s.Store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if trip.AssignedDriverID != driverID {
		return nil, models.ErrNotAssignedDriver
	}
	if trip.State == models.StateDriverAssigned {
		if trip, err = s.Machine.Apply(ctx, tripID, models.StateDriverAssigned, models.StateOtpPending, nil); err != nil {
			return nil, err
		}
	}
	if trip.State != models.StateOtpPending {
		return nil, models.ErrStateConflict
	}
	if err := s.OtpPolicy.Verify(trip, presented); err != nil {
		observability.OtpFailures.Inc()
		return nil, err
	}
	trip, err = s.Machine.Apply(ctx, tripID, models.StateOtpPending, models.StateOnTrip, nil)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, "trip_started", tripID, trip.State, driverID, trip.CurrentBatchNumber)
	return trip, nil
}

// Complete ends the trip with the assigned driver's odometer inputs. Fare
// math is the collaborator's; the receipt is attached to the terminal
// record and the payment hold is settled best-effort.
func (s *Service) Complete(ctx context.Context, tripID, driverID string, distanceM, durationS float64) (*models.TripRequest, error) {
	trip, err := s.Store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if trip.State != models.StateOnTrip {
		return nil, models.ErrStateConflict
	}
	if trip.AssignedDriverID != driverID {
		return nil, models.ErrNotAssignedDriver
	}
	surge := pool.SurgeFor(ctx, s.Catalog, trip.SelectedTenantID, trip.SelectedCategory)
	receipt, err := s.Fare.Quote(distanceM, durationS, surge)
	if err != nil {
		return nil, err
	}
	trip, err = s.Machine.Apply(ctx, tripID, models.StateOnTrip, models.StateCompleted, func(t *models.TripRequest) {
		t.Fare = &receipt
	})
	if err != nil {
		return nil, err
	}
	observability.TripsCompleted.Inc()
	s.settle(ctx, trip, receipt)
	s.publish(ctx, "trip_completed", tripID, trip.State, driverID, trip.CurrentBatchNumber)
	return trip, nil
}

// Cancel applies a rider- or driver-initiated cancellation. Cancelling a
// terminal trip is a state-conflict error, never a silent success. A
// driver cancel does not re-enter dispatch; the rider must act.
func (s *Service) Cancel(ctx context.Context, tripID string, actor Actor, actorID, reason string) (*models.TripRequest, error) {
	trip, err := s.Store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	var target models.TripState
	switch actor {
	case ActorRider:
		if !lifecycle.CancellableByRider(trip.State) {
			return nil, models.ErrStateConflict
		}
		target = models.StateRiderCancelled
	case ActorDriver:
		if trip.State != models.StateDriverAssigned && trip.State != models.StateOtpPending {
			return nil, models.ErrStateConflict
		}
		if trip.AssignedDriverID != actorID {
			return nil, models.ErrNotAssignedDriver
		}
		target = models.StateDriverCancelled
	default:
		return nil, models.ErrStateConflict
	}
	updated, err := s.Machine.Apply(ctx, tripID, trip.State, target, func(t *models.TripRequest) {
		t.CancelReason = reason
	})
	if err != nil {
		return nil, err
	}
	s.Batcher.CancelOpenBatch(ctx, tripID, "trip cancelled")
	observability.TripsCancelled.WithLabelValues(string(actor)).Inc()
	s.publish(ctx, "trip_cancelled", tripID, updated.State, actorID, updated.CurrentBatchNumber)
	return updated, nil
}

func (s *Service) catalogHas(ctx context.Context, tenantID, category string) bool {
	for _, p := range s.Catalog.Providers(ctx) {
		if p.TenantID == tenantID {
			_, ok := p.Rates[category]
			return ok
		}
	}
	return false
}

// settle places and captures the payment hold for a completed trip.
// Settlement failures never fail the completion; payments are the
// collaborator's ledger to reconcile.
func (s *Service) settle(ctx context.Context, trip *models.TripRequest, receipt models.FareReceipt) {
	if s.Payments == nil {
		return
	}
	amount := int64(receipt.Total * 100)
	id, err := s.Payments.Hold(ctx, amount, receipt.Currency, trip.RiderID)
	if err != nil {
		s.Log.Warn("payment hold failed", "trip", trip.ID, "err", err)
		return
	}
	if err := s.Payments.Capture(ctx, id); err != nil {
		s.Log.Warn("payment capture failed", "trip", trip.ID, "intent", id, "err", err)
	}
}

func (s *Service) publish(ctx context.Context, typ, tripID string, state models.TripState, actorID string, batchNumber int) {
	if s.Events == nil {
		return
	}
	err := s.Events.Publish(ctx, models.TripEvent{
		Type:          typ,
		TripRequestID: tripID,
		State:         state,
		DriverID:      actorID,
		BatchNumber:   batchNumber,
		At:            time.Now(),
	})
	if err != nil {
		s.Log.Warn("event publish failed", "trip", tripID, "type", typ, "err", err)
	}
}
