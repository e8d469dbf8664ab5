package batch

import (
	"context"
	"fmt"

	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/storage"
)

// Respond records a driver's decision on an open batch and arbitrates the
// accept race. The winner claim happens in the store as one conditional
// write; everything here is interpretation of that result.
//
// Repeating a call a driver already made returns the originally recorded
// outcome, so retries after a dropped response are safe.
func (b *Batcher) Respond(ctx context.Context, tripID string, batchNumber int, driverID string, decision models.Decision) (models.ResponseOutcome, error) {
	if decision != models.DecisionAccepted && decision != models.DecisionRejected {
		return "", fmt.Errorf("invalid decision %q", decision)
	}
	res, err := b.Store.RespondToBatch(ctx, tripID, batchNumber, driverID, decision)
	if err != nil {
		return "", err
	}

	if res.Prior {
		return outcomeOf(res), nil
	}
	if res.Closed {
		// Batch resolved before this response landed. Expected and
		// frequent; terminal for this driver's attempt, not an error.
		observability.AcceptConflicts.Inc()
		return models.OutcomeAlreadyAssigned, nil
	}

	switch {
	case res.Won:
		observability.AcceptsWon.Inc()
		if err := b.commitWin(ctx, tripID, batchNumber, driverID); err != nil {
			return "", err
		}
		return models.OutcomeWon, nil
	case decision == models.DecisionAccepted:
		observability.AcceptConflicts.Inc()
		return models.OutcomeAlreadyAssigned, nil
	default:
		observability.Rejections.Inc()
		if res.AllRejected {
			// Every offered driver said no; resolve now instead of letting
			// the timeout window run out.
			b.resolveExhausted(ctx, tripID, batchNumber)
		}
		return models.OutcomeRejectionNoted, nil
	}
}

// commitWin moves the trip to driver_assigned, issues the OTP and revokes
// the losing drivers' offers.
func (b *Batcher) commitWin(ctx context.Context, tripID string, batchNumber int, driverID string) error {
	code, issuedAt, expiresAt, err := b.Otp.Generate()
	if err != nil {
		return err
	}
	_, err = b.Machine.Apply(ctx, tripID, models.StateSearchingDrivers, models.StateDriverAssigned, func(t *models.TripRequest) {
		t.AssignedDriverID = driverID
		t.Otp = code
		t.OtpIssuedAt = issuedAt
		t.OtpExpiresAt = expiresAt
	})
	if err != nil {
		return err
	}
	if batch, err := b.Store.GetBatch(ctx, tripID, batchNumber); err == nil {
		b.revokeOutstanding(batch, "assigned to another driver")
	}
	b.publish(ctx, "driver_assigned", tripID, models.StateDriverAssigned, driverID, batchNumber)
	b.Log.Info("driver assigned", "trip", tripID, "batch", batchNumber, "driver", driverID)
	return nil
}

// outcomeOf maps a replayed store record back onto the outcome the driver
// was told the first time.
func outcomeOf(res storage.RespondResult) models.ResponseOutcome {
	switch {
	case res.Won:
		return models.OutcomeWon
	case res.Decision == models.DecisionRejected:
		return models.OutcomeRejectionNoted
	default:
		return models.OutcomeAlreadyAssigned
	}
}
