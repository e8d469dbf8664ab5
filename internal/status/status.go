// Package status is the observation surface: pull snapshots for riders
// and a poller clients embed to follow a trip with exponential backoff on
// transport failure.
package status

import (
	"github.com/example/trip-dispatch/internal/lifecycle"
	"github.com/example/trip-dispatch/internal/models"
)

// Feed builds snapshots from committed store state only, so a poller
// never sees a transition that is later retracted.
type Feed struct {
	// BasePollMs is the suggested steady-state poll interval. The server
	// widens it for terminal trips where nothing will change again.
	BasePollMs int
}

func NewFeed(basePollMs int) *Feed {
	if basePollMs <= 0 {
		basePollMs = 3000
	}
	return &Feed{BasePollMs: basePollMs}
}

// Snapshot assembles the poll payload. openBatch may be nil.
func (f *Feed) Snapshot(trip *models.TripRequest, openBatch *models.DispatchBatch) models.TripStatusSnapshot {
	s := models.TripStatusSnapshot{
		TripRequestID:      trip.ID,
		State:              trip.State,
		CurrentBatchNumber: trip.CurrentBatchNumber,
		AssignedDriverID:   trip.AssignedDriverID,
		Fare:               trip.Fare,
		CancelReason:       trip.CancelReason,
		PollAfterMs:        f.BasePollMs,
		UpdatedAt:          trip.UpdatedAt,
	}
	if openBatch != nil {
		s.BatchOpen = true
		s.DriversNotified = len(openBatch.OfferedDriverIDs)
	}
	if lifecycle.Terminal(trip.State) {
		// Nothing more will happen; tell well-behaved clients to back off.
		s.PollAfterMs = f.BasePollMs * 10
	}
	return s
}
