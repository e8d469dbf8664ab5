package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Place is a coordinate plus the human-readable address the rider saw.
type Place struct {
	Coord
	Address string `json:"address"`
}

// TripState is the lifecycle state of a trip request. Transitions are
// validated by the lifecycle package; nothing else writes state.
type TripState string

const (
	StateDraft              TripState = "draft"
	StateSearchingProviders TripState = "searching_providers"
	StateAwaitingSelection  TripState = "awaiting_selection"
	StateSearchingDrivers   TripState = "searching_drivers"
	StateDriverAssigned     TripState = "driver_assigned"
	StateOtpPending         TripState = "otp_pending"
	StateOnTrip             TripState = "on_trip"
	StateCompleted          TripState = "completed"
	StateNoDriversAvailable TripState = "no_drivers_available"
	StateDriverCancelled    TripState = "driver_cancelled"
	StateRiderCancelled     TripState = "rider_cancelled"
	StateCancelled          TripState = "cancelled"
)

// Decision is a driver's answer to an offer.
type Decision string

const (
	DecisionAccepted   Decision = "accepted"
	DecisionRejected   Decision = "rejected"
	DecisionNoResponse Decision = "no_response"
)

// ResponseOutcome is what a driver gets back from RespondToOffer.
type ResponseOutcome string

const (
	OutcomeWon             ResponseOutcome = "won"
	OutcomeRejectionNoted  ResponseOutcome = "rejection_noted"
	OutcomeAlreadyAssigned ResponseOutcome = "already_assigned_to_another_driver"
)

// BatchResolution records why a batch closed.
type BatchResolution string

const (
	ResolutionWon                BatchResolution = "won"
	ResolutionAllRejected        BatchResolution = "all_rejected"
	ResolutionExhausted          BatchResolution = "batch_exhausted"
	ResolutionNoDriversAvailable BatchResolution = "no_drivers_available"
	ResolutionCancelled          BatchResolution = "cancelled"
)

type TripRequest struct {
	ID                 string       `json:"id"`
	RiderID            string       `json:"rider_id"`
	Pickup             Place        `json:"pickup"`
	Dropoff            Place        `json:"dropoff"`
	SelectedTenantID   string       `json:"selected_tenant_id,omitempty"`
	SelectedCategory   string       `json:"selected_vehicle_category,omitempty"`
	State              TripState    `json:"state"`
	CurrentBatchNumber int          `json:"current_batch_number"`
	AssignedDriverID   string       `json:"assigned_driver_id,omitempty"`
	Otp                string       `json:"-"`
	OtpIssuedAt        time.Time    `json:"-"`
	OtpExpiresAt       time.Time    `json:"-"`
	Fare               *FareReceipt `json:"fare,omitempty"`
	CancelReason       string       `json:"cancel_reason,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

type DispatchBatch struct {
	TripRequestID    string              `json:"trip_request_id"`
	BatchNumber      int                 `json:"batch_number"`
	OfferedDriverIDs []string            `json:"offered_driver_ids"`
	Responses        map[string]Decision `json:"responses"`
	WinnerDriverID   string              `json:"winner_driver_id,omitempty"`
	Resolution       BatchResolution     `json:"resolution,omitempty"`
	OpenedAt         time.Time           `json:"opened_at"`
	ClosedAt         *time.Time          `json:"closed_at,omitempty"`
}

// IsOpen reports whether the batch is still accepting responses.
func (b *DispatchBatch) IsOpen() bool { return b.ClosedAt == nil }

// Offered reports whether the driver was part of this batch's fanout.
func (b *DispatchBatch) Offered(driverID string) bool {
	for _, id := range b.OfferedDriverIDs {
		if id == driverID {
			return true
		}
	}
	return false
}

// Offer is the driver-facing notification pushed when a batch opens.
type Offer struct {
	TripRequestID string    `json:"trip_request_id"`
	BatchNumber   int       `json:"batch_number"`
	Pickup        Place     `json:"pickup"`
	Dropoff       Place     `json:"dropoff"`
	EstimatedFare float64   `json:"estimated_fare"`
	ExpiresInSec  int       `json:"expires_in_sec"`
	DeliveredAt   time.Time `json:"delivered_at"`
}

// OfferRevoked tells a driver a previously delivered offer is no longer live.
type OfferRevoked struct {
	TripRequestID string `json:"trip_request_id"`
	BatchNumber   int    `json:"batch_number"`
	Reason        string `json:"reason"`
}

type Driver struct {
	ID       string    `json:"id"`
	TenantID string    `json:"tenant_id"`
	Category string    `json:"category"`
	Loc      Coord     `json:"loc"`
	Rating   float64   `json:"rating"`
	OnDuty   bool      `json:"on_duty"`
	Updated  time.Time `json:"updated"`
}

// CategoryQuote is the per-vehicle-category estimate inside a ProviderOption.
type CategoryQuote struct {
	Category      string  `json:"category"`
	EstimatedFare float64 `json:"estimated_fare"`
	Surge         float64 `json:"surge"`
}

type ProviderOption struct {
	TenantID       string          `json:"tenant_id"`
	Name           string          `json:"name"`
	AcceptanceRate float64         `json:"acceptance_rate"`
	Categories     []CategoryQuote `json:"categories"`
}

type FareReceipt struct {
	DistanceM    float64 `json:"distance_m"`
	DurationS    float64 `json:"duration_s"`
	Surge        float64 `json:"surge"`
	BaseFare     float64 `json:"base_fare"`
	DistanceFare float64 `json:"distance_fare"`
	TimeFare     float64 `json:"time_fare"`
	Total        float64 `json:"total"`
	Currency     string  `json:"currency"`
}

// TripStatusSnapshot is the poll payload. It only ever reflects committed
// state; PollAfterMs is the server's suggested next poll delay.
type TripStatusSnapshot struct {
	TripRequestID      string       `json:"trip_request_id"`
	State              TripState    `json:"state"`
	CurrentBatchNumber int          `json:"current_batch_number"`
	AssignedDriverID   string       `json:"assigned_driver_id,omitempty"`
	BatchOpen          bool         `json:"batch_open"`
	DriversNotified    int          `json:"drivers_notified,omitempty"`
	Fare               *FareReceipt `json:"fare,omitempty"`
	CancelReason       string       `json:"cancel_reason,omitempty"`
	PollAfterMs        int          `json:"poll_after_ms"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// TripEvent is published to the lifecycle event topic on every transition.
type TripEvent struct {
	Type          string    `json:"type"`
	TripRequestID string    `json:"trip_request_id"`
	State         TripState `json:"state"`
	DriverID      string    `json:"driver_id,omitempty"`
	BatchNumber   int       `json:"batch_number,omitempty"`
	At            time.Time `json:"at"`
}
