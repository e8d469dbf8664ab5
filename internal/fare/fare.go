// Package fare talks to the external fare-computation collaborator. Fare
// math itself is out of scope here; we send distance, duration and surge
// and attach whatever breakdown comes back. A naive local estimator covers
// quotes and collaborator outages.
package fare

import "github.com/example/trip-dispatch/internal/models"

// Client computes a fare breakdown for a finished or prospective trip.
type Client interface {
	Quote(distanceM, durationS, surge float64) (models.FareReceipt, error)
}

// Naive is the fallback estimator: flat base plus distance and time
// components, scaled by surge.
type Naive struct {
	BaseFare float64
	PerKm    float64
	PerMin   float64
	Currency string
}

func DefaultNaive() Naive {
	return Naive{BaseFare: 2.5, PerKm: 1.2, PerMin: 0.3, Currency: "USD"}
}

func (n Naive) Quote(distanceM, durationS, surge float64) (models.FareReceipt, error) {
	if surge <= 0 {
		surge = 1.0
	}
	distFare := distanceM / 1000 * n.PerKm
	timeFare := durationS / 60 * n.PerMin
	return models.FareReceipt{
		DistanceM:    distanceM,
		DurationS:    durationS,
		Surge:        surge,
		BaseFare:     n.BaseFare,
		DistanceFare: distFare,
		TimeFare:     timeFare,
		Total:        (n.BaseFare + distFare + timeFare) * surge,
		Currency:     n.Currency,
	}, nil
}
