package lifecycle

import (
	"context"
	"fmt"

	"github.com/example/trip-dispatch/internal/models"
)

// transitions is the closed table of legal state changes. A state absent
// from the map, or a target absent from its set, is an illegal transition.
var transitions = map[models.TripState]map[models.TripState]struct{}{
	models.StateDraft: {
		models.StateSearchingProviders: {},
		models.StateRiderCancelled:     {},
	},
	models.StateSearchingProviders: {
		models.StateAwaitingSelection: {},
		models.StateRiderCancelled:    {},
	},
	models.StateAwaitingSelection: {
		models.StateSearchingDrivers: {},
		models.StateRiderCancelled:   {},
	},
	models.StateSearchingDrivers: {
		models.StateDriverAssigned:     {},
		models.StateNoDriversAvailable: {},
		models.StateRiderCancelled:     {},
	},
	models.StateDriverAssigned: {
		models.StateOtpPending:      {},
		models.StateDriverCancelled: {},
		models.StateRiderCancelled:  {},
	},
	models.StateOtpPending: {
		models.StateOnTrip:          {},
		models.StateDriverCancelled: {},
		models.StateRiderCancelled:  {},
	},
	models.StateOnTrip: {
		models.StateCompleted: {},
		models.StateCancelled: {},
	},
	// Re-entry into dispatch happens only from here (rider retry, same
	// provider) or from awaiting_selection (explicit provider change).
	models.StateNoDriversAvailable: {
		models.StateSearchingDrivers:  {},
		models.StateAwaitingSelection: {},
		models.StateRiderCancelled:    {},
	},
	models.StateDriverCancelled: {
		models.StateSearchingDrivers:  {},
		models.StateAwaitingSelection: {},
		models.StateRiderCancelled:    {},
	},
	models.StateCompleted:     {},
	models.StateRiderCancelled: {},
	models.StateCancelled:     {},
}

// CanTransition reports whether from → to is a legal lifecycle step.
func CanTransition(from, to models.TripState) bool {
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// Terminal reports whether no further transitions are accepted.
func Terminal(s models.TripState) bool {
	return len(transitions[s]) == 0
}

// CancellableByRider reports whether the rider may still cancel. Anything
// before trip execution is fair game; after on_trip it is a dispute, not a
// cancel.
func CancellableByRider(s models.TripState) bool {
	return CanTransition(s, models.StateRiderCancelled)
}

// rank orders states along the success path so observers can assert the
// feed never runs backwards. Failure branches share the rank of the state
// they depart from, plus one.
var rank = map[models.TripState]int{
	models.StateDraft:              0,
	models.StateSearchingProviders: 1,
	models.StateAwaitingSelection:  2,
	models.StateSearchingDrivers:   3,
	models.StateDriverAssigned:     4,
	models.StateOtpPending:         5,
	models.StateOnTrip:             6,
	models.StateCompleted:          7,
	models.StateNoDriversAvailable: 4,
	models.StateDriverCancelled:    5,
	models.StateRiderCancelled:     7,
	models.StateCancelled:          7,
}

// Rank returns the monotonic ordering index of a state.
func Rank(s models.TripState) int { return rank[s] }

// Store is the piece of persistence the machine drives: an atomic
// from-guarded state update. The store must reject the write if the trip
// is no longer in the expected state.
type Store interface {
	TransitionTrip(ctx context.Context, id string, from, to models.TripState, mutate func(*models.TripRequest)) (*models.TripRequest, error)
}

// Machine is the sole writer of TripRequest.state. Every component that
// needs a transition goes through Apply, which validates against the
// table before touching storage.
type Machine struct {
	store Store
}

func NewMachine(store Store) *Machine { return &Machine{store: store} }

// Apply performs from → to, running mutate on the record inside the same
// commit. Illegal transitions return ErrStateConflict without a write.
func (m *Machine) Apply(ctx context.Context, id string, from, to models.TripState, mutate func(*models.TripRequest)) (*models.TripRequest, error) {
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrStateConflict, from, to)
	}
	return m.store.TransitionTrip(ctx, id, from, to, mutate)
}
