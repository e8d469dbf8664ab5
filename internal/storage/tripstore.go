package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

// RespondResult is the atomic outcome of recording one driver response.
type RespondResult struct {
	// Decision is the decision on record for the driver after the call.
	// For a replayed call this is the original record, not the new input.
	Decision models.Decision
	// Prior means the driver had already answered; nothing was written.
	Prior bool
	// Won means this call claimed the winner slot.
	Won bool
	// AllRejected means this rejection was the last outstanding response
	// and the batch closed eagerly.
	AllRejected bool
	// Closed means the batch was no longer open when the call arrived.
	Closed bool
}

// TripStore defines persistence for trip requests and dispatch batches.
// RespondToBatch is the concurrency-critical operation: implementations
// must make the winner claim a single conditional write, never a
// read-then-write.
type TripStore interface {
	CreateTrip(ctx context.Context, t *models.TripRequest) error
	GetTrip(ctx context.Context, id string) (*models.TripRequest, error)
	// TransitionTrip updates state from → to and applies mutate in the same
	// commit. Returns ErrStateConflict if the stored state is not `from`.
	TransitionTrip(ctx context.Context, id string, from, to models.TripState, mutate func(*models.TripRequest)) (*models.TripRequest, error)

	// CreateBatch opens batch current_batch_number+1 with the given fanout
	// and bumps the trip counter, atomically. Fails with
	// ErrBatchAlreadyOpen while a non-closed batch exists.
	CreateBatch(ctx context.Context, tripID string, offered []string, openedAt time.Time) (*models.DispatchBatch, error)
	GetBatch(ctx context.Context, tripID string, batchNumber int) (*models.DispatchBatch, error)
	// OpenBatch returns the currently open batch, ErrBatchNotFound if none.
	OpenBatch(ctx context.Context, tripID string) (*models.DispatchBatch, error)
	// OfferedDrivers returns every driver offered in any batch of this trip,
	// for the no-repeat-offers rule.
	OfferedDrivers(ctx context.Context, tripID string) ([]string, error)
	RespondToBatch(ctx context.Context, tripID string, batchNumber int, driverID string, decision models.Decision) (RespondResult, error)
	// CloseBatch resolves an open batch; closing an already closed batch is
	// a no-op so the sweeper and eager paths can race safely.
	CloseBatch(ctx context.Context, tripID string, batchNumber int, resolution models.BatchResolution, at time.Time) error
	// ListExpiredOpenBatches returns open batches opened before the cutoff.
	ListExpiredOpenBatches(ctx context.Context, openedBefore time.Time) ([]*models.DispatchBatch, error)
}

// MemoryStore keeps everything under one mutex. The winner claim is a
// check-and-set inside the same critical section, which is the in-memory
// equivalent of the conditional UPDATE the postgres store issues.
type MemoryStore struct {
	mu      sync.RWMutex
	trips   map[string]*models.TripRequest
	batches map[string][]*models.DispatchBatch
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trips:   make(map[string]*models.TripRequest),
		batches: make(map[string][]*models.DispatchBatch),
	}
}

func (m *MemoryStore) CreateTrip(ctx context.Context, t *models.TripRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.trips[t.ID] = &cp
	return nil
}

func (m *MemoryStore) GetTrip(ctx context.Context, id string) (*models.TripRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) TransitionTrip(ctx context.Context, id string, from, to models.TripState, mutate func(*models.TripRequest)) (*models.TripRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	if t.State != from {
		return nil, fmt.Errorf("%w: trip is %s, expected %s", models.ErrStateConflict, t.State, from)
	}
	if mutate != nil {
		mutate(t)
	}
	t.State = to
	t.UpdatedAt = time.Now()
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) CreateBatch(ctx context.Context, tripID string, offered []string, openedAt time.Time) (*models.DispatchBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return nil, models.ErrNotFound
	}
	for _, b := range m.batches[tripID] {
		if b.IsOpen() {
			return nil, models.ErrBatchAlreadyOpen
		}
	}
	b := &models.DispatchBatch{
		TripRequestID:    tripID,
		BatchNumber:      t.CurrentBatchNumber + 1,
		OfferedDriverIDs: append([]string(nil), offered...),
		Responses:        make(map[string]models.Decision),
		OpenedAt:         openedAt,
	}
	m.batches[tripID] = append(m.batches[tripID], b)
	t.CurrentBatchNumber = b.BatchNumber
	t.UpdatedAt = time.Now()
	return copyBatch(b), nil
}

func (m *MemoryStore) GetBatch(ctx context.Context, tripID string, batchNumber int) (*models.DispatchBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b := m.findBatch(tripID, batchNumber)
	if b == nil {
		return nil, models.ErrBatchNotFound
	}
	return copyBatch(b), nil
}

func (m *MemoryStore) OpenBatch(ctx context.Context, tripID string) (*models.DispatchBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.batches[tripID] {
		if b.IsOpen() {
			return copyBatch(b), nil
		}
	}
	return nil, models.ErrBatchNotFound
}

func (m *MemoryStore) OfferedDrivers(ctx context.Context, tripID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	seen := make(map[string]struct{})
	for _, b := range m.batches[tripID] {
		for _, id := range b.OfferedDriverIDs {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *MemoryStore) RespondToBatch(ctx context.Context, tripID string, batchNumber int, driverID string, decision models.Decision) (RespondResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.findBatch(tripID, batchNumber)
	if b == nil {
		return RespondResult{}, models.ErrBatchNotFound
	}
	if !b.Offered(driverID) {
		return RespondResult{}, models.ErrNotOffered
	}
	if prior, ok := b.Responses[driverID]; ok {
		return RespondResult{Decision: prior, Prior: true, Won: b.WinnerDriverID == driverID, Closed: !b.IsOpen()}, nil
	}
	if !b.IsOpen() {
		return RespondResult{Decision: decision, Closed: true}, nil
	}
	b.Responses[driverID] = decision
	res := RespondResult{Decision: decision}
	if decision == models.DecisionAccepted {
		// The CAS: winner slot still empty, batch still open, both checked
		// under the same lock that guards the write.
		if b.WinnerDriverID == "" {
			b.WinnerDriverID = driverID
			now := time.Now()
			b.ClosedAt = &now
			b.Resolution = models.ResolutionWon
			res.Won = true
		}
		return res, nil
	}
	rejected := 0
	for _, d := range b.Responses {
		if d == models.DecisionRejected {
			rejected++
		}
	}
	if rejected == len(b.OfferedDriverIDs) {
		now := time.Now()
		b.ClosedAt = &now
		b.Resolution = models.ResolutionAllRejected
		res.AllRejected = true
	}
	return res, nil
}

func (m *MemoryStore) CloseBatch(ctx context.Context, tripID string, batchNumber int, resolution models.BatchResolution, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.findBatch(tripID, batchNumber)
	if b == nil {
		return models.ErrBatchNotFound
	}
	if !b.IsOpen() {
		return nil
	}
	closed := at
	b.ClosedAt = &closed
	b.Resolution = resolution
	return nil
}

func (m *MemoryStore) ListExpiredOpenBatches(ctx context.Context, openedBefore time.Time) ([]*models.DispatchBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.DispatchBatch
	for _, bs := range m.batches {
		for _, b := range bs {
			if b.IsOpen() && b.OpenedAt.Before(openedBefore) {
				out = append(out, copyBatch(b))
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) findBatch(tripID string, batchNumber int) *models.DispatchBatch {
	for _, b := range m.batches[tripID] {
		if b.BatchNumber == batchNumber {
			return b
		}
	}
	return nil
}

func copyBatch(b *models.DispatchBatch) *models.DispatchBatch {
	cp := *b
	cp.OfferedDriverIDs = append([]string(nil), b.OfferedDriverIDs...)
	cp.Responses = make(map[string]models.Decision, len(b.Responses))
	for k, v := range b.Responses {
		cp.Responses[k] = v
	}
	if b.ClosedAt != nil {
		t := *b.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}
