package batch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/example/trip-dispatch/internal/fare"
	"github.com/example/trip-dispatch/internal/lifecycle"
	"github.com/example/trip-dispatch/internal/logging"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/otp"
	"github.com/example/trip-dispatch/internal/pool"
	"github.com/example/trip-dispatch/internal/storage"
)

type fakeGeo struct{ drivers []models.Driver }

func (f *fakeGeo) Nearby(ctx context.Context, lat, lon, radiusM float64, limit int) []models.Driver {
	out := f.drivers
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
func (f *fakeGeo) Upsert(ctx context.Context, d models.Driver) {}

type fakeDispatch struct {
	mu      sync.Mutex
	offers  map[string][]models.Offer
	revokes map[string][]models.OfferRevoked
}

func newFakeDispatch() *fakeDispatch {
	return &fakeDispatch{offers: make(map[string][]models.Offer), revokes: make(map[string][]models.OfferRevoked)}
}

func (f *fakeDispatch) Offer(driverID string, offer models.Offer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers[driverID] = append(f.offers[driverID], offer)
	return nil
}

func (f *fakeDispatch) Revoke(driverID string, rev models.OfferRevoked) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revokes[driverID] = append(f.revokes[driverID], rev)
}

func (f *fakeDispatch) offerCount(driverID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.offers[driverID])
}

func (f *fakeDispatch) revokeCount(driverID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.revokes[driverID])
}

func onDuty(ids ...string) []models.Driver {
	out := make([]models.Driver, len(ids))
	for i, id := range ids {
		out[i] = models.Driver{ID: id, TenantID: "t1", Category: "economy", OnDuty: true}
	}
	return out
}

func testBatcher(t *testing.T, drivers []models.Driver, cfg Config) (*Batcher, *storage.MemoryStore, *fakeDispatch) {
	t.Helper()
	st := storage.NewMemoryStore()
	disp := newFakeDispatch()
	catalog := pool.NewStaticCatalog([]pool.Provider{{
		TenantID:        "t1",
		Name:            "Tenant One",
		AcceptanceRate:  0.9,
		CoverageRadiusM: 1e9,
		Rates:           map[string]pool.CategoryRate{"economy": {Base: 2, PerKm: 1, PerMin: 0.2}},
	}})
	b := &Batcher{
		Store:    st,
		Geo:      &fakeGeo{drivers: drivers},
		Machine:  lifecycle.NewMachine(st),
		Dispatch: disp,
		Catalog:  catalog,
		Fare:     fare.DefaultNaive(),
		Otp:      otp.DefaultPolicy(),
		Log:      logging.Nop(),
		Cfg:      cfg,
	}
	return b, st, disp
}

func seedTrip(t *testing.T, st *storage.MemoryStore, state models.TripState) {
	t.Helper()
	err := st.CreateTrip(context.Background(), &models.TripRequest{
		ID:               "trip-1",
		RiderID:          "r1",
		SelectedTenantID: "t1",
		SelectedCategory: "economy",
		State:            state,
		Pickup:           models.Place{Coord: models.Coord{Lat: 0, Lon: 0}},
		Dropoff:          models.Place{Coord: models.Coord{Lat: 0.05, Lon: 0}},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestOpenBatchFansOut(t *testing.T) {
	b, st, disp := testBatcher(t, onDuty("d1", "d2", "d3", "d4"), DefaultConfig())
	seedTrip(t, st, models.StateSearchingDrivers)
	ctx := context.Background()

	res, err := b.Open(ctx, "trip-1")
	if err != nil {
		t.Fatal(err)
	}
	if res.BatchNumber != 1 || res.DriversNotified != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	// batch size K caps the fanout
	if disp.offerCount("d4") != 0 {
		t.Fatal("d4 should not be offered in batch 1")
	}
	batch, err := st.GetBatch(ctx, "trip-1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch.OfferedDriverIDs) != 3 || !batch.IsOpen() {
		t.Fatalf("unexpected batch %+v", batch)
	}
}

type denyList map[string]struct{}

func (d denyList) Eligible(ctx context.Context, driverID string) bool {
	_, denied := d[driverID]
	return !denied
}

func TestOpenBatchSkipsIneligibleDrivers(t *testing.T) {
	b, st, disp := testBatcher(t, onDuty("d1", "d2", "d3"), DefaultConfig())
	b.Docs = denyList{"d2": {}}
	seedTrip(t, st, models.StateSearchingDrivers)

	res, err := b.Open(context.Background(), "trip-1")
	if err != nil {
		t.Fatal(err)
	}
	if res.DriversNotified != 2 {
		t.Fatalf("expected 2 notified, got %d", res.DriversNotified)
	}
	if disp.offerCount("d2") != 0 {
		t.Fatal("ineligible driver must not be offered")
	}
}

func TestOpenBatchWrongStateRejected(t *testing.T) {
	b, st, _ := testBatcher(t, onDuty("d1"), DefaultConfig())
	seedTrip(t, st, models.StateDraft)
	if _, err := b.Open(context.Background(), "trip-1"); err == nil {
		t.Fatal("expected precondition failure")
	}
}

func TestOpenBatchWhileOpenRejected(t *testing.T) {
	b, st, _ := testBatcher(t, onDuty("d1", "d2"), DefaultConfig())
	seedTrip(t, st, models.StateSearchingDrivers)
	ctx := context.Background()
	if _, err := b.Open(ctx, "trip-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Open(ctx, "trip-1"); err != models.ErrBatchAlreadyOpen {
		t.Fatalf("expected ErrBatchAlreadyOpen, got %v", err)
	}
}

func TestEmptyBatchResolvesImmediately(t *testing.T) {
	b, st, _ := testBatcher(t, nil, DefaultConfig())
	seedTrip(t, st, models.StateSearchingDrivers)
	ctx := context.Background()

	res, err := b.Open(ctx, "trip-1")
	if err != nil {
		t.Fatal(err)
	}
	if res.DriversNotified != 0 {
		t.Fatalf("expected 0 notified, got %d", res.DriversNotified)
	}
	trip, _ := st.GetTrip(ctx, "trip-1")
	if trip.State != models.StateNoDriversAvailable {
		t.Fatalf("expected no_drivers_available without waiting, got %s", trip.State)
	}
	batch, _ := st.GetBatch(ctx, "trip-1", 1)
	if batch.IsOpen() || batch.Resolution != models.ResolutionNoDriversAvailable {
		t.Fatalf("unexpected batch %+v", batch)
	}
}

func TestConcurrentAcceptsExactlyOneWinner(t *testing.T) {
	b, st, disp := testBatcher(t, onDuty("a", "b", "c"), DefaultConfig())
	seedTrip(t, st, models.StateSearchingDrivers)
	ctx := context.Background()
	if _, err := b.Open(ctx, "trip-1"); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	outcomes := make(map[string]models.ResponseOutcome)
	var mu sync.Mutex
	for _, id := range []string{"b", "c"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			out, err := b.Respond(ctx, "trip-1", 1, id, models.DecisionAccepted)
			if err != nil {
				t.Errorf("respond %s: %v", id, err)
				return
			}
			mu.Lock()
			outcomes[id] = out
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	wins, conflicts := 0, 0
	var winner string
	for id, out := range outcomes {
		switch out {
		case models.OutcomeWon:
			wins++
			winner = id
		case models.OutcomeAlreadyAssigned:
			conflicts++
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("expected 1 win and 1 conflict, got %v", outcomes)
	}
	trip, _ := st.GetTrip(ctx, "trip-1")
	if trip.State != models.StateDriverAssigned || trip.AssignedDriverID != winner {
		t.Fatalf("trip not assigned to winner: %+v", trip)
	}
	if trip.Otp == "" || trip.OtpExpiresAt.IsZero() {
		t.Fatal("otp not issued on assignment")
	}
	// the silent driver gets a revocation
	if disp.revokeCount("a") != 1 {
		t.Fatalf("expected revoke for a, got %d", disp.revokeCount("a"))
	}
}

func TestRespondIdempotent(t *testing.T) {
	b, st, _ := testBatcher(t, onDuty("a", "b"), DefaultConfig())
	seedTrip(t, st, models.StateSearchingDrivers)
	ctx := context.Background()
	if _, err := b.Open(ctx, "trip-1"); err != nil {
		t.Fatal(err)
	}

	first, err := b.Respond(ctx, "trip-1", 1, "a", models.DecisionAccepted)
	if err != nil {
		t.Fatal(err)
	}
	second, err := b.Respond(ctx, "trip-1", 1, "a", models.DecisionAccepted)
	if err != nil {
		t.Fatal(err)
	}
	if first != models.OutcomeWon || second != models.OutcomeWon {
		t.Fatalf("replay changed outcome: %s then %s", first, second)
	}
	// loser replays also stay stable
	l1, _ := b.Respond(ctx, "trip-1", 1, "b", models.DecisionAccepted)
	l2, _ := b.Respond(ctx, "trip-1", 1, "b", models.DecisionAccepted)
	if l1 != models.OutcomeAlreadyAssigned || l2 != models.OutcomeAlreadyAssigned {
		t.Fatalf("loser replay changed outcome: %s then %s", l1, l2)
	}
}

func TestAllRejectedSurfacesExhaustion(t *testing.T) {
	b, st, _ := testBatcher(t, onDuty("a", "b"), DefaultConfig())
	seedTrip(t, st, models.StateSearchingDrivers)
	ctx := context.Background()
	if _, err := b.Open(ctx, "trip-1"); err != nil {
		t.Fatal(err)
	}

	if out, _ := b.Respond(ctx, "trip-1", 1, "a", models.DecisionRejected); out != models.OutcomeRejectionNoted {
		t.Fatalf("unexpected outcome %s", out)
	}
	if out, _ := b.Respond(ctx, "trip-1", 1, "b", models.DecisionRejected); out != models.OutcomeRejectionNoted {
		t.Fatalf("unexpected outcome %s", out)
	}
	trip, _ := st.GetTrip(ctx, "trip-1")
	if trip.State != models.StateNoDriversAvailable {
		t.Fatalf("expected exhaustion surfaced, got %s", trip.State)
	}
}

func TestAutoReopenOpensNextBatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 1
	cfg.AutoReopen = true
	cfg.MaxBatches = 3
	b, st, disp := testBatcher(t, onDuty("a", "b"), cfg)
	seedTrip(t, st, models.StateSearchingDrivers)
	ctx := context.Background()
	if _, err := b.Open(ctx, "trip-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Respond(ctx, "trip-1", 1, "a", models.DecisionRejected); err != nil {
		t.Fatal(err)
	}

	trip, _ := st.GetTrip(ctx, "trip-1")
	if trip.State != models.StateSearchingDrivers {
		t.Fatalf("auto reopen should keep searching, got %s", trip.State)
	}
	if trip.CurrentBatchNumber != 2 {
		t.Fatalf("expected batch 2 opened, got %d", trip.CurrentBatchNumber)
	}
	// no repeat offers: batch 2 goes to the other driver
	if disp.offerCount("b") != 1 || disp.offerCount("a") != 1 {
		t.Fatalf("unexpected offer counts a=%d b=%d", disp.offerCount("a"), disp.offerCount("b"))
	}
}

func TestRetryExcludesPriorOffers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	b, st, disp := testBatcher(t, onDuty("a", "b", "c"), cfg)
	seedTrip(t, st, models.StateSearchingDrivers)
	ctx := context.Background()
	if _, err := b.Open(ctx, "trip-1"); err != nil {
		t.Fatal(err)
	}
	_, _ = b.Respond(ctx, "trip-1", 1, "a", models.DecisionRejected)
	_, _ = b.Respond(ctx, "trip-1", 1, "b", models.DecisionRejected)

	// exhaustion surfaced; rider retries explicitly
	res, err := b.Open(ctx, "trip-1")
	if err != nil {
		t.Fatal(err)
	}
	if res.BatchNumber != 2 || res.DriversNotified != 1 {
		t.Fatalf("unexpected retry result %+v", res)
	}
	if disp.offerCount("a") != 1 || disp.offerCount("b") != 1 || disp.offerCount("c") != 1 {
		t.Fatal("batch 2 must only reach the unoffered driver")
	}
}

func TestSweeperResolvesExpiredBatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OfferTTL = 10 * time.Second
	b, st, disp := testBatcher(t, onDuty("a", "b"), cfg)
	seedTrip(t, st, models.StateSearchingDrivers)
	ctx := context.Background()
	if _, err := b.Open(ctx, "trip-1"); err != nil {
		t.Fatal(err)
	}

	// nothing due yet
	b.sweep(ctx, time.Now())
	if batch, _ := st.GetBatch(ctx, "trip-1", 1); !batch.IsOpen() {
		t.Fatal("batch expired early")
	}

	b.sweep(ctx, time.Now().Add(cfg.OfferTTL+time.Second))
	batch, _ := st.GetBatch(ctx, "trip-1", 1)
	if batch.IsOpen() || batch.Resolution != models.ResolutionExhausted {
		t.Fatalf("expected exhausted batch, got %+v", batch)
	}
	trip, _ := st.GetTrip(ctx, "trip-1")
	if trip.State != models.StateNoDriversAvailable {
		t.Fatalf("expected no_drivers_available, got %s", trip.State)
	}
	if disp.revokeCount("a") != 1 || disp.revokeCount("b") != 1 {
		t.Fatal("expired offers must be revoked")
	}
	// a straggler accept after expiry is a conflict, not a win
	out, err := b.Respond(ctx, "trip-1", 1, "a", models.DecisionAccepted)
	if err != nil {
		t.Fatal(err)
	}
	if out != models.OutcomeAlreadyAssigned {
		t.Fatalf("late accept got %s", out)
	}
}

func TestSweeperLeavesWonBatchAlone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OfferTTL = 10 * time.Second
	b, st, _ := testBatcher(t, onDuty("a", "b"), cfg)
	seedTrip(t, st, models.StateSearchingDrivers)
	ctx := context.Background()
	if _, err := b.Open(ctx, "trip-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Respond(ctx, "trip-1", 1, "a", models.DecisionAccepted); err != nil {
		t.Fatal(err)
	}

	b.sweep(ctx, time.Now().Add(cfg.OfferTTL+time.Second))
	batch, _ := st.GetBatch(ctx, "trip-1", 1)
	if batch.Resolution != models.ResolutionWon {
		t.Fatalf("sweeper clobbered resolution: %s", batch.Resolution)
	}
	trip, _ := st.GetTrip(ctx, "trip-1")
	if trip.State != models.StateDriverAssigned {
		t.Fatalf("unexpected trip state %s", trip.State)
	}
}

func TestRetryAfterDriverCancel(t *testing.T) {
	b, st, _ := testBatcher(t, onDuty("a", "b", "c", "d"), DefaultConfig())
	seedTrip(t, st, models.StateSearchingDrivers)
	ctx := context.Background()
	if _, err := b.Open(ctx, "trip-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Respond(ctx, "trip-1", 1, "a", models.DecisionAccepted); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Machine.Apply(ctx, "trip-1", models.StateDriverAssigned, models.StateDriverCancelled, nil); err != nil {
		t.Fatal(err)
	}

	// no automatic re-entry into dispatch
	trip, _ := st.GetTrip(ctx, "trip-1")
	if trip.State != models.StateDriverCancelled {
		t.Fatalf("expected driver_cancelled to stick, got %s", trip.State)
	}
	// explicit rider retry opens the next batch and clears the assignment
	res, err := b.Open(ctx, "trip-1")
	if err != nil {
		t.Fatal(err)
	}
	if res.BatchNumber != 2 {
		t.Fatalf("expected batch 2, got %d", res.BatchNumber)
	}
	trip, _ = st.GetTrip(ctx, "trip-1")
	if trip.State != models.StateSearchingDrivers || trip.AssignedDriverID != "" || trip.Otp != "" {
		t.Fatalf("retry should reset assignment: %+v", trip)
	}
}
