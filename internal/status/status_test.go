package status

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

func TestSnapshotFields(t *testing.T) {
	f := NewFeed(3000)
	trip := &models.TripRequest{
		ID:                 "trip-1",
		State:              models.StateSearchingDrivers,
		CurrentBatchNumber: 2,
	}
	batch := &models.DispatchBatch{
		TripRequestID:    "trip-1",
		BatchNumber:      2,
		OfferedDriverIDs: []string{"a", "b", "c"},
	}

	snap := f.Snapshot(trip, batch)
	if snap.State != models.StateSearchingDrivers || snap.CurrentBatchNumber != 2 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if !snap.BatchOpen || snap.DriversNotified != 3 {
		t.Fatalf("batch detail missing: %+v", snap)
	}
	if snap.PollAfterMs != 3000 {
		t.Fatalf("poll hint = %d", snap.PollAfterMs)
	}
}

func TestSnapshotNoOpenBatch(t *testing.T) {
	snap := NewFeed(0).Snapshot(&models.TripRequest{ID: "trip-1", State: models.StateDriverAssigned}, nil)
	if snap.BatchOpen || snap.DriversNotified != 0 {
		t.Fatalf("unexpected batch detail %+v", snap)
	}
	if snap.PollAfterMs != 3000 {
		t.Fatalf("default poll hint = %d", snap.PollAfterMs)
	}
}

func TestSnapshotTerminalWidensPoll(t *testing.T) {
	f := NewFeed(2000)
	for _, s := range []models.TripState{models.StateCompleted, models.StateRiderCancelled, models.StateCancelled} {
		snap := f.Snapshot(&models.TripRequest{ID: "trip-1", State: s}, nil)
		if snap.PollAfterMs != 20000 {
			t.Fatalf("%s: poll hint = %d, want 20000", s, snap.PollAfterMs)
		}
	}
}

func TestPollerBackoffDoublesAndResets(t *testing.T) {
	var mu sync.Mutex
	var calls []time.Time
	done := make(chan struct{})

	p := &Poller{
		Base: 5 * time.Millisecond,
		Max:  40 * time.Millisecond,
		Fetch: func(ctx context.Context) (models.TripStatusSnapshot, error) {
			mu.Lock()
			calls = append(calls, time.Now())
			n := len(calls)
			mu.Unlock()
			if n < 4 {
				return models.TripStatusSnapshot{}, errors.New("transport down")
			}
			return models.TripStatusSnapshot{State: models.StateSearchingDrivers}, nil
		},
		OnUpdate: func(s models.TripStatusSnapshot) bool {
			select {
			case <-done:
			default:
				close(done)
			}
			return false
		},
	}
	p.Start(context.Background())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller never recovered")
	}
	p.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(calls) < 4 {
		t.Fatalf("expected at least 4 fetches, got %d", len(calls))
	}
	// the gap after two consecutive failures must exceed the base interval
	if gap := calls[3].Sub(calls[2]); gap < 10*time.Millisecond {
		t.Fatalf("backoff did not widen: gap %v", gap)
	}
}

func TestPollerStopsOnTerminalUpdate(t *testing.T) {
	var mu sync.Mutex
	fetches := 0
	p := &Poller{
		Base: time.Millisecond,
		Max:  10 * time.Millisecond,
		Fetch: func(ctx context.Context) (models.TripStatusSnapshot, error) {
			mu.Lock()
			fetches++
			mu.Unlock()
			return models.TripStatusSnapshot{State: models.StateCompleted}, nil
		},
		OnUpdate: func(s models.TripStatusSnapshot) bool {
			return s.State != models.StateCompleted
		},
	}
	p.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	p.Stop()

	mu.Lock()
	defer mu.Unlock()
	if fetches != 1 {
		t.Fatalf("expected a single fetch before stopping, got %d", fetches)
	}
}

func TestPollerStopIsIdempotent(t *testing.T) {
	p := &Poller{
		Base: time.Millisecond,
		Max:  time.Millisecond,
		Fetch: func(ctx context.Context) (models.TripStatusSnapshot, error) {
			return models.TripStatusSnapshot{}, nil
		},
	}
	p.Start(context.Background())
	p.Stop()
	p.Stop()
}

func TestPollerHonorsServerHint(t *testing.T) {
	var mu sync.Mutex
	var calls []time.Time
	p := &Poller{
		Base: time.Millisecond,
		Max:  time.Second,
		Fetch: func(ctx context.Context) (models.TripStatusSnapshot, error) {
			mu.Lock()
			calls = append(calls, time.Now())
			mu.Unlock()
			return models.TripStatusSnapshot{PollAfterMs: 30}, nil
		},
	}
	p.Start(context.Background())
	time.Sleep(100 * time.Millisecond)
	p.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(calls) < 2 {
		t.Fatalf("expected at least 2 fetches, got %d", len(calls))
	}
	if gap := calls[1].Sub(calls[0]); gap < 25*time.Millisecond {
		t.Fatalf("server hint ignored: gap %v", gap)
	}
}
