package geo

import (
	"context"
	"testing"

	"github.com/example/trip-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestNearbyFiltersOffDutyAndRadius(t *testing.T) {
	g := NewIndex()
	ctx := context.Background()
	g.Upsert(ctx, models.Driver{ID: "close", Loc: models.Coord{Lat: 0.001, Lon: 0}, OnDuty: true})
	g.Upsert(ctx, models.Driver{ID: "off-duty", Loc: models.Coord{Lat: 0.001, Lon: 0}, OnDuty: false})
	g.Upsert(ctx, models.Driver{ID: "far", Loc: models.Coord{Lat: 1, Lon: 1}, OnDuty: true})

	got := g.Nearby(ctx, 0, 0, 5000, 10)
	if len(got) != 1 || got[0].ID != "close" {
		t.Fatalf("expected only 'close', got %v", got)
	}
}

func TestNearbyClosestFirst(t *testing.T) {
	g := NewIndex()
	ctx := context.Background()
	g.Upsert(ctx, models.Driver{ID: "b", Loc: models.Coord{Lat: 0.02, Lon: 0}, OnDuty: true})
	g.Upsert(ctx, models.Driver{ID: "a", Loc: models.Coord{Lat: 0.01, Lon: 0}, OnDuty: true})
	got := g.Nearby(ctx, 0, 0, 10000, 2)
	if len(got) != 2 || got[0].ID != "a" {
		t.Fatalf("expected a first, got %v", got)
	}
}
