package fare

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/example/trip-dispatch/internal/models"
)

func TestNaiveQuote(t *testing.T) {
	n := Naive{BaseFare: 2, PerKm: 1, PerMin: 0.5, Currency: "USD"}
	got, err := n.Quote(4000, 600, 1.5)
	if err != nil {
		t.Fatal(err)
	}
	// (2 + 4 + 5) * 1.5
	if math.Abs(got.Total-16.5) > 1e-9 {
		t.Fatalf("total = %f, want 16.5", got.Total)
	}
	if got.Surge != 1.5 || got.Currency != "USD" {
		t.Fatalf("unexpected receipt %+v", got)
	}
}

func TestNaiveQuoteZeroSurge(t *testing.T) {
	got, err := DefaultNaive().Quote(1000, 60, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got.Surge != 1.0 {
		t.Fatalf("surge = %f, want 1.0", got.Surge)
	}
}

func TestHTTPClientQuote(t *testing.T) {
	want := models.FareReceipt{DistanceM: 1000, DurationS: 120, Surge: 1, Total: 9.99, Currency: "USD"}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		var req map[string]float64
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req["distance_m"] != 1000 {
			t.Errorf("distance_m = %f", req["distance_m"])
		}
		_ = json.NewEncoder(w).Encode(want)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	got, err := c.Quote(1000, 120, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got.Total != want.Total {
		t.Fatalf("total = %f, want %f", got.Total, want.Total)
	}
}

func TestHTTPClientFallsBackOnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	got, err := c.Quote(1000, 60, 1)
	if err != nil {
		t.Fatal(err)
	}
	local, _ := DefaultNaive().Quote(1000, 60, 1)
	if got.Total != local.Total {
		t.Fatalf("expected local estimate %f, got %f", local.Total, got.Total)
	}
}

func TestHTTPClientFallsBackWhenUnreachable(t *testing.T) {
	c := NewHTTPClient("http://127.0.0.1:1")
	got, err := c.Quote(2000, 120, 1)
	if err != nil {
		t.Fatal(err)
	}
	local, _ := DefaultNaive().Quote(2000, 120, 1)
	if got.Total != local.Total {
		t.Fatalf("expected local estimate %f, got %f", local.Total, got.Total)
	}
}
