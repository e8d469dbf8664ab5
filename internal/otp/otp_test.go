package otp

import (
	"testing"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

func fixedPolicy(now time.Time) Policy {
	p := DefaultPolicy()
	p.Now = func() time.Time { return now }
	return p
}

func TestGenerateShape(t *testing.T) {
	now := time.Now()
	p := fixedPolicy(now)
	code, issued, expires, err := p.Generate()
	if err != nil {
		t.Fatal(err)
	}
	if len(code) != 4 {
		t.Fatalf("expected 4 digits, got %q", code)
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			t.Fatalf("non-digit in code %q", code)
		}
	}
	if !issued.Equal(now) || !expires.Equal(now.Add(p.TTL)) {
		t.Fatalf("bad timestamps issued=%v expires=%v", issued, expires)
	}
}

func TestVerify(t *testing.T) {
	now := time.Now()
	p := fixedPolicy(now)
	trip := &models.TripRequest{Otp: "0420", OtpIssuedAt: now, OtpExpiresAt: now.Add(p.TTL)}

	if err := p.Verify(trip, "0420"); err != nil {
		t.Fatalf("expected match, got %v", err)
	}
	if err := p.Verify(trip, "9999"); err != models.ErrOtpMismatch {
		t.Fatalf("expected mismatch, got %v", err)
	}
	// mismatch must not consume the stored code
	if trip.Otp != "0420" {
		t.Fatal("code consumed on mismatch")
	}
	if err := p.Verify(trip, "0420"); err != nil {
		t.Fatalf("code should still verify, got %v", err)
	}
}

func TestVerifyExpired(t *testing.T) {
	now := time.Now()
	p := fixedPolicy(now)
	trip := &models.TripRequest{Otp: "0420", OtpExpiresAt: now.Add(-time.Second)}
	if err := p.Verify(trip, "0420"); err != models.ErrOtpExpired {
		t.Fatalf("expected expired, got %v", err)
	}
}

func TestRegenerateRateLimit(t *testing.T) {
	now := time.Now()
	p := fixedPolicy(now)
	trip := &models.TripRequest{OtpIssuedAt: now.Add(-10 * time.Second)}
	if err := p.CanRegenerate(trip); err != models.ErrOtpRateLimited {
		t.Fatalf("expected rate limit, got %v", err)
	}
	trip.OtpIssuedAt = now.Add(-time.Minute)
	if err := p.CanRegenerate(trip); err != nil {
		t.Fatalf("expected allowed, got %v", err)
	}
}
