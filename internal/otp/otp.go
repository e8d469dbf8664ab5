// Package otp issues and checks the one-time code a rider presents to the
// driver before trip execution starts. Codes are short-lived numeric
// strings; regeneration is rate-limited so a noisy client cannot churn
// through codes.
package otp

import (
	"crypto/rand"
	"crypto/subtle"
	"math/big"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

type Policy struct {
	Digits           int
	TTL              time.Duration
	RegenMinInterval time.Duration
	// Now is swappable for tests.
	Now func() time.Time
}

func DefaultPolicy() Policy {
	return Policy{
		Digits:           4,
		TTL:              10 * time.Minute,
		RegenMinInterval: 30 * time.Second,
		Now:              time.Now,
	}
}

// Generate produces a fresh code together with its issue and expiry times.
func (p Policy) Generate() (code string, issuedAt, expiresAt time.Time, err error) {
	digits := p.Digits
	if digits <= 0 {
		digits = 4
	}
	max := big.NewInt(1)
	for i := 0; i < digits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", time.Time{}, time.Time{}, err
	}
	code = n.String()
	for len(code) < digits {
		code = "0" + code
	}
	now := p.now()
	return code, now, now.Add(p.TTL), nil
}

// Verify checks a presented code against the trip record. A mismatch does
// not consume or regenerate the stored code.
func (p Policy) Verify(t *models.TripRequest, presented string) error {
	if t.Otp == "" || p.now().After(t.OtpExpiresAt) {
		return models.ErrOtpExpired
	}
	if subtle.ConstantTimeCompare([]byte(t.Otp), []byte(presented)) != 1 {
		return models.ErrOtpMismatch
	}
	return nil
}

// CanRegenerate enforces the minimum interval between issued codes.
func (p Policy) CanRegenerate(t *models.TripRequest) error {
	if !t.OtpIssuedAt.IsZero() && p.now().Sub(t.OtpIssuedAt) < p.RegenMinInterval {
		return models.ErrOtpRateLimited
	}
	return nil
}

func (p Policy) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}
