// Package eligibility asks the driver-documents collaborator whether a
// driver's KYC and vehicle paperwork are in good standing. Verdicts are
// cached briefly; the collaborator owns the documents themselves.
package eligibility

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Checker answers whether a driver may receive offers right now.
type Checker interface {
	Eligible(ctx context.Context, driverID string) bool
}

// AllowAll is the fallback when no collaborator is configured.
type AllowAll struct{}

func (AllowAll) Eligible(ctx context.Context, driverID string) bool { return true }

// HTTPChecker looks a driver up against the documents service. On
// transport failure it answers true: a collaborator outage must not
// empty every dispatch batch.
type HTTPChecker struct {
	Endpoint string
	Client   *http.Client
	CacheTTL time.Duration

	mu    sync.Mutex
	cache map[string]verdict
}

type verdict struct {
	ok      bool
	expires time.Time
}

func NewHTTPChecker(endpoint string) *HTTPChecker {
	return &HTTPChecker{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 2 * time.Second},
		CacheTTL: 5 * time.Minute,
		cache:    make(map[string]verdict),
	}
}

func (c *HTTPChecker) Eligible(ctx context.Context, driverID string) bool {
	if ok, hit := c.cached(driverID); hit {
		return ok
	}
	ok := c.lookup(ctx, driverID)
	c.mu.Lock()
	c.cache[driverID] = verdict{ok: ok, expires: time.Now().Add(c.CacheTTL)}
	c.mu.Unlock()
	return ok
}

func (c *HTTPChecker) cached(driverID string) (ok, hit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, found := c.cache[driverID]
	if !found || time.Now().After(v.expires) {
		return false, false
	}
	return v.ok, true
}

func (c *HTTPChecker) lookup(ctx context.Context, driverID string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.Endpoint+"/drivers/"+url.PathEscape(driverID)+"/eligibility", nil)
	if err != nil {
		return true
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return true
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return true
	}
	var out struct {
		Eligible bool `json:"eligible"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return true
	}
	return out.Eligible
}
