// Package pool resolves a trip request to the providers (tenants) able to
// serve it, with per-category price estimates. Resolution is a pure read;
// nothing here mutates trip state.
package pool

import (
	"context"
	"sort"

	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/models"
)

// CategoryRate is a provider's published pricing for one vehicle category.
type CategoryRate struct {
	Base   float64 `json:"base"`
	PerKm  float64 `json:"per_km"`
	PerMin float64 `json:"per_min"`
	Surge  float64 `json:"surge"`
}

// Provider is a tenant's catalog entry: coverage area, acceptance score
// and category rates. The catalog is owned by tenant administration and
// read-only to this service.
type Provider struct {
	TenantID        string                  `json:"tenant_id"`
	Name            string                  `json:"name"`
	AcceptanceRate  float64                 `json:"acceptance_rate"`
	CoverageCenter  models.Coord            `json:"coverage_center"`
	CoverageRadiusM float64                 `json:"coverage_radius_m"`
	Rates           map[string]CategoryRate `json:"rates"`
}

// Covers reports whether a pickup point falls inside the provider's area.
func (p Provider) Covers(c models.Coord) bool {
	return geo.Haversine(p.CoverageCenter.Lat, p.CoverageCenter.Lon, c.Lat, c.Lon) <= p.CoverageRadiusM
}

type Catalog interface {
	Providers(ctx context.Context) []Provider
}

// StaticCatalog serves a fixed provider list.
type StaticCatalog struct {
	list []Provider
}

func NewStaticCatalog(providers []Provider) *StaticCatalog {
	return &StaticCatalog{list: providers}
}

func (c *StaticCatalog) Providers(ctx context.Context) []Provider {
	return c.list
}

// Resolver computes ranked provider options for a trip request.
type Resolver struct {
	Catalog Catalog
	// AvgSpeedMps converts route distance into the duration estimate used
	// for quoting.
	AvgSpeedMps float64
}

func NewResolver(catalog Catalog, avgSpeedMps float64) *Resolver {
	if avgSpeedMps <= 0 {
		avgSpeedMps = 10
	}
	return &Resolver{Catalog: catalog, AvgSpeedMps: avgSpeedMps}
}

// Resolve returns providers covering the pickup, best acceptance rate
// first. ErrNoProvidersAvailable when nothing covers the location; callers
// surface that to the rider rather than retrying.
func (r *Resolver) Resolve(ctx context.Context, trip *models.TripRequest) ([]models.ProviderOption, error) {
	distanceM := geo.Haversine(trip.Pickup.Lat, trip.Pickup.Lon, trip.Dropoff.Lat, trip.Dropoff.Lon)
	durationS := distanceM / r.AvgSpeedMps

	var out []models.ProviderOption
	for _, p := range r.Catalog.Providers(ctx) {
		if !p.Covers(trip.Pickup.Coord) {
			continue
		}
		opt := models.ProviderOption{
			TenantID:       p.TenantID,
			Name:           p.Name,
			AcceptanceRate: p.AcceptanceRate,
		}
		for category, rate := range p.Rates {
			surge := rate.Surge
			if surge <= 0 {
				surge = 1.0
			}
			est := (rate.Base + distanceM/1000*rate.PerKm + durationS/60*rate.PerMin) * surge
			opt.Categories = append(opt.Categories, models.CategoryQuote{
				Category:      category,
				EstimatedFare: est,
				Surge:         surge,
			})
		}
		sort.Slice(opt.Categories, func(i, j int) bool {
			return opt.Categories[i].EstimatedFare < opt.Categories[j].EstimatedFare
		})
		out = append(out, opt)
	}
	if len(out) == 0 {
		return nil, models.ErrNoProvidersAvailable
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].AcceptanceRate > out[j].AcceptanceRate
	})
	return out, nil
}

// SurgeFor returns the active surge multiplier for a tenant/category pair,
// defaulting to 1.0 when unknown. The batcher uses it for offer estimates
// and completion passes it to the fare collaborator.
func SurgeFor(ctx context.Context, c Catalog, tenantID, category string) float64 {
	for _, p := range c.Providers(ctx) {
		if p.TenantID != tenantID {
			continue
		}
		if rate, ok := p.Rates[category]; ok && rate.Surge > 0 {
			return rate.Surge
		}
	}
	return 1.0
}
