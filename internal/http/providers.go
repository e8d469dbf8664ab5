package httpapi

import (
	"encoding/json"
	"os"

	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/pool"
)

// defaultProviders loads the tenant catalog from PROVIDERS_FILE when set,
// otherwise falls back to a single demo tenant so the binary runs locally
// without setup. Catalog management lives with tenant administration, not
// in this service.
func defaultProviders() []pool.Provider {
	if path := os.Getenv("PROVIDERS_FILE"); path != "" {
		if b, err := os.ReadFile(path); err == nil {
			var out []pool.Provider
			if err := json.Unmarshal(b, &out); err == nil && len(out) > 0 {
				return out
			}
		}
	}
	return []pool.Provider{
		{
			TenantID:        "tenant-metro",
			Name:            "Metro Cabs",
			AcceptanceRate:  0.92,
			CoverageCenter:  models.Coord{Lat: 12.9716, Lon: 77.5946},
			CoverageRadiusM: 30000,
			Rates: map[string]pool.CategoryRate{
				"economy": {Base: 2.0, PerKm: 1.0, PerMin: 0.25, Surge: 1.0},
				"premium": {Base: 4.0, PerKm: 1.8, PerMin: 0.40, Surge: 1.0},
			},
		},
	}
}
