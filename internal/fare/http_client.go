package fare

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

// HTTPClient calls the fare service over HTTP and falls back to the naive
// estimator when the service is unreachable or answers badly.
type HTTPClient struct {
	Endpoint string
	Client   *http.Client
	Fallback Naive
}

func NewHTTPClient(endpoint string) *HTTPClient {
	return &HTTPClient{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 2 * time.Second},
		Fallback: DefaultNaive(),
	}
}

func (c *HTTPClient) Quote(distanceM, durationS, surge float64) (models.FareReceipt, error) {
	body, _ := json.Marshal(map[string]float64{
		"distance_m": distanceM,
		"duration_s": durationS,
		"surge":      surge,
	})
	resp, err := c.Client.Post(c.Endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return c.Fallback.Quote(distanceM, durationS, surge)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.Fallback.Quote(distanceM, durationS, surge)
	}
	var out models.FareReceipt
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.FareReceipt{}, fmt.Errorf("fare service: bad response: %w", err)
	}
	return out, nil
}
