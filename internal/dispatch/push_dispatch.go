package dispatch

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

// PushDispatcher tries the driver's live WS session first and falls back
// to the push-notification collaborator for drivers without one.
type PushDispatcher struct {
	Endpoint string
	Key      string
	Client   *http.Client
	WS       *WSRegistry
}

func NewPushDispatcher(endpoint, key string, ws *WSRegistry) *PushDispatcher {
	return &PushDispatcher{
		Endpoint: endpoint,
		Key:      key,
		Client:   &http.Client{Timeout: 3 * time.Second},
		WS:       ws,
	}
}

func (p *PushDispatcher) Offer(driverID string, offer models.Offer) error {
	if p.WS != nil {
		if err := p.WS.Offer(driverID, offer); err == nil {
			return nil
		}
	}
	if p.Endpoint == "" {
		return ErrNoSession
	}
	return p.post(map[string]interface{}{"driver_id": driverID, "type": "offer", "offer": offer})
}

func (p *PushDispatcher) Revoke(driverID string, rev models.OfferRevoked) {
	if p.WS != nil {
		p.WS.Revoke(driverID, rev)
	}
	if p.Endpoint != "" {
		// best effort; a stale push is resolved server-side anyway
		_ = p.post(map[string]interface{}{"driver_id": driverID, "type": "offer_revoked", "revoked": rev})
	}
}

func (p *PushDispatcher) post(body map[string]interface{}) error {
	b, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
