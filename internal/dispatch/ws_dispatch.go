package dispatch

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/trip-dispatch/internal/models"
)

// Dispatcher delivers offers to drivers and revokes them when a batch
// resolves.
type Dispatcher interface {
	Offer(driverID string, offer models.Offer) error
	Revoke(driverID string, rev models.OfferRevoked)
}

var ErrNoSession = errors.New("no ws session")

// WSSession represents a connected driver session.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) send(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// WSRegistry holds live driver sessions keyed by driver id.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry {
	return &WSRegistry{sessions: make(map[string]*WSSession)}
}

func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[driverID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(driverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, driverID)
}

func (r *WSRegistry) Offer(driverID string, offer models.Offer) error {
	s := r.session(driverID)
	if s == nil {
		return ErrNoSession
	}
	return s.send(envelope{Type: "offer", Payload: offer})
}

func (r *WSRegistry) Revoke(driverID string, rev models.OfferRevoked) {
	if s := r.session(driverID); s != nil {
		_ = s.send(envelope{Type: "offer_revoked", Payload: rev})
	}
}

func (r *WSRegistry) session(driverID string) *WSSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[driverID]
}

type envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}
