package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/trip-dispatch/internal/batch"
	"github.com/example/trip-dispatch/internal/config"
	"github.com/example/trip-dispatch/internal/dispatch"
	"github.com/example/trip-dispatch/internal/eligibility"
	"github.com/example/trip-dispatch/internal/fare"
	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/ingest"
	"github.com/example/trip-dispatch/internal/lifecycle"
	"github.com/example/trip-dispatch/internal/logging"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/otp"
	"github.com/example/trip-dispatch/internal/payments"
	"github.com/example/trip-dispatch/internal/pool"
	"github.com/example/trip-dispatch/internal/status"
	"github.com/example/trip-dispatch/internal/storage"
	"github.com/example/trip-dispatch/internal/trips"
)

type Server struct {
	Trips    *trips.Service
	Batcher  *batch.Batcher
	Geo      geo.Geo
	Presence *ingest.PresenceProducer
	WSReg    *dispatch.WSRegistry

	OtpDebugExpose bool

	logger *slog.Logger
	mux    *mux.Router
}

// NewServer wires a server from explicit dependencies; tests use this.
func NewServer(svc *trips.Service, batcher *batch.Batcher, g geo.Geo, wsreg *dispatch.WSRegistry, logger *slog.Logger) *Server {
	s := &Server{
		Trips:   svc,
		Batcher: batcher,
		Geo:     g,
		WSReg:   wsreg,
		logger:  logger,
		mux:     mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

// NewServerFromEnv assembles the full production wiring: redis geo when
// available, postgres when configured, kafka when brokers are set, with
// in-memory fallbacks everywhere else.
func NewServerFromEnv() (*Server, error) {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return nil, err
	}
	logger := logging.NewLogger(cfg.LogLevel)

	var ggeo geo.Geo
	if cfg.RedisAddr != "" {
		ggeo = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		ggeo = geo.NewIndex()
	}

	var store storage.TripStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		store = ps
	} else {
		store = storage.NewMemoryStore()
	}

	var events ingest.EventPublisher = ingest.NopPublisher{}
	var presence *ingest.PresenceProducer
	if len(cfg.KafkaBrokers) > 0 {
		events = ingest.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		presence = ingest.NewPresenceProducer(cfg.KafkaBrokers, cfg.KafkaPresenceTopic)
	}

	var fareClient fare.Client
	if cfg.FareEndpoint != "" {
		fareClient = fare.NewHTTPClient(cfg.FareEndpoint)
	} else {
		fareClient = fare.DefaultNaive()
	}

	var docs eligibility.Checker = eligibility.AllowAll{}
	if cfg.EligibilityEndpoint != "" {
		docs = eligibility.NewHTTPChecker(cfg.EligibilityEndpoint)
	}

	var holder payments.Holder
	if stripeConfigured() {
		holder = payments.NewStripeClient()
	}

	catalog := pool.NewStaticCatalog(defaultProviders())
	machine := lifecycle.NewMachine(store)
	wsreg := dispatch.NewWSRegistry()
	otpPolicy := otp.Policy{
		Digits:           cfg.OtpDigits,
		TTL:              cfg.OtpTTL,
		RegenMinInterval: cfg.OtpRegenInterval,
		Now:              time.Now,
	}

	batcher := &batch.Batcher{
		Store:    store,
		Geo:      ggeo,
		Machine:  machine,
		Dispatch: dispatch.NewPushDispatcher(cfg.PushEndpoint, cfg.PushKey, wsreg),
		Catalog:  catalog,
		Fare:     fareClient,
		Otp:      otpPolicy,
		Docs:     docs,
		Events:   events,
		Log:      logger,
		Cfg: batch.Config{
			BatchSize:     cfg.DispatchBatchSize,
			OfferTTL:      cfg.DispatchOfferTTL,
			SweepInterval: cfg.DispatchSweepEvery,
			AutoReopen:    cfg.DispatchAutoReopen,
			MaxBatches:    cfg.DispatchMaxBatches,
			SearchRadiusM: cfg.SearchRadiusM,
			AvgSpeedMps:   cfg.DefaultSpeedMps,
		},
	}
	svc := &trips.Service{
		Store:     store,
		Machine:   machine,
		Resolver:  pool.NewResolver(catalog, cfg.DefaultSpeedMps),
		Catalog:   catalog,
		Batcher:   batcher,
		OtpPolicy: otpPolicy,
		Fare:      fareClient,
		Payments:  holder,
		Events:    events,
		Feed:      status.NewFeed(cfg.StatusBasePollMs),
		Log:       logger,
	}

	s := NewServer(svc, batcher, ggeo, wsreg, logger)
	s.Presence = presence
	s.OtpDebugExpose = cfg.OtpDebugExpose
	return s, nil
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/trips", s.handleCreateTrip).Methods("POST")
	api.HandleFunc("/trips/{trip_id}/providers", s.handleListProviders).Methods("GET")
	api.HandleFunc("/trips/{trip_id}/select", s.handleSelectProvider).Methods("POST")
	api.HandleFunc("/trips/{trip_id}/dispatch", s.handleOpenBatch).Methods("POST")
	api.HandleFunc("/trips/{trip_id}/batches/{batch_number}/respond", s.handleRespond).Methods("POST")
	api.HandleFunc("/trips/{trip_id}/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/trips/{trip_id}/otp", s.handleGetOtp).Methods("GET")
	api.HandleFunc("/trips/{trip_id}/otp/regenerate", s.handleRegenerateOtp).Methods("POST")
	api.HandleFunc("/trips/{trip_id}/start", s.handleStartTrip).Methods("POST")
	api.HandleFunc("/trips/{trip_id}/complete", s.handleCompleteTrip).Methods("POST")
	api.HandleFunc("/trips/{trip_id}/cancel", s.handleCancelTrip).Methods("POST")

	s.mux.HandleFunc("/internal/driver/presence", s.handleDriverPresence).Methods("POST")
	s.mux.HandleFunc("/ws/driver/{driver_id}", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RiderID string       `json:"rider_id"`
		Pickup  models.Place `json:"pickup"`
		Dropoff models.Place `json:"dropoff"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.RiderID == "" {
		http.Error(w, "rider_id required", http.StatusBadRequest)
		return
	}
	t, err := s.Trips.Create(r.Context(), req.RiderID, req.Pickup, req.Dropoff)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"trip_request_id": t.ID, "state": t.State})
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	opts, err := s.Trips.ListProviderOptions(r.Context(), mux.Vars(r)["trip_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": opts})
}

func (s *Server) handleSelectProvider(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID string `json:"tenant_id"`
		Category string `json:"vehicle_category"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	t, err := s.Trips.SelectProvider(r.Context(), mux.Vars(r)["trip_id"], req.TenantID, req.Category)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": t.State})
}

func (s *Server) handleOpenBatch(w http.ResponseWriter, r *http.Request) {
	res, err := s.Batcher.Open(r.Context(), mux.Vars(r)["trip_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	batchNumber, err := strconv.Atoi(vars["batch_number"])
	if err != nil {
		http.Error(w, "invalid batch number", http.StatusBadRequest)
		return
	}
	var req struct {
		DriverID string          `json:"driver_id"`
		Decision models.Decision `json:"decision"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	outcome, err := s.Batcher.Respond(r.Context(), vars["trip_id"], batchNumber, req.DriverID, req.Decision)
	if err != nil {
		s.writeError(w, err)
		return
	}
	code := http.StatusOK
	if outcome == models.OutcomeAlreadyAssigned {
		// Typed conflict outcome: expected, terminal for this attempt,
		// nothing for the driver to retry.
		code = http.StatusConflict
	}
	writeJSON(w, code, map[string]any{"outcome": outcome})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Trips.Status(r.Context(), mux.Vars(r)["trip_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGetOtp(w http.ResponseWriter, r *http.Request) {
	if !s.OtpDebugExpose {
		http.Error(w, "otp exposure disabled", http.StatusForbidden)
		return
	}
	code, expires, err := s.Trips.Otp(r.Context(), mux.Vars(r)["trip_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"otp": code, "expires_at": expires})
}

func (s *Server) handleRegenerateOtp(w http.ResponseWriter, r *http.Request) {
	expires, err := s.Trips.RegenerateOtp(r.Context(), mux.Vars(r)["trip_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"expires_at": expires})
}

func (s *Server) handleStartTrip(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DriverID string `json:"driver_id"`
		Otp      string `json:"otp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	t, err := s.Trips.Start(r.Context(), mux.Vars(r)["trip_id"], req.DriverID, req.Otp)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": t.State})
}

func (s *Server) handleCompleteTrip(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DriverID  string  `json:"driver_id"`
		DistanceM float64 `json:"distance_m"`
		DurationS float64 `json:"duration_s"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	t, err := s.Trips.Complete(r.Context(), mux.Vars(r)["trip_id"], req.DriverID, req.DistanceM, req.DurationS)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": t.State, "fare": t.Fare})
}

func (s *Server) handleCancelTrip(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor   trips.Actor `json:"actor"`
		ActorID string      `json:"actor_id"`
		Reason  string      `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	t, err := s.Trips.Cancel(r.Context(), mux.Vars(r)["trip_id"], req.Actor, req.ActorID, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": t.State})
}

func (s *Server) handleDriverPresence(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.Presence != nil {
		if err := s.Presence.PublishPresence(d); err != nil {
			s.logger.Warn("presence publish failed", "driver", d.ID, "err", err)
		}
	}
	s.Geo.Upsert(r.Context(), d)
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Add(id, conn)
	conn.SetCloseHandler(func(code int, text string) error {
		s.WSReg.Remove(id)
		return nil
	})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrBatchNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, models.ErrStateConflict), errors.Is(err, models.ErrBatchAlreadyOpen):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, models.ErrNoProvidersAvailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, models.ErrOtpMismatch), errors.Is(err, models.ErrOtpExpired),
		errors.Is(err, models.ErrNotOffered), errors.Is(err, models.ErrNotAssignedDriver):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, models.ErrOtpRateLimited):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	default:
		s.logger.Error("request failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }

func stripeConfigured() bool {
	// STRIPE_API_KEY is read again inside the client; this only decides
	// whether to wire the collaborator at all.
	return os.Getenv("STRIPE_API_KEY") != ""
}
