// Package http exposes the service over REST and hands socket upgrades
// to the broker. Handlers translate between the wire contract and the
// ingest/query services; every failure maps onto the shared error
// envelope.
package http

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fleetpulse/telemetryd/internal/auth"
	"github.com/fleetpulse/telemetryd/internal/ingest"
	"github.com/fleetpulse/telemetryd/internal/store"
	"github.com/fleetpulse/telemetryd/internal/telemetry"
)

// Ingester is the slice of the ingest service the write handlers use.
type Ingester interface {
	Push(ctx context.Context, pos telemetry.Position) (ingest.PushResult, error)
	PushBatch(ctx context.Context, positions []telemetry.Position) (ingest.BatchResult, error)
	SubmitReport(ctx context.Context, report telemetry.HazardReport) (telemetry.HazardReport, error)
	TriggerSOS(ctx context.Context, req ingest.SOSRequest) (ingest.SOSResult, error)
}

// Querier is the slice of the query service the read handlers use.
type Querier interface {
	Current(ctx context.Context, vehicleID string) (telemetry.Position, string, error)
	History(ctx context.Context, vehicleID string, from, to time.Time, page, limit int) ([]telemetry.Position, error)
	Nearby(ctx context.Context, lat, lng, radiusKM float64) ([]store.NearbyVehicle, error)
}

// ConsumerStatus reports whether a consumer group member has joined.
type ConsumerStatus interface {
	IsJoined() bool
}

// DBChecker abstracts the database health check.
type DBChecker interface {
	Ping(ctx context.Context) error
}

// CacheChecker abstracts the hot-cache health check.
type CacheChecker interface {
	Ping(ctx context.Context) error
	Backend() string
}

// BusStatus reports whether the event log is configured.
type BusStatus interface {
	Enabled() bool
}

// BrokerStatus reports live session counts for the health surface.
type BrokerStatus interface {
	Sessions() int
}

type Config struct {
	Addr             string
	ClientURL        string
	RequestTimeoutMS int
}

// Deps carries everything the server serves. Nil entries degrade the
// matching health flag instead of panicking.
type Deps struct {
	Ingester  Ingester
	Querier   Querier
	Verifier  *auth.Verifier
	DB        DBChecker
	Cache     CacheChecker
	Bus       BusStatus
	Broker    BrokerStatus
	Consumers map[string]ConsumerStatus
	WSHandler http.Handler
}

type Server struct {
	srv    *http.Server
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

func NewServer(cfg Config, deps Deps, logger *zap.Logger) *Server {
	if cfg.RequestTimeoutMS <= 0 {
		cfg.RequestTimeoutMS = 2000
	}
	s := &Server{cfg: cfg, deps: deps, logger: logger}

	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.timeoutMiddleware)
	api.HandleFunc("/vehicles/batch/locations", s.handleBatchPush).Methods(http.MethodPost)
	api.HandleFunc("/vehicles/{id}/location", s.handlePush).Methods(http.MethodPost)
	api.HandleFunc("/vehicles/{id}/location", s.handleCurrent).Methods(http.MethodGet)
	api.HandleFunc("/vehicles/{id}/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/nearby", s.handleNearby).Methods(http.MethodGet)
	api.HandleFunc("/reports", s.handleSubmitReport).Methods(http.MethodPost)
	api.HandleFunc("/sos", s.handleSOS).Methods(http.MethodPost)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	if deps.WSHandler != nil {
		r.Handle("/ws", deps.WSHandler).Methods(http.MethodGet)
	}

	s.srv = &http.Server{
		Addr:    cfg.Addr,
		Handler: s.corsHandler(r),
	}
	return s
}

// corsHandler admits the configured client application; without one,
// any origin may call the API.
func (s *Server) corsHandler(next http.Handler) http.Handler {
	origins := []string{"*"}
	if s.cfg.ClientURL != "" {
		origins = []string{s.cfg.ClientURL}
	}
	return handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
	)(next)
}

// timeoutMiddleware applies the ingress soft deadline to API requests.
// The socket endpoint stays outside it; sessions are long-lived.
func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	timeout := time.Duration(s.cfg.RequestTimeoutMS) * time.Millisecond
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// handleHealth reports liveness plus per-component flags. It always
// answers 200; orchestrators watching for hard failure use /readyz.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	components := map[string]bool{
		"cache":  false,
		"bus":    false,
		"store":  false,
		"broker": false,
	}
	if s.deps.Cache != nil && s.deps.Cache.Ping(ctx) == nil {
		components["cache"] = true
	}
	if s.deps.Bus != nil && s.deps.Bus.Enabled() {
		components["bus"] = true
	}
	if s.deps.DB != nil && s.deps.DB.Ping(ctx) == nil {
		components["store"] = true
	}
	if s.deps.Broker != nil {
		components["broker"] = true
	}

	status := "ok"
	if !components["store"] {
		status = "degraded"
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
	}
	if s.deps.Cache != nil {
		payload["cacheBackend"] = s.deps.Cache.Backend()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz gates traffic on the database and every consumer group
// member. A worker-less deployment (bus disabled) is ready on the
// database alone.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	allOK := true

	if s.deps.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.DB.Ping(ctx); err != nil {
			checks["postgres"] = "error"
			allOK = false
		} else {
			checks["postgres"] = "ok"
		}
	} else {
		checks["postgres"] = "error"
		allOK = false
	}

	for name, consumer := range s.deps.Consumers {
		if consumer != nil && consumer.IsJoined() {
			checks["kafka_"+name] = "ok"
		} else {
			checks["kafka_"+name] = "not_joined"
			allOK = false
		}
	}

	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, map[string]any{
		"status": status,
		"checks": checks,
	})
}
