// Package api serves the read-only operational endpoints.
package api

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/trade-footprint/internal/exchange"
	"github.com/trade-footprint/internal/pipeline"
	"github.com/trade-footprint/internal/ratelimit"
	"github.com/trade-footprint/internal/router"
	"github.com/trade-footprint/internal/services"
	"github.com/trade-footprint/internal/symbols"
	"github.com/trade-footprint/pkg/config"
	"github.com/trade-footprint/pkg/logger"
	"github.com/trade-footprint/pkg/models"
)

// CheckFunc reports whether a dependency is reachable
type CheckFunc func(ctx context.Context) error

// SignalReader loads stored records. A nil record means none exists.
type SignalReader interface {
	GetSignal(ctx context.Context, instrument, interval string, openTime time.Time) (*models.SignalRecord, error)
}

// Sources are the components the status endpoint reports on. Any of them
// may be nil.
type Sources struct {
	Limiter  interface{ Snapshot() ratelimit.State }
	Hub      interface{ GetStats() exchange.HubStats }
	Router   interface{ Stats() router.Stats }
	Pipeline interface{ Stats() pipeline.Stats }
	Symbols  interface {
		Last() (symbols.Result, time.Time)
	}
	Gaps    interface{ Stats() services.GapRecoveryStats }
	Signals SignalReader
	Checks  map[string]CheckFunc
}

// Status is the body of /api/v1/status
type Status struct {
	Timestamp  time.Time                  `json:"timestamp"`
	Limiter    *ratelimit.State           `json:"limiter,omitempty"`
	Banned     bool                       `json:"banned"`
	Collectors *exchange.HubStats         `json:"collectors,omitempty"`
	Router     *router.Stats              `json:"router,omitempty"`
	Pipeline   *pipeline.Stats            `json:"pipeline,omitempty"`
	Symbols    *SymbolsStatus             `json:"symbols,omitempty"`
	Gaps       *services.GapRecoveryStats `json:"gaps,omitempty"`
}

// SymbolsStatus describes the last instrument sync
type SymbolsStatus struct {
	LastSync time.Time      `json:"lastSync"`
	Result   symbols.Result `json:"result"`
}

// Server represents the HTTP API server
type Server struct {
	cfg        *config.ServerConfig
	logger     *logrus.Logger
	sources    Sources
	router     *mux.Router
	httpServer *http.Server
	now        func() time.Time
}

// NewServer creates the API server
func NewServer(cfg *config.ServerConfig, sources Sources, logger *logrus.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		sources: sources,
		now:     time.Now,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()
	s.router.Use(logger.Middleware(s.logger))

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	apiV1 := s.router.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	apiV1.HandleFunc("/signals/{instrument}/{interval}/{openTime:[0-9]+}", s.handleGetSignal).Methods(http.MethodGet)

	if s.cfg.Pprof {
		s.router.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)
	}
}

// Handler returns the root handler with recovery and CORS applied
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	if len(s.cfg.CORSOrigins) > 0 {
		h = handlers.CORS(
			handlers.AllowedOrigins(s.cfg.CORSOrigins),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		)(h)
	}
	return handlers.RecoveryHandler(
		handlers.RecoveryLogger(s.logger),
		handlers.PrintRecoveryStack(false),
	)(h)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	s.logger.WithField("address", addr).Info("Starting HTTP server")

	err := s.httpServer.ListenAndServe()
	if err != nil {
		if strings.Contains(err.Error(), "address already in use") {
			return fmt.Errorf("port %d is already in use: %w", s.cfg.Port, err)
		}
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("Stopping HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// handleHealth runs every dependency check. Any failure answers 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.sources.Checks))
	healthy := true
	for name, check := range s.sources.Checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"services":  checks,
		"timestamp": s.now().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) status() Status {
	now := s.now()
	st := Status{Timestamp: now.UTC()}

	if s.sources.Limiter != nil {
		snap := s.sources.Limiter.Snapshot()
		st.Limiter = &snap
		st.Banned = snap.BannedUntil.After(now)
	}
	if s.sources.Hub != nil {
		hs := s.sources.Hub.GetStats()
		st.Collectors = &hs
	}
	if s.sources.Router != nil {
		rs := s.sources.Router.Stats()
		st.Router = &rs
	}
	if s.sources.Pipeline != nil {
		ps := s.sources.Pipeline.Stats()
		st.Pipeline = &ps
	}
	if s.sources.Symbols != nil {
		res, at := s.sources.Symbols.Last()
		st.Symbols = &SymbolsStatus{LastSync: at, Result: res}
	}
	if s.sources.Gaps != nil {
		gs := s.sources.Gaps.Stats()
		st.Gaps = &gs
	}
	return st
}

// handleGetSignal looks up one record; openTime is in epoch milliseconds
func (s *Server) handleGetSignal(w http.ResponseWriter, r *http.Request) {
	if s.sources.Signals == nil {
		writeError(w, http.StatusServiceUnavailable, "signal store unavailable")
		return
	}

	vars := mux.Vars(r)
	ms, err := strconv.ParseInt(vars["openTime"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid open time")
		return
	}
	interval := vars["interval"]
	if _, err := exchange.ParseInterval(interval); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := s.sources.Signals.GetSignal(r.Context(), strings.ToUpper(vars["instrument"]), interval, time.UnixMilli(ms).UTC())
	switch {
	case err != nil:
		s.logger.WithError(err).Error("Failed to load signal")
		writeError(w, http.StatusInternalServerError, "failed to load signal")
	case rec == nil:
		writeError(w, http.StatusNotFound, "signal not found")
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
