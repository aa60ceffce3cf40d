package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	cloneerr "cloneprotocol/core/errors"
	"cloneprotocol/native/clone"
	"cloneprotocol/native/fixed"
	"cloneprotocol/native/health"
	"cloneprotocol/native/pool"
	"cloneprotocol/native/registry"
)

// Protocol is the read surface of the engine served over HTTP.
type Protocol interface {
	Slot() uint64
	Parameters() (clone.Parameters, error)
	TokenData() (*registry.TokenData, error)
	Pool(index uint8) (registry.Pool, error)
	User(addr common.Address) (*clone.User, error)
	HealthScore(addr common.Address) (health.Result, error)
	Quote(inputMint, outputMint common.Address, amount fixed.Decimal, mode pool.SwapMode) (pool.Quote, error)
}

// Prices is the admin view of the refresh loop.
type Prices interface {
	SetOverride(feed common.Address, price fixed.Decimal) error
	ClearOverride(feed common.Address) bool
	Latest() map[common.Address]fixed.Decimal
}

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress string
	Auth          AuthConfig
	RateLimit     RateLimit
}

// Server hosts the public query API, metrics and the admin price routes.
type Server struct {
	cfg      Config
	protocol Protocol
	prices   Prices
	logger   *slog.Logger
	auth     *Authenticator
	limiter  *RateLimiter
}

// New constructs a new HTTP server.
func New(cfg Config, protocol Protocol, prices Prices, logger *slog.Logger) (*Server, error) {
	if protocol == nil {
		return nil, fmt.Errorf("protocol required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		protocol: protocol,
		prices:   prices,
		logger:   logger,
		auth:     NewAuthenticator(cfg.Auth, logger),
		limiter:  NewRateLimiter(cfg.RateLimit),
	}, nil
}

// Handler builds the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(observe(s.logger))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.limiter.Middleware("v1"))
		v1.Get("/parameters", s.handleParameters)
		v1.Get("/pools", s.handlePools)
		v1.Get("/pools/{index}", s.handlePool)
		v1.Get("/collaterals", s.handleCollaterals)
		v1.Get("/quote", s.handleQuote)
		v1.Get("/users/{address}", s.handleUser)
		v1.Get("/users/{address}/health", s.handleUserHealth)
	})

	if s.auth != nil && s.prices != nil {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(s.auth.Middleware(ScopePricesWrite))
			admin.Get("/prices", s.handleListPrices)
			admin.Put("/prices/{feed}", s.handleSetPrice)
			admin.Delete("/prices/{feed}", s.handleClearPrice)
		})
	}
	return otelhttp.NewHandler(r, "cloned")
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server not configured")
	}
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.limiter.Sweep(10 * time.Minute)
			}
		}
	}()

	s.logger.Info("http server listening", "address", s.cfg.ListenAddress)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
	Value uint32 `json:"value,omitempty"`
}

func writeJSONError(w http.ResponseWriter, status int, msg, code string) {
	body := errorBody{Error: msg, Code: code}
	if e, ok := cloneerr.ByName(code); ok {
		body.Value = e.Code
	}
	writeJSON(w, status, body)
}

// writeError maps engine failures onto HTTP statuses. Protocol taxonomy
// errors keep their stable name in the body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, clone.ErrNotInitialized):
		status = http.StatusServiceUnavailable
	case errors.Is(err, cloneerr.ErrOutdatedOracle):
		status = http.StatusServiceUnavailable
	case errors.Is(err, cloneerr.ErrInvalidInputPositionIndex):
		status = http.StatusNotFound
	default:
		if _, ok := cloneerr.As(err); ok {
			status = http.StatusUnprocessableEntity
		}
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "request_id", requestID(r.Context()), "path", r.URL.Path, "error", err)
	}
	writeJSONError(w, status, err.Error(), cloneerr.NameOf(err))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok", "slot": s.protocol.Slot()}
	if _, err := s.protocol.Parameters(); err != nil {
		body["status"] = "uninitialized"
	}
	writeJSON(w, http.StatusOK, body)
}
