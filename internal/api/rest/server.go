package rest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yachaq/privacy-core/internal/infrastructure/config"
)

// HealthCheck probes one dependency for readiness
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server is the HTTP front of the privacy core
type Server struct {
	cfg        *config.Config
	httpServer *http.Server
	handler    *Handler
	auth       *Authenticator
	checks     []HealthCheck
}

// NewServer builds the server around already-wired services. API auth
// is enabled when a JWT secret is configured; health and metrics stay
// open either way.
func NewServer(cfg *config.Config, services *Services, checks ...HealthCheck) *Server {
	s := &Server{
		cfg:     cfg,
		handler: NewHandler(services),
		checks:  checks,
	}
	if cfg.Security.JWTSecret != "" {
		s.auth = NewAuthenticator([]byte(cfg.Security.JWTSecret), 0)
	}

	middlewares := []Middleware{
		requestIDMiddleware,
		loggingMiddleware,
		metricsMiddleware,
		recoveryMiddleware,
		timeoutMiddleware(cfg.Server.WriteTimeout),
	}

	var h http.Handler = s.routes()
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleLiveness)
	mux.HandleFunc("GET /health", s.handleReadiness)
	mux.Handle("GET /metrics", promhttp.Handler())

	v1 := http.NewServeMux()

	v1.HandleFunc("POST /consents", s.handler.handleGrantConsent)
	v1.HandleFunc("GET /consents/active", s.handler.handleActiveConsent)
	v1.HandleFunc("GET /consents/{id}", s.handler.handleGetConsent)
	v1.HandleFunc("POST /consents/{id}/revoke", s.handler.handleRevokeConsent)
	v1.HandleFunc("GET /consents/{id}/status", s.handler.handleConsentStatus)

	v1.HandleFunc("POST /budgets", s.handler.handleAllocateBudget)
	v1.HandleFunc("GET /budgets/{id}", s.handler.handleGetBudget)
	v1.HandleFunc("POST /budgets/{id}/lock", s.handler.handleLockBudget)

	v1.HandleFunc("GET /subjects/{id}/contracts", s.handler.handleListContracts)

	v1.HandleFunc("POST /plans", s.handler.handlePreparePlan)
	v1.HandleFunc("GET /plans/{id}", s.handler.handleGetPlan)
	v1.HandleFunc("POST /plans/{id}/dispatch", s.handler.handleDispatchPlan)
	v1.HandleFunc("POST /plans/{id}/execute", s.handler.handleExecutePlan)

	v1.HandleFunc("GET /capsules/{id}", s.handler.handleGetCapsule)
	v1.HandleFunc("POST /capsules/{id}/deliver", s.handler.handleDeliverCapsule)
	v1.HandleFunc("GET /capsules/{id}/payload", s.handler.handleAccessCapsule)

	v1.HandleFunc("GET /receipts", s.handler.handleListReceipts)
	v1.HandleFunc("GET /receipts/{id}", s.handler.handleGetReceipt)
	v1.HandleFunc("GET /receipts/{id}/proof", s.handler.handleProveReceipt)
	v1.HandleFunc("GET /audit/verify", s.handler.handleVerifyChain)

	var api http.Handler = http.StripPrefix("/api/v1", v1)
	if s.auth != nil {
		api = s.auth.Middleware(api)
	}
	mux.Handle("/api/v1/", api)

	return mux
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	components := make(map[string]string, len(s.checks))
	for _, check := range s.checks {
		if err := check.Check(ctx); err != nil {
			components[check.Name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		components[check.Name] = "ok"
	}

	writeJSON(w, status, map[string]interface{}{
		"status":     http.StatusText(status),
		"components": components,
	})
}

// Start serves until ctx is cancelled, then drains connections within
// the configured shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting API server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
