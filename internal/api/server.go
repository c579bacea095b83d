// Package api exposes the chat-driven trading pipeline over HTTP: the chat
// command endpoint, confirmation confirm/cancel, run evidence reads, the SSE
// event stream, the WebSocket mirror, and the ops surface (health,
// capabilities, metrics).
//
// Every response carries an X-Request-ID header and failures share one error
// envelope with a stable machine-readable code. SSE responses replay the
// persisted event log in insertion order, so a reconnecting client never
// observes a different history than the database holds.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"executiondesk/internal/catalog"
	"executiondesk/internal/confirm"
	"executiondesk/internal/config"
	"executiondesk/internal/preflight"
	"executiondesk/internal/reasoner"
	"executiondesk/internal/run"
	"executiondesk/internal/store"
	"executiondesk/internal/tradectx"
	"executiondesk/pkg/types"
)

// version is reported by the capabilities route.
const version = "1.0.0"

// BalanceFetcher is the single-read balance source. Satisfied by
// balance.Fetcher.
type BalanceFetcher interface {
	Fetch(ctx context.Context, tenantID string, live bool) (*types.ExecutableState, error)
}

// Server runs the HTTP/WebSocket API.
type Server struct {
	cfg       *config.Config
	store     *store.Store
	confirms  *confirm.Service
	builder   *tradectx.Builder
	preflight *preflight.Engine
	catalog   *catalog.Service
	balances  BalanceFetcher
	runner    *run.Runner
	advisor   *reasoner.Client
	hub       *Hub
	server    *http.Server
	logger    *slog.Logger
}

// Deps bundles everything the server needs.
type Deps struct {
	Config    *config.Config
	Store     *store.Store
	Confirms  *confirm.Service
	Builder   *tradectx.Builder
	Preflight *preflight.Engine
	Catalog   *catalog.Service
	Balances  BalanceFetcher
	Runner    *run.Runner
	Advisor   *reasoner.Client
	Logger    *slog.Logger
}

// NewServer wires the routes and subscribes the hub to the runner's event
// stream.
func NewServer(d Deps) *Server {
	s := &Server{
		cfg:       d.Config,
		store:     d.Store,
		confirms:  d.Confirms,
		builder:   d.Builder,
		preflight: d.Preflight,
		catalog:   d.Catalog,
		balances:  d.Balances,
		runner:    d.Runner,
		advisor:   d.Advisor,
		hub:       NewHub(d.Logger),
		logger:    d.Logger.With("component", "api-server"),
	}
	d.Runner.OnEvent(s.hub.BroadcastRunEvent)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/chat/command", s.handleChatCommand)
	mux.HandleFunc("POST /api/v1/confirmations/{id}/confirm", s.handleConfirm)
	mux.HandleFunc("POST /api/v1/confirmations/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/v1/runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /api/v1/runs/{id}/events", s.handleRunEvents)
	mux.HandleFunc("GET /api/v1/runs/{id}/trace", s.handleRunTrace)
	mux.HandleFunc("POST /api/v1/runs/{id}/approvals", s.handleApprovalDecision)
	mux.HandleFunc("POST /api/v1/runs/{id}/replay", s.handleReplay)
	mux.HandleFunc("GET /api/v1/orders/{id}/fill-status", s.handleFillStatus)
	mux.HandleFunc("GET /api/v1/portfolio", s.handlePortfolio)
	mux.HandleFunc("GET /api/v1/ops/capabilities", s.handleCapabilities)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ws", s.handleWS)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", d.Config.Dashboard.Port),
		Handler:      withRequestID(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE streams are long-lived
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start runs the hub and blocks on ListenAndServe.
func (s *Server) Start() error {
	go s.hub.Run()
	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully drains in-flight requests.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
