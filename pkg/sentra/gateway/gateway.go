// Package gateway provides the HTTP status API of Sentra.
package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/jholhewres/sentra/pkg/sentra/copilot"
	"github.com/jholhewres/sentra/pkg/sentra/history"
	"github.com/jholhewres/sentra/pkg/sentra/protocol"
	"github.com/jholhewres/sentra/pkg/sentra/scheduler"
)

// Runtime is the part of the assistant the gateway reports on.
type Runtime interface {
	Stats() copilot.AssistantStats
	CancelTurn(senderID string) bool
}

// HistoryReader exposes stored conversation history.
type HistoryReader interface {
	GetConversationHistory(groupID string) []protocol.Message
	Stats() history.Stats
}

// JobLister lists scheduled maintenance jobs.
type JobLister interface {
	Jobs() []scheduler.Job
}

// Gateway serves the status API.
type Gateway struct {
	runtime Runtime
	history HistoryReader
	jobs    JobLister
	config  copilot.GatewayConfig
	version string
	logger  *slog.Logger

	// tokenModel selects the token estimate of /api/validate.
	tokenModel string

	server    *http.Server
	startedAt time.Time
	mu        sync.Mutex
}

// New creates a gateway. jobs may be nil when the scheduler is disabled.
func New(runtime Runtime, hist HistoryReader, jobs JobLister, cfg copilot.GatewayConfig, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8086"
	}
	return &Gateway{
		runtime:   runtime,
		history:   hist,
		jobs:      jobs,
		config:    cfg,
		version:   "dev",
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
	}
}

// SetVersion sets the version reported by /health.
func (g *Gateway) SetVersion(v string) {
	if v != "" {
		g.version = v
	}
}

// SetTokenModel sets the model whose ratio /api/validate counts tokens with.
func (g *Gateway) SetTokenModel(model string) { g.tokenModel = model }

// Handler builds the router. Exposed for tests and embedding.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(g.securityHeadersMiddleware)

	// Health (always public)
	r.Get("/health", g.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(g.authMiddleware)
		r.Get("/status", g.handleStatus)
		r.Get("/history/{group}", g.handleHistory)
		r.Post("/validate", g.handleValidate)
		r.Delete("/turns/{sender}", g.handleCancelTurn)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		g.writeError(w, "not found", http.StatusNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
	})
	return r
}

// Start starts the HTTP server.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.startedAt = time.Now()
	g.server = &http.Server{
		Addr:              g.config.Address,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	// Warn when the gateway has no auth token and is bound to a non-loopback address.
	if g.config.AuthToken == "" && !isLoopbackAddress(g.config.Address) {
		g.logger.Warn("SECURITY: gateway has no auth token and is bound to a non-loopback address",
			"address", g.config.Address)
	}

	srv := g.server
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", g.config.Address)
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	srv := g.server
	g.mu.Unlock()

	if srv == nil {
		return nil
	}
	g.logger.Info("gateway stopping...")
	return srv.Shutdown(ctx)
}

func isLoopbackAddress(addr string) bool {
	host, _, _ := net.SplitHostPort(addr)
	if host == "" {
		host = "0.0.0.0"
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
