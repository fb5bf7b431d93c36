// Package mockgw is a fake payment gateway that implements the receiving
// side of the protocol: it decrypts or verifies requests with the same
// merchant table the harness uses. It exists to exercise the harness
// without a sandbox.
package mockgw

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/roach88/paybench/internal/canonical"
	"github.com/roach88/paybench/internal/merchant"
)

// maxBody bounds a request body.
const maxBody = 1 << 20

// Config configures a gateway.
type Config struct {
	Table *merchant.Table

	// FailEvery makes every n-th request answer 503 before any other
	// processing. Zero disables failure injection.
	FailEvery int

	// Latency delays every response.
	Latency time.Duration

	// EncryptResponses wraps responses as {"merchantCode","data"} encrypted
	// with the merchant's credential.
	EncryptResponses bool

	Logger *slog.Logger

	// NewReference generates gateway references. Defaults to UUIDv7.
	NewReference func() string
}

// Stats counts requests by result.
type Stats struct {
	Received int64 `json:"received"`
	Accepted int64 `json:"accepted"`
	Replayed int64 `json:"replayed"`
	Rejected int64 `json:"rejected"`
	Injected int64 `json:"injected"`
}

// Gateway is the fake gateway. Safe for concurrent use.
type Gateway struct {
	cfg    Config
	router *chi.Mux

	received atomic.Int64
	accepted atomic.Int64
	replayed atomic.Int64
	rejected atomic.Int64
	injected atomic.Int64

	mu    sync.Mutex
	taken map[string]canonical.Payload // merchantCode/orderId -> response
}

// New creates a gateway and registers its routes.
func New(cfg Config) *Gateway {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.NewReference == nil {
		cfg.NewReference = func() string { return uuid.Must(uuid.NewV7()).String() }
	}
	g := &Gateway{
		cfg:    cfg,
		router: chi.NewRouter(),
		taken:  make(map[string]canonical.Payload),
	}
	g.registerRoutes()
	return g
}

func (g *Gateway) registerRoutes() {
	g.router.Use(middleware.RequestID)
	g.router.Use(middleware.Recoverer)

	g.router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, canonical.Payload{"status": "ok"})
	})
	g.router.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		s := g.Stats()
		writeJSON(w, http.StatusOK, canonical.Payload{
			"received": s.Received,
			"accepted": s.Accepted,
			"replayed": s.Replayed,
			"rejected": s.Rejected,
			"injected": s.Injected,
		})
	})

	// Merchants choose their own paths, so every POST is routed to one
	// handler that resolves the merchant first and checks the path after.
	g.router.Post("/*", g.handleTransaction)
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

// Stats returns the request counters.
func (g *Gateway) Stats() Stats {
	return Stats{
		Received: g.received.Load(),
		Accepted: g.accepted.Load(),
		Replayed: g.replayed.Load(),
		Rejected: g.rejected.Load(),
		Injected: g.injected.Load(),
	}
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (g *Gateway) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           g,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		g.cfg.Logger.Info("mock gateway listening", "addr", addr, "fail_every", g.cfg.FailEvery)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
