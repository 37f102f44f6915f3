// Package bridge is the top-level orchestrator that wires storage,
// correlation, fan-out, session management, and the WebSocket RPC shell
// into one running process.
//
// Grounded on hub/internal/hub/hub.go's Hub struct / New / Run(ctx) shape:
// component construction happens in New, the HTTP server runs in a
// goroutine reporting to an error channel, and Run selects between that
// channel and ctx.Done() to drive graceful shutdown.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/acp-bridge/acp-bridge/internal/broker"
	"github.com/acp-bridge/acp-bridge/internal/config"
	"github.com/acp-bridge/acp-bridge/internal/registry"
	"github.com/acp-bridge/acp-bridge/internal/rpcserver"
	"github.com/acp-bridge/acp-bridge/internal/session"
	"github.com/acp-bridge/acp-bridge/internal/store"
)

// Bridge is the assembled process: EventStore, RequestRegistry, Broker,
// SessionCore and RpcServer behind one HTTP listener.
type Bridge struct {
	cfg    *config.Config
	store  store.Store
	mgr    *session.Manager
	rpc    *rpcserver.Server
	logger *slog.Logger
	mux    *chi.Mux
}

// New constructs a Bridge from configuration. The returned Bridge owns the
// store and must be shut down via Run's graceful-shutdown path, which closes
// it.
func New(cfg *config.Config, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	reg := registry.New()
	brk := broker.New(logger)

	sessCfg := session.DefaultConfig()
	sessCfg.AgentCommand = cfg.AgentCommand
	sessCfg.DefaultCwd = cfg.DefaultCwd

	mgr := session.NewManager(sessCfg, st, reg, brk, logger)
	rpc := rpcserver.New(mgr, logger)

	b := &Bridge{
		cfg:    cfg,
		store:  st,
		mgr:    mgr,
		rpc:    rpc,
		logger: logger.With("component", "bridge"),
	}

	b.mux = b.buildRouter()

	if cfg.StaticDir != "" {
		if _, err := os.Stat(cfg.StaticDir); os.IsNotExist(err) {
			logger.Warn("static directory does not exist", "path", cfg.StaticDir)
		}
	}

	return b, nil
}

func (b *Bridge) buildRouter() *chi.Mux {
	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)

	mux.Get("/healthz", b.handleHealthz)
	mux.Get("/readyz", b.handleReadyz)
	mux.Get("/ws", b.rpc.HandleWS)

	if b.cfg.StaticDir != "" {
		fileServer := http.FileServer(http.Dir(b.cfg.StaticDir))
		mux.Handle("/*", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if path != "/" && !strings.Contains(path, ".") {
				r.URL.Path = "/"
			}
			fileServer.ServeHTTP(w, r)
		}))
	}

	return mux
}

func (b *Bridge) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (b *Bridge) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if _, err := b.store.ListSessions(r.Context(), store.ListFilter{}); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Run starts the HTTP listener and blocks until ctx is canceled or the
// listener fails.
func (b *Bridge) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    b.cfg.Addr(),
		Handler: b.mux,
	}

	errCh := make(chan error, 1)
	go func() {
		b.logger.Info("bridge listening", "addr", b.cfg.Addr())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		b.logger.Info("shutting down bridge gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), b.cfg.ShutdownTimeout.Duration)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			b.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			b.logger.Info("http server stopped gracefully")
		}

		b.mgr.CloseAll()
		b.logger.Info("closing store")
		_ = b.store.Close()
		b.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			b.mgr.CloseAll()
			_ = b.store.Close()
			return err
		}
		return nil
	}
}

