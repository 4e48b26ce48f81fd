// Command browserflow-server hosts the automation orchestrator behind
// a chi router: a health check, a WebSocket control-plane endpoint,
// and a REST listing of saved scripts.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "modernc.org/sqlite"

	"github.com/devlinpx/browserflow/dbopen"
	"github.com/devlinpx/browserflow/internal/config"
	"github.com/devlinpx/browserflow/internal/orchestrator"
	"github.com/devlinpx/browserflow/internal/store"
	"github.com/devlinpx/browserflow/internal/transport/ws"
)

func main() {
	configPath := flag.String("config", "browserflow.yaml", "path to config file")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath); err != nil {
		logger.Error("browserflow-server: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	db, err := dbopen.Open(cfg.Store.Path, dbopen.WithMkdirAll(), dbopen.WithSchema(store.Schema))
	if err != nil {
		return err
	}
	defer db.Close()

	st := store.NewSQLStore(db, nil)
	orc := orchestrator.New(cfg, st, logger)

	if err := orc.Start(ctx); err != nil {
		return err
	}
	defer orc.Close()

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/api/scripts", func(w http.ResponseWriter, r *http.Request) {
		scripts, err := st.List(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, scripts)
	})
	r.Delete("/api/scripts/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if err := orc.DeleteScript(r.Context(), name); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	})
	r.Handle("/ws", ws.NewHandler(orc, logger))

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0, // long-lived WebSocket connections
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("browserflow-server: listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("browserflow-server: serve", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("browserflow-server: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
