package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	relay "github.com/ferro-labs/ai-relay"
	"github.com/ferro-labs/ai-relay/internal/logging"
	"github.com/ferro-labs/ai-relay/internal/requestlog"
	"github.com/ferro-labs/ai-relay/internal/version"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			if cfgPath == "" {
				cfgPath = os.Getenv("RELAY_CONFIG")
			}
			if cfgPath == "" {
				return errors.New("no config: pass --config or set RELAY_CONFIG")
			}
			return serve(cfgPath)
		},
	}
	cmd.Flags().StringP("config", "c", "", "relay config file (JSON/YAML); defaults to $RELAY_CONFIG")
	return cmd
}

func serve(cfgPath string) error {
	cfg, err := relay.LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	m, err := relay.New(*cfg)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	defer func() { _ = m.Close() }()
	logging.Logger.Info("config loaded",
		"strategy", m.Strategy(),
		"providers", m.Registry().Len(),
	)

	opts := routerOptions{
		AdminToken:    os.Getenv("RELAY_ADMIN_TOKEN"),
		ReadOnlyToken: os.Getenv("RELAY_READONLY_TOKEN"),
	}
	if raw := os.Getenv("CORS_ORIGINS"); raw != "" {
		opts.CORSOrigins = strings.Split(raw, ",")
	}

	if dsn := os.Getenv("REQUEST_LOG_DSN"); dsn != "" || os.Getenv("REQUEST_LOG_DRIVER") != "" {
		store, err := requestlog.Open(os.Getenv("REQUEST_LOG_DRIVER"), dsn)
		if err != nil {
			return fmt.Errorf("request log store: %w", err)
		}
		defer func() { _ = store.Close() }()
		m.AddHook(requestlog.Hook(store))
		opts.Logs = store
		opts.LogAdmin = store
		logging.Logger.Info("request logging enabled", "driver", os.Getenv("REQUEST_LOG_DRIVER"))
	}

	addr := ":8080"
	if p := os.Getenv("PORT"); p != "" {
		addr = ":" + p
	}
	srv := &http.Server{
		Addr:         addr,
		Handler:      newRouter(m, opts),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logging.Logger.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Logger.Error("shutdown error", "error", err)
		}
	}()

	logging.Logger.Info("relay listening",
		"version", version.Short(),
		"addr", addr,
		"available", len(m.Available()),
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	logging.Logger.Info("server stopped")
	return nil
}
