// Package main implements the corehub CLI — the dispatcher composition
// root.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/vidalytics/corehub/config"
	"github.com/vidalytics/corehub/internal/corehub"
	_ "github.com/vidalytics/corehub/llm/providers"
)

// Build information (set via ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		natsURL    string
		metricsAddr string
	)

	rootCmd := &cobra.Command{
		Use:     "corehub",
		Short:   "Hierarchical multi-agent dispatcher for creator analytics",
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath, natsURL, metricsAddr)
		},
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to config file")
	rootCmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS server URL (default: local-only cache)")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "Prometheus metrics listen address")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

func serve(ctx context.Context, configPath, natsURL, metricsAddr string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	loader := config.NewLoader(logger)
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromFile(configPath)
	} else {
		cfg, err = loader.Load()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if natsURL != "" {
		cfg.NATS.URL = natsURL
		cfg.NATS.Embedded = false
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	reg := prometheus.NewRegistry()
	core, err := corehub.New(ctx, cfg, logger, reg)
	if err != nil {
		return fmt.Errorf("build core: %w", err)
	}

	if err := core.Start(ctx); err != nil {
		return fmt.Errorf("start core: %w", err)
	}
	defer core.Stop(10 * time.Second)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	defer metricsSrv.Close()

	if configPath != "" {
		go watchConfig(ctx, configPath, cfg, logger)
	}

	logger.Info("corehub started", "model", cfg.Model.Default, "nats_embedded", cfg.NATS.Embedded)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// watchConfig re-validates the config file on every write, surfacing the
// result as a log line. It does not hot-swap the running Core's tunables;
// TODO: push validated Dispatcher/Pipeline/Tasks sections into the live
// Core instead of requiring a restart to pick them up.
func watchConfig(ctx context.Context, path string, original *config.Config, logger *slog.Logger) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("config watch disabled", "error", err)
		return
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		logger.Warn("config watch disabled", "dir", dir, "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Name != path || event.Op&fsnotify.Write == 0 {
				continue
			}
			reloaded, err := config.LoadFromFile(path)
			if err != nil {
				logger.Warn("config reload failed", "error", err)
				continue
			}
			if err := reloaded.Validate(); err != nil {
				logger.Warn("reloaded config is invalid, keeping previous", "error", err)
				continue
			}
			logger.Info("config file changed and validated; restart to apply")
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("config watcher error", "error", err)
		}
	}
}
