package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/millrace-ai/millrace/internal/conversation"
	"github.com/millrace-ai/millrace/internal/engine"
	"github.com/millrace-ai/millrace/internal/eventlog"
	"github.com/millrace-ai/millrace/internal/runtime"
	"github.com/millrace-ai/millrace/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the millrace HTTP service",
		Long:  "Start the API server: sessions, streaming messages and the per-session SSE event feed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	return cmd
}

func runServe(configPath string) error {
	cfg := runtime.DefaultConfig()
	if configPath != "" {
		loaded, err := runtime.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.LogLevel))
	if verbose {
		level.Set(slog.LevelDebug)
	}
	logger := telemetry.NewLogger(os.Stdout, level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	evlog, err := openEventLog(cfg)
	if err != nil {
		return err
	}
	defer evlog.Close()

	flushInterval, err := cfg.FlushIntervalDuration()
	if err != nil {
		return err
	}
	metrics := telemetry.NewMetrics()
	eng := engine.NewEngine(store, evlog, engine.Options{
		DefaultModel:          cfg.Model,
		SystemPrompt:          cfg.SystemPrompt,
		MaxTurns:              cfg.MaxTurns,
		MaxTokens:             cfg.MaxTokens,
		FlushInterval:         flushInterval,
		InlineToolTag:         cfg.InlineToolTag,
		AskTool:               cfg.AskTool,
		ResourceWarningTokens: cfg.ResourceWarningTokens,
		Logger:                logger,
		Metrics:               metrics,
	})
	srv := runtime.NewServer(eng, store, evlog, metrics,
		runtime.WithLogger(logger),
		runtime.WithAPIKey(cfg.APIKey))

	retention, err := cfg.RetentionDuration()
	if err != nil {
		return err
	}
	if retention > 0 {
		sched := cron.New()
		if _, err := sched.AddFunc(cfg.Events.SweepSchedule, func() {
			removed, err := evlog.Sweep(context.Background(), retention)
			if err != nil {
				logger.Error("retention sweep", "error", err)
				return
			}
			if removed > 0 {
				logger.Info("retention sweep", "removed", removed, "retention", retention.String())
			}
		}); err != nil {
			return fmt.Errorf("retention schedule %q: %w", cfg.Events.SweepSchedule, err)
		}
		sched.Start()
		defer sched.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(cfg.Listen); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if configPath != "" {
		g.Go(func() error {
			// Only the log level is applied live; address and store
			// changes need a restart.
			err := runtime.WatchConfig(gctx, configPath, logger, func(next *runtime.Config) {
				level.Set(parseLevel(next.LogLevel))
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg *runtime.Config) (conversation.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		return conversation.NewMemoryStore(), nil
	case "sqlite":
		return conversation.OpenSQLite(cfg.Store.Path)
	case "postgres":
		return conversation.OpenPostgres(ctx, cfg.Store.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func openEventLog(cfg *runtime.Config) (eventlog.Log, error) {
	switch cfg.Events.Driver {
	case "memory":
		return eventlog.NewMemoryLog(), nil
	case "sqlite":
		return eventlog.OpenSQLite(cfg.Events.Path)
	default:
		return nil, fmt.Errorf("unknown events driver %q", cfg.Events.Driver)
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
