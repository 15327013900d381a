// eventrouter serves the event routing core over HTTP: topic pub/sub
// with priority scheduling, retries, dead-lettering, websocket streams,
// and replay, backed by SQLite when storage paths are configured.
//
// All tuning lives in a YAML or JSON config file; flags cover only the
// essentials and override the file.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/randalmurphal/eventrouter/pkg/eventrouter"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/config"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/eventlog"
	"github.com/randalmurphal/eventrouter/pkg/eventrouter/httpapi"

	ererrors "github.com/randalmurphal/eventrouter/pkg/eventrouter/errors"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		listen     string
		logLevel   string
	)

	flags := pflag.NewFlagSet("eventrouter", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", "", "path to YAML or JSON config file")
	flags.StringVar(&listen, "listen", "", "listen address (overrides server.listen)")
	flags.StringVar(&logLevel, "log-level", "", "debug, info, warn, or error (overrides log.level)")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg := config.New(nil)
	if configPath != "" {
		var err error
		cfg, err = config.FromFile(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
	}

	if logLevel == "" {
		logLevel = cfg.String("log.level", "info")
	}
	level, err := parseLevel(logLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if listen == "" {
		listen = cfg.String("server.listen", ":8080")
	}
	token := cfg.String("server.auth_token", "")
	if token == "" {
		logger.Warn("server.auth_token is not set; every authenticated route will answer 401")
	}

	router, err := eventrouter.New(routerConfig(cfg, logger))
	if err != nil {
		return fmt.Errorf("building router: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := router.Start(ctx); err != nil {
		_ = router.Close()
		return fmt.Errorf("starting router: %w", err)
	}

	api := httpapi.NewServer(router, httpapi.Config{
		Auth:              httpapi.StaticToken(token),
		HeartbeatInterval: cfg.Duration("server.heartbeat_interval", 0),
		Logger:            logger,
	})

	// No WriteTimeout: stream connections stay open indefinitely.
	srv := &http.Server{
		Addr:              listen,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	logger.Info("event router listening",
		"addr", listen,
		"event_log", cfg.String("storage.event_log", "memory"),
		"dead_letters", cfg.String("storage.dead_letters", "memory"),
	)

	select {
	case err := <-serveErr:
		_ = router.Close()
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		cfg.Duration("server.shutdown_timeout", 15*time.Second))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := router.Close(); err != nil {
		logger.Error("router close", "error", err)
	}
	<-serveErr
	return nil
}

// routerConfig maps the config file onto the router's configuration.
// Zero values defer to each component's own defaults.
func routerConfig(cfg config.Config, logger *slog.Logger) eventrouter.Config {
	rc := eventrouter.DefaultConfig
	rc.Logger = logger

	rc.MaxSubscriptions = cfg.Int("router.max_subscriptions", 0)
	rc.EventLogPath = cfg.String("storage.event_log", "")
	rc.DeadLetterPath = cfg.String("storage.dead_letters", "")
	rc.Retention = eventlog.RetentionPolicy{
		MaxEvents: cfg.Int("storage.retention.max_events", 0),
		MaxAge:    cfg.Duration("storage.retention.max_age", 0),
	}
	rc.PruneInterval = cfg.Duration("storage.prune_interval", rc.PruneInterval)

	rc.Scheduler.MaxPending = cfg.Int("scheduler.max_pending", 0)
	rc.Scheduler.MaxInFlight = cfg.Int("scheduler.max_in_flight", 0)
	rc.Scheduler.LaneDepth = cfg.Int("scheduler.lane_depth", 0)
	rc.Scheduler.DeliveryTimeout = cfg.Duration("scheduler.delivery_timeout", 0)
	rc.Scheduler.MaxRetries = cfg.Int("scheduler.max_retries", 0)
	rc.Scheduler.DrainTimeout = cfg.Duration("scheduler.drain_timeout", 0)

	if cfg.Has("retry") {
		def := ererrors.DefaultBackoff
		rc.Scheduler.Backoff = ererrors.Backoff{
			Strategy:  ererrors.ParseStrategy(cfg.String("retry.strategy", "")),
			BaseDelay: cfg.Duration("retry.base_delay", def.BaseDelay),
			MaxDelay:  cfg.Duration("retry.max_delay", def.MaxDelay),
			Factor:    cfg.Float("retry.factor", def.Factor),
			Jitter:    cfg.Float("retry.jitter", def.Jitter),
		}
	}

	rc.Delivery.Webhook.UserAgent = cfg.String("delivery.user_agent", "")
	rc.Delivery.Stream.NackWindow = cfg.Duration("delivery.nack_window", 0)

	rc.Replay.PageSize = cfg.Int("replay.page_size", 0)
	rc.Replay.MaxSessions = cfg.Int("replay.max_sessions", 0)

	rc.Poison.Threshold = cfg.Int("poison.threshold", 0)
	rc.Poison.Window = cfg.Duration("poison.window", 0)
	rc.PoisonFastPath = cfg.Bool("poison.fast_path", false)

	return rc
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}
