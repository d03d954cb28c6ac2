package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"horse.fit/corrector/internal/cli"
	"horse.fit/corrector/internal/config"
	"horse.fit/corrector/internal/correct"
	"horse.fit/corrector/internal/db"
	"horse.fit/corrector/internal/heartbeat"
	"horse.fit/corrector/internal/httpapi"
	"horse.fit/corrector/internal/logging"
	"horse.fit/corrector/internal/metrics"
)

// pauseBetweenBatches is the idle time after a full batch, short enough that
// a busy backlog is drained in near-continuous runs.
const pauseBetweenBatches = 5 * time.Second

func runDaemon(args []string) int {
	fs := flag.NewFlagSet("daemon", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	host := fs.String("host", "127.0.0.1", "Host to bind the status API to")
	port := fs.Int("port", 8085, "Port to bind the status API to (0 disables it)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *port < 0 || *port > 65535 {
		fmt.Fprintln(os.Stderr, "--port must be between 0 and 65535")
		return 2
	}

	if envLoader != nil {
		if _, err := envLoader.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("daemon failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer pool.Close()

	logger.Info().
		Int("documents_limit", cfg.DocumentsLimit).
		Int("documents_min", cfg.DocumentsMin).
		Dur("wait_on_done", cfg.WaitOnDone).
		Dur("wait_on_error", cfg.WaitOnError).
		Msg("corrector daemon started")

	// The batch counters live in this process, so the daemon serves its own
	// status API instead of relying on a separate serve process.
	if *port > 0 {
		metrics.Register()
		api := httpapi.NewServer(pool, logger, httpapi.Options{Host: *host, Port: *port})
		go func() {
			if err := api.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("status API terminated")
			}
		}()
	}

	opts := correct.OptionsFromConfig(cfg)
	hb := heartbeat.NewWriter(cfg.HeartbeatPath)

	for {
		result, err := executeBatch(ctx, pool, hb, logger, opts)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				logger.Info().Msg("corrector daemon stopping")
				return 0
			}
			logger.Warn().Dur("wait", cfg.WaitOnError).Msg("batch failed, backing off")
			if !sleepCtx(ctx, cfg.WaitOnError) {
				return 0
			}
		case result.Processed() < cfg.DocumentsMin:
			logger.Debug().
				Int("processed", result.Processed()).
				Dur("wait", cfg.WaitOnDone).
				Msg("no work, waiting")
			if !sleepCtx(ctx, cfg.WaitOnDone) {
				return 0
			}
		default:
			if !sleepCtx(ctx, pauseBetweenBatches) {
				return 0
			}
		}
	}
}

// sleepCtx waits for d and reports false if the context was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
