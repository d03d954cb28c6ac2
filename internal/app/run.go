package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/corrector/internal/cli"
	"horse.fit/corrector/internal/config"
	"horse.fit/corrector/internal/correct"
	"horse.fit/corrector/internal/db"
	"horse.fit/corrector/internal/heartbeat"
	"horse.fit/corrector/internal/logging"
)

func runBatch(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Minute, "Command timeout")
	limit := fs.Int("limit", 0, "Per-run document limit (default: CORRECTOR_DOCUMENTS_LIMIT)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *limit < 0 {
		fmt.Fprintln(os.Stderr, "--limit must be >= 0")
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

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("run command failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer pool.Close()

	opts := correct.OptionsFromConfig(cfg)
	if *limit > 0 {
		opts.DocumentsLimit = *limit
	}

	result, err := executeBatch(ctx, pool, heartbeat.NewWriter(cfg.HeartbeatPath), logger, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Corrector batch failed: %v\n", err)
		return 1
	}

	fmt.Printf("run documents=%d groups=%d duplicates=%d pairs=%d orphans=%d timed_out=%d removed=%d\n",
		result.Fetched, result.Groups, result.Duplicates, result.PairsMatched, result.OrphansCreated,
		result.TimedOutClient+result.TimedOutProducer, result.RemovedRaw)
	return 0
}

// beatEmitter is the heartbeat surface executeBatch needs; *heartbeat.Writer
// satisfies it.
type beatEmitter interface {
	Emit(status, result string) error
}

// executeBatch wraps one service run with the heartbeat lifecycle: processing
// at start, finished on success, error on failure. Heartbeat emission never
// fails the batch.
func executeBatch(ctx context.Context, store correct.Store, beats beatEmitter, logger zerolog.Logger, opts correct.Options) (correct.Result, error) {
	emit := func(status, result string) {
		if err := beats.Emit(status, result); err != nil {
			logger.Warn().Err(err).Msg("heartbeat emission failed")
		}
	}

	emit(heartbeat.StatusProcessing, heartbeat.ResultSucceeded)

	svc := correct.NewService(store, logger)
	result, err := svc.RunBatch(ctx, opts)
	if err != nil {
		logger.Error().Err(err).Msg("corrector batch failed")
		emit(heartbeat.StatusError, heartbeat.ResultFailed)
		return correct.Result{}, err
	}

	emit(heartbeat.StatusFinished, heartbeat.ResultSucceeded)
	return result, nil
}
