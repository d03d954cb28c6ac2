package app

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"horse.fit/corrector/internal/cli"
	"horse.fit/corrector/internal/config"
	"horse.fit/corrector/internal/correct"
	"horse.fit/corrector/internal/db"
	"horse.fit/corrector/internal/logging"
	recordschema "horse.fit/corrector/schema"
)

// runLoad inserts schema-validated operational records into the raw inbox.
// Production ingestion belongs to the external collector; this command backs
// operators and integration fixtures.
func runLoad(args []string) int {
	fs := flag.NewFlagSet("load", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 5*time.Minute, "Command timeout")
	dir := fs.String("dir", "testdata/records", "Directory containing .json operational record files")
	recursive := fs.Bool("recursive", true, "Recursively scan subdirectories")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
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

	files, err := collectJSONFiles(strings.TrimSpace(*dir), *recursive)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load setup failed: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("load command failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer pool.Close()

	inserted, skipped := 0, 0
	for _, path := range files {
		raw, err := os.ReadFile(path)
		if err != nil {
			skipped++
			fmt.Fprintf(os.Stderr, "SKIP %s: read failed: %v\n", path, err)
			continue
		}

		record, err := recordschema.ValidateOperationalRecord(json.RawMessage(raw))
		if err != nil {
			skipped++
			fmt.Fprintf(os.Stderr, "SKIP %s: %v\n", path, err)
			continue
		}

		doc := correct.Normalize(record)
		if err := pool.InsertRaw(ctx, doc); err != nil {
			logger.Error().Err(err).Str("file", path).Msg("raw message insert failed")
			fmt.Fprintf(os.Stderr, "Load failed at %s: %v\n", path, err)
			return 1
		}
		inserted++
	}

	logger.Info().
		Int("inserted", inserted).
		Int("skipped", skipped).
		Msg("load completed")
	fmt.Printf("load inserted=%d skipped=%d\n", inserted, skipped)
	if skipped > 0 {
		return 1
	}
	return 0
}
