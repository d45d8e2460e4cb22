package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"horse.fit/marquee/internal/cli"
	"horse.fit/marquee/internal/config"
	"horse.fit/marquee/internal/db"
	"horse.fit/marquee/internal/logging"
	"horse.fit/marquee/internal/pipeline"
)

func runDedup(args []string) int {
	fs := flag.NewFlagSet("dedup", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 5*time.Minute, "Command timeout")
	mode := fs.String("mode", pipeline.ModeBatch, "Processing mode: batch or incremental")
	maxEvents := fs.Int("max-events", 0, "Maximum queued events to process in incremental mode (0 drains the queue)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	dedupMode := strings.ToLower(strings.TrimSpace(*mode))
	if dedupMode != pipeline.ModeBatch && dedupMode != pipeline.ModeIncremental {
		fmt.Fprintf(os.Stderr, "--mode must be %q or %q\n", pipeline.ModeBatch, pipeline.ModeIncremental)
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
		logger.Error().Err(err).Msg("database connection failed")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer pool.Close()

	svc := pipeline.NewService(pool, cfg, logger)

	if dedupMode == pipeline.ModeIncremental {
		return runDedupIncremental(ctx, pool, svc, cfg, *maxEvents)
	}
	return runDedupBatch(ctx, pool, svc, cfg)
}

func runDedupBatch(ctx context.Context, pool *db.Pool, svc *pipeline.Service, cfg *config.Config) int {
	total := pipeline.BatchSummary{}
	afterID := int64(0)
	for {
		page, err := pool.ListActiveEvents(ctx, afterID, cfg.BatchSize)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Dedup failed: %v\n", err)
			return 1
		}
		if len(page) == 0 {
			break
		}
		afterID = page[len(page)-1].ID

		summary := svc.ProcessBatch(ctx, page)
		total.Processed += summary.Processed
		total.DuplicatesFound += summary.DuplicatesFound
		total.MergesCompleted += summary.MergesCompleted
		total.Errors = append(total.Errors, summary.Errors...)

		if ctx.Err() != nil {
			fmt.Fprintf(os.Stderr, "Dedup interrupted: %v\n", ctx.Err())
			return 1
		}
	}

	fmt.Printf("dedup mode=batch processed=%d duplicates=%d merges=%d errors=%d\n",
		total.Processed, total.DuplicatesFound, total.MergesCompleted, len(total.Errors))
	for _, evErr := range total.Errors {
		fmt.Fprintf(os.Stderr, "event %d: %s\n", evErr.EventID, evErr.Error)
	}
	if len(total.Errors) > 0 {
		return 1
	}
	return 0
}

func runDedupIncremental(ctx context.Context, pool *db.Pool, svc *pipeline.Service, cfg *config.Config, maxEvents int) int {
	enqueued := 0
	afterID := int64(0)
	for {
		page, err := pool.ListActiveEvents(ctx, afterID, cfg.BatchSize)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Dedup failed: %v\n", err)
			return 1
		}
		if len(page) == 0 {
			break
		}
		afterID = page[len(page)-1].ID

		for _, ev := range page {
			if svc.Enqueue(ev) {
				enqueued++
			}
		}
	}

	summary := svc.ProcessQueue(ctx, maxEvents)
	fmt.Printf("dedup mode=incremental enqueued=%d processed=%d duplicates=%d merges=%d retried=%d errors=%d\n",
		enqueued, summary.Processed, summary.DuplicatesFound, summary.MergesCompleted, summary.Retried, len(summary.Errors))
	for _, evErr := range summary.Errors {
		fmt.Fprintf(os.Stderr, "event %d: %s\n", evErr.EventID, evErr.Error)
	}
	if len(summary.Errors) > 0 {
		return 1
	}
	return 0
}
