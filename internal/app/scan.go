package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"horse.fit/marquee/internal/cli"
	"horse.fit/marquee/internal/config"
	"horse.fit/marquee/internal/db"
	"horse.fit/marquee/internal/logging"
	"horse.fit/marquee/internal/pipeline"
)

func runScan(args []string) int {
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Minute, "Command timeout")
	showMatches := fs.Bool("show-matches", false, "Print every detected pair")

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
	summary, err := svc.FullScan(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Scan failed: %v\n", err)
		return 1
	}

	fmt.Printf("scan report_uuid=%s events=%d pairs=%d matches=%d errors=%d\n",
		summary.ReportUUID, summary.EventsScanned, summary.PairsCompared, len(summary.Matches), len(summary.Errors))
	if *showMatches {
		for _, match := range summary.Matches {
			fmt.Printf("match event_id=%d candidate_id=%d overall=%.3f\n",
				match.EventID, match.CandidateID, match.Result.Overall)
		}
	}
	for _, evErr := range summary.Errors {
		fmt.Fprintf(os.Stderr, "event %d: %s\n", evErr.EventID, evErr.Error)
	}
	if len(summary.Errors) > 0 {
		return 1
	}
	return 0
}
