package config

import (
	"strings"
	"testing"
)

func validConfig() Config {
	return Config{
		Environment:           "local",
		LogLevel:              "info",
		DatabaseURL:           "postgres://localhost/marquee",
		DBMinConns:            1,
		DBMaxConns:            8,
		OverallThreshold:      0.75,
		TitleFloor:            0.30,
		TimeFloor:             0.20,
		LocationFloor:         0.10,
		TitleWeight:           0.35,
		VenueWeight:           0.20,
		TimeWeight:            0.25,
		LocationWeight:        0.15,
		PriceWeight:           0.05,
		TimeWindowHours:       48,
		MaxDistanceKM:         2,
		MergeConfidenceFloor:  0.6,
		CacheTTL:              1800000000000,
		CacheMaxEntries:       1000,
		ClusterEnabled:        true,
		ClusterThreshold:      0.55,
		ClusterMaxSize:        64,
		ClusterRebalanceEvery: 500,
		BatchSize:             100,
		BatchWorkers:          4,
		QueueRetryCap:         3,
		CandidateWindow:       7,
	}
}

func TestValidate_OK(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidate_WeightsMustSumToOne(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.PriceWeight = 0.5
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "sum to 1") {
		t.Fatalf("expected weight sum error, got %v", err)
	}
}

func TestValidate_ClusterThresholdCannotExceedDuplicateThreshold(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.ClusterThreshold = 0.90
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "CLUSTER_THRESHOLD") {
		t.Fatalf("expected cluster threshold error, got %v", err)
	}
}

func TestValidate_ClusterChecksSkippedWhenDisabled(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.ClusterEnabled = false
	cfg.ClusterThreshold = 0.99
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected cluster checks to be skipped when disabled, got %v", err)
	}
}
