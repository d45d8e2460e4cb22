package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	DBMinConns  int32  `envconfig:"MQ_DB_MIN_CONNS" default:"1"`
	DBMaxConns  int32  `envconfig:"MQ_DB_MAX_CONNS" default:"8"`

	// Duplicate qualification.
	OverallThreshold float64 `envconfig:"SIMILARITY_OVERALL_THRESHOLD" default:"0.75"`
	TitleFloor       float64 `envconfig:"SIMILARITY_TITLE_FLOOR" default:"0.30"`
	TimeFloor        float64 `envconfig:"SIMILARITY_TIME_FLOOR" default:"0.20"`
	LocationFloor    float64 `envconfig:"SIMILARITY_LOCATION_FLOOR" default:"0.10"`
	VenueFloor       float64 `envconfig:"SIMILARITY_VENUE_FLOOR" default:"0"`
	PriceFloor       float64 `envconfig:"SIMILARITY_PRICE_FLOOR" default:"0"`

	// Per-field weights; must sum to 1.
	TitleWeight    float64 `envconfig:"SIMILARITY_TITLE_WEIGHT" default:"0.35"`
	VenueWeight    float64 `envconfig:"SIMILARITY_VENUE_WEIGHT" default:"0.20"`
	TimeWeight     float64 `envconfig:"SIMILARITY_TIME_WEIGHT" default:"0.25"`
	LocationWeight float64 `envconfig:"SIMILARITY_LOCATION_WEIGHT" default:"0.15"`
	PriceWeight    float64 `envconfig:"SIMILARITY_PRICE_WEIGHT" default:"0.05"`

	TimeWindowHours float64 `envconfig:"SIMILARITY_TIME_WINDOW_HOURS" default:"48"`
	MaxDistanceKM   float64 `envconfig:"SIMILARITY_MAX_DISTANCE_KM" default:"2.0"`

	MergeConfidenceFloor float64 `envconfig:"MERGE_CONFIDENCE_FLOOR" default:"0.60"`

	// Caches.
	CacheTTL        time.Duration `envconfig:"CACHE_TTL" default:"30m"`
	CacheMaxEntries int           `envconfig:"CACHE_MAX_ENTRIES" default:"10000"`
	RedisAddr       string        `envconfig:"REDIS_ADDR" default:""`
	RedisPassword   string        `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB         int           `envconfig:"REDIS_DB" default:"0"`

	// Clustering.
	ClusterEnabled        bool    `envconfig:"CLUSTER_ENABLED" default:"true"`
	ClusterThreshold      float64 `envconfig:"CLUSTER_THRESHOLD" default:"0.55"`
	ClusterMaxSize        int     `envconfig:"CLUSTER_MAX_SIZE" default:"64"`
	ClusterRebalanceEvery int     `envconfig:"CLUSTER_REBALANCE_EVERY" default:"500"`

	// Processing modes.
	BatchSize       int `envconfig:"BATCH_SIZE" default:"100"`
	BatchWorkers    int `envconfig:"BATCH_WORKERS" default:"4"`
	QueueRetryCap   int `envconfig:"QUEUE_RETRY_CAP" default:"3"`
	CandidateWindow int `envconfig:"CANDIDATE_WINDOW_DAYS" default:"7"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DBMinConns < 0 {
		return fmt.Errorf("MQ_DB_MIN_CONNS must be >= 0")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("MQ_DB_MAX_CONNS must be >= 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("MQ_DB_MIN_CONNS (%d) cannot exceed MQ_DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}

	if c.OverallThreshold <= 0 || c.OverallThreshold > 1 {
		return fmt.Errorf("SIMILARITY_OVERALL_THRESHOLD must be in (0,1]")
	}
	for name, floor := range map[string]float64{
		"SIMILARITY_TITLE_FLOOR":    c.TitleFloor,
		"SIMILARITY_TIME_FLOOR":     c.TimeFloor,
		"SIMILARITY_LOCATION_FLOOR": c.LocationFloor,
		"SIMILARITY_VENUE_FLOOR":    c.VenueFloor,
		"SIMILARITY_PRICE_FLOOR":    c.PriceFloor,
	} {
		if floor < 0 || floor > 1 {
			return fmt.Errorf("%s must be in [0,1]", name)
		}
	}

	weightSum := c.TitleWeight + c.VenueWeight + c.TimeWeight + c.LocationWeight + c.PriceWeight
	if math.Abs(weightSum-1) > 1e-9 {
		return fmt.Errorf("similarity weights must sum to 1, got %.6f", weightSum)
	}
	for name, w := range map[string]float64{
		"SIMILARITY_TITLE_WEIGHT":    c.TitleWeight,
		"SIMILARITY_VENUE_WEIGHT":    c.VenueWeight,
		"SIMILARITY_TIME_WEIGHT":     c.TimeWeight,
		"SIMILARITY_LOCATION_WEIGHT": c.LocationWeight,
		"SIMILARITY_PRICE_WEIGHT":    c.PriceWeight,
	} {
		if w < 0 {
			return fmt.Errorf("%s must be >= 0", name)
		}
	}

	if c.TimeWindowHours <= 0 {
		return fmt.Errorf("SIMILARITY_TIME_WINDOW_HOURS must be > 0")
	}
	if c.MaxDistanceKM <= 0 {
		return fmt.Errorf("SIMILARITY_MAX_DISTANCE_KM must be > 0")
	}
	if c.MergeConfidenceFloor < 0 || c.MergeConfidenceFloor > 1 {
		return fmt.Errorf("MERGE_CONFIDENCE_FLOOR must be in [0,1]")
	}

	if c.CacheTTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be > 0")
	}
	if c.CacheMaxEntries < 1 {
		return fmt.Errorf("CACHE_MAX_ENTRIES must be >= 1")
	}

	if c.ClusterEnabled {
		if c.ClusterThreshold <= 0 || c.ClusterThreshold > 1 {
			return fmt.Errorf("CLUSTER_THRESHOLD must be in (0,1]")
		}
		// A cluster is a looser grouping than a confirmed duplicate; a
		// cluster threshold above the duplicate threshold would hide
		// true matches from the similarity engine.
		if c.ClusterThreshold > c.OverallThreshold {
			return fmt.Errorf("CLUSTER_THRESHOLD (%.2f) cannot exceed SIMILARITY_OVERALL_THRESHOLD (%.2f)", c.ClusterThreshold, c.OverallThreshold)
		}
		if c.ClusterMaxSize < 2 {
			return fmt.Errorf("CLUSTER_MAX_SIZE must be >= 2")
		}
		if c.ClusterRebalanceEvery < 1 {
			return fmt.Errorf("CLUSTER_REBALANCE_EVERY must be >= 1")
		}
	}

	if c.BatchSize < 1 {
		return fmt.Errorf("BATCH_SIZE must be >= 1")
	}
	if c.BatchWorkers < 1 {
		return fmt.Errorf("BATCH_WORKERS must be >= 1")
	}
	if c.QueueRetryCap < 0 {
		return fmt.Errorf("QUEUE_RETRY_CAP must be >= 0")
	}
	if c.CandidateWindow < 1 {
		return fmt.Errorf("CANDIDATE_WINDOW_DAYS must be >= 1")
	}

	return nil
}

// TimeWindow returns the similarity time window as a duration.
func (c *Config) TimeWindow() time.Duration {
	return time.Duration(c.TimeWindowHours * float64(time.Hour))
}
