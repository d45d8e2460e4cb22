// Package pipeline orchestrates duplicate detection and merging across
// four processing modes: realtime single events, batch runs, an
// incremental priority queue and full corpus scans.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"horse.fit/marquee/internal/cache"
	"horse.fit/marquee/internal/cluster"
	"horse.fit/marquee/internal/config"
	"horse.fit/marquee/internal/db"
	"horse.fit/marquee/internal/event"
	"horse.fit/marquee/internal/fingerprint"
	"horse.fit/marquee/internal/globaltime"
	"horse.fit/marquee/internal/merge"
	"horse.fit/marquee/internal/metrics"
	"horse.fit/marquee/internal/similarity"
)

const (
	ModeRealtime    = "realtime"
	ModeBatch       = "batch"
	ModeIncremental = "incremental"
	ModeFullScan    = "full_scan"
)

// candidateLimit caps how many stored events one detection pass will
// load for comparison.
const candidateLimit = 512

// Store is the persistence surface the pipeline needs. *db.Pool
// implements it.
type Store interface {
	GetEventByID(ctx context.Context, eventID int64) (*event.Event, error)
	ListCandidatesInWindow(ctx context.Context, start *time.Time, window time.Duration, excludeID int64, limit int) ([]event.Event, error)
	ListActiveEvents(ctx context.Context, afterID int64, limit int) ([]event.Event, error)
	ApplyMerge(ctx context.Context, merged event.Event, duplicateIDs []int64, audit db.MergeAudit) error
	InsertScanReport(ctx context.Context, report db.ScanReport) (string, error)
}

// Match is one candidate pair that crossed the duplicate threshold.
type Match struct {
	EventID     int64             `json:"event_id"`
	CandidateID int64             `json:"candidate_id"`
	Result      similarity.Result `json:"result"`
}

// EventError captures one per-event failure without aborting the run.
type EventError struct {
	EventID int64  `json:"event_id"`
	Error   string `json:"error"`
}

// ProcessResult is the outcome of running one event through detection
// and, when warranted, merging.
type ProcessResult struct {
	Event    event.Event     `json:"event"`
	Matches  []Match         `json:"matches,omitempty"`
	Decision *merge.Decision `json:"decision,omitempty"`
	Merged   bool            `json:"merged"`
	Warnings []string        `json:"warnings,omitempty"`
}

// Service wires the fingerprint builder, similarity engine, merge
// engine and cluster index behind the four processing modes.
type Service struct {
	store        Store
	cfg          *config.Config
	logger       zerolog.Logger
	comparer     *similarity.Engine
	merger       *merge.Engine
	fingerprints cache.Store[fingerprint.Fingerprint]
	similarities cache.Store[similarity.Result]
	clusters     *cluster.Index
	queue        *workQueue

	// mergeMu serializes merge application; detection runs
	// concurrently but writes do not.
	mergeMu sync.Mutex
}

// NewService builds the processing service. When cfg.RedisAddr is set
// the fingerprint cache is shared through Redis; otherwise both caches
// are in-process.
func NewService(store Store, cfg *config.Config, logger zerolog.Logger) *Service {
	comparer := similarity.NewEngine(similarityConfig(cfg))

	var fingerprints cache.Store[fingerprint.Fingerprint]
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		fingerprints = cache.NewRedis[fingerprint.Fingerprint](client, "fp", cfg.CacheTTL, logger)
	} else {
		fingerprints = cache.NewMemory[fingerprint.Fingerprint](cfg.CacheMaxEntries, cfg.CacheTTL)
	}

	s := &Service{
		store:        store,
		cfg:          cfg,
		logger:       logger.With().Str("component", "pipeline").Logger(),
		comparer:     comparer,
		merger:       merge.NewEngine(cfg.MergeConfidenceFloor, logger),
		fingerprints: fingerprints,
		similarities: cache.NewMemory[similarity.Result](cfg.CacheMaxEntries, cfg.CacheTTL),
		queue:        newWorkQueue(),
	}

	if cfg.ClusterEnabled {
		s.clusters = cluster.NewIndex(cluster.Config{
			Threshold:      cfg.ClusterThreshold,
			MaxSize:        cfg.ClusterMaxSize,
			RebalanceEvery: cfg.ClusterRebalanceEvery,
		}, s.clusterScore, logger)
	}

	return s
}

func similarityConfig(cfg *config.Config) similarity.Config {
	return similarity.Config{
		Weights: similarity.Weights{
			Title:    cfg.TitleWeight,
			Venue:    cfg.VenueWeight,
			Time:     cfg.TimeWeight,
			Location: cfg.LocationWeight,
			Price:    cfg.PriceWeight,
		},
		Floors: similarity.Floors{
			Title:    cfg.TitleFloor,
			Venue:    cfg.VenueFloor,
			Time:     cfg.TimeFloor,
			Location: cfg.LocationFloor,
			Price:    cfg.PriceFloor,
		},
		OverallThreshold: cfg.OverallThreshold,
		TimeWindow:       cfg.TimeWindow(),
		MaxDistanceKM:    cfg.MaxDistanceKM,
	}
}

// clusterScore rates two fingerprints with the same engine that scores
// duplicate pairs, so index placement and detection agree.
func (s *Service) clusterScore(a, b fingerprint.Fingerprint) float64 {
	return s.comparer.Compare(a, b).Overall
}

// fingerprintFor returns the event's fingerprint, cached by event
// revision.
func (s *Service) fingerprintFor(ctx context.Context, ev event.Event) fingerprint.Fingerprint {
	key := fingerprint.CacheKey(ev)
	if fp, ok := s.fingerprints.Get(ctx, key); ok {
		metrics.RecordCacheLookup("fingerprint", true)
		return fp
	}
	metrics.RecordCacheLookup("fingerprint", false)
	fp := fingerprint.Build(ev)
	s.fingerprints.Set(ctx, key, fp)
	return fp
}

// compare scores a pair, caching by the revision-stamped pair key so a
// changed event never reuses a stale score.
func (s *Service) compare(ctx context.Context, a, b event.Event) similarity.Result {
	key := pairKey(a, b)
	if r, ok := s.similarities.Get(ctx, key); ok {
		metrics.RecordCacheLookup("similarity", true)
		return r
	}
	metrics.RecordCacheLookup("similarity", false)

	fa := s.fingerprintFor(ctx, a)
	fb := s.fingerprintFor(ctx, b)

	start := globaltime.Now()
	r := s.comparer.Compare(fa, fb)
	metrics.ObserveCompare(start)

	s.similarities.Set(ctx, key, r)
	return r
}

// pairKey is order-independent: the lower event id always comes first.
func pairKey(a, b event.Event) string {
	if a.ID > b.ID {
		a, b = b, a
	}
	return fingerprint.CacheKey(a) + "|" + fingerprint.CacheKey(b)
}

// candidatesFor loads plausible duplicates of ev, through the cluster
// index when enabled and the time-window query otherwise. Index misses
// fall back to the query so clustering never hides a duplicate that a
// direct scan would find.
func (s *Service) candidatesFor(ctx context.Context, ev event.Event) ([]event.Event, error) {
	if s.clusters != nil {
		fp := s.fingerprintFor(ctx, ev)
		ids := s.clusters.Candidates(fp)
		if len(ids) > 0 {
			out := make([]event.Event, 0, len(ids))
			for _, id := range ids {
				candidate, err := s.store.GetEventByID(ctx, id)
				if err != nil {
					return nil, fmt.Errorf("load cluster candidate %d: %w", id, err)
				}
				if candidate == nil || candidate.Status != event.StatusActive {
					s.clusters.Remove(id)
					continue
				}
				out = append(out, *candidate)
			}
			return out, nil
		}
	}
	window := time.Duration(s.cfg.CandidateWindow) * 24 * time.Hour
	if window < s.cfg.TimeWindow() {
		window = s.cfg.TimeWindow()
	}
	return s.store.ListCandidatesInWindow(ctx, ev.StartTime, window, ev.ID, candidateLimit)
}

// detect runs duplicate detection for one event and returns the
// matches sorted by descending overall score.
func (s *Service) detect(ctx context.Context, ev event.Event) ([]Match, []event.Event, error) {
	candidates, err := s.candidatesFor(ctx, ev)
	if err != nil {
		return nil, nil, fmt.Errorf("candidates for event %d: %w", ev.ID, err)
	}

	matches := make([]Match, 0, 4)
	duplicates := make([]event.Event, 0, 4)
	for _, candidate := range candidates {
		result := s.compare(ctx, ev, candidate)
		if !s.comparer.IsDuplicate(result) {
			continue
		}
		matches = append(matches, Match{EventID: ev.ID, CandidateID: candidate.ID, Result: result})
		duplicates = append(duplicates, candidate)
	}

	sort.SliceStable(duplicates, func(i, j int) bool {
		return matchScore(matches, duplicates[i].ID) > matchScore(matches, duplicates[j].ID)
	})
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Result.Overall > matches[j].Result.Overall
	})
	return matches, duplicates, nil
}

func matchScore(matches []Match, candidateID int64) float64 {
	for _, m := range matches {
		if m.CandidateID == candidateID {
			return m.Result.Overall
		}
	}
	return 0
}

// ApplyDecision executes a validated merge decision, persists the
// result with its audit row and keeps caches and the cluster index
// consistent.
func (s *Service) ApplyDecision(ctx context.Context, mode string, decision merge.Decision, primary event.Event, duplicates []event.Event) (event.Event, error) {
	s.mergeMu.Lock()
	defer s.mergeMu.Unlock()

	merged, changes, err := s.merger.Execute(decision, primary)
	if err != nil {
		return event.Event{}, err
	}

	audit, err := buildAudit(mode, decision, changes)
	if err != nil {
		return event.Event{}, err
	}
	if err := s.store.ApplyMerge(ctx, merged, decision.DuplicateIDs, audit); err != nil {
		return event.Event{}, fmt.Errorf("persist merge of event %d: %w", primary.ID, err)
	}

	s.fingerprints.Delete(ctx, fingerprint.CacheKey(primary))
	for _, dup := range duplicates {
		s.fingerprints.Delete(ctx, fingerprint.CacheKey(dup))
	}
	if s.clusters != nil {
		for _, id := range decision.DuplicateIDs {
			s.clusters.Remove(id)
		}
		s.clusters.Assign(fingerprint.Build(merged))
		s.publishClusterGauges()
	}

	metrics.MergesCompleted.WithLabelValues(mode).Inc()
	s.logger.Info().
		Str("mode", mode).
		Int64("primary_id", merged.ID).
		Ints64("duplicate_ids", decision.DuplicateIDs).
		Float64("confidence", decision.Confidence).
		Int("changed_fields", len(changes)).
		Msg("merge applied")

	return merged, nil
}

func buildAudit(mode string, decision merge.Decision, changes []merge.ChangeEntry) (db.MergeAudit, error) {
	decisionJSON, err := json.Marshal(decision)
	if err != nil {
		return db.MergeAudit{}, fmt.Errorf("encode decision %s: %w", decision.DecisionUUID, err)
	}
	if changes == nil {
		changes = []merge.ChangeEntry{}
	}
	changesJSON, err := json.Marshal(changes)
	if err != nil {
		return db.MergeAudit{}, fmt.Errorf("encode change log for %s: %w", decision.DecisionUUID, err)
	}
	idsJSON, err := json.Marshal(decision.DuplicateIDs)
	if err != nil {
		return db.MergeAudit{}, fmt.Errorf("encode duplicate ids for %s: %w", decision.DecisionUUID, err)
	}
	return db.MergeAudit{
		DecisionUUID: decision.DecisionUUID,
		PrimaryID:    decision.PrimaryID,
		DuplicateIDs: idsJSON,
		Strategy:     string(decision.Strategy),
		Confidence:   decision.Confidence,
		Decision:     decisionJSON,
		ChangeLog:    changesJSON,
		Mode:         mode,
	}, nil
}

func (s *Service) publishClusterGauges() {
	clusters, members := s.clusters.Size()
	metrics.ClusterCount.Set(float64(clusters))
	metrics.ClusterMembers.Set(float64(members))
}

// CacheStats reports both caches for the stats endpoint.
func (s *Service) CacheStats() map[string]cache.Stats {
	return map[string]cache.Stats{
		"fingerprint": s.fingerprints.Stats(),
		"similarity":  s.similarities.Stats(),
	}
}

// ClusterStats reports the candidate index size; zeros when clustering
// is disabled.
func (s *Service) ClusterStats() (clusters, members int) {
	if s.clusters == nil {
		return 0, 0
	}
	return s.clusters.Size()
}
