package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"horse.fit/marquee/internal/db"
	"horse.fit/marquee/internal/event"
	"horse.fit/marquee/internal/globaltime"
	"horse.fit/marquee/internal/metrics"
)

// scanPageSize controls how many events each store page loads during a
// full scan.
const scanPageSize = 1000

// ScanSummary reports one full corpus scan. Scans only report; no
// merges are executed.
type ScanSummary struct {
	ReportUUID    string       `json:"report_uuid,omitempty"`
	EventsScanned int          `json:"events_scanned"`
	PairsCompared int          `json:"pairs_compared"`
	Matches       []Match      `json:"matches,omitempty"`
	Errors        []EventError `json:"errors,omitempty"`
}

// FullScan compares every pair of active events exactly once and
// persists a report of the pairs that crossed the duplicate threshold.
// Each unordered pair is keyed by its lower id first so no pair is
// scored twice.
func (s *Service) FullScan(ctx context.Context) (ScanSummary, error) {
	startedAt := globaltime.Now().UTC()
	summary := ScanSummary{}

	var events []event.Event
	afterID := int64(0)
	for {
		page, err := s.store.ListActiveEvents(ctx, afterID, scanPageSize)
		if err != nil {
			return summary, fmt.Errorf("load scan page after %d: %w", afterID, err)
		}
		if len(page) == 0 {
			break
		}
		events = append(events, page...)
		afterID = page[len(page)-1].ID
	}
	summary.EventsScanned = len(events)

	seen := make(map[string]bool)
	for i := 0; i < len(events); i++ {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		metrics.EventsProcessed.WithLabelValues(ModeFullScan).Inc()
		for j := i + 1; j < len(events); j++ {
			key := unorderedPairKey(events[i].ID, events[j].ID)
			if seen[key] {
				continue
			}
			seen[key] = true
			summary.PairsCompared++

			result := s.compare(ctx, events[i], events[j])
			if !s.comparer.IsDuplicate(result) {
				continue
			}
			summary.Matches = append(summary.Matches, Match{
				EventID:     events[i].ID,
				CandidateID: events[j].ID,
				Result:      result,
			})
			metrics.DuplicatesFound.WithLabelValues(ModeFullScan).Inc()
		}
	}

	finishedAt := globaltime.Now().UTC()
	report, err := buildScanReport(startedAt, finishedAt, summary)
	if err != nil {
		return summary, err
	}
	uuid, err := s.store.InsertScanReport(ctx, report)
	if err != nil {
		return summary, fmt.Errorf("persist scan report: %w", err)
	}
	summary.ReportUUID = uuid

	s.logger.Info().
		Str("report_uuid", uuid).
		Int("events", summary.EventsScanned).
		Int("pairs", summary.PairsCompared).
		Int("matches", len(summary.Matches)).
		Msg("full scan complete")
	return summary, nil
}

func unorderedPairKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}

func buildScanReport(startedAt, finishedAt time.Time, summary ScanSummary) (db.ScanReport, error) {
	matches := summary.Matches
	if matches == nil {
		matches = []Match{}
	}
	matchesJSON, err := json.Marshal(matches)
	if err != nil {
		return db.ScanReport{}, fmt.Errorf("encode scan matches: %w", err)
	}
	var errorsJSON json.RawMessage
	if len(summary.Errors) > 0 {
		errorsJSON, err = json.Marshal(summary.Errors)
		if err != nil {
			return db.ScanReport{}, fmt.Errorf("encode scan errors: %w", err)
		}
	}
	return db.ScanReport{
		StartedAt:     startedAt,
		FinishedAt:    finishedAt,
		EventsScanned: summary.EventsScanned,
		PairsCompared: summary.PairsCompared,
		Matches:       matchesJSON,
		Errors:        errorsJSON,
	}, nil
}
