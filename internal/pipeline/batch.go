package pipeline

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"horse.fit/marquee/internal/event"
	"horse.fit/marquee/internal/metrics"
)

// BatchSummary reports one batch run. Per-event failures are collected
// rather than aborting the run.
type BatchSummary struct {
	Processed       int          `json:"processed"`
	DuplicatesFound int          `json:"duplicates_found"`
	MergesCompleted int          `json:"merges_completed"`
	Errors          []EventError `json:"errors,omitempty"`
}

type detection struct {
	filled     bool
	evt        event.Event
	matches    []Match
	duplicates []event.Event
	err        error
}

// ProcessBatch runs detection for a set of events with a bounded worker
// pool, then applies merges serially. An event already consumed as a
// duplicate earlier in the same batch is skipped so no event is merged
// twice.
func (s *Service) ProcessBatch(ctx context.Context, events []event.Event) BatchSummary {
	summary := BatchSummary{}
	if len(events) == 0 {
		return summary
	}

	detections := make([]detection, len(events))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, s.cfg.BatchWorkers))
	var mu sync.Mutex

	for i, ev := range events {
		g.Go(func() error {
			matches, duplicates, err := s.detect(gctx, ev)
			mu.Lock()
			detections[i] = detection{filled: true, evt: ev, matches: matches, duplicates: duplicates, err: err}
			mu.Unlock()
			// Detection errors stay per-event; the group only stops
			// on context cancellation.
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Warn().Err(err).Msg("batch detection interrupted")
	}

	consumed := make(map[int64]bool, len(events))
	for _, det := range detections {
		if !det.filled {
			// The run was cancelled before this event was detected.
			continue
		}
		summary.Processed++
		metrics.EventsProcessed.WithLabelValues(ModeBatch).Inc()

		if det.err != nil {
			summary.Errors = append(summary.Errors, EventError{EventID: det.evt.ID, Error: det.err.Error()})
			metrics.ProcessingErrors.WithLabelValues(ModeBatch).Inc()
			continue
		}
		if consumed[det.evt.ID] {
			continue
		}

		duplicates := make([]event.Event, 0, len(det.duplicates))
		for _, dup := range det.duplicates {
			if !consumed[dup.ID] {
				duplicates = append(duplicates, dup)
			}
		}
		if s.clusters != nil {
			s.clusters.Assign(s.fingerprintFor(ctx, det.evt))
		}
		if len(duplicates) == 0 {
			continue
		}
		summary.DuplicatesFound += len(duplicates)
		metrics.DuplicatesFound.WithLabelValues(ModeBatch).Add(float64(len(duplicates)))

		merged, err := s.mergeDetected(ctx, det.evt, duplicates)
		if err != nil {
			summary.Errors = append(summary.Errors, EventError{EventID: det.evt.ID, Error: err.Error()})
			metrics.ProcessingErrors.WithLabelValues(ModeBatch).Inc()
			continue
		}
		if !merged {
			continue
		}
		summary.MergesCompleted++
		consumed[det.evt.ID] = true
		for _, dup := range duplicates {
			consumed[dup.ID] = true
		}
	}

	// Fingerprints and pair scores cached during the run go stale as
	// soon as merges land; drop both caches wholesale.
	s.fingerprints.Purge(ctx)
	s.similarities.Purge(ctx)

	if s.clusters != nil {
		s.publishClusterGauges()
	}
	s.logger.Info().
		Int("processed", summary.Processed).
		Int("duplicates", summary.DuplicatesFound).
		Int("merges", summary.MergesCompleted).
		Int("errors", len(summary.Errors)).
		Msg("batch run complete")
	return summary
}

// mergeDetected creates, validates and applies a merge for an event and
// its detected duplicates. Decisions that fail validation or fall below
// the confidence floor are skipped, not errors.
func (s *Service) mergeDetected(ctx context.Context, ev event.Event, duplicates []event.Event) (bool, error) {
	decision, err := s.merger.CreateDecision(ev, duplicates, "")
	if err != nil {
		return false, err
	}
	if v := s.merger.Validate(decision); !v.OK() {
		s.logger.Warn().
			Int64("event_id", ev.ID).
			Strs("errors", v.Errors).
			Msg("batch merge skipped, decision invalid")
		return false, nil
	}
	if decision.Confidence < s.cfg.MergeConfidenceFloor {
		s.logger.Info().
			Int64("event_id", ev.ID).
			Float64("confidence", decision.Confidence).
			Msg("batch merge skipped, confidence below floor")
		return false, nil
	}
	if _, err := s.ApplyDecision(ctx, ModeBatch, decision, ev, duplicates); err != nil {
		return false, err
	}
	return true, nil
}
