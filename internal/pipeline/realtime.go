package pipeline

import (
	"context"
	"fmt"

	"horse.fit/marquee/internal/event"
	"horse.fit/marquee/internal/metrics"
)

// ProcessEvent runs one event through detection and merges immediately
// when the decision is valid and confident enough. Low-confidence or
// invalid decisions are returned unexecuted with warnings so a human
// can act on them.
func (s *Service) ProcessEvent(ctx context.Context, ev event.Event) (*ProcessResult, error) {
	if ev.Status != event.StatusActive {
		return nil, fmt.Errorf("process event %d: status is %q, want active", ev.ID, ev.Status)
	}
	metrics.EventsProcessed.WithLabelValues(ModeRealtime).Inc()

	matches, duplicates, err := s.detect(ctx, ev)
	if err != nil {
		metrics.ProcessingErrors.WithLabelValues(ModeRealtime).Inc()
		return nil, err
	}

	result := &ProcessResult{Event: ev, Matches: matches}
	if s.clusters != nil {
		s.clusters.Assign(s.fingerprintFor(ctx, ev))
		s.publishClusterGauges()
	}
	if len(duplicates) == 0 {
		return result, nil
	}
	metrics.DuplicatesFound.WithLabelValues(ModeRealtime).Add(float64(len(duplicates)))

	decision, err := s.merger.CreateDecision(ev, duplicates, "")
	if err != nil {
		metrics.ProcessingErrors.WithLabelValues(ModeRealtime).Inc()
		return nil, fmt.Errorf("decide merge for event %d: %w", ev.ID, err)
	}
	result.Decision = &decision

	validation := s.merger.Validate(decision)
	result.Warnings = append(result.Warnings, validation.Warnings...)
	if !validation.OK() {
		result.Warnings = append(result.Warnings, validation.Errors...)
		s.logger.Warn().
			Int64("event_id", ev.ID).
			Strs("errors", validation.Errors).
			Msg("merge decision failed validation, left for review")
		return result, nil
	}
	if decision.Confidence < s.cfg.MergeConfidenceFloor {
		s.logger.Info().
			Int64("event_id", ev.ID).
			Float64("confidence", decision.Confidence).
			Msg("merge decision below confidence floor, left for review")
		return result, nil
	}

	merged, err := s.ApplyDecision(ctx, ModeRealtime, decision, ev, duplicates)
	if err != nil {
		metrics.ProcessingErrors.WithLabelValues(ModeRealtime).Inc()
		return nil, err
	}
	result.Event = merged
	result.Merged = true
	return result, nil
}
