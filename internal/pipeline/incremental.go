package pipeline

import (
	"context"
	"fmt"

	"horse.fit/marquee/internal/event"
	"horse.fit/marquee/internal/metrics"
)

// IncrementalSummary reports one drain of the incremental queue.
type IncrementalSummary struct {
	Processed       int          `json:"processed"`
	DuplicatesFound int          `json:"duplicates_found"`
	MergesCompleted int          `json:"merges_completed"`
	Retried         int          `json:"retried"`
	Errors          []EventError `json:"errors,omitempty"`
}

// Enqueue schedules an event for incremental processing. Featured and
// recently updated events are processed first. Returns false when the
// event is already queued.
func (s *Service) Enqueue(ev event.Event) bool {
	queued := s.queue.push(ev)
	metrics.QueueDepth.Set(float64(s.queue.depth()))
	return queued
}

// QueueDepth reports how many events are waiting.
func (s *Service) QueueDepth() int {
	return s.queue.depth()
}

// ProcessQueue drains up to maxEvents from the priority queue. Failed
// events are retried with demoted priority until the retry cap, then
// reported as permanent errors. A maxEvents of zero or less drains the
// current backlog.
func (s *Service) ProcessQueue(ctx context.Context, maxEvents int) IncrementalSummary {
	summary := IncrementalSummary{}
	if maxEvents <= 0 {
		maxEvents = s.queue.depth()
	}

	for summary.Processed < maxEvents {
		if ctx.Err() != nil {
			break
		}
		item, ok := s.queue.pop()
		if !ok {
			break
		}
		summary.Processed++
		metrics.EventsProcessed.WithLabelValues(ModeIncremental).Inc()

		result, err := s.processQueued(ctx, item.eventID)
		if err != nil {
			metrics.ProcessingErrors.WithLabelValues(ModeIncremental).Inc()
			if item.attempts+1 < s.cfg.QueueRetryCap {
				s.queue.retry(item)
				summary.Retried++
				s.logger.Warn().
					Err(err).
					Int64("event_id", item.eventID).
					Int("attempt", item.attempts).
					Msg("incremental processing failed, requeued")
			} else {
				summary.Errors = append(summary.Errors, EventError{EventID: item.eventID, Error: err.Error()})
				s.logger.Error().
					Err(err).
					Int64("event_id", item.eventID).
					Int("attempts", item.attempts+1).
					Msg("incremental processing failed permanently")
			}
			continue
		}
		if result == nil {
			continue
		}
		summary.DuplicatesFound += len(result.Matches)
		metrics.DuplicatesFound.WithLabelValues(ModeIncremental).Add(float64(len(result.Matches)))
		if result.Merged {
			summary.MergesCompleted++
		}
	}

	metrics.QueueDepth.Set(float64(s.queue.depth()))
	s.logger.Info().
		Int("processed", summary.Processed).
		Int("merges", summary.MergesCompleted).
		Int("retried", summary.Retried).
		Int("errors", len(summary.Errors)).
		Msg("incremental drain complete")
	return summary
}

// processQueued loads the current row for a queued id and runs it
// through detection. Events merged away while queued are skipped.
func (s *Service) processQueued(ctx context.Context, eventID int64) (*ProcessResult, error) {
	ev, err := s.store.GetEventByID(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("load queued event %d: %w", eventID, err)
	}
	if ev == nil || ev.Status != event.StatusActive {
		return nil, nil
	}

	matches, duplicates, err := s.detect(ctx, *ev)
	if err != nil {
		return nil, err
	}
	result := &ProcessResult{Event: *ev, Matches: matches}
	if s.clusters != nil {
		s.clusters.Assign(s.fingerprintFor(ctx, *ev))
		s.publishClusterGauges()
	}
	if len(duplicates) == 0 {
		return result, nil
	}

	merged, err := s.mergeQueued(ctx, *ev, duplicates)
	if err != nil {
		return nil, err
	}
	result.Merged = merged
	return result, nil
}

func (s *Service) mergeQueued(ctx context.Context, ev event.Event, duplicates []event.Event) (bool, error) {
	decision, err := s.merger.CreateDecision(ev, duplicates, "")
	if err != nil {
		return false, err
	}
	if v := s.merger.Validate(decision); !v.OK() {
		s.logger.Warn().
			Int64("event_id", ev.ID).
			Strs("errors", v.Errors).
			Msg("incremental merge skipped, decision invalid")
		return false, nil
	}
	if decision.Confidence < s.cfg.MergeConfidenceFloor {
		return false, nil
	}
	if _, err := s.ApplyDecision(ctx, ModeIncremental, decision, ev, duplicates); err != nil {
		return false, err
	}
	return true, nil
}
