package merge

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"horse.fit/marquee/internal/event"
	"horse.fit/marquee/internal/globaltime"
)

const (
	confidencePrimaryWins  = 1.0
	confidenceLatestWins   = 0.9
	confidenceMergeValues  = 0.85
	confidenceManualReview = 0.0

	// Fields central to event identity count twice toward the overall
	// decision confidence.
	importantFieldWeight = 2.0
)

// FieldResolution records how one field's conflict was settled.
type FieldResolution struct {
	Field           Field    `json:"field"`
	Strategy        Strategy `json:"strategy"`
	PrimaryValue    string   `json:"primary_value"`
	DuplicateValues []string `json:"duplicate_values"`
	SelectedValue   string   `json:"selected_value"`
	SourceEventID   int64    `json:"source_event_id"`
	Confidence      float64  `json:"confidence"`
}

// Decision is a fully resolved merge plan: the preview of the merged
// record, per-field resolutions and an overall confidence. It is inert
// until executed.
type Decision struct {
	DecisionUUID string            `json:"decision_uuid"`
	PrimaryID    int64             `json:"primary_id"`
	DuplicateIDs []int64           `json:"duplicate_ids"`
	Strategy     Strategy          `json:"strategy"`
	Confidence   float64           `json:"confidence"`
	Preview      event.Event       `json:"preview"`
	Resolutions  []FieldResolution `json:"resolutions"`
	Reasons      []string          `json:"reasons"`
	CreatedAt    string            `json:"created_at"`
}

// ChangeEntry is one line of the merge change log: a field of the
// primary that the executed merge altered.
type ChangeEntry struct {
	Field      Field    `json:"field"`
	OldValue   string   `json:"old_value"`
	NewValue   string   `json:"new_value"`
	Strategy   Strategy `json:"strategy"`
	Confidence float64  `json:"confidence"`
}

// ValidationResult separates blocking problems from advisories. A
// decision with errors must not be executed; warnings only flag it for
// human attention.
type ValidationResult struct {
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

func (v ValidationResult) OK() bool { return len(v.Errors) == 0 }

// Engine applies the field registry to produce and execute merge
// decisions.
type Engine struct {
	registry       map[Field]fieldSpec
	confidenceFloor float64
	logger         zerolog.Logger
}

// NewEngine builds a merge engine. confidenceFloor marks decisions below
// it with a review warning without blocking them.
func NewEngine(confidenceFloor float64, logger zerolog.Logger) *Engine {
	return &Engine{
		registry:       defaultRegistry(),
		confidenceFloor: confidenceFloor,
		logger:         logger.With().Str("component", "merge").Logger(),
	}
}

// CreateDecision resolves every registered field across the primary and
// its duplicates. A non-empty override replaces each field's registered
// strategy. The primary and duplicates are not mutated.
func (e *Engine) CreateDecision(primary event.Event, duplicates []event.Event, override Strategy) (Decision, error) {
	if len(duplicates) == 0 {
		return Decision{}, fmt.Errorf("create decision for event %d: no duplicates given", primary.ID)
	}
	if override != "" {
		if err := validStrategy(override); err != nil {
			return Decision{}, fmt.Errorf("create decision for event %d: %w", primary.ID, err)
		}
	}

	preview := primary.Clone()
	resolutions := make([]FieldResolution, 0, len(fieldOrder))
	reasons := make([]string, 0, 4)
	var weightedSum, weightTotal float64

	for _, field := range fieldOrder {
		spec := e.registry[field]
		strategy := spec.strategy
		if override != "" {
			strategy = override
		}

		res := e.resolveField(field, spec, strategy, primary, duplicates)
		spec.set(&preview, res.selected)

		weight := 1.0
		if spec.important {
			weight = importantFieldWeight
		}
		weightedSum += res.confidence * weight
		weightTotal += weight

		if !valuesEqual(spec.get(primary), res.selected) {
			reasons = append(reasons, fmt.Sprintf("%s: adopted value from event %d via %s", field, res.sourceID, strategy))
		}

		resolutions = append(resolutions, FieldResolution{
			Field:           field,
			Strategy:        strategy,
			PrimaryValue:    renderValue(spec.get(primary)),
			DuplicateValues: duplicateValues(spec, duplicates),
			SelectedValue:   renderValue(res.selected),
			SourceEventID:   res.sourceID,
			Confidence:      res.confidence,
		})
	}

	ids := make([]int64, len(duplicates))
	for i, d := range duplicates {
		ids[i] = d.ID
	}

	decision := Decision{
		DecisionUUID: uuid.NewString(),
		PrimaryID:    primary.ID,
		DuplicateIDs: ids,
		Strategy:     override,
		Confidence:   weightedSum / weightTotal,
		Preview:      preview,
		Resolutions:  resolutions,
		Reasons:      reasons,
		CreatedAt:    globaltime.Now().UTC().Format(time.RFC3339),
	}

	e.logger.Debug().
		Str("decision_uuid", decision.DecisionUUID).
		Int64("primary_id", primary.ID).
		Ints64("duplicate_ids", ids).
		Float64("confidence", decision.Confidence).
		Msg("merge decision created")

	return decision, nil
}

// Validate checks a decision's preview for blocking defects and
// advisory conditions. Execute refuses decisions that fail it.
func (e *Engine) Validate(d Decision) ValidationResult {
	var result ValidationResult

	if isEmptyValue(d.Preview.Title) {
		result.Errors = append(result.Errors, "merged event has no title")
	}
	if d.Preview.StartTime == nil || d.Preview.StartTime.IsZero() {
		result.Errors = append(result.Errors, "merged event has no start time")
	}
	if isEmptyValue(d.Preview.Category) {
		result.Errors = append(result.Errors, "merged event has no category")
	}

	if d.Confidence < e.confidenceFloor {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("decision confidence %.2f below floor %.2f", d.Confidence, e.confidenceFloor))
	}
	for _, res := range d.Resolutions {
		if res.Strategy == StrategyManualReview {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("field %s requires manual review", res.Field))
		}
	}
	return result
}

// Execute validates the decision, then applies it to the primary and
// reports every field the merge changed. A merge that changes nothing
// succeeds with an empty change log so callers can still record the
// attempt.
func (e *Engine) Execute(d Decision, primary event.Event) (event.Event, []ChangeEntry, error) {
	if v := e.Validate(d); !v.OK() {
		return event.Event{}, nil, fmt.Errorf("execute decision %s: validation failed: %v", d.DecisionUUID, v.Errors)
	}
	if d.PrimaryID != primary.ID {
		return event.Event{}, nil, fmt.Errorf("execute decision %s: decision targets event %d, got %d", d.DecisionUUID, d.PrimaryID, primary.ID)
	}

	merged := primary.Clone()
	changes := make([]ChangeEntry, 0, len(d.Resolutions))
	for _, res := range d.Resolutions {
		spec := e.registry[res.Field]
		selected := spec.get(d.Preview)
		if valuesEqual(spec.get(primary), selected) {
			continue
		}
		spec.set(&merged, selected)
		changes = append(changes, ChangeEntry{
			Field:      res.Field,
			OldValue:   renderValue(spec.get(primary)),
			NewValue:   renderValue(selected),
			Strategy:   res.Strategy,
			Confidence: res.Confidence,
		})
	}

	merged.MergedFromCount = primary.MergedFromCount + len(d.DuplicateIDs)
	merged.UpdatedAt = globaltime.Now().UTC()

	e.logger.Info().
		Str("decision_uuid", d.DecisionUUID).
		Int64("primary_id", primary.ID).
		Int("changed_fields", len(changes)).
		Msg("merge executed")

	return merged, changes, nil
}

type resolved struct {
	selected   any
	sourceID   int64
	confidence float64
}

func (e *Engine) resolveField(field Field, spec fieldSpec, strategy Strategy, primary event.Event, duplicates []event.Event) resolved {
	switch strategy {
	case StrategyPrimaryWins:
		sel, src := fillIfEmpty(spec, primary, duplicates)
		return resolved{selected: sel, sourceID: src, confidence: confidencePrimaryWins}

	case StrategyLatestWins:
		return resolveLatest(spec, primary, duplicates)

	case StrategyMostComplete, StrategyHighestQuality:
		return resolveByQuality(spec, primary, duplicates)

	case StrategyMergeValues:
		return resolveMerged(field, spec, primary, duplicates)

	case StrategyManualReview:
		return resolved{selected: spec.get(primary), sourceID: primary.ID, confidence: confidenceManualReview}

	default:
		return resolved{selected: spec.get(primary), sourceID: primary.ID, confidence: confidencePrimaryWins}
	}
}

// fillIfEmpty keeps the primary's value unless it is empty, in which
// case the first duplicate with a populated value fills the gap.
func fillIfEmpty(spec fieldSpec, primary event.Event, duplicates []event.Event) (any, int64) {
	v := spec.get(primary)
	if !isEmptyValue(v) {
		return v, primary.ID
	}
	for _, d := range duplicates {
		if dv := spec.get(d); !isEmptyValue(dv) {
			return dv, d.ID
		}
	}
	return v, primary.ID
}

func resolveLatest(spec fieldSpec, primary event.Event, duplicates []event.Event) resolved {
	best := resolved{selected: spec.get(primary), sourceID: primary.ID, confidence: confidenceLatestWins}
	bestAt := primary.LastChangedAt()
	bestEmpty := isEmptyValue(best.selected)
	for _, d := range duplicates {
		v := spec.get(d)
		if isEmptyValue(v) {
			continue
		}
		at := d.LastChangedAt()
		// A populated value always beats an empty one; otherwise the
		// freshest source wins, and ties keep the incumbent.
		if bestEmpty || at.After(bestAt) {
			best = resolved{selected: v, sourceID: d.ID, confidence: confidenceLatestWins}
			bestAt = at
			bestEmpty = false
		}
	}
	return best
}

// resolveByQuality picks the value with the highest quality score. On a
// tie the primary wins, then the earliest duplicate in input order.
func resolveByQuality(spec fieldSpec, primary event.Event, duplicates []event.Event) resolved {
	bestValue := spec.get(primary)
	bestID := primary.ID
	bestScore := qualityScore(spec, bestValue)
	for _, d := range duplicates {
		v := spec.get(d)
		if score := qualityScore(spec, v); score > bestScore {
			bestValue, bestID, bestScore = v, d.ID, score
		}
	}
	return resolved{selected: bestValue, sourceID: bestID, confidence: bestScore}
}

func resolveMerged(field Field, spec fieldSpec, primary event.Event, duplicates []event.Event) resolved {
	switch v := spec.get(primary).(type) {
	case []string:
		merged := unionStrings(v, duplicates, spec)
		return resolved{selected: merged, sourceID: primary.ID, confidence: confidenceMergeValues}
	case int:
		total := v
		for _, d := range duplicates {
			total += spec.get(d).(int)
		}
		return resolved{selected: total, sourceID: primary.ID, confidence: confidenceMergeValues}
	case string:
		// Text fields cannot be unioned meaningfully, so the longest
		// populated variant stands in for the combination.
		best, src := v, primary.ID
		for _, d := range duplicates {
			if dv := spec.get(d).(string); len(dv) > len(best) {
				best, src = dv, d.ID
			}
		}
		return resolved{selected: best, sourceID: src, confidence: confidenceMergeValues}
	default:
		sel, src := fillIfEmpty(spec, primary, duplicates)
		return resolved{selected: sel, sourceID: src, confidence: confidenceMergeValues}
	}
}

// unionStrings merges slice values keeping primary order first, then
// each duplicate's unseen entries in input order.
func unionStrings(primary []string, duplicates []event.Event, spec fieldSpec) []string {
	seen := make(map[string]struct{}, len(primary))
	out := make([]string, 0, len(primary))
	for _, s := range primary {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	for _, d := range duplicates {
		for _, s := range spec.get(d).([]string) {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

func duplicateValues(spec fieldSpec, duplicates []event.Event) []string {
	out := make([]string, len(duplicates))
	for i, d := range duplicates {
		out[i] = renderValue(spec.get(d))
	}
	return out
}

func validStrategy(s Strategy) error {
	switch s {
	case StrategyPrimaryWins, StrategyLatestWins, StrategyMostComplete,
		StrategyHighestQuality, StrategyMergeValues, StrategyManualReview:
		return nil
	}
	return fmt.Errorf("unknown merge strategy %q", s)
}

// Fields lists every registered field in resolution order, for API
// consumers that render decision previews.
func Fields() []Field {
	out := make([]Field, len(fieldOrder))
	copy(out, fieldOrder)
	return out
}

// Strategies lists the supported strategies.
func Strategies() []Strategy {
	out := []Strategy{
		StrategyPrimaryWins, StrategyLatestWins, StrategyMostComplete,
		StrategyHighestQuality, StrategyMergeValues, StrategyManualReview,
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
