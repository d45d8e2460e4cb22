// Package similarity compares two event fingerprints field by field and
// combines the per-field scores into one declared, reproducible overall
// score.
package similarity

import (
	"math"
	"strings"
	"time"

	"horse.fit/marquee/internal/fingerprint"
)

const (
	// Blend of word-order-tolerant token overlap and typo-tolerant
	// trigram overlap for textual fields.
	tokenBlendWeight   = 0.5
	trigramBlendWeight = 0.5

	// Venue strings from different sources often wrap the same name
	// ("Blue Note" vs "The Blue Note Club"); containment earns a bonus
	// on top of the fuzzy blend.
	venueContainmentBonus = 0.15

	partialPriceOverlapScore = 0.5

	earthRadiusKM = 6371.0
)

// Weights is the fixed, declared combination of per-field scores. Must
// sum to 1 (validated at construction).
type Weights struct {
	Title    float64
	Venue    float64
	Time     float64
	Location float64
	Price    float64
}

// Floors are per-field minimums a candidate pair must clear in addition
// to the overall threshold. A floor of 0 disables the check for that
// field; a field absent from either fingerprint is never floored.
type Floors struct {
	Title    float64
	Venue    float64
	Time     float64
	Location float64
	Price    float64
}

// Config carries the construction-time comparison parameters.
type Config struct {
	Weights          Weights
	Floors           Floors
	OverallThreshold float64
	TimeWindow       time.Duration
	MaxDistanceKM    float64
}

// FieldScore is one field's comparison outcome. Present is false when the
// field is missing on either side; such fields are excluded from the
// overall score rather than counted as mismatches.
type FieldScore struct {
	Score   float64 `json:"score"`
	Present bool    `json:"present"`
}

// Result is the per-field breakdown plus the weighted overall score.
type Result struct {
	Title    FieldScore `json:"title"`
	Venue    FieldScore `json:"venue"`
	Time     FieldScore `json:"time"`
	Location FieldScore `json:"location"`
	Price    FieldScore `json:"price"`
	Overall  float64    `json:"overall"`
}

type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Compare scores two fingerprints. It is symmetric: Compare(a, b) and
// Compare(b, a) produce identical results.
func (e *Engine) Compare(a, b fingerprint.Fingerprint) Result {
	r := Result{
		Title:    titleScore(a, b),
		Venue:    venueScore(a, b),
		Time:     e.timeScore(a, b),
		Location: e.locationScore(a, b),
		Price:    priceScore(a, b),
	}
	r.Overall = e.overall(r)
	return r
}

// IsDuplicate reports whether a comparison result qualifies the pair as a
// candidate duplicate: the overall score clears the threshold and no
// present floored field falls under its floor. The floors prevent one
// overwhelming field (exact venue and price, say) from masking an
// obviously different title or time.
func (e *Engine) IsDuplicate(r Result) bool {
	if r.Overall < e.cfg.OverallThreshold {
		return false
	}
	for _, check := range []struct {
		field FieldScore
		floor float64
	}{
		{r.Title, e.cfg.Floors.Title},
		{r.Venue, e.cfg.Floors.Venue},
		{r.Time, e.cfg.Floors.Time},
		{r.Location, e.cfg.Floors.Location},
		{r.Price, e.cfg.Floors.Price},
	} {
		if check.floor <= 0 || !check.field.Present {
			continue
		}
		if check.field.Score < check.floor {
			return false
		}
	}
	return true
}

// OverallThreshold exposes the configured duplicate threshold for callers
// that grade near-misses (clustering, audit reports).
func (e *Engine) OverallThreshold() float64 {
	return e.cfg.OverallThreshold
}

// overall is the fixed-weight sum over present fields, with the absent
// fields' weights renormalized away so missing data never counts as a
// mismatch.
func (e *Engine) overall(r Result) float64 {
	w := e.cfg.Weights
	type weighted struct {
		field  FieldScore
		weight float64
	}
	parts := []weighted{
		{r.Title, w.Title},
		{r.Venue, w.Venue},
		{r.Time, w.Time},
		{r.Location, w.Location},
		{r.Price, w.Price},
	}

	var sum, weightSum float64
	for _, p := range parts {
		if !p.field.Present {
			continue
		}
		sum += p.weight * p.field.Score
		weightSum += p.weight
	}
	if weightSum == 0 {
		return 0
	}
	return clamp01(sum / weightSum)
}

func titleScore(a, b fingerprint.Fingerprint) FieldScore {
	if a.Title == "" || b.Title == "" {
		return FieldScore{}
	}
	return FieldScore{Score: fuzzyTextScore(a.Title, b.Title), Present: true}
}

func venueScore(a, b fingerprint.Fingerprint) FieldScore {
	if a.Venue == "" || b.Venue == "" {
		return FieldScore{}
	}
	if a.Venue == b.Venue {
		return FieldScore{Score: 1, Present: true}
	}
	score := fuzzyTextScore(a.Venue, b.Venue)
	if strings.Contains(a.Venue, b.Venue) || strings.Contains(b.Venue, a.Venue) {
		score = clamp01(score + venueContainmentBonus)
	}
	return FieldScore{Score: score, Present: true}
}

func (e *Engine) timeScore(a, b fingerprint.Fingerprint) FieldScore {
	if !a.HasStart || !b.HasStart {
		return FieldScore{}
	}
	diff := time.Duration(absInt64(a.StartBucket-b.StartBucket)) * time.Second
	if diff == 0 {
		return FieldScore{Score: 1, Present: true}
	}
	if diff >= e.cfg.TimeWindow {
		// Events farther apart than the window cannot be the same
		// occurrence.
		return FieldScore{Score: 0, Present: true}
	}
	return FieldScore{Score: 1 - diff.Seconds()/e.cfg.TimeWindow.Seconds(), Present: true}
}

func (e *Engine) locationScore(a, b fingerprint.Fingerprint) FieldScore {
	if !a.HasLocation || !b.HasLocation {
		return FieldScore{}
	}
	d := haversineKM(a.Latitude, a.Longitude, b.Latitude, b.Longitude)
	if d >= e.cfg.MaxDistanceKM {
		return FieldScore{Score: 0, Present: true}
	}
	return FieldScore{Score: 1 - d/e.cfg.MaxDistanceKM, Present: true}
}

func priceScore(a, b fingerprint.Fingerprint) FieldScore {
	if a.Price.Kind == fingerprint.PriceUnknown || b.Price.Kind == fingerprint.PriceUnknown {
		return FieldScore{}
	}
	if a.Price.Kind != b.Price.Kind {
		return FieldScore{Score: 0, Present: true}
	}
	if a.Price.Kind == fingerprint.PriceFree {
		return FieldScore{Score: 1, Present: true}
	}
	if a.Price.MinBucket == b.Price.MinBucket && a.Price.MaxBucket == b.Price.MaxBucket {
		return FieldScore{Score: 1, Present: true}
	}
	if a.Price.MinBucket <= b.Price.MaxBucket && b.Price.MinBucket <= a.Price.MaxBucket {
		return FieldScore{Score: partialPriceOverlapScore, Present: true}
	}
	return FieldScore{Score: 0, Present: true}
}

func fuzzyTextScore(left, right string) float64 {
	return clamp01(tokenBlendWeight*tokenJaccard(left, right) + trigramBlendWeight*trigramJaccard(left, right))
}

func tokenJaccard(left, right string) float64 {
	leftSet := tokenSet(left)
	rightSet := tokenSet(right)
	return jaccard(leftSet, rightSet)
}

func trigramJaccard(left, right string) float64 {
	return jaccard(trigramSet(left), trigramSet(right))
}

func jaccard(leftSet, rightSet map[string]struct{}) float64 {
	if len(leftSet) == 0 || len(rightSet) == 0 {
		return 0
	}

	intersection := 0
	for token := range leftSet {
		if _, ok := rightSet[token]; ok {
			intersection++
		}
	}
	if intersection == 0 {
		return 0
	}

	union := len(leftSet) + len(rightSet) - intersection
	if union <= 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func tokenSet(text string) map[string]struct{} {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		set[token] = struct{}{}
	}
	return set
}

func trigramSet(text string) map[string]struct{} {
	if text == "" {
		return nil
	}

	runes := []rune(text)
	if len(runes) < 3 {
		return map[string]struct{}{string(runes): {}}
	}

	set := make(map[string]struct{}, len(runes)-2)
	for i := 0; i <= len(runes)-3; i++ {
		set[string(runes[i:i+3])] = struct{}{}
	}
	return set
}

func haversineKM(lat1, lng1, lat2, lng2 float64) float64 {
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := rad(lat2 - lat1)
	dLng := rad(lng2 - lng1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKM * math.Asin(math.Min(1, math.Sqrt(a)))
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
