// Package fingerprint turns canonical events into normalized, comparable
// signatures. Building is pure and total: missing fields degrade to
// neutral components, never to an error.
package fingerprint

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"horse.fit/marquee/internal/event"
)

const (
	// Cross-source listings disagree on exact minutes far more often
	// than on the hour of the show.
	dateBucketGranularity = time.Hour

	// Three decimal places is roughly 110 m at the equator, enough to
	// absorb GPS jitter between sources.
	coordDecimals = 3

	// Sources rarely agree on exact pricing; bucketed ranges compare
	// free-vs-paid and rough tier instead.
	priceBucketSize = 10.0
)

// PriceKind classifies the tri-state price signature.
type PriceKind string

const (
	PriceFree    PriceKind = "free"
	PriceUnknown PriceKind = "unknown"
	PriceRange   PriceKind = "range"
)

// PriceSignature is the comparable projection of an event's pricing.
type PriceSignature struct {
	Kind      PriceKind `json:"kind"`
	MinBucket int       `json:"min_bucket"`
	MaxBucket int       `json:"max_bucket"`
}

// Fingerprint is the derived, ephemeral projection used for comparison.
// It lives only in the fingerprint cache and is never persisted as a
// first-class record.
type Fingerprint struct {
	EventID     int64          `json:"event_id"`
	Title       string         `json:"title"`
	TitleTokens []string       `json:"title_tokens"`
	Venue       string         `json:"venue"`
	StartBucket int64          `json:"start_bucket"`
	HasStart    bool           `json:"has_start"`
	Latitude    float64        `json:"latitude"`
	Longitude   float64        `json:"longitude"`
	HasLocation bool           `json:"has_location"`
	Price       PriceSignature `json:"price"`
}

// CacheKey identifies the fingerprint of one event revision; a re-ingested
// event gets a fresh key and therefore a fresh fingerprint.
func CacheKey(ev event.Event) string {
	return fmt.Sprintf("fp:%d:%d", ev.ID, ev.UpdatedAt.UTC().UnixNano())
}

// Build derives the comparable signature for an event.
func Build(ev event.Event) Fingerprint {
	title := NormalizeText(ev.Title)
	fp := Fingerprint{
		EventID:     ev.ID,
		Title:       title,
		TitleTokens: uniqueSortedTokens(title),
		Venue:       NormalizeText(ev.VenueName),
		Price:       priceSignature(ev),
	}

	if ev.StartTime != nil && !ev.StartTime.IsZero() {
		fp.StartBucket = ev.StartTime.UTC().Truncate(dateBucketGranularity).Unix()
		fp.HasStart = true
	}

	if ev.Latitude != nil && ev.Longitude != nil {
		fp.Latitude = roundCoord(*ev.Latitude)
		fp.Longitude = roundCoord(*ev.Longitude)
		fp.HasLocation = true
	}

	return fp
}

// NormalizeText lower-cases, strips punctuation and control characters and
// collapses whitespace.
func NormalizeText(input string) string {
	trimmed := strings.TrimSpace(strings.ToLower(input))
	if trimmed == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(trimmed))
	lastSpace := false
	for _, r := range trimmed {
		switch {
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		default:
			// Punctuation separates tokens rather than vanishing, so
			// "jazz-night" and "jazz night" normalize identically.
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// Tokenize splits normalized text into comparison tokens.
func Tokenize(text string) []string {
	normalized := NormalizeText(text)
	if normalized == "" {
		return nil
	}
	return strings.Fields(normalized)
}

func uniqueSortedTokens(normalized string) []string {
	if normalized == "" {
		return nil
	}
	seen := make(map[string]struct{})
	tokens := make([]string, 0, 8)
	for _, tok := range strings.Fields(normalized) {
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		tokens = append(tokens, tok)
	}
	sort.Strings(tokens)
	return tokens
}

func roundCoord(v float64) float64 {
	factor := math.Pow(10, coordDecimals)
	return math.Round(v*factor) / factor
}

func priceSignature(ev event.Event) PriceSignature {
	if ev.IsFree {
		return PriceSignature{Kind: PriceFree}
	}

	min, hasMin := nonNegative(ev.PriceMin)
	max, hasMax := nonNegative(ev.PriceMax)
	if !hasMin && !hasMax {
		return PriceSignature{Kind: PriceUnknown}
	}
	if hasMin && !hasMax {
		max = min
	}
	if hasMax && !hasMin {
		min = max
	}
	if min == 0 && max == 0 {
		return PriceSignature{Kind: PriceFree}
	}

	return PriceSignature{
		Kind:      PriceRange,
		MinBucket: int(min / priceBucketSize),
		MaxBucket: int(max / priceBucketSize),
	}
}

func nonNegative(v *float64) (float64, bool) {
	if v == nil || *v < 0 || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return 0, false
	}
	return *v, true
}
