// Package merge resolves conflicting field values across a primary event
// and its confirmed duplicates into one canonical record, with a
// reviewable decision and a per-field audit trail.
package merge

import (
	"net/url"
	"strings"
	"time"

	"horse.fit/marquee/internal/event"
)

// Strategy names one per-field resolution rule.
type Strategy string

const (
	StrategyPrimaryWins    Strategy = "primary_wins"
	StrategyLatestWins     Strategy = "latest_wins"
	StrategyMostComplete   Strategy = "most_complete"
	StrategyHighestQuality Strategy = "highest_quality"
	StrategyMergeValues    Strategy = "merge_values"
	StrategyManualReview   Strategy = "manual_review"
)

// Field enumerates every mergeable Event field. The registry below is
// total over this set, so a missing or mistyped rule is a compile-time
// gap rather than a silent runtime default.
type Field string

const (
	FieldExternalID  Field = "external_id"
	FieldSource      Field = "source"
	FieldTitle       Field = "title"
	FieldDescription Field = "description"
	FieldCategory    Field = "category"
	FieldTags        Field = "tags"
	FieldStartTime   Field = "start_time"
	FieldEndTime     Field = "end_time"
	FieldTimezone    Field = "timezone"
	FieldVenueName   Field = "venue_name"
	FieldAddress     Field = "address"
	FieldLatitude    Field = "latitude"
	FieldLongitude   Field = "longitude"
	FieldPriceMin    Field = "price_min"
	FieldPriceMax    Field = "price_max"
	FieldCurrency    Field = "currency"
	FieldIsFree      Field = "is_free"
	FieldImageURLs   Field = "image_urls"
	FieldTicketURL   Field = "ticket_url"
	FieldViewCount   Field = "view_count"
	FieldSaveCount   Field = "save_count"
	FieldFeatured    Field = "featured"
)

// fieldSpec binds one field to its strategy, validator, accessors and
// confidence weight. Important fields carry double weight in the overall
// decision confidence.
type fieldSpec struct {
	strategy  Strategy
	important bool
	validator func(any) bool
	get       func(event.Event) any
	set       func(*event.Event, any)
}

// fieldOrder fixes the iteration order for resolutions, change logs and
// reasons, keeping decisions byte-for-byte reproducible.
var fieldOrder = []Field{
	FieldExternalID,
	FieldSource,
	FieldTitle,
	FieldDescription,
	FieldCategory,
	FieldTags,
	FieldStartTime,
	FieldEndTime,
	FieldTimezone,
	FieldVenueName,
	FieldAddress,
	FieldLatitude,
	FieldLongitude,
	FieldPriceMin,
	FieldPriceMax,
	FieldCurrency,
	FieldIsFree,
	FieldImageURLs,
	FieldTicketURL,
	FieldViewCount,
	FieldSaveCount,
	FieldFeatured,
}

func defaultRegistry() map[Field]fieldSpec {
	return map[Field]fieldSpec{
		FieldExternalID: {
			strategy: StrategyPrimaryWins,
			get:      func(e event.Event) any { return e.ExternalID },
			set:      func(e *event.Event, v any) { e.ExternalID = v.(string) },
		},
		FieldSource: {
			strategy: StrategyPrimaryWins,
			get:      func(e event.Event) any { return e.Source },
			set:      func(e *event.Event, v any) { e.Source = v.(string) },
		},
		FieldTitle: {
			strategy:  StrategyPrimaryWins,
			important: true,
			validator: validNonEmptyString,
			get:       func(e event.Event) any { return e.Title },
			set:       func(e *event.Event, v any) { e.Title = v.(string) },
		},
		FieldDescription: {
			strategy: StrategyMergeValues,
			get:      func(e event.Event) any { return e.Description },
			set:      func(e *event.Event, v any) { e.Description = v.(string) },
		},
		FieldCategory: {
			strategy:  StrategyMostComplete,
			validator: validNonEmptyString,
			get:       func(e event.Event) any { return e.Category },
			set:       func(e *event.Event, v any) { e.Category = v.(string) },
		},
		FieldTags: {
			strategy: StrategyMergeValues,
			get:      func(e event.Event) any { return e.Tags },
			set:      func(e *event.Event, v any) { e.Tags = v.([]string) },
		},
		FieldStartTime: {
			strategy:  StrategyLatestWins,
			important: true,
			validator: validTimePtr,
			get:       func(e event.Event) any { return e.StartTime },
			set:       func(e *event.Event, v any) { e.StartTime = v.(*time.Time) },
		},
		FieldEndTime: {
			strategy:  StrategyLatestWins,
			validator: validTimePtr,
			get:       func(e event.Event) any { return e.EndTime },
			set:       func(e *event.Event, v any) { e.EndTime = v.(*time.Time) },
		},
		FieldTimezone: {
			strategy: StrategyLatestWins,
			get:      func(e event.Event) any { return e.Timezone },
			set:      func(e *event.Event, v any) { e.Timezone = v.(string) },
		},
		FieldVenueName: {
			strategy:  StrategyMostComplete,
			important: true,
			validator: validNonEmptyString,
			get:       func(e event.Event) any { return e.VenueName },
			set:       func(e *event.Event, v any) { e.VenueName = v.(string) },
		},
		FieldAddress: {
			strategy: StrategyMostComplete,
			get:      func(e event.Event) any { return e.Address },
			set:      func(e *event.Event, v any) { e.Address = v.(string) },
		},
		FieldLatitude: {
			strategy:  StrategyHighestQuality,
			important: true,
			validator: validLatitude,
			get:       func(e event.Event) any { return e.Latitude },
			set:       func(e *event.Event, v any) { e.Latitude = v.(*float64) },
		},
		FieldLongitude: {
			strategy:  StrategyHighestQuality,
			important: true,
			validator: validLongitude,
			get:       func(e event.Event) any { return e.Longitude },
			set:       func(e *event.Event, v any) { e.Longitude = v.(*float64) },
		},
		FieldPriceMin: {
			strategy:  StrategyHighestQuality,
			validator: validPrice,
			get:       func(e event.Event) any { return e.PriceMin },
			set:       func(e *event.Event, v any) { e.PriceMin = v.(*float64) },
		},
		FieldPriceMax: {
			strategy:  StrategyHighestQuality,
			validator: validPrice,
			get:       func(e event.Event) any { return e.PriceMax },
			set:       func(e *event.Event, v any) { e.PriceMax = v.(*float64) },
		},
		FieldCurrency: {
			strategy: StrategyMostComplete,
			get:      func(e event.Event) any { return e.Currency },
			set:      func(e *event.Event, v any) { e.Currency = v.(string) },
		},
		FieldIsFree: {
			strategy: StrategyPrimaryWins,
			get:      func(e event.Event) any { return e.IsFree },
			set:      func(e *event.Event, v any) { e.IsFree = v.(bool) },
		},
		FieldImageURLs: {
			strategy: StrategyMergeValues,
			get:      func(e event.Event) any { return e.ImageURLs },
			set:      func(e *event.Event, v any) { e.ImageURLs = v.([]string) },
		},
		FieldTicketURL: {
			strategy:  StrategyHighestQuality,
			validator: validURL,
			get:       func(e event.Event) any { return e.TicketURL },
			set:       func(e *event.Event, v any) { e.TicketURL = v.(string) },
		},
		FieldViewCount: {
			strategy: StrategyMergeValues,
			get:      func(e event.Event) any { return e.ViewCount },
			set:      func(e *event.Event, v any) { e.ViewCount = v.(int) },
		},
		FieldSaveCount: {
			strategy: StrategyMergeValues,
			get:      func(e event.Event) any { return e.SaveCount },
			set:      func(e *event.Event, v any) { e.SaveCount = v.(int) },
		},
		FieldFeatured: {
			strategy: StrategyPrimaryWins,
			get:      func(e event.Event) any { return e.Featured },
			set:      func(e *event.Event, v any) { e.Featured = v.(bool) },
		},
	}
}

func validNonEmptyString(v any) bool {
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) != ""
}

func validTimePtr(v any) bool {
	t, ok := v.(*time.Time)
	return ok && t != nil && !t.IsZero()
}

func validLatitude(v any) bool {
	f, ok := v.(*float64)
	return ok && f != nil && *f >= -90 && *f <= 90
}

func validLongitude(v any) bool {
	f, ok := v.(*float64)
	return ok && f != nil && *f >= -180 && *f <= 180
}

func validPrice(v any) bool {
	f, ok := v.(*float64)
	return ok && f != nil && *f >= 0
}

func validURL(v any) bool {
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return false
	}
	parsed, err := url.Parse(s)
	return err == nil && parsed.Scheme != "" && parsed.Host != ""
}
