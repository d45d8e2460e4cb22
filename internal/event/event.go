// Package event holds the canonical event entity shared by the
// fingerprint, similarity and merge packages.
package event

import "time"

// Status values for canonical events.
const (
	StatusActive = "active"
	StatusMerged = "merged"
)

// Event is the canonical, persisted listing. It is mutated only by the
// normalization and merge stages, never by callers of the read API.
type Event struct {
	ID         int64
	EventUUID  string
	ExternalID string
	Source     string

	Title       string
	Description string
	Category    string
	Tags        []string

	StartTime *time.Time
	EndTime   *time.Time
	Timezone  string

	VenueName string
	Address   string
	Latitude  *float64
	Longitude *float64

	PriceMin *float64
	PriceMax *float64
	Currency string
	IsFree   bool

	ImageURLs []string
	TicketURL string

	ViewCount int
	SaveCount int
	Featured  bool

	Status          string
	MergedIntoID    *int64
	MergedFromCount int

	SourceUpdatedAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Clone returns a deep copy, so merge previews never alias the primary's
// slices.
func (e Event) Clone() Event {
	out := e
	out.Tags = append([]string(nil), e.Tags...)
	out.ImageURLs = append([]string(nil), e.ImageURLs...)
	out.StartTime = cloneTime(e.StartTime)
	out.EndTime = cloneTime(e.EndTime)
	out.Latitude = cloneFloat(e.Latitude)
	out.Longitude = cloneFloat(e.Longitude)
	out.PriceMin = cloneFloat(e.PriceMin)
	out.PriceMax = cloneFloat(e.PriceMax)
	out.SourceUpdatedAt = cloneTime(e.SourceUpdatedAt)
	out.MergedIntoID = cloneInt64(e.MergedIntoID)
	return out
}

// LastChangedAt is the freshest signal available for latest_wins
// resolution: the source's own update stamp when present, otherwise the
// row update stamp.
func (e Event) LastChangedAt() time.Time {
	if e.SourceUpdatedAt != nil && !e.SourceUpdatedAt.IsZero() {
		return e.SourceUpdatedAt.UTC()
	}
	return e.UpdatedAt.UTC()
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	c := *f
	return &c
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
