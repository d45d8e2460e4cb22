package db

import (
	"encoding/json"
	"fmt"
	"time"

	"horse.fit/marquee/internal/event"
)

// EventRecord maps marquee.events, the canonical listing store.
type EventRecord struct {
	EventID         int64           `gorm:"column:event_id;primaryKey;autoIncrement"`
	EventUUID       string          `gorm:"column:event_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	ExternalID      string          `gorm:"column:external_id;type:text;not null"`
	Source          string          `gorm:"column:source;type:text;not null"`
	Title           string          `gorm:"column:title;type:text;not null"`
	Description     string          `gorm:"column:description;type:text;not null;default:''"`
	Category        string          `gorm:"column:category;type:text;not null;default:''"`
	Tags            json.RawMessage `gorm:"column:tags;type:jsonb"`
	StartTime       *time.Time      `gorm:"column:start_time;type:timestamptz"`
	EndTime         *time.Time      `gorm:"column:end_time;type:timestamptz"`
	Timezone        string          `gorm:"column:timezone;type:text;not null;default:''"`
	VenueName       string          `gorm:"column:venue_name;type:text;not null;default:''"`
	Address         string          `gorm:"column:address;type:text;not null;default:''"`
	Latitude        *float64        `gorm:"column:latitude;type:double precision"`
	Longitude       *float64        `gorm:"column:longitude;type:double precision"`
	PriceMin        *float64        `gorm:"column:price_min;type:numeric"`
	PriceMax        *float64        `gorm:"column:price_max;type:numeric"`
	Currency        string          `gorm:"column:currency;type:text;not null;default:''"`
	IsFree          bool            `gorm:"column:is_free;type:boolean;not null;default:false"`
	ImageURLs       json.RawMessage `gorm:"column:image_urls;type:jsonb"`
	TicketURL       string          `gorm:"column:ticket_url;type:text;not null;default:''"`
	ViewCount       int             `gorm:"column:view_count;type:integer;not null;default:0"`
	SaveCount       int             `gorm:"column:save_count;type:integer;not null;default:0"`
	Featured        bool            `gorm:"column:featured;type:boolean;not null;default:false"`
	Status          string          `gorm:"column:status;type:text;not null;default:active"`
	MergedIntoID    *int64          `gorm:"column:merged_into_id;type:bigint"`
	MergedFromCount int             `gorm:"column:merged_from_count;type:integer;not null;default:0"`
	SourceUpdatedAt *time.Time      `gorm:"column:source_updated_at;type:timestamptz"`
	CreatedAt       time.Time       `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt       time.Time       `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (EventRecord) TableName() string { return "marquee.events" }

// MergeAudit maps marquee.merge_audits. One row per executed merge
// decision, including no-op merges, with the full decision payload and
// per-field change log as jsonb.
type MergeAudit struct {
	MergeAuditID   int64           `gorm:"column:merge_audit_id;primaryKey;autoIncrement"`
	MergeAuditUUID string          `gorm:"column:merge_audit_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	DecisionUUID   string          `gorm:"column:decision_uuid;type:uuid;not null"`
	PrimaryID      int64           `gorm:"column:primary_id;type:bigint;not null"`
	DuplicateIDs   json.RawMessage `gorm:"column:duplicate_ids;type:jsonb;not null"`
	Strategy       string          `gorm:"column:strategy;type:text;not null;default:''"`
	Confidence     float64         `gorm:"column:confidence;type:double precision;not null"`
	Decision       json.RawMessage `gorm:"column:decision;type:jsonb;not null"`
	ChangeLog      json.RawMessage `gorm:"column:change_log;type:jsonb;not null"`
	Mode           string          `gorm:"column:mode;type:text;not null;default:''"`
	CreatedAt      time.Time       `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (MergeAudit) TableName() string { return "marquee.merge_audits" }

// ScanReport maps marquee.scan_reports, the output of full-scan runs.
type ScanReport struct {
	ScanReportID   int64           `gorm:"column:scan_report_id;primaryKey;autoIncrement"`
	ScanReportUUID string          `gorm:"column:scan_report_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	StartedAt      time.Time       `gorm:"column:started_at;type:timestamptz;not null"`
	FinishedAt     time.Time       `gorm:"column:finished_at;type:timestamptz;not null"`
	EventsScanned  int             `gorm:"column:events_scanned;type:integer;not null"`
	PairsCompared  int             `gorm:"column:pairs_compared;type:integer;not null"`
	Matches        json.RawMessage `gorm:"column:matches;type:jsonb;not null"`
	Errors         json.RawMessage `gorm:"column:errors;type:jsonb"`
	CreatedAt      time.Time       `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (ScanReport) TableName() string { return "marquee.scan_reports" }

func autoMigrateModels() []any {
	return []any{
		&EventRecord{},
		&MergeAudit{},
		&ScanReport{},
	}
}

// ToEvent converts a stored record to the domain type.
func (r EventRecord) ToEvent() (event.Event, error) {
	tags, err := decodeStrings(r.Tags)
	if err != nil {
		return event.Event{}, fmt.Errorf("decode tags for event %d: %w", r.EventID, err)
	}
	images, err := decodeStrings(r.ImageURLs)
	if err != nil {
		return event.Event{}, fmt.Errorf("decode image urls for event %d: %w", r.EventID, err)
	}
	return event.Event{
		ID:              r.EventID,
		EventUUID:       r.EventUUID,
		ExternalID:      r.ExternalID,
		Source:          r.Source,
		Title:           r.Title,
		Description:     r.Description,
		Category:        r.Category,
		Tags:            tags,
		StartTime:       r.StartTime,
		EndTime:         r.EndTime,
		Timezone:        r.Timezone,
		VenueName:       r.VenueName,
		Address:         r.Address,
		Latitude:        r.Latitude,
		Longitude:       r.Longitude,
		PriceMin:        r.PriceMin,
		PriceMax:        r.PriceMax,
		Currency:        r.Currency,
		IsFree:          r.IsFree,
		ImageURLs:       images,
		TicketURL:       r.TicketURL,
		ViewCount:       r.ViewCount,
		SaveCount:       r.SaveCount,
		Featured:        r.Featured,
		Status:          r.Status,
		MergedIntoID:    r.MergedIntoID,
		MergedFromCount: r.MergedFromCount,
		SourceUpdatedAt: r.SourceUpdatedAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}, nil
}

// RecordFromEvent converts a domain event to its stored form.
func RecordFromEvent(ev event.Event) (EventRecord, error) {
	tags, err := encodeStrings(ev.Tags)
	if err != nil {
		return EventRecord{}, fmt.Errorf("encode tags for event %d: %w", ev.ID, err)
	}
	images, err := encodeStrings(ev.ImageURLs)
	if err != nil {
		return EventRecord{}, fmt.Errorf("encode image urls for event %d: %w", ev.ID, err)
	}
	return EventRecord{
		EventID:         ev.ID,
		EventUUID:       ev.EventUUID,
		ExternalID:      ev.ExternalID,
		Source:          ev.Source,
		Title:           ev.Title,
		Description:     ev.Description,
		Category:        ev.Category,
		Tags:            tags,
		StartTime:       ev.StartTime,
		EndTime:         ev.EndTime,
		Timezone:        ev.Timezone,
		VenueName:       ev.VenueName,
		Address:         ev.Address,
		Latitude:        ev.Latitude,
		Longitude:       ev.Longitude,
		PriceMin:        ev.PriceMin,
		PriceMax:        ev.PriceMax,
		Currency:        ev.Currency,
		IsFree:          ev.IsFree,
		ImageURLs:       images,
		TicketURL:       ev.TicketURL,
		ViewCount:       ev.ViewCount,
		SaveCount:       ev.SaveCount,
		Featured:        ev.Featured,
		Status:          ev.Status,
		MergedIntoID:    ev.MergedIntoID,
		MergedFromCount: ev.MergedFromCount,
		SourceUpdatedAt: ev.SourceUpdatedAt,
		CreatedAt:       ev.CreatedAt,
		UpdatedAt:       ev.UpdatedAt,
	}, nil
}

func decodeStrings(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeStrings(values []string) (json.RawMessage, error) {
	if len(values) == 0 {
		return json.RawMessage(`[]`), nil
	}
	return json.Marshal(values)
}
