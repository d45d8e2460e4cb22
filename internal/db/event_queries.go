package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"horse.fit/marquee/internal/event"
)

const eventColumns = `
	e.event_id,
	e.event_uuid::text,
	e.external_id,
	e.source,
	e.title,
	e.description,
	e.category,
	e.tags,
	e.start_time,
	e.end_time,
	e.timezone,
	e.venue_name,
	e.address,
	e.latitude,
	e.longitude,
	e.price_min,
	e.price_max,
	e.currency,
	e.is_free,
	e.image_urls,
	e.ticket_url,
	e.view_count,
	e.save_count,
	e.featured,
	e.status,
	e.merged_into_id,
	e.merged_from_count,
	e.source_updated_at,
	e.created_at,
	e.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEventRecord(s rowScanner) (EventRecord, error) {
	var r EventRecord
	err := s.Scan(
		&r.EventID,
		&r.EventUUID,
		&r.ExternalID,
		&r.Source,
		&r.Title,
		&r.Description,
		&r.Category,
		&r.Tags,
		&r.StartTime,
		&r.EndTime,
		&r.Timezone,
		&r.VenueName,
		&r.Address,
		&r.Latitude,
		&r.Longitude,
		&r.PriceMin,
		&r.PriceMax,
		&r.Currency,
		&r.IsFree,
		&r.ImageURLs,
		&r.TicketURL,
		&r.ViewCount,
		&r.SaveCount,
		&r.Featured,
		&r.Status,
		&r.MergedIntoID,
		&r.MergedFromCount,
		&r.SourceUpdatedAt,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	return r, err
}

func scanEvents(rows *Rows, capacity int) ([]event.Event, error) {
	out := make([]event.Event, 0, capacity)
	for rows.Next() {
		rec, err := scanEventRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		ev, err := rec.ToEvent()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}
	return out, nil
}

// UpsertEvent inserts a listing or refreshes the existing row for the
// same (source, external_id). Merge bookkeeping columns are preserved
// on update. Returns the stored event and whether a new row was
// created.
func (p *Pool) UpsertEvent(ctx context.Context, ev event.Event) (event.Event, bool, error) {
	rec, err := RecordFromEvent(ev)
	if err != nil {
		return event.Event{}, false, err
	}

	q := `
INSERT INTO marquee.events (
	external_id, source, title, description, category, tags,
	start_time, end_time, timezone, venue_name, address,
	latitude, longitude, price_min, price_max, currency, is_free,
	image_urls, ticket_url, view_count, save_count, featured,
	status, source_updated_at, created_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6,
	$7, $8, $9, $10, $11,
	$12, $13, $14, $15, $16, $17,
	$18, $19, $20, $21, $22,
	'active', $23, now(), now()
)
ON CONFLICT (source, external_id) DO UPDATE SET
	title = EXCLUDED.title,
	description = EXCLUDED.description,
	category = EXCLUDED.category,
	tags = EXCLUDED.tags,
	start_time = EXCLUDED.start_time,
	end_time = EXCLUDED.end_time,
	timezone = EXCLUDED.timezone,
	venue_name = EXCLUDED.venue_name,
	address = EXCLUDED.address,
	latitude = EXCLUDED.latitude,
	longitude = EXCLUDED.longitude,
	price_min = EXCLUDED.price_min,
	price_max = EXCLUDED.price_max,
	currency = EXCLUDED.currency,
	is_free = EXCLUDED.is_free,
	image_urls = EXCLUDED.image_urls,
	ticket_url = EXCLUDED.ticket_url,
	featured = EXCLUDED.featured,
	source_updated_at = EXCLUDED.source_updated_at,
	updated_at = now()
RETURNING ` + strings.ReplaceAll(eventColumns, "e.", "") + `, (xmax = 0) AS inserted`

	row := p.QueryRow(ctx, q,
		rec.ExternalID, rec.Source, rec.Title, rec.Description, rec.Category, rec.Tags,
		rec.StartTime, rec.EndTime, rec.Timezone, rec.VenueName, rec.Address,
		rec.Latitude, rec.Longitude, rec.PriceMin, rec.PriceMax, rec.Currency, rec.IsFree,
		rec.ImageURLs, rec.TicketURL, rec.ViewCount, rec.SaveCount, rec.Featured,
		rec.SourceUpdatedAt,
	)

	var stored EventRecord
	var inserted bool
	if err := row.Scan(
		&stored.EventID, &stored.EventUUID, &stored.ExternalID, &stored.Source,
		&stored.Title, &stored.Description, &stored.Category, &stored.Tags,
		&stored.StartTime, &stored.EndTime, &stored.Timezone, &stored.VenueName,
		&stored.Address, &stored.Latitude, &stored.Longitude, &stored.PriceMin,
		&stored.PriceMax, &stored.Currency, &stored.IsFree, &stored.ImageURLs,
		&stored.TicketURL, &stored.ViewCount, &stored.SaveCount, &stored.Featured,
		&stored.Status, &stored.MergedIntoID, &stored.MergedFromCount,
		&stored.SourceUpdatedAt, &stored.CreatedAt, &stored.UpdatedAt, &inserted,
	); err != nil {
		return event.Event{}, false, fmt.Errorf("upsert event %s/%s: %w", ev.Source, ev.ExternalID, err)
	}

	out, err := stored.ToEvent()
	if err != nil {
		return event.Event{}, false, err
	}
	return out, inserted, nil
}

// GetEventByID returns one event regardless of status.
func (p *Pool) GetEventByID(ctx context.Context, eventID int64) (*event.Event, error) {
	const q = `SELECT ` + eventColumns + ` FROM marquee.events e WHERE e.event_id = $1`
	rec, err := scanEventRecord(p.QueryRow(ctx, q, eventID))
	if err != nil {
		if IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get event %d: %w", eventID, err)
	}
	ev, err := rec.ToEvent()
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// GetEventByUUID returns one event by its public identifier.
func (p *Pool) GetEventByUUID(ctx context.Context, eventUUID string) (*event.Event, error) {
	trimmed := strings.TrimSpace(eventUUID)
	if trimmed == "" {
		return nil, fmt.Errorf("event UUID is required")
	}
	const q = `SELECT ` + eventColumns + ` FROM marquee.events e WHERE e.event_uuid = $1::uuid`
	rec, err := scanEventRecord(p.QueryRow(ctx, q, trimmed))
	if err != nil {
		if IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get event by uuid %s: %w", trimmed, err)
	}
	ev, err := rec.ToEvent()
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// ListActiveEvents pages through active listings ordered by id.
func (p *Pool) ListActiveEvents(ctx context.Context, afterID int64, limit int) ([]event.Event, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}
	const q = `
SELECT ` + eventColumns + `
FROM marquee.events e
WHERE e.status = 'active'
  AND e.event_id > $1
ORDER BY e.event_id
LIMIT $2`
	rows, err := p.Query(ctx, q, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list active events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows, limit)
}

// ListCandidatesInWindow returns active events whose start time falls
// within the window around the given start, excluding one event. Events
// without a start time are included since a missing field must not
// exempt them from comparison.
func (p *Pool) ListCandidatesInWindow(ctx context.Context, start *time.Time, window time.Duration, excludeID int64, limit int) ([]event.Event, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}

	const q = `
SELECT ` + eventColumns + `
FROM marquee.events e
WHERE e.status = 'active'
  AND e.event_id <> $1
  AND (
	$2::timestamptz IS NULL
	OR e.start_time IS NULL
	OR (e.start_time >= $2::timestamptz - $3::interval AND e.start_time <= $2::timestamptz + $3::interval)
  )
ORDER BY e.event_id
LIMIT $4`

	interval := fmt.Sprintf("%d seconds", int64(window.Seconds()))
	rows, err := p.Query(ctx, q, excludeID, start, interval, limit)
	if err != nil {
		return nil, fmt.Errorf("list candidate events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows, limit)
}

// ApplyMerge persists an executed merge atomically: the primary row is
// rewritten, duplicates are tombstoned pointing at the primary, and the
// audit row is recorded.
func (p *Pool) ApplyMerge(ctx context.Context, merged event.Event, duplicateIDs []int64, audit MergeAudit) error {
	rec, err := RecordFromEvent(merged)
	if err != nil {
		return err
	}

	tx, err := p.BeginTx(ctx, TxOptions{})
	if err != nil {
		return fmt.Errorf("begin merge tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const updatePrimary = `
UPDATE marquee.events SET
	title = $2, description = $3, category = $4, tags = $5,
	start_time = $6, end_time = $7, timezone = $8,
	venue_name = $9, address = $10, latitude = $11, longitude = $12,
	price_min = $13, price_max = $14, currency = $15, is_free = $16,
	image_urls = $17, ticket_url = $18, view_count = $19, save_count = $20,
	featured = $21, merged_from_count = $22, updated_at = now()
WHERE event_id = $1 AND status = 'active'`

	tag, err := tx.Exec(ctx, updatePrimary,
		rec.EventID, rec.Title, rec.Description, rec.Category, rec.Tags,
		rec.StartTime, rec.EndTime, rec.Timezone,
		rec.VenueName, rec.Address, rec.Latitude, rec.Longitude,
		rec.PriceMin, rec.PriceMax, rec.Currency, rec.IsFree,
		rec.ImageURLs, rec.TicketURL, rec.ViewCount, rec.SaveCount,
		rec.Featured, rec.MergedFromCount,
	)
	if err != nil {
		return fmt.Errorf("update merge primary %d: %w", merged.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update merge primary %d: event not found or not active", merged.ID)
	}

	idsJSON, err := json.Marshal(duplicateIDs)
	if err != nil {
		return fmt.Errorf("encode duplicate ids: %w", err)
	}

	const tombstone = `
UPDATE marquee.events SET
	status = 'merged', merged_into_id = $1, updated_at = now()
WHERE event_id = ANY($2) AND status = 'active'`
	if _, err := tx.Exec(ctx, tombstone, merged.ID, duplicateIDs); err != nil {
		return fmt.Errorf("tombstone duplicates of %d: %w", merged.ID, err)
	}

	const insertAudit = `
INSERT INTO marquee.merge_audits (
	decision_uuid, primary_id, duplicate_ids, strategy, confidence,
	decision, change_log, mode, created_at
) VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, now())`
	if _, err := tx.Exec(ctx, insertAudit,
		audit.DecisionUUID, audit.PrimaryID, idsJSON, audit.Strategy,
		audit.Confidence, audit.Decision, audit.ChangeLog, audit.Mode,
	); err != nil {
		return fmt.Errorf("insert merge audit for %d: %w", merged.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit merge tx: %w", err)
	}
	return nil
}

// AuditEntry is the read model for merge history output.
type AuditEntry struct {
	MergeAuditUUID string          `json:"merge_audit_uuid"`
	DecisionUUID   string          `json:"decision_uuid"`
	PrimaryID      int64           `json:"primary_id"`
	DuplicateIDs   json.RawMessage `json:"duplicate_ids"`
	Strategy       string          `json:"strategy,omitempty"`
	Confidence     float64         `json:"confidence"`
	ChangeLog      json.RawMessage `json:"change_log"`
	Mode           string          `json:"mode,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ListAuditForEvent returns merge history where the event was primary
// or duplicate, newest first.
func (p *Pool) ListAuditForEvent(ctx context.Context, eventID int64, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}
	const q = `
SELECT
	a.merge_audit_uuid::text,
	a.decision_uuid::text,
	a.primary_id,
	a.duplicate_ids,
	a.strategy,
	a.confidence,
	a.change_log,
	a.mode,
	a.created_at
FROM marquee.merge_audits a
WHERE a.primary_id = $1
   OR a.duplicate_ids @> to_jsonb($1::bigint)
ORDER BY a.created_at DESC, a.merge_audit_id DESC
LIMIT $2`
	rows, err := p.Query(ctx, q, eventID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit for event %d: %w", eventID, err)
	}
	defer rows.Close()

	out := make([]AuditEntry, 0, limit)
	for rows.Next() {
		var a AuditEntry
		if err := rows.Scan(
			&a.MergeAuditUUID, &a.DecisionUUID, &a.PrimaryID, &a.DuplicateIDs,
			&a.Strategy, &a.Confidence, &a.ChangeLog, &a.Mode, &a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit rows: %w", err)
	}
	return out, nil
}

// InsertScanReport stores a full-scan result and returns its UUID.
func (p *Pool) InsertScanReport(ctx context.Context, report ScanReport) (string, error) {
	const q = `
INSERT INTO marquee.scan_reports (
	started_at, finished_at, events_scanned, pairs_compared, matches, errors, created_at
) VALUES ($1, $2, $3, $4, $5, $6, now())
RETURNING scan_report_uuid::text`
	var uuid string
	err := p.QueryRow(ctx, q,
		report.StartedAt, report.FinishedAt, report.EventsScanned,
		report.PairsCompared, report.Matches, report.Errors,
	).Scan(&uuid)
	if err != nil {
		return "", fmt.Errorf("insert scan report: %w", err)
	}
	return uuid, nil
}

// EngineStats summarizes store state for health and stats output.
type EngineStats struct {
	ActiveEvents  int64      `json:"active_events"`
	MergedEvents  int64      `json:"merged_events"`
	MergeAudits   int64      `json:"merge_audits"`
	LastMergeAt   *time.Time `json:"last_merge_at,omitempty"`
	LastScanAt    *time.Time `json:"last_scan_at,omitempty"`
	DistinctSrcs  int64      `json:"distinct_sources"`
}

// QueryEngineStats aggregates store counters.
func (p *Pool) QueryEngineStats(ctx context.Context) (EngineStats, error) {
	const q = `
SELECT
	(SELECT COUNT(*) FROM marquee.events WHERE status = 'active'),
	(SELECT COUNT(*) FROM marquee.events WHERE status = 'merged'),
	(SELECT COUNT(*) FROM marquee.merge_audits),
	(SELECT MAX(created_at) FROM marquee.merge_audits),
	(SELECT MAX(created_at) FROM marquee.scan_reports),
	(SELECT COUNT(DISTINCT source) FROM marquee.events)`
	var stats EngineStats
	err := p.QueryRow(ctx, q).Scan(
		&stats.ActiveEvents, &stats.MergedEvents, &stats.MergeAudits,
		&stats.LastMergeAt, &stats.LastScanAt, &stats.DistinctSrcs,
	)
	if err != nil {
		return EngineStats{}, fmt.Errorf("query engine stats: %w", err)
	}
	return stats, nil
}
