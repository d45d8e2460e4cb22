package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"horse.fit/marquee/internal/cache"
	"horse.fit/marquee/internal/db"
	"horse.fit/marquee/internal/event"
	"horse.fit/marquee/internal/merge"
	"horse.fit/marquee/internal/pipeline"
)

type fakeEventStore struct {
	eventsByID   map[int64]*event.Event
	eventsByUUID map[string]*event.Event
	audits       map[int64][]db.AuditEntry
	stats        db.EngineStats
	statsErr     error
	upsertCalls  int
	nextID       int64
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{
		eventsByID:   map[int64]*event.Event{},
		eventsByUUID: map[string]*event.Event{},
		audits:       map[int64][]db.AuditEntry{},
		nextID:       100,
	}
}

func (s *fakeEventStore) add(ev event.Event) {
	copyEvent := ev.Clone()
	s.eventsByID[ev.ID] = &copyEvent
	if ev.EventUUID != "" {
		s.eventsByUUID[ev.EventUUID] = &copyEvent
	}
}

func (s *fakeEventStore) GetEventByUUID(_ context.Context, eventUUID string) (*event.Event, error) {
	row, exists := s.eventsByUUID[eventUUID]
	if !exists {
		return nil, nil
	}
	copyEvent := row.Clone()
	return &copyEvent, nil
}

func (s *fakeEventStore) GetEventByID(_ context.Context, eventID int64) (*event.Event, error) {
	row, exists := s.eventsByID[eventID]
	if !exists {
		return nil, nil
	}
	copyEvent := row.Clone()
	return &copyEvent, nil
}

func (s *fakeEventStore) ListAuditForEvent(_ context.Context, eventID int64, _ int) ([]db.AuditEntry, error) {
	return s.audits[eventID], nil
}

func (s *fakeEventStore) QueryEngineStats(_ context.Context) (db.EngineStats, error) {
	if s.statsErr != nil {
		return db.EngineStats{}, s.statsErr
	}
	return s.stats, nil
}

func (s *fakeEventStore) UpsertEvent(_ context.Context, ev event.Event) (event.Event, bool, error) {
	s.upsertCalls++
	key := ev.Source + "/" + ev.ExternalID
	for _, existing := range s.eventsByID {
		if existing.Source+"/"+existing.ExternalID == key {
			updated := ev.Clone()
			updated.ID = existing.ID
			updated.EventUUID = existing.EventUUID
			s.add(updated)
			return updated, false, nil
		}
	}

	s.nextID++
	stored := ev.Clone()
	stored.ID = s.nextID
	stored.EventUUID = fmt.Sprintf("00000000-0000-0000-0000-%012d", s.nextID)
	s.add(stored)
	return stored, true, nil
}

type fakeProcessor struct {
	result       *pipeline.ProcessResult
	processErr   error
	processCalls int
	enqueued     []event.Event
	queueDepth   int
}

func (p *fakeProcessor) ProcessEvent(_ context.Context, ev event.Event) (*pipeline.ProcessResult, error) {
	p.processCalls++
	if p.processErr != nil {
		return nil, p.processErr
	}
	if p.result != nil {
		return p.result, nil
	}
	return &pipeline.ProcessResult{Event: ev}, nil
}

func (p *fakeProcessor) Enqueue(ev event.Event) bool {
	p.enqueued = append(p.enqueued, ev)
	p.queueDepth++
	return true
}

func (p *fakeProcessor) QueueDepth() int { return p.queueDepth }

func (p *fakeProcessor) CacheStats() map[string]cache.Stats {
	return map[string]cache.Stats{"similarity": {Hits: 3, Misses: 1, Entries: 2}}
}

func (p *fakeProcessor) ClusterStats() (int, int) { return 2, 5 }

func testServer(store *fakeEventStore, proc *fakeProcessor) *Server {
	return &Server{
		store:  store,
		proc:   proc,
		merger: merge.NewEngine(0.60, zerolog.Nop()),
		logger: zerolog.Nop(),
	}
}

func newJSONContext(
	method string,
	path string,
	body string,
) (*echo.Echo, echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return e, e.NewContext(req, rec), rec
}

func decodeJSend(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var decoded map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
	return decoded
}

func listedEvent() event.Event {
	start := time.Date(2026, 9, 12, 20, 0, 0, 0, time.UTC)
	return event.Event{
		ID:         41,
		EventUUID:  "7a1f0c2e-9a44-4a7d-8a5e-1d2b3c4d5e6f",
		Source:     "ticketmaster",
		ExternalID: "tm-41",
		Title:      "Jazz Night at the Blue Note",
		Category:   "music",
		StartTime:  &start,
		VenueName:  "Blue Note",
		Status:     event.StatusActive,
	}
}

func TestHandleHealth_ReportsServiceName(t *testing.T) {
	t.Parallel()

	server := testServer(newFakeEventStore(), &fakeProcessor{})
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()

	if err := server.handleHealth(e.NewContext(req, rec)); err != nil {
		t.Fatalf("handleHealth returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: got %d want %d", rec.Code, http.StatusOK)
	}

	decoded := decodeJSend(t, rec)
	if decoded["status"] != "success" {
		t.Fatalf("unexpected jsend status: %#v", decoded["status"])
	}
	data, _ := decoded["data"].(map[string]any)
	if data["service"] != "marquee" {
		t.Fatalf("unexpected service name: %#v", data["service"])
	}
}

func TestHandleStats_CombinesStoreAndPipeline(t *testing.T) {
	t.Parallel()

	store := newFakeEventStore()
	store.stats = db.EngineStats{ActiveEvents: 12, MergedEvents: 3, MergeAudits: 3}
	proc := &fakeProcessor{queueDepth: 4}
	server := testServer(store, proc)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	rec := httptest.NewRecorder()

	if err := server.handleStats(e.NewContext(req, rec)); err != nil {
		t.Fatalf("handleStats returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: got %d want %d", rec.Code, http.StatusOK)
	}

	decoded := decodeJSend(t, rec)
	data, _ := decoded["data"].(map[string]any)
	engine, _ := data["engine"].(map[string]any)
	if engine["active_events"] != float64(12) {
		t.Fatalf("unexpected active_events: %#v", engine["active_events"])
	}
	if data["clusters"] != float64(2) || data["cluster_members"] != float64(5) {
		t.Fatalf("unexpected cluster stats: %#v", data)
	}
	if data["queue_depth"] != float64(4) {
		t.Fatalf("unexpected queue depth: %#v", data["queue_depth"])
	}
}

func TestHandleEventDetail_ReturnsStoredEvent(t *testing.T) {
	t.Parallel()

	store := newFakeEventStore()
	store.add(listedEvent())
	server := testServer(store, &fakeProcessor{})

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events/7a1f0c2e-9a44-4a7d-8a5e-1d2b3c4d5e6f", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("event_uuid")
	c.SetParamValues("7a1f0c2e-9a44-4a7d-8a5e-1d2b3c4d5e6f")

	if err := server.handleEventDetail(c); err != nil {
		t.Fatalf("handleEventDetail returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: got %d want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), "Jazz Night at the Blue Note") {
		t.Fatalf("expected event title in response, got %s", rec.Body.String())
	}
}

func TestHandleEventDetail_UnknownUUIDReturnsNotFound(t *testing.T) {
	t.Parallel()

	server := testServer(newFakeEventStore(), &fakeProcessor{})

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events/missing", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("event_uuid")
	c.SetParamValues("missing")

	if err := server.handleEventDetail(c); err != nil {
		t.Fatalf("handleEventDetail returned error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status: got %d want %d", rec.Code, http.StatusNotFound)
	}

	decoded := decodeJSend(t, rec)
	if decoded["status"] != "fail" {
		t.Fatalf("unexpected jsend status: %#v", decoded["status"])
	}
}

func TestHandleEventAudit_ListsMergeHistory(t *testing.T) {
	t.Parallel()

	store := newFakeEventStore()
	ev := listedEvent()
	store.add(ev)
	store.audits[ev.ID] = []db.AuditEntry{
		{MergeAuditUUID: "a-1", DecisionUUID: "d-1", PrimaryID: ev.ID, Strategy: "primary_wins", Confidence: 0.94},
	}
	server := testServer(store, &fakeProcessor{})

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events/"+ev.EventUUID+"/audit", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("event_uuid")
	c.SetParamValues(ev.EventUUID)

	if err := server.handleEventAudit(c); err != nil {
		t.Fatalf("handleEventAudit returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: got %d want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), "primary_wins") {
		t.Fatalf("expected audit entry in response, got %s", rec.Body.String())
	}
}

func TestHandleIngest_StoresAndProcessesValidPayload(t *testing.T) {
	t.Parallel()

	store := newFakeEventStore()
	proc := &fakeProcessor{}
	server := testServer(store, proc)

	payload := `{
		"payload_version": "v1",
		"source": "eventbrite",
		"external_id": "eb-900",
		"title": "Jazz Night at the Blue Note",
		"category": "music",
		"start_time": "2026-09-12T20:00:00Z"
	}`
	_, c, rec := newJSONContext(http.MethodPost, "/api/v1/events", payload)

	if err := server.handleIngest(c); err != nil {
		t.Fatalf("handleIngest returned error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status: got %d want %d", rec.Code, http.StatusCreated)
	}
	if store.upsertCalls != 1 {
		t.Fatalf("expected one upsert call, got %d", store.upsertCalls)
	}
	if proc.processCalls != 1 {
		t.Fatalf("expected one realtime processing call, got %d", proc.processCalls)
	}

	decoded := decodeJSend(t, rec)
	data, _ := decoded["data"].(map[string]any)
	if data["inserted"] != true {
		t.Fatalf("expected inserted=true, got %#v", data["inserted"])
	}
}

func TestHandleIngest_QueueModeEnqueuesWithoutProcessing(t *testing.T) {
	t.Parallel()

	store := newFakeEventStore()
	proc := &fakeProcessor{}
	server := testServer(store, proc)

	payload := `{
		"payload_version": "v1",
		"source": "eventbrite",
		"external_id": "eb-901",
		"title": "Pottery Workshop"
	}`
	_, c, rec := newJSONContext(http.MethodPost, "/api/v1/events?mode=queue", payload)

	if err := server.handleIngest(c); err != nil {
		t.Fatalf("handleIngest returned error: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: got %d want %d", rec.Code, http.StatusAccepted)
	}
	if proc.processCalls != 0 {
		t.Fatalf("did not expect realtime processing, got %d calls", proc.processCalls)
	}
	if len(proc.enqueued) != 1 {
		t.Fatalf("expected one enqueued event, got %d", len(proc.enqueued))
	}
}

func TestHandleIngest_RejectsInvalidPayload(t *testing.T) {
	t.Parallel()

	store := newFakeEventStore()
	proc := &fakeProcessor{}
	server := testServer(store, proc)

	_, c, rec := newJSONContext(http.MethodPost, "/api/v1/events", `{"payload_version":"v1","source":"eventbrite"}`)

	if err := server.handleIngest(c); err != nil {
		t.Fatalf("handleIngest returned error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: got %d want %d", rec.Code, http.StatusBadRequest)
	}
	if store.upsertCalls != 0 {
		t.Fatalf("did not expect upsert for invalid payload, got %d calls", store.upsertCalls)
	}
}

func TestHandleDecisionPreview_BuildsDecisionWithoutExecuting(t *testing.T) {
	t.Parallel()

	store := newFakeEventStore()
	primary := listedEvent()
	duplicate := listedEvent()
	duplicate.ID = 42
	duplicate.EventUUID = "8b2f0c2e-9a44-4a7d-8a5e-1d2b3c4d5e6f"
	duplicate.Source = "eventbrite"
	duplicate.ExternalID = "eb-42"
	duplicate.Description = "An intimate night of live jazz."
	store.add(primary)
	store.add(duplicate)
	server := testServer(store, &fakeProcessor{})

	_, c, rec := newJSONContext(
		http.MethodPost,
		"/api/v1/decisions/preview",
		`{"primary_id":41,"duplicate_ids":[42]}`,
	)

	if err := server.handleDecisionPreview(c); err != nil {
		t.Fatalf("handleDecisionPreview returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: got %d want %d", rec.Code, http.StatusOK)
	}

	decoded := decodeJSend(t, rec)
	data, _ := decoded["data"].(map[string]any)
	decision, _ := data["decision"].(map[string]any)
	if decision["primary_id"] != float64(41) {
		t.Fatalf("unexpected decision primary: %#v", decision["primary_id"])
	}
	preview, _ := decision["preview"].(map[string]any)
	if preview == nil {
		t.Fatalf("expected merged preview in decision, got %#v", decision)
	}

	if stored := store.eventsByID[42]; stored.Status != event.StatusActive {
		t.Fatalf("preview must not tombstone the duplicate, status=%q", stored.Status)
	}
}

func TestHandleDecisionPreview_RejectsUnknownStrategy(t *testing.T) {
	t.Parallel()

	store := newFakeEventStore()
	primary := listedEvent()
	duplicate := listedEvent()
	duplicate.ID = 42
	duplicate.EventUUID = "8b2f0c2e-9a44-4a7d-8a5e-1d2b3c4d5e6f"
	store.add(primary)
	store.add(duplicate)
	server := testServer(store, &fakeProcessor{})

	_, c, rec := newJSONContext(
		http.MethodPost,
		"/api/v1/decisions/preview",
		`{"primary_id":41,"duplicate_ids":[42],"strategy":"coin_flip"}`,
	)

	if err := server.handleDecisionPreview(c); err != nil {
		t.Fatalf("handleDecisionPreview returned error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: got %d want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleDecisionPreview_MissingPrimaryReturnsNotFound(t *testing.T) {
	t.Parallel()

	server := testServer(newFakeEventStore(), &fakeProcessor{})

	_, c, rec := newJSONContext(
		http.MethodPost,
		"/api/v1/decisions/preview",
		`{"primary_id":999,"duplicate_ids":[42]}`,
	)

	if err := server.handleDecisionPreview(c); err != nil {
		t.Fatalf("handleDecisionPreview returned error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status: got %d want %d", rec.Code, http.StatusNotFound)
	}
}
