// Package httpapi serves the engine's review surface: event lookups,
// merge history, engine stats and an ingest endpoint that runs new
// listings through realtime duplicate detection.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"horse.fit/marquee/internal/cache"
	"horse.fit/marquee/internal/db"
	"horse.fit/marquee/internal/event"
	"horse.fit/marquee/internal/globaltime"
	"horse.fit/marquee/internal/merge"
	"horse.fit/marquee/internal/pipeline"
	payloadschema "horse.fit/marquee/schema"
)

const (
	defaultAuditLimit = 50
	maxIngestBody     = 1 << 20
)

type Options struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// EventStore is the persistence surface the handlers need; *db.Pool
// implements it.
type EventStore interface {
	GetEventByUUID(ctx context.Context, eventUUID string) (*event.Event, error)
	GetEventByID(ctx context.Context, eventID int64) (*event.Event, error)
	ListAuditForEvent(ctx context.Context, eventID int64, limit int) ([]db.AuditEntry, error)
	QueryEngineStats(ctx context.Context) (db.EngineStats, error)
	UpsertEvent(ctx context.Context, ev event.Event) (event.Event, bool, error)
}

// Processor is the pipeline surface the handlers need; implemented by
// *pipeline.Service.
type Processor interface {
	ProcessEvent(ctx context.Context, ev event.Event) (*pipeline.ProcessResult, error)
	Enqueue(ev event.Event) bool
	QueueDepth() int
	CacheStats() map[string]cache.Stats
	ClusterStats() (clusters, members int)
}

// Merger previews merge decisions without executing them.
type Merger interface {
	CreateDecision(primary event.Event, duplicates []event.Event, override merge.Strategy) (merge.Decision, error)
	Validate(d merge.Decision) merge.ValidationResult
}

type Server struct {
	store  EventStore
	proc   Processor
	merger Merger
	logger zerolog.Logger
	opts   Options
}

func NewServer(store EventStore, proc Processor, merger Merger, logger zerolog.Logger, opts Options) *Server {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = "0.0.0.0"
	}
	port := opts.Port
	if port <= 0 {
		port = 8090
	}
	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}
	shutdownTimeout := opts.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}

	return &Server{
		store:  store,
		proc:   proc,
		merger: merger,
		logger: logger,
		opts: Options{
			Host:            host,
			Port:            port,
			ReadTimeout:     readTimeout,
			WriteTimeout:    writeTimeout,
			ShutdownTimeout: shutdownTimeout,
		},
	}
}

func (s *Server) Start(ctx context.Context) error {
	if s == nil || s.store == nil {
		return fmt.Errorf("server is not initialized")
	}

	e := s.buildEcho()

	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      e,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if shutdownErr := e.Shutdown(shutdownCtx); shutdownErr != nil {
			s.logger.Error().Err(shutdownErr).Msg("server shutdown failed")
		}
	}()

	s.logger.Info().Str("addr", addr).Msg("marquee api server started")

	if err := e.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start server: %w", err)
	}
	s.logger.Info().Msg("marquee api server stopped")
	return nil
}

func (s *Server) buildEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.httpErrorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
		MaxAge:       3600,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				s.logger.Error().
					Err(v.Error).
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Str("remote_ip", v.RemoteIP).
					Str("request_id", v.RequestID).
					Msg("http request failed")
				return nil
			}

			s.logger.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("remote_ip", v.RemoteIP).
				Str("request_id", v.RequestID).
				Msg("http request")
			return nil
		},
	}))

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api/v1")
	api.GET("/health", s.handleHealth)
	api.GET("/stats", s.handleStats)
	api.GET("/events/:event_uuid", s.handleEventDetail)
	api.GET("/events/:event_uuid/audit", s.handleEventAudit)
	api.POST("/events", s.handleIngest)
	api.POST("/decisions/preview", s.handleDecisionPreview)

	return e
}

func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := "Internal server error"
	if he, ok := err.(*echo.HTTPError); ok {
		status = he.Code
		switch v := he.Message.(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				message = v
			}
		default:
			if text := strings.TrimSpace(http.StatusText(status)); text != "" {
				message = text
			}
		}
	} else if err != nil {
		message = err.Error()
	}

	if status >= 500 {
		_ = internalError(c, "Internal server error")
		return
	}
	_ = fail(c, status, message, nil)
}

func (s *Server) handleHealth(c echo.Context) error {
	return success(c, map[string]any{
		"service": "marquee",
		"time":    globaltime.UTC(),
	})
}

type statsResponse struct {
	Engine     db.EngineStats         `json:"engine"`
	Caches     map[string]cache.Stats `json:"caches"`
	Clusters   int                    `json:"clusters"`
	Members    int                    `json:"cluster_members"`
	QueueDepth int                    `json:"queue_depth"`
}

func (s *Server) handleStats(c echo.Context) error {
	engine, err := s.store.QueryEngineStats(c.Request().Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("query stats failed")
		return internalError(c, "Failed to load stats")
	}
	clusters, members := s.proc.ClusterStats()
	return success(c, statsResponse{
		Engine:     engine,
		Caches:     s.proc.CacheStats(),
		Clusters:   clusters,
		Members:    members,
		QueueDepth: s.proc.QueueDepth(),
	})
}

func (s *Server) handleEventDetail(c echo.Context) error {
	eventUUID := strings.TrimSpace(c.Param("event_uuid"))
	if eventUUID == "" {
		return fail(c, http.StatusBadRequest, "event_uuid is required", nil)
	}

	ev, err := s.store.GetEventByUUID(c.Request().Context(), eventUUID)
	if err != nil {
		s.logger.Error().Err(err).Str("event_uuid", eventUUID).Msg("load event failed")
		return internalError(c, "Failed to load event")
	}
	if ev == nil {
		return failNotFound(c, "Event not found")
	}
	return success(c, ev)
}

func (s *Server) handleEventAudit(c echo.Context) error {
	eventUUID := strings.TrimSpace(c.Param("event_uuid"))
	if eventUUID == "" {
		return fail(c, http.StatusBadRequest, "event_uuid is required", nil)
	}

	ctx := c.Request().Context()
	ev, err := s.store.GetEventByUUID(ctx, eventUUID)
	if err != nil {
		s.logger.Error().Err(err).Str("event_uuid", eventUUID).Msg("load event failed")
		return internalError(c, "Failed to load event")
	}
	if ev == nil {
		return failNotFound(c, "Event not found")
	}

	entries, err := s.store.ListAuditForEvent(ctx, ev.ID, defaultAuditLimit)
	if err != nil {
		s.logger.Error().Err(err).Int64("event_id", ev.ID).Msg("load audit failed")
		return internalError(c, "Failed to load merge history")
	}
	return success(c, map[string]any{
		"event_id": ev.ID,
		"entries":  entries,
	})
}

type ingestResponse struct {
	Event    event.Event      `json:"event"`
	Inserted bool             `json:"inserted"`
	Queued   bool             `json:"queued,omitempty"`
	Matches  []pipeline.Match `json:"matches,omitempty"`
	Merged   bool             `json:"merged"`
	Warnings []string         `json:"warnings,omitempty"`
}

// handleIngest validates a listing payload, stores it and runs it
// through realtime detection. With ?mode=queue the event is enqueued
// for incremental processing instead.
func (s *Server) handleIngest(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxIngestBody))
	if err != nil {
		return fail(c, http.StatusBadRequest, "failed to read request body", nil)
	}

	listing, err := payloadschema.ValidateEventListingPayload(body)
	if err != nil {
		return fail(c, http.StatusBadRequest, err.Error(), nil)
	}
	incoming, err := listing.ToEvent()
	if err != nil {
		return fail(c, http.StatusBadRequest, err.Error(), nil)
	}

	ctx := c.Request().Context()
	stored, inserted, err := s.store.UpsertEvent(ctx, incoming)
	if err != nil {
		s.logger.Error().Err(err).Str("source", incoming.Source).Str("external_id", incoming.ExternalID).Msg("upsert event failed")
		return internalError(c, "Failed to store event")
	}

	resp := ingestResponse{Event: stored, Inserted: inserted}
	if c.QueryParam("mode") == "queue" {
		resp.Queued = s.proc.Enqueue(stored)
		return successWithStatus(c, http.StatusAccepted, resp)
	}

	result, err := s.proc.ProcessEvent(ctx, stored)
	if err != nil {
		s.logger.Error().Err(err).Int64("event_id", stored.ID).Msg("realtime processing failed")
		return internalError(c, "Event stored but processing failed")
	}
	resp.Event = result.Event
	resp.Matches = result.Matches
	resp.Merged = result.Merged
	resp.Warnings = result.Warnings
	return successWithStatus(c, http.StatusCreated, resp)
}

type decisionPreviewRequest struct {
	PrimaryID    int64   `json:"primary_id"`
	DuplicateIDs []int64 `json:"duplicate_ids"`
	Strategy     string  `json:"strategy,omitempty"`
}

type decisionPreviewResponse struct {
	Decision   merge.Decision         `json:"decision"`
	Validation merge.ValidationResult `json:"validation"`
}

// handleDecisionPreview builds and validates a merge decision without
// executing it, for manual review tooling.
func (s *Server) handleDecisionPreview(c echo.Context) error {
	var req decisionPreviewRequest
	if err := json.NewDecoder(io.LimitReader(c.Request().Body, maxIngestBody)).Decode(&req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid JSON body", nil)
	}
	if req.PrimaryID == 0 || len(req.DuplicateIDs) == 0 {
		return fail(c, http.StatusBadRequest, "primary_id and duplicate_ids are required", nil)
	}

	ctx := c.Request().Context()
	primary, err := s.store.GetEventByID(ctx, req.PrimaryID)
	if err != nil {
		s.logger.Error().Err(err).Int64("event_id", req.PrimaryID).Msg("load primary failed")
		return internalError(c, "Failed to load primary event")
	}
	if primary == nil {
		return failNotFound(c, "Primary event not found")
	}

	duplicates := make([]event.Event, 0, len(req.DuplicateIDs))
	for _, id := range req.DuplicateIDs {
		dup, err := s.store.GetEventByID(ctx, id)
		if err != nil {
			s.logger.Error().Err(err).Int64("event_id", id).Msg("load duplicate failed")
			return internalError(c, "Failed to load duplicate event")
		}
		if dup == nil {
			return failNotFound(c, fmt.Sprintf("Duplicate event %d not found", id))
		}
		duplicates = append(duplicates, *dup)
	}

	decision, err := s.merger.CreateDecision(*primary, duplicates, merge.Strategy(req.Strategy))
	if err != nil {
		return fail(c, http.StatusBadRequest, err.Error(), nil)
	}
	return success(c, decisionPreviewResponse{
		Decision:   decision,
		Validation: s.merger.Validate(decision),
	})
}
