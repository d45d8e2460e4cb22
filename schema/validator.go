package payloadschema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"horse.fit/marquee/internal/event"
)

//go:embed event_listing.schema.json
var eventListingSchemaJSON string

// EventListing is the ingest payload accepted from source connectors.
type EventListing struct {
	PayloadVersion  string   `json:"payload_version"`
	Source          string   `json:"source"`
	ExternalID      string   `json:"external_id"`
	Title           string   `json:"title"`
	Description     *string  `json:"description,omitempty"`
	Category        *string  `json:"category,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	StartTime       *string  `json:"start_time,omitempty"`
	EndTime         *string  `json:"end_time,omitempty"`
	Timezone        *string  `json:"timezone,omitempty"`
	VenueName       *string  `json:"venue_name,omitempty"`
	Address         *string  `json:"address,omitempty"`
	Latitude        *float64 `json:"latitude,omitempty"`
	Longitude       *float64 `json:"longitude,omitempty"`
	PriceMin        *float64 `json:"price_min,omitempty"`
	PriceMax        *float64 `json:"price_max,omitempty"`
	Currency        *string  `json:"currency,omitempty"`
	IsFree          *bool    `json:"is_free,omitempty"`
	ImageURLs       []string `json:"image_urls,omitempty"`
	TicketURL       *string  `json:"ticket_url,omitempty"`
	Featured        *bool    `json:"featured,omitempty"`
	SourceUpdatedAt *string  `json:"source_updated_at,omitempty"`
}

var (
	compileOnce       sync.Once
	compiledSchema    *jsonschema.Schema
	compiledSchemaErr error
)

// ValidateEventListingPayload checks a raw payload against the listing
// schema plus semantic rules the schema cannot express, and returns the
// decoded listing.
func ValidateEventListingPayload(payload json.RawMessage) (*EventListing, error) {
	value, err := decodeStrictJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload JSON: %w", err)
	}

	schema, err := loadSchema()
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}

	if err := schema.Validate(value); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	normalized, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("normalize payload JSON: %w", err)
	}

	var listing EventListing
	if err := json.Unmarshal(normalized, &listing); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}

	if err := validateSemantics(&listing); err != nil {
		return nil, err
	}

	return &listing, nil
}

// ToEvent converts a validated listing into the domain type. The raw
// title is kept verbatim; normalization happens at fingerprint time.
func (l *EventListing) ToEvent() (event.Event, error) {
	ev := event.Event{
		ExternalID: l.ExternalID,
		Source:     l.Source,
		Title:      l.Title,
		Tags:       l.Tags,
		Latitude:   l.Latitude,
		Longitude:  l.Longitude,
		PriceMin:   l.PriceMin,
		PriceMax:   l.PriceMax,
		ImageURLs:  l.ImageURLs,
		Status:     event.StatusActive,
	}
	if l.Description != nil {
		ev.Description = *l.Description
	}
	if l.Category != nil {
		ev.Category = *l.Category
	}
	if l.Timezone != nil {
		ev.Timezone = *l.Timezone
	}
	if l.VenueName != nil {
		ev.VenueName = *l.VenueName
	}
	if l.Address != nil {
		ev.Address = *l.Address
	}
	if l.Currency != nil {
		ev.Currency = *l.Currency
	}
	if l.IsFree != nil {
		ev.IsFree = *l.IsFree
	}
	if l.TicketURL != nil {
		ev.TicketURL = *l.TicketURL
	}
	if l.Featured != nil {
		ev.Featured = *l.Featured
	}

	var err error
	if ev.StartTime, err = parseTimePtr("start_time", l.StartTime); err != nil {
		return event.Event{}, err
	}
	if ev.EndTime, err = parseTimePtr("end_time", l.EndTime); err != nil {
		return event.Event{}, err
	}
	if ev.SourceUpdatedAt, err = parseTimePtr("source_updated_at", l.SourceUpdatedAt); err != nil {
		return event.Event{}, err
	}
	return ev, nil
}

func parseTimePtr(fieldName string, value *string) (*time.Time, error) {
	if value == nil {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(*value))
	if err != nil {
		return nil, fmt.Errorf("%s must be RFC3339: %w", fieldName, err)
	}
	utc := parsed.UTC()
	return &utc, nil
}

func loadSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		compiler.AssertFormat = true

		if err := compiler.AddResource("event_listing.schema.json", strings.NewReader(eventListingSchemaJSON)); err != nil {
			compiledSchemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}

		schema, err := compiler.Compile("event_listing.schema.json")
		if err != nil {
			compiledSchemaErr = fmt.Errorf("compile schema: %w", err)
			return
		}

		compiledSchema = schema
	})

	if compiledSchemaErr != nil {
		return nil, compiledSchemaErr
	}
	if compiledSchema == nil {
		return nil, fmt.Errorf("schema not initialized")
	}
	return compiledSchema, nil
}

func decodeStrictJSON(raw []byte) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("payload is empty")
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("payload contains trailing content")
	}

	return value, nil
}

func validateSemantics(listing *EventListing) error {
	if listing == nil {
		return fmt.Errorf("payload is nil")
	}

	if strings.TrimSpace(listing.Source) == "" {
		return fmt.Errorf("source must not be empty")
	}
	if strings.TrimSpace(listing.ExternalID) == "" {
		return fmt.Errorf("external_id must not be empty")
	}
	if strings.TrimSpace(listing.Title) == "" {
		return fmt.Errorf("title must not be empty")
	}
	if strings.TrimSpace(listing.PayloadVersion) != "v1" {
		return fmt.Errorf("payload_version must be v1")
	}

	for _, field := range []struct {
		name  string
		value *string
	}{
		{"start_time", listing.StartTime},
		{"end_time", listing.EndTime},
		{"source_updated_at", listing.SourceUpdatedAt},
	} {
		if field.value == nil {
			continue
		}
		if _, err := time.Parse(time.RFC3339, strings.TrimSpace(*field.value)); err != nil {
			return fmt.Errorf("%s must be RFC3339: %w", field.name, err)
		}
	}

	if listing.TicketURL != nil {
		if err := validateURI("ticket_url", *listing.TicketURL); err != nil {
			return err
		}
	}
	for i, image := range listing.ImageURLs {
		if err := validateURI(fmt.Sprintf("image_urls[%d]", i), image); err != nil {
			return err
		}
	}

	if (listing.Latitude == nil) != (listing.Longitude == nil) {
		return fmt.Errorf("latitude and longitude must be provided together")
	}
	if listing.PriceMin != nil && listing.PriceMax != nil && *listing.PriceMin > *listing.PriceMax {
		return fmt.Errorf("price_min must not exceed price_max")
	}

	for i, tag := range listing.Tags {
		if strings.TrimSpace(tag) == "" {
			return fmt.Errorf("tags[%d] must not be empty", i)
		}
	}

	return nil
}

func validateURI(fieldName, value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("%s must not be empty", fieldName)
	}
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return fmt.Errorf("%s is not a valid URI: %w", fieldName, err)
	}
	return nil
}
