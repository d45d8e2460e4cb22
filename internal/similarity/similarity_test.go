package similarity

import (
	"testing"
	"time"

	"horse.fit/marquee/internal/event"
	"horse.fit/marquee/internal/fingerprint"
)

func testConfig() Config {
	return Config{
		Weights: Weights{
			Title:    0.35,
			Venue:    0.20,
			Time:     0.25,
			Location: 0.15,
			Price:    0.05,
		},
		Floors: Floors{
			Title:    0.30,
			Time:     0.20,
			Location: 0.10,
		},
		OverallThreshold: 0.75,
		TimeWindow:       48 * time.Hour,
		MaxDistanceKM:    2,
	}
}

func fpOf(t *testing.T, ev event.Event) fingerprint.Fingerprint {
	t.Helper()
	return fingerprint.Build(ev)
}

func ptrF(v float64) *float64 { return &v }

func ptrT(v time.Time) *time.Time { return &v }

func TestCompare_Symmetric(t *testing.T) {
	t.Parallel()

	engine := NewEngine(testConfig())
	a := fpOf(t, event.Event{
		ID: 1, Title: "Jazz Night", VenueName: "Blue Note",
		StartTime: ptrT(time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)),
		Latitude:  ptrF(40.7306), Longitude: ptrF(-73.9352),
		PriceMin: ptrF(25),
	})
	b := fpOf(t, event.Event{
		ID: 2, Title: "jazz night!!", VenueName: "The Blue Note Club",
		StartTime: ptrT(time.Date(2025, 6, 1, 20, 30, 0, 0, time.UTC)),
		Latitude:  ptrF(40.7307), Longitude: ptrF(-73.9353),
	})

	ab := engine.Compare(a, b)
	ba := engine.Compare(b, a)
	if ab.Overall != ba.Overall {
		t.Fatalf("expected symmetric overall: %f vs %f", ab.Overall, ba.Overall)
	}
}

func TestCompare_IdenticalEvents(t *testing.T) {
	t.Parallel()

	engine := NewEngine(testConfig())
	fp := fpOf(t, event.Event{
		ID: 1, Title: "Jazz Night", VenueName: "Blue Note",
		StartTime: ptrT(time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)),
		Latitude:  ptrF(40.7306), Longitude: ptrF(-73.9352),
		PriceMin: ptrF(25),
	})

	r := engine.Compare(fp, fp)
	if r.Overall != 1 {
		t.Fatalf("expected overall 1.0 for identical fingerprints, got %f", r.Overall)
	}
	if !engine.IsDuplicate(r) {
		t.Fatalf("expected identical fingerprints to qualify as duplicates")
	}
}

func TestCompare_MissingLocationRenormalizesWeights(t *testing.T) {
	t.Parallel()

	engine := NewEngine(testConfig())
	start := time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)
	withLoc := event.Event{
		ID: 1, Title: "Jazz Night", VenueName: "Blue Note",
		StartTime: &start,
		Latitude:  ptrF(40.7306), Longitude: ptrF(-73.9352),
		PriceMin: ptrF(25),
	}
	noLoc := withLoc
	noLoc.ID = 2
	noLoc.Latitude = nil
	noLoc.Longitude = nil

	r := engine.Compare(fpOf(t, withLoc), fpOf(t, noLoc))
	if r.Location.Present {
		t.Fatalf("expected location to be excluded when one side lacks coordinates")
	}
	// All the remaining fields agree exactly; renormalization must keep
	// the overall at 1.0 rather than diluting it with the missing field.
	if r.Overall != 1 {
		t.Fatalf("expected renormalized overall 1.0, got %f", r.Overall)
	}
}

func TestCompare_ScenarioA_CrossSourceDuplicate(t *testing.T) {
	t.Parallel()

	engine := NewEngine(testConfig())
	primary := fpOf(t, event.Event{
		ID: 1, Title: "Jazz Night", VenueName: "Blue Note",
		StartTime: ptrT(time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)),
	})
	duplicate := fpOf(t, event.Event{
		ID: 2, Title: "jazz night!!", VenueName: "The Blue Note Club",
		StartTime: ptrT(time.Date(2025, 6, 1, 20, 30, 0, 0, time.UTC)),
		PriceMin:  ptrF(25),
	})

	r := engine.Compare(primary, duplicate)
	if r.Title.Score != 1 {
		t.Fatalf("expected punctuation-only title variation to score 1.0, got %f", r.Title.Score)
	}
	if r.Time.Score != 1 {
		t.Fatalf("expected same-hour starts to share a bucket, got %f", r.Time.Score)
	}
	if !engine.IsDuplicate(r) {
		t.Fatalf("expected scenario A pair to qualify as duplicates, overall=%f", r.Overall)
	}
}

func TestCompare_ScenarioB_DistanceFloorRejects(t *testing.T) {
	t.Parallel()

	engine := NewEngine(testConfig())
	start := time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)
	a := fpOf(t, event.Event{
		ID: 1, Title: "Jazz Night", VenueName: "Blue Note",
		StartTime: &start,
		Latitude:  ptrF(40.7306), Longitude: ptrF(-73.9352),
	})
	// Roughly 5 km north.
	b := fpOf(t, event.Event{
		ID: 2, Title: "Jazz Night", VenueName: "Blue Note",
		StartTime: &start,
		Latitude:  ptrF(40.7756), Longitude: ptrF(-73.9352),
	})

	r := engine.Compare(a, b)
	if r.Title.Score != 1 || r.Time.Score != 1 {
		t.Fatalf("expected identical title/time scores of 1.0, got title=%f time=%f", r.Title.Score, r.Time.Score)
	}
	if r.Location.Score != 0 {
		t.Fatalf("expected 5 km apart to floor location at 0, got %f", r.Location.Score)
	}
	if engine.IsDuplicate(r) {
		t.Fatalf("expected location floor to reject the pair, overall=%f", r.Overall)
	}
}

func TestCompare_TimeWindowDecay(t *testing.T) {
	t.Parallel()

	engine := NewEngine(testConfig())
	base := time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)
	a := fpOf(t, event.Event{ID: 1, Title: "x", StartTime: &base})

	day := base.Add(24 * time.Hour)
	mid := engine.Compare(a, fpOf(t, event.Event{ID: 2, Title: "x", StartTime: &day}))
	if mid.Time.Score <= 0 || mid.Time.Score >= 1 {
		t.Fatalf("expected partial decay inside the window, got %f", mid.Time.Score)
	}

	far := base.Add(72 * time.Hour)
	beyond := engine.Compare(a, fpOf(t, event.Event{ID: 3, Title: "x", StartTime: &far}))
	if beyond.Time.Score != 0 {
		t.Fatalf("expected 0 past the window, got %f", beyond.Time.Score)
	}
}

func TestCompare_ConfidenceBounds(t *testing.T) {
	t.Parallel()

	engine := NewEngine(testConfig())
	cases := []event.Event{
		{},
		{ID: 1, Title: "a"},
		{ID: 2, Title: "Fully Disjoint Listing", VenueName: "Elsewhere"},
		{ID: 3, Title: "Jazz Night", VenueName: "Blue Note", IsFree: true},
	}
	for _, left := range cases {
		for _, right := range cases {
			r := engine.Compare(fpOf(t, left), fpOf(t, right))
			for name, fs := range map[string]FieldScore{
				"title": r.Title, "venue": r.Venue, "time": r.Time,
				"location": r.Location, "price": r.Price,
			} {
				if fs.Score < 0 || fs.Score > 1 {
					t.Fatalf("%s score out of bounds: %f", name, fs.Score)
				}
			}
			if r.Overall < 0 || r.Overall > 1 {
				t.Fatalf("overall out of bounds: %f", r.Overall)
			}
		}
	}
}

func TestPriceScore_Signatures(t *testing.T) {
	t.Parallel()

	engine := NewEngine(testConfig())

	freeA := fpOf(t, event.Event{ID: 1, Title: "x", IsFree: true})
	freeB := fpOf(t, event.Event{ID: 2, Title: "x", IsFree: true})
	if r := engine.Compare(freeA, freeB); r.Price.Score != 1 {
		t.Fatalf("expected free/free price score 1.0, got %f", r.Price.Score)
	}

	paid := fpOf(t, event.Event{ID: 3, Title: "x", PriceMin: ptrF(25)})
	if r := engine.Compare(freeA, paid); r.Price.Score != 0 {
		t.Fatalf("expected free/paid price score 0, got %f", r.Price.Score)
	}

	unknown := fpOf(t, event.Event{ID: 4, Title: "x"})
	if r := engine.Compare(paid, unknown); r.Price.Present {
		t.Fatalf("expected unknown price to be excluded, got %+v", r.Price)
	}

	overlapping := fpOf(t, event.Event{ID: 5, Title: "x", PriceMin: ptrF(20), PriceMax: ptrF(40)})
	if r := engine.Compare(paid, overlapping); r.Price.Score != 0.5 {
		t.Fatalf("expected partial overlap score 0.5, got %f", r.Price.Score)
	}
}
