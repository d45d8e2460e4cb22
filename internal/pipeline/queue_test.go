package pipeline

import (
	"testing"
	"time"

	"horse.fit/marquee/internal/event"
	"horse.fit/marquee/internal/globaltime"
)

func queuedEvent(id int64, featured bool, updatedAt time.Time) event.Event {
	return event.Event{
		ID:        id,
		Featured:  featured,
		Status:    event.StatusActive,
		UpdatedAt: updatedAt,
	}
}

func TestWorkQueue_FeaturedDrainsFirst(t *testing.T) {
	globaltime.SetMockTime(time.Date(2026, 9, 10, 12, 0, 0, 0, time.UTC))
	defer globaltime.ResetTime()

	now := globaltime.Now()
	q := newWorkQueue()
	q.push(queuedEvent(1, false, now))
	q.push(queuedEvent(2, true, now.Add(-72*time.Hour)))
	q.push(queuedEvent(3, false, now.Add(-24*time.Hour)))

	var order []int64
	for {
		item, ok := q.pop()
		if !ok {
			break
		}
		order = append(order, item.eventID)
	}
	want := []int64{2, 1, 3}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("drain order = %v, want %v", order, want)
		}
	}
}

func TestWorkQueue_FIFOAmongEqualPriorities(t *testing.T) {
	globaltime.SetMockTime(time.Date(2026, 9, 10, 12, 0, 0, 0, time.UTC))
	defer globaltime.ResetTime()

	now := globaltime.Now()
	q := newWorkQueue()
	for id := int64(1); id <= 4; id++ {
		q.push(queuedEvent(id, false, now))
	}
	for id := int64(1); id <= 4; id++ {
		item, ok := q.pop()
		if !ok || item.eventID != id {
			t.Fatalf("pop = %v, want event %d", item, id)
		}
	}
}

func TestWorkQueue_RetryDemotesBelowFreshWork(t *testing.T) {
	globaltime.SetMockTime(time.Date(2026, 9, 10, 12, 0, 0, 0, time.UTC))
	defer globaltime.ResetTime()

	now := globaltime.Now()
	q := newWorkQueue()
	q.push(queuedEvent(1, false, now))

	item, _ := q.pop()
	q.retry(item)
	if item.attempts != 1 {
		t.Fatalf("attempts = %d, want 1", item.attempts)
	}

	q.push(queuedEvent(2, false, now))
	next, _ := q.pop()
	if next.eventID != 2 {
		t.Fatalf("pop = event %d, want fresh event 2 ahead of retried 1", next.eventID)
	}
}

func TestWorkQueue_PushDeduplicates(t *testing.T) {
	q := newWorkQueue()
	ev := queuedEvent(1, false, time.Now())
	if !q.push(ev) {
		t.Fatal("first push rejected")
	}
	if q.push(ev) {
		t.Fatal("second push accepted")
	}
	if q.depth() != 1 {
		t.Fatalf("depth = %d, want 1", q.depth())
	}
}
