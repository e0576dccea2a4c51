package clock

import (
	"testing"
	"time"
)

func TestFakeClockAdvance(t *testing.T) {
	start := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	c := Fake(start)
	c.Advance(90 * time.Minute)
	if got := c.Now(); !got.Equal(start.Add(90 * time.Minute)) {
		t.Fatalf("expected %v, got %v", start.Add(90*time.Minute), got)
	}
}

func TestDayUsesLocation(t *testing.T) {
	jakarta := time.FixedZone("WIB", 7*3600)
	// 18:30 UTC is already the next morning in Jakarta.
	moment := time.Date(2024, 3, 1, 18, 30, 0, 0, time.UTC)
	start, end := Day(moment, jakarta)
	wantStart := time.Date(2024, 3, 2, 0, 0, 0, 0, jakarta)
	if !start.Equal(wantStart) {
		t.Fatalf("expected start %v, got %v", wantStart, start)
	}
	if !end.Equal(wantStart.Add(24 * time.Hour)) {
		t.Fatalf("expected end %v, got %v", wantStart.Add(24*time.Hour), end)
	}
}

func TestSameDay(t *testing.T) {
	jakarta := time.FixedZone("WIB", 7*3600)
	a := time.Date(2024, 3, 1, 16, 59, 0, 0, time.UTC)
	b := time.Date(2024, 3, 1, 17, 0, 0, 0, time.UTC)
	if SameDay(a, b, jakarta) {
		t.Fatalf("expected %v and %v to be different days in WIB", a, b)
	}
	if !SameDay(a, b, time.UTC) {
		t.Fatalf("expected %v and %v to be the same UTC day", a, b)
	}
}
