package numbering

import (
	"context"
	"errors"
	"testing"
	"time"

	"qms/clinic-queue/internal/clock"
	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"
	"qms/clinic-queue/internal/store/memory"
)

var umum = models.Service{ServiceID: "umum", Name: "Umum", Prefix: "A-", Padding: 3, Active: true}

func TestNextSequentialSameDay(t *testing.T) {
	day := time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC)
	var last *models.Ticket
	for i := 1; i <= 12; i++ {
		now := day.Add(time.Duration(i) * time.Minute)
		number, err := Next(umum, last, now, time.UTC, OverflowFail)
		if err != nil {
			t.Fatalf("ticket %d: %v", i, err)
		}
		want := Format("A-", 3, int64(i))
		if number != want {
			t.Fatalf("ticket %d: expected %s, got %s", i, want, number)
		}
		last = &models.Ticket{TicketNumber: number, CreatedAt: now}
	}
	if last.TicketNumber != "A-012" {
		t.Fatalf("expected A-012, got %s", last.TicketNumber)
	}
}

func TestNextResetsOnNewDay(t *testing.T) {
	loc := time.FixedZone("WIB", 7*3600)
	last := &models.Ticket{TicketNumber: "A-057", CreatedAt: time.Date(2024, 7, 1, 23, 50, 0, 0, loc)}

	number, err := Next(umum, last, time.Date(2024, 7, 1, 23, 59, 0, 0, loc), loc, OverflowFail)
	if err != nil || number != "A-058" {
		t.Fatalf("expected A-058 before midnight, got %s (%v)", number, err)
	}
	number, err = Next(umum, last, time.Date(2024, 7, 2, 0, 1, 0, 0, loc), loc, OverflowFail)
	if err != nil || number != "A-001" {
		t.Fatalf("expected A-001 after midnight, got %s (%v)", number, err)
	}
}

func TestNextDayBoundaryFollowsLocation(t *testing.T) {
	loc := time.FixedZone("WIB", 7*3600)
	// 16:30 UTC on the 1st is 23:30 WIB; 17:30 UTC is already the 2nd in WIB.
	last := &models.Ticket{TicketNumber: "A-010", CreatedAt: time.Date(2024, 7, 1, 16, 30, 0, 0, time.UTC)}
	number, err := Next(umum, last, time.Date(2024, 7, 1, 17, 30, 0, 0, time.UTC), loc, OverflowFail)
	if err != nil || number != "A-001" {
		t.Fatalf("expected A-001, got %s (%v)", number, err)
	}
}

func TestNextOverflow(t *testing.T) {
	svc := models.Service{ServiceID: "gigi", Prefix: "G", Padding: 1}
	now := time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)
	last := &models.Ticket{TicketNumber: "G9", CreatedAt: now.Add(-time.Minute)}

	if _, err := Next(svc, last, now, time.UTC, OverflowFail); !errors.Is(err, store.ErrSequenceExhausted) {
		t.Fatalf("expected sequence exhausted, got %v", err)
	}
	number, err := Next(svc, last, now, time.UTC, OverflowReset)
	if err != nil {
		t.Fatalf("reset policy: %v", err)
	}
	if number != "G1" {
		t.Fatalf("expected G1, got %s", number)
	}
}

func TestNextOverflowOnlyAppliesSameDay(t *testing.T) {
	svc := models.Service{ServiceID: "gigi", Prefix: "G", Padding: 1}
	last := &models.Ticket{TicketNumber: "G9", CreatedAt: time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)}
	number, err := Next(svc, last, time.Date(2024, 7, 2, 8, 0, 0, 0, time.UTC), time.UTC, OverflowFail)
	if err != nil || number != "G1" {
		t.Fatalf("expected G1 on the next day, got %s (%v)", number, err)
	}
}

func TestParseSequence(t *testing.T) {
	cases := []struct {
		prefix string
		number string
		want   int64
	}{
		{"A-", "A-009", 9},
		{"A-", "A-120", 120},
		{"", "042", 42},
		{"A-", "B-003", 0},
		{"A-", "A-xyz", 0},
		{"A-", "A-", 0},
	}
	for _, tc := range cases {
		if got := ParseSequence(tc.prefix, tc.number); got != tc.want {
			t.Fatalf("ParseSequence(%q, %q)=%d, want %d", tc.prefix, tc.number, got, tc.want)
		}
	}
}

func TestNextRejectsBadPadding(t *testing.T) {
	svc := models.Service{ServiceID: "x", Prefix: "X", Padding: 0}
	if _, err := Next(svc, nil, time.Now(), time.UTC, OverflowFail); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestParseOverflow(t *testing.T) {
	if got, err := ParseOverflow(""); err != nil || got != OverflowFail {
		t.Fatalf("expected default fail, got %s (%v)", got, err)
	}
	if got, err := ParseOverflow("RESET"); err != nil || got != OverflowReset {
		t.Fatalf("expected reset, got %s (%v)", got, err)
	}
	if _, err := ParseOverflow("wrap"); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}

func TestEngineGenerateNumber(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC))
	st := memory.New()
	if err := st.UpsertService(ctx, umum); err != nil {
		t.Fatalf("seed: %v", err)
	}
	engine := NewEngine(st, st, clk, time.UTC, OverflowFail)

	if _, err := engine.GenerateNumber(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	for i := 1; i <= 9; i++ {
		preview, err := engine.GenerateNumber(ctx, "umum")
		if err != nil {
			t.Fatalf("preview: %v", err)
		}
		ticket, _, err := st.CreateTicket(ctx, store.CreateTicketInput{ServiceID: "umum", CreatedAt: clk.Now()}, engine.Assign)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if ticket.TicketNumber != preview {
			t.Fatalf("expected created number %s to match preview %s", ticket.TicketNumber, preview)
		}
		clk.Advance(time.Minute)
	}
	if got, _ := engine.GenerateNumber(ctx, "umum"); got != "A-010" {
		t.Fatalf("expected A-010 after nine tickets, got %s", got)
	}

	clk.Advance(24 * time.Hour)
	if got, _ := engine.GenerateNumber(ctx, "umum"); got != "A-001" {
		t.Fatalf("expected A-001 on a new day, got %s", got)
	}
}
