package receipt

import (
	"strings"
	"testing"
	"time"

	"qms/clinic-queue/internal/models"
)

func TestForTicketLayout(t *testing.T) {
	jakarta := time.FixedZone("WIB", 7*3600)
	ticket := models.Ticket{
		TicketNumber: "A-007",
		CreatedAt:    time.Date(2024, 7, 1, 1, 30, 0, 0, time.UTC),
	}
	lines := ForTicket(Clinic{Name: "Klinik Pratama Hadiana Sehat", Address: "Jl. Raya Banjaran Barat No.658A"}, ticket, "Poli Umum", jakarta)

	want := []Line{
		{"Klinik Pratama Hadiana Sehat", AlignCenter, StyleBold},
		{"Jl. Raya Banjaran Barat No.658A", AlignCenter, StyleNormal},
		{"-----------------", AlignCenter, StyleNormal},
		{"NOMOR ANTRIAN", AlignCenter, StyleBold},
		{"A-007", AlignCenter, StyleDouble},
		{"Poli Umum", AlignCenter, StyleNormal},
		{"01-07-2024 08:30", AlignCenter, StyleNormal},
		{"-----------------", AlignCenter, StyleNormal},
		{"Mohon menunggu", AlignCenter, StyleNormal},
	}
	if len(lines) != len(want) {
		t.Fatalf("expected %d lines, got %d", len(want), len(lines))
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d: expected %+v, got %+v", i, want[i], lines[i])
		}
	}
}

func TestRenderCentersLines(t *testing.T) {
	out := Render([]Line{
		{Text: "AB", Align: AlignCenter, Style: StyleNormal},
		{Text: "AB", Align: AlignCenter, Style: StyleDouble},
		{Text: "left", Align: AlignLeft, Style: StyleNormal},
	}, 10)
	got := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	want := []string{"    AB", "   AB", "left"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("line %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}
