package receipt

import (
	"strings"
	"time"
	"unicode/utf8"

	"qms/clinic-queue/internal/models"
)

type Align string

const (
	AlignLeft   Align = "left"
	AlignCenter Align = "center"
)

type Style string

const (
	StyleNormal Style = "normal"
	StyleBold   Style = "bold"
	// StyleDouble is double width and height on thermal printers.
	StyleDouble Style = "double"
)

const (
	DefaultWidth = 32
	separator    = "-----------------"
	dateLayout   = "02-01-2006 15:04"
)

type Line struct {
	Text  string `json:"text"`
	Align Align  `json:"align"`
	Style Style  `json:"style"`
}

type Clinic struct {
	Name    string
	Address string
}

// ForTicket lays out the kiosk slip for ticket. The printed time is the
// ticket's creation time in loc.
func ForTicket(clinic Clinic, ticket models.Ticket, serviceName string, loc *time.Location) []Line {
	if loc == nil {
		loc = time.UTC
	}
	return []Line{
		{Text: clinic.Name, Align: AlignCenter, Style: StyleBold},
		{Text: clinic.Address, Align: AlignCenter, Style: StyleNormal},
		{Text: separator, Align: AlignCenter, Style: StyleNormal},
		{Text: "NOMOR ANTRIAN", Align: AlignCenter, Style: StyleBold},
		{Text: ticket.TicketNumber, Align: AlignCenter, Style: StyleDouble},
		{Text: serviceName, Align: AlignCenter, Style: StyleNormal},
		{Text: ticket.CreatedAt.In(loc).Format(dateLayout), Align: AlignCenter, Style: StyleNormal},
		{Text: separator, Align: AlignCenter, Style: StyleNormal},
		{Text: "Mohon menunggu", Align: AlignCenter, Style: StyleNormal},
	}
}

// Render prints lines as plain text, width columns wide. Double lines count
// twice their length. Text longer than the paper is not wrapped.
func Render(lines []Line, width int) string {
	if width <= 0 {
		width = DefaultWidth
	}
	var b strings.Builder
	for _, line := range lines {
		text := line.Text
		size := utf8.RuneCountInString(text)
		if line.Style == StyleDouble {
			size *= 2
		}
		if line.Align == AlignCenter && size < width {
			b.WriteString(strings.Repeat(" ", (width-size)/2))
		}
		b.WriteString(text)
		b.WriteByte('\n')
	}
	return b.String()
}
