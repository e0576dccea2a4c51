// Package numbering issues daily ticket numbers of the form
// prefix + zero-padded sequence, one sequence per service per day.
package numbering

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"qms/clinic-queue/internal/clock"
	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"
)

// Overflow decides what happens once a service has issued 10^padding-1
// tickets in one day.
type Overflow string

const (
	// OverflowFail refuses to issue another number that day.
	OverflowFail Overflow = "fail"
	// OverflowReset starts again at 1, reusing numbers within the day.
	OverflowReset Overflow = "reset"
)

func ParseOverflow(raw string) (Overflow, error) {
	switch Overflow(strings.ToLower(strings.TrimSpace(raw))) {
	case "", OverflowFail:
		return OverflowFail, nil
	case OverflowReset:
		return OverflowReset, nil
	}
	return "", fmt.Errorf("unknown numbering overflow policy %q", raw)
}

// MaxSequence is the largest sequence that fits in padding digits.
func MaxSequence(padding int) int64 {
	max := int64(1)
	for i := 0; i < padding; i++ {
		max *= 10
	}
	return max - 1
}

func Format(prefix string, padding int, seq int64) string {
	return fmt.Sprintf("%s%0*d", prefix, padding, seq)
}

// ParseSequence strips prefix from number and reads the rest as the
// sequence. Numbers minted under a different prefix, or with a non-numeric
// suffix, read as 0.
func ParseSequence(prefix, number string) int64 {
	if !strings.HasPrefix(number, prefix) {
		return 0
	}
	seq, err := strconv.ParseInt(number[len(prefix):], 10, 64)
	if err != nil || seq < 0 {
		return 0
	}
	return seq
}

// Next computes the number following last for svc at now. last is nil when the
// service has never issued a ticket. "Same day" is judged in loc.
func Next(svc models.Service, last *models.Ticket, now time.Time, loc *time.Location, overflow Overflow) (string, error) {
	if svc.Padding < 1 || svc.Padding > models.MaxPadding {
		return "", fmt.Errorf("service %s: padding %d out of range: %w", svc.ServiceID, svc.Padding, store.ErrInvalidInput)
	}

	var lastSeq int64
	sameDay := false
	if last != nil {
		lastSeq = ParseSequence(svc.Prefix, last.TicketNumber)
		sameDay = clock.SameDay(last.CreatedAt, now, loc)
	}

	max := MaxSequence(svc.Padding)
	next := int64(1)
	switch {
	case !sameDay:
	case lastSeq < max:
		next = lastSeq + 1
	case overflow == OverflowReset:
	default:
		return "", fmt.Errorf("service %s reached %s: %w", svc.ServiceID, Format(svc.Prefix, svc.Padding, max), store.ErrSequenceExhausted)
	}
	return Format(svc.Prefix, svc.Padding, next), nil
}

type Engine struct {
	catalog  store.Catalog
	tickets  store.TicketStore
	clock    clock.Clock
	loc      *time.Location
	overflow Overflow
}

func NewEngine(catalog store.Catalog, tickets store.TicketStore, clk clock.Clock, loc *time.Location, overflow Overflow) *Engine {
	if clk == nil {
		clk = clock.Real()
	}
	if loc == nil {
		loc = time.Local
	}
	if overflow == "" {
		overflow = OverflowFail
	}
	return &Engine{catalog: catalog, tickets: tickets, clock: clk, loc: loc, overflow: overflow}
}

// GenerateNumber reports the number the next ticket of serviceID would get.
// It reserves nothing; CreateTicket runs Assign under the store's lock.
func (e *Engine) GenerateNumber(ctx context.Context, serviceID string) (string, error) {
	svc, err := e.catalog.GetService(ctx, serviceID)
	if err != nil {
		return "", err
	}
	last, found, err := e.tickets.LastTicket(ctx, serviceID)
	if err != nil {
		return "", err
	}
	var lastPtr *models.Ticket
	if found {
		lastPtr = &last
	}
	return Next(svc, lastPtr, e.clock.Now(), e.loc, e.overflow)
}

// Assign is the store.NumberFunc for this engine.
func (e *Engine) Assign(svc models.Service, last *models.Ticket, now time.Time) (string, error) {
	return Next(svc, last, now, e.loc, e.overflow)
}

func (e *Engine) Location() *time.Location { return e.loc }
