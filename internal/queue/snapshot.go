package queue

import (
	"context"
	"time"

	"qms/clinic-queue/internal/clock"
	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"
)

const snapshotTicketLimit = 10000

// Snapshot is the display board view of today's queue.
type Snapshot struct {
	Date     string            `json:"date"`
	Services []ServiceSnapshot `json:"services"`
}

type ServiceSnapshot struct {
	Service  models.Service `json:"service"`
	Waiting  int            `json:"waiting"`
	Called   int            `json:"called"`
	Serving  int            `json:"serving"`
	Finished int            `json:"finished"`
	Canceled int            `json:"canceled"`
	// NextNumber is the oldest unassigned waiting ticket, if any.
	NextNumber string            `json:"next_number,omitempty"`
	Counters   []CounterSnapshot `json:"counters"`
}

type CounterSnapshot struct {
	Counter models.Counter `json:"counter"`
	Ticket  *models.Ticket `json:"ticket"`
}

// Snapshot summarizes today's tickets per service. An empty serviceID covers
// every active service.
func (m *Manager) Snapshot(ctx context.Context, serviceID string) (Snapshot, error) {
	ctx, span := m.tracer.Start(ctx, "queue.Snapshot")
	defer span.End()

	now := m.clock.Now()
	start, end := clock.Day(now, m.loc)

	var services []models.Service
	if serviceID != "" {
		svc, err := m.store.GetService(ctx, serviceID)
		if err != nil {
			return Snapshot{}, fail(span, err)
		}
		services = []models.Service{svc}
	} else {
		var err error
		if services, err = m.store.ListServices(ctx, true); err != nil {
			return Snapshot{}, fail(span, err)
		}
	}

	snap := Snapshot{Date: now.In(m.loc).Format(time.DateOnly)}
	for _, svc := range services {
		tickets, err := m.store.ListTickets(ctx, store.TicketFilter{
			ServiceID: svc.ServiceID,
			From:      start,
			To:        end,
			Limit:     snapshotTicketLimit,
		})
		if err != nil {
			return Snapshot{}, fail(span, err)
		}
		entry := ServiceSnapshot{Service: svc, Counters: []CounterSnapshot{}}
		for _, t := range tickets {
			switch t.Status {
			case models.StatusWaiting:
				if t.Assigned() {
					entry.Called++
					continue
				}
				entry.Waiting++
				// Tickets arrive newest first, so the last one seen is next in line.
				entry.NextNumber = t.TicketNumber
			case models.StatusServing:
				entry.Serving++
			case models.StatusFinished:
				entry.Finished++
			case models.StatusCanceled:
				entry.Canceled++
			}
		}

		counters, err := m.store.ListCounters(ctx, svc.ServiceID)
		if err != nil {
			return Snapshot{}, fail(span, err)
		}
		for _, counter := range counters {
			cs := CounterSnapshot{Counter: counter}
			active, ok, err := m.ActiveTicket(ctx, counter.CounterID)
			if err != nil {
				return Snapshot{}, fail(span, err)
			}
			if ok {
				cs.Ticket = &active
			}
			entry.Counters = append(entry.Counters, cs)
		}
		snap.Services = append(snap.Services, entry)
	}
	return snap, nil
}
