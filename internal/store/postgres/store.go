package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ store.Store = (*Store)(nil)

const ticketColumns = `ticket_id, seq, ticket_number, service_id, counter_id, patient_id, status,
	COALESCE(request_id, ''), created_at, called_at, served_at, finished_at, canceled_at`

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) CreateTicket(ctx context.Context, input store.CreateTicketInput, next store.NumberFunc) (models.Ticket, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if input.RequestID != "" {
		var existing models.Ticket
		existing, err = scanTicket(tx.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE request_id = $1`, input.RequestID))
		if err == nil {
			if err = tx.Commit(ctx); err != nil {
				return models.Ticket{}, false, err
			}
			return existing, false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, err
		}
	}

	var svc models.Service
	svc, err = getService(ctx, tx, input.ServiceID, "FOR SHARE")
	if err != nil {
		return models.Ticket{}, false, err
	}
	if !svc.Active {
		err = store.ErrServiceInactive
		return models.Ticket{}, false, err
	}

	// Numbering for a service is single-writer: the lock is held until commit,
	// so the next writer reads this ticket as its "last".
	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "ticket-number:"+svc.ServiceID); err != nil {
		return models.Ticket{}, false, err
	}

	var last *models.Ticket
	lastTicket, lastErr := scanTicket(tx.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE service_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`, svc.ServiceID))
	switch {
	case lastErr == nil:
		last = &lastTicket
	case !errors.Is(lastErr, pgx.ErrNoRows):
		err = lastErr
		return models.Ticket{}, false, err
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	var number string
	if number, err = next(svc, last, createdAt); err != nil {
		return models.Ticket{}, false, err
	}

	if input.PatientID != "" {
		if err = ensurePatient(ctx, tx, input.PatientID); err != nil {
			return models.Ticket{}, false, err
		}
	}

	var ticket models.Ticket
	ticket, err = scanTicket(tx.QueryRow(ctx, `
		INSERT INTO tickets (ticket_id, ticket_number, service_id, patient_id, status, request_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+ticketColumns,
		uuid.NewString(), number, svc.ServiceID, nullIfEmpty(input.PatientID), models.StatusWaiting, nullIfEmpty(input.RequestID), createdAt))
	if err != nil {
		err = mapWriteError(err)
		return models.Ticket{}, false, err
	}

	if err = insertTicketEvent(ctx, tx, ticket, store.EventTicketCreated, createdAt); err != nil {
		return models.Ticket{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		err = mapWriteError(err)
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) LastTicket(ctx context.Context, serviceID string) (models.Ticket, bool, error) {
	ticket, err := scanTicket(s.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE service_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`, serviceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	if _, err := uuid.Parse(ticketID); err != nil {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	ticket, err := scanTicket(s.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1`, ticketID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) ListTickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE TRUE`
	var args []interface{}
	add := func(clause string, value interface{}) {
		args = append(args, value)
		query += fmt.Sprintf(" AND "+clause, len(args))
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.ServiceID != "" {
		add("service_id = $%d", filter.ServiceID)
	}
	if filter.CounterID != "" {
		add("counter_id = $%d", filter.CounterID)
	}
	if !filter.From.IsZero() {
		add("created_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("created_at < $%d", filter.To)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = store.DefaultListLimit
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY seq DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tickets, nil
}

func (s *Store) LinkPatient(ctx context.Context, ticketID, patientID string, at time.Time) (models.Ticket, error) {
	return s.inTicketTx(ctx, ticketID, func(tx pgx.Tx, ticket models.Ticket) (models.Ticket, error) {
		if err := ensurePatient(ctx, tx, patientID); err != nil {
			return models.Ticket{}, err
		}
		updated, err := scanTicket(tx.QueryRow(ctx, `
			UPDATE tickets SET patient_id = $2 WHERE ticket_id = $1
			RETURNING `+ticketColumns, ticketID, patientID))
		if err != nil {
			return models.Ticket{}, err
		}
		return updated, insertTicketEvent(ctx, tx, updated, store.EventPatientLinked, at)
	})
}

func (s *Store) CallNext(ctx context.Context, input store.CallNextInput) (models.Ticket, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var counter models.Counter
	if counter, err = getCounter(ctx, tx, input.CounterID); err != nil {
		return models.Ticket{}, false, err
	}
	if !counter.Active {
		err = store.ErrCounterInactive
		return models.Ticket{}, false, err
	}

	calledAt := input.CalledAt
	if calledAt.IsZero() {
		calledAt = time.Now()
	}

	if err = releaseStaleTickets(ctx, tx, counter.CounterID, "", input.DayStart, calledAt); err != nil {
		err = mapWriteError(err)
		return models.Ticket{}, false, err
	}

	var busy bool
	if busy, err = counterBusy(ctx, tx, counter.CounterID, ""); err != nil {
		return models.Ticket{}, false, err
	}
	if busy {
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, false, err
		}
		return models.Ticket{}, false, nil
	}

	var ticket models.Ticket
	ticket, err = scanTicket(tx.QueryRow(ctx, `
		WITH next_ticket AS (
			SELECT ticket_id AS next_id
			FROM tickets
			WHERE service_id = $1 AND status = 'waiting'
				AND (counter_id IS NULL OR counter_id = $2)
				AND created_at >= $3 AND created_at < $4
			ORDER BY seq ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE tickets
		SET counter_id = $2,
			called_at = COALESCE(tickets.called_at, $5)
		FROM next_ticket
		WHERE tickets.ticket_id = next_ticket.next_id
		RETURNING `+ticketColumns,
		counter.ServiceID, counter.CounterID, input.DayStart, input.DayEnd, calledAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if err = tx.Commit(ctx); err != nil {
				return models.Ticket{}, false, err
			}
			return models.Ticket{}, false, nil
		}
		err = mapWriteError(err)
		return models.Ticket{}, false, err
	}

	if err = insertTicketEvent(ctx, tx, ticket, store.EventType(store.ActionAssign), calledAt); err != nil {
		return models.Ticket{}, false, err
	}
	if err = tx.Commit(ctx); err != nil {
		err = mapWriteError(err)
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) ServeTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	return s.inTicketTx(ctx, input.TicketID, func(tx pgx.Tx, ticket models.Ticket) (models.Ticket, error) {
		if err := store.CheckTransition(store.ActionServe, ticket, input.CounterID); err != nil {
			return models.Ticket{}, err
		}
		counterID := input.CounterID
		if ticket.Assigned() {
			counterID = *ticket.CounterID
		}
		counter, err := getCounter(ctx, tx, counterID)
		if err != nil {
			return models.Ticket{}, err
		}
		if !ticket.Assigned() {
			if !counter.Active {
				return models.Ticket{}, store.ErrCounterInactive
			}
			if counter.ServiceID != ticket.ServiceID {
				return models.Ticket{}, store.ErrCounterMismatch
			}
		}
		if err := releaseStaleTickets(ctx, tx, counterID, ticket.TicketID, input.DayStart, input.OccurredAt); err != nil {
			return models.Ticket{}, err
		}
		busy, err := counterBusy(ctx, tx, counterID, ticket.TicketID)
		if err != nil {
			return models.Ticket{}, err
		}
		if busy {
			return models.Ticket{}, store.ErrCounterBusy
		}
		return updateTicketStatus(ctx, tx, ticket, store.ActionServe, counterID, input.OccurredAt)
	})
}

func (s *Store) FinishTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	return s.simpleTransition(ctx, input, store.ActionFinish)
}

func (s *Store) CancelTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	return s.simpleTransition(ctx, input, store.ActionCancel)
}

func (s *Store) simpleTransition(ctx context.Context, input store.TicketActionInput, action string) (models.Ticket, error) {
	return s.inTicketTx(ctx, input.TicketID, func(tx pgx.Tx, ticket models.Ticket) (models.Ticket, error) {
		if err := store.CheckTransition(action, ticket, ""); err != nil {
			return models.Ticket{}, err
		}
		if input.CounterID != "" && ticket.Assigned() && !ticket.AssignedTo(input.CounterID) {
			return models.Ticket{}, store.ErrCounterMismatch
		}
		return updateTicketStatus(ctx, tx, ticket, action, "", input.OccurredAt)
	})
}

func (s *Store) ActiveTicket(ctx context.Context, counterID string) (models.Ticket, bool, error) {
	if _, err := getCounter(ctx, s.pool, counterID); err != nil {
		return models.Ticket{}, false, err
	}
	ticket, err := scanTicket(s.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE counter_id = $1 AND status IN ('waiting', 'serving')
		ORDER BY seq DESC
		LIMIT 1
	`, counterID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) ListTicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	if _, err := s.GetTicket(ctx, ticketID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq ASC
	`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.TicketEvent
	for rows.Next() {
		var event store.TicketEvent
		var payload []byte
		if err := rows.Scan(&event.TicketID, &event.TicketSeq, &event.Type, &payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		event.Payload = payload
		events = append(events, event)
	}
	return events, rows.Err()
}

// inTicketTx locks the ticket row for the duration of fn.
func (s *Store) inTicketTx(ctx context.Context, ticketID string, fn func(tx pgx.Tx, ticket models.Ticket) (models.Ticket, error)) (models.Ticket, error) {
	if _, err := uuid.Parse(ticketID); err != nil {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var ticket models.Ticket
	ticket, err = scanTicket(tx.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1 FOR UPDATE`, ticketID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}

	var updated models.Ticket
	if updated, err = fn(tx, ticket); err != nil {
		err = mapWriteError(err)
		return models.Ticket{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		err = mapWriteError(err)
		return models.Ticket{}, err
	}
	return updated, nil
}

// updateTicketStatus writes the outcome of action as a compare-and-set on the
// status the ticket was read with.
func updateTicketStatus(ctx context.Context, tx pgx.Tx, ticket models.Ticket, action, counterID string, occurredAt time.Time) (models.Ticket, error) {
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}
	fromStatus := ticket.Status
	next := ticket
	store.ApplyTransition(&next, action, counterID, occurredAt)

	updated, err := scanTicket(tx.QueryRow(ctx, `
		UPDATE tickets
		SET status = $2, counter_id = $3, called_at = $4, served_at = $5, finished_at = $6, canceled_at = $7
		WHERE ticket_id = $1 AND status = $8
		RETURNING `+ticketColumns,
		ticket.TicketID, next.Status, next.CounterID, next.CalledAt, next.ServedAt, next.FinishedAt, next.CanceledAt, fromStatus))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrConcurrencyConflict
		}
		return models.Ticket{}, err
	}
	if err := insertTicketEvent(ctx, tx, updated, store.EventType(action), occurredAt); err != nil {
		return models.Ticket{}, err
	}
	return updated, nil
}

func insertTicketEvent(ctx context.Context, tx pgx.Tx, ticket models.Ticket, eventType string, at time.Time) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ticket.TicketID); err != nil {
		return err
	}

	var prev *store.TicketEvent
	var last store.TicketEvent
	row := tx.QueryRow(ctx, `
		SELECT ticket_seq, hash
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq DESC
		LIMIT 1
	`, ticket.TicketID)
	if err := row.Scan(&last.TicketSeq, &last.Hash); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
	} else {
		prev = &last
	}

	payload, err := store.EventPayload(ticket)
	if err != nil {
		return err
	}
	event := store.NextTicketEvent(prev, ticket.TicketID, eventType, payload, at.UTC())
	_, err = tx.Exec(ctx, `
		INSERT INTO ticket_events (ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.TicketID, event.TicketSeq, event.Type, []byte(event.Payload), event.CreatedAt, event.PrevHash, event.Hash)
	return err
}

// releaseStaleTickets cancels tickets counterID still holds from before
// dayStart, except exceptTicketID. A zero dayStart releases nothing.
func releaseStaleTickets(ctx context.Context, tx pgx.Tx, counterID, exceptTicketID string, dayStart, at time.Time) error {
	if dayStart.IsZero() {
		return nil
	}
	rows, err := tx.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE counter_id = $1 AND status IN ('waiting', 'serving')
			AND created_at < $2
			AND ($3::text = '' OR ticket_id::text <> $3::text)
		ORDER BY seq ASC
		FOR UPDATE
	`, counterID, dayStart, exceptTicketID)
	if err != nil {
		return err
	}
	stale, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Ticket, error) {
		return scanTicket(row)
	})
	if err != nil {
		return err
	}
	for _, ticket := range stale {
		if _, err := updateTicketStatus(ctx, tx, ticket, store.ActionCancel, "", at); err != nil {
			return err
		}
	}
	return nil
}

func counterBusy(ctx context.Context, tx pgx.Tx, counterID, exceptTicketID string) (bool, error) {
	var busy bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM tickets
			WHERE counter_id = $1 AND status IN ('waiting', 'serving')
				AND ($2::text = '' OR ticket_id::text <> $2::text)
		)
	`, counterID, exceptTicketID).Scan(&busy)
	return busy, err
}

func ensurePatient(ctx context.Context, q querier, patientID string) error {
	if _, err := uuid.Parse(patientID); err != nil {
		return store.ErrPatientNotFound
	}
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM patients WHERE patient_id = $1)`, patientID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrPatientNotFound
	}
	return nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	err := row.Scan(
		&ticket.TicketID, &ticket.Seq, &ticket.TicketNumber, &ticket.ServiceID, &ticket.CounterID, &ticket.PatientID,
		&ticket.Status, &ticket.RequestID, &ticket.CreatedAt, &ticket.CalledAt, &ticket.ServedAt, &ticket.FinishedAt, &ticket.CanceledAt,
	)
	return ticket, err
}

// mapWriteError turns lost races into ErrConcurrencyConflict so callers can retry.
func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505":
			return fmt.Errorf("%s: %w", pgErr.ConstraintName, store.ErrConcurrencyConflict)
		}
	}
	return err
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}
