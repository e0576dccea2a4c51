package postgres

import (
	"context"
	"errors"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"

	"github.com/jackc/pgx/v5"
)

func (s *Store) GetService(ctx context.Context, serviceID string) (models.Service, error) {
	return getService(ctx, s.pool, serviceID, "")
}

func (s *Store) ListServices(ctx context.Context, activeOnly bool) ([]models.Service, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT service_id, name, prefix, padding, is_active
		FROM services
		WHERE ($1 = FALSE OR is_active)
		ORDER BY service_id
	`, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var services []models.Service
	for rows.Next() {
		var svc models.Service
		if err := rows.Scan(&svc.ServiceID, &svc.Name, &svc.Prefix, &svc.Padding, &svc.Active); err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	return services, rows.Err()
}

func (s *Store) UpsertService(ctx context.Context, service models.Service) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO services (service_id, name, prefix, padding, is_active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (service_id)
		DO UPDATE SET name = EXCLUDED.name, prefix = EXCLUDED.prefix, padding = EXCLUDED.padding, is_active = EXCLUDED.is_active
	`, service.ServiceID, service.Name, service.Prefix, service.Padding, service.Active)
	return err
}

func (s *Store) GetCounter(ctx context.Context, counterID string) (models.Counter, error) {
	return getCounter(ctx, s.pool, counterID)
}

func (s *Store) ListCounters(ctx context.Context, serviceID string) ([]models.Counter, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT counter_id, name, service_id, is_active
		FROM counters
		WHERE ($1 = '' OR service_id = $1)
		ORDER BY name, counter_id
	`, serviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counters []models.Counter
	for rows.Next() {
		var counter models.Counter
		if err := rows.Scan(&counter.CounterID, &counter.Name, &counter.ServiceID, &counter.Active); err != nil {
			return nil, err
		}
		counters = append(counters, counter)
	}
	return counters, rows.Err()
}

func (s *Store) UpsertCounter(ctx context.Context, counter models.Counter) error {
	if _, err := s.GetService(ctx, counter.ServiceID); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO counters (counter_id, name, service_id, is_active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (counter_id)
		DO UPDATE SET name = EXCLUDED.name, service_id = EXCLUDED.service_id, is_active = EXCLUDED.is_active
	`, counter.CounterID, counter.Name, counter.ServiceID, counter.Active)
	return err
}

// getService reads a service, appending lock (e.g. "FOR SHARE") to the query.
func getService(ctx context.Context, q querier, serviceID, lock string) (models.Service, error) {
	var svc models.Service
	err := q.QueryRow(ctx, `
		SELECT service_id, name, prefix, padding, is_active
		FROM services
		WHERE service_id = $1 `+lock, serviceID).
		Scan(&svc.ServiceID, &svc.Name, &svc.Prefix, &svc.Padding, &svc.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Service{}, store.ErrServiceNotFound
		}
		return models.Service{}, err
	}
	return svc, nil
}

func getCounter(ctx context.Context, q querier, counterID string) (models.Counter, error) {
	var counter models.Counter
	err := q.QueryRow(ctx, `
		SELECT counter_id, name, service_id, is_active
		FROM counters
		WHERE counter_id = $1
	`, counterID).Scan(&counter.CounterID, &counter.Name, &counter.ServiceID, &counter.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Counter{}, store.ErrCounterNotFound
		}
		return models.Counter{}, err
	}
	return counter, nil
}
