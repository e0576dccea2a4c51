// Package sqlite persists the in-memory queue to a single SQLite file so a
// one-terminal clinic survives restarts without running Postgres.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"
	"qms/clinic-queue/internal/store/memory"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

const snapshotBucket = "queue"

// Store serves every call from the embedded memory store and writes the
// whole state to the state table on Flush.
type Store struct {
	*memory.Store
	db      *sql.DB
	path    string
	logger  zerolog.Logger
	mu      sync.Mutex
	flushed uint64
}

func Open(path string, logger zerolog.Logger) (*Store, error) {
	if path == "" {
		path = "clinic-queue.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL,
		saved_at TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create state table: %w", err)
	}
	s := &Store{Store: memory.New(), db: db, path: path, logger: logger}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	var payload []byte
	err := s.db.QueryRow(`SELECT payload FROM state WHERE bucket = ?`, snapshotBucket).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	var snapshot memory.Snapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return fmt.Errorf("decode state: %w", err)
	}
	s.Import(snapshot)
	s.flushed = s.Version()
	return nil
}

// Flush writes the state if it changed since the last flush.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	version := s.Version()
	if version == s.flushed {
		return nil
	}
	data, err := json.Marshal(s.Export())
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO state(bucket, payload, saved_at) VALUES(?, ?, ?)
		ON CONFLICT(bucket) DO UPDATE SET payload = excluded.payload, saved_at = excluded.saved_at`,
		snapshotBucket, data, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert state: %w", err)
	}
	s.flushed = version
	return nil
}

// CreateTicket flushes before returning so an issued number is never handed
// out again after a crash. A failed flush keeps the ticket in memory; a retry
// with the same RequestID replays it and flushes again.
func (s *Store) CreateTicket(ctx context.Context, input store.CreateTicketInput, next store.NumberFunc) (models.Ticket, bool, error) {
	ticket, created, err := s.Store.CreateTicket(ctx, input, next)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if err := s.Flush(ctx); err != nil {
		return models.Ticket{}, false, fmt.Errorf("persist ticket %s: %w", ticket.TicketNumber, err)
	}
	return ticket, created, nil
}

// CreatePatient flushes for the same reason: medical record numbers are
// sequential too.
func (s *Store) CreatePatient(ctx context.Context, p models.Patient) (models.Patient, error) {
	patient, err := s.Store.CreatePatient(ctx, p)
	if err != nil {
		return models.Patient{}, err
	}
	if err := s.Flush(ctx); err != nil {
		return models.Patient{}, fmt.Errorf("persist patient %s: %w", patient.MedicalRecordNumber, err)
	}
	return patient, nil
}

// Run flushes every interval until ctx is done, then flushes once more.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.Flush(flushCtx); err != nil {
				s.logger.Error().Err(err).Msg("final snapshot flush failed")
			}
			cancel()
			return
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				s.logger.Error().Err(err).Msg("snapshot flush failed")
			}
		}
	}
}

func (s *Store) Close() error {
	if err := s.Flush(context.Background()); err != nil {
		_ = s.db.Close()
		return err
	}
	return s.db.Close()
}

func (s *Store) Path() string { return s.path }
