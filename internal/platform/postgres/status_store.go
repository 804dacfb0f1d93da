package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/phrazzld/genq/internal/domain"
	"github.com/phrazzld/genq/internal/platform/logger"
	"github.com/phrazzld/genq/internal/status"
	"github.com/phrazzld/genq/internal/store"
)

// StatusStore implements status.Store using PostgreSQL
type StatusStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ status.Store = (*StatusStore)(nil)

// NewStatusStore creates a new StatusStore. The schema must already be
// migrated with Migrate.
func NewStatusStore(db *sql.DB) *StatusStore {
	return &StatusStore{
		db:  db,
		now: time.Now,
	}
}

// Create persists a new record.
func (s *StatusStore) Create(ctx context.Context, rec *domain.Record) error {
	log := logger.FromContext(ctx)

	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: record id is empty", store.ErrInvalidEntity)
	}
	if !rec.State.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidState, rec.State)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrSerialization, err)
	}

	query := `
		INSERT INTO request_status
			(id, state, priority, provider, model, retry_count, created_at, updated_at, retry_after, record)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = s.db.ExecContext(ctx, query,
		rec.ID,
		rec.State,
		rec.Priority,
		rec.Provider,
		rec.Model,
		rec.RetryCount,
		rec.CreatedAt,
		rec.UpdatedAt,
		rec.RetryAfter,
		data,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("%w: request %s", status.ErrDuplicate, rec.ID)
		}
		log.Error("failed to create status record",
			"request_id", rec.ID,
			"error", err)
		return fmt.Errorf("failed to create status record: %w", MapError(err))
	}

	return nil
}

// Transition locks the row, applies the lifecycle edge and writes it back in
// one transaction.
func (s *StatusStore) Transition(
	ctx context.Context,
	id string,
	from []domain.State,
	to domain.State,
	mutate status.MutateFn,
) (*domain.Record, error) {
	var result *domain.Record

	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		rec, err := getRecord(ctx, tx,
			`SELECT record FROM request_status WHERE id = $1 FOR UPDATE`, id)
		if err != nil {
			return err
		}

		if err := rec.Apply(from, to, s.now(), mutate); err != nil {
			return err
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("%w: %v", store.ErrSerialization, err)
		}

		var retryAfter *time.Time
		if rec.State == domain.StateRetryScheduled {
			retryAfter = rec.RetryAfter
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE request_status
			SET state = $2, provider = $3, model = $4, retry_count = $5,
				updated_at = $6, retry_after = $7, record = $8
			WHERE id = $1
		`, id, rec.State, rec.Provider, rec.Model, rec.RetryCount, rec.UpdatedAt, retryAfter, data)
		if err != nil {
			return MapError(err)
		}
		if err := CheckRowsAffected(res, "request status"); err != nil {
			return err
		}

		result = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Get returns the record for id.
func (s *StatusStore) Get(ctx context.Context, id string) (*domain.Record, error) {
	return getRecord(ctx, s.db, `SELECT record FROM request_status WHERE id = $1`, id)
}

// getRecord reads one record by id through a connection or a transaction.
func getRecord(ctx context.Context, q store.DBTX, query, id string) (*domain.Record, error) {
	rec, err := scanRecord(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if IsNotFoundError(err) {
			return nil, fmt.Errorf("%w: %s", status.ErrNotFound, id)
		}
		return nil, err
	}
	return rec, nil
}

// ListStale returns records in state last updated before olderThan, oldest first.
func (s *StatusStore) ListStale(ctx context.Context, state domain.State, olderThan time.Time, limit int) ([]*domain.Record, error) {
	if !state.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidState, state)
	}
	if limit <= 0 {
		limit = 100
	}
	return queryRecords(ctx, s.db, `
		SELECT record FROM request_status
		WHERE state = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`, state, olderThan.UTC(), limit)
}

// ListDueRetries returns RETRY_SCHEDULED records due at or before now, soonest first.
func (s *StatusStore) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*domain.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	return queryRecords(ctx, s.db, `
		SELECT record FROM request_status
		WHERE state = $1 AND retry_after <= $2
		ORDER BY retry_after ASC
		LIMIT $3
	`, domain.StateRetryScheduled, now.UTC(), limit)
}

// Ping checks the database connection.
func (s *StatusStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", status.ErrNotConnected, err)
	}
	return nil
}

func queryRecords(ctx context.Context, q store.DBTX, query string, args ...any) ([]*domain.Record, error) {
	log := logger.FromContext(ctx)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to query status records", "error", err)
		return nil, fmt.Errorf("failed to query status records: %w", MapError(err))
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Error("failed to close rows", "error", err)
		}
	}()

	var records []*domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status rows: %w", MapError(err))
	}
	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*domain.Record, error) {
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, MapError(err)
	}

	var rec domain.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrSerialization, err)
	}
	return &rec, nil
}
