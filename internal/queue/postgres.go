package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	conclaveerrs "github.com/conclave-run/conclave/internal/errs"
	"github.com/conclave-run/conclave/pkg/models"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// PostgresConfig configures the Postgres-backed event queue, following the
// teacher's pgvector Store's DSN/pool-option shape.
type PostgresConfig struct {
	DSN             string
	DB              *sql.DB
	MaxConnections  int
	ConnMaxLifetime time.Duration
	RunMigrations   bool
}

// PostgresStore is the durable event queue backed by a Postgres-wire
// compatible database (Postgres or CockroachDB), grounded on the teacher's
// sessions.DBLocker upsert-lease pattern generalized from one session per
// row to one event per row with typed/priority claim ordering.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens (or reuses) a database handle and, when
// cfg.RunMigrations is set, runs the event queue's embedded migration.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	db := cfg.DB
	if db == nil {
		if cfg.DSN == "" {
			return nil, errors.New("queue: DSN or DB is required")
		}
		var err error
		db, err = sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("queue: open db: %w", err)
		}
		if cfg.MaxConnections > 0 {
			db.SetMaxOpenConns(cfg.MaxConnections)
		}
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
	}

	store := &PostgresStore{db: db}
	if cfg.RunMigrations {
		if err := store.runMigrations(ctx); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func (s *PostgresStore) runMigrations(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, eventsSchemaSQL)
	if err != nil {
		return fmt.Errorf("queue: run migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, event *models.Event) error {
	if event == nil {
		return conclaveerrs.New(conclaveerrs.KindValidation, "event is nil")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	now := time.Now()
	if event.Status == "" {
		event.Status = models.EventStatusPending
	}
	var expiresAt *time.Time
	if event.TTL > 0 {
		e := now.Add(event.TTL)
		expiresAt = &e
	} else if !event.ExpiresAt.IsZero() {
		expiresAt = &event.ExpiresAt
	}
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return conclaveerrs.Wrap(conclaveerrs.KindValidation, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (
			id, thread_id, type, payload, status, parent_event_id, trace_id,
			priority, expires_at, namespace, metadata, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)
	`, event.ID, event.ThreadID, string(event.Type), []byte(event.Payload), string(event.Status),
		nullableString(event.ParentEvent), nullableString(event.TraceID), event.Priority,
		expiresAt, nullableString(event.Namespace), metadata, now)
	if err != nil {
		return conclaveerrs.Wrap(conclaveerrs.KindStorage, err)
	}
	event.CreatedAt = now
	event.UpdatedAt = now
	return nil
}

// Claim uses a single CTE statement so the priority-ordered pick and the
// processing-status/lease update happen atomically: two workers racing on
// the same row will have one lose via the UPDATE ... WHERE clause on the
// selected ID, re-polling on the next tick rather than double-claiming.
func (s *PostgresStore) Claim(ctx context.Context, workerID string, priorityClasses []string, leaseDuration time.Duration) (*models.Event, error) {
	now := time.Now()
	leaseExpiresAt := now.Add(leaseDuration)

	for _, class := range priorityClasses {
		row := s.db.QueryRowContext(ctx, `
			WITH busy_threads AS (
				SELECT DISTINCT thread_id FROM events
				WHERE status = 'processing' AND worker_lease_expires_at > $1
			), candidate AS (
				SELECT id FROM events
				WHERE type = $2
				  AND (status = 'pending' OR (status = 'processing' AND worker_lease_expires_at <= $1))
				  AND (expires_at IS NULL OR expires_at > $1)
				  AND thread_id NOT IN (SELECT thread_id FROM busy_threads)
				ORDER BY priority DESC, created_at ASC
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			)
			UPDATE events SET status = 'processing', worker_locked_by = $3,
				worker_lease_expires_at = $4, updated_at = $1
			WHERE id IN (SELECT id FROM candidate)
			RETURNING id, thread_id, type, payload, status, parent_event_id, trace_id,
				priority, expires_at, namespace, metadata, worker_locked_by,
				worker_lease_expires_at, error, created_at, updated_at
		`, now, class, workerID, leaseExpiresAt)

		event, err := scanEvent(row)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, conclaveerrs.Wrap(conclaveerrs.KindStorage, err)
		}
		return event, nil
	}
	return nil, nil
}

func (s *PostgresStore) ExtendLease(ctx context.Context, eventID, workerID string, leaseDuration time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE events SET worker_lease_expires_at = $1, updated_at = $1
		WHERE id = $2 AND worker_locked_by = $3 AND status = 'processing'
	`, time.Now().Add(leaseDuration), eventID, workerID)
	if err != nil {
		return conclaveerrs.Wrap(conclaveerrs.KindStorage, err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return conclaveerrs.ErrLeaseNotOwned
	}
	return nil
}

func (s *PostgresStore) Complete(ctx context.Context, eventID, workerID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE events SET status = 'completed', updated_at = $1
		WHERE id = $2 AND worker_locked_by = $3 AND status = 'processing'
	`, time.Now(), eventID, workerID)
	if err != nil {
		return conclaveerrs.Wrap(conclaveerrs.KindStorage, err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return conclaveerrs.ErrLeaseNotOwned
	}
	return nil
}

func (s *PostgresStore) Fail(ctx context.Context, eventID, workerID string, cause error, retriable bool) error {
	now := time.Now()
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	if retriable {
		res, err := s.db.ExecContext(ctx, `
			UPDATE events SET status = 'pending', worker_locked_by = NULL,
				worker_lease_expires_at = NULL, error = $1, updated_at = $2
			WHERE id = $3 AND worker_locked_by = $4 AND status = 'processing'
			  AND (expires_at IS NULL OR expires_at > $2)
		`, errMsg, now, eventID, workerID)
		if err != nil {
			return conclaveerrs.Wrap(conclaveerrs.KindStorage, err)
		}
		if rows, _ := res.RowsAffected(); rows > 0 {
			return nil
		}
		// Either TTL elapsed or lease not owned; fall through to hard-fail.
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE events SET status = 'failed', error = $1, updated_at = $2
		WHERE id = $3 AND worker_locked_by = $4 AND status = 'processing'
	`, errMsg, now, eventID, workerID)
	if err != nil {
		return conclaveerrs.Wrap(conclaveerrs.KindStorage, err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return conclaveerrs.ErrLeaseNotOwned
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, eventID string) (*models.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, type, payload, status, parent_event_id, trace_id,
			priority, expires_at, namespace, metadata, worker_locked_by,
			worker_lease_expires_at, error, created_at, updated_at
		FROM events WHERE id = $1
	`, eventID)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, conclaveerrs.ErrNotFound
	}
	if err != nil {
		return nil, conclaveerrs.Wrap(conclaveerrs.KindStorage, err)
	}
	return event, nil
}

func (s *PostgresStore) ListByThread(ctx context.Context, threadID string, limit int) ([]*models.Event, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, type, payload, status, parent_event_id, trace_id,
			priority, expires_at, namespace, metadata, worker_locked_by,
			worker_lease_expires_at, error, created_at, updated_at
		FROM events WHERE thread_id = $1 ORDER BY created_at ASC LIMIT $2
	`, threadID, limit)
	if err != nil {
		return nil, conclaveerrs.Wrap(conclaveerrs.KindStorage, err)
	}
	defer rows.Close()

	var result []*models.Event
	for rows.Next() {
		event, err := scanEventRows(rows)
		if err != nil {
			return nil, conclaveerrs.Wrap(conclaveerrs.KindStorage, err)
		}
		result = append(result, event)
	}
	return result, rows.Err()
}

func (s *PostgresStore) Reap(ctx context.Context) (int, int, error) {
	now := time.Now()

	expiredRes, err := s.db.ExecContext(ctx, `
		UPDATE events SET status = 'expired', updated_at = $1
		WHERE status IN ('pending', 'processing') AND expires_at IS NOT NULL AND expires_at <= $1
	`, now)
	if err != nil {
		return 0, 0, conclaveerrs.Wrap(conclaveerrs.KindStorage, err)
	}
	expired, _ := expiredRes.RowsAffected()

	reclaimedRes, err := s.db.ExecContext(ctx, `
		UPDATE events SET status = 'pending', worker_locked_by = NULL, worker_lease_expires_at = NULL, updated_at = $1
		WHERE status = 'processing' AND worker_lease_expires_at IS NOT NULL AND worker_lease_expires_at <= $1
	`, now)
	if err != nil {
		return int(expired), 0, conclaveerrs.Wrap(conclaveerrs.KindStorage, err)
	}
	reclaimed, _ := reclaimedRes.RowsAffected()

	return int(expired), int(reclaimed), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row *sql.Row) (*models.Event, error) {
	return scanEventInto(row)
}

func scanEventRows(rows *sql.Rows) (*models.Event, error) {
	return scanEventInto(rows)
}

func scanEventInto(row rowScanner) (*models.Event, error) {
	var ev models.Event
	var typ, status string
	var parentEvent, traceID, namespace, workerLockedBy, errMsg sql.NullString
	var expiresAt, workerLeaseExpiresAt sql.NullTime
	var metadata []byte
	var payload []byte

	if err := row.Scan(&ev.ID, &ev.ThreadID, &typ, &payload, &status, &parentEvent, &traceID,
		&ev.Priority, &expiresAt, &namespace, &metadata, &workerLockedBy,
		&workerLeaseExpiresAt, &errMsg, &ev.CreatedAt, &ev.UpdatedAt); err != nil {
		return nil, err
	}

	ev.Type = models.EventType(typ)
	ev.Status = models.EventStatus(status)
	ev.Payload = payload
	ev.ParentEvent = parentEvent.String
	ev.TraceID = traceID.String
	ev.Namespace = namespace.String
	ev.WorkerLockedBy = workerLockedBy.String
	ev.Error = errMsg.String
	if expiresAt.Valid {
		ev.ExpiresAt = expiresAt.Time
	}
	if workerLeaseExpiresAt.Valid {
		ev.WorkerLeaseExpiresAt = workerLeaseExpiresAt.Time
	}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &ev.Metadata)
	}
	return &ev, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

const eventsSchemaSQL = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	thread_id TEXT NOT NULL,
	type TEXT NOT NULL,
	payload JSONB NOT NULL,
	status TEXT NOT NULL,
	parent_event_id TEXT,
	trace_id TEXT,
	priority INTEGER NOT NULL DEFAULT 0,
	expires_at TIMESTAMPTZ,
	namespace TEXT,
	metadata JSONB,
	worker_locked_by TEXT,
	worker_lease_expires_at TIMESTAMPTZ,
	error TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_claim ON events (type, status, priority DESC, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_events_thread ON events (thread_id, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_events_lease ON events (status, worker_lease_expires_at);
`
