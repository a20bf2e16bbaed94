package messages

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/conclave-run/conclave/internal/errs"
	"github.com/conclave-run/conclave/pkg/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresConfig configures the Postgres-backed message store, following the
// event queue's DSN/pool-option shape.
type PostgresConfig struct {
	DSN             string
	DB              *sql.DB
	MaxConnections  int
	ConnMaxLifetime time.Duration
	RunMigrations   bool
}

// PostgresStore implements Store on top of Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens (or reuses) a database handle and, when
// cfg.RunMigrations is set, runs the embedded messages-table migration.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	db := cfg.DB
	if db == nil {
		if cfg.DSN == "" {
			return nil, errs.New(errs.KindFatal, "either DSN or DB must be provided")
		}
		var err error
		db, err = sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, errs.Wrap(errs.KindFatal, fmt.Errorf("open message store: %w", err))
		}
		if cfg.MaxConnections > 0 {
			db.SetMaxOpenConns(cfg.MaxConnections)
		}
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			return nil, errs.Wrap(errs.KindFatal, fmt.Errorf("ping message store: %w", err))
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
	if _, err := s.db.ExecContext(ctx, messagesSchemaSQL); err != nil {
		return fmt.Errorf("messages: run migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return errs.New(errs.KindValidation, "message is nil")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	toolCalls, err := json.Marshal(msg.ToolCalls)
	if err != nil {
		return errs.Wrap(errs.KindValidation, err)
	}
	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return errs.Wrap(errs.KindValidation, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (
			id, thread_id, sender_type, sender_id, target_id, target_queue,
			content, tool_calls, tool_call_id, metadata, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, msg.ID, msg.ThreadID, string(msg.SenderType), msg.SenderID, nullableString(msg.TargetID),
		pq.Array(msg.TargetQueue), msg.Content, toolCalls, nullableString(msg.ToolCallID),
		metadata, msg.CreatedAt)
	if err != nil {
		return errs.Wrap(errs.KindStorage, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, sender_type, sender_id, target_id, target_queue,
		       content, tool_calls, tool_call_id, metadata, created_at
		FROM messages WHERE id = $1
	`, id)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, err)
	}
	return msg, nil
}

func (s *PostgresStore) ListByThread(ctx context.Context, threadID string, limit int) ([]*models.Message, error) {
	query := `
		SELECT id, thread_id, sender_type, sender_id, target_id, target_queue,
		       content, tool_calls, tool_call_id, metadata, created_at
		FROM messages WHERE thread_id = $1 ORDER BY created_at ASC
	`
	args := []any{threadID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, errs.Wrap(errs.KindStorage, err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var msg models.Message
	var senderType string
	var targetID, toolCallID sql.NullString
	var targetQueue []string
	var toolCalls, metadata []byte

	if err := row.Scan(&msg.ID, &msg.ThreadID, &senderType, &msg.SenderID, &targetID,
		pq.Array(&targetQueue), &msg.Content, &toolCalls, &toolCallID, &metadata, &msg.CreatedAt); err != nil {
		return nil, err
	}

	msg.SenderType = models.SenderType(senderType)
	msg.TargetID = targetID.String
	msg.ToolCallID = toolCallID.String
	msg.TargetQueue = targetQueue

	if len(toolCalls) > 0 && string(toolCalls) != "null" {
		if err := json.Unmarshal(toolCalls, &msg.ToolCalls); err != nil {
			return nil, fmt.Errorf("decode tool_calls: %w", err)
		}
	}
	if len(metadata) > 0 && string(metadata) != "null" {
		if err := json.Unmarshal(metadata, &msg.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &msg, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

const messagesSchemaSQL = `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	thread_id TEXT NOT NULL,
	sender_type TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	target_id TEXT,
	target_queue TEXT[] NOT NULL DEFAULT '{}',
	content TEXT NOT NULL DEFAULT '',
	tool_calls JSONB,
	tool_call_id TEXT,
	metadata JSONB,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages (thread_id, created_at ASC);
`
