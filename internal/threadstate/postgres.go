package threadstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/conclave-run/conclave/internal/errs"
	"github.com/conclave-run/conclave/pkg/models"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// PostgresStore implements Store on top of Postgres.
//
// Callers own schema creation for the threads table:
//
//	CREATE TABLE threads (
//		id               TEXT PRIMARY KEY,
//		name             TEXT NOT NULL DEFAULT '',
//		external_id      TEXT UNIQUE,
//		mode             TEXT NOT NULL DEFAULT '',
//		status           TEXT NOT NULL DEFAULT 'active',
//		participants     JSONB NOT NULL DEFAULT '[]'::jsonb,
//		parent_thread_id TEXT,
//		metadata         JSONB NOT NULL DEFAULT '{}'::jsonb,
//		summary          TEXT NOT NULL DEFAULT '',
//		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
//		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing connection.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) LoadOrCreateByExternalID(ctx context.Context, externalID, initialParticipant string) (*models.Thread, error) {
	thread, err := s.getByExternalID(ctx, externalID)
	if err == nil {
		return thread, nil
	}
	if err != errs.ErrNotFound {
		return nil, err
	}

	now := time.Now()
	participants := []string{}
	if initialParticipant != "" {
		participants = append(participants, initialParticipant)
	}
	participantsJSON, _ := json.Marshal(participants)
	metadataJSON, _ := json.Marshal(map[string]any{})

	newThread := &models.Thread{
		ID:           uuid.NewString(),
		ExternalID:   externalID,
		Status:       models.ThreadStatusActive,
		Participants: participants,
		Metadata:     map[string]any{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO threads (id, external_id, status, participants, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (external_id) DO NOTHING
	`, newThread.ID, externalID, newThread.Status, participantsJSON, metadataJSON, now, now)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("insert thread: %w", err))
	}

	return s.getByExternalID(ctx, externalID)
}

func (s *PostgresStore) getByExternalID(ctx context.Context, externalID string) (*models.Thread, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, external_id, mode, status, participants, parent_thread_id, metadata, summary, created_at, updated_at
		FROM threads WHERE external_id = $1
	`, externalID)
	return scanThread(row)
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Thread, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, external_id, mode, status, participants, parent_thread_id, metadata, summary, created_at, updated_at
		FROM threads WHERE id = $1
	`, id)
	return scanThread(row)
}

func (s *PostgresStore) UpdateMetadata(ctx context.Context, id string, patch map[string]any) error {
	thread, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if thread.Metadata == nil {
		thread.Metadata = map[string]any{}
	}
	for k, v := range patch {
		thread.Metadata[k] = v
	}
	metadataJSON, err := json.Marshal(thread.Metadata)
	if err != nil {
		return errs.Wrap(errs.KindValidation, fmt.Errorf("marshal thread metadata: %w", err))
	}

	res, err := s.db.ExecContext(ctx, `UPDATE threads SET metadata = $1, updated_at = $2 WHERE id = $3`, metadataJSON, time.Now(), id)
	if err != nil {
		return errs.Wrap(errs.KindStorage, fmt.Errorf("update thread metadata: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AppendParticipant(ctx context.Context, id, participantID string) error {
	thread, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if thread.HasParticipant(participantID) {
		return nil
	}
	participants := append(thread.Participants, participantID)
	participantsJSON, err := json.Marshal(participants)
	if err != nil {
		return errs.Wrap(errs.KindValidation, fmt.Errorf("marshal participants: %w", err))
	}

	res, err := s.db.ExecContext(ctx, `UPDATE threads SET participants = $1, updated_at = $2 WHERE id = $3`, participantsJSON, time.Now(), id)
	if err != nil {
		return errs.Wrap(errs.KindStorage, fmt.Errorf("append participant: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetParticipantTarget(ctx context.Context, id, participantID, targetID string) error {
	thread, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if thread.Metadata == nil {
		thread.Metadata = map[string]any{}
	}
	models.SetParticipantTarget(thread.Metadata, participantID, targetID)
	return s.UpdateMetadata(ctx, id, thread.Metadata)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(r rowScanner) (*models.Thread, error) {
	var t models.Thread
	var participantsJSON, metadataJSON []byte
	var parentThread sql.NullString

	err := r.Scan(&t.ID, &t.Name, &t.ExternalID, &t.Mode, &t.Status, &participantsJSON, &parentThread, &metadataJSON, &t.Summary, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("scan thread: %w", err))
	}
	t.ParentThread = parentThread.String
	if err := json.Unmarshal(participantsJSON, &t.Participants); err != nil {
		return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("unmarshal participants: %w", err))
	}
	if err := json.Unmarshal(metadataJSON, &t.Metadata); err != nil {
		return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("unmarshal thread metadata: %w", err))
	}
	return &t, nil
}
