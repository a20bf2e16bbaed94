package documents

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

// PostgresConfig configures the Postgres-backed document store.
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
// cfg.RunMigrations is set, runs the embedded documents/document_chunks
// migration.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	db := cfg.DB
	if db == nil {
		if cfg.DSN == "" {
			return nil, errs.New(errs.KindFatal, "either DSN or DB must be provided")
		}
		var err error
		db, err = sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, errs.Wrap(errs.KindFatal, fmt.Errorf("open document store: %w", err))
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
			return nil, errs.Wrap(errs.KindFatal, fmt.Errorf("ping document store: %w", err))
		}
	}

	store := &PostgresStore{db: db}
	if cfg.RunMigrations {
		if _, err := db.ExecContext(ctx, documentsSchemaSQL); err != nil {
			return nil, errs.Wrap(errs.KindFatal, fmt.Errorf("documents: run migrations: %w", err))
		}
	}
	return store, nil
}

func (s *PostgresStore) Create(ctx context.Context, doc *models.Document) error {
	if doc == nil {
		return errs.New(errs.KindValidation, "document is nil")
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	now := time.Now()
	doc.CreatedAt, doc.UpdatedAt = now, now

	metadata, err := json.Marshal(doc.Metadata)
	if err != nil {
		return errs.Wrap(errs.KindValidation, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (
			id, namespace, title, source, content_type, content_hash,
			status, error, chunk_count, metadata, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11)
	`, doc.ID, doc.Namespace, doc.Title, doc.Source, doc.ContentType, doc.ContentHash,
		string(doc.Status), doc.Error, doc.ChunkCount, metadata, now)
	if err != nil {
		return errs.Wrap(errs.KindStorage, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, namespace, title, source, content_type, content_hash,
		       status, error, chunk_count, metadata, created_at, updated_at
		FROM documents WHERE id = $1
	`, id)
	return scanDocument(row)
}

func (s *PostgresStore) FindByHash(ctx context.Context, namespace, contentHash string) (*models.Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, namespace, title, source, content_type, content_hash,
		       status, error, chunk_count, metadata, created_at, updated_at
		FROM documents WHERE namespace = $1 AND content_hash = $2
		ORDER BY created_at DESC LIMIT 1
	`, namespace, contentHash)
	return scanDocument(row)
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status models.DocumentStatus, errMsg string, chunkCount int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = $2, error = $3,
		       chunk_count = CASE WHEN $4 > 0 THEN $4 ELSE chunk_count END,
		       updated_at = $5
		WHERE id = $1
	`, id, string(status), errMsg, chunkCount, time.Now())
	if err != nil {
		return errs.Wrap(errs.KindStorage, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id); err != nil {
		return errs.Wrap(errs.KindStorage, err)
	}
	return nil
}

func (s *PostgresStore) CreateChunks(ctx context.Context, chunks []*models.DocumentChunk) error {
	for _, c := range chunks {
		if c == nil {
			continue
		}
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = time.Now()
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO document_chunks (
				id, document_id, chunk_index, content, token_count,
				start_position, end_position, created_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, c.ID, c.DocumentID, c.ChunkIndex, c.Content, c.TokenCount,
			c.StartPosition, c.EndPosition, c.CreatedAt)
		if err != nil {
			return errs.Wrap(errs.KindStorage, err)
		}
	}
	return nil
}

func scanDocument(row *sql.Row) (*models.Document, error) {
	var doc models.Document
	var status string
	var metadata []byte

	if err := row.Scan(&doc.ID, &doc.Namespace, &doc.Title, &doc.Source, &doc.ContentType,
		&doc.ContentHash, &status, &doc.Error, &doc.ChunkCount, &metadata,
		&doc.CreatedAt, &doc.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.ErrNotFound
		}
		return nil, errs.Wrap(errs.KindStorage, err)
	}
	doc.Status = models.DocumentStatus(status)
	if len(metadata) > 0 && string(metadata) != "null" {
		if err := json.Unmarshal(metadata, &doc.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &doc, nil
}

const documentsSchemaSQL = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	namespace TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	content_hash TEXT NOT NULL,
	status TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	chunk_count INTEGER NOT NULL DEFAULT 0,
	metadata JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_namespace_hash ON documents (namespace, content_hash);

CREATE TABLE IF NOT EXISTS document_chunks (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents (id) ON DELETE CASCADE,
	chunk_index INTEGER NOT NULL,
	content TEXT NOT NULL,
	token_count INTEGER NOT NULL DEFAULT 0,
	start_position INTEGER NOT NULL DEFAULT 0,
	end_position INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_document_chunks_document ON document_chunks (document_id, chunk_index);
`
