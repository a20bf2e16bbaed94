package graph

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/conclave-run/conclave/internal/errs"
	"github.com/conclave-run/conclave/pkg/models"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresConfig configures a Postgres-backed graph store.
type PostgresConfig struct {
	// DSN is the PostgreSQL connection string. Ignored if DB is set.
	DSN string

	// DB reuses an existing connection; the store will not close it.
	DB *sql.DB

	// Dimension is the embedding vector width. It is recorded on the store;
	// embeddings are not checked against it.
	Dimension int

	// RunMigrations applies the embedded schema on startup when true. The
	// zero value (false) skips migrations.
	RunMigrations bool

	MaxConnections  int
	ConnMaxLifetime time.Duration
}

// PostgresStore implements Store on top of Postgres with the pgvector
// extension for cosine similarity search.
type PostgresStore struct {
	db        *sql.DB
	dimension int
	ownsDB    bool
}

// NewPostgresStore opens (or reuses) a Postgres connection and, when
// cfg.RunMigrations is set, applies the embedded node/edge schema.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	var db *sql.DB
	var ownsDB bool

	switch {
	case cfg.DB != nil:
		db = cfg.DB
	case cfg.DSN != "":
		var err error
		db, err = sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, errs.Wrap(errs.KindFatal, fmt.Errorf("open graph store: %w", err))
		}
		ownsDB = true
		if cfg.MaxConnections > 0 {
			db.SetMaxOpenConns(cfg.MaxConnections)
		}
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			db.Close()
			return nil, errs.Wrap(errs.KindFatal, fmt.Errorf("ping graph store: %w", err))
		}
	default:
		return nil, errs.New(errs.KindFatal, "either DSN or DB must be provided")
	}

	s := &PostgresStore{db: db, dimension: cfg.Dimension, ownsDB: ownsDB}

	if cfg.RunMigrations {
		if err := s.runMigrations(ctx); err != nil {
			if ownsDB {
				db.Close()
			}
			return nil, errs.Wrap(errs.KindFatal, fmt.Errorf("run graph migrations: %w", err))
		}
	}

	return s, nil
}

// Close releases the underlying connection if this store opened it.
func (s *PostgresStore) Close() error {
	if s.ownsDB && s.db != nil {
		return s.db.Close()
	}
	return nil
}

type migration struct {
	id      string
	upSQL   string
	downSQL string
}

func (s *PostgresStore) runMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS graph_schema_migrations (
			id TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("create graph_schema_migrations: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	applied := map[string]bool{}
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM graph_schema_migrations`)
	if err != nil {
		return fmt.Errorf("query graph_schema_migrations: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan graph_schema_migrations: %w", err)
		}
		applied[id] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.id] {
			continue
		}
		if strings.TrimSpace(m.upSQL) == "" {
			return fmt.Errorf("missing up migration for %s", m.id)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", m.id, err)
		}
		if _, err := tx.ExecContext(ctx, m.upSQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", m.id, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO graph_schema_migrations (id) VALUES ($1)`, m.id); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", m.id, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", m.id, err)
		}
	}

	return nil
}

func loadMigrations() ([]migration, error) {
	paths, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return nil, err
	}

	entries := map[string]*migration{}
	for _, path := range paths {
		base := strings.TrimPrefix(path, "migrations/")
		var suffix string
		switch {
		case strings.HasSuffix(base, ".up.sql"):
			suffix = ".up.sql"
		case strings.HasSuffix(base, ".down.sql"):
			suffix = ".down.sql"
		default:
			continue
		}
		id := strings.TrimSuffix(base, suffix)
		entry := entries[id]
		if entry == nil {
			entry = &migration{id: id}
			entries[id] = entry
		}
		data, err := migrationsFS.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if suffix == ".up.sql" {
			entry.upSQL = string(data)
		} else {
			entry.downSQL = string(data)
		}
	}

	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]migration, 0, len(ids))
	for _, id := range ids {
		out = append(out, *entries[id])
	}
	return out, nil
}

func encodeEmbedding(embedding []float32) sql.NullString {
	if len(embedding) == 0 {
		return sql.NullString{}
	}
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range embedding {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(fmt.Sprintf("%g", f))
	}
	sb.WriteByte(']')
	return sql.NullString{String: sb.String(), Valid: true}
}

func decodeEmbedding(raw string) []float32 {
	raw = strings.TrimPrefix(raw, "[")
	raw = strings.TrimSuffix(raw, "]")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	embedding := make([]float32, len(parts))
	for i, p := range parts {
		var f float64
		fmt.Sscanf(strings.TrimSpace(p), "%f", &f)
		embedding[i] = float32(f)
	}
	return embedding
}

func (s *PostgresStore) CreateNode(ctx context.Context, node *models.Node) error {
	if node == nil {
		return errs.New(errs.KindValidation, "node is nil")
	}
	if node.ID == "" {
		node.ID = uuid.NewString()
	}
	now := time.Now()
	if node.CreatedAt.IsZero() {
		node.CreatedAt = now
	}
	node.UpdatedAt = now

	data, err := json.Marshal(node.Data)
	if err != nil {
		return errs.Wrap(errs.KindValidation, fmt.Errorf("marshal node data: %w", err))
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO graph_nodes (id, namespace, type, name, content, embedding, data, source_type, source_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, node.ID, node.Namespace, node.Type, node.Name, node.Content, encodeEmbedding(node.Embedding), data, node.SourceType, node.SourceID, node.CreatedAt, node.UpdatedAt)
	if err != nil {
		return errs.Wrap(errs.KindStorage, fmt.Errorf("insert node: %w", err))
	}
	return nil
}

func (s *PostgresStore) GetNode(ctx context.Context, id string) (*models.Node, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, namespace, type, name, content, embedding, data, source_type, source_id, created_at, updated_at
		FROM graph_nodes WHERE id = $1
	`, id)
	return scanNode(row)
}

func (s *PostgresStore) UpdateNode(ctx context.Context, id string, update models.NodeUpdate) error {
	node, err := s.GetNode(ctx, id)
	if err != nil {
		return err
	}
	if update.Name != nil {
		node.Name = *update.Name
	}
	if update.Content != nil {
		node.Content = *update.Content
	}
	if update.Embedding != nil {
		node.Embedding = update.Embedding
	}
	if update.Data != nil {
		node.Data = update.Data
	}

	data, err := json.Marshal(node.Data)
	if err != nil {
		return errs.Wrap(errs.KindValidation, fmt.Errorf("marshal node data: %w", err))
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE graph_nodes SET name = $1, content = $2, embedding = $3, data = $4, updated_at = $5
		WHERE id = $6
	`, node.Name, node.Content, encodeEmbedding(node.Embedding), data, time.Now(), id)
	if err != nil {
		return errs.Wrap(errs.KindStorage, fmt.Errorf("update node: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteNode(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM graph_nodes WHERE id = $1`, id)
	if err != nil {
		return errs.Wrap(errs.KindStorage, fmt.Errorf("delete node: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListNodes(ctx context.Context, namespace string, nodeTypes []string, limit int) ([]*models.Node, error) {
	query := `
		SELECT id, namespace, type, name, content, embedding, data, source_type, source_id, created_at, updated_at
		FROM graph_nodes WHERE namespace = $1
	`
	args := []any{namespace}
	argNum := 2
	if len(nodeTypes) > 0 {
		placeholders := make([]string, len(nodeTypes))
		for i, t := range nodeTypes {
			placeholders[i] = fmt.Sprintf("$%d", argNum)
			args = append(args, t)
			argNum++
		}
		query += fmt.Sprintf(" AND type IN (%s)", strings.Join(placeholders, ","))
	}
	query += " ORDER BY created_at ASC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("list nodes: %w", err))
	}
	defer rows.Close()

	var nodes []*models.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

func (s *PostgresStore) CreateEdge(ctx context.Context, edge *models.Edge) error {
	if edge == nil {
		return errs.New(errs.KindValidation, "edge is nil")
	}
	if edge.ID == "" {
		edge.ID = uuid.NewString()
	}
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = time.Now()
	}

	data, err := json.Marshal(edge.Data)
	if err != nil {
		return errs.Wrap(errs.KindValidation, fmt.Errorf("marshal edge data: %w", err))
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO graph_edges (id, source_node_id, target_node_id, type, data, weight, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, edge.ID, edge.SourceID, edge.TargetID, edge.Type, data, edge.Weight, edge.CreatedAt)
	if err != nil {
		return errs.Wrap(errs.KindStorage, fmt.Errorf("insert edge: %w", err))
	}
	return nil
}

func (s *PostgresStore) GetEdgesForNode(ctx context.Context, nodeID string, direction models.EdgeDirection, edgeTypes []string) ([]*models.Edge, error) {
	var clause string
	args := []any{nodeID}
	switch direction {
	case models.EdgeDirOut:
		clause = "source_node_id = $1"
	case models.EdgeDirIn:
		clause = "target_node_id = $1"
	default:
		clause = "(source_node_id = $1 OR target_node_id = $1)"
	}

	query := fmt.Sprintf(`
		SELECT id, source_node_id, target_node_id, type, data, weight, created_at
		FROM graph_edges WHERE %s
	`, clause)
	argNum := 2
	if len(edgeTypes) > 0 {
		placeholders := make([]string, len(edgeTypes))
		for i, t := range edgeTypes {
			placeholders[i] = fmt.Sprintf("$%d", argNum)
			args = append(args, t)
			argNum++
		}
		query += fmt.Sprintf(" AND type IN (%s)", strings.Join(placeholders, ","))
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("list edges: %w", err))
	}
	defer rows.Close()

	var edges []*models.Edge
	for rows.Next() {
		var edge models.Edge
		var dataJSON []byte
		if err := rows.Scan(&edge.ID, &edge.SourceID, &edge.TargetID, &edge.Type, &dataJSON, &edge.Weight, &edge.CreatedAt); err != nil {
			return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("scan edge: %w", err))
		}
		if err := json.Unmarshal(dataJSON, &edge.Data); err != nil {
			return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("unmarshal edge data: %w", err))
		}
		edges = append(edges, &edge)
	}
	return edges, rows.Err()
}

func (s *PostgresStore) DeleteEdge(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM graph_edges WHERE id = $1`, id)
	if err != nil {
		return errs.Wrap(errs.KindStorage, fmt.Errorf("delete edge: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SearchNodes(ctx context.Context, query models.SearchQuery) ([]models.ScoredNode, error) {
	if query.Limit <= 0 {
		query.Limit = 10
	}
	queryVec := encodeEmbedding(query.Embedding)

	sqlQuery := `
		SELECT id, namespace, type, name, content, embedding, data, source_type, source_id, created_at, updated_at,
			1 - (embedding <=> $1::vector) AS similarity
		FROM graph_nodes
		WHERE embedding IS NOT NULL
	`
	args := []any{queryVec.String}
	argNum := 2

	if len(query.Namespaces) > 0 {
		placeholders := make([]string, len(query.Namespaces))
		for i, ns := range query.Namespaces {
			placeholders[i] = fmt.Sprintf("$%d", argNum)
			args = append(args, ns)
			argNum++
		}
		sqlQuery += fmt.Sprintf(" AND namespace IN (%s)", strings.Join(placeholders, ","))
	}
	if len(query.NodeTypes) > 0 {
		placeholders := make([]string, len(query.NodeTypes))
		for i, t := range query.NodeTypes {
			placeholders[i] = fmt.Sprintf("$%d", argNum)
			args = append(args, t)
			argNum++
		}
		sqlQuery += fmt.Sprintf(" AND type IN (%s)", strings.Join(placeholders, ","))
	}

	sqlQuery += fmt.Sprintf(" AND (1 - (embedding <=> $1::vector)) >= $%d", argNum)
	args = append(args, query.MinSimilarity)
	argNum++

	sqlQuery += " ORDER BY embedding <=> $1::vector ASC"
	sqlQuery += fmt.Sprintf(" LIMIT $%d", argNum)
	args = append(args, query.Limit)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("search nodes: %w", err))
	}
	defer rows.Close()

	var scored []models.ScoredNode
	for rows.Next() {
		node, similarity, err := scanScoredNode(rows)
		if err != nil {
			return nil, err
		}
		scored = append(scored, models.ScoredNode{Node: node, Similarity: similarity})
	}
	return scored, rows.Err()
}

func (s *PostgresStore) SearchChunksFromGraph(ctx context.Context, query models.ChunkSearchQuery) ([]models.ScoredChunk, error) {
	if query.Limit <= 0 {
		query.Limit = 10
	}
	queryVec := encodeEmbedding(query.Embedding)

	sqlQuery := `
		SELECT
			c.id, c.namespace, c.type, c.name, c.content, c.embedding, c.data, c.source_type, c.source_id, c.created_at, c.updated_at,
			d.id, d.namespace, d.type, d.name, d.content, d.embedding, d.data, d.source_type, d.source_id, d.created_at, d.updated_at,
			1 - (c.embedding <=> $1::vector) AS similarity
		FROM graph_nodes c
		LEFT JOIN graph_nodes d ON d.id = (c.data->>'document_node_id')
		WHERE c.type = 'chunk' AND c.embedding IS NOT NULL
	`
	args := []any{queryVec.String}
	argNum := 2

	if len(query.Namespaces) > 0 {
		placeholders := make([]string, len(query.Namespaces))
		for i, ns := range query.Namespaces {
			placeholders[i] = fmt.Sprintf("$%d", argNum)
			args = append(args, ns)
			argNum++
		}
		sqlQuery += fmt.Sprintf(" AND c.namespace IN (%s)", strings.Join(placeholders, ","))
	}

	sqlQuery += fmt.Sprintf(" AND (1 - (c.embedding <=> $1::vector)) >= $%d", argNum)
	args = append(args, query.Threshold)
	argNum++

	sqlQuery += " ORDER BY c.embedding <=> $1::vector ASC"
	sqlQuery += fmt.Sprintf(" LIMIT $%d", argNum)
	args = append(args, query.Limit)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("search chunks: %w", err))
	}
	defer rows.Close()

	var scored []models.ScoredChunk
	for rows.Next() {
		var chunk, doc models.Node
		var chunkEmbedding, docEmbedding sql.NullString
		var chunkData, docData []byte
		var docID, docNamespace, docType, docName, docContent, docSourceType, docSourceID sql.NullString
		var docCreatedAt, docUpdatedAt sql.NullTime
		var similarity float64

		err := rows.Scan(
			&chunk.ID, &chunk.Namespace, &chunk.Type, &chunk.Name, &chunk.Content, &chunkEmbedding, &chunkData, &chunk.SourceType, &chunk.SourceID, &chunk.CreatedAt, &chunk.UpdatedAt,
			&docID, &docNamespace, &docType, &docName, &docContent, &docEmbedding, &docData, &docSourceType, &docSourceID, &docCreatedAt, &docUpdatedAt,
			&similarity,
		)
		if err != nil {
			return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("scan scored chunk: %w", err))
		}
		if chunkEmbedding.Valid {
			chunk.Embedding = decodeEmbedding(chunkEmbedding.String)
		}
		if err := json.Unmarshal(chunkData, &chunk.Data); err != nil {
			return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("unmarshal chunk data: %w", err))
		}

		var docPtr *models.Node
		if docID.Valid {
			doc.ID, doc.Namespace, doc.Type, doc.Name, doc.Content = docID.String, docNamespace.String, docType.String, docName.String, docContent.String
			doc.SourceType, doc.SourceID = docSourceType.String, docSourceID.String
			doc.CreatedAt, doc.UpdatedAt = docCreatedAt.Time, docUpdatedAt.Time
			if docEmbedding.Valid {
				doc.Embedding = decodeEmbedding(docEmbedding.String)
			}
			if len(docData) > 0 {
				if err := json.Unmarshal(docData, &doc.Data); err != nil {
					return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("unmarshal document data: %w", err))
				}
			}
			docPtr = &doc
		}

		scored = append(scored, models.ScoredChunk{Chunk: &chunk, Document: docPtr, Similarity: float32(similarity)})
	}
	return scored, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(r rowScanner) (*models.Node, error) {
	var node models.Node
	var embeddingStr sql.NullString
	var dataJSON []byte

	err := r.Scan(&node.ID, &node.Namespace, &node.Type, &node.Name, &node.Content, &embeddingStr, &dataJSON, &node.SourceType, &node.SourceID, &node.CreatedAt, &node.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("scan node: %w", err))
	}
	if embeddingStr.Valid {
		node.Embedding = decodeEmbedding(embeddingStr.String)
	}
	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &node.Data); err != nil {
			return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("unmarshal node data: %w", err))
		}
	}
	return &node, nil
}

func scanScoredNode(r rowScanner) (*models.Node, float32, error) {
	var node models.Node
	var embeddingStr sql.NullString
	var dataJSON []byte
	var similarity float64

	err := r.Scan(&node.ID, &node.Namespace, &node.Type, &node.Name, &node.Content, &embeddingStr, &dataJSON, &node.SourceType, &node.SourceID, &node.CreatedAt, &node.UpdatedAt, &similarity)
	if err != nil {
		return nil, 0, errs.Wrap(errs.KindStorage, fmt.Errorf("scan scored node: %w", err))
	}
	if embeddingStr.Valid {
		node.Embedding = decodeEmbedding(embeddingStr.String)
	}
	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &node.Data); err != nil {
			return nil, 0, errs.Wrap(errs.KindStorage, fmt.Errorf("unmarshal node data: %w", err))
		}
	}
	return &node, float32(similarity), nil
}
