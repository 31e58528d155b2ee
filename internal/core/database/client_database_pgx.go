package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/pgvector/pgvector-go"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/docmill/docmill/internal/config"
	"github.com/docmill/docmill/internal/core"
	"github.com/docmill/docmill/internal/models"
)

type DatabaseClient struct {
	db *sql.DB
}

func NewDatabaseClient(ctx context.Context, cfg *config.Config) (core.DbClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database client configuration is nil")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}

	dsn := cfg.DatabaseURL
	if cfg.SslCertPath != "" {
		if _, err := os.Stat(cfg.SslCertPath); err != nil {
			return nil, fmt.Errorf("ssl cert not accessible at %q: %w", cfg.SslCertPath, err)
		}
		u, err := url.Parse(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid DATABASE_URL: %w", err)
		}
		q := u.Query()
		q.Set("sslmode", "verify-ca")
		q.Set("sslrootcert", cfg.SslCertPath)
		u.RawQuery = q.Encode()
		dsn = u.String()
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// Sensible pool settings for an API service; adjust as needed.
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := EnsureBootstrapped(pingCtx, db); err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	return &DatabaseClient{db: db}, nil
}

func (c *DatabaseClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Implementing the db interface for user

func (c *DatabaseClient) CreateUser(ctx context.Context, user *models.User) error {
	if user == nil {
		return errors.New("nil user")
	}
	const q = `
		INSERT INTO users (id, first_name, email, password_hash, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, COALESCE(NULLIF($5, ''), 'user'), COALESCE($6, now()), COALESCE($7, now()))
	`
	_, err := c.db.ExecContext(ctx, q,
		user.ID, user.FirstName, user.Email, user.PasswordHash, user.Role, user.CreatedAt, user.UpdatedAt)
	return err
}

func (c *DatabaseClient) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	const q = `
		SELECT id, first_name, email, password_hash, role, created_at, updated_at
		FROM users WHERE email = $1
	`
	var u models.User
	err := c.db.QueryRowContext(ctx, q, email).Scan(
		&u.ID, &u.FirstName, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt, &u.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Implementing the db interface for Document

func (c *DatabaseClient) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc == nil {
		return errors.New("nil document")
	}
	progress, err := json.Marshal(doc.Progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	meta, err := json.Marshal(doc.Meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	const q = `
		INSERT INTO documents
			(id, user_id, file_name, storage_url, source_type, content_type,
			 title, author, category, parsing_status, embedding_status,
			 embedding_progress, parse_meta, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			 COALESCE($14, now()), COALESCE($15, now()))
	`
	_, err = c.db.ExecContext(ctx, q,
		doc.ID, doc.UserID, doc.FileName, doc.StorageURL, doc.SourceType, doc.ContentType,
		doc.Title, doc.Author, doc.Category, doc.ParsingStatus, doc.EmbeddingStatus,
		progress, meta, doc.CreatedAt, doc.UpdatedAt)
	return err
}

func (c *DatabaseClient) GetDocumentByID(ctx context.Context, id string) (*models.Document, error) {
	const q = `
		SELECT id, user_id, file_name, storage_url, source_type, content_type,
		       title, author, category, parsing_status, embedding_status,
		       original_text, pages_data, page_count, embedding_progress, parse_meta,
		       created_at, updated_at
		FROM documents
		WHERE id = $1
	`
	var (
		d        models.Document
		pages    []byte
		progress []byte
		meta     []byte
	)
	err := c.db.QueryRowContext(ctx, q, id).Scan(
		&d.ID, &d.UserID, &d.FileName, &d.StorageURL, &d.SourceType, &d.ContentType,
		&d.Title, &d.Author, &d.Category, &d.ParsingStatus, &d.EmbeddingStatus,
		&d.OriginalText, &pages, &d.PageCount, &progress, &meta,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(pages, &d.Pages); err != nil {
		return nil, fmt.Errorf("unmarshal pages_data: %w", err)
	}
	if err := json.Unmarshal(progress, &d.Progress); err != nil {
		return nil, fmt.Errorf("unmarshal embedding_progress: %w", err)
	}
	if err := json.Unmarshal(meta, &d.Meta); err != nil {
		return nil, fmt.Errorf("unmarshal parse_meta: %w", err)
	}
	return &d, nil
}

func (c *DatabaseClient) ListDocumentsByUser(ctx context.Context, userID string) ([]models.Document, error) {
	const q = `
		SELECT id, user_id, file_name, storage_url, source_type, content_type,
		       title, author, category, parsing_status, embedding_status,
		       page_count, created_at, updated_at
		FROM documents
		WHERE user_id = $1
		ORDER BY created_at DESC
	`
	rows, err := c.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Document
	for rows.Next() {
		var d models.Document
		if err := rows.Scan(
			&d.ID, &d.UserID, &d.FileName, &d.StorageURL, &d.SourceType, &d.ContentType,
			&d.Title, &d.Author, &d.Category, &d.ParsingStatus, &d.EmbeddingStatus,
			&d.PageCount, &d.CreatedAt, &d.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SaveParseResult writes the full outcome of a successful parse in one update.
func (c *DatabaseClient) SaveParseResult(ctx context.Context, id string, text string, pages []models.Page, meta models.ParseMeta) error {
	pagesJSON, err := json.Marshal(pages)
	if err != nil {
		return fmt.Errorf("marshal pages: %w", err)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	const q = `
		UPDATE documents
		SET parsing_status = 'completed',
		    original_text  = $2,
		    pages_data     = $3,
		    page_count     = $4,
		    parse_meta     = $5,
		    updated_at     = now()
		WHERE id = $1
	`
	res, err := c.db.ExecContext(ctx, q, id, text, pagesJSON, len(pages), metaJSON)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("document not found: %s", id)
	}
	return nil
}

func (c *DatabaseClient) MarkParseFailed(ctx context.Context, id string, errMsg string) error {
	const q = `
		UPDATE documents
		SET parsing_status = 'failed',
		    parse_meta     = jsonb_set(parse_meta, '{error}', to_jsonb($2::text)),
		    updated_at     = now()
		WHERE id = $1
	`
	res, err := c.db.ExecContext(ctx, q, id, errMsg)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("document not found: %s", id)
	}
	return nil
}

func (c *DatabaseClient) UpdateEmbeddingStatus(ctx context.Context, id string, status models.EmbeddingStatus) error {
	const q = `
		UPDATE documents
		SET embedding_status = $2, updated_at = now()
		WHERE id = $1
	`
	res, err := c.db.ExecContext(ctx, q, id, status)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("document not found: %s", id)
	}
	return nil
}

func (c *DatabaseClient) UpdateEmbeddingProgress(ctx context.Context, id string, progress models.EmbeddingProgress) error {
	progressJSON, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	const q = `
		UPDATE documents
		SET embedding_progress = $2, updated_at = now()
		WHERE id = $1
	`
	_, err = c.db.ExecContext(ctx, q, id, progressJSON)
	return err
}

// Implementing the db interface for page vectors

// InsertPageVectors inserts vectors in a single transaction. The unique
// (document_id, page_number, chunk_index) constraint plus ON CONFLICT DO
// NOTHING makes re-submission of a batch idempotent.
func (c *DatabaseClient) InsertPageVectors(ctx context.Context, vectors []models.PageVector) (int, error) {
	if len(vectors) == 0 {
		return 0, nil
	}
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return 0, err
	}

	const q = `
		INSERT INTO page_vectors
			(id, document_id, page_number, chunk_index, text, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, now()))
		ON CONFLICT (document_id, page_number, chunk_index) DO NOTHING
	`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for i := range vectors {
		v := &vectors[i]
		vec := pgvector.NewVector(v.Embedding)

		res, err := stmt.ExecContext(ctx,
			v.ID, v.DocumentID, v.PageNumber, v.ChunkIndex, v.Text, vec, v.CreatedAt,
		)
		if err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

func (c *DatabaseClient) CountPageVectors(ctx context.Context, documentID string) (int, error) {
	const q = `SELECT COUNT(*) FROM page_vectors WHERE document_id = $1`
	var n int
	if err := c.db.QueryRowContext(ctx, q, documentID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// SearchPageVectors finds top-k similar page vectors within a document for a query embedding.
func (c *DatabaseClient) SearchPageVectors(ctx context.Context, docID string, queryVec []float32, limit int) ([]models.PageVector, error) {
	const q = `
		SELECT id, document_id, page_number, chunk_index, text, embedding
		FROM page_vectors
		WHERE document_id = $1
		ORDER BY embedding <-> $2
		LIMIT $3
	`
	vec := pgvector.NewVector(queryVec)
	rows, err := c.db.QueryContext(ctx, q, docID, vec, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PageVector
	for rows.Next() {
		var (
			v   models.PageVector
			emb pgvector.Vector
		)
		if err := rows.Scan(&v.ID, &v.DocumentID, &v.PageNumber, &v.ChunkIndex, &v.Text, &emb); err != nil {
			return nil, err
		}
		v.Embedding = emb.Slice()
		out = append(out, v)
	}
	return out, rows.Err()
}
