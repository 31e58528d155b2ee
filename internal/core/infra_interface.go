package core

import (
	"context"

	"github.com/docmill/docmill/internal/models"
)

// DbClient defines all persistence operations the engines and services need.
// It abstracts Postgres/pgvector so higher layers never depend on a specific DB.
type DbClient interface {
	CreateUser(ctx context.Context, user *models.User) (err error)
	GetUserByEmail(ctx context.Context, email string) (user *models.User, err error)

	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocumentByID(ctx context.Context, id string) (*models.Document, error)
	ListDocumentsByUser(ctx context.Context, userID string) ([]models.Document, error)

	// SaveParseResult persists everything a successful parse produces in one
	// write: original text, canonical pages, aggregates, backend metadata,
	// and parsing_status=completed.
	SaveParseResult(ctx context.Context, id string, text string, pages []models.Page, meta models.ParseMeta) error

	// MarkParseFailed sets parsing_status=failed and stores the error message.
	MarkParseFailed(ctx context.Context, id string, errMsg string) error

	UpdateEmbeddingStatus(ctx context.Context, id string, status models.EmbeddingStatus) error
	UpdateEmbeddingProgress(ctx context.Context, id string, progress models.EmbeddingProgress) error

	// InsertPageVectors inserts a batch of vectors. Rows whose
	// (document_id, page_number, chunk_index) triple already exists are
	// silently skipped; inserted reports how many rows actually landed.
	InsertPageVectors(ctx context.Context, vectors []models.PageVector) (inserted int, err error)
	CountPageVectors(ctx context.Context, documentID string) (int, error)
	SearchPageVectors(ctx context.Context, docID string, queryVec []float32, limit int) ([]models.PageVector, error)

	Close() error
}

// ObjectClient defines interactions with S3 or any object storage.
// It's abstract so AWS can be replaced with MinIO, GCP, etc. easily.
// An empty bucket means the implementation's configured default.
type ObjectClient interface {
	UploadFile(ctx context.Context, bucket, key string, data []byte, contentType string) (url string, err error)
	DeleteFile(ctx context.Context, bucket, key string) error
	GetFile(ctx context.Context, bucket, key string) ([]byte, error)
}
