package models

import (
	"time"
)

// ParsingStatus tracks the lifecycle of the background parse for a document.
type ParsingStatus string

const (
	ParsingPending    ParsingStatus = "pending"
	ParsingProcessing ParsingStatus = "processing"
	ParsingCompleted  ParsingStatus = "completed"
	ParsingFailed     ParsingStatus = "failed"
)

// EmbeddingStatus tracks the independent embedding lifecycle. It only moves
// once the parse has completed and an explicit start request arrives.
type EmbeddingStatus string

const (
	EmbeddingNotStarted EmbeddingStatus = "not_started"
	EmbeddingProcessing EmbeddingStatus = "processing"
	EmbeddingCompleted  EmbeddingStatus = "completed"
)

// User represents an authenticated user of the system.
type User struct {
	ID           string    `db:"id" json:"id"`
	FirstName    string    `db:"first_name" json:"first_name"`
	Email        string    `db:"email" json:"email"`
	PasswordHash string    `db:"password" json:"-"`
	Role         string    `db:"role" json:"role"` // "user" or "admin"
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Page is the canonical per-page record produced by the normalizer.
// PageNumber is 1-indexed and unique within a document.
type Page struct {
	PageNumber     int      `json:"page_number"`
	Text           string   `json:"text"`
	Markdown       string   `json:"markdown,omitempty"`
	Tables         []string `json:"tables,omitempty"`
	Images         []string `json:"images,omitempty"`
	WordCount      int      `json:"word_count"`
	CharacterCount int      `json:"character_count"`
	OCRConfidence  float64  `json:"ocr_confidence,omitempty"`
	Summary        string   `json:"summary,omitempty"`
}

// EmbeddingProgress is the resumable cursor for the embedding run. It is
// mutated only by the embedding pipeline: non-decreasing while the status is
// processing, reset to zero on successful completion.
type EmbeddingProgress struct {
	CurrentPage  int `json:"current_page"`
	CurrentChunk int `json:"current_chunk"`
}

// ParseUsage carries the backend's cost accounting for one parse.
type ParseUsage struct {
	PagesProcessed int `json:"pages_processed,omitempty"`
	DocSizeBytes   int `json:"doc_size_bytes,omitempty"`
}

// ParseMeta records which backend produced the pages and how.
type ParseMeta struct {
	Parser     string     `json:"parser,omitempty"`
	Model      string     `json:"model,omitempty"`
	JobID      string     `json:"job_id,omitempty"` // set only for the job-based backend
	Usage      ParseUsage `json:"usage,omitempty"`
	Annotation string     `json:"annotation,omitempty"`
	Error      string     `json:"error,omitempty"` // set only when parsing failed
}

// Document is the aggregate root tracking one uploaded or URL-sourced file
// through its parsing and embedding lifecycle.
type Document struct {
	ID          string `db:"id" json:"id"`
	UserID      string `db:"user_id" json:"user_id"`
	FileName    string `db:"file_name" json:"file_name"`
	StorageURL  string `db:"storage_url" json:"storage_url"` // S3 URL or original link
	SourceType  string `db:"source_type" json:"source_type"` // "upload" or "url"
	ContentType string `db:"content_type" json:"content_type"`

	// Descriptive metadata composed into the embeddable unit per page.
	Title    string `db:"title" json:"title,omitempty"`
	Author   string `db:"author" json:"author,omitempty"`
	Category string `db:"category" json:"category,omitempty"`

	ParsingStatus   ParsingStatus   `db:"parsing_status" json:"parsing_status"`
	EmbeddingStatus EmbeddingStatus `db:"embedding_status" json:"embedding_status"`

	OriginalText string `db:"original_text" json:"original_text,omitempty"`
	Pages        []Page `db:"pages_data" json:"pages_data,omitempty"`
	PageCount    int    `db:"page_count" json:"page_count"`

	Progress EmbeddingProgress `db:"embedding_progress" json:"embedding_progress"`
	Meta     ParseMeta         `db:"parse_meta" json:"parse_meta"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// PageVector is one persisted embedding for one (document, page, chunk)
// triple. The triple is unique at the storage layer so re-inserting a batch
// is idempotent.
type PageVector struct {
	ID         string    `db:"id" json:"id"`
	DocumentID string    `db:"document_id" json:"document_id"`
	PageNumber int       `db:"page_number" json:"page_number"`
	ChunkIndex int       `db:"chunk_index" json:"chunk_index"`
	Text       string    `db:"text" json:"text"`
	Embedding  []float32 `db:"embedding" json:"embedding"` // pgvector column
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
