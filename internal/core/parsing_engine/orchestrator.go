package parsing_engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"
	"golang.org/x/sync/semaphore"

	"github.com/docmill/docmill/internal/core"
	"github.com/docmill/docmill/internal/models"
)

var (
	ErrUnknownParser    = errors.New("unknown parser choice")
	ErrDocumentNotFound = errors.New("document not found")
	ErrNotOwner         = errors.New("requester does not own this document")
)

// Orchestrator supervises one detached background parse per document: it
// creates the durable record first so the caller always has an id to poll,
// applies the pre-submission annotation safety check, dispatches to the
// chosen parser variant, and writes every status transition to the store.
type Orchestrator struct {
	db      core.DbClient
	storage core.ObjectClient
	bucket  string
	parsers map[string]core.DocumentParser
	sem     *semaphore.Weighted
	timeout time.Duration
}

func NewOrchestrator(db core.DbClient, storage core.ObjectClient, bucket string, parsers []core.DocumentParser, maxWorkers int64, timeout time.Duration) *Orchestrator {
	if maxWorkers <= 0 {
		maxWorkers = 8
	}
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	byName := make(map[string]core.DocumentParser, len(parsers))
	for _, p := range parsers {
		byName[p.Name()] = p
	}
	return &Orchestrator{
		db:      db,
		storage: storage,
		bucket:  bucket,
		parsers: byName,
		sem:     semaphore.NewWeighted(maxWorkers),
		timeout: timeout,
	}
}

// SubmitRequest carries one parse submission.
type SubmitRequest struct {
	UserID      string
	FileName    string
	ContentType string
	StorageURL  string
	SourceType  string // "upload" or "url"

	Title    string
	Author   string
	Category string

	Source   core.Source
	Parser   string
	Annotate bool

	// PageCount is optional; when zero the orchestrator probes PDF sources.
	PageCount int
}

// SubmitForParsing validates the parser choice, creates the Document record
// in processing state and returns it immediately; the parse itself runs as a
// detached background task.
func (o *Orchestrator) SubmitForParsing(ctx context.Context, req SubmitRequest) (*models.Document, error) {
	parser, ok := o.parsers[req.Parser]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownParser, req.Parser)
	}

	now := time.Now()
	doc := &models.Document{
		ID:              uuid.NewString(),
		UserID:          req.UserID,
		FileName:        req.FileName,
		StorageURL:      req.StorageURL,
		SourceType:      req.SourceType,
		ContentType:     req.ContentType,
		Title:           req.Title,
		Author:          req.Author,
		Category:        req.Category,
		ParsingStatus:   models.ParsingProcessing,
		EmbeddingStatus: models.EmbeddingNotStarted,
		Meta:            models.ParseMeta{Parser: parser.Name()},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := o.db.CreateDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}

	go o.runParse(doc.ID, parser, req.Source, core.ParseOptions{Annotate: req.Annotate, PageCount: req.PageCount})

	return doc, nil
}

// runParse is the background task for one document. It owns its own context:
// the originating request has long since returned.
func (o *Orchestrator) runParse(docID string, parser core.DocumentParser, src core.Source, opts core.ParseOptions) {
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	if err := o.sem.Acquire(ctx, 1); err != nil {
		o.markFailed(docID, "parse worker queue saturated: "+err.Error())
		return
	}
	defer o.sem.Release(1)

	// Uploaded sources live in object storage, not in the submit request;
	// read the bytes back here so the upload path never carries them around.
	if src.Kind == core.SourceFile && len(src.Data) == 0 && src.ObjectKey != "" {
		data, err := o.storage.GetFile(ctx, o.bucket, src.ObjectKey)
		if err != nil {
			log.Printf("parsing: document %s stored source fetch failed: %v", docID, err)
			o.markFailed(docID, "fetch stored source: "+err.Error())
			return
		}
		src.Data = data
	}

	if opts.PageCount == 0 && src.Kind == core.SourceFile && strings.Contains(src.ContentType, "pdf") {
		if n, err := countPDFPages(src.Data); err == nil {
			opts.PageCount = n
		} else {
			log.Printf("parsing: document %s page-count probe failed: %v", docID, err)
		}
	}

	// Pre-submission safety check: degrade the annotation feature instead of
	// letting the backend reject the whole job.
	if limit := parser.AnnotationPageLimit(); opts.Annotate && limit > 0 && opts.PageCount > limit {
		log.Printf("parsing: document %s has %d pages, over the %d-page annotation limit for %s; disabling annotation",
			docID, opts.PageCount, limit, parser.Name())
		opts.Annotate = false
	}

	result, err := parser.Parse(ctx, src, opts)
	if err != nil && opts.Annotate && core.IsBackendError(err) {
		// The annotation request is the most plausible culprit; retry exactly
		// once with the feature disabled.
		log.Printf("parsing: document %s failed with annotation enabled (%v); retrying without it", docID, err)
		opts.Annotate = false
		result, err = parser.Parse(ctx, src, opts)
	}
	if err != nil {
		log.Printf("parsing: document %s failed: %v", docID, err)
		o.markFailed(docID, err.Error())
		return
	}

	pages := NormalizePages(result.Pages)
	meta := models.ParseMeta{
		Parser: parser.Name(),
		Model:  result.Model,
		JobID:  result.JobID,
		Usage: models.ParseUsage{
			PagesProcessed: result.Usage.PagesProcessed,
			DocSizeBytes:   result.Usage.DocSizeBytes,
		},
		Annotation: result.Annotation,
	}
	// Terminal writes get their own context: the parse deadline may already
	// have expired, and a timed-out document must still land on "failed" or
	// "completed", never stay "processing".
	saveCtx, saveCancel := terminalWriteContext()
	defer saveCancel()
	if err := o.db.SaveParseResult(saveCtx, docID, JoinPageText(pages), pages, meta); err != nil {
		log.Printf("parsing: document %s persist failed: %v", docID, err)
		o.markFailed(docID, "persist parse result: "+err.Error())
		return
	}
	log.Printf("parsing: document %s completed with %d pages via %s", docID, len(pages), parser.Name())
}

func terminalWriteContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// markFailed records a terminal parse failure on a fresh context, independent
// of whatever deadline killed the parse itself.
func (o *Orchestrator) markFailed(docID string, msg string) {
	ctx, cancel := terminalWriteContext()
	defer cancel()
	if err := o.db.MarkParseFailed(ctx, docID, msg); err != nil {
		log.Printf("parsing: document %s failure write failed: %v", docID, err)
	}
}

// StatusResponse is the caller-facing polling shape: processing documents
// carry neither result nor error, completed ones carry the full document,
// failed ones carry the stored error message.
type StatusResponse struct {
	Status models.ParsingStatus `json:"status"`
	Result *models.Document     `json:"result,omitempty"`
	Error  string               `json:"error,omitempty"`
}

// GetStatus is a pure read with an ownership check: the requester must own
// the document or hold the admin role.
func (o *Orchestrator) GetStatus(ctx context.Context, docID, requesterID, role string) (*StatusResponse, error) {
	doc, err := o.db.GetDocumentByID(ctx, docID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, ErrDocumentNotFound
	}
	if doc.UserID != requesterID && role != "admin" {
		return nil, ErrNotOwner
	}

	switch doc.ParsingStatus {
	case models.ParsingCompleted:
		return &StatusResponse{Status: models.ParsingCompleted, Result: doc}, nil
	case models.ParsingFailed:
		return &StatusResponse{Status: models.ParsingFailed, Error: doc.Meta.Error}, nil
	default:
		return &StatusResponse{Status: models.ParsingProcessing}, nil
	}
}

// countPDFPages probes the page count without parsing content. Malformed
// files make the reader panic, hence the recover guard.
func countPDFPages(data []byte) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf probe: %v", r)
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("pdf probe: %w", err)
	}
	return r.NumPage(), nil
}
