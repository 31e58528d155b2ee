package embedding_engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"

	"github.com/docmill/docmill/internal/core"
	"github.com/docmill/docmill/internal/models"
)

// StartOutcome tells the caller what a start request did.
type StartOutcome string

const (
	Started          StartOutcome = "started"
	AlreadyRunning   StartOutcome = "already_running"
	AlreadyCompleted StartOutcome = "already_completed"
	NotFound         StartOutcome = "not_found"
)

// EmbeddingPipeline reads a parsed document's pages, composes one embeddable
// unit per page, submits fixed-size batches to the provider and persists one
// vector row per unit. The (document, page, chunk) uniqueness constraint in
// the store makes interrupted runs resumable without double-writing.
//
// An in-flight registry keyed by document id guarantees at most one active
// run per document; batches within a run execute strictly in page order.
type EmbeddingPipeline struct {
	db       core.DbClient
	embedder core.EmbeddingProvider
	cfg      *EmbedConfig
	splitter textsplitter.TextSplitter

	mu       sync.Mutex
	inflight map[string]*runToken
}

// runToken identifies one run. The registry holds the current run's token so a
// stale run winding down can never evict its successor's slot.
type runToken struct{}

func NewEmbeddingPipeline(db core.DbClient, embedder core.EmbeddingProvider, cfg *EmbedConfig) *EmbeddingPipeline {
	if cfg == nil {
		cfg = &EmbedConfig{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.MaxChunkChars <= 0 {
		cfg.MaxChunkChars = 8000
	}

	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(cfg.MaxChunkChars),
		textsplitter.WithChunkOverlap(0),
	)

	return &EmbeddingPipeline{
		db:       db,
		embedder: embedder,
		cfg:      cfg,
		splitter: splitter,
		inflight: make(map[string]*runToken),
	}
}

// StartEmbedding registers a run for the document and launches it in the
// background. A document already running rejects the second start; a
// completed document requires an explicit stop (reset) before re-embedding.
func (p *EmbeddingPipeline) StartEmbedding(ctx context.Context, docID string) (StartOutcome, error) {
	doc, err := p.db.GetDocumentByID(ctx, docID)
	if err != nil {
		return "", fmt.Errorf("load document: %w", err)
	}
	if doc == nil {
		return NotFound, nil
	}
	if doc.EmbeddingStatus == models.EmbeddingCompleted {
		return AlreadyCompleted, nil
	}

	p.mu.Lock()
	if _, running := p.inflight[docID]; running {
		p.mu.Unlock()
		return AlreadyRunning, nil
	}
	tok := &runToken{}
	p.inflight[docID] = tok
	p.mu.Unlock()

	go p.run(docID, tok)

	return Started, nil
}

// StopEmbedding removes the document from the in-flight registry and resets
// its embedding status so a future start is accepted. Cancellation is
// cooperative: a batch already submitted to the provider finishes, no further
// batches begin.
func (p *EmbeddingPipeline) StopEmbedding(docID string) bool {
	p.mu.Lock()
	_, wasRunning := p.inflight[docID]
	delete(p.inflight, docID)
	p.mu.Unlock()

	if err := p.db.UpdateEmbeddingStatus(context.Background(), docID, models.EmbeddingNotStarted); err != nil {
		log.Printf("embedding: document %s status reset failed: %v", docID, err)
	}
	return wasRunning
}

func (p *EmbeddingPipeline) active(docID string, tok *runToken) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inflight[docID] == tok
}

func (p *EmbeddingPipeline) release(docID string, tok *runToken) {
	p.mu.Lock()
	if p.inflight[docID] == tok {
		delete(p.inflight, docID)
	}
	p.mu.Unlock()
}

// run is the background embedding task for one document.
func (p *EmbeddingPipeline) run(docID string, tok *runToken) {
	// The slot is always freed, whatever happens below; on an error path the
	// status deliberately stays "processing" rather than pretending success.
	defer p.release(docID, tok)

	ctx := context.Background()

	doc, err := p.db.GetDocumentByID(ctx, docID)
	if err != nil || doc == nil {
		log.Printf("embedding: document %s load failed: %v", docID, err)
		return
	}

	// Durable "processing" marker first: a crash mid-run must not look like
	// an untouched document. The cursor write doubles as first-run
	// initialization for legacy records without one.
	if err := p.db.UpdateEmbeddingProgress(ctx, docID, doc.Progress); err != nil {
		log.Printf("embedding: document %s progress init failed: %v", docID, err)
		return
	}
	if err := p.db.UpdateEmbeddingStatus(ctx, docID, models.EmbeddingProcessing); err != nil {
		log.Printf("embedding: document %s status update failed: %v", docID, err)
		return
	}

	units := p.buildUnits(doc)
	if len(units) == 0 {
		log.Printf("embedding: document %s has no pages to embed", docID)
		_ = p.db.UpdateEmbeddingStatus(ctx, docID, models.EmbeddingCompleted)
		_ = p.db.UpdateEmbeddingProgress(ctx, docID, models.EmbeddingProgress{})
		return
	}

	failedBatches := 0
	for start := 0; start < len(units); start += p.cfg.BatchSize {
		// Cooperative stop: checked only between batches.
		if !p.active(docID, tok) {
			log.Printf("embedding: document %s stopped after %d units", docID, start)
			return
		}

		end := start + p.cfg.BatchSize
		if end > len(units) {
			end = len(units)
		}
		batch := units[start:end]

		if err := p.processBatch(ctx, docID, batch); err != nil {
			// A failed batch does not abort the remaining ones, but it does
			// block completion so a later start can resume idempotently.
			log.Printf("embedding: document %s batch at unit %d failed: %v", docID, start, err)
			failedBatches++
			continue
		}

		last := batch[len(batch)-1]
		cursor := models.EmbeddingProgress{CurrentPage: last.Page, CurrentChunk: last.Chunk}
		if err := p.db.UpdateEmbeddingProgress(ctx, docID, cursor); err != nil {
			log.Printf("embedding: document %s checkpoint write failed: %v", docID, err)
		}
	}

	if failedBatches > 0 {
		log.Printf("embedding: document %s finished with %d failed batches; leaving status processing for resume", docID, failedBatches)
		return
	}
	if !p.active(docID, tok) {
		return
	}

	if err := p.db.UpdateEmbeddingStatus(ctx, docID, models.EmbeddingCompleted); err != nil {
		log.Printf("embedding: document %s completion write failed: %v", docID, err)
		return
	}
	_ = p.db.UpdateEmbeddingProgress(ctx, docID, models.EmbeddingProgress{})
	log.Printf("embedding: document %s completed (%d units)", docID, len(units))
}

// processBatch embeds one batch in a single provider call and persists one
// vector row per unit. Duplicate triples are absorbed by the store.
func (p *EmbeddingPipeline) processBatch(ctx context.Context, docID string, batch []unit) error {
	texts := make([]string, len(batch))
	for i := range batch {
		texts[i] = batch[i].Text
	}

	vecs, err := p.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	if len(vecs) != len(batch) {
		return fmt.Errorf("embed size mismatch: got %d want %d", len(vecs), len(batch))
	}

	rows := make([]models.PageVector, len(batch))
	for i := range batch {
		rows[i] = models.PageVector{
			ID:         uuid.NewString(),
			DocumentID: docID,
			PageNumber: batch[i].Page,
			ChunkIndex: batch[i].Chunk,
			Text:       batch[i].Text,
			Embedding:  vecs[i],
			CreatedAt:  time.Now(),
		}
	}

	inserted, err := p.db.InsertPageVectors(ctx, rows)
	if err != nil {
		// Logged, not fatal: the remaining batches still run.
		log.Printf("embedding: document %s vector insert failed: %v", docID, err)
		return nil
	}
	if inserted < len(rows) {
		log.Printf("embedding: document %s skipped %d duplicate vectors", docID, len(rows)-inserted)
	}
	return nil
}

// buildUnits composes one embeddable unit per page, in page order. Units over
// the budget are split into chunks so no single provider input blows the
// token limit.
func (p *EmbeddingPipeline) buildUnits(doc *models.Document) []unit {
	units := make([]unit, 0, len(doc.Pages))
	for i := range doc.Pages {
		pg := &doc.Pages[i]
		text := composeUnit(doc, pg)
		if text == "" {
			continue
		}

		if len(text) <= p.cfg.MaxChunkChars {
			units = append(units, unit{Page: pg.PageNumber, Chunk: 0, Text: text})
			continue
		}

		parts, err := p.splitter.SplitText(text)
		if err != nil || len(parts) == 0 {
			units = append(units, unit{Page: pg.PageNumber, Chunk: 0, Text: text})
			continue
		}
		for ci, part := range parts {
			units = append(units, unit{Page: pg.PageNumber, Chunk: ci, Text: part})
		}
	}
	return units
}

// composeUnit prefixes the page text with document metadata and the page
// summary so retrieval can match on context, not raw OCR text alone.
func composeUnit(doc *models.Document, pg *models.Page) string {
	var b strings.Builder

	if doc.Title != "" || doc.Author != "" || doc.Category != "" {
		b.WriteString("[")
		fields := make([]string, 0, 3)
		if doc.Title != "" {
			fields = append(fields, "Title: "+doc.Title)
		}
		if doc.Author != "" {
			fields = append(fields, "Author: "+doc.Author)
		}
		if doc.Category != "" {
			fields = append(fields, "Category: "+doc.Category)
		}
		b.WriteString(strings.Join(fields, " | "))
		b.WriteString("]\n")
	}
	if pg.Summary != "" {
		b.WriteString("[Summary: " + pg.Summary + "]\n")
	}
	b.WriteString(pg.Text)

	return strings.TrimSpace(b.String())
}
