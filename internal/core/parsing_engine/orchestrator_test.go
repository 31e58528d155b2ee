package parsing_engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docmill/docmill/internal/core"
	"github.com/docmill/docmill/internal/models"
)

// memStore is an in-memory core.DbClient covering what the orchestrator touches.
type memStore struct {
	mu   sync.Mutex
	docs map[string]*models.Document
}

func newMemStore() *memStore {
	return &memStore{docs: make(map[string]*models.Document)}
}

func (s *memStore) CreateUser(ctx context.Context, user *models.User) error { return nil }
func (s *memStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return nil, nil
}

func (s *memStore) CreateDocument(ctx context.Context, doc *models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *doc
	s.docs[doc.ID] = &cp
	return nil
}

func (s *memStore) GetDocumentByID(ctx context.Context, id string) (*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, nil
	}
	cp := *doc
	return &cp, nil
}

func (s *memStore) ListDocumentsByUser(ctx context.Context, userID string) ([]models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Document
	for _, d := range s.docs {
		if d.UserID == userID {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (s *memStore) SaveParseResult(ctx context.Context, id string, text string, pages []models.Page, meta models.ParseMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return errors.New("no such document")
	}
	doc.OriginalText = text
	doc.Pages = pages
	doc.PageCount = len(pages)
	doc.Meta = meta
	doc.ParsingStatus = models.ParsingCompleted
	return nil
}

func (s *memStore) MarkParseFailed(ctx context.Context, id string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return errors.New("no such document")
	}
	doc.ParsingStatus = models.ParsingFailed
	doc.Meta.Error = errMsg
	return nil
}

func (s *memStore) UpdateEmbeddingStatus(ctx context.Context, id string, status models.EmbeddingStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc, ok := s.docs[id]; ok {
		doc.EmbeddingStatus = status
	}
	return nil
}

func (s *memStore) UpdateEmbeddingProgress(ctx context.Context, id string, progress models.EmbeddingProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc, ok := s.docs[id]; ok {
		doc.Progress = progress
	}
	return nil
}

func (s *memStore) InsertPageVectors(ctx context.Context, vectors []models.PageVector) (int, error) {
	return len(vectors), nil
}

func (s *memStore) CountPageVectors(ctx context.Context, documentID string) (int, error) {
	return 0, nil
}

func (s *memStore) SearchPageVectors(ctx context.Context, docID string, queryVec []float32, limit int) ([]models.PageVector, error) {
	return nil, nil
}

func (s *memStore) Close() error { return nil }

var _ core.DbClient = (*memStore)(nil)

// scriptedParser replays canned replies and records the options it received.
type scriptedParser struct {
	name  string
	limit int

	mu      sync.Mutex
	calls   []core.ParseOptions
	srcs    []core.Source
	replies []parseReply
}

type parseReply struct {
	res *core.ParseResult
	err error
}

func (p *scriptedParser) Name() string { return p.name }

func (p *scriptedParser) AnnotationPageLimit() int { return p.limit }

func (p *scriptedParser) Parse(ctx context.Context, src core.Source, opts core.ParseOptions) (*core.ParseResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, opts)
	p.srcs = append(p.srcs, src)
	if len(p.replies) == 0 {
		return &core.ParseResult{Pages: []core.RawPage{{Page: 1, Text: "ok"}}}, nil
	}
	reply := p.replies[0]
	if len(p.replies) > 1 {
		p.replies = p.replies[1:]
	}
	return reply.res, reply.err
}

func (p *scriptedParser) recorded() []core.ParseOptions {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]core.ParseOptions, len(p.calls))
	copy(out, p.calls)
	return out
}

func waitForStatus(t *testing.T, store *memStore, id string, want models.ParsingStatus) *models.Document {
	t.Helper()
	var doc *models.Document
	require.Eventually(t, func() bool {
		doc, _ = store.GetDocumentByID(context.Background(), id)
		return doc != nil && doc.ParsingStatus == want
	}, 2*time.Second, 5*time.Millisecond)
	return doc
}

func TestSubmitForParsingUnknownParser(t *testing.T) {
	store := newMemStore()
	o := NewOrchestrator(store, nil, "", nil, 2, time.Minute)

	_, err := o.SubmitForParsing(context.Background(), SubmitRequest{Parser: "nope"})
	require.ErrorIs(t, err, ErrUnknownParser)
	assert.Empty(t, store.docs)
}

func TestSubmitForParsingReturnsImmediately(t *testing.T) {
	store := newMemStore()
	parser := &scriptedParser{name: "fake", replies: []parseReply{{
		res: &core.ParseResult{
			Pages: []core.RawPage{{Page: 2, Text: "second"}, {Page: 1, Text: "first"}},
			Model: "fake-model",
		},
	}}}
	o := NewOrchestrator(store, nil, "", []core.DocumentParser{parser}, 2, time.Minute)

	doc, err := o.SubmitForParsing(context.Background(), SubmitRequest{
		UserID: "u1", FileName: "a.pdf", Parser: "fake",
		Source: core.Source{Kind: core.SourceURL, URL: "https://example.com/a.pdf"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, doc.ID)
	assert.Equal(t, models.ParsingProcessing, doc.ParsingStatus)
	assert.Equal(t, models.EmbeddingNotStarted, doc.EmbeddingStatus)

	final := waitForStatus(t, store, doc.ID, models.ParsingCompleted)
	require.Len(t, final.Pages, 2)
	assert.Equal(t, 1, final.Pages[0].PageNumber) // normalizer sorted them
	assert.Equal(t, "first\n\nsecond", final.OriginalText)
	assert.Equal(t, 2, final.PageCount)
	assert.Equal(t, "fake-model", final.Meta.Model)
}

func TestRunParseTerminalFailure(t *testing.T) {
	store := newMemStore()
	parser := &scriptedParser{name: "fake", replies: []parseReply{{
		err: &core.BackendError{Backend: "fake", Status: "ERROR", Message: "corrupt input"},
	}}}
	o := NewOrchestrator(store, nil, "", []core.DocumentParser{parser}, 2, time.Minute)

	doc, err := o.SubmitForParsing(context.Background(), SubmitRequest{
		UserID: "u1", Parser: "fake",
		Source: core.Source{Kind: core.SourceURL, URL: "https://example.com/a.pdf"},
	})
	require.NoError(t, err)

	final := waitForStatus(t, store, doc.ID, models.ParsingFailed)
	assert.Contains(t, final.Meta.Error, "corrupt input")
	assert.Len(t, parser.recorded(), 1) // annotation off, so no retry
}

func TestRunParseRetriesOnceWithoutAnnotation(t *testing.T) {
	store := newMemStore()
	parser := &scriptedParser{name: "fake", limit: 8, replies: []parseReply{
		{err: &core.BackendError{Backend: "fake", Status: "422", Message: "annotation rejected"}},
		{res: &core.ParseResult{Pages: []core.RawPage{{Page: 1, Text: "recovered"}}}},
	}}
	o := NewOrchestrator(store, nil, "", []core.DocumentParser{parser}, 2, time.Minute)

	doc, err := o.SubmitForParsing(context.Background(), SubmitRequest{
		UserID: "u1", Parser: "fake", Annotate: true, PageCount: 3,
		Source: core.Source{Kind: core.SourceURL, URL: "https://example.com/a.pdf"},
	})
	require.NoError(t, err)

	waitForStatus(t, store, doc.ID, models.ParsingCompleted)

	calls := parser.recorded()
	require.Len(t, calls, 2)
	assert.True(t, calls[0].Annotate)
	assert.False(t, calls[1].Annotate)
}

func TestRunParseNoRetryOnTimeout(t *testing.T) {
	// A poll timeout is not a backend rejection, so annotation gets no blame
	// and the parse is not re-submitted.
	store := newMemStore()
	parser := &scriptedParser{name: "fake", limit: 8, replies: []parseReply{
		{err: fmt.Errorf("%w: job j1 not terminal after 3 attempts", core.ErrPollTimeout)},
	}}
	o := NewOrchestrator(store, nil, "", []core.DocumentParser{parser}, 2, time.Minute)

	doc, err := o.SubmitForParsing(context.Background(), SubmitRequest{
		UserID: "u1", Parser: "fake", Annotate: true, PageCount: 3,
		Source: core.Source{Kind: core.SourceURL, URL: "https://example.com/a.pdf"},
	})
	require.NoError(t, err)

	final := waitForStatus(t, store, doc.ID, models.ParsingFailed)
	assert.Contains(t, final.Meta.Error, "not terminal")
	assert.Len(t, parser.recorded(), 1)
}

func TestRunParseDisablesAnnotationOverPageLimit(t *testing.T) {
	store := newMemStore()
	parser := &scriptedParser{name: "fake", limit: 8}
	o := NewOrchestrator(store, nil, "", []core.DocumentParser{parser}, 2, time.Minute)

	doc, err := o.SubmitForParsing(context.Background(), SubmitRequest{
		UserID: "u1", Parser: "fake", Annotate: true, PageCount: 9,
		Source: core.Source{Kind: core.SourceURL, URL: "https://example.com/a.pdf"},
	})
	require.NoError(t, err)

	waitForStatus(t, store, doc.ID, models.ParsingCompleted)

	calls := parser.recorded()
	require.Len(t, calls, 1)
	assert.False(t, calls[0].Annotate) // silently degraded, parse still succeeds
}

func TestRunParseKeepsAnnotationAtLimit(t *testing.T) {
	store := newMemStore()
	parser := &scriptedParser{name: "fake", limit: 8}
	o := NewOrchestrator(store, nil, "", []core.DocumentParser{parser}, 2, time.Minute)

	doc, err := o.SubmitForParsing(context.Background(), SubmitRequest{
		UserID: "u1", Parser: "fake", Annotate: true, PageCount: 8,
		Source: core.Source{Kind: core.SourceURL, URL: "https://example.com/a.pdf"},
	})
	require.NoError(t, err)

	waitForStatus(t, store, doc.ID, models.ParsingCompleted)

	calls := parser.recorded()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Annotate)
}

func TestGetStatus(t *testing.T) {
	store := newMemStore()
	parser := &scriptedParser{name: "fake"}
	o := NewOrchestrator(store, nil, "", []core.DocumentParser{parser}, 2, time.Minute)

	require.NoError(t, store.CreateDocument(context.Background(), &models.Document{
		ID: "d1", UserID: "u1", ParsingStatus: models.ParsingProcessing,
	}))
	require.NoError(t, store.CreateDocument(context.Background(), &models.Document{
		ID: "d2", UserID: "u1", ParsingStatus: models.ParsingFailed,
		Meta: models.ParseMeta{Error: "backend said no"},
	}))
	require.NoError(t, store.CreateDocument(context.Background(), &models.Document{
		ID: "d3", UserID: "u1", ParsingStatus: models.ParsingCompleted,
		Pages: []models.Page{{PageNumber: 1, Text: "x"}},
	}))

	t.Run("processing carries no result", func(t *testing.T) {
		st, err := o.GetStatus(context.Background(), "d1", "u1", "user")
		require.NoError(t, err)
		assert.Equal(t, models.ParsingProcessing, st.Status)
		assert.Nil(t, st.Result)
		assert.Empty(t, st.Error)
	})

	t.Run("failed carries the stored error", func(t *testing.T) {
		st, err := o.GetStatus(context.Background(), "d2", "u1", "user")
		require.NoError(t, err)
		assert.Equal(t, models.ParsingFailed, st.Status)
		assert.Equal(t, "backend said no", st.Error)
	})

	t.Run("completed carries the document", func(t *testing.T) {
		st, err := o.GetStatus(context.Background(), "d3", "u1", "user")
		require.NoError(t, err)
		assert.Equal(t, models.ParsingCompleted, st.Status)
		require.NotNil(t, st.Result)
		assert.Len(t, st.Result.Pages, 1)
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := o.GetStatus(context.Background(), "missing", "u1", "user")
		assert.ErrorIs(t, err, ErrDocumentNotFound)
	})

	t.Run("non-owner denied", func(t *testing.T) {
		_, err := o.GetStatus(context.Background(), "d1", "u2", "user")
		assert.ErrorIs(t, err, ErrNotOwner)
	})

	t.Run("admin may read any document", func(t *testing.T) {
		_, err := o.GetStatus(context.Background(), "d1", "u2", "admin")
		assert.NoError(t, err)
	})
}

// memStorage is an in-memory core.ObjectClient.
type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	gets    []string
	getErr  error
}

func newMemStorage() *memStorage {
	return &memStorage{objects: make(map[string][]byte)}
}

func (s *memStorage) UploadFile(ctx context.Context, bucket, key string, data []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return "https://storage.test/" + key, nil
}

func (s *memStorage) DeleteFile(ctx context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *memStorage) GetFile(ctx context.Context, bucket, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets = append(s.gets, key)
	if s.getErr != nil {
		return nil, s.getErr
	}
	data, ok := s.objects[key]
	if !ok {
		return nil, errors.New("no such object")
	}
	return data, nil
}

var _ core.ObjectClient = (*memStorage)(nil)

func TestRunParseFetchesStoredSource(t *testing.T) {
	store := newMemStore()
	storage := newMemStorage()
	stored := []byte("stored source bytes")
	_, err := storage.UploadFile(context.Background(), "", "users/u1/documents/k1/a.pdf", stored, "application/pdf")
	require.NoError(t, err)

	parser := &scriptedParser{name: "fake"}
	o := NewOrchestrator(store, storage, "docs", []core.DocumentParser{parser}, 2, time.Minute)

	doc, err := o.SubmitForParsing(context.Background(), SubmitRequest{
		UserID: "u1", FileName: "a.pdf", Parser: "fake", SourceType: "upload",
		Source: core.Source{
			Kind:        core.SourceFile,
			FileName:    "a.pdf",
			ContentType: "application/pdf",
			ObjectKey:   "users/u1/documents/k1/a.pdf",
		},
	})
	require.NoError(t, err)

	waitForStatus(t, store, doc.ID, models.ParsingCompleted)

	storage.mu.Lock()
	gets := append([]string(nil), storage.gets...)
	storage.mu.Unlock()
	require.Equal(t, []string{"users/u1/documents/k1/a.pdf"}, gets)

	parser.mu.Lock()
	defer parser.mu.Unlock()
	require.Len(t, parser.srcs, 1)
	assert.Equal(t, stored, parser.srcs[0].Data)
}

func TestRunParseStoredSourceFetchFailure(t *testing.T) {
	store := newMemStore()
	storage := newMemStorage()
	storage.getErr = errors.New("storage unavailable")

	parser := &scriptedParser{name: "fake"}
	o := NewOrchestrator(store, storage, "docs", []core.DocumentParser{parser}, 2, time.Minute)

	doc, err := o.SubmitForParsing(context.Background(), SubmitRequest{
		UserID: "u1", Parser: "fake", SourceType: "upload",
		Source: core.Source{Kind: core.SourceFile, FileName: "a.pdf", ObjectKey: "users/u1/documents/k1/a.pdf"},
	})
	require.NoError(t, err)

	final := waitForStatus(t, store, doc.ID, models.ParsingFailed)
	assert.Contains(t, final.Meta.Error, "fetch stored source")
	assert.Empty(t, parser.recorded()) // nothing was submitted to the backend
}

// deadlineStore behaves like the real store: writes on an expired context are
// rejected.
type deadlineStore struct {
	*memStore
}

func (s *deadlineStore) MarkParseFailed(ctx context.Context, id string, errMsg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.memStore.MarkParseFailed(ctx, id, errMsg)
}

func (s *deadlineStore) SaveParseResult(ctx context.Context, id string, text string, pages []models.Page, meta models.ParseMeta) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.memStore.SaveParseResult(ctx, id, text, pages, meta)
}

// hangingParser never finishes on its own; it only returns once the parse
// context dies.
type hangingParser struct{}

func (p *hangingParser) Name() string             { return "hanging" }
func (p *hangingParser) AnnotationPageLimit() int { return 0 }

func (p *hangingParser) Parse(ctx context.Context, src core.Source, opts core.ParseOptions) (*core.ParseResult, error) {
	<-ctx.Done()
	return nil, fmt.Errorf("parse aborted: %w", ctx.Err())
}

func TestRunParseDeadlineStillMarksFailed(t *testing.T) {
	// A parse killed by its own deadline must still reach "failed": the
	// terminal status write cannot ride the expired parse context.
	store := &deadlineStore{memStore: newMemStore()}
	o := NewOrchestrator(store, nil, "", []core.DocumentParser{&hangingParser{}}, 2, 50*time.Millisecond)

	doc, err := o.SubmitForParsing(context.Background(), SubmitRequest{
		UserID: "u1", Parser: "hanging",
		Source: core.Source{Kind: core.SourceURL, URL: "https://example.com/a.pdf"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.ParsingProcessing, doc.ParsingStatus)

	final := waitForStatus(t, store.memStore, doc.ID, models.ParsingFailed)
	assert.Contains(t, final.Meta.Error, "context deadline exceeded")
}
