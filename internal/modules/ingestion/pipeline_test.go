package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/askpdf-backend/internal/data/repos"
	"github.com/yungbote/askpdf-backend/internal/data/repos/testutil"
	types "github.com/yungbote/askpdf-backend/internal/domain"
	"github.com/yungbote/askpdf-backend/internal/jobs/runtime"
	"github.com/yungbote/askpdf-backend/internal/jobs/worker"
	"github.com/yungbote/askpdf-backend/internal/modules/usage"
	"github.com/yungbote/askpdf-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/askpdf-backend/internal/pkg/errors"
	"github.com/yungbote/askpdf-backend/internal/pkg/logger"
	"github.com/yungbote/askpdf-backend/internal/platform/parser"
	"github.com/yungbote/askpdf-backend/internal/realtime"
)

// ---- fakes ----

type fakeParser struct {
	mu        sync.Mutex
	submitID  string
	submitErr error
	submits   int
	statuses  []string
	polls     int
	result    string
	resultErr error
}

func (f *fakeParser) Submit(context.Context, []byte, string) (parser.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if f.submitErr != nil {
		return parser.SubmitResult{}, f.submitErr
	}
	return parser.SubmitResult{ID: f.submitID}, nil
}

func (f *fakeParser) Status(_ context.Context, id string) (parser.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.polls
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	f.polls++
	st := strings.ToLower(f.statuses[i])
	return parser.StatusResult{Status: st, Raw: json.RawMessage(fmt.Sprintf(`{"id":%q,"status":%q}`, id, st))}, nil
}

func (f *fakeParser) Result(context.Context, string) (parser.ParseResult, error) {
	if f.resultErr != nil {
		return parser.ParseResult{}, f.resultErr
	}
	return parser.NormalizeResult(json.RawMessage(f.result))
}

func (f *fakeParser) Embed(context.Context, string) (parser.Embedding, error) {
	return parser.Embedding{}, errors.New("not used")
}
func (f *fakeParser) Answer(context.Context, parser.AnswerRequest) (parser.AnswerResult, error) {
	return parser.AnswerResult{}, errors.New("not used")
}
func (f *fakeParser) StreamAnswer(context.Context, parser.AnswerRequest, func(parser.StreamEvent) error) error {
	return errors.New("not used")
}

type fakeStorage struct {
	uploads map[string][]byte
	err     error
}

func (s *fakeStorage) Upload(_ context.Context, path string, data []byte, _ string) error {
	if s.err != nil {
		return s.err
	}
	if s.uploads == nil {
		s.uploads = map[string][]byte{}
	}
	s.uploads[path] = data
	return nil
}
func (s *fakeStorage) Read(_ context.Context, path string) ([]byte, error) {
	data, ok := s.uploads[path]
	if !ok {
		return nil, fmt.Errorf("object %q not found", path)
	}
	return data, nil
}
func (s *fakeStorage) Delete(context.Context, string) error { return nil }
func (s *fakeStorage) SignedURL(_ context.Context, path string) (string, error) {
	return "https://signed/" + path, nil
}

type fakeChunks struct {
	rows      []*types.DocumentChunk
	deletes   int
	insertErr error
}

func (c *fakeChunks) InsertBatch(_ dbctx.Context, rows []*types.DocumentChunk) (int, error) {
	if c.insertErr != nil {
		return 0, c.insertErr
	}
	c.rows = append(c.rows, rows...)
	return len(rows), nil
}
func (c *fakeChunks) DeleteByDocument(dbctx.Context, uuid.UUID, uuid.UUID) error {
	c.deletes++
	c.rows = nil
	return nil
}
func (c *fakeChunks) Search(dbctx.Context, repos.ChunkSearchQuery) ([]repos.ChunkMatch, error) {
	return nil, nil
}
func (c *fakeChunks) GetByIDs(dbctx.Context, uuid.UUID, []uuid.UUID) ([]repos.ChunkMatch, error) {
	return nil, nil
}

type fakeQueue struct {
	items []runtime.WorkItem
	err   error
}

func (q *fakeQueue) Enqueue(_ context.Context, item runtime.WorkItem) error {
	if q.err != nil {
		return q.err
	}
	q.items = append(q.items, item)
	return nil
}

type recordingNotifier struct {
	events []realtime.DocumentStatusEvent
}

func (n *recordingNotifier) DocumentStatusChanged(_ context.Context, _ uuid.UUID, ev realtime.DocumentStatusEvent) {
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) statuses() []string {
	out := make([]string, 0, len(n.events))
	for _, ev := range n.events {
		out = append(out, ev.Status)
	}
	return out
}

type recordingUsage struct {
	entries []usage.Entry
}

func (u *recordingUsage) Record(_ context.Context, e usage.Entry) { u.entries = append(u.entries, e) }
func (u *recordingUsage) Summary(context.Context, uuid.UUID, time.Time) (usage.Report, error) {
	return usage.Report{}, nil
}

// ---- harness ----

type harness struct {
	pipe     *Pipeline
	reg      *runtime.Registry
	docs     repos.DocumentRepo
	chunks   *fakeChunks
	parser   *fakeParser
	storage  *fakeStorage
	queue    *fakeQueue
	notifier *recordingNotifier
	usage    *recordingUsage
	owner    uuid.UUID
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	db := testutil.SQLite(t)
	log := testutil.Logger(t)
	h := &harness{
		docs:     repos.NewDocumentRepo(db, log),
		chunks:   &fakeChunks{},
		parser:   &fakeParser{submitID: "ext-1", statuses: []string{parser.StatusSucceeded}, result: `{"chunks":[]}`},
		storage:  &fakeStorage{},
		queue:    &fakeQueue{},
		notifier: &recordingNotifier{},
		usage:    &recordingUsage{},
		reg:      runtime.NewRegistry(),
		owner:    uuid.New(),
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	pipe, err := NewPipeline(Deps{
		Log:      log,
		Config:   cfg,
		Docs:     h.docs,
		Chunks:   h.chunks,
		Tx:       repos.NewGormTxRunner(db),
		Parser:   h.parser,
		Storage:  h.storage,
		Queue:    h.queue,
		Notifier: h.notifier,
		Usage:    h.usage,
	})
	require.NoError(t, err)
	require.NoError(t, pipe.Register(h.reg))
	h.pipe = pipe
	return h
}

// run executes one queued item the way the supervisor does.
func (h *harness) run(t *testing.T, ctx context.Context, item runtime.WorkItem) error {
	t.Helper()
	handler, ok := h.reg.Get(item.Type)
	require.True(t, ok, "no handler for %s", item.Type)
	err := handler.Run(runtime.NewContext(ctx, item, logger.Nop()))
	if err != nil {
		h.pipe.OnJobFailure(context.WithoutCancel(ctx), item, err)
	}
	return err
}

func (h *harness) doc(t *testing.T, id uuid.UUID) *types.Document {
	t.Helper()
	d, err := h.docs.GetByID(dbctx.Context{Ctx: context.Background()}, h.owner, id)
	require.NoError(t, err)
	return d
}

func (h *harness) start(t *testing.T) StartOutput {
	t.Helper()
	out, err := h.pipe.Start(context.Background(), StartInput{Data: minimalPDF(2), Filename: "Annual Report.pdf", Owner: h.owner})
	require.NoError(t, err)
	return out
}

func minimalPDF(n int) []byte {
	var buf bytes.Buffer
	offsets := []int{}
	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}
	buf.WriteString("%PDF-1.4\n")
	obj("<< /Type /Catalog /Pages 2 0 R >>")
	kids := ""
	for i := 0; i < n; i++ {
		kids += fmt.Sprintf("%d 0 R ", 3+i)
	}
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", kids, n))
	for i := 0; i < n; i++ {
		obj("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << >> >>")
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(offsets)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}

// ---- tests ----

func TestStartUploadsAndQueues(t *testing.T) {
	h := newHarness(t, Config{})
	out := h.start(t)

	assert.Equal(t, types.DocumentUploaded, out.Status)
	doc := h.doc(t, out.DocumentID)
	assert.Equal(t, types.DocumentUploaded, doc.Status)
	assert.Equal(t, "Annual Report.pdf", doc.Title)
	assert.True(t, strings.HasPrefix(doc.StoragePath, h.owner.String()+"/"))
	assert.True(t, strings.HasSuffix(doc.StoragePath, "-Annual-Report.pdf"))
	assert.Contains(t, h.storage.uploads, doc.StoragePath)

	require.Len(t, h.queue.items, 1)
	item := h.queue.items[0]
	assert.Equal(t, JobIngest, item.Type)
	assert.Equal(t, out.DocumentID, item.DocumentID)
	assert.Equal(t, []string{"uploaded"}, h.notifier.statuses())
}

func TestStartRejectsInvalidUploads(t *testing.T) {
	h := newHarness(t, Config{MaxUploadBytes: 64})
	for name, data := range map[string][]byte{
		"empty":   nil,
		"not pdf": []byte("plain text"),
		"too big": minimalPDF(1),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := h.pipe.Start(context.Background(), StartInput{Data: data, Filename: "x.pdf", Owner: h.owner})
			require.ErrorIs(t, err, pkgerrors.ErrInvalidArgument)
		})
	}
	assert.Empty(t, h.storage.uploads)
	docs, err := h.docs.ListByOwner(dbctx.Context{Ctx: context.Background()}, h.owner)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestStartUploadFailureMarksFailed(t *testing.T) {
	h := newHarness(t, Config{})
	h.storage.err = errors.New("bucket unavailable")

	_, err := h.pipe.Start(context.Background(), StartInput{Data: minimalPDF(1), Filename: "a.pdf", Owner: h.owner})
	require.Error(t, err)

	docs, err := h.docs.ListByOwner(dbctx.Context{Ctx: context.Background()}, h.owner)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, types.DocumentFailed, docs[0].Status)
	assert.Contains(t, docs[0].Error, "bucket unavailable")
	assert.Empty(t, h.queue.items)
}

func TestStartEnqueueFailureNeverDangles(t *testing.T) {
	h := newHarness(t, Config{})
	h.queue.err = worker.ErrStopped

	out := h.start(t)
	assert.Equal(t, types.DocumentFailed, out.Status)
	doc := h.doc(t, out.DocumentID)
	assert.Equal(t, types.DocumentFailed, doc.Status)
	assert.Contains(t, doc.Error, "ingestion queue unavailable")
	assert.Equal(t, []string{"uploaded", "processing", "failed"}, h.notifier.statuses())
}

func TestIngestStoresEmbeddedChunksOnly(t *testing.T) {
	h := newHarness(t, Config{})
	h.parser.statuses = []string{"queued", "PROCESSING", "Succeeded"}
	h.parser.result = `{
		"parser_version": "2.1",
		"source": "layout",
		"pages": 7,
		"chunks": [
			{"content": "alpha", "embedding": [0.1, 0.2], "metadata": {"page": 1}},
			{"text": "beta", "embedding": [0.3, 0.4], "page_number": 2},
			{"content": "gamma"},
			{"content": "delta", "embedding": [0.5, 0.6]}
		]
	}`
	out := h.start(t)
	require.NoError(t, h.run(t, context.Background(), h.queue.items[0]))

	doc := h.doc(t, out.DocumentID)
	require.Equal(t, types.DocumentReady, doc.Status)
	assert.Equal(t, "ext-1", doc.ParserDocID)
	var meta map[string]any
	require.NoError(t, json.Unmarshal(doc.Metadata, &meta))
	assert.Equal(t, "ext-1", meta["parser_doc_id"])
	assert.Equal(t, map[string]any{"parser_version": "2.1", "source": "layout"}, meta["parser_result_meta"])
	assert.Equal(t, "succeeded", meta["parser_status"].(map[string]any)["status"])

	require.Len(t, h.chunks.rows, 3)
	assert.Equal(t, "alpha", h.chunks.rows[0].Content)
	assert.Equal(t, "beta", h.chunks.rows[1].Content)
	assert.JSONEq(t, `{"page_number":2}`, string(h.chunks.rows[1].Metadata))
	assert.Equal(t, 3, h.chunks.rows[2].Index)
	assert.Equal(t, 1, h.chunks.deletes)
	assert.Equal(t, 3, h.parser.polls)

	require.Len(t, h.usage.entries, 1)
	assert.Equal(t, types.UsageParse, h.usage.entries[0].Operation)
	assert.Equal(t, 7, *h.usage.entries[0].Pages)
	assert.Equal(t, []string{"uploaded", "processing", "ready"}, h.notifier.statuses())
}

func TestIngestFallsBackToLocalPageCount(t *testing.T) {
	h := newHarness(t, Config{})
	h.parser.result = `[{"content":"only","embedding":[1,0]}]`
	h.start(t)
	require.NoError(t, h.run(t, context.Background(), h.queue.items[0]))

	require.Len(t, h.usage.entries, 1)
	assert.Equal(t, 2, *h.usage.entries[0].Pages)
}

func TestIngestSkipsWrongDimension(t *testing.T) {
	h := newHarness(t, Config{EmbeddingDim: 3})
	h.parser.result = `{"chunks":[{"content":"a","embedding":[1,2,3]},{"content":"b","embedding":[1,2]}]}`
	h.start(t)
	require.NoError(t, h.run(t, context.Background(), h.queue.items[0]))
	require.Len(t, h.chunks.rows, 1)
	assert.Equal(t, "a", h.chunks.rows[0].Content)
}

func TestIngestParserFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.parser.statuses = []string{"processing", "failed"}
	out := h.start(t)

	require.Error(t, h.run(t, context.Background(), h.queue.items[0]))
	doc := h.doc(t, out.DocumentID)
	assert.Equal(t, types.DocumentFailed, doc.Status)
	assert.True(t, strings.HasPrefix(doc.Error, "parser failed: "), doc.Error)
	assert.Empty(t, h.chunks.rows)
}

func TestIngestTimeout(t *testing.T) {
	h := newHarness(t, Config{PollInterval: time.Millisecond, Timeout: 20 * time.Millisecond})
	h.parser.statuses = []string{"processing"}
	out := h.start(t)

	err := h.run(t, context.Background(), h.queue.items[0])
	require.ErrorIs(t, err, errParserTimeout)
	doc := h.doc(t, out.DocumentID)
	assert.Equal(t, types.DocumentFailed, doc.Status)
	assert.Equal(t, "parser timeout", doc.Error)
	assert.Greater(t, h.parser.polls, 1)
}

func TestIngestChunkFailureRollsBackReady(t *testing.T) {
	h := newHarness(t, Config{})
	h.parser.result = `{"chunks":[{"content":"a","embedding":[1,2]}]}`
	h.chunks.insertErr = errors.New("disk full")
	out := h.start(t)

	require.Error(t, h.run(t, context.Background(), h.queue.items[0]))
	doc := h.doc(t, out.DocumentID)
	assert.Equal(t, types.DocumentFailed, doc.Status)
	assert.Contains(t, doc.Error, "disk full")
	assert.NotContains(t, h.notifier.statuses(), "ready")
}

func TestCancelWhileWaitingLeavesDocumentResumable(t *testing.T) {
	h := newHarness(t, Config{PollInterval: 5 * time.Millisecond, Timeout: time.Minute})
	h.parser.statuses = []string{"processing"}
	out := h.start(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, h.run(t, ctx, h.queue.items[0]))

	doc := h.doc(t, out.DocumentID)
	assert.Equal(t, types.DocumentProcessing, doc.Status)
	assert.Equal(t, "ext-1", doc.ParserDocID)
}

func TestResumeFinishesWithoutResubmitting(t *testing.T) {
	h := newHarness(t, Config{})
	h.parser.statuses = []string{"processing"}
	h.parser.result = `{"chunks":[{"content":"a","embedding":[1,2]}]}`
	out := h.start(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, h.run(t, ctx, h.queue.items[0]))
	require.Equal(t, 1, h.parser.submits)

	h.parser.statuses = []string{"succeeded"}
	h.parser.polls = 0
	h.queue.items = nil

	other := uuid.New()
	n, err := h.pipe.Resume(context.Background(), &other)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = h.pipe.Resume(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, JobResume, h.queue.items[0].Type)
	require.NoError(t, h.run(t, context.Background(), h.queue.items[0]))

	assert.Equal(t, 1, h.parser.submits)
	assert.Equal(t, types.DocumentReady, h.doc(t, out.DocumentID).Status)
	assert.Len(t, h.chunks.rows, 1)

	// A second resume is a no-op once the document is ready.
	require.NoError(t, h.run(t, context.Background(), h.queue.items[0]))
	assert.Equal(t, types.DocumentReady, h.doc(t, out.DocumentID).Status)
}

func TestOnJobFailureAtShutdown(t *testing.T) {
	h := newHarness(t, Config{})
	out := h.start(t)

	resume := runtime.WorkItem{Type: JobResume, DocumentID: out.DocumentID, UserID: h.owner}
	h.pipe.OnJobFailure(context.Background(), resume, worker.ErrStopped)
	assert.Equal(t, types.DocumentUploaded, h.doc(t, out.DocumentID).Status)

	h.pipe.OnJobFailure(context.Background(), h.queue.items[0], worker.ErrStopped)
	assert.Equal(t, types.DocumentUploaded, h.doc(t, out.DocumentID).Status)

	h.pipe.OnJobFailure(context.Background(), h.queue.items[0], errors.New("boom"))
	doc := h.doc(t, out.DocumentID)
	assert.Equal(t, types.DocumentFailed, doc.Status)
	assert.Equal(t, "boom", doc.Error)
}

func TestResumeIngestsUploadedDocumentFromStorage(t *testing.T) {
	h := newHarness(t, Config{})
	h.parser.result = `{"chunks":[{"content":"a","embedding":[1,2]}]}`
	out := h.start(t)

	// The queued ingest was dropped at shutdown.
	h.pipe.OnJobFailure(context.Background(), h.queue.items[0], worker.ErrStopped)
	h.queue.items = nil
	require.Equal(t, types.DocumentUploaded, h.doc(t, out.DocumentID).Status)

	n, err := h.pipe.Resume(context.Background(), &h.owner)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	item := h.queue.items[0]
	require.Equal(t, JobIngest, item.Type)
	assert.Empty(t, item.Payload)

	require.NoError(t, h.run(t, context.Background(), item))
	assert.Equal(t, 1, h.parser.submits)
	assert.Equal(t, types.DocumentReady, h.doc(t, out.DocumentID).Status)
	assert.Len(t, h.chunks.rows, 1)

	// Once past uploaded the payload-less job does nothing.
	require.NoError(t, h.run(t, context.Background(), item))
	assert.Equal(t, 1, h.parser.submits)
}

func TestStartTreatsAlreadyQueuedAsAccepted(t *testing.T) {
	h := newHarness(t, Config{})
	h.queue.err = worker.ErrAlreadyQueued

	out := h.start(t)
	assert.Equal(t, types.DocumentUploaded, out.Status)
	assert.Equal(t, types.DocumentUploaded, h.doc(t, out.DocumentID).Status)
}
