package answer

import (
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
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/askpdf-backend/internal/data/repos"
	"github.com/yungbote/askpdf-backend/internal/data/repos/testutil"
	types "github.com/yungbote/askpdf-backend/internal/domain"
	"github.com/yungbote/askpdf-backend/internal/modules/retrieval"
	"github.com/yungbote/askpdf-backend/internal/modules/usage"
	"github.com/yungbote/askpdf-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/askpdf-backend/internal/pkg/errors"
	"github.com/yungbote/askpdf-backend/internal/platform/parser"
)

type fakeDocs struct {
	repos.DocumentRepo
	ready int64
}

func (f fakeDocs) CountReady(dbctx.Context, uuid.UUID) (int64, error) { return f.ready, nil }

type fakeChunks struct {
	repos.ChunkRepo
	rows []repos.ChunkMatch
}

func (f *fakeChunks) Search(_ dbctx.Context, q repos.ChunkSearchQuery) ([]repos.ChunkMatch, error) {
	var out []repos.ChunkMatch
	for _, r := range f.rows {
		if q.DocumentID != nil && r.DocumentID != *q.DocumentID {
			continue
		}
		out = append(out, r)
	}
	if q.Limit < len(out) {
		out = out[:q.Limit]
	}
	return out, nil
}

func (f *fakeChunks) GetByIDs(_ dbctx.Context, _ uuid.UUID, ids []uuid.UUID) ([]repos.ChunkMatch, error) {
	var out []repos.ChunkMatch
	for _, id := range ids {
		for _, r := range f.rows {
			if r.ID == id {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

type fakeParser struct {
	parser.Client
	answer    string
	answerErr error
	deltas    []string
	streamErr string
	usage     parser.Usage

	// answerFor overrides answer per question; during runs inside Answer.
	answerFor func(question string) string
	during    func()

	// keepSending delivers every delta even after ctx is done, like a
	// response body that was already buffered.
	keepSending bool

	mu        sync.Mutex
	questions []string
	contexts  []string
	models    []string
}

func (f *fakeParser) Embed(context.Context, string) (parser.Embedding, error) {
	return parser.Embedding{Vector: []float32{1, 0}}, nil
}

func (f *fakeParser) note(req parser.AnswerRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.questions = append(f.questions, req.Question)
	f.contexts = append(f.contexts, req.Context)
	f.models = append(f.models, req.Model)
}

func (f *fakeParser) Answer(ctx context.Context, req parser.AnswerRequest) (parser.AnswerResult, error) {
	f.note(req)
	if f.during != nil {
		f.during()
	}
	if err := ctx.Err(); err != nil {
		return parser.AnswerResult{}, err
	}
	text := f.answer
	if f.answerFor != nil {
		text = f.answerFor(req.Question)
	}
	return parser.AnswerResult{Text: text, Usage: f.usage}, f.answerErr
}

func (f *fakeParser) StreamAnswer(ctx context.Context, req parser.AnswerRequest, onEvent func(parser.StreamEvent) error) error {
	f.note(req)
	for _, d := range f.deltas {
		if err := ctx.Err(); err != nil && !f.keepSending {
			return err
		}
		if err := onEvent(parser.StreamEvent{Type: parser.EventDelta, Delta: d}); err != nil {
			return err
		}
	}
	if f.streamErr != "" {
		return onEvent(parser.StreamEvent{Type: parser.EventError, Error: f.streamErr})
	}
	if !f.usage.Empty() {
		if err := onEvent(parser.StreamEvent{Type: parser.EventUsage, Usage: f.usage}); err != nil {
			return err
		}
	}
	return onEvent(parser.StreamEvent{Type: parser.EventDone})
}

type recordingUsage struct {
	mu      sync.Mutex
	entries []usage.Entry
}

func (r *recordingUsage) Record(_ context.Context, e usage.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *recordingUsage) Summary(context.Context, uuid.UUID, time.Time) (usage.Report, error) {
	return usage.Report{}, nil
}

func (r *recordingUsage) ops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Operation)
	}
	return out
}

type harness struct {
	db      *gorm.DB
	orch    *Orchestrator
	parser  *fakeParser
	chunks  *fakeChunks
	usage   *recordingUsage
	threads repos.ChatThreadRepo
	msgs    repos.ChatMessageRepo
	owner   uuid.UUID
	doc     uuid.UUID
}

func newHarness(t *testing.T, p *fakeParser) *harness {
	t.Helper()
	db := testutil.SQLite(t)
	log := testutil.Logger(t)
	threads := repos.NewChatThreadRepo(db, log)
	msgs := repos.NewChatMessageRepo(db, log, threads)

	h := &harness{db: db, parser: p, usage: &recordingUsage{}, threads: threads, msgs: msgs, owner: uuid.New(), doc: uuid.New()}
	h.chunks = &fakeChunks{rows: []repos.ChunkMatch{
		{ID: uuid.New(), DocumentID: h.doc, DocumentTitle: "Manual", Content: "Torque is 12 Nm.", Similarity: 0.9, Metadata: datatypes.JSON(`{"page":3}`)},
		{ID: uuid.New(), DocumentID: h.doc, DocumentTitle: "Manual", Content: "Use a 10 mm socket.", Similarity: 0.25},
		{ID: uuid.New(), DocumentID: h.doc, DocumentTitle: "Manual", Content: "Unrelated.", Similarity: 0.1},
	}}
	engine := retrieval.NewEngine(log, retrieval.DefaultConfig(), h.chunks, p, h.usage)
	orch, err := NewOrchestrator(Deps{
		Log:       log,
		Config:    Config{Models: Models{Fast: "small", Standard: "mid", Think: "big"}, MemoryTurns: 4},
		Threads:   threads,
		Messages:  msgs,
		Documents: fakeDocs{ready: 1},
		Chunks:    h.chunks,
		Retrieval: engine,
		Parser:    p,
		Usage:     h.usage,
	})
	require.NoError(t, err)
	h.orch = orch
	return h
}

func (h *harness) thread(t *testing.T, global bool) *types.ChatThread {
	t.Helper()
	th := &types.ChatThread{UserID: h.owner, Title: "t"}
	if !global {
		doc := h.doc
		th.DocumentID = &doc
	}
	require.NoError(t, h.threads.Create(dbctx.Context{Ctx: context.Background()}, th))
	return th
}

func refsOf(t *testing.T, m *types.ChatMessage) []types.ChatRef {
	t.Helper()
	var refs []types.ChatRef
	require.NoError(t, json.Unmarshal(m.Refs, &refs))
	return refs
}

func metaOf(t *testing.T, m *types.ChatMessage) map[string]any {
	t.Helper()
	var meta map[string]any
	require.NoError(t, json.Unmarshal(m.Metadata, &meta))
	return meta
}

func TestAnswerPersistsRefsAndCitations(t *testing.T) {
	p := &fakeParser{usage: parser.Usage{TotalTokens: intp(42)}}
	h := newHarness(t, p)
	th := h.thread(t, false)
	p.answer = "  It is 12 Nm " + CitationTag(h.chunks.rows[0].ID) + ".  "

	msg, err := h.orch.Answer(context.Background(), Request{Owner: h.owner, ThreadID: th.ID, Message: "What torque?", Mode: "think"})
	require.NoError(t, err)

	assert.Equal(t, types.MessageOK, msg.Status)
	assert.Equal(t, "It is 12 Nm "+CitationTag(h.chunks.rows[0].ID)+".", msg.Content)
	assert.Equal(t, []string{"big"}, p.models)

	refs := refsOf(t, msg)
	require.Len(t, refs, 2, "one above threshold plus min_k fill")
	assert.Equal(t, "chunk-"+h.chunks.rows[0].ID.String(), refs[0].ID)
	assert.Equal(t, "Manual p.3", refs[0].Label)
	assert.True(t, refs[0].AboveThreshold)
	assert.Equal(t, "Manual #2", refs[1].Label)

	meta := metaOf(t, msg)
	assert.Equal(t, "think", meta["mode"])
	assert.Equal(t, []any{h.chunks.rows[0].ID.String()}, meta["cited"])
	assert.Contains(t, p.contexts[0], "[1] (Manual p.3)")

	assert.Equal(t, []string{types.UsageAnswer}, h.usage.ops())
}

func TestAnswerUpsertsByMessageID(t *testing.T) {
	p := &fakeParser{answer: "first"}
	h := newHarness(t, p)
	th := h.thread(t, false)
	id := uuid.New()
	req := Request{Owner: h.owner, ThreadID: th.ID, Message: "q", MessageID: &id}

	first, err := h.orch.Answer(context.Background(), req)
	require.NoError(t, err)
	p.answer = "second"
	second, err := h.orch.Answer(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, id, first.ID)
	assert.Equal(t, id, second.ID)
	rows, err := h.msgs.List(dbctx.Context{Ctx: context.Background()}, th.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "second", rows[0].Content)
}

func TestAnswerGenerationErrorStoresEmptyErrorMessage(t *testing.T) {
	p := &fakeParser{answerErr: errors.New("upstream 502")}
	h := newHarness(t, p)
	th := h.thread(t, false)

	msg, err := h.orch.Answer(context.Background(), Request{Owner: h.owner, ThreadID: th.ID, Message: "q"})
	require.NoError(t, err)
	assert.Equal(t, types.MessageError, msg.Status)
	assert.Empty(t, msg.Content)
	assert.Empty(t, refsOf(t, msg))
	assert.Equal(t, "upstream 502", metaOf(t, msg)["error"])
	assert.Empty(t, h.usage.ops())
}

func TestAnswerEmptyTextIsAnError(t *testing.T) {
	p := &fakeParser{answer: "   "}
	h := newHarness(t, p)
	th := h.thread(t, false)

	msg, err := h.orch.Answer(context.Background(), Request{Owner: h.owner, ThreadID: th.ID, Message: "q"})
	require.NoError(t, err)
	assert.Equal(t, types.MessageError, msg.Status)
}

func TestAnswerRunsToCompletionWhenCallerCancels(t *testing.T) {
	p := &fakeParser{answer: "It is 12 Nm."}
	h := newHarness(t, p)
	th := h.thread(t, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.during = cancel

	msg, err := h.orch.Answer(ctx, Request{Owner: h.owner, ThreadID: th.ID, Message: "q"})
	require.NoError(t, err)
	assert.Equal(t, types.MessageOK, msg.Status)
	assert.Equal(t, "It is 12 Nm.", msg.Content)

	rows, err := h.msgs.List(dbctx.Context{Ctx: context.Background()}, th.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, types.MessageOK, rows[0].Status)
}

func TestAnswerValidation(t *testing.T) {
	h := newHarness(t, &fakeParser{answer: "x"})
	th := h.thread(t, false)
	ctx := context.Background()

	_, err := h.orch.Answer(ctx, Request{Owner: h.owner, ThreadID: th.ID, Message: "   "})
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidArgument)

	_, err = h.orch.Answer(ctx, Request{Owner: h.owner, ThreadID: th.ID, Message: "q", Mode: "turbo"})
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidArgument)

	_, err = h.orch.Answer(ctx, Request{Owner: uuid.New(), ThreadID: th.ID, Message: "q"})
	assert.ErrorIs(t, err, pkgerrors.ErrNotFound)

	_, err = h.orch.Answer(ctx, Request{Owner: h.owner, ThreadID: th.ID, Message: "q",
		ClientMatches: []ClientMatch{{ID: "not-a-uuid"}}})
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidArgument)

	_, err = h.orch.Answer(ctx, Request{Owner: h.owner, ThreadID: th.ID, Message: "q",
		ClientMatches: []ClientMatch{{ID: uuid.NewString()}}})
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidArgument)
}

func TestAnswerUsesClientMatchesWithoutEmbedding(t *testing.T) {
	p := &fakeParser{answer: "ok"}
	h := newHarness(t, p)
	th := h.thread(t, false)

	msg, err := h.orch.Answer(context.Background(), Request{Owner: h.owner, ThreadID: th.ID, Message: "q",
		ClientMatches: []ClientMatch{
			{ID: "chunk-" + h.chunks.rows[2].ID.String(), Similarity: 0.2},
			{ID: h.chunks.rows[1].ID.String(), Similarity: 0.8},
		}})
	require.NoError(t, err)

	refs := refsOf(t, msg)
	require.Len(t, refs, 2)
	assert.Equal(t, h.chunks.rows[1].ID, refs[0].ChunkID, "ranked by the supplied similarity")
	assert.NotContains(t, h.usage.ops(), types.UsageEmbed)
}

func TestStreamStopKeepsPartialContent(t *testing.T) {
	p := &fakeParser{deltas: []string{"Hel", "lo ", "wor", "ld", "!"}}
	h := newHarness(t, p)
	th := h.thread(t, false)

	sent := 0
	sink := SinkFunc(func(ev Event) error {
		if ev.Type != EventDelta {
			return nil
		}
		sent++
		if sent > 2 {
			return errors.New("client gone")
		}
		return nil
	})
	msg, err := h.orch.Stream(context.Background(), Request{Owner: h.owner, ThreadID: th.ID, Message: "q"}, sink)
	require.NoError(t, err)
	assert.Equal(t, types.MessageStopped, msg.Status)
	assert.Equal(t, "Hello ", msg.Content, "only delivered deltas are kept")
	assert.NotEmpty(t, refsOf(t, msg))
}

func TestStreamStopIgnoresDeltasBufferedAfterDisconnect(t *testing.T) {
	p := &fakeParser{deltas: []string{"A", "B", "C", "D", "E"}, keepSending: true}
	h := newHarness(t, p)
	th := h.thread(t, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var delivered strings.Builder
	sink := SinkFunc(func(ev Event) error {
		if ev.Type != EventDelta {
			return nil
		}
		delivered.WriteString(ev.Delta)
		if ev.Delta == "B" {
			cancel()
		}
		return nil
	})
	msg, err := h.orch.Stream(ctx, Request{Owner: h.owner, ThreadID: th.ID, Message: "q"}, sink)
	require.NoError(t, err)
	assert.Equal(t, types.MessageStopped, msg.Status)
	assert.Equal(t, "AB", delivered.String())
	assert.Equal(t, "AB", msg.Content)
}

func TestStreamCancelledContextStillPersists(t *testing.T) {
	p := &fakeParser{deltas: []string{"a", "b", "c"}}
	h := newHarness(t, p)
	th := h.thread(t, false)

	ctx, cancel := context.WithCancel(context.Background())
	sink := SinkFunc(func(ev Event) error {
		if ev.Type == EventDelta && ev.Delta == "b" {
			cancel()
		}
		return nil
	})
	msg, err := h.orch.Stream(ctx, Request{Owner: h.owner, ThreadID: th.ID, Message: "q"}, sink)
	require.NoError(t, err)
	assert.Equal(t, types.MessageStopped, msg.Status)
	assert.Equal(t, "ab", msg.Content)
}

func TestStreamSuccessEmitsDeltasThenMessage(t *testing.T) {
	p := &fakeParser{deltas: []string{" Hi", " there "}, usage: parser.Usage{InputTokens: intp(3)}}
	h := newHarness(t, p)
	th := h.thread(t, true)

	var events []EventType
	msg, err := h.orch.Stream(context.Background(), Request{Owner: h.owner, ThreadID: th.ID, Message: "q"},
		SinkFunc(func(ev Event) error {
			events = append(events, ev.Type)
			return nil
		}))
	require.NoError(t, err)
	assert.Equal(t, types.MessageOK, msg.Status)
	assert.Equal(t, "Hi there", msg.Content)
	assert.Equal(t, []EventType{EventDelta, EventDelta, EventUsage, EventMessage}, events)
	assert.Contains(t, h.usage.ops(), types.UsageAnswer)
}

func TestStreamParserErrorStoresEmptyContent(t *testing.T) {
	p := &fakeParser{deltas: []string{"partial"}, streamErr: "model overloaded"}
	h := newHarness(t, p)
	th := h.thread(t, false)

	var events []EventType
	msg, err := h.orch.Stream(context.Background(), Request{Owner: h.owner, ThreadID: th.ID, Message: "q"},
		SinkFunc(func(ev Event) error {
			events = append(events, ev.Type)
			return nil
		}))
	require.NoError(t, err)
	assert.Equal(t, types.MessageError, msg.Status)
	assert.Empty(t, msg.Content)
	assert.Equal(t, []EventType{EventDelta, EventError, EventMessage}, events)
}

func TestConcurrentAsksWriteDistinctRows(t *testing.T) {
	p := &fakeParser{answerFor: func(q string) string { return "answer to " + q }}
	h := newHarness(t, p)
	th := h.thread(t, false)
	// in-memory sqlite allows one writer at a time
	sqlDB, err := h.db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	const asks = 8
	want := make([]string, 0, asks)
	var wg sync.WaitGroup
	for i := 0; i < asks; i++ {
		q := fmt.Sprintf("q%d", i)
		want = append(want, "answer to "+q)
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg, err := h.orch.Answer(context.Background(), Request{Owner: h.owner, ThreadID: th.ID, Message: q})
			if assert.NoError(t, err) {
				assert.Equal(t, types.MessageOK, msg.Status)
			}
		}()
	}
	wg.Wait()

	rows, err := h.msgs.List(dbctx.Context{Ctx: context.Background()}, th.ID, 0, 0)
	require.NoError(t, err)
	got := make([]string, 0, len(rows))
	ids := map[uuid.UUID]bool{}
	for _, r := range rows {
		got = append(got, r.Content)
		ids[r.ID] = true
	}
	assert.Len(t, ids, asks)
	assert.ElementsMatch(t, want, got)
}

func intp(v int) *int { return &v }
