package answer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/datatypes"

	"github.com/yungbote/askpdf-backend/internal/data/repos"
	types "github.com/yungbote/askpdf-backend/internal/domain"
	"github.com/yungbote/askpdf-backend/internal/modules/retrieval"
	"github.com/yungbote/askpdf-backend/internal/modules/usage"
	"github.com/yungbote/askpdf-backend/internal/observability"
	"github.com/yungbote/askpdf-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/askpdf-backend/internal/pkg/errors"
	"github.com/yungbote/askpdf-backend/internal/pkg/logger"
	"github.com/yungbote/askpdf-backend/internal/platform/envutil"
	"github.com/yungbote/askpdf-backend/internal/platform/parser"
)

var errEmptyAnswer = errors.New("answer generation returned no text")

type Config struct {
	Models      Models
	MemoryTurns int
	// PersistTimeout bounds the write of a stopped answer after the caller's
	// context is gone.
	PersistTimeout time.Duration
}

func ConfigFromEnv(models Models) Config {
	return Config{
		Models:         models.ApplyEnv(),
		MemoryTurns:    envutil.Int("RAG_MEMORY_TURNS", 4),
		PersistTimeout: 10 * time.Second,
	}
}

// ClientMatch is a chunk the caller already ranked. Only the id and score are
// trusted; content is reloaded from the store.
type ClientMatch struct {
	ID         string  `json:"id"`
	Similarity float64 `json:"similarity"`
	DocumentID string  `json:"documentId,omitempty"`
}

type Request struct {
	Owner         uuid.UUID
	ThreadID      uuid.UUID
	Message       string
	MessageID     *uuid.UUID
	Mode          string
	TopK          *int
	ClientMatches []ClientMatch
}

type Deps struct {
	Log       *logger.Logger
	Config    Config
	Threads   repos.ChatThreadRepo
	Messages  repos.ChatMessageRepo
	Documents repos.DocumentRepo
	Chunks    repos.ChunkRepo
	Retrieval *retrieval.Engine
	Parser    parser.Client
	Usage     usage.Recorder
}

// Orchestrator answers a question in a chat thread from retrieved chunks.
// Concurrent asks on one thread are not serialized; each writes its own row.
type Orchestrator struct {
	log       *logger.Logger
	cfg       Config
	threads   repos.ChatThreadRepo
	messages  repos.ChatMessageRepo
	documents repos.DocumentRepo
	chunks    repos.ChunkRepo
	retrieval *retrieval.Engine
	parser    parser.Client
	usage     usage.Recorder
}

func NewOrchestrator(deps Deps) (*Orchestrator, error) {
	if deps.Threads == nil || deps.Messages == nil || deps.Documents == nil || deps.Chunks == nil {
		return nil, fmt.Errorf("answer orchestrator: repos not wired")
	}
	if deps.Retrieval == nil || deps.Parser == nil {
		return nil, fmt.Errorf("answer orchestrator: retrieval and parser are required")
	}
	cfg := deps.Config
	if cfg.MemoryTurns < 0 {
		cfg.MemoryTurns = 0
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 10 * time.Second
	}
	log := deps.Log
	if log == nil {
		log = logger.Nop()
	}
	return &Orchestrator{
		log:       log.With("service", "AnswerOrchestrator"),
		cfg:       cfg,
		threads:   deps.Threads,
		messages:  deps.Messages,
		documents: deps.Documents,
		chunks:    deps.Chunks,
		retrieval: deps.Retrieval,
		parser:    deps.Parser,
		usage:     deps.Usage,
	}, nil
}

// turn carries one request through the pipeline.
type turn struct {
	req      Request
	question string
	thread   *types.ChatThread
	mode     string
	model    string
	client   []retrieval.Match

	result  retrieval.Result
	context string
	byID    map[uuid.UUID]retrieval.Match
}

func (t *turn) scope() retrieval.Scope {
	if t.thread.Global() {
		return retrieval.ScopeGlobal
	}
	return retrieval.ScopeDocument
}

// Answer runs the one-shot path. Once the request is valid, generation
// failures are stored as an error message and not returned. It ignores
// cancellation of ctx and runs to completion or failure.
func (o *Orchestrator) Answer(ctx context.Context, req Request) (msg *types.ChatMessage, err error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := observability.StartSpan(ctx, "answer.answer", attribute.String("thread_id", req.ThreadID.String()))
	defer func() { observability.EndSpan(span, err) }()

	t, err := o.validate(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := o.gather(ctx, t); err != nil {
		return o.fail(ctx, t, err)
	}
	res, err := o.parser.Answer(ctx, parser.AnswerRequest{Question: t.question, Context: t.context, Model: t.model})
	if err == nil && strings.TrimSpace(res.Text) == "" {
		err = errEmptyAnswer
	}
	if err != nil {
		return o.fail(ctx, t, err)
	}
	text := strings.TrimSpace(res.Text)
	msg, err = o.persist(ctx, t, types.MessageOK, text, res.Usage, "")
	if err != nil {
		return nil, err
	}
	o.recordAnswer(ctx, t, msg, res.Usage)
	return msg, nil
}

// Stream runs the streaming path. Deltas go to sink as they arrive. When ctx
// ends or the sink stops accepting events the partial text is kept as a
// stopped message.
func (o *Orchestrator) Stream(ctx context.Context, req Request, sink Sink) (msg *types.ChatMessage, err error) {
	ctx, span := observability.StartSpan(ctx, "answer.stream", attribute.String("thread_id", req.ThreadID.String()))
	defer func() { observability.EndSpan(span, err) }()

	if sink == nil {
		sink = SinkFunc(func(Event) error { return nil })
	}
	t, err := o.validate(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := o.gather(ctx, t); err != nil {
		if ctx.Err() != nil {
			return o.stop(ctx, t, "", parser.Usage{})
		}
		msg, ferr := o.fail(ctx, t, err)
		o.deliverFinal(sink, msg, err)
		return msg, ferr
	}

	var (
		buf       strings.Builder
		used      parser.Usage
		sinkGone  bool
		remoteErr string
	)
	streamErr := o.parser.StreamAnswer(ctx, parser.AnswerRequest{Question: t.question, Context: t.context, Model: t.model},
		func(ev parser.StreamEvent) error {
			// Events still buffered after the client left are dropped.
			if err := ctx.Err(); err != nil {
				return err
			}
			switch ev.Type {
			case parser.EventDelta:
				if ev.Delta == "" {
					return nil
				}
				if err := sink.Send(Event{Type: EventDelta, Delta: ev.Delta}); err != nil {
					sinkGone = true
					return err
				}
				buf.WriteString(ev.Delta)
			case parser.EventUsage:
				used = ev.Usage
				if err := sink.Send(Event{Type: EventUsage, Usage: ev.Usage}); err != nil {
					sinkGone = true
					return err
				}
			case parser.EventError:
				remoteErr = ev.Error
				if remoteErr == "" {
					remoteErr = "stream error"
				}
				return errors.New(remoteErr)
			}
			return nil
		})

	switch {
	case sinkGone || ctx.Err() != nil:
		return o.stop(ctx, t, buf.String(), used)
	case streamErr != nil:
		msg, ferr := o.fail(ctx, t, streamErr)
		o.deliverFinal(sink, msg, streamErr)
		return msg, ferr
	case strings.TrimSpace(buf.String()) == "":
		msg, ferr := o.fail(ctx, t, errEmptyAnswer)
		o.deliverFinal(sink, msg, errEmptyAnswer)
		return msg, ferr
	}

	msg, err = o.persist(ctx, t, types.MessageOK, strings.TrimSpace(buf.String()), used, "")
	if err != nil {
		return nil, err
	}
	o.recordAnswer(ctx, t, msg, used)
	o.deliverFinal(sink, msg, nil)
	return msg, nil
}

// stop persists whatever text arrived before the caller went away.
func (o *Orchestrator) stop(ctx context.Context, t *turn, partial string, used parser.Usage) (*types.ChatMessage, error) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PersistTimeout)
	defer cancel()
	msg, err := o.persist(pctx, t, types.MessageStopped, partial, used, "")
	if err != nil {
		return nil, err
	}
	o.log.Info("Answer stopped by client", "thread_id", t.thread.ID, "message_id", msg.ID, "chars", len(partial))
	o.recordAnswer(pctx, t, msg, used)
	return msg, nil
}

func (o *Orchestrator) fail(ctx context.Context, t *turn, cause error) (*types.ChatMessage, error) {
	o.log.Warn("Answer generation failed", "thread_id", t.thread.ID, "error", cause)
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PersistTimeout)
	defer cancel()
	return o.persist(pctx, t, types.MessageError, "", parser.Usage{}, cause.Error())
}

func (o *Orchestrator) deliverFinal(sink Sink, msg *types.ChatMessage, cause error) {
	if cause != nil {
		_ = sink.Send(Event{Type: EventError, Error: "answer generation failed"})
	}
	if msg != nil {
		_ = sink.Send(Event{Type: EventMessage, Message: msg})
	}
}

func (o *Orchestrator) validate(ctx context.Context, req Request) (*turn, error) {
	if req.Owner == uuid.Nil {
		return nil, pkgerrors.ErrUnauthorized
	}
	question := strings.TrimSpace(req.Message)
	if question == "" {
		return nil, fmt.Errorf("message is required: %w", pkgerrors.ErrInvalidArgument)
	}
	if !ValidMode(strings.ToLower(strings.TrimSpace(req.Mode))) {
		return nil, fmt.Errorf("unknown mode %q: %w", req.Mode, pkgerrors.ErrInvalidArgument)
	}
	dbc := dbctx.Context{Ctx: ctx}
	thread, err := o.threads.Get(dbc, req.Owner, req.ThreadID)
	if err != nil {
		return nil, err
	}
	t := &turn{req: req, question: question, thread: thread}
	t.mode, t.model = o.cfg.Models.Resolve(req.Mode)

	if len(req.ClientMatches) > 0 {
		if t.client, err = o.loadClientMatches(dbc, t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// loadClientMatches checks every supplied id against the owner's chunks and
// returns them ranked by the caller's scores.
func (o *Orchestrator) loadClientMatches(dbc dbctx.Context, t *turn) ([]retrieval.Match, error) {
	ids := make([]uuid.UUID, 0, len(t.req.ClientMatches))
	score := make(map[uuid.UUID]float64, len(t.req.ClientMatches))
	for _, cm := range t.req.ClientMatches {
		id, err := uuid.Parse(strings.TrimPrefix(strings.TrimSpace(cm.ID), "chunk-"))
		if err != nil {
			return nil, fmt.Errorf("client match id %q: %w", cm.ID, pkgerrors.ErrInvalidArgument)
		}
		if _, dup := score[id]; !dup {
			ids = append(ids, id)
		}
		score[id] = cm.Similarity
	}
	rows, err := o.chunks.GetByIDs(dbc, t.req.Owner, ids)
	if err != nil {
		return nil, fmt.Errorf("load client matches: %w", err)
	}
	if len(rows) != len(ids) {
		return nil, fmt.Errorf("client matches reference unknown chunks: %w", pkgerrors.ErrInvalidArgument)
	}
	out := make([]retrieval.Match, 0, len(rows))
	for _, r := range rows {
		if !t.thread.Global() && r.DocumentID != *t.thread.DocumentID {
			return nil, fmt.Errorf("client match %s belongs to another document: %w", r.ID, pkgerrors.ErrInvalidArgument)
		}
		r.Similarity = score[r.ID]
		out = append(out, retrieval.Match{ChunkMatch: r})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	return out, nil
}

// gather embeds and retrieves (unless the caller supplied matches), loads
// memory and builds the prompt context.
func (o *Orchestrator) gather(ctx context.Context, t *turn) error {
	dbc := dbctx.Context{Ctx: ctx}
	docCount := 0
	if t.thread.Global() {
		n, err := o.documents.CountReady(dbc, t.req.Owner)
		if err != nil {
			return fmt.Errorf("count documents: %w", err)
		}
		docCount = int(n)
	}
	params := retrieval.Resolve(o.retrieval.Config(), t.req.TopK, t.scope(), docCount)

	if t.client != nil {
		t.result = o.retrieval.Select(t.client, params, t.scope())
	} else {
		emb, err := o.parser.Embed(ctx, t.question)
		if err != nil {
			return fmt.Errorf("embed question: %w", err)
		}
		if o.usage != nil && !emb.Usage.Empty() {
			chatID := t.thread.ID
			o.usage.Record(ctx, usage.Entry{
				UserID:     t.req.Owner,
				Operation:  types.UsageEmbed,
				ChatID:     &chatID,
				DocumentID: t.thread.DocumentID,
				Usage:      emb.Usage,
			})
		}
		t.result, err = o.retrieval.Retrieve(ctx, retrieval.RetrieveInput{
			Owner:      t.req.Owner,
			DocumentID: t.thread.DocumentID,
			Embedding:  emb.Vector,
			Params:     params,
		})
		if err != nil {
			return err
		}
	}

	t.byID = make(map[uuid.UUID]retrieval.Match, len(t.result.Matches))
	for _, m := range t.result.Matches {
		t.byID[m.ID] = m
	}

	var memory []string
	if o.cfg.MemoryTurns > 0 {
		history, err := o.messages.RecentForMemory(dbc, t.thread.ID, o.cfg.MemoryTurns)
		if err != nil {
			return fmt.Errorf("load memory: %w", err)
		}
		memory = MemoryLines(history, t.question)
	}
	t.context = BuildContext(memory, t.result.Matches)
	return nil
}

func (o *Orchestrator) persist(ctx context.Context, t *turn, status, content string, used parser.Usage, failure string) (*types.ChatMessage, error) {
	refs := []types.ChatRef{}
	var cited []uuid.UUID
	if status != types.MessageError {
		for i, m := range t.result.Matches {
			refs = append(refs, types.ChatRef{
				ID:             "chunk-" + m.ID.String(),
				ChunkID:        m.ID,
				Label:          RefLabel(m, i+1),
				DocumentID:     m.DocumentID,
				AboveThreshold: m.AboveThreshold,
			})
		}
		cited = ExtractCitations(content, t.byID)
	}
	if cited == nil {
		cited = []uuid.UUID{}
	}
	if len(cited) > 0 {
		o.log.Debug("Answer cites chunks", "thread_id", t.thread.ID, "cited", cited)
	}

	meta := map[string]any{
		"mode":       t.mode,
		"model":      t.model,
		"best_score": t.result.BestScore,
		"coverage":   t.result.Coverage,
		"cited":      cited,
	}
	if len(used.Raw) > 0 {
		meta["usage"] = used.Raw
	}
	if failure != "" {
		meta["error"] = failure
	}
	refsJSON, err := json.Marshal(refs)
	if err != nil {
		return nil, err
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}

	msg, err := o.messages.UpsertAssistant(dbctx.Context{Ctx: ctx}, repos.MessageUpsertKey{
		MessageID: t.req.MessageID,
		ThreadID:  t.thread.ID,
		UserID:    t.req.Owner,
	}, repos.AssistantFields{
		Status:   status,
		Content:  content,
		Refs:     datatypes.JSON(refsJSON),
		Metadata: datatypes.JSON(metaJSON),
	})
	if err != nil {
		return nil, fmt.Errorf("save assistant message: %w", err)
	}
	return msg, nil
}

func (o *Orchestrator) recordAnswer(ctx context.Context, t *turn, msg *types.ChatMessage, used parser.Usage) {
	if o.usage == nil || used.Empty() {
		return
	}
	chatID, msgID := t.thread.ID, msg.ID
	o.usage.Record(ctx, usage.Entry{
		UserID:     t.req.Owner,
		Operation:  types.UsageAnswer,
		DocumentID: t.thread.DocumentID,
		ChatID:     &chatID,
		MessageID:  &msgID,
		Model:      t.model,
		Usage:      used,
	})
}
