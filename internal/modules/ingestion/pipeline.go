package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/askpdf-backend/internal/data/repos"
	types "github.com/yungbote/askpdf-backend/internal/domain"
	"github.com/yungbote/askpdf-backend/internal/jobs/runtime"
	"github.com/yungbote/askpdf-backend/internal/jobs/worker"
	"github.com/yungbote/askpdf-backend/internal/modules/usage"
	"github.com/yungbote/askpdf-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/askpdf-backend/internal/pkg/errors"
	"github.com/yungbote/askpdf-backend/internal/pkg/logger"
	"github.com/yungbote/askpdf-backend/internal/platform/envutil"
	"github.com/yungbote/askpdf-backend/internal/platform/gcp"
	"github.com/yungbote/askpdf-backend/internal/platform/parser"
	"github.com/yungbote/askpdf-backend/internal/platform/pdfinfo"
	"github.com/yungbote/askpdf-backend/internal/realtime"
)

const (
	JobIngest = "document_ingest"
	JobResume = "document_resume"

	payloadData     = "data"
	payloadFilename = "filename"

	pdfContentType = "application/pdf"
)

var errParserTimeout = errors.New("parser timeout")

type Config struct {
	PollInterval   time.Duration
	Timeout        time.Duration
	MaxUploadBytes int64
	// EmbeddingDim rejects chunk vectors of any other length. Zero accepts the
	// dimension of the first embedded chunk.
	EmbeddingDim int
}

func ConfigFromEnv() Config {
	return Config{
		PollInterval:   envutil.Seconds("INGEST_POLL_INTERVAL_SECONDS", 5*time.Second),
		Timeout:        envutil.Seconds("INGEST_TIMEOUT_SECONDS", 180*time.Second),
		MaxUploadBytes: int64(envutil.Int("MAX_UPLOAD_MB", 50)) << 20,
		EmbeddingDim:   envutil.Int("EMBEDDING_DIM", 0),
	}
}

// Queue is the part of the supervisor the pipeline needs.
type Queue interface {
	Enqueue(ctx context.Context, item runtime.WorkItem) error
}

type Deps struct {
	Log      *logger.Logger
	Config   Config
	Docs     repos.DocumentRepo
	Chunks   repos.ChunkRepo
	Tx       repos.TxRunner
	Parser   parser.Client
	Storage  gcp.DocumentStorage
	Queue    Queue
	Notifier realtime.Notifier
	Usage    usage.Recorder
}

type StartInput struct {
	Data     []byte
	Filename string
	Owner    uuid.UUID
}

type StartOutput struct {
	DocumentID uuid.UUID            `json:"document_id"`
	Status     types.DocumentStatus `json:"status"`
}

// Pipeline moves an uploaded PDF through uploading, uploaded, processing and
// finally ready or failed. Everything past the upload runs on the supervisor.
type Pipeline struct {
	log      *logger.Logger
	cfg      Config
	docs     repos.DocumentRepo
	chunks   repos.ChunkRepo
	tx       repos.TxRunner
	parser   parser.Client
	storage  gcp.DocumentStorage
	queue    Queue
	notifier realtime.Notifier
	usage    usage.Recorder
}

func NewPipeline(deps Deps) (*Pipeline, error) {
	if deps.Docs == nil || deps.Chunks == nil || deps.Tx == nil {
		return nil, fmt.Errorf("ingestion pipeline: repos not wired")
	}
	if deps.Parser == nil || deps.Storage == nil {
		return nil, fmt.Errorf("ingestion pipeline: parser and storage are required")
	}
	cfg := deps.Config
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 180 * time.Second
	}
	log := deps.Log
	if log == nil {
		log = logger.Nop()
	}
	return &Pipeline{
		log:      log.With("service", "IngestionPipeline"),
		cfg:      cfg,
		docs:     deps.Docs,
		chunks:   deps.Chunks,
		tx:       deps.Tx,
		parser:   deps.Parser,
		storage:  deps.Storage,
		queue:    deps.Queue,
		notifier: deps.Notifier,
		usage:    deps.Usage,
	}, nil
}

// SetQueue wires the supervisor after construction; the supervisor's failure
// hook points back at the pipeline.
func (p *Pipeline) SetQueue(q Queue) { p.queue = q }

func (p *Pipeline) MaxUploadBytes() int64 { return p.cfg.MaxUploadBytes }

func (p *Pipeline) Register(reg *runtime.Registry) error {
	for _, h := range []runtime.Handler{
		jobHandler{typ: JobIngest, run: p.runIngest},
		jobHandler{typ: JobResume, run: p.runResume},
	} {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}

// Start validates and stores the upload, then hands the document to the
// supervisor. It returns once the bytes are in object storage.
func (p *Pipeline) Start(ctx context.Context, in StartInput) (StartOutput, error) {
	if in.Owner == uuid.Nil {
		return StartOutput{}, pkgerrors.ErrUnauthorized
	}
	if len(in.Data) == 0 {
		return StartOutput{}, fmt.Errorf("empty upload: %w", pkgerrors.ErrInvalidArgument)
	}
	if p.cfg.MaxUploadBytes > 0 && int64(len(in.Data)) > p.cfg.MaxUploadBytes {
		return StartOutput{}, fmt.Errorf("upload exceeds %d bytes: %w", p.cfg.MaxUploadBytes, pkgerrors.ErrInvalidArgument)
	}
	info, err := pdfinfo.Inspect(in.Data)
	if err != nil {
		return StartOutput{}, err
	}

	title := in.Filename
	if title == "" {
		title = defaultStorageName
	}
	meta, _ := json.Marshal(map[string]any{"page_count": info.Pages})
	doc := &types.Document{
		UserID:      in.Owner,
		Title:       title,
		StoragePath: StoragePath(in.Owner, title),
		SizeBytes:   int64(len(in.Data)),
		Status:      types.DocumentUploading,
		Metadata:    datatypes.JSON(meta),
	}
	dbc := dbctx.Context{Ctx: ctx}
	if err := p.docs.Create(dbc, doc); err != nil {
		return StartOutput{}, fmt.Errorf("create document: %w", err)
	}
	log := p.log.With("document_id", doc.ID, "user_id", in.Owner)

	if err := p.storage.Upload(ctx, doc.StoragePath, in.Data, pdfContentType); err != nil {
		log.Warn("Upload failed", "error", err)
		p.setStatus(context.WithoutCancel(ctx), in.Owner, doc.ID, types.DocumentFailed, err.Error())
		return StartOutput{}, fmt.Errorf("upload document: %w", err)
	}
	if err := p.setStatus(ctx, in.Owner, doc.ID, types.DocumentUploaded, ""); err != nil {
		return StartOutput{}, err
	}

	item := runtime.WorkItem{
		Type:       JobIngest,
		DocumentID: doc.ID,
		UserID:     in.Owner,
		Payload:    map[string]any{payloadData: in.Data, payloadFilename: title},
	}
	if err := p.enqueue(ctx, item); err != nil && !errors.Is(err, worker.ErrAlreadyQueued) {
		log.Error("Ingestion enqueue failed", "error", err)
		p.markFailed(context.WithoutCancel(ctx), in.Owner, doc.ID, "ingestion queue unavailable: "+err.Error())
		return StartOutput{DocumentID: doc.ID, Status: types.DocumentFailed}, nil
	}
	log.Info("Document accepted", "bytes", len(in.Data), "pages", info.Pages)
	return StartOutput{DocumentID: doc.ID, Status: types.DocumentUploaded}, nil
}

// Resume re-attaches to parser jobs of documents left in processing and
// re-queues documents that were stored but never submitted. A nil owner scans
// every user.
func (p *Pipeline) Resume(ctx context.Context, owner *uuid.UUID) (int, error) {
	dbc := dbctx.Context{Ctx: ctx}
	processing, err := p.docs.ListProcessing(dbc, owner)
	if err != nil {
		return 0, fmt.Errorf("list processing documents: %w", err)
	}
	uploaded, err := p.docs.ListUploaded(dbc, owner)
	if err != nil {
		return 0, fmt.Errorf("list uploaded documents: %w", err)
	}
	items := make([]runtime.WorkItem, 0, len(processing)+len(uploaded))
	for _, doc := range processing {
		items = append(items, runtime.WorkItem{Type: JobResume, DocumentID: doc.ID, UserID: doc.UserID})
	}
	// No payload: the ingest job reads the bytes back from storage.
	for _, doc := range uploaded {
		items = append(items, runtime.WorkItem{Type: JobIngest, DocumentID: doc.ID, UserID: doc.UserID})
	}

	started := 0
	for _, item := range items {
		err := p.enqueue(ctx, item)
		switch {
		case err == nil:
			started++
		case errors.Is(err, worker.ErrAlreadyQueued):
			p.log.Debug("Document already in flight, skipping resume", "document_id", item.DocumentID)
		default:
			return started, fmt.Errorf("enqueue %s for %s: %w", item.Type, item.DocumentID, err)
		}
	}
	if started > 0 {
		p.log.Info("Resumed processing documents", "count", started)
	}
	return started, nil
}

// OnJobFailure is the supervisor's failure hook.
func (p *Pipeline) OnJobFailure(ctx context.Context, item runtime.WorkItem, err error) {
	if errors.Is(err, worker.ErrStopped) {
		// Never started: the document is still uploaded, or processing with a
		// parser id. The next resume picks it up either way.
		p.log.Info("Job dropped at shutdown", "job_type", item.Type, "document_id", item.DocumentID)
		return
	}
	p.markFailed(ctx, item.UserID, item.DocumentID, err.Error())
}

func (p *Pipeline) enqueue(ctx context.Context, item runtime.WorkItem) error {
	if p.queue == nil {
		return worker.ErrStopped
	}
	return p.queue.Enqueue(ctx, item)
}

// markFailed drives any non-terminal document to failed. uploaded has no
// direct edge to failed, so it passes through processing.
func (p *Pipeline) markFailed(ctx context.Context, owner, id uuid.UUID, reason string) {
	doc, err := p.docs.GetByID(dbctx.Context{Ctx: ctx}, owner, id)
	if err != nil {
		p.log.Warn("Cannot load document to mark failed", "document_id", id, "error", err)
		return
	}
	if doc.Status.Terminal() {
		return
	}
	if doc.Status == types.DocumentUploaded {
		if err := p.setStatus(ctx, owner, id, types.DocumentProcessing, ""); err != nil {
			p.log.Warn("Cannot move document to processing", "document_id", id, "error", err)
			return
		}
	}
	if err := p.setStatus(ctx, owner, id, types.DocumentFailed, reason); err != nil {
		p.log.Warn("Cannot mark document failed", "document_id", id, "error", err)
		return
	}
	p.log.Warn("Document failed", "document_id", id, "reason", reason)
}

func (p *Pipeline) setStatus(ctx context.Context, owner, id uuid.UUID, to types.DocumentStatus, reason string) error {
	fields := map[string]interface{}{"error": reason}
	if err := p.docs.Transition(dbctx.Context{Ctx: ctx}, owner, id, to, fields); err != nil {
		return fmt.Errorf("document %s -> %s: %w", id, to, err)
	}
	p.notify(ctx, owner, id, to, reason)
	return nil
}

func (p *Pipeline) notify(ctx context.Context, owner, id uuid.UUID, status types.DocumentStatus, reason string) {
	if p.notifier == nil {
		return
	}
	p.notifier.DocumentStatusChanged(ctx, owner, realtime.DocumentStatusEvent{
		DocumentID: id,
		Status:     string(status),
		Error:      reason,
	})
}

type jobHandler struct {
	typ string
	run func(*runtime.Context) error
}

func (h jobHandler) Type() string                 { return h.typ }
func (h jobHandler) Run(jc *runtime.Context) error { return h.run(jc) }
