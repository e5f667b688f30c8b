package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/datatypes"

	types "github.com/yungbote/askpdf-backend/internal/domain"
	"github.com/yungbote/askpdf-backend/internal/jobs/runtime"
	"github.com/yungbote/askpdf-backend/internal/modules/usage"
	"github.com/yungbote/askpdf-backend/internal/observability"
	"github.com/yungbote/askpdf-backend/internal/pkg/dbctx"
	"github.com/yungbote/askpdf-backend/internal/pkg/logger"
	"github.com/yungbote/askpdf-backend/internal/platform/parser"
)

func (p *Pipeline) runIngest(jc *runtime.Context) (err error) {
	ctx, span := observability.StartSpan(jc.Ctx, "ingestion.document_ingest",
		attribute.String("document_id", jc.Item.DocumentID.String()))
	defer func() { observability.EndSpan(span, err) }()

	owner, id := jc.Item.UserID, jc.Item.DocumentID
	data, ok := jc.PayloadBytes(payloadData)
	filename, _ := jc.PayloadString(payloadFilename)
	if !ok {
		// Re-queued by resume; the upload already reached storage.
		doc, err := p.docs.GetByID(dbctx.Context{Ctx: ctx}, owner, id)
		if err != nil {
			return fmt.Errorf("load document: %w", err)
		}
		if doc.Status != types.DocumentUploaded {
			jc.Log.Info("Nothing to ingest", "status", doc.Status)
			return nil
		}
		if data, err = p.storage.Read(ctx, doc.StoragePath); err != nil {
			return fmt.Errorf("read stored document: %w", err)
		}
		if len(data) == 0 {
			return fmt.Errorf("stored document %s is empty", id)
		}
		filename = doc.Title
	}

	if err := p.setStatus(ctx, owner, id, types.DocumentProcessing, ""); err != nil {
		return err
	}

	sub, err := p.parser.Submit(ctx, data, filename)
	if err != nil {
		return fmt.Errorf("parser submit: %w", err)
	}
	jc.Log.Info("Submitted to parser", "parser_doc_id", sub.ID)
	if err := p.docs.SetParserRef(dbctx.Context{Ctx: ctx}, owner, id, sub.ID, "submitted"); err != nil {
		return fmt.Errorf("store parser ref: %w", err)
	}
	return p.finish(ctx, jc.Log, owner, id, sub.ID)
}

// runResume picks up at the wait step. Documents that moved on since the
// resume scan are left alone.
func (p *Pipeline) runResume(jc *runtime.Context) (err error) {
	ctx, span := observability.StartSpan(jc.Ctx, "ingestion.document_resume",
		attribute.String("document_id", jc.Item.DocumentID.String()))
	defer func() { observability.EndSpan(span, err) }()

	doc, err := p.docs.GetByID(dbctx.Context{Ctx: ctx}, jc.Item.UserID, jc.Item.DocumentID)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	if doc.Status != types.DocumentProcessing || doc.ParserDocID == "" {
		jc.Log.Info("Nothing to resume", "status", doc.Status)
		return nil
	}
	return p.finish(ctx, jc.Log, doc.UserID, doc.ID, doc.ParserDocID)
}

// finish waits for the parser, stores the result and chunks, and records
// usage. Once the parser id is stored, cancellation leaves the document in
// processing so a later resume can finish it.
func (p *Pipeline) finish(ctx context.Context, log *logger.Logger, owner, id uuid.UUID, externalID string) error {
	status, err := p.wait(ctx, owner, id, externalID)
	if err == nil {
		err = p.complete(ctx, log, owner, id, externalID, status)
	}
	if err != nil && ctx.Err() != nil {
		log.Info("Ingestion interrupted, leaving document for resume", "parser_doc_id", externalID, "error", err)
		return nil
	}
	return err
}

func (p *Pipeline) wait(ctx context.Context, owner, id uuid.UUID, externalID string) (parser.StatusResult, error) {
	deadline := time.Now().Add(p.cfg.Timeout)
	for {
		st, err := p.parser.Status(ctx, externalID)
		if err != nil {
			return parser.StatusResult{}, fmt.Errorf("parser status: %w", err)
		}
		if err := p.docs.SetParserRef(dbctx.Context{Ctx: ctx}, owner, id, "", st.Status); err != nil {
			p.log.Debug("Recording parser status failed", "document_id", id, "error", err)
		}
		switch {
		case st.Succeeded():
			return st, nil
		case st.Failed():
			return st, fmt.Errorf("parser failed: %s", string(st.Raw))
		}
		if !time.Now().Before(deadline) {
			return st, errParserTimeout
		}

		timer := time.NewTimer(p.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return st, ctx.Err()
		case <-timer.C:
		}
	}
}

func (p *Pipeline) complete(ctx context.Context, log *logger.Logger, owner, id uuid.UUID, externalID string, status parser.StatusResult) error {
	res, err := p.parser.Result(ctx, externalID)
	if err != nil {
		return fmt.Errorf("parser result: %w", err)
	}

	var inserted int
	var pageCount *int
	err = p.tx.InTx(ctx, func(dbc dbctx.Context) error {
		doc, err := p.docs.GetByID(dbc, owner, id)
		if err != nil {
			return err
		}
		pageCount = metadataInt(doc.Metadata, "page_count")
		meta, err := readyMetadata(doc.Metadata, externalID, status, res)
		if err != nil {
			return err
		}
		if err := p.docs.Transition(dbc, owner, id, types.DocumentReady, map[string]interface{}{
			"metadata": meta,
			"result":   datatypes.JSON(res.Raw),
			"error":    "",
		}); err != nil {
			return err
		}
		if err := p.chunks.DeleteByDocument(dbc, owner, id); err != nil {
			return fmt.Errorf("delete old chunks: %w", err)
		}
		rows := p.chunkRows(owner, id, res.Chunks)
		inserted, err = p.chunks.InsertBatch(dbc, rows)
		if err != nil {
			return fmt.Errorf("insert chunks: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Info("Document ready", "parser_doc_id", externalID, "chunks", len(res.Chunks), "inserted", inserted, "shape", res.Shape)

	pages := res.Pages
	if pages == nil {
		pages = pageCount
	}
	if p.usage != nil && pages != nil {
		docID := id
		p.usage.Record(ctx, usage.Entry{
			UserID:     owner,
			Operation:  types.UsageParse,
			DocumentID: &docID,
			Pages:      pages,
			Request:    map[string]any{"parser_doc_id": externalID},
		})
	}
	p.notify(ctx, owner, id, types.DocumentReady, "")
	return nil
}

// chunkRows keeps chunks that carry an embedding of the expected dimension.
func (p *Pipeline) chunkRows(owner, docID uuid.UUID, chunks []parser.Chunk) []*types.DocumentChunk {
	dim := p.cfg.EmbeddingDim
	out := make([]*types.DocumentChunk, 0, len(chunks))
	skipped := 0
	for i, ch := range chunks {
		if !ch.HasEmbedding() {
			skipped++
			continue
		}
		if dim == 0 {
			dim = len(ch.Embedding)
		}
		if len(ch.Embedding) != dim {
			skipped++
			continue
		}
		meta := ch.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		raw, err := json.Marshal(meta)
		if err != nil {
			raw = []byte("{}")
		}
		out = append(out, &types.DocumentChunk{
			DocumentID: docID,
			UserID:     owner,
			Index:      i,
			Content:    ch.Content,
			Embedding:  pgvector.NewVector(ch.Embedding),
			Metadata:   datatypes.JSON(raw),
		})
	}
	if skipped > 0 {
		p.log.Debug("Skipped chunks without usable embedding", "document_id", docID, "skipped", skipped)
	}
	return out
}

func readyMetadata(existing datatypes.JSON, externalID string, status parser.StatusResult, res parser.ParseResult) (datatypes.JSON, error) {
	meta := map[string]any{}
	if len(existing) > 0 {
		_ = json.Unmarshal(existing, &meta)
		if meta == nil {
			meta = map[string]any{}
		}
	}
	meta["parser_doc_id"] = externalID
	var statusPayload any = status.Status
	if len(status.Raw) > 0 {
		var v any
		if err := json.Unmarshal(status.Raw, &v); err == nil {
			statusPayload = v
		}
	}
	meta["parser_status"] = statusPayload
	meta["parser_result_meta"] = map[string]any{
		"parser_version": nullable(res.ParserVersion),
		"source":         nullable(res.Source),
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func metadataInt(raw datatypes.JSON, key string) *int {
	if len(raw) == 0 {
		return nil
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil
	}
	f, ok := meta[key].(float64)
	if !ok || f <= 0 {
		return nil
	}
	n := int(f)
	return &n
}
