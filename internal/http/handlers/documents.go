package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/askpdf-backend/internal/data/repos"
	"github.com/yungbote/askpdf-backend/internal/http/response"
	"github.com/yungbote/askpdf-backend/internal/modules/ingestion"
	"github.com/yungbote/askpdf-backend/internal/pkg/dbctx"
	"github.com/yungbote/askpdf-backend/internal/pkg/logger"
	"github.com/yungbote/askpdf-backend/internal/platform/gcp"
)

type DocumentHandlerDeps struct {
	Log            *logger.Logger
	Ingest         Ingestor
	Documents      repos.DocumentRepo
	Chunks         repos.ChunkRepo
	Tx             repos.TxRunner
	Storage        gcp.DocumentStorage
	MaxUploadBytes int64
}

type DocumentHandler struct {
	log       *logger.Logger
	ingest    Ingestor
	documents repos.DocumentRepo
	chunks    repos.ChunkRepo
	tx        repos.TxRunner
	storage   gcp.DocumentStorage
	maxUpload int64
}

func NewDocumentHandlerWithDeps(deps DocumentHandlerDeps) *DocumentHandler {
	log := deps.Log
	if log == nil {
		log = logger.Nop()
	}
	maxUpload := deps.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 50 << 20
	}
	return &DocumentHandler{
		log:       log.With("handler", "DocumentHandler"),
		ingest:    deps.Ingest,
		documents: deps.Documents,
		chunks:    deps.Chunks,
		tx:        deps.Tx,
		storage:   deps.Storage,
		maxUpload: maxUpload,
	}
}

// POST /api/documents/index (multipart field "file")
func (h *DocumentHandler) Index(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	// Leave room for the multipart envelope; the pipeline enforces the exact limit.
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload+(1<<20))
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.RespondError(c, http.StatusRequestEntityTooLarge, "file_too_large", fmt.Errorf("upload exceeds %d bytes", h.maxUpload))
			return
		}
		response.RespondError(c, http.StatusBadRequest, "missing_file", fmt.Errorf("multipart field \"file\" is required"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxUpload+1))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "read_failed", err)
		return
	}
	out, err := h.ingest.Start(c.Request.Context(), ingestion.StartInput{
		Data:     data,
		Filename: header.Filename,
		Owner:    userID,
	})
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"document_id": out.DocumentID, "status": out.Status})
}

// GET /api/documents
func (h *DocumentHandler) List(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	docs, err := h.documents.ListByOwner(dbctx.Context{Ctx: c.Request.Context()}, userID)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"documents": docs})
}

// GET /api/documents/:id
func (h *DocumentHandler) Get(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	doc, err := h.documents.GetByID(dbctx.Context{Ctx: c.Request.Context()}, userID, id)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"document": doc})
}

type patchDocumentReq struct {
	Title string `json:"title"`
}

// PATCH /api/documents/:id
func (h *DocumentHandler) Patch(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req patchDocumentReq
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Title) == "" {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", fmt.Errorf("title is required"))
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	if err := h.documents.UpdateTitle(dbc, userID, id, req.Title); err != nil {
		response.RespondErr(c, err)
		return
	}
	doc, err := h.documents.GetByID(dbc, userID, id)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"document": doc})
}

// DELETE /api/documents/:id
//
// Chunks go with the row; the stored object is removed best-effort.
func (h *DocumentHandler) Delete(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	doc, err := h.documents.GetByID(dbctx.Context{Ctx: ctx}, userID, id)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	err = h.tx.InTx(ctx, func(dbc dbctx.Context) error {
		if err := h.chunks.DeleteByDocument(dbc, userID, id); err != nil {
			return err
		}
		return h.documents.Delete(dbc, userID, id)
	})
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	if h.storage != nil && doc.StoragePath != "" {
		if err := h.storage.Delete(ctx, doc.StoragePath); err != nil {
			h.log.Warn("Stored PDF not removed", "document_id", id, "error", err)
		}
	}
	c.Status(http.StatusNoContent)
}

// GET /api/documents/:id/url
func (h *DocumentHandler) SignedURL(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	doc, err := h.documents.GetByID(dbctx.Context{Ctx: ctx}, userID, id)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	if doc.StoragePath == "" || h.storage == nil {
		response.RespondError(c, http.StatusNotFound, "not_found", fmt.Errorf("document has no stored file"))
		return
	}
	url, err := h.storage.SignedURL(ctx, doc.StoragePath)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"url": url})
}

// POST /api/documents/resume
func (h *DocumentHandler) Resume(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	n, err := h.ingest.Resume(c.Request.Context(), &userID)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"resumed": n})
}

// GET /api/chunks/:id
func (h *DocumentHandler) GetChunk(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	rows, err := h.chunks.GetByIDs(dbctx.Context{Ctx: c.Request.Context()}, userID, []uuid.UUID{id})
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	if len(rows) == 0 {
		response.RespondError(c, http.StatusNotFound, "not_found", fmt.Errorf("chunk %s not found", id))
		return
	}
	response.RespondOK(c, gin.H{"chunk": toMatchView(retrievalMatch(rows[0]), false)})
}
