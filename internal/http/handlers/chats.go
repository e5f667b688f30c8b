package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/askpdf-backend/internal/data/repos"
	types "github.com/yungbote/askpdf-backend/internal/domain"
	"github.com/yungbote/askpdf-backend/internal/http/response"
	"github.com/yungbote/askpdf-backend/internal/modules/answer"
	"github.com/yungbote/askpdf-backend/internal/pkg/dbctx"
	"github.com/yungbote/askpdf-backend/internal/pkg/logger"
)

type ChatHandlerDeps struct {
	Log       *logger.Logger
	Threads   repos.ChatThreadRepo
	Messages  repos.ChatMessageRepo
	Documents repos.DocumentRepo
	Answers   Answerer
	// AllowedOrigins limits which pages may open the answer WebSocket. Empty
	// allows any origin.
	AllowedOrigins []string
}

type ChatHandler struct {
	log       *logger.Logger
	threads   repos.ChatThreadRepo
	messages  repos.ChatMessageRepo
	documents repos.DocumentRepo
	answers   Answerer
	origins   map[string]bool
}

func NewChatHandlerWithDeps(deps ChatHandlerDeps) *ChatHandler {
	log := deps.Log
	if log == nil {
		log = logger.Nop()
	}
	origins := make(map[string]bool, len(deps.AllowedOrigins))
	for _, o := range deps.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins[o] = true
		}
	}
	return &ChatHandler{
		log:       log.With("handler", "ChatHandler"),
		threads:   deps.Threads,
		messages:  deps.Messages,
		documents: deps.Documents,
		answers:   deps.Answers,
		origins:   origins,
	}
}

// GET /api/chats?document_id=&scope=global
func (h *ChatHandler) ListThreads(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	docID, err := optionalUUID(c.Query("document_id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_document_id", err)
		return
	}
	threads, err := h.threads.List(dbctx.Context{Ctx: c.Request.Context()}, repos.ThreadListQuery{
		Owner:      userID,
		DocumentID: docID,
		GlobalOnly: strings.EqualFold(c.Query("scope"), "global"),
		Limit:      queryInt(c, "limit", 50),
	})
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"chats": threads})
}

type createThreadReq struct {
	Title      string `json:"title"`
	DocumentID string `json:"document_id"`
}

// POST /api/chats
func (h *ChatHandler) CreateThread(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	var req createThreadReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	docID, err := optionalUUID(req.DocumentID)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_document_id", err)
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	if docID != nil {
		if _, err := h.documents.GetByID(dbc, userID, *docID); err != nil {
			response.RespondErr(c, err)
			return
		}
	}
	thread := &types.ChatThread{UserID: userID, DocumentID: docID, Title: strings.TrimSpace(req.Title)}
	if err := h.threads.Create(dbc, thread); err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondCreated(c, gin.H{"chat": thread})
}

type patchThreadReq struct {
	Title string `json:"title"`
}

// PATCH /api/chats/:id
func (h *ChatHandler) PatchThread(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req patchThreadReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	if err := h.threads.UpdateTitle(dbc, userID, id, req.Title); err != nil {
		response.RespondErr(c, err)
		return
	}
	thread, err := h.threads.Get(dbc, userID, id)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"chat": thread})
}

// DELETE /api/chats/:id
func (h *ChatHandler) DeleteThread(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.threads.Delete(dbctx.Context{Ctx: c.Request.Context()}, userID, id); err != nil {
		response.RespondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /api/chats/:id/messages?limit=100&offset=0
func (h *ChatHandler) ListMessages(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	if _, err := h.threads.Get(dbc, userID, id); err != nil {
		response.RespondErr(c, err)
		return
	}
	msgs, err := h.messages.List(dbc, id, queryInt(c, "limit", 100), queryInt(c, "offset", 0))
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"messages": toMessageViews(msgs)})
}

type postMessageReq struct {
	Content string `json:"content"`
}

// POST /api/chats/:id/messages
//
// Stores the user's turn. The answer is requested separately so the client
// can show the question immediately.
func (h *ChatHandler) PostMessage(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req postMessageReq
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", fmt.Errorf("content is required"))
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	if _, err := h.threads.Get(dbc, userID, id); err != nil {
		response.RespondErr(c, err)
		return
	}
	msg := &types.ChatMessage{
		ThreadID: id,
		UserID:   userID,
		Role:     types.RoleUser,
		Status:   types.MessageOK,
		Content:  strings.TrimSpace(req.Content),
	}
	if err := h.messages.Create(dbc, msg); err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondCreated(c, gin.H{"message": toMessageView(msg)})
}

// askReq is the payload of both the one-shot endpoint and the first
// WebSocket frame.
type askReq struct {
	Message       string               `json:"message"`
	MessageID     string               `json:"message_id"`
	Mode          string               `json:"mode"`
	TopK          *int                 `json:"top_k"`
	ClientMatches []answer.ClientMatch `json:"client_matches"`
}

func (r askReq) toRequest(owner, threadID uuid.UUID) (answer.Request, error) {
	msgID, err := optionalUUID(r.MessageID)
	if err != nil {
		return answer.Request{}, fmt.Errorf("invalid message_id")
	}
	return answer.Request{
		Owner:         owner,
		ThreadID:      threadID,
		Message:       r.Message,
		MessageID:     msgID,
		Mode:          r.Mode,
		TopK:          r.TopK,
		ClientMatches: r.ClientMatches,
	}, nil
}

// POST /api/chats/:id/assistant
func (h *ChatHandler) Ask(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var body askReq
	if err := c.ShouldBindJSON(&body); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	req, err := body.toRequest(userID, id)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	msg, err := h.answers.Answer(c.Request.Context(), req)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"message": toMessageView(msg)})
}
