package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/askpdf-backend/internal/http/response"
	"github.com/yungbote/askpdf-backend/internal/pkg/logger"
)

type SearchHandler struct {
	log    *logger.Logger
	search Searcher
}

func NewSearchHandler(log *logger.Logger, search Searcher) *SearchHandler {
	return &SearchHandler{log: log.With("handler", "SearchHandler"), search: search}
}

type searchReq struct {
	Query      string `json:"query"`
	TopK       int    `json:"top_k"`
	DocumentID string `json:"document_id"`
}

// POST /api/search
//
// Raw similarity search with no threshold filtering. Clients use the result
// to preview sources and may send it back as client_matches.
func (h *SearchHandler) Search(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	var req searchReq
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Query) == "" {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", fmt.Errorf("query is required"))
		return
	}
	docID, err := optionalUUID(req.DocumentID)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_document_id", err)
		return
	}
	if req.TopK == 0 {
		req.TopK = 5
	}
	matches, err := h.search.Search(c.Request.Context(), userID, req.Query, req.TopK, docID)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	out := make([]matchView, 0, len(matches))
	for _, m := range matches {
		out = append(out, toMatchView(m, false))
	}
	response.RespondOK(c, gin.H{"matches": out})
}
