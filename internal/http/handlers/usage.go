package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/askpdf-backend/internal/http/response"
)

type UsageHandler struct {
	usage UsageReporter
	now   func() time.Time
}

func NewUsageHandler(usage UsageReporter) *UsageHandler {
	return &UsageHandler{usage: usage, now: time.Now}
}

// GET /api/usage/summary
func (h *UsageHandler) Summary(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	rep, err := h.usage.Summary(c.Request.Context(), userID, h.now())
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{
		"month":    rep.Month,
		"allTime":  rep.AllTime,
		"from":     rep.From,
		"to":       rep.To,
	})
}
