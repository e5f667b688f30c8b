package handlers

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/askpdf-backend/internal/data/repos"
	types "github.com/yungbote/askpdf-backend/internal/domain"
	"github.com/yungbote/askpdf-backend/internal/modules/retrieval"
	"github.com/yungbote/askpdf-backend/internal/platform/parser"
)

// messageView is the message shape the web client renders.
type messageView struct {
	ID        uuid.UUID       `json:"id"`
	ThreadID  uuid.UUID       `json:"threadId"`
	Role      string          `json:"role"`
	Text      string          `json:"text"`
	Status    string          `json:"status"`
	Refs      json.RawMessage `json:"refs"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

func toMessageView(m *types.ChatMessage) messageView {
	refs := json.RawMessage(m.Refs)
	if len(refs) == 0 {
		refs = json.RawMessage(`[]`)
	}
	var meta json.RawMessage
	if len(m.Metadata) > 0 {
		meta = json.RawMessage(m.Metadata)
	}
	return messageView{
		ID:        m.ID,
		ThreadID:  m.ThreadID,
		Role:      m.Role,
		Text:      m.Content,
		Status:    m.Status,
		Refs:      refs,
		Metadata:  meta,
		CreatedAt: m.CreatedAt,
	}
}

func toMessageViews(rows []*types.ChatMessage) []messageView {
	out := make([]messageView, 0, len(rows))
	for _, m := range rows {
		out = append(out, toMessageView(m))
	}
	return out
}

// matchView mirrors the client-side match objects that can be sent back as
// client_matches.
type matchView struct {
	ID             uuid.UUID       `json:"id"`
	Content        string          `json:"content"`
	Metadata       json.RawMessage `json:"metadata"`
	Similarity     float64         `json:"similarity"`
	DocumentID     uuid.UUID       `json:"documentId"`
	DocumentTitle  string          `json:"documentTitle,omitempty"`
	AboveThreshold *bool           `json:"aboveThreshold,omitempty"`
}

func toMatchView(m retrieval.Match, withThreshold bool) matchView {
	meta := json.RawMessage(m.Metadata)
	if len(meta) == 0 {
		meta = json.RawMessage(`{}`)
	}
	v := matchView{
		ID:            m.ID,
		Content:       m.Content,
		Metadata:      meta,
		Similarity:    m.Similarity,
		DocumentID:    m.DocumentID,
		DocumentTitle: m.DocumentTitle,
	}
	if withThreshold {
		above := m.AboveThreshold
		v.AboveThreshold = &above
	}
	return v
}

func retrievalMatch(m repos.ChunkMatch) retrieval.Match {
	return retrieval.Match{ChunkMatch: m}
}

type usageView struct {
	InputTokens  *int `json:"input_tokens,omitempty"`
	OutputTokens *int `json:"output_tokens,omitempty"`
	TotalTokens  *int `json:"total_tokens,omitempty"`
}

func toUsageView(u parser.Usage) usageView {
	return usageView{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens, TotalTokens: u.TotalTokens}
}
