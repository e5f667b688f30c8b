package handlers

import (
	"context"
	"time"

	"github.com/google/uuid"

	types "github.com/yungbote/askpdf-backend/internal/domain"
	"github.com/yungbote/askpdf-backend/internal/modules/answer"
	"github.com/yungbote/askpdf-backend/internal/modules/ingestion"
	"github.com/yungbote/askpdf-backend/internal/modules/retrieval"
	"github.com/yungbote/askpdf-backend/internal/modules/usage"
)

// Ingestor is the part of the ingestion pipeline the HTTP layer drives.
type Ingestor interface {
	Start(ctx context.Context, in ingestion.StartInput) (ingestion.StartOutput, error)
	Resume(ctx context.Context, owner *uuid.UUID) (int, error)
}

type Answerer interface {
	Answer(ctx context.Context, req answer.Request) (*types.ChatMessage, error)
	Stream(ctx context.Context, req answer.Request, sink answer.Sink) (*types.ChatMessage, error)
}

type Searcher interface {
	Search(ctx context.Context, owner uuid.UUID, query string, topK int, documentID *uuid.UUID) ([]retrieval.Match, error)
}

type UsageReporter interface {
	Summary(ctx context.Context, owner uuid.UUID, now time.Time) (usage.Report, error)
}
