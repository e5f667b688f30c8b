package usage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/askpdf-backend/internal/data/repos"
	types "github.com/yungbote/askpdf-backend/internal/domain"
	"github.com/yungbote/askpdf-backend/internal/pkg/dbctx"
	"github.com/yungbote/askpdf-backend/internal/pkg/logger"
	"github.com/yungbote/askpdf-backend/internal/platform/parser"
)

const recordTimeout = 5 * time.Second

// Entry is one metered call against the parsing service.
type Entry struct {
	UserID     uuid.UUID
	Operation  string
	DocumentID *uuid.UUID
	ChatID     *uuid.UUID
	MessageID  *uuid.UUID
	Model      string
	Usage      parser.Usage
	Pages      *int
	Request    map[string]any
}

// Recorder writes usage rows. Record never fails the caller: a usage row that
// cannot be written is logged and dropped.
type Recorder interface {
	Record(ctx context.Context, e Entry)
	Summary(ctx context.Context, owner uuid.UUID, now time.Time) (Report, error)
}

type Report struct {
	Month   repos.UsageSummary `json:"month"`
	AllTime repos.UsageSummary `json:"allTime"`
	From    time.Time          `json:"from"`
	To      time.Time          `json:"to"`
}

type recorder struct {
	log  *logger.Logger
	repo repos.UsageLogRepo
}

func NewRecorder(baseLog *logger.Logger, repo repos.UsageLogRepo) Recorder {
	return &recorder{log: baseLog.With("service", "UsageRecorder"), repo: repo}
}

func (r *recorder) Record(ctx context.Context, e Entry) {
	if r == nil || r.repo == nil {
		return
	}
	if e.UserID == uuid.Nil || e.Operation == "" {
		r.log.Warn("Skipping usage entry without owner or operation", "operation", e.Operation)
		return
	}
	// The caller may already be cancelled (client gone); the row still counts.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	row := &types.UsageLog{
		UserID:       e.UserID,
		Operation:    e.Operation,
		DocumentID:   e.DocumentID,
		ChatID:       e.ChatID,
		MessageID:    e.MessageID,
		Model:        e.Model,
		InputTokens:  e.Usage.InputTokens,
		OutputTokens: e.Usage.OutputTokens,
		TotalTokens:  e.Usage.TotalTokens,
		Pages:        e.Pages,
		RawUsage:     rawJSON(e.Usage.Raw),
		RawRequest:   rawJSON(e.Request),
	}
	if err := r.repo.Insert(dbctx.Context{Ctx: ctx}, row); err != nil {
		r.log.Warn("Usage logging failed", "operation", e.Operation, "user_id", e.UserID, "error", err)
	}
}

func (r *recorder) Summary(ctx context.Context, owner uuid.UUID, now time.Time) (Report, error) {
	from, to := MonthBounds(now)
	dbc := dbctx.Context{Ctx: ctx}
	month, err := r.repo.Summary(dbc, owner, &from, &to)
	if err != nil {
		return Report{}, err
	}
	all, err := r.repo.Summary(dbc, owner, nil, nil)
	if err != nil {
		return Report{}, err
	}
	return Report{Month: month, AllTime: all, From: from, To: to}, nil
}

// MonthBounds returns [first of month, first of next month) in UTC.
func MonthBounds(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	from := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(0, 1, 0)
}

func rawJSON(v any) datatypes.JSON {
	switch t := v.(type) {
	case nil:
		return nil
	case json.RawMessage:
		if len(t) == 0 {
			return nil
		}
		return datatypes.JSON(t)
	case map[string]any:
		if len(t) == 0 {
			return nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}
