package usage

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/askpdf-backend/internal/domain"
	"github.com/yungbote/askpdf-backend/internal/pkg/dbctx"
	"github.com/yungbote/askpdf-backend/internal/pkg/logger"
)

type Summary struct {
	InputTokens  int64 `gorm:"column:input_tokens" json:"inputTokens"`
	OutputTokens int64 `gorm:"column:output_tokens" json:"outputTokens"`
	TotalTokens  int64 `gorm:"column:total_tokens" json:"totalTokens"`
	Pages        int64 `gorm:"column:pages" json:"pages"`
	AnswerTokens int64 `gorm:"column:answer_tokens" json:"answerTokens"`
	EmbedTokens  int64 `gorm:"column:embed_tokens" json:"embedTokens"`
	ParsePages   int64 `gorm:"column:parse_pages" json:"parsePages"`
	AnswerCount  int64 `gorm:"column:answer_count" json:"answerCount"`
	EmbedCount   int64 `gorm:"column:embed_count" json:"embedCount"`
	ParseCount   int64 `gorm:"column:parse_count" json:"parseCount"`
}

type UsageLogRepo interface {
	Insert(dbc dbctx.Context, row *types.UsageLog) error
	// Summary aggregates over [from, to). Nil bounds are open.
	Summary(dbc dbctx.Context, owner uuid.UUID, from, to *time.Time) (Summary, error)
}

type usageLogRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewUsageLogRepo(db *gorm.DB, baseLog *logger.Logger) UsageLogRepo {
	return &usageLogRepo{db: db, log: baseLog.With("repo", "UsageLogRepo")}
}

func (r *usageLogRepo) Insert(dbc dbctx.Context, row *types.UsageLog) error {
	if row == nil || row.UserID == uuid.Nil {
		return fmt.Errorf("missing user_id")
	}
	if row.Operation == "" {
		return fmt.Errorf("missing operation")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	return txx.WithContext(dbc.Ctx).Create(row).Error
}

func (r *usageLogRepo) Summary(dbc dbctx.Context, owner uuid.UUID, from, to *time.Time) (Summary, error) {
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	q := txx.WithContext(dbc.Ctx).
		Model(&types.UsageLog{}).
		Select(`
			COALESCE(SUM(input_tokens), 0) AS input_tokens,
			COALESCE(SUM(output_tokens), 0) AS output_tokens,
			COALESCE(SUM(total_tokens), 0) AS total_tokens,
			COALESCE(SUM(pages), 0) AS pages,
			COALESCE(SUM(CASE WHEN operation = 'answer' THEN total_tokens ELSE 0 END), 0) AS answer_tokens,
			COALESCE(SUM(CASE WHEN operation = 'embed' THEN total_tokens ELSE 0 END), 0) AS embed_tokens,
			COALESCE(SUM(CASE WHEN operation = 'parse' THEN pages ELSE 0 END), 0) AS parse_pages,
			COALESCE(SUM(CASE WHEN operation = 'answer' THEN 1 ELSE 0 END), 0) AS answer_count,
			COALESCE(SUM(CASE WHEN operation = 'embed' THEN 1 ELSE 0 END), 0) AS embed_count,
			COALESCE(SUM(CASE WHEN operation = 'parse' THEN 1 ELSE 0 END), 0) AS parse_count`).
		Where("user_id = ?", owner)
	if from != nil {
		q = q.Where("created_at >= ?", *from)
	}
	if to != nil {
		q = q.Where("created_at < ?", *to)
	}
	var out Summary
	if err := q.Scan(&out).Error; err != nil {
		return Summary{}, err
	}
	return out, nil
}
