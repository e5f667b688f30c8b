package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/askpdf-backend/internal/domain"
	"github.com/yungbote/askpdf-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/askpdf-backend/internal/pkg/errors"
	"github.com/yungbote/askpdf-backend/internal/pkg/logger"
)

type ThreadListQuery struct {
	Owner      uuid.UUID
	DocumentID *uuid.UUID
	// GlobalOnly restricts to threads without a document; ignored when DocumentID is set.
	GlobalOnly bool
	Limit      int
}

type ChatThreadRepo interface {
	Create(dbc dbctx.Context, row *types.ChatThread) error
	Get(dbc dbctx.Context, owner, id uuid.UUID) (*types.ChatThread, error)
	List(dbc dbctx.Context, q ThreadListQuery) ([]*types.ChatThread, error)
	UpdateTitle(dbc dbctx.Context, owner, id uuid.UUID, title string) error
	Delete(dbc dbctx.Context, owner, id uuid.UUID) error
	Touch(dbc dbctx.Context, id uuid.UUID) error
}

type chatThreadRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewChatThreadRepo(db *gorm.DB, log *logger.Logger) ChatThreadRepo {
	return &chatThreadRepo{db: db, log: log.With("repo", "ChatThreadRepo")}
}

func (r *chatThreadRepo) Create(dbc dbctx.Context, row *types.ChatThread) error {
	if row == nil || row.UserID == uuid.Nil {
		return fmt.Errorf("missing user_id")
	}
	if strings.TrimSpace(row.Title) == "" {
		row.Title = "New Chat"
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	return txx.WithContext(dbc.Ctx).Create(row).Error
}

func (r *chatThreadRepo) Get(dbc dbctx.Context, owner, id uuid.UUID) (*types.ChatThread, error) {
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out types.ChatThread
	err := txx.WithContext(dbc.Ctx).
		Where("id = ? AND user_id = ?", id, owner).
		First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("chat %s: %w", id, pkgerrors.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *chatThreadRepo) List(dbc dbctx.Context, q ThreadListQuery) ([]*types.ChatThread, error) {
	if q.Owner == uuid.Nil {
		return nil, fmt.Errorf("missing user_id")
	}
	if q.Limit <= 0 || q.Limit > 200 {
		q.Limit = 50
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	tx := txx.WithContext(dbc.Ctx).Where("user_id = ?", q.Owner)
	switch {
	case q.DocumentID != nil:
		tx = tx.Where("document_id = ?", *q.DocumentID)
	case q.GlobalOnly:
		tx = tx.Where("document_id IS NULL")
	}
	var out []*types.ChatThread
	if err := tx.Order("updated_at DESC").Limit(q.Limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *chatThreadRepo) UpdateTitle(dbc dbctx.Context, owner, id uuid.UUID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("title: %w", pkgerrors.ErrInvalidArgument)
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	res := txx.WithContext(dbc.Ctx).
		Model(&types.ChatThread{}).
		Where("id = ? AND user_id = ?", id, owner).
		Updates(map[string]interface{}{"title": title, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("chat %s: %w", id, pkgerrors.ErrNotFound)
	}
	return nil
}

func (r *chatThreadRepo) Delete(dbc dbctx.Context, owner, id uuid.UUID) error {
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	res := txx.WithContext(dbc.Ctx).
		Where("id = ? AND user_id = ?", id, owner).
		Delete(&types.ChatThread{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("chat %s: %w", id, pkgerrors.ErrNotFound)
	}
	return txx.WithContext(dbc.Ctx).
		Where("thread_id = ? AND user_id = ?", id, owner).
		Delete(&types.ChatMessage{}).Error
}

func (r *chatThreadRepo) Touch(dbc dbctx.Context, id uuid.UUID) error {
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	return txx.WithContext(dbc.Ctx).
		Model(&types.ChatThread{}).
		Where("id = ?", id).
		Update("updated_at", time.Now().UTC()).Error
}
