package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/askpdf-backend/internal/data/pgerr"
	types "github.com/yungbote/askpdf-backend/internal/domain"
	"github.com/yungbote/askpdf-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/askpdf-backend/internal/pkg/errors"
	"github.com/yungbote/askpdf-backend/internal/pkg/logger"
)

// UpsertKey identifies the assistant row to write. A nil MessageID always
// inserts a fresh row. A non-nil MessageID is an idempotency key: the first
// write inserts a row with that id, later writes update it in place, and an
// id owned by another thread or user is reported as ErrNotFound.
type UpsertKey struct {
	MessageID *uuid.UUID
	ThreadID  uuid.UUID
	UserID    uuid.UUID
}

type AssistantFields struct {
	Status   string
	Content  string
	Refs     datatypes.JSON
	Metadata datatypes.JSON
}

type ChatMessageRepo interface {
	Create(dbc dbctx.Context, row *types.ChatMessage) error
	List(dbc dbctx.Context, threadID uuid.UUID, limit, offset int) ([]*types.ChatMessage, error)
	// RecentForMemory returns the newest n messages that are neither error nor
	// stopped, oldest first.
	RecentForMemory(dbc dbctx.Context, threadID uuid.UUID, n int) ([]*types.ChatMessage, error)
	UpsertAssistant(dbc dbctx.Context, key UpsertKey, fields AssistantFields) (*types.ChatMessage, error)
}

type chatMessageRepo struct {
	db      *gorm.DB
	log     *logger.Logger
	threads ChatThreadRepo
}

func NewChatMessageRepo(db *gorm.DB, log *logger.Logger, threads ChatThreadRepo) ChatMessageRepo {
	return &chatMessageRepo{db: db, log: log.With("repo", "ChatMessageRepo"), threads: threads}
}

func (r *chatMessageRepo) Create(dbc dbctx.Context, row *types.ChatMessage) error {
	if row == nil || row.ThreadID == uuid.Nil || row.UserID == uuid.Nil {
		return fmt.Errorf("missing thread_id/user_id")
	}
	if strings.TrimSpace(row.Status) == "" {
		row.Status = types.MessageOK
	}
	if len(row.Refs) == 0 {
		row.Refs = datatypes.JSON([]byte(`[]`))
	}
	if len(row.Metadata) == 0 {
		row.Metadata = datatypes.JSON([]byte(`{}`))
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	if err := txx.WithContext(dbc.Ctx).Create(row).Error; err != nil {
		return pgerr.Map("create chat message", err)
	}
	return r.threads.Touch(dbc, row.ThreadID)
}

func (r *chatMessageRepo) List(dbc dbctx.Context, threadID uuid.UUID, limit, offset int) ([]*types.ChatMessage, error) {
	if threadID == uuid.Nil {
		return nil, fmt.Errorf("missing thread_id")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out []*types.ChatMessage
	if err := txx.WithContext(dbc.Ctx).
		Where("thread_id = ?", threadID).
		Order("created_at ASC").
		Limit(limit).
		Offset(offset).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *chatMessageRepo) RecentForMemory(dbc dbctx.Context, threadID uuid.UUID, n int) ([]*types.ChatMessage, error) {
	if n <= 0 {
		return []*types.ChatMessage{}, nil
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out []*types.ChatMessage
	if err := txx.WithContext(dbc.Ctx).
		Where("thread_id = ? AND status NOT IN ?", threadID, []string{types.MessageError, types.MessageStopped}).
		Order("created_at DESC").
		Limit(n).
		Find(&out).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (r *chatMessageRepo) UpsertAssistant(dbc dbctx.Context, key UpsertKey, fields AssistantFields) (*types.ChatMessage, error) {
	if key.ThreadID == uuid.Nil || key.UserID == uuid.Nil {
		return nil, fmt.Errorf("missing thread_id/user_id")
	}
	refs := fields.Refs
	if len(refs) == 0 {
		refs = datatypes.JSON([]byte(`[]`))
	}
	meta := fields.Metadata
	if len(meta) == 0 {
		meta = datatypes.JSON([]byte(`{}`))
	}
	now := time.Now().UTC()
	row := &types.ChatMessage{
		ThreadID:  key.ThreadID,
		UserID:    key.UserID,
		Role:      types.RoleAssistant,
		Status:    fields.Status,
		Content:   fields.Content,
		Refs:      refs,
		Metadata:  meta,
		CreatedAt: now,
		UpdatedAt: now,
	}

	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	db := txx.WithContext(dbc.Ctx)

	if key.MessageID == nil {
		if err := db.Create(row).Error; err != nil {
			return nil, pgerr.Map("create assistant message", err)
		}
	} else {
		row.ID = *key.MessageID
		res := db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status", "content", "refs", "metadata", "updated_at",
			}),
			Where: clause.Where{Exprs: []clause.Expression{clause.Expr{
				SQL: "chat_message.thread_id = excluded.thread_id AND chat_message.user_id = excluded.user_id AND chat_message.role = excluded.role",
			}}},
		}).Create(row)
		if res.Error != nil {
			return nil, pgerr.Map("upsert assistant message", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil, fmt.Errorf("message %s: %w", row.ID, pkgerrors.ErrNotFound)
		}
		var stored types.ChatMessage
		if err := db.Where("id = ?", row.ID).First(&stored).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("message %s: %w", row.ID, pkgerrors.ErrNotFound)
			}
			return nil, err
		}
		row = &stored
	}

	if err := r.threads.Touch(dbc, key.ThreadID); err != nil {
		r.log.Warn("Thread touch failed", "thread_id", key.ThreadID, "error", err)
	}
	return row, nil
}
