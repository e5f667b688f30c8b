package documents

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/askpdf-backend/internal/data/pgerr"
	types "github.com/yungbote/askpdf-backend/internal/domain"
	domaindocs "github.com/yungbote/askpdf-backend/internal/domain/documents"
	"github.com/yungbote/askpdf-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/askpdf-backend/internal/pkg/errors"
	"github.com/yungbote/askpdf-backend/internal/pkg/logger"
)

// DocumentRepo scopes every read and write by owner. Status changes go through
// Transition, which refuses any edge outside the ingestion state machine.
type DocumentRepo interface {
	Create(dbc dbctx.Context, doc *types.Document) error
	GetByID(dbc dbctx.Context, owner, id uuid.UUID) (*types.Document, error)
	ListByOwner(dbc dbctx.Context, owner uuid.UUID) ([]*types.Document, error)
	CountReady(dbc dbctx.Context, owner uuid.UUID) (int64, error)
	UpdateTitle(dbc dbctx.Context, owner, id uuid.UUID, title string) error
	Delete(dbc dbctx.Context, owner, id uuid.UUID) error
	Transition(dbc dbctx.Context, owner, id uuid.UUID, to types.DocumentStatus, fields map[string]interface{}) error
	SetParserRef(dbc dbctx.Context, owner, id uuid.UUID, parserDocID, parserStatus string) error
	// ListProcessing returns documents stuck in processing with a known parser id.
	// A nil owner lists across all owners.
	ListProcessing(dbc dbctx.Context, owner *uuid.UUID) ([]*types.Document, error)
	// ListUploaded returns documents stored but never submitted to the parser.
	ListUploaded(dbc dbctx.Context, owner *uuid.UUID) ([]*types.Document, error)
}

type documentRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDocumentRepo(db *gorm.DB, baseLog *logger.Logger) DocumentRepo {
	return &documentRepo{db: db, log: baseLog.With("repo", "DocumentRepo")}
}

func (r *documentRepo) Create(dbc dbctx.Context, doc *types.Document) error {
	if doc == nil {
		return fmt.Errorf("nil document")
	}
	if doc.UserID == uuid.Nil {
		return fmt.Errorf("missing user_id")
	}
	if len(doc.Metadata) == 0 {
		doc.Metadata = datatypes.JSON([]byte(`{}`))
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	return pgerr.Map("create document", txx.WithContext(dbc.Ctx).Create(doc).Error)
}

func (r *documentRepo) GetByID(dbc dbctx.Context, owner, id uuid.UUID) (*types.Document, error) {
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var doc types.Document
	err := txx.WithContext(dbc.Ctx).
		Where("id = ? AND user_id = ?", id, owner).
		First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("document %s: %w", id, pkgerrors.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *documentRepo) ListByOwner(dbc dbctx.Context, owner uuid.UUID) ([]*types.Document, error) {
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out []*types.Document
	if err := txx.WithContext(dbc.Ctx).
		Omit("result").
		Where("user_id = ?", owner).
		Order("created_at DESC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *documentRepo) CountReady(dbc dbctx.Context, owner uuid.UUID) (int64, error) {
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var n int64
	err := txx.WithContext(dbc.Ctx).
		Model(&types.Document{}).
		Where("user_id = ? AND status = ?", owner, types.DocumentReady).
		Count(&n).Error
	return n, err
}

func (r *documentRepo) UpdateTitle(dbc dbctx.Context, owner, id uuid.UUID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("title: %w", pkgerrors.ErrInvalidArgument)
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	res := txx.WithContext(dbc.Ctx).
		Model(&types.Document{}).
		Where("id = ? AND user_id = ?", id, owner).
		Updates(map[string]interface{}{"title": title, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("document %s: %w", id, pkgerrors.ErrNotFound)
	}
	return nil
}

func (r *documentRepo) Delete(dbc dbctx.Context, owner, id uuid.UUID) error {
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	res := txx.WithContext(dbc.Ctx).
		Where("id = ? AND user_id = ?", id, owner).
		Delete(&types.Document{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("document %s: %w", id, pkgerrors.ErrNotFound)
	}
	return nil
}

func (r *documentRepo) Transition(dbc dbctx.Context, owner, id uuid.UUID, to types.DocumentStatus, fields map[string]interface{}) error {
	from := sourcesOf(to)
	if len(from) == 0 {
		return fmt.Errorf("no edge into %s: %w", to, pkgerrors.ErrInvalidTransition)
	}
	updates := map[string]interface{}{}
	for k, v := range fields {
		updates[k] = v
	}
	updates["status"] = to
	updates["updated_at"] = time.Now().UTC()

	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	res := txx.WithContext(dbc.Ctx).
		Model(&types.Document{}).
		Where("id = ? AND user_id = ? AND status IN ?", id, owner, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	cur, err := r.GetByID(dbc, owner, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("document %s %s -> %s: %w", id, cur.Status, to, pkgerrors.ErrInvalidTransition)
}

func sourcesOf(to types.DocumentStatus) []types.DocumentStatus {
	var out []types.DocumentStatus
	for _, s := range []types.DocumentStatus{
		types.DocumentUploading,
		types.DocumentUploaded,
		types.DocumentProcessing,
		types.DocumentReady,
		types.DocumentFailed,
	} {
		if domaindocs.CanTransition(s, to) {
			out = append(out, s)
		}
	}
	return out
}

func (r *documentRepo) SetParserRef(dbc dbctx.Context, owner, id uuid.UUID, parserDocID, parserStatus string) error {
	doc, err := r.GetByID(dbc, owner, id)
	if err != nil {
		return err
	}
	meta := map[string]interface{}{}
	if len(doc.Metadata) > 0 {
		if err := json.Unmarshal(doc.Metadata, &meta); err != nil {
			r.log.Warn("Discarding unreadable document metadata", "document_id", id, "error", err)
			meta = map[string]interface{}{}
		}
	}
	if parserDocID != "" {
		meta["parser_doc_id"] = parserDocID
	}
	if parserStatus != "" {
		meta["parser_status"] = parserStatus
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	updates := map[string]interface{}{
		"metadata":   datatypes.JSON(raw),
		"updated_at": time.Now().UTC(),
	}
	if parserDocID != "" {
		updates["parser_doc_id"] = parserDocID
	}

	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	res := txx.WithContext(dbc.Ctx).
		Model(&types.Document{}).
		Where("id = ? AND user_id = ? AND status = ?", id, owner, types.DocumentProcessing).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("document %s is not processing: %w", id, pkgerrors.ErrInvalidTransition)
	}
	return nil
}

func (r *documentRepo) ListProcessing(dbc dbctx.Context, owner *uuid.UUID) ([]*types.Document, error) {
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	q := txx.WithContext(dbc.Ctx).
		Omit("result").
		Where("status = ? AND parser_doc_id <> ''", types.DocumentProcessing)
	if owner != nil {
		q = q.Where("user_id = ?", *owner)
	}
	var out []*types.Document
	if err := q.Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *documentRepo) ListUploaded(dbc dbctx.Context, owner *uuid.UUID) ([]*types.Document, error) {
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	q := txx.WithContext(dbc.Ctx).
		Omit("result").
		Where("status = ?", types.DocumentUploaded)
	if owner != nil {
		q = q.Where("user_id = ?", *owner)
	}
	var out []*types.Document
	if err := q.Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
