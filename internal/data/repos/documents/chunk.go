package documents

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/yungbote/askpdf-backend/internal/domain"
	"github.com/yungbote/askpdf-backend/internal/pkg/dbctx"
	"github.com/yungbote/askpdf-backend/internal/pkg/logger"
)

const chunkInsertBatch = 100

// ChunkMatch is a chunk joined with its document title. Similarity is
// 1 - cosine distance, so higher is closer.
type ChunkMatch struct {
	ID            uuid.UUID      `gorm:"column:id" json:"id"`
	DocumentID    uuid.UUID      `gorm:"column:document_id" json:"document_id"`
	Content       string         `gorm:"column:content" json:"content"`
	Metadata      datatypes.JSON `gorm:"column:metadata" json:"metadata"`
	DocumentTitle string         `gorm:"column:document_title" json:"document_title"`
	Similarity    float64        `gorm:"column:similarity" json:"similarity"`
}

type SearchQuery struct {
	Owner      uuid.UUID
	DocumentID *uuid.UUID
	Embedding  []float32
	Limit      int
}

type ChunkRepo interface {
	InsertBatch(dbc dbctx.Context, chunks []*types.DocumentChunk) (int, error)
	DeleteByDocument(dbc dbctx.Context, owner, documentID uuid.UUID) error
	Search(dbc dbctx.Context, q SearchQuery) ([]ChunkMatch, error)
	GetByIDs(dbc dbctx.Context, owner uuid.UUID, ids []uuid.UUID) ([]ChunkMatch, error)
}

type chunkRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewChunkRepo(db *gorm.DB, baseLog *logger.Logger) ChunkRepo {
	return &chunkRepo{db: db, log: baseLog.With("repo", "ChunkRepo")}
}

func (r *chunkRepo) InsertBatch(dbc dbctx.Context, chunks []*types.DocumentChunk) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	if err := txx.WithContext(dbc.Ctx).CreateInBatches(chunks, chunkInsertBatch).Error; err != nil {
		return 0, err
	}
	return len(chunks), nil
}

func (r *chunkRepo) DeleteByDocument(dbc dbctx.Context, owner, documentID uuid.UUID) error {
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	return txx.WithContext(dbc.Ctx).
		Where("document_id = ? AND user_id = ?", documentID, owner).
		Delete(&types.DocumentChunk{}).Error
}

func (r *chunkRepo) Search(dbc dbctx.Context, q SearchQuery) ([]ChunkMatch, error) {
	if q.Owner == uuid.Nil {
		return nil, fmt.Errorf("missing owner")
	}
	if len(q.Embedding) == 0 {
		return nil, fmt.Errorf("missing query embedding")
	}
	if q.Limit <= 0 {
		return []ChunkMatch{}, nil
	}
	vec := pgvector.NewVector(q.Embedding)

	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	args := []interface{}{vec, q.Owner, q.Owner}
	scope := ""
	if q.DocumentID != nil {
		scope = "AND document_chunk.document_id = ?"
		args = append(args, *q.DocumentID)
	}
	args = append(args, vec, q.Limit)

	sql := fmt.Sprintf(`
		SELECT document_chunk.id,
		       document_chunk.document_id,
		       document_chunk.content,
		       document_chunk.metadata,
		       document.title AS document_title,
		       1 - (document_chunk.embedding <=> ?) AS similarity
		FROM document_chunk
		JOIN document ON document.id = document_chunk.document_id
		WHERE document_chunk.user_id = ?
		  AND document.user_id = ?
		  AND document.status = 'ready'
		  AND document.deleted_at IS NULL
		  %s
		ORDER BY document_chunk.embedding <=> ?
		LIMIT ?;
	`, scope)

	var out []ChunkMatch
	if err := txx.WithContext(dbc.Ctx).Raw(sql, args...).Scan(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *chunkRepo) GetByIDs(dbc dbctx.Context, owner uuid.UUID, ids []uuid.UUID) ([]ChunkMatch, error) {
	if len(ids) == 0 {
		return []ChunkMatch{}, nil
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out []ChunkMatch
	err := txx.WithContext(dbc.Ctx).
		Table("document_chunk").
		Select(`document_chunk.id, document_chunk.document_id, document_chunk.content,
			document_chunk.metadata, document.title AS document_title, 0 AS similarity`).
		Joins("JOIN document ON document.id = document_chunk.document_id").
		Where("document_chunk.user_id = ? AND document.user_id = ? AND document.deleted_at IS NULL", owner, owner).
		Where("document_chunk.id IN ?", ids).
		Scan(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
