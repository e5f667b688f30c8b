package documents

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DocumentChunk is immutable once inserted. A re-index deletes and re-inserts.
type DocumentChunk struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	DocumentID uuid.UUID `gorm:"type:uuid;not null;index" json:"document_id"`
	UserID     uuid.UUID `gorm:"type:uuid;not null;index" json:"user_id"`

	Index     int             `gorm:"column:chunk_index;not null" json:"index"`
	Content   string          `gorm:"column:content;type:text;not null" json:"content"`
	Embedding pgvector.Vector `gorm:"column:embedding;type:vector;not null" json:"-"`
	Metadata  datatypes.JSON  `gorm:"type:jsonb;column:metadata;not null;default:'{}'" json:"metadata"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

func (DocumentChunk) TableName() string { return "document_chunk" }

func (c *DocumentChunk) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}
