package documents

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Status string

const (
	StatusUploading  Status = "uploading"
	StatusUploaded   Status = "uploaded"
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusFailed     Status = "failed"
)

// transitions is the only path a document may take. ready and failed are terminal.
var transitions = map[Status][]Status{
	StatusUploading:  {StatusUploaded, StatusFailed},
	StatusUploaded:   {StatusProcessing},
	StatusProcessing: {StatusReady, StatusFailed},
}

// CanTransition reports whether from -> to is an edge of the ingestion state machine.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool { return s == StatusReady || s == StatusFailed }

type Document struct {
	ID     uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID uuid.UUID `gorm:"type:uuid;not null;index" json:"user_id"`

	Title       string `gorm:"column:title;not null;default:''" json:"title"`
	StoragePath string `gorm:"column:storage_path;not null" json:"storage_path"`
	SizeBytes   int64  `gorm:"column:size_bytes;not null;default:0" json:"size_bytes"`

	Status Status `gorm:"column:status;type:text;not null;index" json:"status"`
	Error  string `gorm:"column:error;type:text;not null;default:''" json:"error,omitempty"`

	// ParserDocID mirrors metadata.parser_doc_id so resume can filter on it.
	ParserDocID string         `gorm:"column:parser_doc_id;not null;default:'';index" json:"parser_doc_id,omitempty"`
	Metadata    datatypes.JSON `gorm:"type:jsonb;column:metadata;not null;default:'{}'" json:"metadata"`
	Result      datatypes.JSON `gorm:"type:jsonb;column:result" json:"result,omitempty"`

	CreatedAt time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Document) TableName() string { return "document" }

func (d *Document) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}
