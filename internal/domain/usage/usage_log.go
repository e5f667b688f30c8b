package usage

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	OperationParse  = "parse"
	OperationEmbed  = "embed"
	OperationAnswer = "answer"
)

type UsageLog struct {
	ID     uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID uuid.UUID `gorm:"type:uuid;not null;index" json:"user_id"`

	Operation  string     `gorm:"column:operation;not null;index" json:"operation"`
	DocumentID *uuid.UUID `gorm:"type:uuid;column:document_id;index" json:"document_id,omitempty"`
	ChatID     *uuid.UUID `gorm:"type:uuid;column:chat_id;index" json:"chat_id,omitempty"`
	MessageID  *uuid.UUID `gorm:"type:uuid;column:message_id" json:"message_id,omitempty"`
	Model      string     `gorm:"column:model;not null;default:''" json:"model,omitempty"`

	InputTokens  *int `gorm:"column:input_tokens" json:"input_tokens,omitempty"`
	OutputTokens *int `gorm:"column:output_tokens" json:"output_tokens,omitempty"`
	TotalTokens  *int `gorm:"column:total_tokens" json:"total_tokens,omitempty"`
	Pages        *int `gorm:"column:pages" json:"pages,omitempty"`

	RawUsage   datatypes.JSON `gorm:"type:jsonb;column:raw_usage" json:"raw_usage,omitempty"`
	RawRequest datatypes.JSON `gorm:"type:jsonb;column:raw_request" json:"raw_request,omitempty"`

	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
}

func (UsageLog) TableName() string { return "usage_log" }

func (u *UsageLog) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}
