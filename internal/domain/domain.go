package domain

import (
	"github.com/yungbote/askpdf-backend/internal/domain/chat"
	"github.com/yungbote/askpdf-backend/internal/domain/documents"
	"github.com/yungbote/askpdf-backend/internal/domain/usage"
)

type Document = documents.Document
type DocumentChunk = documents.DocumentChunk
type DocumentStatus = documents.Status

const (
	DocumentUploading  = documents.StatusUploading
	DocumentUploaded   = documents.StatusUploaded
	DocumentProcessing = documents.StatusProcessing
	DocumentReady      = documents.StatusReady
	DocumentFailed     = documents.StatusFailed
)

type ChatThread = chat.ChatThread
type ChatMessage = chat.ChatMessage
type ChatRef = chat.Ref

const (
	RoleUser      = chat.RoleUser
	RoleAssistant = chat.RoleAssistant

	MessageOK      = chat.StatusOK
	MessageError   = chat.StatusError
	MessageStopped = chat.StatusStopped
)

type UsageLog = usage.UsageLog

const (
	UsageParse  = usage.OperationParse
	UsageEmbed  = usage.OperationEmbed
	UsageAnswer = usage.OperationAnswer
)

// Models lists every table owned by the service, in migration order.
func Models() []interface{} {
	return []interface{}{
		&Document{},
		&DocumentChunk{},
		&ChatThread{},
		&ChatMessage{},
		&UsageLog{},
	}
}
