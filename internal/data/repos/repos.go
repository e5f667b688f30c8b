package repos

import (
	"gorm.io/gorm"

	"github.com/yungbote/askpdf-backend/internal/data/repos/chat"
	"github.com/yungbote/askpdf-backend/internal/data/repos/documents"
	"github.com/yungbote/askpdf-backend/internal/data/repos/usage"
	"github.com/yungbote/askpdf-backend/internal/pkg/logger"
)

type DocumentRepo = documents.DocumentRepo
type ChunkRepo = documents.ChunkRepo
type ChunkMatch = documents.ChunkMatch
type ChunkSearchQuery = documents.SearchQuery

type ChatThreadRepo = chat.ChatThreadRepo
type ChatMessageRepo = chat.ChatMessageRepo
type ThreadListQuery = chat.ThreadListQuery
type MessageUpsertKey = chat.UpsertKey
type AssistantFields = chat.AssistantFields

type UsageLogRepo = usage.UsageLogRepo
type UsageSummary = usage.Summary

func NewDocumentRepo(db *gorm.DB, baseLog *logger.Logger) DocumentRepo {
	return documents.NewDocumentRepo(db, baseLog)
}
func NewChunkRepo(db *gorm.DB, baseLog *logger.Logger) ChunkRepo {
	return documents.NewChunkRepo(db, baseLog)
}

func NewChatThreadRepo(db *gorm.DB, baseLog *logger.Logger) ChatThreadRepo {
	return chat.NewChatThreadRepo(db, baseLog)
}
func NewChatMessageRepo(db *gorm.DB, baseLog *logger.Logger, threads ChatThreadRepo) ChatMessageRepo {
	return chat.NewChatMessageRepo(db, baseLog, threads)
}

func NewUsageLogRepo(db *gorm.DB, baseLog *logger.Logger) UsageLogRepo {
	return usage.NewUsageLogRepo(db, baseLog)
}
