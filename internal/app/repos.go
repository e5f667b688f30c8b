package app

import (
	"gorm.io/gorm"

	"github.com/yungbote/askpdf-backend/internal/data/repos"
	"github.com/yungbote/askpdf-backend/internal/pkg/logger"
)

type Repos struct {
	Tx          repos.TxRunner
	Document    repos.DocumentRepo
	Chunk       repos.ChunkRepo
	ChatThread  repos.ChatThreadRepo
	ChatMessage repos.ChatMessageRepo
	UsageLog    repos.UsageLogRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	threads := repos.NewChatThreadRepo(db, log)
	return Repos{
		Tx:          repos.NewGormTxRunner(db),
		Document:    repos.NewDocumentRepo(db, log),
		Chunk:       repos.NewChunkRepo(db, log),
		ChatThread:  threads,
		ChatMessage: repos.NewChatMessageRepo(db, log, threads),
		UsageLog:    repos.NewUsageLogRepo(db, log),
	}
}
