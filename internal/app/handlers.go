package app

import (
	"context"

	"gorm.io/gorm"

	httpH "github.com/yungbote/askpdf-backend/internal/http/handlers"
	"github.com/yungbote/askpdf-backend/internal/pkg/logger"
	"github.com/yungbote/askpdf-backend/internal/realtime"
)

type Handlers struct {
	Health   *httpH.HealthHandler
	Realtime *httpH.RealtimeHandler

	Document *httpH.DocumentHandler
	Search   *httpH.SearchHandler
	Chat     *httpH.ChatHandler
	Usage    *httpH.UsageHandler
}

func wireHandlers(log *logger.Logger, db *gorm.DB, cfg Config, repos Repos, clients Clients, services Services, hub *realtime.SSEHub) Handlers {
	log.Info("Wiring handlers...")
	return Handlers{
		Health:   httpH.NewHealthHandler(pingDB(db)),
		Realtime: httpH.NewRealtimeHandler(log, hub),

		Document: httpH.NewDocumentHandlerWithDeps(httpH.DocumentHandlerDeps{
			Log:            log,
			Ingest:         services.Ingestion,
			Documents:      repos.Document,
			Chunks:         repos.Chunk,
			Tx:             repos.Tx,
			Storage:        clients.Storage,
			MaxUploadBytes: services.Ingestion.MaxUploadBytes(),
		}),
		Search: httpH.NewSearchHandler(log, services.Retrieval),
		Chat: httpH.NewChatHandlerWithDeps(httpH.ChatHandlerDeps{
			Log:            log,
			Threads:        repos.ChatThread,
			Messages:       repos.ChatMessage,
			Documents:      repos.Document,
			Answers:        services.Answers,
			AllowedOrigins: cfg.AllowedOrigins,
		}),
		Usage: httpH.NewUsageHandler(services.Usage),
	}
}

func pingDB(db *gorm.DB) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}
}
