package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/askpdf-backend/internal/http/handlers"
	httpMW "github.com/yungbote/askpdf-backend/internal/http/middleware"
	"github.com/yungbote/askpdf-backend/internal/pkg/logger"
)

type RouterConfig struct {
	Log            *logger.Logger
	ServiceName    string
	AllowedOrigins []string

	AuthMiddleware *httpMW.AuthMiddleware

	HealthHandler   *httpH.HealthHandler
	DocumentHandler *httpH.DocumentHandler
	SearchHandler   *httpH.SearchHandler
	ChatHandler     *httpH.ChatHandler
	UsageHandler    *httpH.UsageHandler
	RealtimeHandler *httpH.RealtimeHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.ServiceName != "" {
		r.Use(otelgin.Middleware(cfg.ServiceName))
	}
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.CORS(cfg.AllowedOrigins))

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}

	protected := r.Group("/api")
	{
		if cfg.AuthMiddleware != nil {
			protected.Use(cfg.AuthMiddleware.RequireAuth())
		}

		// Realtime (SSE)
		if cfg.RealtimeHandler != nil {
			protected.GET("/sse/stream", cfg.RealtimeHandler.SSEStream)
		}

		// Documents
		if cfg.DocumentHandler != nil {
			protected.POST("/documents/index", cfg.DocumentHandler.Index)
			protected.POST("/documents/resume", cfg.DocumentHandler.Resume)
			protected.GET("/documents", cfg.DocumentHandler.List)
			protected.GET("/documents/:id", cfg.DocumentHandler.Get)
			protected.PATCH("/documents/:id", cfg.DocumentHandler.Patch)
			protected.DELETE("/documents/:id", cfg.DocumentHandler.Delete)
			protected.GET("/documents/:id/url", cfg.DocumentHandler.SignedURL)
			protected.GET("/chunks/:id", cfg.DocumentHandler.GetChunk)
		}

		// Search
		if cfg.SearchHandler != nil {
			protected.POST("/search", cfg.SearchHandler.Search)
		}

		// Chats
		if cfg.ChatHandler != nil {
			protected.GET("/chats", cfg.ChatHandler.ListThreads)
			protected.POST("/chats", cfg.ChatHandler.CreateThread)
			protected.PATCH("/chats/:id", cfg.ChatHandler.PatchThread)
			protected.DELETE("/chats/:id", cfg.ChatHandler.DeleteThread)
			protected.GET("/chats/:id/messages", cfg.ChatHandler.ListMessages)
			protected.POST("/chats/:id/messages", cfg.ChatHandler.PostMessage)
			protected.POST("/chats/:id/assistant", cfg.ChatHandler.Ask)
			protected.GET("/chats/:id/assistant/stream", cfg.ChatHandler.AskStream)
		}

		// Usage
		if cfg.UsageHandler != nil {
			protected.GET("/usage/summary", cfg.UsageHandler.Summary)
		}
	}

	return r
}
