package handler

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/rubberduck/rubberduck/pkg/event"
	"github.com/rubberduck/rubberduck/pkg/service"
)

// Services bundles what the HTTP surface needs.
type Services struct {
	Store     *service.ChatStore
	Analyze   *service.AnalyzeService
	Auth      *service.AuthService
	Quota     *service.QuotaService
	Emitter   *event.Emitter
	ModelInfo service.ModelInfo
}

// Mount registers every API route on r, behind the principal middleware.
func Mount(r *gin.RouterGroup, svcs Services, logger *slog.Logger) {
	authHandler := NewAuthHandler(svcs.Auth, logger)
	r.Use(authHandler.Middleware())

	authHandler.RegisterRoutes(r)
	NewChatHandler(svcs.Store, svcs.Analyze, svcs.Quota, logger).RegisterRoutes(r)
	NewAnalyzeHandler(svcs.Analyze, svcs.Store, logger).RegisterRoutes(r)
	NewModelHandler(svcs.ModelInfo).RegisterRoutes(r)

	// /api/events/ws
	wsHandler := event.NewWSHandler(svcs.Emitter, authHandler.Authenticate)
	r.GET("/events/ws", wsHandler.Handle)
}
