package api

import (
	"net/http"

	"cardgame_web/internal/api/handlers"
	"cardgame_web/internal/middleware"
	"cardgame_web/internal/repository"
	"cardgame_web/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func SetupRoutes(r *gin.Engine, services *service.Services, repos *repository.Repositories, logger *zap.Logger) {
	// 初始化 handlers
	authHandler := handlers.NewAuthHandler(services.User)
	sessionHandler := handlers.NewSessionHandler(services.Coordinator, services.Presence, repos)
	wsHandler := handlers.NewWebSocketHandler(services, logger)

	// API 路由群組
	api := r.Group("/api")

	// 處理 404 錯誤
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "找不到該路徑",
		})
	})

	// 公開路由
	{
		// 用戶認證相關
		api.POST("/register", authHandler.Register)
		api.POST("/login", authHandler.Login)

		// 基本的健康檢查
		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status": "ok",
			})
		})
	}

	// 需要驗證的路由
	authorized := api.Group("/")
	authorized.Use(middleware.AuthMiddleware())
	{
		// 遊戲場次相關
		sessions := authorized.Group("/sessions")
		{
			// 基本操作
			sessions.POST("", sessionHandler.CreateSession)  // 建立場次
			sessions.GET("/:id", sessionHandler.GetSession)  // 取得場次資訊
			sessions.GET("/:id/events", sessionHandler.ListEvents)

			// 場次參與
			sessions.POST("/:id/join", sessionHandler.JoinSession)
			sessions.POST("/:id/leave", sessionHandler.LeaveSession)

			// 回合控制
			sessions.POST("/:id/start", sessionHandler.StartSession)
			sessions.POST("/:id/advance", sessionHandler.AdvanceTurn)
			sessions.POST("/:id/pause", sessionHandler.PauseSession)
			sessions.POST("/:id/resume", sessionHandler.ResumeSession)
			sessions.POST("/:id/end", sessionHandler.EndSession)

			// 回答
			sessions.POST("/:id/responses", sessionHandler.SubmitResponse)
			sessions.GET("/:id/responses", sessionHandler.ListResponses)
			sessions.POST("/:id/responses/:rid/like", sessionHandler.LikeResponse)

			// WebSocket 連接點
			sessions.GET("/:id/ws", wsHandler.HandleWebSocket)
		}
	}
}
