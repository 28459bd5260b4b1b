package api

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func SetupRoutes(router *gin.Engine, h *Handlers, wsHub *WebSocketHub) {
	router.Use(CORSMiddleware())

	router.GET("/health", Health)

	api := router.Group("/api")
	{
		sessions := api.Group("/sessions")
		{
			sessions.GET("", h.ListSessions)
			sessions.POST("", h.ConnectSession)
			sessions.POST("/scan", h.ScanSessions)
			sessions.POST("/:id/heartbeat", h.Heartbeat)
			sessions.DELETE("/:id", h.DisconnectSession)
		}

		apps := api.Group("/apps")
		{
			apps.GET("", h.ListApps)
			apps.POST("/refresh", h.RefreshApps)
		}

		commands := api.Group("/commands")
		{
			commands.POST("", h.SubmitCommand)
			commands.GET("/:id", h.GetCommand)
			commands.POST("/:id/cancel", h.CancelCommand)
		}

		api.GET("/history", h.History)
		api.GET("/shadow-mode", h.GetShadowMode)
		api.PUT("/shadow-mode", h.SetShadowMode)

		scripts := api.Group("/scripts")
		{
			scripts.GET("", h.ListScripts)
			scripts.POST("", h.CreateScript)
			scripts.GET("/:id", h.GetScript)
			scripts.DELETE("/:id", h.DeleteScript)
			scripts.POST("/:id/enable", h.EnableScript)
			scripts.POST("/:id/disable", h.DisableScript)
			scripts.POST("/:id/run", h.RunScript)
		}
	}

	router.GET("/ws", func(c *gin.Context) {
		HandleWebSocket(wsHub, c)
	})
}

// RequestLogger logs each request through zerolog instead of gin's default
// writer.
func RequestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		ev := log.Debug()
		if c.Writer.Status() >= 500 {
			ev = log.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Msg("request")
	}
}

func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
