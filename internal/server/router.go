package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/applianceworks/partsassist-backend/internal/handlers"
	"github.com/applianceworks/partsassist-backend/internal/middleware"
)

type RouterConfig struct {
	AssistantHandler *handlers.AssistantHandler
	AuthMiddleware   *middleware.AuthMiddleware
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	// Cors
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{
			"http://localhost:80",
			"http://localhost:3000",
			"http://localhost:5174",
		},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	// ===============
	// || Public    ||
	// ===============
	router.GET("/healthcheck", handlers.HealthCheck)

	// ===============
	// || Protected ||
	// ===============
	api := router.Group("/api")
	api.Use(cfg.AuthMiddleware.RequireAuth())
	{
		api.POST("/assistant", cfg.AssistantHandler.Ask)
		api.POST("/assistant/welcome", cfg.AssistantHandler.Welcome)
		api.GET("/messages", cfg.AssistantHandler.ListMessages)
		api.GET("/messages/latest", cfg.AssistantHandler.LatestMessage)
	}

	return router
}
