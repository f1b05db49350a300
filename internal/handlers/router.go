package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-matchmaking/config"
	"github.com/mossy-p/webrtc-matchmaking/internal/middleware"
	"github.com/mossy-p/webrtc-matchmaking/internal/rendezvous"
)

// NewRouter wires every route of the matchmaker.
func NewRouter(cfg *config.Config, topic rendezvous.Topic) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.Origins()))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	match := NewMatchHandler(topic, MatchOptions{
		TopicName:     cfg.MatchTopic,
		Confirmation:  cfg.MatchConfirmation,
		StatsInterval: cfg.StatsInterval,
	})
	auth := middleware.JWTAuth(cfg.JWTSecret)

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/auth/login", Login(cfg.JWTSecret))
		apiGroup.GET("/lobby", auth, match.GetLobby)
	}

	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/match", auth, match.HandleMatch)
	}

	return router
}
