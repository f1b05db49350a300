package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-matchmaking/internal/models"
	"github.com/rs/zerolog/log"
)

// GetLobby lists the participants present on the match topic.
func (h *MatchHandler) GetLobby(c *gin.Context) {
	presences, err := h.topic.Presence(c.Request.Context(), h.opts.TopicName)
	if err != nil {
		log.Error().Err(err).Str("topic", h.opts.TopicName).Msg("Failed to read lobby")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Lobby unavailable"})
		return
	}
	if presences == nil {
		presences = []models.Presence{}
	}

	c.JSON(http.StatusOK, models.LobbyResponse{
		Topic:        h.opts.TopicName,
		Searching:    len(presences),
		Participants: presences,
	})
}
