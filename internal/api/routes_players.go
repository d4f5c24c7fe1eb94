package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/rubycave-project/rubycave/internal/game"
)

type kickRequest struct {
	Message string `json:"message"`
}

type teleportRequest struct {
	X     *float32 `json:"x" binding:"required"`
	Y     *float32 `json:"y" binding:"required"`
	Z     *float32 `json:"z" binding:"required"`
	Yaw   float32  `json:"yaw"`
	Pitch float32  `json:"pitch"`
}

func (s *Server) handleListPlayers(c *gin.Context) {
	players := s.world.Players()
	c.JSON(http.StatusOK, gin.H{
		"players": players,
		"total":   len(players),
	})
}

func (s *Server) handleGetPlayer(c *gin.Context) {
	info, ok := s.world.Player(c.Param("username"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "player not found"})
		return
	}
	c.JSON(http.StatusOK, info)
}

// handleKickPlayer kicks a player. The body is optional.
func (s *Server) handleKickPlayer(c *gin.Context) {
	username := c.Param("username")

	var req kickRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	if req.Message == "" {
		req.Message = "kicked by an operator"
	}

	if err := s.world.Kick(c.Request.Context(), username, req.Message); err != nil {
		s.playerError(c, username, err)
		return
	}

	log.Info().
		Str("username", username).
		Str("message", req.Message).
		Str("client_ip", c.ClientIP()).
		Msg("API: player kicked")

	c.JSON(http.StatusOK, gin.H{
		"status":   "kicked",
		"username": username,
	})
}

func (s *Server) handleTeleportPlayer(c *gin.Context) {
	username := c.Param("username")

	var req teleportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "x, y and z are required"})
		return
	}

	pos := game.Position{X: *req.X, Y: *req.Y, Z: *req.Z, Yaw: req.Yaw, Pitch: req.Pitch}
	if err := s.world.Teleport(c.Request.Context(), username, pos); err != nil {
		s.playerError(c, username, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "teleported",
		"username": username,
		"position": pos,
	})
}

func (s *Server) playerError(c *gin.Context, username string, err error) {
	if errors.Is(err, game.ErrPlayerNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "player not found", "username": username})
		return
	}
	log.Error().Err(err).Str("username", username).Msg("API: player action failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
