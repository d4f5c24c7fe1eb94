package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/rubycave-project/rubycave/internal/util"
)

const maxSessionsLimit = 500

// handleListSessions returns finished sessions, newest first.
// Query: username (optional), limit (default 50).
func (s *Server) handleListSessions(c *gin.Context) {
	if s.sessions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session history is disabled"})
		return
	}

	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, maxSessionsLimit)
	}

	sessions, err := s.sessions.Recent(c.Request.Context(), c.Query("username"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

func (s *Server) handleCPUUsage(c *gin.Context) {
	usage, err := util.GetCPUUsage()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cpu_percent": usage})
}

func (s *Server) handleMemoryUsage(c *gin.Context) {
	mem, err := util.GetMemoryUsage()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, mem)
}

func (s *Server) handleProcessUsage(c *gin.Context) {
	usage, err := util.GetProcessUsage()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, usage)
}
