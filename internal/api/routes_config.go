package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleGetConfig returns the running configuration with secrets removed.
func (s *Server) handleGetConfig(c *gin.Context) {
	apiCfg := s.cfg.GetAPI()
	if apiCfg.AuthToken != "" {
		apiCfg.AuthToken = "********"
	}

	c.JSON(http.StatusOK, gin.H{
		"server":    s.cfg.GetServer(),
		"api":       apiCfg,
		"discovery": s.cfg.GetDiscovery(),
		"mqtt":      s.cfg.GetMQTT(),
		"database":  s.cfg.GetDatabase(),
		"timers":    s.cfg.GetTimers(),
		"logging":   s.cfg.GetLogging(),
	})
}
