package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rubycave-project/rubycave/internal/protocol"
	"github.com/rubycave-project/rubycave/internal/util"
)

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "rubycave",
		"version": protocol.Version,
	})
}

// handleServerInfo returns what a player or monitoring tool needs to know
// before connecting.
func (s *Server) handleServerInfo(c *gin.Context) {
	server := s.cfg.GetServer()
	sysInfo := util.GetSystemInfo()

	c.JSON(http.StatusOK, gin.H{
		"name":            server.Name,
		"version":         protocol.Version,
		"port":            server.Port,
		"players":         s.world.PlayerCount(),
		"max_players":     server.MaxConnections,
		"view_distance":   server.ViewDistance,
		"uptime_sec":      int64(time.Since(s.startedAt).Seconds()),
		"local_ip":        util.GetLocalIP(),
		"os":              sysInfo.OS,
		"cpu_model":       sysInfo.CPUModel,
		"cpu_cores":       sysInfo.CPUCores,
		"total_memory_mb": sysInfo.TotalMemory,
	})
}
