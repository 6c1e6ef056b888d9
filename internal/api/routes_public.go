package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/ladderbot/internal/util"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "ladderbot",
		"version": s.version,
	})
}

// handleGetInfo returns host and process information.
func (s *Server) handleGetInfo(c *gin.Context) {
	resp := gin.H{
		"version": s.version,
		"system":  util.GetSystemInfo(),
	}
	if usage, err := util.GetProcessUsage(); err == nil {
		resp["process"] = usage
	} else {
		s.logger.Debug().Err(err).Msg("process usage unavailable")
	}
	c.JSON(http.StatusOK, resp)
}
