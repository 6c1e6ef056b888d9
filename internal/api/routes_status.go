package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

const maxBattlesLimit = 500

func (s *Server) handleGetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.status.Status())
}

// handleGetBattles returns the most recent battles, newest first.
func (s *Server) handleGetBattles(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history is disabled"})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	if limit > maxBattlesLimit {
		limit = maxBattlesLimit
	}

	battles, err := s.history.Recent(limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read battle history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"count":   len(battles),
		"battles": battles,
	})
}

// handleGetStats combines the live session counters with the stored totals.
func (s *Server) handleGetStats(c *gin.Context) {
	resp := gin.H{"session": s.status.Status().Stats}

	if s.history != nil {
		stats, err := s.history.Stats()
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to compute history stats")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read history"})
			return
		}
		resp["history"] = stats
	}

	c.JSON(http.StatusOK, resp)
}
