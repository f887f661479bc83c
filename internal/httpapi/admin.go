package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"trading-brain/internal/auth"
	"trading-brain/internal/domain"
)

const defaultOverrideTTL = time.Hour

func (s *Server) handleBreakerReset(c *gin.Context) {
	operatorID := auth.OperatorID(c)
	s.proc.ResetBreaker(c.Request.Context(), operatorID)
	s.logger.Info().Str("operator_id", operatorID).Msg("Breaker reset requested")

	c.JSON(http.StatusOK, gin.H{
		"state":       s.breaker.State(),
		"operator_id": operatorID,
	})
}

func (s *Server) handleDefconOverride(c *gin.Context) {
	var req struct {
		Level      string `json:"level" binding:"required"`
		TTLMinutes int    `json:"ttl_minutes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "level is required"})
		return
	}

	level, err := domain.ParseDefconLevel(strings.ToUpper(req.Level))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ttl := time.Duration(req.TTLMinutes) * time.Minute
	if ttl <= 0 {
		ttl = defaultOverrideTTL
	}

	operatorID := auth.OperatorID(c)
	override := s.proc.SetDefconOverride(level, operatorID, ttl)
	s.logger.Info().
		Str("operator_id", operatorID).
		Str("level", level.String()).
		Dur("ttl", ttl).
		Msg("Defcon override set")

	s.hub.BroadcastStatus(s.statusBody())
	c.JSON(http.StatusOK, override)
}

func (s *Server) handleRebuild(c *gin.Context) {
	if s.rebuild == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "rebuild unavailable: no durable event store"})
		return
	}

	operatorID := auth.OperatorID(c)
	s.logger.Info().Str("operator_id", operatorID).Msg("Read-model rebuild requested")

	report, err := s.rebuild(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Read-model rebuild failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

// handleResume lifts a halt caused by repeated event-store failures once
// the operator has confirmed the store is healthy again.
func (s *Server) handleResume(c *gin.Context) {
	operatorID := auth.OperatorID(c)
	s.proc.Resume()
	s.logger.Info().Str("operator_id", operatorID).Msg("Processor resumed")

	c.JSON(http.StatusOK, gin.H{
		"halted":      s.proc.Halted(),
		"operator_id": operatorID,
	})
}
