package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"trading-brain/internal/circuit"
	"trading-brain/internal/domain"
)

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	dbHealthy := true
	if s.health != nil {
		if err := s.health.HealthCheck(ctx); err != nil {
			dbHealthy = false
		}
	}

	body := gin.H{
		"status":   "healthy",
		"database": dbHealthy,
		"leader":   s.proc.IsLeader(),
		"halted":   s.proc.Halted(),
	}
	if !dbHealthy || s.proc.Halted() {
		body["status"] = "unhealthy"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleToken(c *gin.Context) {
	var req struct {
		OperatorID string `json:"operator_id" binding:"required"`
		Key        string `json:"key" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "operator_id and key are required"})
		return
	}

	token, err := s.authSvc.Authenticate(req.OperatorID, req.Key)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "bad credentials"})
		return
	}
	c.JSON(http.StatusOK, token)
}

func (s *Server) handleSignal(c *gin.Context) {
	var sig domain.IntentSignal
	if err := c.ShouldBindJSON(&sig); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload", "detail": err.Error()})
		return
	}
	s.decide(c, &sig)
}

// decide runs one signal through the processor and maps the outcome onto
// HTTP. Vetoes are still 200s: the decision is the resource.
func (s *Server) decide(c *gin.Context, sig *domain.IntentSignal) {
	decision, err := s.proc.Process(c.Request.Context(), sig)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidSignal):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, domain.ErrProcessorHalted):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		case errors.Is(err, context.DeadlineExceeded):
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "decision timed out"})
		default:
			s.logger.Error().Err(err).Str("signal_id", sig.SignalID).Msg("Signal processing failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}
	c.JSON(http.StatusOK, decision)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.statusBody())
}

// statusBody assembles the operator view, including the banner dashboards
// surface when the system needs attention.
func (s *Server) statusBody() gin.H {
	level := s.governor.Level()
	breakerState := s.breaker.State()
	override := s.governor.ActiveOverride()

	var confidences []domain.TruthConfidence
	if s.confidence != nil {
		confidences = s.confidence.All()
	}

	flags := make([]string, 0, 4)
	if level >= domain.DefconHigh {
		flags = append(flags, "defcon")
	}
	if breakerState == circuit.StateTripped {
		flags = append(flags, "breaker_tripped")
	}
	for _, tc := range confidences {
		if tc.State == domain.ConfidenceLow {
			flags = append(flags, "confidence_low")
			break
		}
	}
	if override != nil {
		flags = append(flags, "override_active")
	}

	body := gin.H{
		"equity": s.proc.Equity(),
		"defcon": level,
		"breaker": gin.H{
			"state":       breakerState,
			"trip_reason": s.breaker.TripReason(),
		},
		"leader":          s.proc.IsLeader(),
		"halted":          s.proc.Halted(),
		"queue_depth":     s.proc.QueueDepth(),
		"dropped_signals": s.proc.DroppedSignals(),
		"approval_rates":  s.proc.ApprovalRates(),
		"confidence":      confidences,
		"banner": gin.H{
			"active": len(flags) > 0,
			"flags":  flags,
		},
	}
	if override != nil {
		body["override"] = override
	}
	return body
}

func (s *Server) handleAllocation(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"equity":     s.proc.Equity(),
		"allocation": s.proc.Allocation(),
	})
}

// handleDashboard serves the aggregate view. Assembly walks every engine,
// so the body is cached for a short TTL to keep dashboard polling cheap.
func (s *Server) handleDashboard(c *gin.Context) {
	s.dashMu.Lock()
	if s.dashBody != nil && s.clock.Now().Before(s.dashExpires) {
		body := s.dashBody
		s.dashMu.Unlock()
		c.JSON(http.StatusOK, body)
		return
	}

	body := gin.H{
		"status":           s.statusBody(),
		"allocation":       s.proc.Allocation(),
		"positions":        s.proc.Positions(),
		"recent_decisions": s.proc.RecentDecisions(),
		"performance":      s.perf.All(),
		"ws_clients":       s.hub.ClientCount(),
	}
	s.dashBody = body
	s.dashExpires = s.clock.Now().Add(s.cfg.DashboardTTL)
	s.dashMu.Unlock()

	c.JSON(http.StatusOK, body)
}
