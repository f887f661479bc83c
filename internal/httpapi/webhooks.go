package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"trading-brain/internal/domain"
)

const maxWebhookBody = 1 << 20 // 1 MiB

// handleWebhook accepts a phase's signed intent webhook. The phase in the
// path is authoritative: a phase-2 sender cannot claim phase-3 capital by
// editing the payload.
func (s *Server) handleWebhook(c *gin.Context) {
	phase := domain.PhaseID(c.Param("phase"))
	if !phase.Valid() {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown phase"})
		return
	}

	if s.cfg.WebhookSecret == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "webhook ingress disabled: no secret configured"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	if !verifySignature(body, c.GetHeader("X-Signature"), s.cfg.WebhookSecret) {
		s.logger.Warn().Str("phase", string(phase)).Str("remote", c.ClientIP()).Msg("Webhook signature rejected")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "bad signature"})
		return
	}

	var sig domain.IntentSignal
	if err := json.Unmarshal(body, &sig); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload", "detail": err.Error()})
		return
	}
	sig.PhaseID = phase

	s.decide(c, &sig)
}

// verifySignature checks the hex HMAC-SHA256 of the body. A "sha256="
// prefix from github-style senders is tolerated.
func verifySignature(body []byte, header, secret string) bool {
	if header == "" || secret == "" {
		return false
	}
	header = strings.ToLower(strings.TrimPrefix(header, "sha256="))

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(header))
}
