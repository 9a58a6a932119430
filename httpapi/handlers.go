package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lessgo/admission"
	"github.com/lessgo/admission/credit"
	"github.com/lessgo/admission/plan"
	"github.com/lessgo/admission/subscription"
)

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.gate.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ──────────────────────────────────────────────────
// Anonymous ingestion
// ──────────────────────────────────────────────────

// handleIngestEvents accepts analytics beacons from published pages.
// The payload is opaque here; admission only decides whether the hit
// passes the limiter.
func (s *Server) handleIngestEvents(c *gin.Context) {
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

// handleIngestForm accepts a visitor form submission.
func (s *Server) handleIngestForm(c *gin.Context) {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload", "code": admission.CodeError})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

// ──────────────────────────────────────────────────
// Gated generation
// ──────────────────────────────────────────────────

// handleGenerate answers for all gated generation routes. The actual
// generation runs elsewhere; this layer reports the admission outcome
// the middleware already enforced and charged.
func (s *Server) handleGenerate(c *gin.Context) {
	d := decision(c)
	if d == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": admission.CodeError})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"admitted":     true,
		"event_id":     d.EventID,
		"credits_used": d.CreditsUsed,
		"remaining":    d.Remaining,
	})
}

// handleExport answers the feature-gated export route. Export moves no
// credits; the tier feature alone decides.
func (s *Server) handleExport(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"admitted": true})
}

// ──────────────────────────────────────────────────
// Credit account
// ──────────────────────────────────────────────────

func (s *Server) handleBalance(c *gin.Context) {
	b, err := s.gate.GetBalance(c.Request.Context(), principal(c))
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"period":           b.Period,
		"limit":            b.Limit,
		"used":             b.Used,
		"remaining":        b.Remaining,
		"unlimited":        b.IsUnlimited(),
		"days_until_reset": b.DaysUntilReset(time.Now()),
	})
}

func (s *Server) handleUsage(c *gin.Context) {
	stats, err := s.gate.UsageStats(c.Request.Context(), principal(c), c.Query("period"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleEvents(c *gin.Context) {
	opts := credit.QueryOpts{Limit: 50}
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			opts.Limit = n
		}
	}
	if raw := c.Query("type"); raw != "" {
		opts.EventType = credit.EventType(raw)
	}

	events, err := s.gate.RecentEvents(c.Request.Context(), principal(c), opts)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// handleEligibility is the read-only probe: can this principal afford
// the operation right now. Nothing is charged.
func (s *Server) handleEligibility(c *gin.Context) {
	eventType := credit.EventType(c.Query("operation"))
	if eventType == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "operation is required", "code": admission.CodeError})
		return
	}

	check, err := s.gate.CheckCredits(c.Request.Context(), principal(c), eventType)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, check)
}

// handleSelfRefund compensates the calling principal for a charged
// operation whose downstream work failed. Refunds are never automatic;
// the caller decides.
func (s *Server) handleSelfRefund(c *gin.Context) {
	var body struct {
		Amount int64  `json:"amount" binding:"required"`
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount is required", "code": admission.CodeError})
		return
	}

	refund, err := s.gate.RefundCredits(c.Request.Context(), principal(c), body.Amount, body.Reason)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, refund)
}

// ──────────────────────────────────────────────────
// Administration
// ──────────────────────────────────────────────────

func (s *Server) handleSetPlan(c *gin.Context) {
	var body struct {
		Tier string `json:"tier" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tier is required", "code": admission.CodeError})
		return
	}

	if err := s.gate.SetPlan(c.Request.Context(), c.Param("id"), plan.Tier(body.Tier)); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"principal_id": c.Param("id"), "tier": body.Tier})
}

func (s *Server) handleSetStatus(c *gin.Context) {
	var body struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status is required", "code": admission.CodeError})
		return
	}

	if err := s.gate.UpdateStatus(c.Request.Context(), c.Param("id"), subscription.Status(body.Status)); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"principal_id": c.Param("id"), "status": body.Status})
}

func (s *Server) handleResetCredits(c *gin.Context) {
	if err := s.gate.ResetCredits(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"principal_id": c.Param("id"), "reset": true})
}

func (s *Server) handleSetCreditLimit(c *gin.Context) {
	var body struct {
		Limit *int64 `json:"limit" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit is required", "code": admission.CodeError})
		return
	}

	if err := s.gate.UpdateCreditLimit(c.Request.Context(), c.Param("id"), *body.Limit); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"principal_id": c.Param("id"), "limit": *body.Limit})
}

func (s *Server) handleRefund(c *gin.Context) {
	var body struct {
		Amount int64  `json:"amount" binding:"required"`
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount is required", "code": admission.CodeError})
		return
	}

	refund, err := s.gate.RefundCredits(c.Request.Context(), c.Param("id"), body.Amount, body.Reason)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, refund)
}

// ──────────────────────────────────────────────────
// Error mapping
// ──────────────────────────────────────────────────

func (s *Server) respondError(c *gin.Context, err error) {
	var verr admission.ValidationError

	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error(), "code": admission.CodeError})
	case errors.Is(err, admission.ErrUnknownPrincipal), admission.IsNotFound(err):
		c.JSON(http.StatusForbidden, gin.H{"error": "no subscription on file", "code": admission.CodeForbidden})
	case errors.Is(err, admission.ErrInsufficientCredits):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient credits", "code": admission.CodeInsufficientCredits})
	case errors.Is(err, admission.ErrUnknownTier):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown tier", "code": admission.CodeError})
	default:
		s.logger.Error("request failed", "endpoint", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": admission.CodeError})
	}
}
