package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/lessgo/admission"
	"github.com/lessgo/admission/credit"
	"github.com/lessgo/admission/plan"
	"github.com/lessgo/admission/ratelimit"
)

// sessionToken pulls the visitor session from the cookie the builder's
// embed script sets, falling back to a header for non-browser clients.
func sessionToken(c *gin.Context) string {
	if cookie, err := c.Cookie("lp_session"); err == nil && cookie != "" {
		return cookie
	}
	return c.GetHeader("X-Session-Token")
}

// resourceID identifies the published page the anonymous request
// targets.
func resourceID(c *gin.Context) string {
	if id := c.Param("resource"); id != "" {
		return id
	}
	return c.GetHeader("X-Resource-ID")
}

// rateLimit admits anonymous ingestion traffic. The limiter key is a
// digest of session, coarse client identity, and resource; none of the
// raw inputs leave this middleware.
func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		req := ratelimit.Request{
			SessionToken: sessionToken(c),
			UserAgent:    c.Request.UserAgent(),
			ResourceID:   resourceID(c),
		}

		d, err := s.gate.AdmitAnonymous(c.Request.Context(), req)
		if err != nil {
			// The limiter itself fails open; an error here is internal.
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "internal error",
				"code":  admission.CodeError,
			})
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

		if !d.Allowed {
			c.Header("Retry-After", strconv.FormatInt(int64(d.RetryAfter.Seconds()+0.5), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
				"code":  "RATE_LIMITED",
			})
			return
		}

		c.Next()
	}
}

// requireCredits gates a route on the full admission pipeline and
// charges the operation's cost before the handler runs. Denials answer
// with the decision's status and code; successes carry the credit
// headers downstream.
func (s *Server) requireCredits(eventType credit.EventType, feature plan.FeatureKey) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := s.gate.Admit(c.Request.Context(), admission.Request{
			PrincipalID: principal(c),
			EventType:   eventType,
			Feature:     feature,
			Endpoint:    c.FullPath(),
		})
		if err != nil {
			s.logger.Error("admission check failed", "endpoint", c.FullPath(), "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "internal error",
				"code":  admission.CodeError,
			})
			return
		}

		if !d.Allowed {
			c.AbortWithStatusJSON(d.StatusCode, gin.H{
				"error": d.Reason,
				"code":  d.Code,
			})
			return
		}

		if eventType != "" {
			c.Header("X-Credits-Used", strconv.FormatInt(d.CreditsUsed, 10))
			if d.Remaining == credit.Unlimited {
				c.Header("X-Credits-Remaining", "unlimited")
			} else {
				c.Header("X-Credits-Remaining", strconv.FormatInt(d.Remaining, 10))
			}
		}
		c.Set(decisionKey, d)
		c.Next()
	}
}

const decisionKey = "admission.decision"

// decision returns the gate decision stashed by requireCredits.
func decision(c *gin.Context) *admission.Decision {
	if v, ok := c.Get(decisionKey); ok {
		if d, ok := v.(*admission.Decision); ok {
			return d
		}
	}
	return nil
}

// requireAdmin guards operator routes with a shared token.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.adminToken == "" || c.GetHeader("X-Admin-Token") != s.adminToken {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "admin authentication required",
				"code":  admission.CodeUnauthorized,
			})
			return
		}
		c.Next()
	}
}
