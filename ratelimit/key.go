package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Request carries the raw identifying inputs for one anonymous hit.
// The fields never cross a logging or storage boundary: key derivation
// is the only consumer, and it returns a one-way digest.
type Request struct {
	SessionToken string
	UserAgent    string
	ResourceID   string
}

// coarseBucket reduces a user-agent string to device class and browser
// family. The raw string is not retained beyond this call.
func coarseBucket(userAgent string) string {
	ua := strings.ToLower(userAgent)

	device := "desktop"
	switch {
	case strings.Contains(ua, "bot") || strings.Contains(ua, "crawler") || strings.Contains(ua, "spider"):
		device = "bot"
	case strings.Contains(ua, "tablet") || strings.Contains(ua, "ipad"):
		device = "tablet"
	case strings.Contains(ua, "mobi") || strings.Contains(ua, "android") || strings.Contains(ua, "iphone"):
		device = "mobile"
	}

	browser := "other"
	switch {
	case strings.Contains(ua, "edg/"):
		browser = "edge"
	case strings.Contains(ua, "opr/") || strings.Contains(ua, "opera"):
		browser = "opera"
	case strings.Contains(ua, "chrome") || strings.Contains(ua, "crios"):
		browser = "chrome"
	case strings.Contains(ua, "firefox") || strings.Contains(ua, "fxios"):
		browser = "firefox"
	case strings.Contains(ua, "safari"):
		browser = "safari"
	}

	return device + ":" + browser
}

// deriveKey computes the anonymized composite key for a request within
// a window. The digest is not reversible to the inputs.
func deriveKey(req Request, windowStartMs int64) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%d",
		req.SessionToken, coarseBucket(req.UserAgent), req.ResourceID, windowStartMs)
	return hex.EncodeToString(h.Sum(nil))
}
