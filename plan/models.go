// Package plan defines the static subscription-tier catalog: which
// features a tier grants, its numeric limits, its monthly credit
// allowance, and its anonymous rate policy.
package plan

import (
	"time"

	"github.com/lessgo/admission/types"
)

// Tier is a named subscription level.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierAgency     Tier = "agency"
	TierEnterprise Tier = "enterprise"
)

// FeatureKey identifies a boolean plan feature.
type FeatureKey string

const (
	FeatureRemoveBranding   FeatureKey = "removeBranding"
	FeatureCustomDomains    FeatureKey = "customDomains"
	FeatureFormIntegrations FeatureKey = "formIntegrations"
	FeatureExportHTML       FeatureKey = "exportHTML"
	FeatureWhiteLabel       FeatureKey = "whiteLabel"
	FeatureAnalyticsBasic   FeatureKey = "analyticsBasic"
	FeatureAnalyticsFull    FeatureKey = "analyticsFull"
	FeaturePrioritySupport  FeatureKey = "prioritySupport"
)

// LimitKey identifies a numeric plan limit.
type LimitKey string

const (
	LimitPublishedPages  LimitKey = "publishedPages"
	LimitDraftProjects   LimitKey = "draftProjects"
	LimitCustomDomains   LimitKey = "customDomains"
	LimitFormSubmissions LimitKey = "formSubmissions"
	LimitTeamMembers     LimitKey = "teamMembers"
)

// Unlimited marks a limit or credit allowance with no ceiling.
const Unlimited int64 = -1

// RatePolicy is a tier's anonymous-traffic rate limit.
type RatePolicy struct {
	MaxRequests int64         `json:"max_requests"`
	Window      time.Duration `json:"window"`
}

// Config is the immutable description of one tier. A principal resolves
// to exactly one Config via its subscription's current tier.
type Config struct {
	Tier           Tier                `json:"tier"`
	Name           string              `json:"name"`
	MonthlyPrice   types.Money         `json:"monthly_price"`
	MonthlyCredits int64               `json:"monthly_credits"`
	Features       map[FeatureKey]bool `json:"features"`
	Limits         map[LimitKey]int64  `json:"limits"`
	RatePolicy     RatePolicy          `json:"rate_policy"`
}

// HasFeature reports whether the tier grants the feature. The boolean
// result carries no error: absence from the map means not granted.
func (c Config) HasFeature(key FeatureKey) bool {
	return c.Features[key]
}

// IsFree reports whether the tier costs nothing per month. Enterprise
// also reads as free here; its pricing is negotiated off-catalog.
func (c Config) IsFree() bool {
	return c.MonthlyPrice.IsZero()
}

// YearlyPrice returns twelve months at the tier's monthly price.
func (c Config) YearlyPrice() types.Money {
	return c.MonthlyPrice.Multiply(12)
}

// LimitFor returns the configured ceiling for key and whether the key is
// configured at all. Callers must treat a missing key as a deployment
// defect, not a user-facing denial.
func (c Config) LimitFor(key LimitKey) (int64, bool) {
	limit, ok := c.Limits[key]
	return limit, ok
}

// LimitCheck is the verdict of comparing a caller-supplied current count
// against a tier's configured ceiling.
type LimitCheck struct {
	Allowed bool  `json:"allowed"`
	Limit   int64 `json:"limit"`
	Current int64 `json:"current"`
}

var knownFeatures = map[FeatureKey]struct{}{
	FeatureRemoveBranding:   {},
	FeatureCustomDomains:    {},
	FeatureFormIntegrations: {},
	FeatureExportHTML:       {},
	FeatureWhiteLabel:       {},
	FeatureAnalyticsBasic:   {},
	FeatureAnalyticsFull:    {},
	FeaturePrioritySupport:  {},
}

var knownLimits = map[LimitKey]struct{}{
	LimitPublishedPages:  {},
	LimitDraftProjects:   {},
	LimitCustomDomains:   {},
	LimitFormSubmissions: {},
	LimitTeamMembers:     {},
}

// KnownFeature reports whether key names a feature the catalog defines.
// A false result marks caller misconfiguration, not a tier restriction.
func KnownFeature(key FeatureKey) bool {
	_, ok := knownFeatures[key]
	return ok
}

// KnownLimit reports whether key names a limit the catalog defines.
func KnownLimit(key LimitKey) bool {
	_, ok := knownLimits[key]
	return ok
}

// CheckLimit compares currentCount against the ceiling for key. The
// caller supplies the count; this package never counts usage itself.
// ok is false when the key is not configured for the tier.
func (c Config) CheckLimit(key LimitKey, currentCount int64) (LimitCheck, bool) {
	limit, ok := c.Limits[key]
	if !ok {
		return LimitCheck{}, false
	}
	if limit == Unlimited {
		return LimitCheck{Allowed: true, Limit: limit, Current: currentCount}, true
	}
	return LimitCheck{Allowed: currentCount < limit, Limit: limit, Current: currentCount}, true
}
