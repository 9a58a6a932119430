package audithook

// Action constants for audit events.
const (
	// Decision actions
	ActionDecisionAllowed = "decision.allowed"
	ActionDecisionDenied  = "decision.denied"

	// Rate limit actions
	ActionRateLimitExceeded = "ratelimit.exceeded"

	// Quota actions
	ActionQuotaExceeded = "quota.exceeded"

	// Credit actions
	ActionCreditsConsumed = "credits.consumed"
	ActionCreditsRefunded = "credits.refunded"

	// Subscription actions
	ActionPlanChanged = "plan.changed"
)

// Resource constants for audit events.
const (
	ResourceGate         = "gate"
	ResourceRateLimit    = "ratelimit"
	ResourceCredit       = "credit"
	ResourceSubscription = "subscription"
)

// Category constants for audit events.
const (
	CategoryAccess  = "access"
	CategoryUsage   = "usage"
	CategoryBilling = "billing"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
