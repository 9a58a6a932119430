package plan

import (
	"time"

	"github.com/lessgo/admission/types"
)

// Registry is the read-mostly lookup from tier to Config. Configs are
// loaded once and never mutated afterward.
type Registry struct {
	configs map[Tier]Config
}

// NewRegistry builds a registry from the given configs.
func NewRegistry(configs ...Config) *Registry {
	m := make(map[Tier]Config, len(configs))
	for _, c := range configs {
		m[c.Tier] = c
	}
	return &Registry{configs: m}
}

// Builtin returns a registry preloaded with the standard tier catalog.
func Builtin() *Registry {
	return NewRegistry(builtinConfigs()...)
}

// Lookup resolves a tier to its Config. ok is false for unknown tiers.
func (r *Registry) Lookup(tier Tier) (Config, bool) {
	c, ok := r.configs[tier]
	return c, ok
}

// Tiers returns all registered tiers.
func (r *Registry) Tiers() []Tier {
	out := make([]Tier, 0, len(r.configs))
	for t := range r.configs {
		out = append(out, t)
	}
	return out
}

func builtinConfigs() []Config {
	return []Config{
		{
			Tier:           TierFree,
			Name:           "Free",
			MonthlyPrice:   types.USD(0),
			MonthlyCredits: 30,
			Features: map[FeatureKey]bool{
				FeatureAnalyticsBasic: false,
			},
			Limits: map[LimitKey]int64{
				LimitPublishedPages:  1,
				LimitDraftProjects:   3,
				LimitCustomDomains:   0,
				LimitFormSubmissions: 100,
				LimitTeamMembers:     1,
			},
			RatePolicy: RatePolicy{MaxRequests: 5, Window: time.Minute},
		},
		{
			Tier:           TierPro,
			Name:           "Pro",
			MonthlyPrice:   types.USD(3900),
			MonthlyCredits: 200,
			Features: map[FeatureKey]bool{
				FeatureRemoveBranding:   true,
				FeatureCustomDomains:    true,
				FeatureFormIntegrations: true,
				FeatureExportHTML:       true,
				FeatureAnalyticsBasic:   true,
			},
			Limits: map[LimitKey]int64{
				LimitPublishedPages:  10,
				LimitDraftProjects:   25,
				LimitCustomDomains:   1,
				LimitFormSubmissions: 5000,
				LimitTeamMembers:     1,
			},
			RatePolicy: RatePolicy{MaxRequests: 10, Window: time.Minute},
		},
		{
			Tier:           TierAgency,
			Name:           "Agency",
			MonthlyPrice:   types.USD(9900),
			MonthlyCredits: 1000,
			Features: map[FeatureKey]bool{
				FeatureRemoveBranding:   true,
				FeatureCustomDomains:    true,
				FeatureFormIntegrations: true,
				FeatureExportHTML:       true,
				FeatureWhiteLabel:       true,
				FeatureAnalyticsBasic:   true,
				FeatureAnalyticsFull:    true,
				FeaturePrioritySupport:  true,
			},
			Limits: map[LimitKey]int64{
				LimitPublishedPages:  100,
				LimitDraftProjects:   200,
				LimitCustomDomains:   100,
				LimitFormSubmissions: 100000,
				LimitTeamMembers:     10,
			},
			RatePolicy: RatePolicy{MaxRequests: 20, Window: time.Minute},
		},
		{
			Tier:           TierEnterprise,
			Name:           "Enterprise",
			MonthlyPrice:   types.Zero("usd"),
			MonthlyCredits: Unlimited,
			Features: map[FeatureKey]bool{
				FeatureRemoveBranding:   true,
				FeatureCustomDomains:    true,
				FeatureFormIntegrations: true,
				FeatureExportHTML:       true,
				FeatureWhiteLabel:       true,
				FeatureAnalyticsBasic:   true,
				FeatureAnalyticsFull:    true,
				FeaturePrioritySupport:  true,
			},
			Limits: map[LimitKey]int64{
				LimitPublishedPages:  Unlimited,
				LimitDraftProjects:   Unlimited,
				LimitCustomDomains:   Unlimited,
				LimitFormSubmissions: Unlimited,
				LimitTeamMembers:     Unlimited,
			},
			RatePolicy: RatePolicy{MaxRequests: 50, Window: time.Minute},
		},
	}
}
