// Router selects a model id for a call given its tier and the remaining
// budget for that tier. It never inspects content: routing is purely a
// function of (tier, remaining budget), per the data model's route()
// contract.
package llm

import (
	"rlmkernel/internal/config"
	"rlmkernel/internal/costs"
)

// Router resolves which model serves a call in a given tier.
type Router struct {
	cfg config.RouterConfig
}

// NewRouter builds a router from the active router configuration.
func NewRouter(cfg config.RouterConfig) *Router {
	return &Router{cfg: cfg}
}

// tierConfig returns the ModelTierConfig for a cost tier.
func (r *Router) tierConfig(tier costs.Tier) config.ModelTierConfig {
	switch tier {
	case costs.TierRoot:
		return r.cfg.Root
	case costs.TierExtraction:
		return r.cfg.Extraction
	default:
		return r.cfg.Recursive
	}
}

// Route returns the model id to use for a call in tier at depth, given the
// USD remaining in that tier's budget. When remaining <= 0 the router falls
// back to the configured budget model rather than refusing the call: the
// orchestrator is the one that decides whether to attempt fallback
// extraction at all, not the router.
func (r *Router) Route(tier costs.Tier, depth int, remainingUSD float64) string {
	if remainingUSD <= 0 && r.cfg.BudgetModel != "" {
		return r.cfg.BudgetModel
	}
	return r.tierConfig(tier).Model
}

// Params returns the sampling parameters configured for a tier, used by
// callers building a CallRequest so temperature/top_p/max_tokens stay
// centralized in config rather than scattered per call site.
func (r *Router) Params(tier costs.Tier) (temperature, topP float64, maxTokens int) {
	tc := r.tierConfig(tier)
	return tc.Temperature, tc.TopP, tc.MaxTokens
}

// EstimateUSD computes a call's cost from the tier's configured per-token
// rates, used by collaborators that only have a token count and need a cost
// figure to hand the tracker.
func (r *Router) EstimateUSD(tier costs.Tier, inputTokens, outputTokens int) float64 {
	tc := r.tierConfig(tier)
	return costs.Estimate(inputTokens, outputTokens, tc.USDPerInputToken, tc.USDPerOutputToken)
}
