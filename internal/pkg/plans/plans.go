package plans

import (
	"strings"

	"github.com/rankpulse/rankpulse/internal/pkg/env"
)

type Plan string

const (
	PlanFree    Plan = "free"
	PlanStarter Plan = "starter"
	PlanPro     Plan = "pro"
)

// CancellingSuffix marks a tier whose subscription was cancelled but is still
// inside its paid period. Entitlements stay those of the base tier until the
// external downgrade job runs.
const CancellingSuffix = "_cancelling"

// MonthlyCredits returns the credit entitlement granted on subscription
// activation or renewal.
func MonthlyCredits(plan Plan) int64 {
	switch Base(plan) {
	case PlanPro:
		return 1000
	case PlanStarter:
		return 250
	default:
		return 25
	}
}

// LiveRefreshCost is the credit price of one live-refresh job.
func LiveRefreshCost(plan Plan) int64 {
	_ = plan // flat price today, tier-dependent pricing is a product decision
	return 3
}

// Normalize maps arbitrary input to a known plan string, keeping a
// cancelling marker when present.
func Normalize(plan string) Plan {
	p := strings.ToLower(strings.TrimSpace(plan))
	cancelling := strings.HasSuffix(p, CancellingSuffix)
	base := strings.TrimSuffix(p, CancellingSuffix)
	switch Plan(base) {
	case PlanStarter, PlanPro:
		if cancelling {
			return Plan(base + CancellingSuffix)
		}
		return Plan(base)
	default:
		return PlanFree
	}
}

// Base strips the cancelling marker.
func Base(plan Plan) Plan {
	return Plan(strings.TrimSuffix(string(plan), CancellingSuffix))
}

// IsCancelling reports whether the tier carries the cancelling marker.
func IsCancelling(plan Plan) bool {
	return strings.HasSuffix(string(plan), CancellingSuffix)
}

// Cancelling returns the cancelling variant of a tier. Free has no
// subscription, so it stays free.
func Cancelling(plan Plan) Plan {
	base := Base(plan)
	if base == PlanFree {
		return PlanFree
	}
	return Plan(string(base) + CancellingSuffix)
}

// ResolvePackVariant maps an allow-listed one-time credit pack variant id to
// the number of credits it grants. Orders for any other variant are not
// credit products and are acknowledged without a grant.
func ResolvePackVariant(variantID string) (int64, bool) {
	id := strings.TrimSpace(variantID)
	if id == "" {
		return 0, false
	}
	switch id {
	case env.GetEnv("BILLING_VARIANT_PACK_SMALL", "variant-pack-small"):
		return 100, true
	case env.GetEnv("BILLING_VARIANT_PACK_LARGE", "variant-pack-large"):
		return 500, true
	default:
		return 0, false
	}
}

// ResolveVariant maps an allow-listed billing vendor variant id to a plan.
// Unknown variants are rejected; the webhook reconciler must never grant a
// tier for a variant that is not explicitly configured.
func ResolveVariant(variantID string) (Plan, bool) {
	id := strings.TrimSpace(variantID)
	if id == "" {
		return "", false
	}
	switch id {
	case env.GetEnv("BILLING_VARIANT_STARTER", "variant-starter"):
		return PlanStarter, true
	case env.GetEnv("BILLING_VARIANT_PRO", "variant-pro"):
		return PlanPro, true
	default:
		return "", false
	}
}
