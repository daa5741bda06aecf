package tiers

import (
	"log/slog"
	"strings"

	"github.com/epicforge/governor/internal/config"
)

// Policy is the numeric limit set governing one subscription tier.
type Policy struct {
	Tier              string
	SoftCapTokens     int64
	HardCapTokens     int64
	RequestsPerMinute int
	TokensPerMinute   int
}

// Table resolves tier names to policies. It is immutable after construction
// and safe for concurrent use.
type Table struct {
	policies map[string]Policy
	fallback Policy
}

// NewTable builds a lookup table from injected tier configuration. The most
// restrictive configured policy (lowest hard cap) doubles as the fallback for
// tiers the billing provider assigns that this deployment does not know.
func NewTable(entries []config.TierPolicy) *Table {
	policies := make(map[string]Policy, len(entries))
	var fallback Policy
	for _, entry := range entries {
		policy := Policy{
			Tier:              strings.ToLower(entry.Tier),
			SoftCapTokens:     entry.SoftCapTokens,
			HardCapTokens:     entry.HardCapTokens,
			RequestsPerMinute: entry.RequestsPerMinute,
			TokensPerMinute:   entry.TokensPerMinute,
		}
		policies[policy.Tier] = policy
		if fallback.Tier == "" || policy.HardCapTokens < fallback.HardCapTokens {
			fallback = policy
		}
	}
	return &Table{policies: policies, fallback: fallback}
}

// Lookup returns the policy for the named tier. Unknown tiers degrade to the
// fallback policy, never to unlimited.
func (t *Table) Lookup(tier string) Policy {
	name := strings.ToLower(strings.TrimSpace(tier))
	if policy, ok := t.policies[name]; ok {
		return policy
	}
	slog.Warn("unknown tier, substituting most restrictive policy",
		"tier", tier,
		"fallback", t.fallback.Tier,
	)
	return t.fallback
}

// Known reports whether the tier has an explicit policy.
func (t *Table) Known(tier string) bool {
	_, ok := t.policies[strings.ToLower(strings.TrimSpace(tier))]
	return ok
}
