// Package allowance decides whether an organization may spend more tokens in
// the current billing period, and how much output budget a throttled call
// still gets.
package allowance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/epicforge/governor/internal/tiers"
	"github.com/epicforge/governor/internal/timeutil"
)

// UsageReader exposes the ledger's current-period aggregation.
type UsageReader interface {
	SumTokens(ctx context.Context, orgID uuid.UUID, start, end time.Time) (int64, error)
}

// Decision is computed fresh on every check and never cached: usage moves
// between calls.
type Decision struct {
	Allowed                  bool
	Reason                   string
	CurrentUsage             int64
	Limit                    int64
	UsagePercentage          float64
	Throttled                bool
	SuggestedMaxOutputTokens int
}

// Checker aggregates recorded usage against tier caps. The hard/soft
// decision is based on actual recorded usage only, so estimation error can
// never bypass the hard cap; at most one in-flight request's tokens can land
// past it.
type Checker struct {
	ledger          UsageReader
	tiers           *tiers.Table
	defaultBudget   int
	headroomDivisor int
	now             func() time.Time
}

func NewChecker(ledger UsageReader, table *tiers.Table, defaultBudget, headroomDivisor int) *Checker {
	if headroomDivisor <= 0 {
		headroomDivisor = 2
	}
	return &Checker{
		ledger:          ledger,
		tiers:           table,
		defaultBudget:   defaultBudget,
		headroomDivisor: headroomDivisor,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the checker's clock. Intended for tests.
func (c *Checker) WithClock(now func() time.Time) *Checker {
	c.now = now
	return c
}

// Check returns the admit/deny/throttle decision for one prospective
// invocation. estimatedTokens is informational here; the sibling per-minute
// throughput check consumes it.
func (c *Checker) Check(ctx context.Context, orgID uuid.UUID, tier string, estimatedTokens int64) (Decision, error) {
	policy := c.tiers.Lookup(tier)

	start, end := timeutil.MonthBounds(c.now())
	usage, err := c.ledger.SumTokens(ctx, orgID, start, end)
	if err != nil {
		return Decision{}, fmt.Errorf("aggregate current period usage: %w", err)
	}

	decision := Decision{
		CurrentUsage:    usage,
		Limit:           policy.HardCapTokens,
		UsagePercentage: percentage(usage, policy.HardCapTokens),
	}

	if usage >= policy.HardCapTokens {
		decision.Allowed = false
		decision.Throttled = true
		decision.Reason = fmt.Sprintf(
			"monthly token limit reached (%d of %d used); upgrade your plan or wait for the period to roll over",
			usage, policy.HardCapTokens,
		)
		return decision, nil
	}

	if usage >= throttleThreshold(policy) {
		// Half the remaining headroom so one throttled call can never blow
		// through the hard cap on its own.
		remaining := policy.HardCapTokens - usage
		suggested := remaining / int64(c.headroomDivisor)
		if suggested > int64(c.defaultBudget) {
			suggested = int64(c.defaultBudget)
		}
		decision.Allowed = true
		decision.Throttled = true
		decision.SuggestedMaxOutputTokens = int(suggested)
		decision.Reason = fmt.Sprintf(
			"approaching monthly token limit (%d of %d used); responses are shortened",
			usage, policy.HardCapTokens,
		)
		return decision, nil
	}

	decision.Allowed = true
	decision.SuggestedMaxOutputTokens = c.defaultBudget
	return decision, nil
}

// throttleThreshold is where output budgets start shrinking: the soft cap,
// or three quarters of the hard cap when the soft cap sits above that. An
// organization close to its hard cap always gets a reduced budget even
// under a generously configured soft cap.
func throttleThreshold(policy tiers.Policy) int64 {
	threshold := policy.SoftCapTokens
	if q := policy.HardCapTokens * 3 / 4; q < threshold {
		threshold = q
	}
	return threshold
}

func percentage(usage, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(usage) / float64(limit) * 100
}
