// Package governor gates AI feature invocations against monthly token caps,
// per-user rate limits, and duplicate-content detection, and records the
// actual spend afterwards.
package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/epicforge/governor/internal/abuse"
	"github.com/epicforge/governor/internal/allowance"
	"github.com/epicforge/governor/internal/config"
	"github.com/epicforge/governor/internal/fingerprint"
	"github.com/epicforge/governor/internal/ledger"
	"github.com/epicforge/governor/internal/observability"
	"github.com/epicforge/governor/internal/ratelimit"
	"github.com/epicforge/governor/internal/tiers"
	"github.com/epicforge/governor/internal/timeutil"
)

// Ledger is the usage store surface the governor needs. *ledger.Store
// implements it.
type Ledger interface {
	Insert(ctx context.Context, event *ledger.Event) error
	SumTokens(ctx context.Context, orgID uuid.UUID, start, end time.Time) (int64, error)
	CountFingerprint(ctx context.Context, orgID uuid.UUID, fingerprint string, since time.Time) (int64, error)
	Summarize(ctx context.Context, orgID uuid.UUID, start, end time.Time) (ledger.Summary, error)
}

// GateRequest describes one prospective AI invocation.
type GateRequest struct {
	OrgID           uuid.UUID
	UserID          uuid.UUID
	Tier            string
	FeatureKind     string
	Model           string
	Prompt          string
	EstimatedTokens int64
	Metadata        map[string]string
}

// Grant is the admit decision handed back to the caller. MaxOutputTokens is
// the output budget the provider call must honor.
type Grant struct {
	MaxOutputTokens int
	Throttled       bool
	Warning         string
	Fingerprint     string
}

// InvocationResult carries the actual outcome of a provider call. Only
// successful calls are recorded; callers skip Record entirely when the
// provider errors.
type InvocationResult struct {
	Model        string
	InputTokens  int64
	OutputTokens int64
	Latency      time.Duration
	CacheHit     bool
}

// UsageSummary is the read-side report for dashboards and billing.
type UsageSummary struct {
	OrgID           uuid.UUID `json:"org_id"`
	Tier            string    `json:"tier"`
	Period          string    `json:"period"`
	PeriodStart     string    `json:"period_start"`
	PeriodEnd       string    `json:"period_end"`
	Requests        int64     `json:"requests"`
	InputTokens     int64     `json:"input_tokens"`
	OutputTokens    int64     `json:"output_tokens"`
	TotalTokens     int64     `json:"total_tokens"`
	SoftCapTokens   int64     `json:"soft_cap_tokens"`
	HardCapTokens   int64     `json:"hard_cap_tokens"`
	UsagePercentage float64   `json:"usage_percentage"`
	CostCents       int64     `json:"cost_cents"`
	AvgLatencyMs    float64   `json:"avg_latency_ms"`
	CacheHitRate    float64   `json:"cache_hit_rate"`
}

// Governor wires the gate components behind one facade.
type Governor struct {
	store    Ledger
	tiers    *tiers.Table
	limiter  *ratelimit.Limiter
	checker  *allowance.Checker
	detector *abuse.Detector
	pricer   *Pricer
	metrics  *observability.Provider
	cfg      config.GovernorConfig
	loc      *time.Location
	now      func() time.Time
}

// New builds a Governor from configuration. rdb may be nil; the duplicate
// detector then runs on the ledger alone. metrics may be nil.
func New(store Ledger, cfg *config.Config, rdb *redis.Client, metrics *observability.Provider) *Governor {
	table := tiers.NewTable(cfg.Tiers)
	loc, err := time.LoadLocation(cfg.Reporting.Timezone)
	if err != nil {
		loc = time.UTC
	}
	return &Governor{
		store:    store,
		tiers:    table,
		limiter:  ratelimit.New(),
		checker:  allowance.NewChecker(store, table, cfg.Governor.DefaultMaxOutputTokens, cfg.Governor.ThrottleHeadroomDivisor),
		detector: abuse.NewDetector(store, rdb, cfg.Governor.DuplicateWindow, cfg.Governor.DuplicateThreshold),
		pricer:   NewPricer(cfg.Pricing),
		metrics:  metrics,
		cfg:      cfg.Governor,
		loc:      loc,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock across the governor and its components.
// Intended for tests.
func (g *Governor) WithClock(now func() time.Time) *Governor {
	g.now = now
	g.checker.WithClock(now)
	g.detector.WithClock(now)
	g.limiter.WithClock(now)
	return g
}

// Limiter exposes the rate limiter so the process can run its sweep loop.
func (g *Governor) Limiter() *ratelimit.Limiter { return g.limiter }

// Gate decides whether one invocation may proceed. Checks run cheapest
// first: rate limits touch only memory, then the ledger aggregate, then the
// duplicate window. A denial at any stage leaves no trace in the ledger.
func (g *Governor) Gate(ctx context.Context, req GateRequest) (*Grant, error) {
	started := g.now()

	if req.OrgID == uuid.Nil {
		return nil, errors.New("org id required")
	}
	if req.UserID == uuid.Nil {
		return nil, errors.New("user id required")
	}

	policy := g.tiers.Lookup(req.Tier)

	if res := g.limiter.Check(req.UserID.String(), policy.RequestsPerMinute); !res.Allowed {
		g.observe("deny", "rate_limited", started)
		return nil, &RateLimitError{Scope: "request", ResetIn: res.ResetIn}
	}
	if req.EstimatedTokens > 0 {
		if res := g.limiter.TokenAllowance(req.UserID.String(), req.EstimatedTokens, policy.TokensPerMinute); !res.Allowed {
			g.observe("deny", "token_rate_limited", started)
			return nil, &RateLimitError{Scope: "token", ResetIn: res.ResetIn}
		}
	}

	decision, err := g.checker.Check(ctx, req.OrgID, req.Tier, req.EstimatedTokens)
	if err != nil {
		return g.ledgerFailure(req, started, err)
	}
	if !decision.Allowed {
		g.observe("deny", "hard_cap", started)
		return nil, &HardCapError{
			CurrentUsage: decision.CurrentUsage,
			Limit:        decision.Limit,
			Reason:       decision.Reason,
		}
	}

	fp := fingerprintFor(req.Prompt)
	verdict, err := g.detector.Check(ctx, req.OrgID, fp)
	if err != nil {
		return g.ledgerFailure(req, started, err)
	}
	if verdict.Duplicate {
		g.observe("deny", "duplicate", started)
		return nil, &DuplicateError{Count: verdict.Count}
	}

	grant := &Grant{
		MaxOutputTokens: g.cfg.DefaultMaxOutputTokens,
		Fingerprint:     fp,
	}
	if decision.Throttled {
		grant.MaxOutputTokens = decision.SuggestedMaxOutputTokens
		grant.Throttled = true
		grant.Warning = decision.Reason
		g.observe("throttle", "soft_cap", started)
		return grant, nil
	}
	g.observe("admit", "", started)
	return grant, nil
}

// Record appends the actual spend of a completed invocation. The period
// aggregate is never touched here; it is recomputed from events on the next
// gate check.
func (g *Governor) Record(ctx context.Context, req GateRequest, res InvocationResult) error {
	if req.OrgID == uuid.Nil {
		return errors.New("org id required")
	}
	if req.FeatureKind == "" {
		return errors.New("feature kind required")
	}
	if res == (InvocationResult{}) {
		return errors.New("empty invocation result")
	}

	model := res.Model
	if model == "" {
		model = req.Model
	}
	latency := res.Latency.Milliseconds()
	if latency < 0 {
		latency = 0
	}

	event := &ledger.Event{
		OrgID:             req.OrgID,
		UserID:            req.UserID,
		FeatureKind:       req.FeatureKind,
		Model:             model,
		InputTokens:       res.InputTokens,
		OutputTokens:      res.OutputTokens,
		LatencyMs:         latency,
		CacheHit:          res.CacheHit,
		PromptFingerprint: fingerprintFor(req.Prompt),
		CostCents:         g.pricer.CostCents(req.OrgID, model, res.InputTokens, res.OutputTokens),
		Metadata:          req.Metadata,
		Timestamp:         g.now(),
	}
	if err := g.store.Insert(ctx, event); err != nil {
		return fmt.Errorf("record usage event: %w", err)
	}

	if g.metrics != nil {
		g.metrics.RecordUsage(req.FeatureKind, res.InputTokens, res.OutputTokens)
	}
	return nil
}

// Summary reports an organization's usage over a period ("month" or a
// rolling window such as "7d") against its tier caps.
func (g *Governor) Summary(ctx context.Context, orgID uuid.UUID, tier, period string) (*UsageSummary, error) {
	window, err := timeutil.NewWindow(period, g.now(), g.loc)
	if err != nil {
		return nil, err
	}

	sum, err := g.store.Summarize(ctx, orgID, window.Start(), window.End())
	if err != nil {
		return nil, fmt.Errorf("summarize usage: %w", err)
	}

	policy := g.tiers.Lookup(tier)
	report := &UsageSummary{
		OrgID:         orgID,
		Tier:          policy.Tier,
		Period:        window.Period(),
		PeriodStart:   window.StartString(),
		PeriodEnd:     window.EndString(),
		Requests:      sum.Requests,
		InputTokens:   sum.InputTokens,
		OutputTokens:  sum.OutputTokens,
		TotalTokens:   sum.TotalTokens,
		SoftCapTokens: policy.SoftCapTokens,
		HardCapTokens: policy.HardCapTokens,
		CostCents:     sum.CostCents,
		AvgLatencyMs:  sum.AvgLatencyMs,
		CacheHitRate:  sum.CacheHitRate,
	}
	if policy.HardCapTokens > 0 {
		report.UsagePercentage = float64(sum.TotalTokens) / float64(policy.HardCapTokens) * 100
	}
	return report, nil
}

// ledgerFailure applies the fail-closed policy when the usage store cannot
// be read. The development override admits with the default budget so local
// stacks keep working without Postgres.
func (g *Governor) ledgerFailure(req GateRequest, started time.Time, err error) (*Grant, error) {
	if g.cfg.AllowOnLedgerError {
		slog.Error("usage ledger unreachable, admitting per override",
			slog.String("org_id", req.OrgID.String()),
			slog.String("error", err.Error()))
		g.observe("admit", "ledger_override", started)
		return &Grant{
			MaxOutputTokens: g.cfg.DefaultMaxOutputTokens,
			Warning:         "usage accounting degraded, request admitted without allowance check",
			Fingerprint:     fingerprintFor(req.Prompt),
		}, nil
	}
	g.observe("deny", "ledger_unavailable", started)
	return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
}

func (g *Governor) observe(outcome, reason string, started time.Time) {
	if g.metrics == nil {
		return
	}
	g.metrics.RecordDecision(outcome, reason, g.now().Sub(started))
}

func fingerprintFor(prompt string) string {
	if strings.TrimSpace(prompt) == "" {
		return ""
	}
	return fingerprint.Hash(prompt)
}
