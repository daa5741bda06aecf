package ledger

import (
	"time"

	"github.com/google/uuid"
)

// Event is one immutable consumption record. Rows are append-only: the
// current-period aggregate is always recomputed from raw events, never
// stored and incremented, so concurrent requests cannot lose updates.
type Event struct {
	ID                uuid.UUID         `json:"id"`
	OrgID             uuid.UUID         `json:"org_id"`
	UserID            uuid.UUID         `json:"user_id"`
	FeatureKind       string            `json:"feature_kind"`
	Model             string            `json:"model"`
	InputTokens       int64             `json:"input_tokens"`
	OutputTokens      int64             `json:"output_tokens"`
	TotalTokens       int64             `json:"total_tokens"`
	LatencyMs         int64             `json:"latency_ms"`
	CacheHit          bool              `json:"cache_hit"`
	PromptFingerprint string            `json:"prompt_fingerprint"`
	CostCents         int64             `json:"cost_cents"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	Timestamp         time.Time         `json:"ts"`
}

// Summary aggregates an organization's events over one window.
type Summary struct {
	Requests     int64
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	CostCents    int64
	AvgLatencyMs float64
	CacheHitRate float64
}
