// Package abuse flags repeated identical requests from one organization.
// The durable ledger is the authority; a Redis counter in front of it
// short-circuits the ledger read for fingerprints already over threshold.
package abuse

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Counter exposes the ledger's fingerprint lookup.
type Counter interface {
	CountFingerprint(ctx context.Context, orgID uuid.UUID, fingerprint string, since time.Time) (int64, error)
}

// Verdict is the outcome of one duplicate check. Count includes the
// in-flight submission.
type Verdict struct {
	Duplicate bool
	Count     int64
}

// Detector counts identical fingerprints per organization within a trailing
// window. Safe for concurrent use.
type Detector struct {
	counter   Counter
	redis     *redis.Client
	window    time.Duration
	threshold int
	now       func() time.Time
}

func NewDetector(counter Counter, client *redis.Client, window time.Duration, threshold int) *Detector {
	if window <= 0 {
		window = 5 * time.Minute
	}
	if threshold <= 0 {
		threshold = 3
	}
	return &Detector{
		counter:   counter,
		redis:     client,
		window:    window,
		threshold: threshold,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the detector's clock. Intended for tests.
func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.now = now
	return d
}

// Check reports whether the fingerprint, counting this submission, exceeds
// the per-window threshold for the organization. Fingerprints are never
// compared across organizations.
func (d *Detector) Check(ctx context.Context, orgID uuid.UUID, fingerprint string) (Verdict, error) {
	if fingerprint == "" {
		return Verdict{}, nil
	}

	if attempts, ok := d.bumpAttemptCounter(ctx, orgID, fingerprint); ok && attempts > int64(d.threshold) {
		return Verdict{Duplicate: true, Count: attempts}, nil
	}

	since := d.now().Add(-d.window)
	prior, err := d.counter.CountFingerprint(ctx, orgID, fingerprint, since)
	if err != nil {
		return Verdict{}, fmt.Errorf("count recent fingerprints: %w", err)
	}

	count := prior + 1
	return Verdict{Duplicate: count > int64(d.threshold), Count: count}, nil
}

// bumpAttemptCounter tracks submissions in Redis keyed by organization and
// fingerprint. Redis being unreachable degrades silently to the ledger-only
// path.
func (d *Detector) bumpAttemptCounter(ctx context.Context, orgID uuid.UUID, fingerprint string) (int64, bool) {
	if d.redis == nil {
		return 0, false
	}
	key := fmt.Sprintf("dup:%s:%s", orgID, fingerprint)
	attempts, err := d.redis.Incr(ctx, key).Result()
	if err != nil {
		slog.Debug("duplicate attempt counter unavailable", "error", err)
		return 0, false
	}
	if attempts == 1 {
		d.redis.Expire(ctx, key, d.window)
	}
	return attempts, true
}
