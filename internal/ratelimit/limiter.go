// Package ratelimit implements the short-window request guard that runs
// before any ledger read. State is in-memory only: losing it on restart is
// an accepted trade-off, since the minute window protects against abuse
// bursts rather than billing.
package ratelimit

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"
)

var ErrLimitExceeded = errors.New("rate limit exceeded")

const (
	windowLength = time.Minute
	shardCount   = 16
)

// Result reports the outcome of one fixed-window check.
type Result struct {
	Allowed bool
	ResetIn time.Duration
}

type window struct {
	count   int
	tokens  int64
	resetAt time.Time
}

type shard struct {
	mu      sync.Mutex
	windows map[string]*window
}

// Limiter enforces per-actor fixed-window counters. The fixed window trades
// smoothness for O(1) memory per actor and trivial reasoning; a window that
// lingers past expiry self-corrects on next access because the reset check
// fires before the counter is read.
type Limiter struct {
	now    func() time.Time
	shards [shardCount]*shard
}

func New() *Limiter {
	l := &Limiter{now: func() time.Time { return time.Now().UTC() }}
	for i := range l.shards {
		l.shards[i] = &shard{windows: make(map[string]*window)}
	}
	return l
}

// WithClock overrides the limiter's clock. Intended for tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Check admits or denies one request for the actor under the given
// requests-per-minute cap. Touches only in-memory state.
func (l *Limiter) Check(userID string, requestsPerMinute int) Result {
	if requestsPerMinute <= 0 {
		return Result{Allowed: true}
	}
	now := l.now()
	sh := l.shardFor("rpm:" + userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	win, ok := sh.windows["rpm:"+userID]
	if !ok || !win.resetAt.After(now) {
		sh.windows["rpm:"+userID] = &window{count: 1, resetAt: now.Add(windowLength)}
		return Result{Allowed: true}
	}

	win.count++
	if win.count > requestsPerMinute {
		return Result{Allowed: false, ResetIn: win.resetAt.Sub(now)}
	}
	return Result{Allowed: true}
}

// TokenAllowance debits estimated tokens against the actor's per-minute
// token budget. A rejected debit is rolled back so a denied request does not
// consume throughput it never used.
func (l *Limiter) TokenAllowance(userID string, tokens int64, tokensPerMinute int) Result {
	if tokensPerMinute <= 0 || tokens <= 0 {
		return Result{Allowed: true}
	}
	now := l.now()
	key := "tpm:" + userID
	sh := l.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	win, ok := sh.windows[key]
	if !ok || !win.resetAt.After(now) {
		win = &window{resetAt: now.Add(windowLength)}
		sh.windows[key] = win
	}

	win.tokens += tokens
	if win.tokens > int64(tokensPerMinute) {
		win.tokens -= tokens
		return Result{Allowed: false, ResetIn: win.resetAt.Sub(now)}
	}
	return Result{Allowed: true}
}

// Sweep drops windows whose reset time has passed and reports how many were
// evicted. Best effort: correctness never depends on it.
func (l *Limiter) Sweep() int {
	now := l.now()
	evicted := 0
	for _, sh := range l.shards {
		sh.mu.Lock()
		for key, win := range sh.windows {
			if !win.resetAt.After(now) {
				delete(sh.windows, key)
				evicted++
			}
		}
		sh.mu.Unlock()
	}
	return evicted
}

// Run sweeps expired windows on the given interval until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// Len reports the number of live windows across all shards.
func (l *Limiter) Len() int {
	total := 0
	for _, sh := range l.shards {
		sh.mu.Lock()
		total += len(sh.windows)
		sh.mu.Unlock()
	}
	return total
}

func (l *Limiter) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return l.shards[h.Sum32()%shardCount]
}
