package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestCheckAllowsExactlyRPMWithinWindow(t *testing.T) {
	clock := newFakeClock()
	limiter := New().WithClock(clock.Now)

	for i := 0; i < 10; i++ {
		clock.Advance(500 * time.Millisecond)
		if res := limiter.Check("user-1", 10); !res.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	res := limiter.Check("user-1", 10)
	if res.Allowed {
		t.Fatalf("11th request within the window must be denied")
	}
	// Window opened at +500ms; 5s of requests have elapsed since.
	if res.ResetIn < 54*time.Second || res.ResetIn > 56*time.Second {
		t.Fatalf("expected ~55s until reset, got %v", res.ResetIn)
	}
}

func TestCheckStartsFreshWindowAfterReset(t *testing.T) {
	clock := newFakeClock()
	limiter := New().WithClock(clock.Now)

	for i := 0; i < 3; i++ {
		limiter.Check("user-1", 2)
	}
	if res := limiter.Check("user-1", 2); res.Allowed {
		t.Fatalf("over-limit request should be denied")
	}

	clock.Advance(61 * time.Second)
	if res := limiter.Check("user-1", 2); !res.Allowed {
		t.Fatalf("request in a fresh window should be allowed")
	}
}

func TestCheckIsolatesUsers(t *testing.T) {
	clock := newFakeClock()
	limiter := New().WithClock(clock.Now)

	limiter.Check("user-1", 1)
	if res := limiter.Check("user-1", 1); res.Allowed {
		t.Fatalf("user-1 over limit should be denied")
	}
	if res := limiter.Check("user-2", 1); !res.Allowed {
		t.Fatalf("user-2 must not inherit user-1's window")
	}
}

func TestTokenAllowanceRollsBackRejectedDebit(t *testing.T) {
	clock := newFakeClock()
	limiter := New().WithClock(clock.Now)

	if res := limiter.TokenAllowance("user-1", 600, 1000); !res.Allowed {
		t.Fatalf("first debit should pass")
	}
	if res := limiter.TokenAllowance("user-1", 600, 1000); res.Allowed {
		t.Fatalf("second debit should exceed the budget")
	}
	// The rejected debit must not have consumed budget.
	if res := limiter.TokenAllowance("user-1", 400, 1000); !res.Allowed {
		t.Fatalf("budget should still have 400 tokens of headroom")
	}
}

func TestSweepEvictsExpiredWindows(t *testing.T) {
	clock := newFakeClock()
	limiter := New().WithClock(clock.Now)

	for i := 0; i < 20; i++ {
		limiter.Check(fmt.Sprintf("user-%d", i), 10)
	}
	if limiter.Len() != 20 {
		t.Fatalf("expected 20 live windows, got %d", limiter.Len())
	}

	if evicted := limiter.Sweep(); evicted != 0 {
		t.Fatalf("no window is expired yet, swept %d", evicted)
	}

	clock.Advance(2 * time.Minute)
	if evicted := limiter.Sweep(); evicted != 20 {
		t.Fatalf("expected 20 evictions, got %d", evicted)
	}
	if limiter.Len() != 0 {
		t.Fatalf("expected empty limiter, got %d windows", limiter.Len())
	}
}

func TestCheckConcurrentSameUser(t *testing.T) {
	limiter := New()
	const workers = 50
	const rpm = 25

	allowed := make(chan bool, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed <- limiter.Check("shared", rpm).Allowed
		}()
	}
	wg.Wait()
	close(allowed)

	admitted := 0
	for ok := range allowed {
		if ok {
			admitted++
		}
	}
	if admitted != rpm {
		t.Fatalf("expected exactly %d admitted, got %d", rpm, admitted)
	}
}

func TestZeroLimitDisablesCheck(t *testing.T) {
	limiter := New()
	for i := 0; i < 100; i++ {
		if res := limiter.Check("user-1", 0); !res.Allowed {
			t.Fatalf("rpm<=0 disables the limiter")
		}
	}
}
