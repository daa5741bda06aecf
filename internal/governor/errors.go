package governor

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrHardCapExceeded is terminal for the billing period: the caller must
	// upgrade or wait for rollover. Never retried automatically.
	ErrHardCapExceeded = errors.New("monthly usage limit exceeded")

	// ErrRateLimited is transient; the caller should retry after the delay
	// carried by RateLimitError.
	ErrRateLimited = errors.New("rate limited")

	// ErrDuplicateRequest marks scripted resubmission of identical content.
	ErrDuplicateRequest = errors.New("duplicate request")

	// ErrLedgerUnavailable means the usage ledger could not be read. The
	// gate fails closed on it unless the development override is enabled.
	ErrLedgerUnavailable = errors.New("usage ledger unavailable")
)

// RateLimitError carries the retry-after delay for a denied request.
type RateLimitError struct {
	Scope   string
	ResetIn time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s limit reached, retry in %s", e.Scope, e.ResetIn.Round(time.Second))
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// HardCapError carries the usage numbers behind a hard-cap denial.
type HardCapError struct {
	CurrentUsage int64
	Limit        int64
	Reason       string
}

func (e *HardCapError) Error() string { return e.Reason }

func (e *HardCapError) Unwrap() error { return ErrHardCapExceeded }

// DuplicateError reports how often the fingerprint was seen in the window.
type DuplicateError struct {
	Count int64
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("identical request submitted %d times in a short window, vary your input", e.Count)
}

func (e *DuplicateError) Unwrap() error { return ErrDuplicateRequest }
