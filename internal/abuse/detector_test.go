package abuse

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type fakeCounter struct {
	counts map[string]int64
	calls  int
}

func (f *fakeCounter) CountFingerprint(_ context.Context, orgID uuid.UUID, fingerprint string, _ time.Time) (int64, error) {
	f.calls++
	return f.counts[orgID.String()+":"+fingerprint], nil
}

func newTestDetector(t *testing.T, counter Counter) (*Detector, *miniredis.Miniredis, func()) {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	detector := NewDetector(counter, client, 5*time.Minute, 3)
	cleanup := func() {
		client.Close()
		server.Close()
	}
	return detector, server, cleanup
}

func TestCheckFlagsFourthSubmission(t *testing.T) {
	org := uuid.New()
	counter := &fakeCounter{counts: map[string]int64{org.String() + ":fp-1": 3}}
	detector, _, cleanup := newTestDetector(t, counter)
	defer cleanup()

	verdict, err := detector.Check(context.Background(), org, "fp-1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !verdict.Duplicate {
		t.Fatalf("4th identical submission must be flagged")
	}
	if verdict.Count != 4 {
		t.Fatalf("expected count 4, got %d", verdict.Count)
	}
}

func TestCheckAllowsUnderThreshold(t *testing.T) {
	org := uuid.New()
	counter := &fakeCounter{counts: map[string]int64{org.String() + ":fp-1": 2}}
	detector, _, cleanup := newTestDetector(t, counter)
	defer cleanup()

	verdict, err := detector.Check(context.Background(), org, "fp-1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if verdict.Duplicate {
		t.Fatalf("3rd identical submission is within threshold")
	}
	if verdict.Count != 3 {
		t.Fatalf("expected count 3, got %d", verdict.Count)
	}
}

func TestCheckScopesByOrganization(t *testing.T) {
	orgA := uuid.New()
	orgB := uuid.New()
	counter := &fakeCounter{counts: map[string]int64{orgA.String() + ":fp-1": 5}}
	detector, _, cleanup := newTestDetector(t, counter)
	defer cleanup()

	verdict, err := detector.Check(context.Background(), orgB, "fp-1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if verdict.Duplicate {
		t.Fatalf("same fingerprint from a different organization must never be flagged")
	}
}

func TestCheckRedisFastPathSkipsLedger(t *testing.T) {
	org := uuid.New()
	counter := &fakeCounter{counts: map[string]int64{}}
	detector, _, cleanup := newTestDetector(t, counter)
	defer cleanup()

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if _, err := detector.Check(ctx, org, "fp-1"); err != nil {
			t.Fatalf("check %d: %v", i+1, err)
		}
	}
	ledgerReads := counter.calls

	verdict, err := detector.Check(ctx, org, "fp-1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !verdict.Duplicate {
		t.Fatalf("5th attempt should be flagged by the attempt counter")
	}
	if counter.calls != ledgerReads {
		t.Fatalf("over-threshold attempt counter must short-circuit the ledger read")
	}
}

func TestCheckSurvivesRedisOutage(t *testing.T) {
	org := uuid.New()
	counter := &fakeCounter{counts: map[string]int64{org.String() + ":fp-1": 3}}
	detector, server, cleanup := newTestDetector(t, counter)
	defer cleanup()

	server.Close()

	verdict, err := detector.Check(context.Background(), org, "fp-1")
	if err != nil {
		t.Fatalf("check must degrade to the ledger path: %v", err)
	}
	if !verdict.Duplicate {
		t.Fatalf("ledger-only path should still flag the duplicate")
	}
}

func TestCheckEmptyFingerprint(t *testing.T) {
	counter := &fakeCounter{counts: map[string]int64{}}
	detector, _, cleanup := newTestDetector(t, counter)
	defer cleanup()

	verdict, err := detector.Check(context.Background(), uuid.New(), "")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if verdict.Duplicate {
		t.Fatalf("empty fingerprint is never a duplicate")
	}
	if counter.calls != 0 {
		t.Fatalf("empty fingerprint should not touch the ledger")
	}
}
