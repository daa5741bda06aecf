package tiers

import (
	"testing"

	"github.com/epicforge/governor/internal/config"
)

func testTable() *Table {
	return NewTable([]config.TierPolicy{
		{Tier: "free", SoftCapTokens: 8_000, HardCapTokens: 10_000, RequestsPerMinute: 10, TokensPerMinute: 5_000},
		{Tier: "pro", SoftCapTokens: 800_000, HardCapTokens: 1_000_000, RequestsPerMinute: 60, TokensPerMinute: 200_000},
	})
}

func TestLookupKnownTier(t *testing.T) {
	table := testTable()
	policy := table.Lookup("pro")
	if policy.HardCapTokens != 1_000_000 {
		t.Fatalf("unexpected hard cap %d", policy.HardCapTokens)
	}
	if policy.RequestsPerMinute != 60 {
		t.Fatalf("unexpected rpm %d", policy.RequestsPerMinute)
	}
}

func TestLookupNormalizesCase(t *testing.T) {
	table := testTable()
	if got := table.Lookup("  PRO "); got.Tier != "pro" {
		t.Fatalf("unexpected tier %q", got.Tier)
	}
}

func TestLookupUnknownTierFallsBackToMostRestrictive(t *testing.T) {
	table := testTable()
	policy := table.Lookup("platinum-ultra")
	if policy.Tier != "free" {
		t.Fatalf("expected fallback to free, got %q", policy.Tier)
	}
	if policy.HardCapTokens != 10_000 {
		t.Fatalf("fallback must be most restrictive, got hard cap %d", policy.HardCapTokens)
	}
}

func TestKnown(t *testing.T) {
	table := testTable()
	if !table.Known("free") {
		t.Fatalf("free should be known")
	}
	if table.Known("platinum-ultra") {
		t.Fatalf("platinum-ultra should be unknown")
	}
}
