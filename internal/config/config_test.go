package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GOVERNOR_DATABASE_URL", "postgres://localhost:5432/governor")

	cfg, err := Load(Options{})
	require.NoError(t, err)

	require.Equal(t, ":8090", cfg.Server.ListenAddr)
	require.Equal(t, 4096, cfg.Governor.DefaultMaxOutputTokens)
	require.Equal(t, 2, cfg.Governor.ThrottleHeadroomDivisor)
	require.Equal(t, 5*time.Minute, cfg.Governor.DuplicateWindow)
	require.Equal(t, 3, cfg.Governor.DuplicateThreshold)
	require.Equal(t, "UTC", cfg.Reporting.Timezone)
	require.Len(t, cfg.Tiers, 4)
	require.Equal(t, "free", cfg.Tiers[0].Tier)
	require.Equal(t, int64(50_000), cfg.Tiers[0].HardCapTokens)
}

func TestValidateRequiresDatabaseURL(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "GOVERNOR_DATABASE_URL")
}

func TestValidateNormalizesTierNames(t *testing.T) {
	cfg := validConfig()
	cfg.Tiers[0].Tier = "  Pro  "

	require.NoError(t, cfg.Validate())
	require.Equal(t, "pro", cfg.Tiers[0].Tier)
}

func TestValidateRejectsDuplicateTiers(t *testing.T) {
	cfg := validConfig()
	cfg.Tiers = append(cfg.Tiers, cfg.Tiers[0])

	require.Error(t, cfg.Validate())
}

func TestValidateRejectsSoftAboveHard(t *testing.T) {
	cfg := validConfig()
	cfg.Tiers[0].SoftCapTokens = cfg.Tiers[0].HardCapTokens + 1

	require.Error(t, cfg.Validate())
}

func TestValidateAppliesGovernorFallbacks(t *testing.T) {
	cfg := validConfig()
	cfg.Governor.ThrottleHeadroomDivisor = 0
	cfg.Governor.DuplicateWindow = 0
	cfg.Governor.DuplicateThreshold = 0

	require.NoError(t, cfg.Validate())
	require.Equal(t, 2, cfg.Governor.ThrottleHeadroomDivisor)
	require.Equal(t, 5*time.Minute, cfg.Governor.DuplicateWindow)
	require.Equal(t, 3, cfg.Governor.DuplicateThreshold)
}

func TestValidateRejectsBadTimezone(t *testing.T) {
	cfg := validConfig()
	cfg.Reporting.Timezone = "Mars/Olympus_Mons"

	require.Error(t, cfg.Validate())
}

func validConfig() *Config {
	return &Config{
		Database: DatabaseConfig{URL: "postgres://localhost:5432/governor"},
		Governor: GovernorConfig{DefaultMaxOutputTokens: 4096},
		Tiers: []TierPolicy{
			{Tier: "pro", SoftCapTokens: 5000, HardCapTokens: 10000, RequestsPerMinute: 10, TokensPerMinute: 100000},
		},
	}
}
