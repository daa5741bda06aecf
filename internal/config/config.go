package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config captures the runtime configuration for the usage governor.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Governor      GovernorConfig      `mapstructure:"governor"`
	Tiers         []TierPolicy        `mapstructure:"tiers"`
	Pricing       []ModelPrice        `mapstructure:"pricing"`
	Reporting     ReportingConfig     `mapstructure:"reporting"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type ServerConfig struct {
	ListenAddr            string        `mapstructure:"listen_addr"`
	ReadHeaderTimeout     time.Duration `mapstructure:"read_header_timeout"`
	GracefulShutdownDelay time.Duration `mapstructure:"graceful_shutdown_delay"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	RunMigrations   bool          `mapstructure:"run_migrations"`
	MigrationsDir   string        `mapstructure:"migrations_dir"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// GovernorConfig holds the knobs for the gating pipeline itself.
type GovernorConfig struct {
	// DefaultMaxOutputTokens is the output budget handed to unthrottled calls.
	DefaultMaxOutputTokens int `mapstructure:"default_max_output_tokens"`
	// ThrottleHeadroomDivisor splits the remaining hard-cap headroom when an
	// organization sits between soft and hard cap. The historical value is 2.
	ThrottleHeadroomDivisor int `mapstructure:"throttle_headroom_divisor"`
	// DuplicateWindow bounds how far back identical fingerprints are counted.
	DuplicateWindow time.Duration `mapstructure:"duplicate_window"`
	// DuplicateThreshold is the number of identical requests tolerated per window.
	DuplicateThreshold int `mapstructure:"duplicate_threshold"`
	// SweepInterval controls how often expired rate windows are evicted.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// AllowOnLedgerError fails open when the ledger cannot be read. Never
	// enable this outside development: it disables every billing protection.
	AllowOnLedgerError bool `mapstructure:"allow_on_ledger_error"`
}

// TierPolicy is the externally supplied policy for one subscription tier.
type TierPolicy struct {
	Tier              string `mapstructure:"tier"`
	SoftCapTokens     int64  `mapstructure:"soft_cap_tokens"`
	HardCapTokens     int64  `mapstructure:"hard_cap_tokens"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
	TokensPerMinute   int    `mapstructure:"tokens_per_minute"`
}

// ModelPrice carries per-1K-token USD pricing for cost attribution.
type ModelPrice struct {
	Model       string  `mapstructure:"model"`
	PriceInput  float64 `mapstructure:"price_input"`
	PriceOutput float64 `mapstructure:"price_output"`
	Currency    string  `mapstructure:"currency"`
}

type ReportingConfig struct {
	Timezone string `mapstructure:"timezone"`
}

type ObservabilityConfig struct {
	OTLPEndpoint  string `mapstructure:"otlp_endpoint"`
	EnableOTLP    bool   `mapstructure:"enable_otlp"`
	EnableMetrics bool   `mapstructure:"enable_metrics"`
}

// Options controls the config loader behavior.
type Options struct {
	ConfigFile string
	EnvFile    string
}

// Load returns the merged configuration sourced from YAML and environment variables.
func Load(opts Options) (*Config, error) {
	if opts.EnvFile != "" {
		_ = godotenv.Load(opts.EnvFile)
	} else {
		_ = godotenv.Load()
	}

	v := viper.New()
	setDefaults(v)

	explicitFile := false
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		explicitFile = true
	} else if cfg := os.Getenv("GOVERNOR_CONFIG_FILE"); cfg != "" {
		v.SetConfigFile(cfg)
		explicitFile = true
	}

	if !explicitFile {
		// Allow standard lookup locations when no explicit file is provided.
		v.SetConfigName("governor")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("GOVERNOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(timeStringToDurationHook())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures required values are set and normalizes derived fields.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("missing required configuration: GOVERNOR_DATABASE_URL")
	}

	if c.Governor.DefaultMaxOutputTokens <= 0 {
		return fmt.Errorf("governor.default_max_output_tokens must be > 0")
	}
	if c.Governor.ThrottleHeadroomDivisor <= 0 {
		c.Governor.ThrottleHeadroomDivisor = 2
	}
	if c.Governor.DuplicateWindow <= 0 {
		c.Governor.DuplicateWindow = 5 * time.Minute
	}
	if c.Governor.DuplicateThreshold <= 0 {
		c.Governor.DuplicateThreshold = 3
	}
	if c.Governor.SweepInterval <= 0 {
		c.Governor.SweepInterval = 2 * time.Minute
	}

	if len(c.Tiers) == 0 {
		return fmt.Errorf("at least one tier policy must be configured")
	}
	seen := make(map[string]struct{}, len(c.Tiers))
	for i, tier := range c.Tiers {
		name := strings.ToLower(strings.TrimSpace(tier.Tier))
		if name == "" {
			return fmt.Errorf("tiers[%d].tier must be provided", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("tiers[%d].tier %q configured twice", i, name)
		}
		seen[name] = struct{}{}
		c.Tiers[i].Tier = name
		if tier.HardCapTokens <= 0 {
			return fmt.Errorf("tiers[%d].hard_cap_tokens must be > 0", i)
		}
		if tier.SoftCapTokens <= 0 || tier.SoftCapTokens > tier.HardCapTokens {
			return fmt.Errorf("tiers[%d].soft_cap_tokens must be in (0, hard_cap_tokens]", i)
		}
		if tier.RequestsPerMinute <= 0 {
			return fmt.Errorf("tiers[%d].requests_per_minute must be > 0", i)
		}
		if tier.TokensPerMinute <= 0 {
			return fmt.Errorf("tiers[%d].tokens_per_minute must be > 0", i)
		}
	}

	for i, price := range c.Pricing {
		if strings.TrimSpace(price.Model) == "" {
			return fmt.Errorf("pricing[%d].model must be provided", i)
		}
		if price.PriceInput < 0 || price.PriceOutput < 0 {
			return fmt.Errorf("pricing[%d] price_input and price_output must be >= 0", i)
		}
		if price.Currency == "" {
			c.Pricing[i].Currency = "USD"
		}
	}

	reportingTZ := strings.TrimSpace(c.Reporting.Timezone)
	if reportingTZ == "" {
		reportingTZ = "UTC"
	}
	if _, err := time.LoadLocation(reportingTZ); err != nil {
		return fmt.Errorf("invalid reporting.timezone: %w", err)
	}
	c.Reporting.Timezone = reportingTZ

	if c.Database.RunMigrations && c.Database.MigrationsDir == "" {
		return fmt.Errorf("database.migrations_dir must be provided when run_migrations is true")
	}
	if c.Database.MaxConns < 0 {
		return fmt.Errorf("database.max_conns must be >= 0")
	}
	if c.Redis.PoolSize < 0 {
		return fmt.Errorf("redis.pool_size must be >= 0")
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8090")
	v.SetDefault("server.read_header_timeout", "5s")
	v.SetDefault("server.graceful_shutdown_delay", "5s")

	v.SetDefault("governor.default_max_output_tokens", 4096)
	v.SetDefault("governor.throttle_headroom_divisor", 2)
	v.SetDefault("governor.duplicate_window", "5m")
	v.SetDefault("governor.duplicate_threshold", 3)
	v.SetDefault("governor.sweep_interval", "2m")
	v.SetDefault("governor.allow_on_ledger_error", false)

	v.SetDefault("database.url", "")
	v.SetDefault("database.run_migrations", true)
	v.SetDefault("database.migrations_dir", "./migrations")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("reporting.timezone", "UTC")

	v.SetDefault("observability.enable_otlp", false)
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.otlp_endpoint", "http://localhost:4317")

	v.SetDefault("tiers", []map[string]any{
		{
			"tier":                "free",
			"soft_cap_tokens":     40_000,
			"hard_cap_tokens":     50_000,
			"requests_per_minute": 10,
			"tokens_per_minute":   20_000,
		},
		{
			"tier":                "starter",
			"soft_cap_tokens":     400_000,
			"hard_cap_tokens":     500_000,
			"requests_per_minute": 30,
			"tokens_per_minute":   100_000,
		},
		{
			"tier":                "professional",
			"soft_cap_tokens":     1_600_000,
			"hard_cap_tokens":     2_000_000,
			"requests_per_minute": 60,
			"tokens_per_minute":   400_000,
		},
		{
			"tier":                "enterprise",
			"soft_cap_tokens":     8_000_000,
			"hard_cap_tokens":     10_000_000,
			"requests_per_minute": 120,
			"tokens_per_minute":   1_000_000,
		},
	})
}

func timeStringToDurationHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case time.Duration:
			return v, nil
		case string:
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, err
			}
			return d, nil
		default:
			return nil, fmt.Errorf("cannot decode %T into time.Duration", data)
		}
	}
}
