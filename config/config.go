package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
)

// Config holds all configuration for the sitewatch service.
type Config struct {
	API struct {
		Port           int      `mapstructure:"port"`
		AllowedOrigins []string `mapstructure:"allowed_origins"`
		RateLimit      struct {
			RequestsPerSecond int `mapstructure:"requests_per_second"`
			Burst             int `mapstructure:"burst"`
		} `mapstructure:"rate_limit"`
	} `mapstructure:"api"`

	Auth struct {
		Enabled  bool   `mapstructure:"enabled"`
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		// HashedPassword is derived at load time; the plaintext is
		// dropped after hashing.
		HashedPassword string
		BcryptCost     int `mapstructure:"bcrypt_cost"`
	} `mapstructure:"auth"`

	Storage struct {
		SQLitePath string `mapstructure:"sqlite_path"`
		// BusyRetries and BusyBackoff govern retry of transient
		// SQLITE_BUSY failures before an operation is reported failed.
		BusyRetries int           `mapstructure:"busy_retries"`
		BusyBackoff time.Duration `mapstructure:"busy_backoff"`
	} `mapstructure:"storage"`

	Engine struct {
		// ReplayBatchSize is the event page size during replay.
		ReplayBatchSize int `mapstructure:"replay_batch_size"`
		// StateShards is the shard count for per-(rule,site) locks.
		StateShards int `mapstructure:"state_shards"`
		// MaxTimestampsPerKey caps one frequency window's memory.
		MaxTimestampsPerKey int           `mapstructure:"max_timestamps_per_key"`
		RegexTimeout        time.Duration `mapstructure:"regex_timeout"`
		RuleCacheSize       int           `mapstructure:"rule_cache_size"`
		DryRunResultLimit   int           `mapstructure:"dry_run_result_limit"`
	} `mapstructure:"engine"`

	Clock struct {
		// DisplayTimezone is the locale the schedule gates evaluate in;
		// event timestamps themselves stay UTC.
		DisplayTimezone string `mapstructure:"display_timezone"`
		BusinessStart   string `mapstructure:"business_start"` // HH:MM
		BusinessEnd     string `mapstructure:"business_end"`   // HH:MM
		NightStart      string `mapstructure:"night_start"`    // HH:MM
		NightEnd        string `mapstructure:"night_end"`      // HH:MM
	} `mapstructure:"clock"`

	Calendar struct {
		ExtraHolidaysFile string `mapstructure:"extra_holidays_file"`
	} `mapstructure:"calendar"`

	Notify NotifyConfig `mapstructure:"notify"`
}

// NotifyConfig configures SMTP delivery of alert emails.
type NotifyConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	SMTPHost    string   `mapstructure:"smtp_host"`
	SMTPPort    int      `mapstructure:"smtp_port"`
	FromAddress string   `mapstructure:"from_address"`
	ToAddresses []string `mapstructure:"to_addresses"`
	MaxRetries  int      `mapstructure:"max_retries"`
	// RetryBackoff is the initial backoff; it doubles per attempt.
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// Load reads configuration from config.yaml (working directory or
// /etc/sitewatch) with SITEWATCH_* environment overrides.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/sitewatch")
	v.SetEnvPrefix("SITEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Missing file is fine, defaults + env apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.port", 8084)
	v.SetDefault("api.allowed_origins", []string{"*"})
	v.SetDefault("api.rate_limit.requests_per_second", 50)
	v.SetDefault("api.rate_limit.burst", 100)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.bcrypt_cost", bcrypt.DefaultCost)

	v.SetDefault("storage.sqlite_path", "data/sitewatch.db")
	v.SetDefault("storage.busy_retries", 3)
	v.SetDefault("storage.busy_backoff", 50*time.Millisecond)

	v.SetDefault("engine.replay_batch_size", 1000)
	v.SetDefault("engine.state_shards", 64)
	v.SetDefault("engine.max_timestamps_per_key", 10000)
	v.SetDefault("engine.regex_timeout", 100*time.Millisecond)
	v.SetDefault("engine.rule_cache_size", 512)
	v.SetDefault("engine.dry_run_result_limit", 20)

	v.SetDefault("clock.display_timezone", "Europe/Paris")
	v.SetDefault("clock.business_start", "08:00")
	v.SetDefault("clock.business_end", "18:00")
	v.SetDefault("clock.night_start", "22:00")
	v.SetDefault("clock.night_end", "06:00")

	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.smtp_port", 25)
	v.SetDefault("notify.max_retries", 3)
	v.SetDefault("notify.retry_backoff", 2*time.Second)
}

// finalize validates cross-field constraints and hashes the auth
// password so the plaintext never leaves config loading.
func (c *Config) finalize() error {
	for _, clock := range []struct{ name, value string }{
		{"clock.business_start", c.Clock.BusinessStart},
		{"clock.business_end", c.Clock.BusinessEnd},
		{"clock.night_start", c.Clock.NightStart},
		{"clock.night_end", c.Clock.NightEnd},
	} {
		if !validClock(clock.value) {
			return fmt.Errorf("%s: %q is not a valid HH:MM time", clock.name, clock.value)
		}
	}
	if _, err := time.LoadLocation(c.Clock.DisplayTimezone); err != nil {
		return fmt.Errorf("clock.display_timezone: %w", err)
	}
	if c.Auth.Enabled {
		if c.Auth.Username == "" || c.Auth.Password == "" {
			return fmt.Errorf("auth.username and auth.password are required when auth is enabled")
		}
		hashed, err := bcrypt.GenerateFromPassword([]byte(c.Auth.Password), c.Auth.BcryptCost)
		if err != nil {
			return fmt.Errorf("failed to hash auth password: %w", err)
		}
		c.Auth.HashedPassword = string(hashed)
		c.Auth.Password = ""
	}
	return nil
}

func validClock(value string) bool {
	var h, m int
	if _, err := fmt.Sscanf(value, "%d:%d", &h, &m); err != nil {
		return false
	}
	return h >= 0 && h <= 23 && m >= 0 && m <= 59
}

// Location resolves the configured display timezone. finalize already
// verified it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Clock.DisplayTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
