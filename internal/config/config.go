// Package config loads server configuration from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	// MatchConfidence is the default correlation threshold in [0,1]; zero
	// accepts all candidates unscored.
	MatchConfidence    float64 `mapstructure:"MATCH_CONFIDENCE"`
	MatchAggregation   string  `mapstructure:"MATCH_AGGREGATION"`
	MatchMaxCandidates int     `mapstructure:"MATCH_MAX_CANDIDATES"`

	// QueryIdleTimeout bounds how long an abandoned paged-lookup session
	// may hold a store cursor before the reaper releases it.
	QueryIdleTimeout time.Duration `mapstructure:"QUERY_IDLE_TIMEOUT"`

	// EIDDomains lists the assigning-authority domains subject to EID
	// mismatch escalation, comma separated.
	EIDDomains string `mapstructure:"EID_DOMAINS"`

	CacheTTL        time.Duration `mapstructure:"CACHE_TTL"`
	CacheMaxEntries int           `mapstructure:"CACHE_MAX_ENTRIES"`

	AuthMode      string `mapstructure:"AUTH_MODE"`
	JWTSigningKey string `mapstructure:"JWT_SIGNING_KEY"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("MATCH_CONFIDENCE", 0.75)
	v.SetDefault("MATCH_AGGREGATION", "mean")
	v.SetDefault("MATCH_MAX_CANDIDATES", 200)
	v.SetDefault("QUERY_IDLE_TIMEOUT", "2m")
	v.SetDefault("CACHE_TTL", "5m")
	v.SetDefault("CACHE_MAX_ENTRIES", 1000)
	v.SetDefault("AUTH_MODE", "")

	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"MATCH_CONFIDENCE", "MATCH_AGGREGATION", "MATCH_MAX_CANDIDATES",
		"QUERY_IDLE_TIMEOUT", "EID_DOMAINS", "CACHE_TTL", "CACHE_MAX_ENTRIES",
		"AUTH_MODE", "JWT_SIGNING_KEY",
	} {
		v.BindEnv(key)
	}

	// The .env file is optional.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.DatabaseURL, validation.Required),
		validation.Field(&c.MatchConfidence, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&c.MatchAggregation,
			validation.In("mean", "median", "mode")),
		validation.Field(&c.MatchMaxCandidates, validation.Min(0)),
		validation.Field(&c.CacheMaxEntries, validation.Min(0)),
		validation.Field(&c.JWTSigningKey,
			validation.Required.When(c.ResolvedAuthMode() == "token")),
	)
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// ResolvedAuthMode returns the effective auth mode: an explicit AUTH_MODE
// wins, otherwise development mode in ENV=development and token mode
// everywhere else.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "token"
}

// EIDDomainList splits the configured EID domain allow-list.
func (c *Config) EIDDomainList() []string {
	if c.EIDDomains == "" {
		return nil
	}
	parts := strings.Split(c.EIDDomains, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
