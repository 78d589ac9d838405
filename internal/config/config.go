// Package config loads service configuration from YAML with FATHOM_
// environment overrides, validates it at startup, and hot-reloads the
// citation rule table.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type SearchConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxResults int           `mapstructure:"max_results"`
}

type LLMConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type CacheConfig struct {
	TTL       time.Duration `mapstructure:"ttl"`
	LocalSize int           `mapstructure:"local_size"`
}

type RetrievalConfig struct {
	Concurrency   int     `mapstructure:"concurrency"`
	RatePerSecond float64 `mapstructure:"rate_per_second"` // 0 disables throttling
	RateBurst     int     `mapstructure:"rate_burst"`
	Retry         struct {
		MaxAttempts     int           `mapstructure:"max_attempts"`
		InitialInterval time.Duration `mapstructure:"initial_interval"`
		MaxInterval     time.Duration `mapstructure:"max_interval"`
		AttemptTimeout  time.Duration `mapstructure:"attempt_timeout"`
	} `mapstructure:"retry"`
}

type PlannerConfig struct {
	MaxSubQueries int `mapstructure:"max_sub_queries"`
}

type ReflexionConfig struct {
	MaxIterations    int `mapstructure:"max_iterations"`
	MinContentLength int `mapstructure:"min_content_length"`
}

type CitationsConfig struct {
	StandardMinimum  int    `mapstructure:"standard_minimum"`
	TechnicalMinimum int    `mapstructure:"technical_minimum"`
	RuleTablePath    string `mapstructure:"rule_table_path"`
}

type PipelineConfig struct {
	Deadline     time.Duration `mapstructure:"deadline"`
	MaxRanked    int           `mapstructure:"max_ranked"`
	MaxPerDomain int           `mapstructure:"max_per_domain"`
}

type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
}

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Search    SearchConfig    `mapstructure:"search"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Planner   PlannerConfig   `mapstructure:"planner"`
	Reflexion ReflexionConfig `mapstructure:"reflexion"`
	Citations CitationsConfig `mapstructure:"citations"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("search.timeout", "10s")
	v.SetDefault("search.max_results", 10)
	v.SetDefault("llm.timeout", "30s")
	v.SetDefault("redis.addr", "")
	v.SetDefault("cache.ttl", "15m")
	v.SetDefault("cache.local_size", 512)
	v.SetDefault("retrieval.concurrency", 4)
	v.SetDefault("retrieval.rate_per_second", 8.0)
	v.SetDefault("retrieval.rate_burst", 4)
	v.SetDefault("retrieval.retry.max_attempts", 3)
	v.SetDefault("retrieval.retry.initial_interval", "250ms")
	v.SetDefault("retrieval.retry.max_interval", "5s")
	v.SetDefault("retrieval.retry.attempt_timeout", "10s")
	v.SetDefault("planner.max_sub_queries", 10)
	v.SetDefault("reflexion.max_iterations", 2)
	v.SetDefault("reflexion.min_content_length", 80)
	v.SetDefault("citations.standard_minimum", 3)
	v.SetDefault("citations.technical_minimum", 5)
	v.SetDefault("pipeline.deadline", "45s")
	v.SetDefault("pipeline.max_ranked", 15)
	v.SetDefault("pipeline.max_per_domain", 3)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.success_threshold", 2)
	v.SetDefault("breaker.open_timeout", "10s")
}

// Load reads configuration from path (optional) plus FATHOM_ environment
// overrides, e.g. FATHOM_SEARCH_API_KEY for search.api_key.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("FATHOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate fails fast on configuration the service cannot run without.
func (c *Config) Validate() error {
	if c.Search.BaseURL == "" {
		return fmt.Errorf("search.base_url is required")
	}
	if c.Search.APIKey == "" {
		return fmt.Errorf("search.api_key is required")
	}
	if c.Pipeline.Deadline <= 0 {
		return fmt.Errorf("pipeline.deadline must be positive")
	}
	if c.Reflexion.MaxIterations < 0 {
		return fmt.Errorf("reflexion.max_iterations must not be negative")
	}
	if c.Citations.StandardMinimum <= 0 || c.Citations.TechnicalMinimum < c.Citations.StandardMinimum {
		return fmt.Errorf("citation minimums must be positive and technical >= standard")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}
