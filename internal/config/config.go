// Package config loads the gateway's runtime configuration from a YAML
// file, environment variables, and defaults, via spf13/viper, mirroring
// eve.evalgo.org's cli.initConfig layering (config file < environment <
// explicit overrides) adapted to a single plain struct instead of a
// package-global viper instance plus cobra flags.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// PIIProtection controls detection and handling of personally identifiable
// information flowing through tool calls.
type PIIProtection struct {
	Enabled          bool     `mapstructure:"enabled"`
	Types            []string `mapstructure:"types"`
	DetokenizeOutput bool     `mapstructure:"detokenize_output"`
}

// CacheConfig controls the scoring/search result cache.
type CacheConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	MaxEntries  int  `mapstructure:"max_entries"`
	TTLSeconds  int  `mapstructure:"ttl_seconds"`
	Persistence bool `mapstructure:"persistence"`
}

// MongoConfig holds the checkpoint store's MongoDB connection settings.
type MongoConfig struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

// RedisConfig holds the checkpoint cache's Redis connection settings.
type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// EmbeddingConfig selects and configures the Vector Index's text encoder.
// Provider is one of "hash" (deterministic, no network calls — the
// default), "openai", or "bedrock"; the two network-backed providers fall
// back to their SDK's own default credential resolution when the
// corresponding key fields are left empty.
type EmbeddingConfig struct {
	Provider      string `mapstructure:"provider"`
	Dimensions    int    `mapstructure:"dimensions"`
	OpenAIAPIKey  string `mapstructure:"openai_api_key"`
	OpenAIModel   string `mapstructure:"openai_model"`
	BedrockRegion string `mapstructure:"bedrock_region"`
	BedrockModel  string `mapstructure:"bedrock_model"`
	AWSAccessKey  string `mapstructure:"aws_access_key"`
	AWSSecretKey  string `mapstructure:"aws_secret_key"`
}

// Config is the gateway's full runtime configuration, covering the subset
// the core recognizes (per spec §6) plus the persistence/vector backend
// settings SPEC_FULL.md adds.
type Config struct {
	EnableSpeculative  bool          `mapstructure:"enable_speculative"`
	DefaultToolLimit   int           `mapstructure:"default_tool_limit"`
	PIIProtection      PIIProtection `mapstructure:"pii_protection"`
	CacheConfig        CacheConfig   `mapstructure:"cache_config"`
	PerLayerValidation bool          `mapstructure:"per_layer_validation"`
	TaskTimeoutMs      int           `mapstructure:"task_timeout_ms"`
	WorkflowTTLMs      int           `mapstructure:"workflow_ttl_ms"`

	Mongo     MongoConfig     `mapstructure:"mongo"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`

	HTTPAddr string `mapstructure:"http_addr"`
}

// TaskTimeout returns TaskTimeoutMs as a time.Duration, for direct use with
// scheduler.WithTaskTimeout.
func (c Config) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutMs) * time.Millisecond
}

// WorkflowTTL returns WorkflowTTLMs as a time.Duration.
func (c Config) WorkflowTTL() time.Duration {
	return time.Duration(c.WorkflowTTLMs) * time.Millisecond
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("enable_speculative", false)
	v.SetDefault("default_tool_limit", 5)
	v.SetDefault("pii_protection.enabled", false)
	v.SetDefault("pii_protection.detokenize_output", false)
	v.SetDefault("cache_config.enabled", true)
	v.SetDefault("cache_config.max_entries", 10000)
	v.SetDefault("cache_config.ttl_seconds", 300)
	v.SetDefault("cache_config.persistence", false)
	v.SetDefault("per_layer_validation", false)
	v.SetDefault("task_timeout_ms", 30000)
	v.SetDefault("workflow_ttl_ms", 3600000)
	v.SetDefault("mongo.database", "hypermcp")
	v.SetDefault("mongo.collection", "checkpoints")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("embedding.provider", "hash")
	v.SetDefault("embedding.dimensions", 256)
	v.SetDefault("embedding.openai_model", "text-embedding-3-small")
	v.SetDefault("embedding.bedrock_region", "us-east-1")
	v.SetDefault("embedding.bedrock_model", "amazon.titan-embed-text-v2:0")
	v.SetDefault("http_addr", ":8765")
}

// Load reads configuration from defaults, then configPath (if non-empty),
// then environment variables prefixed GATEWAY_ (with "." and "-" mapped to
// "_", so GATEWAY_CACHE_CONFIG_ENABLED overrides cache_config.enabled), in
// that order of increasing precedence, same as the teacher's
// file-then-env layering.
func Load(configPath string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("gateway")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %q: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}
