// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger       LoggerConfig       `mapstructure:"logger" yaml:"logger"`
	Database     DatabaseConfig     `mapstructure:"database" yaml:"database"`
	Redis        RedisConfig        `mapstructure:"redis" yaml:"redis"`
	Providers    []ProviderConfig   `mapstructure:"providers" yaml:"providers"`
	Resilience   ResilienceConfig   `mapstructure:"resilience" yaml:"resilience"`
	Cache        CacheConfig        `mapstructure:"cache" yaml:"cache"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator" yaml:"orchestrator"`
	Masking      MaskingConfig      `mapstructure:"masking" yaml:"masking"`
	FastPath     FastPathConfig     `mapstructure:"fast_path" yaml:"fast_path"`
	Patterns     PatternsConfig     `mapstructure:"patterns" yaml:"patterns"`
	Tools        ToolsConfig        `mapstructure:"tools" yaml:"tools"`
	Identity     IdentityConfig     `mapstructure:"identity" yaml:"identity"`
	Metrics      MetricsConfig      `mapstructure:"metrics" yaml:"metrics"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the PostgreSQL connection details.
type DatabaseConfig struct {
	URL      string `mapstructure:"url" yaml:"url"`
	MaxConns int32  `mapstructure:"max_conns" yaml:"max_conns"`
}

// RedisConfig holds the connection details for the key-value store backing
// the dead letter queue, the semantic cache and the reload channel.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"-"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// LLMProvider defines the supported LLM providers.
type LLMProvider string

const (
	ProviderGemini LLMProvider = "gemini"
	ProviderOpenAI LLMProvider = "openai"
)

// ProviderConfig defines one remote model endpoint. Lower Priority values are
// preferred by the circuit breaker.
type ProviderConfig struct {
	Name            string            `mapstructure:"name" yaml:"name"`
	Provider        LLMProvider       `mapstructure:"provider" yaml:"provider"`
	Model           string            `mapstructure:"model" yaml:"model"`
	APIKey          string            `mapstructure:"api_key" yaml:"-"`
	Endpoint        string            `mapstructure:"endpoint" yaml:"endpoint"`
	Priority        int               `mapstructure:"priority" yaml:"priority"`
	APITimeout      time.Duration     `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature     float64           `mapstructure:"temperature" yaml:"temperature"`
	TopP            float32           `mapstructure:"top_p" yaml:"top_p"`
	TopK            int               `mapstructure:"top_k" yaml:"top_k"`
	MaxTokens       int               `mapstructure:"max_tokens" yaml:"max_tokens"`
	RateLimit       float64           `mapstructure:"rate_limit" yaml:"rate_limit"`
	Burst           int               `mapstructure:"burst" yaml:"burst"`
	CostPer1KTokens float64           `mapstructure:"cost_per_1k_tokens" yaml:"cost_per_1k_tokens"`
	SafetyFilters   map[string]string `mapstructure:"safety_filters" yaml:"safety_filters"`
}

// ResilienceConfig groups every knob of the failure-handling layer.
type ResilienceConfig struct {
	Retry    RetryConfig    `mapstructure:"retry" yaml:"retry"`
	Breaker  BreakerConfig  `mapstructure:"breaker" yaml:"breaker"`
	DLQ      DLQConfig      `mapstructure:"dlq" yaml:"dlq"`
	Degraded DegradedConfig `mapstructure:"degraded" yaml:"degraded"`
}

// RetryConfig bounds the exponential backoff of the retry manager.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	MinWait     time.Duration `mapstructure:"min_wait" yaml:"min_wait"`
	MaxWait     time.Duration `mapstructure:"max_wait" yaml:"max_wait"`
	Jitter      float64       `mapstructure:"jitter" yaml:"jitter"`
}

// BreakerConfig tunes per-provider circuit breaking.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	FailureWindow    time.Duration `mapstructure:"failure_window" yaml:"failure_window"`
	CoolDown         time.Duration `mapstructure:"cool_down" yaml:"cool_down"`
	CallTimeout      time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"`
}

// DLQConfig configures the dead letter queue and its background sweep.
type DLQConfig struct {
	KeyPrefix       string `mapstructure:"key_prefix" yaml:"key_prefix"`
	MaxAttempts     int    `mapstructure:"max_attempts" yaml:"max_attempts"`
	SweepSchedule   string `mapstructure:"sweep_schedule" yaml:"sweep_schedule"`
	SweepBatch      int    `mapstructure:"sweep_batch" yaml:"sweep_batch"`
	DefaultPriority int    `mapstructure:"default_priority" yaml:"default_priority"`

	// VisibilityTimeout is how long a dequeued message may stay in processing
	// before a sweep hands it back to the pending set.
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout" yaml:"visibility_timeout"`
}

// DegradedConfig controls when the process enters degraded mode.
type DegradedConfig struct {
	FailureRateThreshold float64       `mapstructure:"failure_rate_threshold" yaml:"failure_rate_threshold"`
	Window               time.Duration `mapstructure:"window" yaml:"window"`
	MinSamples           int           `mapstructure:"min_samples" yaml:"min_samples"`
	AutoClearAfter       time.Duration `mapstructure:"auto_clear_after" yaml:"auto_clear_after"`
}

// CacheConfig configures the semantic response cache.
type CacheConfig struct {
	Enabled             bool            `mapstructure:"enabled" yaml:"enabled"`
	KeyPrefix           string          `mapstructure:"key_prefix" yaml:"key_prefix"`
	DefaultTTL          time.Duration   `mapstructure:"default_ttl" yaml:"default_ttl"`
	WarmTTL             time.Duration   `mapstructure:"warm_ttl" yaml:"warm_ttl"`
	SimilarityThreshold float64         `mapstructure:"similarity_threshold" yaml:"similarity_threshold"`
	MaxCandidates       int             `mapstructure:"max_candidates" yaml:"max_candidates"`
	CompressAbove       int             `mapstructure:"compress_above" yaml:"compress_above"`
	Embeddings          EmbeddingConfig `mapstructure:"embeddings" yaml:"embeddings"`
}

// EmbeddingConfig selects the embedding model used for similarity lookups.
type EmbeddingConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	APIKey   string `mapstructure:"api_key" yaml:"-"`
	Model    string `mapstructure:"model" yaml:"model"`
	TaskType string `mapstructure:"task_type" yaml:"task_type"`
}

// OrchestratorConfig tunes the query pipeline.
type OrchestratorConfig struct {
	AgentName                string        `mapstructure:"agent_name" yaml:"agent_name"`
	SoftDeadline             time.Duration `mapstructure:"soft_deadline" yaml:"soft_deadline"`
	RunTimeout               time.Duration `mapstructure:"run_timeout" yaml:"run_timeout"`
	ToolTimeout              time.Duration `mapstructure:"tool_timeout" yaml:"tool_timeout"`
	ToolConcurrency          int           `mapstructure:"tool_concurrency" yaml:"tool_concurrency"`
	DirectResponseConfidence float64       `mapstructure:"direct_response_confidence" yaml:"direct_response_confidence"`
	LearningThreshold        float64       `mapstructure:"learning_threshold" yaml:"learning_threshold"`
	ClassifyPriority         int           `mapstructure:"classify_priority" yaml:"classify_priority"`
	SynthesizePriority       int           `mapstructure:"synthesize_priority" yaml:"synthesize_priority"`
}

// MaskingConfig holds the outbound vocabulary substitution table.
type MaskingConfig struct {
	Strict          bool              `mapstructure:"strict" yaml:"strict"`
	MaxPasses       int               `mapstructure:"max_passes" yaml:"max_passes"`
	Placeholder     string            `mapstructure:"placeholder" yaml:"placeholder"`
	Substitutions   map[string]string `mapstructure:"substitutions" yaml:"substitutions"`
	ForbiddenTokens []string          `mapstructure:"forbidden_tokens" yaml:"forbidden_tokens"`
}

// FastPathConfig lists the deterministic pre-classification rules.
type FastPathConfig struct {
	Enabled bool           `mapstructure:"enabled" yaml:"enabled"`
	Rules   []FastPathRule `mapstructure:"rules" yaml:"rules"`
}

// FastPathRule is one deterministic rule. Higher Priority rules are tested first.
type FastPathRule struct {
	Name     string `mapstructure:"name" yaml:"name"`
	Kind     string `mapstructure:"kind" yaml:"kind"`
	Pattern  string `mapstructure:"pattern" yaml:"pattern"`
	Response string `mapstructure:"response" yaml:"response"`
	Priority int    `mapstructure:"priority" yaml:"priority"`
}

// PatternsConfig configures learned-pattern storage and hot reload.
type PatternsConfig struct {
	ReloadChannel        string        `mapstructure:"reload_channel" yaml:"reload_channel"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
	ReconnectMinWait     time.Duration `mapstructure:"reconnect_min_wait" yaml:"reconnect_min_wait"`
	ReconnectMaxWait     time.Duration `mapstructure:"reconnect_max_wait" yaml:"reconnect_max_wait"`
	RefreshSchedule      string        `mapstructure:"refresh_schedule" yaml:"refresh_schedule"`
}

// ToolsConfig maps a classification category to the data-fetch tools it runs.
type ToolsConfig struct {
	Categories map[string][]ToolConfig `mapstructure:"categories" yaml:"categories"`
}

// ToolConfig describes one HTTP data-fetch tool.
type ToolConfig struct {
	Name    string            `mapstructure:"name" yaml:"name"`
	URL     string            `mapstructure:"url" yaml:"url"`
	Method  string            `mapstructure:"method" yaml:"method"`
	Headers map[string]string `mapstructure:"headers" yaml:"headers"`
	Timeout time.Duration     `mapstructure:"timeout" yaml:"timeout"`
}

// IdentityConfig configures bearer-token resolution of the caller's level.
type IdentityConfig struct {
	SigningKey   string `mapstructure:"signing_key" yaml:"-"`
	Issuer       string `mapstructure:"issuer" yaml:"issuer"`
	DefaultLevel string `mapstructure:"default_level" yaml:"default_level"`
}

// MetricsConfig configures the Prometheus exporter.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" yaml:"address"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	cfg.applyDerivedDefaults()
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "querycore")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Stores --
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	// -- Resilience --
	v.SetDefault("resilience.retry.max_attempts", 3)
	v.SetDefault("resilience.retry.min_wait", "500ms")
	v.SetDefault("resilience.retry.max_wait", "10s")
	v.SetDefault("resilience.retry.jitter", 0.5)
	v.SetDefault("resilience.breaker.failure_threshold", 3)
	v.SetDefault("resilience.breaker.failure_window", "1m")
	v.SetDefault("resilience.breaker.cool_down", "30s")
	v.SetDefault("resilience.breaker.call_timeout", "30s")
	v.SetDefault("resilience.dlq.key_prefix", "querycore:dlq")
	v.SetDefault("resilience.dlq.max_attempts", 5)
	v.SetDefault("resilience.dlq.sweep_schedule", "@every 1m")
	v.SetDefault("resilience.dlq.sweep_batch", 10)
	v.SetDefault("resilience.dlq.default_priority", 5)
	v.SetDefault("resilience.dlq.visibility_timeout", "15m")
	v.SetDefault("resilience.degraded.failure_rate_threshold", 0.5)
	v.SetDefault("resilience.degraded.window", "2m")
	v.SetDefault("resilience.degraded.min_samples", 10)
	v.SetDefault("resilience.degraded.auto_clear_after", "5m")

	// -- Cache --
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.key_prefix", "querycore:cache")
	v.SetDefault("cache.default_ttl", "10m")
	v.SetDefault("cache.warm_ttl", "1h")
	v.SetDefault("cache.similarity_threshold", 0.92)
	v.SetDefault("cache.max_candidates", 200)
	v.SetDefault("cache.compress_above", 4096)
	v.SetDefault("cache.embeddings.enabled", false)
	v.SetDefault("cache.embeddings.model", "gemini-embedding-001")
	v.SetDefault("cache.embeddings.task_type", "SEMANTIC_SIMILARITY")

	// -- Orchestrator --
	v.SetDefault("orchestrator.agent_name", "intelligence-engine")
	v.SetDefault("orchestrator.soft_deadline", "20s")
	v.SetDefault("orchestrator.run_timeout", "2m")
	v.SetDefault("orchestrator.tool_timeout", "10s")
	v.SetDefault("orchestrator.tool_concurrency", 8)
	v.SetDefault("orchestrator.direct_response_confidence", 0.9)
	v.SetDefault("orchestrator.learning_threshold", 0.9)
	v.SetDefault("orchestrator.classify_priority", 7)
	v.SetDefault("orchestrator.synthesize_priority", 5)

	// -- Masking --
	v.SetDefault("masking.strict", false)
	v.SetDefault("masking.max_passes", 3)
	v.SetDefault("masking.placeholder", "[internal detail]")

	// -- Fast Path --
	v.SetDefault("fast_path.enabled", true)

	// -- Patterns --
	v.SetDefault("patterns.reload_channel", "querycore:patterns:reload")
	v.SetDefault("patterns.max_reconnect_attempts", 10)
	v.SetDefault("patterns.reconnect_min_wait", "500ms")
	v.SetDefault("patterns.reconnect_max_wait", "30s")
	v.SetDefault("patterns.refresh_schedule", "@every 15m")

	// -- Identity --
	v.SetDefault("identity.issuer", "querycore")
	v.SetDefault("identity.default_level", "business")

	// -- Metrics --
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.address", ":9464")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data.
	_ = v.BindEnv("database.url", "QUERYCORE_DATABASE_URL")
	_ = v.BindEnv("redis.password", "QUERYCORE_REDIS_PASSWORD")
	_ = v.BindEnv("cache.embeddings.api_key", "QUERYCORE_EMBEDDINGS_API_KEY")
	_ = v.BindEnv("identity.signing_key", "QUERYCORE_IDENTITY_SIGNING_KEY")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Provider keys live in the environment, one variable per provider name.
	for i := range cfg.Providers {
		if cfg.Providers[i].APIKey == "" {
			cfg.Providers[i].APIKey = os.Getenv(ProviderKeyEnv(cfg.Providers[i].Name))
		}
	}
	cfg.applyDerivedDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ProviderKeyEnv names the environment variable holding a provider's API key.
func ProviderKeyEnv(name string) string {
	return "QUERYCORE_PROVIDER_" + envSafe(name) + "_API_KEY"
}

func envSafe(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
			out = append(out, c-'a'+'A')
		case (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9'):
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func (c *Config) applyDerivedDefaults() {
	if len(c.FastPath.Rules) == 0 {
		c.FastPath.Rules = DefaultFastPathRules()
	}
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.APITimeout <= 0 {
			p.APITimeout = c.Resilience.Breaker.CallTimeout
		}
		if p.Burst <= 0 {
			p.Burst = 1
		}
	}
}

// DefaultFastPathRules are the rules applied when the config names none.
func DefaultFastPathRules() []FastPathRule {
	return []FastPathRule{
		{
			Name:     "forbidden_content",
			Kind:     "forbidden",
			Pattern:  `(?i)(ignore (all )?previous instructions|drop\s+table|reveal (your|the) (system )?prompt)`,
			Response: "I can't help with that request.",
			Priority: 100,
		},
		{
			Name:     "greeting",
			Kind:     "greeting",
			Pattern:  `(?i)^\s*(hi|hello|hey|good (morning|afternoon|evening))[\s!.,]*$`,
			Response: "Hello! How can I help you today?",
			Priority: 10,
		},
	}
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	names := make(map[string]struct{}, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers: every provider needs a name")
		}
		if _, dup := names[p.Name]; dup {
			return fmt.Errorf("providers: duplicate provider name %q", p.Name)
		}
		names[p.Name] = struct{}{}
	}
	if err := c.Resilience.Validate(); err != nil {
		return fmt.Errorf("resilience configuration invalid: %w", err)
	}
	if err := c.Orchestrator.Validate(); err != nil {
		return fmt.Errorf("orchestrator configuration invalid: %w", err)
	}
	if c.Masking.MaxPasses <= 0 {
		return fmt.Errorf("masking.max_passes must be a positive integer")
	}
	if c.Cache.SimilarityThreshold < 0 || c.Cache.SimilarityThreshold > 1 {
		return fmt.Errorf("cache.similarity_threshold must be between 0.0 and 1.0")
	}
	return nil
}

// Validate checks the resilience settings.
func (r *ResilienceConfig) Validate() error {
	if r.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be a positive integer")
	}
	if r.Retry.MinWait <= 0 || r.Retry.MaxWait < r.Retry.MinWait {
		return fmt.Errorf("retry.min_wait must be positive and not exceed retry.max_wait")
	}
	if r.Retry.Jitter < 0 || r.Retry.Jitter >= 1 {
		return fmt.Errorf("retry.jitter must be in [0.0, 1.0)")
	}
	if r.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be a positive integer")
	}
	if r.Breaker.CoolDown <= 0 || r.Breaker.CallTimeout <= 0 {
		return fmt.Errorf("breaker.cool_down and breaker.call_timeout must be positive durations")
	}
	if r.DLQ.MaxAttempts <= 0 || r.DLQ.SweepBatch <= 0 {
		return fmt.Errorf("dlq.max_attempts and dlq.sweep_batch must be positive integers")
	}
	if r.DLQ.VisibilityTimeout <= r.Breaker.CallTimeout*time.Duration(r.DLQ.SweepBatch+1) {
		return fmt.Errorf("dlq.visibility_timeout must exceed the sweep budget of breaker.call_timeout per batch message")
	}
	if r.Degraded.FailureRateThreshold <= 0 || r.Degraded.FailureRateThreshold > 1 {
		return fmt.Errorf("degraded.failure_rate_threshold must be in (0.0, 1.0]")
	}
	return nil
}

// Validate checks the orchestrator settings.
func (o *OrchestratorConfig) Validate() error {
	if o.AgentName == "" {
		return fmt.Errorf("agent_name is required")
	}
	if o.SoftDeadline <= 0 || o.RunTimeout < o.SoftDeadline {
		return fmt.Errorf("soft_deadline must be positive and not exceed run_timeout")
	}
	if o.LearningThreshold < 0 || o.LearningThreshold > 1 {
		return fmt.Errorf("learning_threshold must be between 0.0 and 1.0")
	}
	if o.DirectResponseConfidence < 0 || o.DirectResponseConfidence > 1 {
		return fmt.Errorf("direct_response_confidence must be between 0.0 and 1.0")
	}
	if o.ToolConcurrency <= 0 {
		return fmt.Errorf("tool_concurrency must be a positive integer")
	}
	return nil
}
