// Package config handles Orla configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./orla.yaml, ~/.config/orla/orla.yaml, /etc/orla/orla.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"orla.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "orla", "orla.yaml"))
	}

	paths = append(paths, "/etc/orla/orla.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Orla configuration. Validation happens once in Load;
// components receive an already-validated Config and do not re-check.
type Config struct {
	Models        ModelsConfig            `yaml:"models"`
	Anthropic     AnthropicConfig         `yaml:"anthropic"`
	OpenAI        OpenAIConfig            `yaml:"openai"`
	Embeddings    EmbeddingsConfig        `yaml:"embeddings"`
	Retrieval     RetrievalConfig         `yaml:"retrieval"`
	Agent         AgentConfig             `yaml:"agent"`
	Budget        BudgetConfig            `yaml:"budget"`
	Sync          SyncConfig              `yaml:"sync"`
	Vault         VaultConfig             `yaml:"vault"`
	HomeAssistant HomeAssistantConfig     `yaml:"homeassistant"`
	MQTT          MQTTConfig              `yaml:"mqtt"`
	Pricing       map[string]PricingEntry `yaml:"pricing"`
	DataDir       string                  `yaml:"data_dir"`
	LogLevel      string                  `yaml:"log_level"`
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	Default   string `yaml:"default"`
	OllamaURL string `yaml:"ollama_url"`
	// Providers maps a model name to its provider ("anthropic", "openai",
	// "ollama"). Models not listed route to Ollama.
	Providers map[string]string `yaml:"providers"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// OpenAIConfig defines OpenAI API settings.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // override for compatible gateways
}

// EmbeddingsConfig defines embedding generation settings.
type EmbeddingsConfig struct {
	Model   string `yaml:"model"`   // embedding model name (e.g., nomic-embed-text)
	BaseURL string `yaml:"baseurl"` // Ollama URL (defaults to models.ollama_url)
	// RequestsPerSecond throttles embedding calls. Zero disables throttling.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	// BatchSize caps texts per embedding request.
	BatchSize int `yaml:"batch_size"`
}

// RetrievalConfig defines chunking and search settings.
type RetrievalConfig struct {
	ChunkSize    int `yaml:"chunk_size"`    // tokens per chunk
	ChunkOverlap int `yaml:"chunk_overlap"` // tokens shared between adjacent chunks
	TopK         int `yaml:"top_k"`         // results returned per query
}

// EnforcementMode controls what happens when the conversation requires a
// tool call and the model answers with plain text anyway.
type EnforcementMode string

const (
	// EnforceHard fails the exchange when retries are exhausted.
	EnforceHard EnforcementMode = "hard"
	// EnforceSoft accepts the text-only answer when retries are exhausted.
	EnforceSoft EnforcementMode = "soft"
)

// VerifyMode controls read-after-write verification of mutating tools.
type VerifyMode string

const (
	VerifyOff    VerifyMode = "off"
	VerifySoft   VerifyMode = "soft"   // mismatch is logged, result stands
	VerifyStrict VerifyMode = "strict" // persistent mismatch fails the tool result
)

// AgentConfig defines the tool-call loop settings.
type AgentConfig struct {
	Enforcement        EnforcementMode `yaml:"enforcement"`
	EnforcementRetries int             `yaml:"enforcement_retries"`
	MaxIterations      int             `yaml:"max_iterations"`
	ToolTimeout        Duration        `yaml:"tool_timeout"`
	ProviderRetries    int             `yaml:"provider_retries"`
	Verify             VerifyMode      `yaml:"verify"`
	VerifyRetries      int             `yaml:"verify_retries"`
	VerifyRetryDelay   Duration        `yaml:"verify_retry_delay"`
	KeepRecentTurns    int             `yaml:"keep_recent_turns"`
	ContextTokens      int             `yaml:"context_tokens"`
	MaxOutputTokens    int             `yaml:"max_output_tokens"`
}

// BudgetConfig defines spending limits.
type BudgetConfig struct {
	// DefaultCeilingUSD applies to conversations created without an
	// explicit ceiling. Zero means unlimited.
	DefaultCeilingUSD float64 `yaml:"default_ceiling_usd"`
}

// SyncConfig defines the background knowledge sync.
type SyncConfig struct {
	Interval      Duration `yaml:"interval"`
	OnStartup     bool     `yaml:"on_startup"`
	Exclude       []string `yaml:"exclude"`        // path prefixes skipped during sync
	WatchDebounce Duration `yaml:"watch_debounce"` // quiet period after a vault file event
	RetentionDays int      `yaml:"retention_days"` // conversations older than this are removed
}

// VaultConfig defines the knowledge vault location.
type VaultConfig struct {
	Path string `yaml:"path"`
	// DailyNotesFolder receives daily-note appends, relative to Path.
	DailyNotesFolder string `yaml:"daily_notes_folder"`
}

// HomeAssistantConfig defines HA connection settings.
type HomeAssistantConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// MQTTConfig defines the MQTT broker connection for direct device commands.
type MQTTConfig struct {
	BrokerURL   string `yaml:"broker_url"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// PricingEntry is the USD price per million tokens for one model.
// Models absent from the pricing table cost nothing (local models).
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// Load reads configuration from a YAML file, expands ${ENV} references,
// applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		Models: ModelsConfig{
			Default:   "qwen3:8b",
			OllamaURL: "http://localhost:11434",
		},
		Embeddings: EmbeddingsConfig{
			Model:     "nomic-embed-text",
			BatchSize: 16,
		},
		Retrieval: RetrievalConfig{
			ChunkSize:    500,
			ChunkOverlap: 50,
			TopK:         5,
		},
		Agent: AgentConfig{
			Enforcement:        EnforceSoft,
			EnforcementRetries: 1,
			MaxIterations:      10,
			ToolTimeout:        Duration(30 * time.Second),
			ProviderRetries:    2,
			Verify:             VerifySoft,
			VerifyRetries:      2,
			VerifyRetryDelay:   Duration(500 * time.Millisecond),
			KeepRecentTurns:    4,
			ContextTokens:      8000,
			MaxOutputTokens:    4096,
		},
		Sync: SyncConfig{
			Interval:      Duration(15 * time.Minute),
			OnStartup:     true,
			WatchDebounce: Duration(5 * time.Second),
			RetentionDays: 365,
		},
		Vault: VaultConfig{
			DailyNotesFolder: "Calendar/Daily",
		},
		Pricing:  DefaultPricing(),
		DataDir:  "data",
		LogLevel: "info",
	}
}

// DefaultPricing returns the built-in price table. Local Ollama models are
// intentionally absent.
func DefaultPricing() map[string]PricingEntry {
	return map[string]PricingEntry{
		"claude-sonnet-4-20250514":  {InputPerMillion: 3.00, OutputPerMillion: 15.00},
		"claude-3-5-haiku-20241022": {InputPerMillion: 0.80, OutputPerMillion: 4.00},
		"gpt-4o":                    {InputPerMillion: 2.50, OutputPerMillion: 10.00},
		"gpt-4o-mini":               {InputPerMillion: 0.15, OutputPerMillion: 0.60},
	}
}

// Validate checks option ranges and enum values.
func (c *Config) Validate() error {
	if c.Retrieval.ChunkSize <= 0 {
		return fmt.Errorf("retrieval.chunk_size must be positive, got %d", c.Retrieval.ChunkSize)
	}
	if c.Retrieval.ChunkOverlap < 0 || c.Retrieval.ChunkOverlap >= c.Retrieval.ChunkSize {
		return fmt.Errorf("retrieval.chunk_overlap must be in [0, chunk_size), got %d", c.Retrieval.ChunkOverlap)
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("retrieval.top_k must be positive, got %d", c.Retrieval.TopK)
	}
	switch c.Agent.Enforcement {
	case EnforceHard, EnforceSoft:
	default:
		return fmt.Errorf("agent.enforcement must be hard or soft, got %q", c.Agent.Enforcement)
	}
	switch c.Agent.Verify {
	case VerifyOff, VerifySoft, VerifyStrict:
	default:
		return fmt.Errorf("agent.verify must be off, soft, or strict, got %q", c.Agent.Verify)
	}
	if c.Agent.EnforcementRetries < 0 {
		return fmt.Errorf("agent.enforcement_retries must be >= 0, got %d", c.Agent.EnforcementRetries)
	}
	if c.Agent.MaxIterations < 1 {
		return fmt.Errorf("agent.max_iterations must be >= 1, got %d", c.Agent.MaxIterations)
	}
	if c.Budget.DefaultCeilingUSD < 0 {
		return fmt.Errorf("budget.default_ceiling_usd must be >= 0, got %f", c.Budget.DefaultCeilingUSD)
	}
	if c.Sync.Interval.Std() < time.Minute {
		return fmt.Errorf("sync.interval must be at least 1m, got %s", c.Sync.Interval)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}
