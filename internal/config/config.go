// Package config provides application configuration with multi-source
// priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.quarry/config.yaml or ./config.yaml)
//  3. Default values
//
// Main categories:
//   - AI: provider, model, embedder
//   - Storage: PostgreSQL connection (see storage.go)
//   - Pipeline: stage gates, timeouts, budgets
//   - Routing: strategy, threshold, fallback, connection descriptors
//
// Security: passwords are masked in MarshalJSON/String. Validation uses
// sentinel errors checkable with errors.Is().
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/quarrylabs/quarry/internal/router"
)

var (
	// ErrMissingAPIKey indicates a required API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidProvider indicates the AI provider is not supported.
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrInvalidModelName indicates the model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidThreshold indicates the routing threshold is out of [0,1].
	ErrInvalidThreshold = errors.New("invalid routing threshold")

	// ErrInvalidStrategy indicates an unknown routing strategy.
	ErrInvalidStrategy = errors.New("invalid routing strategy")

	// ErrInvalidFallback indicates an unknown fallback policy.
	ErrInvalidFallback = errors.New("invalid fallback policy")

	// ErrDuplicateConnection indicates two descriptors share an ID.
	ErrDuplicateConnection = errors.New("duplicate connection id")
)

// AI provider identifiers used in Config.Provider.
const (
	ProviderGemini   = "gemini"
	ProviderOllama   = "ollama"
	ProviderOpenAI   = "openai"
	ProviderGoogleAI = "googleai"
)

// RoutingConfig configures the database router.
type RoutingConfig struct {
	Strategy  string  `mapstructure:"strategy" json:"strategy"`
	Fallback  string  `mapstructure:"fallback" json:"fallback"`
	Threshold float64 `mapstructure:"threshold" json:"threshold"`
	TopN      int     `mapstructure:"top_n" json:"top_n"`
	LLMAssist bool    `mapstructure:"llm_assist" json:"llm_assist"`
}

// PipelineConfig gates optional stages and bounds external calls.
type PipelineConfig struct {
	RefineQuestion     bool `mapstructure:"refine_question" json:"refine_question"`
	ClarifyCheck       bool `mapstructure:"clarify_check" json:"clarify_check"`
	DatabaseRouting    bool `mapstructure:"database_routing" json:"database_routing"`
	GenerateTitle      bool `mapstructure:"generate_title" json:"generate_title"`
	CapabilityTimeout  int  `mapstructure:"capability_timeout_seconds" json:"capability_timeout_seconds"`
	SynthesisTimeout   int  `mapstructure:"synthesis_timeout_seconds" json:"synthesis_timeout_seconds"`
	MaxQueryRows       int  `mapstructure:"max_query_rows" json:"max_query_rows"`
	HistoryTokenBudget int  `mapstructure:"history_token_budget" json:"history_token_budget"`
	RetrievalTopK      int  `mapstructure:"retrieval_top_k" json:"retrieval_top_k"`
}

// Config stores application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON().
type Config struct {
	// AI provider and model configuration
	Provider      string `mapstructure:"provider" json:"provider"` // "gemini" (default), "ollama", "openai"
	ModelName     string `mapstructure:"model_name" json:"model_name"`
	EmbedderModel string `mapstructure:"embedder_model" json:"embedder_model"`
	PromptDir     string `mapstructure:"prompt_dir" json:"prompt_dir"`
	OllamaHost    string `mapstructure:"ollama_host" json:"ollama_host"`

	// Storage configuration (see storage.go)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// HTTP server
	Addr string `mapstructure:"addr" json:"addr"`

	// Pipeline and routing
	Pipeline    PipelineConfig      `mapstructure:"pipeline" json:"pipeline"`
	Routing     RoutingConfig       `mapstructure:"routing" json:"routing"`
	Connections []router.Descriptor `mapstructure:"connections" json:"connections"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > defaults.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}
	configDir := filepath.Join(home, ".quarry")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults() {
	// AI defaults
	viper.SetDefault("provider", ProviderGemini)
	viper.SetDefault("model_name", "gemini-2.5-flash")
	viper.SetDefault("embedder_model", "gemini-embedding-001")
	viper.SetDefault("ollama_host", "http://localhost:11434")

	// PostgreSQL defaults (matching docker-compose.yml)
	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "quarry")
	viper.SetDefault("postgres_password", "quarry_dev_password")
	viper.SetDefault("postgres_db_name", "quarry")
	viper.SetDefault("postgres_ssl_mode", "disable")

	// HTTP server
	viper.SetDefault("addr", "127.0.0.1:3500")

	// Pipeline defaults
	viper.SetDefault("pipeline.refine_question", true)
	viper.SetDefault("pipeline.clarify_check", false)
	viper.SetDefault("pipeline.database_routing", false)
	viper.SetDefault("pipeline.generate_title", true)
	viper.SetDefault("pipeline.capability_timeout_seconds", 15)
	viper.SetDefault("pipeline.synthesis_timeout_seconds", 120)
	viper.SetDefault("pipeline.max_query_rows", 100)
	viper.SetDefault("pipeline.history_token_budget", 8000)
	viper.SetDefault("pipeline.retrieval_top_k", 5)

	// Routing defaults
	viper.SetDefault("routing.strategy", string(router.StrategySingleBest))
	viper.SetDefault("routing.fallback", string(router.FallbackNone))
	viper.SetDefault("routing.threshold", 0.3)
	viper.SetDefault("routing.top_n", 3)
	viper.SetDefault("routing.llm_assist", false)
}

// bindEnvVariables binds environment overrides explicitly.
// GEMINI_API_KEY and OPENAI_API_KEY are read directly by Genkit, not via
// Viper; Validate() checks their presence for the selected provider.
func bindEnvVariables() {
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("provider", "QUARRY_PROVIDER")
	mustBind("model_name", "QUARRY_MODEL_NAME")
	mustBind("ollama_host", "QUARRY_OLLAMA_HOST")
	mustBind("addr", "QUARRY_ADDR")
	mustBind("pipeline.database_routing", "QUARRY_DATABASE_ROUTING")
	mustBind("routing.strategy", "QUARRY_ROUTING_STRATEGY")
}

// maskedValue is the placeholder for masked sensitive data. Full-width
// blocks avoid substring matches against real secret fragments.
const maskedValue = "████████"

// maskSecret masks a secret for safe logging. Secrets of 8 chars or fewer
// are fully masked; longer ones keep two characters of each end.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with sensitive field masking.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// FullModelName returns the provider-qualified model name for Genkit.
// If ModelName already contains a "/", it is returned as-is.
func (c *Config) FullModelName() string {
	if strings.Contains(c.ModelName, "/") {
		return c.ModelName
	}
	switch c.Provider {
	case ProviderOllama:
		return ProviderOllama + "/" + c.ModelName
	case ProviderOpenAI:
		return ProviderOpenAI + "/" + c.ModelName
	default:
		return ProviderGoogleAI + "/" + c.ModelName
	}
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
