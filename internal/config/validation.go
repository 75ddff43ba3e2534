package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/quarrylabs/quarry/internal/router"
)

// Validate checks the configuration for consistency and required values.
// Errors wrap the package sentinel errors so callers can use errors.Is().
func (c *Config) Validate() error {
	if err := c.validateAI(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateRouting(); err != nil {
		return err
	}
	return c.validateConnections()
}

func (c *Config) validateAI() error {
	switch c.Provider {
	case ProviderGemini, ProviderGoogleAI:
		if os.Getenv("GEMINI_API_KEY") == "" && os.Getenv("GOOGLE_API_KEY") == "" {
			return fmt.Errorf("%w: GEMINI_API_KEY or GOOGLE_API_KEY required for provider %q", ErrMissingAPIKey, c.Provider)
		}
	case ProviderOpenAI:
		if os.Getenv("OPENAI_API_KEY") == "" {
			return fmt.Errorf("%w: OPENAI_API_KEY required for provider %q", ErrMissingAPIKey, c.Provider)
		}
	case ProviderOllama:
		if c.OllamaHost == "" {
			return fmt.Errorf("%w: ollama_host must not be empty for provider %q", ErrInvalidProvider, c.Provider)
		}
	default:
		return fmt.Errorf("%w: %q (supported: gemini, ollama, openai)", ErrInvalidProvider, c.Provider)
	}

	if strings.TrimSpace(c.ModelName) == "" {
		return fmt.Errorf("%w: model_name must not be empty", ErrInvalidModelName)
	}
	return nil
}

func (c *Config) validateStorage() error {
	if strings.TrimSpace(c.PostgresHost) == "" {
		return fmt.Errorf("%w: postgres_host must not be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: %d (must be 1-65535)", ErrInvalidPostgresPort, c.PostgresPort)
	}
	return nil
}

func (c *Config) validateRouting() error {
	if c.Routing.Threshold < 0 || c.Routing.Threshold > 1 {
		return fmt.Errorf("%w: %g (must be in [0,1])", ErrInvalidThreshold, c.Routing.Threshold)
	}

	switch router.Strategy(c.Routing.Strategy) {
	case router.StrategySingleBest, router.StrategyTopN, router.StrategyAllQualified,
		router.StrategyContextual, router.StrategyManual:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStrategy, c.Routing.Strategy)
	}

	switch router.Fallback(c.Routing.Fallback) {
	case router.FallbackNone, router.FallbackPrimary, router.FallbackAny:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidFallback, c.Routing.Fallback)
	}
	return nil
}

func (c *Config) validateConnections() error {
	seen := make(map[string]struct{}, len(c.Connections))
	for _, d := range c.Connections {
		if strings.TrimSpace(d.ID) == "" {
			return fmt.Errorf("%w: connection with empty id", ErrDuplicateConnection)
		}
		if _, ok := seen[d.ID]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateConnection, d.ID)
		}
		seen[d.ID] = struct{}{}
	}
	return nil
}
