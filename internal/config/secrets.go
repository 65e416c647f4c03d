package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Credentials are read only from the environment and never written to config files
type Credentials struct {
	TrackerToken   string
	AnthropicKey   string
	EmbeddingKey   string
	QdrantAPIKey   string
	AnthropicModel string
}

// CredentialsFromEnv reads collaborator credentials.
// GITHUB_TOKEN, ANTHROPIC_API_KEY and OPENAI_API_KEY are honored as fallbacks.
func CredentialsFromEnv() Credentials {
	var c Credentials
	parseEnvString("GITHUB_TOKEN", &c.TrackerToken)
	parseEnvString(EnvPrefix+"_TRACKER_TOKEN", &c.TrackerToken)
	parseEnvString("ANTHROPIC_API_KEY", &c.AnthropicKey)
	parseEnvString(EnvPrefix+"_ANTHROPIC_API_KEY", &c.AnthropicKey)
	parseEnvString("OPENAI_API_KEY", &c.EmbeddingKey)
	parseEnvString(EnvPrefix+"_EMBEDDING_API_KEY", &c.EmbeddingKey)
	parseEnvString(EnvPrefix+"_QDRANT_API_KEY", &c.QdrantAPIKey)
	parseEnvString(EnvPrefix+"_ANTHROPIC_MODEL", &c.AnthropicModel)
	return c
}

// OverridesFromEnv applies the few settings that operators commonly flip per
// invocation without editing the config file. Viper already maps every key to
// BOUNTYD_<SECTION>_<KEY>; these are shorter aliases.
func OverridesFromEnv(cfg *Config) error {
	if err := parseEnvString(EnvPrefix+"_DB", &cfg.DatabasePath); err != nil {
		return err
	}
	if err := parseEnvInt(EnvPrefix+"_WORKERS", &cfg.Pipeline.Workers); err != nil {
		return err
	}
	var noNotify bool
	if err := parseEnvBool(EnvPrefix+"_NO_NOTIFY", &noNotify); err != nil {
		return err
	}
	if noNotify {
		cfg.Notify.Enabled = false
	}
	if err := parseEnvDuration(EnvPrefix+"_CADENCE", &cfg.Window.Cadence); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration from environment: %w", err)
	}
	return nil
}

// parseEnvInt parses an int from an environment variable
func parseEnvInt(key string, dest *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvBool parses a bool from an environment variable
func parseEnvBool(key string, dest *bool) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvDuration parses a duration like "90m" from an environment variable
func parseEnvDuration(key string, dest *time.Duration) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvString parses a string from an environment variable
func parseEnvString(key string, dest *string) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	*dest = value
	return nil
}
