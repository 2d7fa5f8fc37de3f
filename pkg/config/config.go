// Package config loads the application configuration: a YAML file with
// ${VAR} environment expansion, .env loading, defaults, and validation.
package config

import (
	"fmt"
	"os"
	"regexp"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/storyloom/storyloom/pkg/llm"
	"github.com/storyloom/storyloom/pkg/state"
)

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig locates the persistent trees.
type StorageConfig struct {
	DataDir   string `yaml:"data_dir"`
	DesignDir string `yaml:"design_dir"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the root application configuration.
type Config struct {
	Server          ServerConfig       `yaml:"server"`
	Provider        llm.ProviderConfig `yaml:"provider"`
	Storage         StorageConfig      `yaml:"storage"`
	Logging         LoggingConfig      `yaml:"logging"`
	StateReviewMode string             `yaml:"state_review_mode"`
}

// SetDefaults fills zero-value fields.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "data"
	}
	if c.Storage.DesignDir == "" {
		c.Storage.DesignDir = "story_design"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.StateReviewMode == "" {
		if mode := os.Getenv("STATE_REVIEW_MODE"); mode != "" {
			c.StateReviewMode = mode
		} else {
			c.StateReviewMode = state.ReviewDeterministicOnly
		}
	}
	c.Provider.SetDefaults()
}

// Validate rejects configurations the runtime cannot honor.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	switch c.StateReviewMode {
	case state.ReviewOff, state.ReviewDeterministicOnly, state.ReviewLLMShadow, state.ReviewLLMEnforce:
	default:
		return fmt.Errorf("invalid state_review_mode: %q", c.StateReviewMode)
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${VAR} references with environment values. Unset
// variables expand to the empty string.
func expandEnv(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envVarPattern.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Load reads a config file, expanding ${VAR} references after loading .env.
// A missing path yields the defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		} else if err := yaml.Unmarshal(expandEnv(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
