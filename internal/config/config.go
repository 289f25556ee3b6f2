// Package config holds server configuration and the pipeline graph model.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for Loom.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	LLM       LLMConfig       `yaml:"llm"`
	Pipelines PipelinesConfig `yaml:"pipelines"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Host     string `yaml:"host"`
	HTTPPort int    `yaml:"http_port"`
}

type DatabaseConfig struct {
	// Path is the SQLite database file; ":memory:" for ephemeral stores.
	Path string `yaml:"path"`
}

type LLMConfig struct {
	Anthropic AnthropicConfig `yaml:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Ollama    OllamaConfig    `yaml:"ollama"`

	// DefaultModel is the catalog id used when a request names no model.
	DefaultModel string `yaml:"default_model"`

	// MaxTokens caps completion length; 0 uses provider defaults.
	MaxTokens int `yaml:"max_tokens"`
}

type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

type OllamaConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type PipelinesConfig struct {
	// PresetDir holds built-in pipeline definitions, one JSON file each.
	PresetDir string `yaml:"preset_dir"`

	// ExamplesPath seeds the user pipeline table when it is empty.
	ExamplesPath string `yaml:"examples_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads configuration from a YAML file, expands ${ENV_VAR} references,
// applies environment overrides and fills defaults. A missing file is not an
// error; the defaults plus environment are used.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// fall through to defaults
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			expanded := os.ExpandEnv(string(data))
			if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && c.LLM.Anthropic.APIKey == "" {
		c.LLM.Anthropic.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && c.LLM.OpenAI.APIKey == "" {
		c.LLM.OpenAI.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" && c.LLM.OpenAI.BaseURL == "" {
		c.LLM.OpenAI.BaseURL = v
	}
	if v := os.Getenv("OLLAMA_BASE_URL"); v != "" && c.LLM.Ollama.BaseURL == "" {
		c.LLM.Ollama.BaseURL = v
	}
	if v := os.Getenv("LOOM_EXAMPLES_JSON"); v != "" && c.Pipelines.ExamplesPath == "" {
		c.Pipelines.ExamplesPath = v
	}
	if v := os.Getenv("LOOM_DB_PATH"); v != "" && c.Database.Path == "" {
		c.Database.Path = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = 8000
	}
	if c.Database.Path == "" {
		c.Database.Path = "loom.db"
	}
	if c.LLM.Ollama.BaseURL == "" {
		c.LLM.Ollama.BaseURL = "http://localhost:11434"
	}
	if c.LLM.Ollama.Timeout <= 0 {
		c.LLM.Ollama.Timeout = 2 * time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}
