package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.HTTPPort != 8000 {
		t.Errorf("HTTPPort = %d, want 8000", cfg.Server.HTTPPort)
	}
	if cfg.LLM.Ollama.BaseURL != "http://localhost:11434" {
		t.Errorf("Ollama.BaseURL = %q", cfg.LLM.Ollama.BaseURL)
	}
	if cfg.LLM.Ollama.Timeout != 2*time.Minute {
		t.Errorf("Ollama.Timeout = %v, want 2m", cfg.LLM.Ollama.Timeout)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging defaults = %+v", cfg.Logging)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.yaml")
	body := `
server:
  host: 127.0.0.1
  http_port: 9001
database:
  path: ":memory:"
llm:
  default_model: openai-gpt4o
  ollama:
    base_url: http://ollama:11434
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.HTTPPort != 9001 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Database.Path != ":memory:" {
		t.Errorf("database path = %q", cfg.Database.Path)
	}
	if cfg.LLM.Ollama.BaseURL != "http://ollama:11434" {
		t.Errorf("ollama base url = %q", cfg.LLM.Ollama.BaseURL)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Path != "loom.db" {
		t.Errorf("database path = %q, want loom.db", cfg.Database.Path)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("LOOM_EXAMPLES_JSON", "/tmp/examples.json")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pipelines.ExamplesPath != "/tmp/examples.json" {
		t.Errorf("ExamplesPath = %q", cfg.Pipelines.ExamplesPath)
	}
}
