package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Sandbox.Backend != "process" {
		t.Errorf("Sandbox.Backend = %q, want process", cfg.Sandbox.Backend)
	}
	if cfg.Sandbox.DefaultTimeout != 10*time.Second {
		t.Errorf("Sandbox.DefaultTimeout = %s, want 10s", cfg.Sandbox.DefaultTimeout)
	}
	if cfg.Sandbox.DefaultLimits.MemoryMB != 128 {
		t.Errorf("DefaultLimits.MemoryMB = %d, want 128", cfg.Sandbox.DefaultLimits.MemoryMB)
	}
	if cfg.Sandbox.DefaultLimits.CPUSeconds != 2 || cfg.Sandbox.DefaultLimits.MaxProcs != 10 {
		t.Errorf("DefaultLimits = %+v, want cpu 2 / procs 10", cfg.Sandbox.DefaultLimits)
	}
	if !cfg.Sandbox.IsolateNetwork {
		t.Error("Sandbox.IsolateNetwork should default to true")
	}
	if cfg.FixLoop.DefaultAttempts != 3 || cfg.FixLoop.MaxAttempts != 10 {
		t.Errorf("FixLoop = %+v, want default 3 max 10", cfg.FixLoop)
	}
	if cfg.Generator.MaxTokens != 300 {
		t.Errorf("Generator.MaxTokens = %d, want 300", cfg.Generator.MaxTokens)
	}
	if cfg.Generator.Temperature != 0.7 || cfg.Generator.RetryTemperature != 0.3 {
		t.Errorf("temperatures = %v/%v, want 0.7/0.3", cfg.Generator.Temperature, cfg.Generator.RetryTemperature)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"server port 0", func(c *Config) { c.Server.Port = 0 }, true},
		{"server port 99999", func(c *Config) { c.Server.Port = 99999 }, true},
		{"unknown backend", func(c *Config) { c.Sandbox.Backend = "firecracker" }, true},
		{"docker backend", func(c *Config) { c.Sandbox.Backend = "docker" }, false},
		{"auto backend", func(c *Config) { c.Sandbox.Backend = "auto" }, false},
		{"default_timeout > max_timeout", func(c *Config) {
			c.Sandbox.DefaultTimeout = 2 * time.Minute
			c.Sandbox.MaxTimeout = 1 * time.Minute
		}, true},
		{"zero timeout", func(c *Config) { c.Sandbox.DefaultTimeout = 0 }, true},
		{"max_concurrent 0", func(c *Config) { c.Sandbox.MaxConcurrent = 0 }, true},
		{"memory_mb < 16", func(c *Config) { c.Sandbox.DefaultLimits.MemoryMB = 8 }, true},
		{"cpu_seconds 0", func(c *Config) { c.Sandbox.DefaultLimits.CPUSeconds = 0 }, true},
		{"max_procs 0", func(c *Config) { c.Sandbox.DefaultLimits.MaxProcs = 0 }, true},
		{"relative scratch root", func(c *Config) { c.Sandbox.ScratchRoot = "tmp/runs" }, true},
		{"absolute scratch root", func(c *Config) { c.Sandbox.ScratchRoot = "/var/lib/fixloop" }, false},
		{"max attempts 11", func(c *Config) { c.FixLoop.MaxAttempts = 11 }, true},
		{"default attempts above max", func(c *Config) {
			c.FixLoop.MaxAttempts = 2
			c.FixLoop.DefaultAttempts = 3
		}, true},
		{"max_tokens 0", func(c *Config) { c.Generator.MaxTokens = 0 }, true},
		{"temperature 3", func(c *Config) { c.Generator.Temperature = 3 }, true},
		{"negative retries", func(c *Config) { c.Generator.MaxRetries = -1 }, true},
		{"write timeout shorter than a full run", func(c *Config) { c.Server.WriteTimeout = 5 * time.Minute }, true},
		{"retries stretch the run past the write timeout", func(c *Config) { c.Generator.MaxRetries = 1 }, true},
		{"fewer attempts fit a shorter write timeout", func(c *Config) {
			c.Server.WriteTimeout = 5 * time.Minute
			c.FixLoop.MaxAttempts = 5
		}, false},
		{"zero write timeout disables the deadline", func(c *Config) { c.Server.WriteTimeout = 0 }, false},
		{"TLS enabled without cert", func(c *Config) {
			c.TLS.Enabled = true
			c.TLS.CertFile = ""
			c.TLS.KeyFile = ""
		}, true},
		{"TLS enabled with cert+key", func(c *Config) {
			c.TLS.Enabled = true
			c.TLS.CertFile = "/etc/ssl/cert.pem"
			c.TLS.KeyFile = "/etc/ssl/key.pem"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRunBudget(t *testing.T) {
	cfg := DefaultConfig()
	// 10 attempts of 45s generation plus 10s execution.
	if got, want := cfg.RunBudget(), 550*time.Second; got != want {
		t.Errorf("RunBudget() = %s, want %s", got, want)
	}
	if cfg.Server.WriteTimeout < cfg.RunBudget() {
		t.Errorf("default write timeout %s does not cover %s", cfg.Server.WriteTimeout, cfg.RunBudget())
	}

	cfg.Generator.MaxRetries = 2
	cfg.FixLoop.MaxAttempts = 3
	if got, want := cfg.RunBudget(), 3*(3*45*time.Second+10*time.Second); got != want {
		t.Errorf("RunBudget() with retries = %s, want %s", got, want)
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
server:
  host: "127.0.0.1"
  port: 9090
sandbox:
  backend: docker
  max_concurrent: 50
  default_timeout: 15s
  max_timeout: 120s
  default_limits:
    memory_mb: 512
generator:
  base_url: "https://llm.internal/v1"
  model: "qwen-coder-plus"
fixloop:
  default_attempts: 5
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yamlContent), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("GENERATOR_BASE_URL", "")
	t.Setenv("QWEN_BASE_URL", "")
	t.Setenv("PORT", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Sandbox.Backend != "docker" {
		t.Errorf("Sandbox.Backend = %q, want docker", cfg.Sandbox.Backend)
	}
	if cfg.Sandbox.MaxConcurrent != 50 {
		t.Errorf("Sandbox.MaxConcurrent = %d, want 50", cfg.Sandbox.MaxConcurrent)
	}
	if cfg.Sandbox.DefaultTimeout != 15*time.Second {
		t.Errorf("Sandbox.DefaultTimeout = %s, want 15s", cfg.Sandbox.DefaultTimeout)
	}
	if cfg.Sandbox.DefaultLimits.MemoryMB != 512 {
		t.Errorf("DefaultLimits.MemoryMB = %d, want 512", cfg.Sandbox.DefaultLimits.MemoryMB)
	}
	// untouched keys keep their defaults
	if cfg.Sandbox.DefaultLimits.CPUSeconds != 2 {
		t.Errorf("DefaultLimits.CPUSeconds = %d, want 2", cfg.Sandbox.DefaultLimits.CPUSeconds)
	}
	if cfg.Generator.BaseURL != "https://llm.internal/v1" {
		t.Errorf("Generator.BaseURL = %q", cfg.Generator.BaseURL)
	}
	if cfg.FixLoop.DefaultAttempts != 5 {
		t.Errorf("FixLoop.DefaultAttempts = %d, want 5", cfg.FixLoop.DefaultAttempts)
	}
}

func TestLoad_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("fixloop:\n  max_attempts: 40\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected validation error for max_attempts 40")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("PORT", "3001")
	t.Setenv("GENERATOR_BASE_URL", "")
	t.Setenv("QWEN_BASE_URL", "https://dashscope.example/v1")
	t.Setenv("GENERATOR_API_KEY", "")
	t.Setenv("QWEN_API_KEY", "sk-qwen")
	t.Setenv("DATABASE_URL", "postgres://fixloop@db/fixloop")

	cfg := DefaultConfig()
	cfg.ApplyEnv()

	if cfg.Server.Port != 3001 {
		t.Errorf("Server.Port = %d, want 3001", cfg.Server.Port)
	}
	if cfg.Generator.BaseURL != "https://dashscope.example/v1" {
		t.Errorf("Generator.BaseURL = %q", cfg.Generator.BaseURL)
	}
	if cfg.Generator.APIKey != "sk-qwen" {
		t.Errorf("Generator.APIKey = %q, want sk-qwen", cfg.Generator.APIKey)
	}
	if cfg.Database.DSN != "postgres://fixloop@db/fixloop" {
		t.Errorf("Database.DSN = %q", cfg.Database.DSN)
	}
}

func TestApplyEnv_GeneratorKeyWins(t *testing.T) {
	t.Setenv("GENERATOR_API_KEY", "sk-primary")
	t.Setenv("QWEN_API_KEY", "sk-qwen")
	t.Setenv("GENERATOR_BASE_URL", "https://primary/v1")
	t.Setenv("QWEN_BASE_URL", "https://qwen/v1")

	cfg := DefaultConfig()
	cfg.ApplyEnv()

	if cfg.Generator.APIKey != "sk-primary" {
		t.Errorf("Generator.APIKey = %q, want sk-primary", cfg.Generator.APIKey)
	}
	if cfg.Generator.BaseURL != "https://primary/v1" {
		t.Errorf("Generator.BaseURL = %q, want https://primary/v1", cfg.Generator.BaseURL)
	}
}

func TestAddress(t *testing.T) {
	cfg := DefaultConfig()
	want := "0.0.0.0:8080"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}

	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 3000
	want = "127.0.0.1:3000"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}
}
