package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Generator GeneratorConfig `yaml:"generator"`
	FixLoop   FixLoopConfig   `yaml:"fixloop"`
	Database  DatabaseConfig  `yaml:"database"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Security  SecurityConfig  `yaml:"security"`
	TLS       TLSConfig       `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type SandboxConfig struct {
	Backend          string        `yaml:"backend"` // "process" (default), "docker", "containerd" or "auto"
	Language         string        `yaml:"language"`
	DefaultTimeout   time.Duration `yaml:"default_timeout"`
	MaxTimeout       time.Duration `yaml:"max_timeout"`
	MaxConcurrent    int           `yaml:"max_concurrent"`
	PythonPath       string        `yaml:"python_path"`
	ScratchRoot      string        `yaml:"scratch_root"`
	IsolateNetwork   bool          `yaml:"isolate_network"`
	MaxStdoutBytes   int           `yaml:"max_stdout_bytes"`
	MaxStderrBytes   int           `yaml:"max_stderr_bytes"`
	ContainerdSocket string        `yaml:"containerd_socket"`
	Namespace        string        `yaml:"namespace"`
	DefaultLimits    DefaultLimits `yaml:"default_limits"`
}

// DefaultLimits mirrors sandbox.ResourceLimits without importing it.
type DefaultLimits struct {
	MemoryMB   int64 `yaml:"memory_mb"`
	CPUSeconds int64 `yaml:"cpu_seconds"`
	MaxProcs   int64 `yaml:"max_procs"`
	MaxFileMB  int64 `yaml:"max_file_mb"`
	OpenFiles  int64 `yaml:"open_files"`
}

// GeneratorConfig points at an OpenAI-compatible chat completions endpoint.
type GeneratorConfig struct {
	BaseURL          string        `yaml:"base_url"`
	APIKeyEnv        string        `yaml:"api_key_env"`
	APIKey           string        `yaml:"-"`
	Model            string        `yaml:"model"`
	MaxTokens        int           `yaml:"max_tokens"`
	Temperature      float64       `yaml:"temperature"`
	RetryTemperature float64       `yaml:"retry_temperature"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	SystemPrompt     string        `yaml:"system_prompt"`
}

type FixLoopConfig struct {
	DefaultAttempts int `yaml:"default_attempts"`
	MaxAttempts     int `yaml:"max_attempts"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MinConns        int           `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AuditBuffer     int           `yaml:"audit_buffer"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	AllowedKeys          []string `yaml:"allowed_keys"`
	AllowUnauthenticated bool     `yaml:"allow_unauthenticated"`
	RateLimitRPS         float64  `yaml:"rate_limit_rps"`
	RateLimitBurst       int      `yaml:"rate_limit_burst"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from env or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    12 * time.Minute, // must cover RunBudget
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20, // 1MB
		},
		Sandbox: SandboxConfig{
			Backend:          "process",
			Language:         "python",
			DefaultTimeout:   10 * time.Second,
			MaxTimeout:       60 * time.Second,
			MaxConcurrent:    32,
			PythonPath:       "python3",
			IsolateNetwork:   true,
			MaxStdoutBytes:   1 << 20,
			MaxStderrBytes:   256 * 1024,
			ContainerdSocket: "/run/containerd/containerd.sock",
			Namespace:        "fixloop",
			DefaultLimits: DefaultLimits{
				MemoryMB:   128,
				CPUSeconds: 2,
				MaxProcs:   10,
				MaxFileMB:  1,
				OpenFiles:  64,
			},
		},
		Generator: GeneratorConfig{
			APIKeyEnv:        "GENERATOR_API_KEY",
			Model:            "qwen3-coder",
			MaxTokens:        300,
			Temperature:      0.7,
			RetryTemperature: 0.3,
			RequestTimeout:   45 * time.Second,
			MaxRetries:       0,
		},
		FixLoop: FixLoopConfig{
			DefaultAttempts: 3,
			MaxAttempts:     10,
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    25,
			MinConns:        2,
			ConnMaxLifetime: 5 * time.Minute,
			AuditBuffer:     10000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Security: SecurityConfig{
			RateLimitRPS:   20,
			RateLimitBurst: 40,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// ApplyEnv overlays environment variables on top of file/default values.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		} else {
			log.Warn().Str("port", v).Msg("ignoring non-numeric PORT")
		}
	}

	if v := os.Getenv("GENERATOR_BASE_URL"); v != "" {
		c.Generator.BaseURL = v
	} else if v := os.Getenv("QWEN_BASE_URL"); v != "" && c.Generator.BaseURL == "" {
		c.Generator.BaseURL = v
	}

	for _, key := range []string{c.Generator.APIKeyEnv, "GENERATOR_API_KEY", "QWEN_API_KEY"} {
		if key == "" {
			continue
		}
		if v := os.Getenv(key); v != "" {
			c.Generator.APIKey = v
			break
		}
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.DSN = v
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	switch c.Sandbox.Backend {
	case "process", "docker", "containerd", "auto":
	default:
		return fmt.Errorf("sandbox.backend must be process, docker, containerd or auto, got %q", c.Sandbox.Backend)
	}
	if c.Sandbox.DefaultTimeout <= 0 {
		return fmt.Errorf("sandbox.default_timeout must be positive")
	}
	if c.Sandbox.DefaultTimeout > c.Sandbox.MaxTimeout {
		return fmt.Errorf("sandbox.default_timeout (%s) must be <= max_timeout (%s)",
			c.Sandbox.DefaultTimeout, c.Sandbox.MaxTimeout)
	}
	if c.Sandbox.MaxConcurrent < 1 {
		return fmt.Errorf("sandbox.max_concurrent must be >= 1")
	}
	if c.Sandbox.DefaultLimits.MemoryMB < 16 {
		return fmt.Errorf("sandbox.default_limits.memory_mb must be >= 16")
	}
	if c.Sandbox.DefaultLimits.CPUSeconds < 1 {
		return fmt.Errorf("sandbox.default_limits.cpu_seconds must be >= 1")
	}
	if c.Sandbox.DefaultLimits.MaxProcs < 1 {
		return fmt.Errorf("sandbox.default_limits.max_procs must be >= 1")
	}
	if c.Sandbox.ScratchRoot != "" && !filepath.IsAbs(c.Sandbox.ScratchRoot) {
		return fmt.Errorf("sandbox.scratch_root: %q must be an absolute path", c.Sandbox.ScratchRoot)
	}
	if c.FixLoop.MaxAttempts < 1 || c.FixLoop.MaxAttempts > 10 {
		return fmt.Errorf("fixloop.max_attempts must be 1-10, got %d", c.FixLoop.MaxAttempts)
	}
	if c.FixLoop.DefaultAttempts < 1 || c.FixLoop.DefaultAttempts > c.FixLoop.MaxAttempts {
		return fmt.Errorf("fixloop.default_attempts must be 1-%d, got %d", c.FixLoop.MaxAttempts, c.FixLoop.DefaultAttempts)
	}
	if c.Generator.MaxTokens < 1 {
		return fmt.Errorf("generator.max_tokens must be >= 1")
	}
	if c.Generator.Temperature < 0 || c.Generator.Temperature > 2 ||
		c.Generator.RetryTemperature < 0 || c.Generator.RetryTemperature > 2 {
		return fmt.Errorf("generator temperatures must be within 0-2")
	}
	if c.Generator.MaxRetries < 0 {
		return fmt.Errorf("generator.max_retries must be >= 0")
	}
	if c.Server.WriteTimeout > 0 && c.Server.WriteTimeout < c.RunBudget() {
		return fmt.Errorf("server.write_timeout (%s) is shorter than the longest fix run (%s: %d attempts of generation plus execution)",
			c.Server.WriteTimeout, c.RunBudget(), c.FixLoop.MaxAttempts)
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// RunBudget is the longest a fix run at the attempt ceiling can take:
// every attempt spends the full generation timeout on each try and then
// the full execution timeout.
func (c *Config) RunBudget() time.Duration {
	generation := c.Generator.RequestTimeout * time.Duration(1+c.Generator.MaxRetries)
	return time.Duration(c.FixLoop.MaxAttempts) * (generation + c.Sandbox.DefaultTimeout)
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
