// Package config loads and validates the Anvil configuration file and
// exposes a process-wide copy-on-write view of it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables recognized in addition to the config file.
const (
	EnvConfigPath  = "APP_CONFIG_PATH"
	EnvDataDir     = "DATA_DIR"
	EnvSnapshotDir = "SNAPSHOT_DIR"
	EnvDBPath      = "DB_PATH"
	EnvTavilyKey   = "TAVILY_API_KEY"
)

// Config is the root configuration.
type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Storage StorageConfig  `yaml:"storage"`
	LLM     LLMConfig      `yaml:"llm"`
	Context ContextConfig  `yaml:"context"`
	Agent   AgentConfig    `yaml:"agent"`
	Shell   ShellConfig    `yaml:"shell"`
	Files   FilesConfig    `yaml:"files"`
	Term    TermConfig     `yaml:"term"`
	Models  []ModelProfile `yaml:"models"`
	Logging LoggingConfig  `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// StorageConfig locates the embedded database and snapshot object stores.
type StorageConfig struct {
	DataDir     string `yaml:"data_dir"`
	DBPath      string `yaml:"db_path"`
	SnapshotDir string `yaml:"snapshot_dir"`
}

// LLMConfig bounds model invocations.
type LLMConfig struct {
	TimeoutSec int         `yaml:"timeout_sec"`
	Retry      RetryConfig `yaml:"retry"`
}

// RetryConfig is the retry policy applied to 5xx model responses.
type RetryConfig struct {
	MaxRetries   int     `yaml:"max_retries"`
	BaseDelaySec float64 `yaml:"base_delay_sec"`
	MaxDelaySec  float64 `yaml:"max_delay_sec"`
}

// ContextConfig controls history assembly and compression.
type ContextConfig struct {
	MaxContextTokens   int  `yaml:"max_context_tokens"`
	CompressionEnabled bool `yaml:"compression_enabled"`
	CompressStartPct   int  `yaml:"compress_start_pct"`
	CompressTargetPct  int  `yaml:"compress_target_pct"`
	MinKeepMessages    int  `yaml:"min_keep_messages"`
	KeepRecentCalls    int  `yaml:"keep_recent_calls"`
	StepCalls          int  `yaml:"step_calls"`

	TruncateLongData  bool `yaml:"truncate_long_data"`
	LongDataThreshold int  `yaml:"long_data_threshold"`
	LongDataHeadChars int  `yaml:"long_data_head_chars"`
	LongDataTailChars int  `yaml:"long_data_tail_chars"`
}

// AgentConfig bounds the reason-act loop.
type AgentConfig struct {
	ReactMaxIterations int `yaml:"react_max_iterations"`
}

// ShellConfig gates and bounds shell tool execution.
type ShellConfig struct {
	Allowlist            []string `yaml:"allowlist"`
	TimeoutSec           int      `yaml:"timeout_sec"`
	MaxOutput            int      `yaml:"max_output"`
	PermissionTimeoutSec int      `yaml:"permission_timeout_sec"`
}

// FilesConfig bounds file tool reads.
type FilesConfig struct {
	MaxBytes int64 `yaml:"max_bytes"`
}

// TermConfig configures interactive terminal processes.
type TermConfig struct {
	BufferSize    int `yaml:"buffer_size"`
	IdleTimeoutMS int `yaml:"idle_timeout_ms"`
}

// ModelProfile describes one configured model backend.
type ModelProfile struct {
	ID       string `yaml:"id"`
	Provider string `yaml:"provider"` // openai, anthropic
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Default  bool   `yaml:"default"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration defaults applied before the file is
// merged on top.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8520"},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		LLM: LLMConfig{
			TimeoutSec: 180,
			Retry: RetryConfig{
				MaxRetries:   5,
				BaseDelaySec: 1,
				MaxDelaySec:  8,
			},
		},
		Context: ContextConfig{
			MaxContextTokens:   64000,
			CompressionEnabled: true,
			CompressStartPct:   75,
			CompressTargetPct:  55,
			MinKeepMessages:    4,
			KeepRecentCalls:    4,
			StepCalls:          1,
			TruncateLongData:   true,
			LongDataThreshold:  6000,
			LongDataHeadChars:  2000,
			LongDataTailChars:  2000,
		},
		Agent: AgentConfig{ReactMaxIterations: 25},
		Shell: ShellConfig{
			Allowlist:            []string{"ls", "cat", "head", "tail", "grep", "wc", "find", "go", "git"},
			TimeoutSec:           30,
			MaxOutput:            30_000,
			PermissionTimeoutSec: 120,
		},
		Files: FilesConfig{MaxBytes: 256 * 1024},
		Term: TermConfig{
			BufferSize:    2 * 1024 * 1024,
			IdleTimeoutMS: 30 * 60 * 1000,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".anvil")
	}
	return ".anvil"
}

// Load reads the config file at path, expands environment references,
// applies defaults and env overrides, and validates the result. A missing
// file yields defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		path = "anvil.yaml"
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	fillDerivedPaths(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvDataDir); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv(EnvDBPath); v != "" {
		cfg.Storage.DBPath = v
	}
	if v := os.Getenv(EnvSnapshotDir); v != "" {
		cfg.Storage.SnapshotDir = v
	}
}

func fillDerivedPaths(cfg *Config) {
	if cfg.Storage.DBPath == "" {
		cfg.Storage.DBPath = filepath.Join(cfg.Storage.DataDir, "anvil.db")
	}
	if cfg.Storage.SnapshotDir == "" {
		cfg.Storage.SnapshotDir = filepath.Join(cfg.Storage.DataDir, "snapshots")
	}
}

// Validate enforces the documented option ranges.
func (c *Config) Validate() error {
	if c.LLM.TimeoutSec <= 0 || c.LLM.TimeoutSec > 3600 {
		return fmt.Errorf("llm.timeout_sec must be in (0, 3600], got %d", c.LLM.TimeoutSec)
	}
	if c.LLM.Retry.MaxRetries < 0 {
		return fmt.Errorf("llm.retry.max_retries must be >= 0")
	}
	ctx := c.Context
	if ctx.CompressStartPct < 1 || ctx.CompressStartPct > 100 {
		return fmt.Errorf("context.compress_start_pct must be in [1, 100], got %d", ctx.CompressStartPct)
	}
	if ctx.CompressTargetPct < 1 || ctx.CompressTargetPct > 100 {
		return fmt.Errorf("context.compress_target_pct must be in [1, 100], got %d", ctx.CompressTargetPct)
	}
	if ctx.CompressTargetPct >= ctx.CompressStartPct {
		return fmt.Errorf("context.compress_target_pct (%d) must be below compress_start_pct (%d)",
			ctx.CompressTargetPct, ctx.CompressStartPct)
	}
	if ctx.MinKeepMessages < 1 {
		return fmt.Errorf("context.min_keep_messages must be >= 1")
	}
	if ctx.KeepRecentCalls < 0 {
		return fmt.Errorf("context.keep_recent_calls must be >= 0")
	}
	if ctx.KeepRecentCalls > 0 && (ctx.StepCalls < 1 || ctx.StepCalls > ctx.KeepRecentCalls) {
		return fmt.Errorf("context.step_calls must be in [1, keep_recent_calls]")
	}
	if ctx.TruncateLongData {
		if ctx.LongDataHeadChars+ctx.LongDataTailChars > ctx.LongDataThreshold {
			return fmt.Errorf("context.long_data_head_chars + long_data_tail_chars must not exceed long_data_threshold")
		}
	}
	if c.Agent.ReactMaxIterations < 1 || c.Agent.ReactMaxIterations > 200 {
		return fmt.Errorf("agent.react_max_iterations must be in [1, 200], got %d", c.Agent.ReactMaxIterations)
	}
	if c.Shell.TimeoutSec <= 0 {
		return fmt.Errorf("shell.timeout_sec must be > 0")
	}
	if c.Shell.PermissionTimeoutSec <= 0 {
		return fmt.Errorf("shell.permission_timeout_sec must be > 0")
	}
	return nil
}

// TitleTimeout bounds the best-effort title generation call.
const TitleTimeout = 15 * time.Second
