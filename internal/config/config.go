// Package config holds all strudelcover configuration.
// Config is loaded from YAML with environment-variable overrides for secrets.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all strudelcover configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// LLM configuration
	LLM LLMConfig `yaml:"llm"`

	// Browser / live environment configuration
	Browser BrowserConfig `yaml:"browser"`

	// Dashboard server configuration
	Dashboard DashboardConfig `yaml:"dashboard"`

	// Audio capture configuration
	Recorder RecorderConfig `yaml:"recorder"`

	// Refinement pipeline timing
	Refine RefineConfig `yaml:"refine"`

	// Retry budget for runtime-error regeneration
	MaxRetries int `yaml:"max_retries"`

	// Directory for generated-pattern debug artifacts
	DebugDir string `yaml:"debug_dir"`
}

// LLMConfig configures the completion provider.
type LLMConfig struct {
	Provider string `yaml:"provider"` // anthropic, gemini
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`

	// ValidatePatterns enables the best-effort second-pass syntax check.
	ValidatePatterns bool `yaml:"validate_patterns"`
}

// BrowserConfig configures the Chrome instance hosting the Strudel page.
type BrowserConfig struct {
	StrudelURL          string `yaml:"strudel_url"`
	Bin                 string `yaml:"bin"`
	Headless            bool   `yaml:"headless"`
	ViewportWidth       int    `yaml:"viewport_width"`
	ViewportHeight      int    `yaml:"viewport_height"`
	NavigationTimeoutMs int    `yaml:"navigation_timeout_ms"`
	ActionTimeoutMs     int    `yaml:"action_timeout_ms"`
}

// DashboardConfig configures the observer WebSocket server.
type DashboardConfig struct {
	Addr string `yaml:"addr"`
}

// RecorderConfig configures the audio-capture subprocess.
type RecorderConfig struct {
	Binary      string   `yaml:"binary"`
	Args        []string `yaml:"args"`
	Dir         string   `yaml:"dir"`
	AutoStopSec int      `yaml:"auto_stop_sec"`
}

// RefineConfig configures refinement pipeline timing, in seconds.
// Kept as integers so tests and configs read the same units the
// dashboard displays.
type RefineConfig struct {
	InitialDelaySec int `yaml:"initial_delay_sec"`
	GestaltDwellSec int `yaml:"gestalt_dwell_sec"`
	KaizenDwellSec  int `yaml:"kaizen_dwell_sec"`
	SurgeryDwellSec int `yaml:"surgery_dwell_sec"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Name:    "strudelcover",
		Version: "1.0.0",
		LLM: LLMConfig{
			Provider:         "anthropic",
			Model:            "claude-sonnet-4-20250514",
			BaseURL:          "https://api.anthropic.com/v1",
			Timeout:          "120s",
			ValidatePatterns: true,
		},
		Browser: BrowserConfig{
			StrudelURL:          "https://strudel.cc/",
			Headless:            false,
			ViewportWidth:       1920,
			ViewportHeight:      1080,
			NavigationTimeoutMs: 30000,
			ActionTimeoutMs:     10000,
		},
		Dashboard: DashboardConfig{
			Addr: ":8765",
		},
		Recorder: RecorderConfig{
			Binary:      "ffmpeg",
			Dir:         "recordings",
			AutoStopSec: 30,
		},
		Refine: RefineConfig{
			InitialDelaySec: 20,
			GestaltDwellSec: 20,
			KaizenDwellSec:  10,
			SurgeryDwellSec: 6,
		},
		MaxRetries: 3,
		DebugDir:   ".strudelcover/debug",
	}
}

// Load reads a config file, falling back to defaults when the file is absent.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the config as YAML.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// applyEnvOverrides lets environment variables win over file values.
func (c *Config) applyEnvOverrides() {
	switch c.LLM.Provider {
	case "gemini":
		if key := os.Getenv("GEMINI_API_KEY"); key != "" {
			c.LLM.APIKey = key
		}
	default:
		if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
			c.LLM.APIKey = key
		}
	}
	if url := os.Getenv("STRUDEL_URL"); url != "" {
		c.Browser.StrudelURL = url
	}
	if addr := os.Getenv("STRUDELCOVER_ADDR"); addr != "" {
		c.Dashboard.Addr = addr
	}
}

// Validate checks the config for obvious misconfiguration.
func (c Config) Validate() error {
	switch c.LLM.Provider {
	case "anthropic", "gemini":
	default:
		return fmt.Errorf("unknown llm provider: %q", c.LLM.Provider)
	}
	if c.LLM.APIKey == "" {
		return fmt.Errorf("llm api key not configured (set ANTHROPIC_API_KEY or GEMINI_API_KEY)")
	}
	if c.Browser.StrudelURL == "" {
		return fmt.Errorf("strudel url not configured")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0")
	}
	return nil
}

// GetLLMTimeout parses the LLM timeout, defaulting to 120s.
func (c Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil || d <= 0 {
		return 120 * time.Second
	}
	return d
}

// NavigationTimeout returns the page navigation timeout.
func (c BrowserConfig) NavigationTimeout() time.Duration {
	if c.NavigationTimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.NavigationTimeoutMs) * time.Millisecond
}

// ActionTimeout returns the per-interaction timeout.
func (c BrowserConfig) ActionTimeout() time.Duration {
	if c.ActionTimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.ActionTimeoutMs) * time.Millisecond
}

// AutoStop returns the recording auto-stop duration.
func (c RecorderConfig) AutoStop() time.Duration {
	if c.AutoStopSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.AutoStopSec) * time.Second
}

// InitialDelay returns the wait between first successful play and
// the start of the refinement pipeline.
func (c RefineConfig) InitialDelay() time.Duration {
	if c.InitialDelaySec <= 0 {
		return 20 * time.Second
	}
	return time.Duration(c.InitialDelaySec) * time.Second
}

// GestaltDwell returns the pause after the whole-song pass.
func (c RefineConfig) GestaltDwell() time.Duration {
	if c.GestaltDwellSec <= 0 {
		return 20 * time.Second
	}
	return time.Duration(c.GestaltDwellSec) * time.Second
}

// KaizenDwell returns the pause between per-section passes.
func (c RefineConfig) KaizenDwell() time.Duration {
	if c.KaizenDwellSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.KaizenDwellSec) * time.Second
}

// SurgeryDwell returns the pause between targeted fixes.
func (c RefineConfig) SurgeryDwell() time.Duration {
	if c.SurgeryDwellSec <= 0 {
		return 6 * time.Second
	}
	return time.Duration(c.SurgeryDwellSec) * time.Second
}
