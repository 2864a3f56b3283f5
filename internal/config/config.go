// Package config provides configuration management for stepwise.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config represents the runtime configuration.
type Config struct {
	Service ServiceConfig `toml:"service"`
	LLM     LLMConfig     `toml:"llm"`
	Skills  SkillsConfig  `toml:"skills"`
	Plans   PlansConfig   `toml:"plans"`
	Memory  MemoryConfig  `toml:"memory"`
	Logging LoggingConfig `toml:"logging"`
}

// ServiceConfig contains service-level settings for the ops API.
type ServiceConfig struct {
	Host            string `toml:"host"`
	Port            int    `toml:"port"`
	DataDir         string `toml:"data_dir"`
	ShutdownTimeout int    `toml:"shutdown_timeout_seconds"`
}

// LLMConfig contains LLM backend settings.
type LLMConfig struct {
	// UseSelfHosted selects the localhost NIM/vLLM endpoint instead of
	// the external NVIDIA API. Overridden by USE_SELF_HOSTED_LLM.
	UseSelfHosted bool    `toml:"use_self_hosted"`
	SelfHostedURL string  `toml:"self_hosted_url"`
	APIKey        string  `toml:"api_key"`
	Model         string  `toml:"model"`
	MaxTokens     int     `toml:"max_tokens"`
	Temperature   float64 `toml:"temperature"`
	MaxRetries    int     `toml:"max_retries"`
}

// SkillsConfig contains skill discovery settings.
type SkillsConfig struct {
	BaseDir        string   `toml:"base_dir"`
	Exclude        []string `toml:"exclude"`
	SafeMode       bool     `toml:"safe_mode"`
	MaxFindResults int      `toml:"max_find_results"`
}

// PlansConfig contains plan store settings.
type PlansConfig struct {
	Dir      string `toml:"dir"`
	FileName string `toml:"file_name"`
}

// MemoryConfig contains recall store settings.
type MemoryConfig struct {
	Enabled    bool `toml:"enabled"`
	MaxRecalls int  `toml:"max_recalls"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string      `toml:"level"`
	Format     string      `toml:"format"`
	Output     StringSlice `toml:"output"`
	TimeFormat string      `toml:"time_format"`
	MaxSizeMB  int         `toml:"max_size_mb"`
	MaxBackups int         `toml:"max_backups"`
}

// StringSlice is a custom type that can unmarshal from either a string or []string.
type StringSlice []string

// UnmarshalTOML implements toml.Unmarshaler for flexible config parsing.
func (s *StringSlice) UnmarshalTOML(data interface{}) error {
	switch v := data.(type) {
	case string:
		*s = []string{v}
	case []interface{}:
		result := make([]string, len(v))
		for i, item := range v {
			str, ok := item.(string)
			if !ok {
				return fmt.Errorf("expected string in array, got %T", item)
			}
			result[i] = str
		}
		*s = result
	default:
		return fmt.Errorf("expected string or array, got %T", data)
	}
	return nil
}

// DefaultConfig returns the default configuration with all values set.
// Environment variables STEPWISE_HOST, STEPWISE_PORT, SAFE_MODE,
// MAX_FIND_RESULTS and USE_SELF_HOSTED_LLM override defaults.
func DefaultConfig() *Config {
	dataDir := DefaultDataDir()

	host := "127.0.0.1"
	if envHost := os.Getenv("STEPWISE_HOST"); envHost != "" {
		host = envHost
	}

	port := 8430
	if envPort := os.Getenv("STEPWISE_PORT"); envPort != "" {
		if p, err := strconv.Atoi(envPort); err == nil {
			port = p
		}
	}

	// SAFE_MODE defaults on; only an explicit "false", "0", "no" or "off"
	// disables it.
	safeMode := true
	if env := os.Getenv("SAFE_MODE"); env != "" {
		safeMode = !isFalsy(env)
	}

	maxFindResults := 50
	if env := os.Getenv("MAX_FIND_RESULTS"); env != "" {
		if n, err := strconv.Atoi(env); err == nil && n > 0 {
			maxFindResults = n
		}
	}

	useSelfHosted := false
	if env := os.Getenv("USE_SELF_HOSTED_LLM"); env != "" {
		useSelfHosted = !isFalsy(env)
	}

	return &Config{
		Service: ServiceConfig{
			Host:            host,
			Port:            port,
			DataDir:         dataDir,
			ShutdownTimeout: 30,
		},
		LLM: LLMConfig{
			UseSelfHosted: useSelfHosted,
			SelfHostedURL: "http://localhost:8000",
			APIKey:        os.Getenv("NVIDIA_API_KEY"),
			Model:         "nvidia/llama-3.1-nemotron-nano-8b-v1",
			MaxTokens:     4096,
			Temperature:   0.3,
			MaxRetries:    3,
		},
		Skills: SkillsConfig{
			BaseDir:        "./skills",
			Exclude:        []string{},
			SafeMode:       safeMode,
			MaxFindResults: maxFindResults,
		},
		Plans: PlansConfig{
			Dir:      ".",
			FileName: "stepwised_plan.txt",
		},
		Memory: MemoryConfig{
			Enabled:    false,
			MaxRecalls: 3,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     StringSlice{"stdout"},
			TimeFormat: "15:04:05.000",
			MaxSizeMB:  100,
			MaxBackups: 5,
		},
	}
}

// DefaultDataDir returns the default data directory based on OS.
func DefaultDataDir() string {
	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "stepwise")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "AppData", "Roaming", "stepwise")
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "stepwise")
	default: // linux and others
		xdgData := os.Getenv("XDG_DATA_HOME")
		if xdgData != "" {
			return filepath.Join(xdgData, "stepwise")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".stepwise")
	}
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultDataDir(), "config.toml")
}

// Load loads configuration from a file, merging with defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if _, err := toml.Decode(expanded, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.expandPaths()
	return cfg, nil
}

// PlanFilePath returns the resolved plan file path.
func (c *Config) PlanFilePath() string {
	return filepath.Join(c.Plans.Dir, c.Plans.FileName)
}

// expandPaths expands a leading ~ in configured paths.
func (c *Config) expandPaths() {
	c.Service.DataDir = expandHome(c.Service.DataDir)
	c.Skills.BaseDir = expandHome(c.Skills.BaseDir)
	c.Plans.Dir = expandHome(c.Plans.Dir)
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// isFalsy reports whether an env value disables a boolean flag.
func isFalsy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "false", "0", "no", "off":
		return true
	}
	return false
}
