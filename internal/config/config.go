package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
)

type Config struct {
	DataDir       string `json:"data_dir"`
	LogLevel      string `json:"log_level"`
	LogFormat     string `json:"log_format"`
	MaxConcurrent int    `json:"max_concurrent_agents"`
	Execution     struct {
		Timeout          string `json:"timeout"`
		MemoryLimitBytes int64  `json:"memory_limit_bytes"`
	} `json:"execution"`
	Review struct {
		Policy string `json:"policy"`
	} `json:"review"`
	Retention struct {
		Window   string `json:"window"`
		Schedule string `json:"schedule"`
	} `json:"retention"`
	Sync struct {
		Root     string   `json:"root"`
		Schedule string   `json:"schedule"`
		Ignore   []string `json:"ignore"`
	} `json:"sync"`
	Content struct {
		Compression string `json:"compression"`
	} `json:"content"`
	LLM struct {
		Provider         string  `json:"provider"`
		BaseURL          string  `json:"base_url"`
		APIKey           string  `json:"api_key"`
		Model            string  `json:"model"`
		MaxTokens        int     `json:"max_tokens"`
		Temperature      float32 `json:"temperature"`
		MaxContextTokens int     `json:"max_context_tokens"`
		OutputReserve    int     `json:"output_reserve"`
		Timeout          string  `json:"timeout"`
		MaxAttempts      int     `json:"max_attempts"`
	} `json:"llm"`
	HTTP struct {
		Enabled bool   `json:"enabled"`
		Listen  string `json:"listen"`
	} `json:"http"`
	Signals struct {
		Enabled  bool   `json:"enabled"`
		Interval string `json:"interval"`
	} `json:"signals"`
	Telegram struct {
		Token        string  `json:"token"`
		AllowedChats []int64 `json:"allowed_chats"`
	} `json:"telegram"`
}

// DefaultPath is ~/.agentfs/config.json.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".agentfs", "config.json")
}

// Default returns the configuration written on first load.
func Default() *Config {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".agentfs"),
		LogLevel:      "info",
		LogFormat:     "text",
		MaxConcurrent: 3,
	}
	cfg.Execution.Timeout = "30s"
	cfg.Execution.MemoryLimitBytes = 64 << 20
	cfg.Review.Policy = "manual"
	cfg.Retention.Window = "168h"
	cfg.Retention.Schedule = "@hourly"
	cfg.Sync.Ignore = []string{".git", ".agentfs"}
	cfg.Content.Compression = "auto"
	cfg.LLM.Provider = "openai"
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.MaxTokens = 2000
	cfg.LLM.Temperature = 0.2
	cfg.LLM.MaxContextTokens = 128000
	cfg.LLM.OutputReserve = 4096
	cfg.LLM.Timeout = "2m"
	cfg.LLM.MaxAttempts = 3
	cfg.HTTP.Enabled = true
	cfg.HTTP.Listen = "127.0.0.1:7878"
	cfg.Signals.Enabled = true
	cfg.Signals.Interval = "2s"
	return cfg
}

// Load reads path over the defaults, writing the defaults if the file
// does not exist. Comments in the file are allowed. Environment
// variables take precedence over the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.LLM.BaseURL = baseURL
	}
	if tgToken := os.Getenv("TELEGRAM_BOT_TOKEN"); tgToken != "" {
		cfg.Telegram.Token = tgToken
	}
	if dataDir := os.Getenv("AGENTFS_DATA_DIR"); dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, nil
}

// Save writes cfg to path atomically, creating the directory.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to its nested JSON map form.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues flattens cfg to dot-separated keys, optionally masking secrets.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(jsonc.ToJSON(data), &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// GetValue returns the value stored in the file for a dot-separated key.
// The file is created with defaults if missing, and keys absent from it
// report their default. Environment overrides are not applied.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	m, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	if v, ok := Flatten(m)[key]; ok {
		return v, nil
	}
	if !KnownKey(key) {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	defaults, err := ToMap(Default())
	if err != nil {
		return nil, err
	}
	return Flatten(defaults)[key], nil
}

// SetValue stores value under a known dot-separated key. The value is
// parsed as JSON when possible (numbers, booleans, lists) and kept as a
// string otherwise. The file must already exist.
func SetValue(path, key, value string) error {
	if !KnownKey(key) {
		return fmt.Errorf("unknown config key: %s", key)
	}
	m, err := readRaw(path)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal([]byte(value), &v); err != nil {
		v = value
	}
	flat := Flatten(m)
	flat[key] = v
	nested, err := Unflatten(flat)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(nested, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}

func duration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}

// Durations are the parsed duration fields.
type Durations struct {
	ExecutionTimeout time.Duration
	RetentionWindow  time.Duration
	LLMTimeout       time.Duration
	SignalInterval   time.Duration
}

// Durations parses every duration field, reporting the first bad one.
func (c *Config) Durations() (Durations, error) {
	var d Durations
	var err error
	if d.ExecutionTimeout, err = duration("execution.timeout", c.Execution.Timeout); err != nil {
		return d, err
	}
	if d.RetentionWindow, err = duration("retention.window", c.Retention.Window); err != nil {
		return d, err
	}
	if d.LLMTimeout, err = duration("llm.timeout", c.LLM.Timeout); err != nil {
		return d, err
	}
	if d.SignalInterval, err = duration("signals.interval", c.Signals.Interval); err != nil {
		return d, err
	}
	return d, nil
}

// Validate reports settings the daemon cannot start with.
func (c *Config) Validate() error {
	var problems []string
	if c.DataDir == "" {
		problems = append(problems, "data_dir is empty")
	}
	if c.MaxConcurrent < 1 {
		problems = append(problems, "max_concurrent_agents must be at least 1")
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log_format %q is not text or json", c.LogFormat))
	}
	if _, err := c.Durations(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
