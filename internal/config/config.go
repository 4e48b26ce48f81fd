// Package config loads the orchestrator's YAML configuration: browser
// lifecycle limits, the SQLite store path, optional LLM credentials,
// and the WebSocket server's listen address.
//
// A YAML file is loaded first; zero-value fields are then filled with
// defaults, so a minimal config stays minimal.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level orchestrator configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Browser    BrowserConfig    `yaml:"browser"`
	Store      StoreConfig      `yaml:"store"`
	LLM        LLMConfig        `yaml:"llm"`
	Queue      QueueConfig      `yaml:"queue"`
	Screenshot ScreenshotConfig `yaml:"screenshot"`
}

// ServerConfig controls the WebSocket/HTTP control-plane listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig struct {
	Remote          string        `yaml:"remote"`
	MemoryLimit     int64         `yaml:"memory_limit"`
	RecycleInterval time.Duration `yaml:"recycle_interval"`
}

// StoreConfig controls where recorded scripts are persisted.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// LLMConfig carries optional LLM credentials. When APIKey is empty, the
// orchestrator runs with parser.NoLLM and no executor fallback.
type LLMConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// QueueConfig tunes the Action Queue's processing loop.
type QueueConfig struct {
	SettleWait time.Duration `yaml:"settle_wait"`
}

// ScreenshotConfig tunes the frame stream: how often the differ
// captures and the JPEG quality of each frame.
type ScreenshotConfig struct {
	Cadence time.Duration `yaml:"cadence"`
	Quality int           `yaml:"quality"`
}

// Load reads and validates a YAML configuration file, applying defaults
// for anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Browser.MemoryLimit <= 0 {
		c.Browser.MemoryLimit = 1 << 30
	}
	if c.Browser.RecycleInterval <= 0 {
		c.Browser.RecycleInterval = 4 * time.Hour
	}
	if c.Store.Path == "" {
		c.Store.Path = "browserflow.db"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o-mini"
	}
	if c.Queue.SettleWait <= 0 {
		c.Queue.SettleWait = 500 * time.Millisecond
	}
	if c.Screenshot.Cadence <= 0 {
		c.Screenshot.Cadence = time.Second
	}
	if c.Screenshot.Quality <= 0 || c.Screenshot.Quality > 100 {
		c.Screenshot.Quality = 60
	}
}
