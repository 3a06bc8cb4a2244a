// Package config holds the memory engine configuration: feature flags,
// allow/deny lists, ingestion thresholds, poller schedule, retrieval mode
// and store/index parameters. Config files are JSON5 (or YAML by extension)
// and can be hot-reloaded; components read settings through a Manager
// snapshot at call time, so most changes apply without a restart.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/titanous/json5"
	"gopkg.in/yaml.v3"
)

// MemoryConfig controls which scopes have memory enabled.
type MemoryConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	GroupAllowList []string `json:"groupAllowList" yaml:"groupAllowList"`
	UserAllowList  []string `json:"userAllowList" yaml:"userAllowList"`
	UserDenyList   []string `json:"userDenyList" yaml:"userDenyList"`
}

// IngestConfig controls the per-scope ingestion buffer.
type IngestConfig struct {
	MinMessageCount  int    `json:"minMessageCount" yaml:"minMessageCount"`
	MaxWindowSeconds int    `json:"maxWindowSeconds" yaml:"maxWindowSeconds"`
	CommandPrefix    string `json:"commandPrefix" yaml:"commandPrefix"`
	SelfID           string `json:"selfId" yaml:"selfId"`
}

// PollConfig controls the history poller.
// IntervalSeconds = 0 disables polling entirely. Cron, when set, is a
// gronx cron expression that additionally gates non-forced ticks.
type PollConfig struct {
	IntervalSeconds int    `json:"intervalSeconds" yaml:"intervalSeconds"`
	Cron            string `json:"cron" yaml:"cron"`
	BatchSize       int    `json:"batchSize" yaml:"batchSize"`
}

// Retrieval modes.
const (
	ModeVector  = "vector"
	ModeKeyword = "keyword"
	ModeHybrid  = "hybrid"
)

// RetrievalConfig controls the query planner.
type RetrievalConfig struct {
	Mode            string  `json:"mode" yaml:"mode"`     // "vector", "keyword", "hybrid"
	Prefer          string  `json:"prefer" yaml:"prefer"` // hybrid only: "vector" or "keyword"
	MaxDistance     float64 `json:"maxDistance" yaml:"maxDistance"`
	MaxKeywordScore float64 `json:"maxKeywordScore" yaml:"maxKeywordScore"`
	DefaultLimit    int     `json:"defaultLimit" yaml:"defaultLimit"`
	MinImportance   float64 `json:"minImportance" yaml:"minImportance"`
}

// StoreConfig controls the sqlite store and its indexes.
type StoreConfig struct {
	Path            string `json:"path" yaml:"path"`
	Tokenizer       string `json:"tokenizer" yaml:"tokenizer"` // "default" or "segmented"
	VectorDimension int    `json:"vectorDimension" yaml:"vectorDimension"`
	EmbedModel      string `json:"embedModel" yaml:"embedModel"`
}

// EmbedConfig controls embedding calls made on behalf of the store/retrieval.
type EmbedConfig struct {
	RPM int `json:"rpm" yaml:"rpm"` // requests per minute, 0 = unlimited
}

// Config is the full engine configuration.
type Config struct {
	Memory    MemoryConfig    `json:"memory" yaml:"memory"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest"`
	Poll      PollConfig      `json:"poll" yaml:"poll"`
	Retrieval RetrievalConfig `json:"retrieval" yaml:"retrieval"`
	Store     StoreConfig     `json:"store" yaml:"store"`
	Embed     EmbedConfig     `json:"embed" yaml:"embed"`
}

// Default returns a config with all defaults resolved.
func Default() *Config {
	return &Config{
		Memory: MemoryConfig{},
		Ingest: IngestConfig{
			MinMessageCount:  10,
			MaxWindowSeconds: 600,
			CommandPrefix:    "/",
		},
		Poll: PollConfig{
			BatchSize: 50,
		},
		Retrieval: RetrievalConfig{
			Mode:         ModeHybrid,
			Prefer:       ModeVector,
			DefaultLimit: 6,
		},
		Store: StoreConfig{
			Path:      "memory.db",
			Tokenizer: "default",
		},
	}
}

// Load reads a config file (JSON5 by default, YAML for .yaml/.yml) and
// applies defaults for unset fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	default:
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse json5 config: %w", err)
		}
	}

	cfg.normalize()
	return cfg, nil
}

// normalize clamps out-of-range values back to defaults.
func (c *Config) normalize() {
	if c.Ingest.MinMessageCount <= 0 {
		c.Ingest.MinMessageCount = 10
	}
	if c.Ingest.MaxWindowSeconds <= 0 {
		c.Ingest.MaxWindowSeconds = 600
	}
	if c.Ingest.CommandPrefix == "" {
		c.Ingest.CommandPrefix = "/"
	}
	if c.Poll.BatchSize <= 0 {
		c.Poll.BatchSize = 50
	}
	if c.Retrieval.DefaultLimit <= 0 {
		c.Retrieval.DefaultLimit = 6
	}
	switch c.Retrieval.Mode {
	case ModeVector, ModeKeyword, ModeHybrid:
	default:
		c.Retrieval.Mode = ModeHybrid
	}
	switch c.Retrieval.Prefer {
	case ModeVector, ModeKeyword:
	default:
		c.Retrieval.Prefer = ModeVector
	}
	if c.Store.Tokenizer == "" {
		c.Store.Tokenizer = "default"
	}
	if c.Store.Path == "" {
		c.Store.Path = "memory.db"
	}
}

// Manager holds the current config snapshot. Get is safe for concurrent
// use; Set swaps the snapshot atomically (used by the hot-reload watcher).
type Manager struct {
	cur atomic.Pointer[Config]
}

// NewManager creates a manager seeded with cfg (Default() if nil).
func NewManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = Default()
	}
	m := &Manager{}
	m.cur.Store(cfg)
	return m
}

// Get returns the current config snapshot. Callers must not mutate it.
func (m *Manager) Get() *Config {
	return m.cur.Load()
}

// Set replaces the current config snapshot.
func (m *Manager) Set(cfg *Config) {
	if cfg == nil {
		return
	}
	m.cur.Store(cfg)
}
