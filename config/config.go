// ABOUTME: Configuration tree for the orchestration core, loaded from YAML with environment overrides.
// ABOUTME: Manager wraps the tree with a version counter bumped on every apply, consumed by the prompt cache key.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ModelConfig holds the per-named-model loop and compaction controls (spec §6.6).
type ModelConfig struct {
	Provider                string        `yaml:"provider"`
	MaxContext              int           `yaml:"max_context"`
	MaxOutput               int           `yaml:"max_output"`
	MaxRounds               int           `yaml:"max_rounds"`
	Temperature             float64       `yaml:"temperature"`
	TimeoutSeconds          int           `yaml:"timeout_s"`
	Retry                   int           `yaml:"retry"`
	Stream                  bool          `yaml:"stream"`
	HistoryCompactionRatio  float64       `yaml:"history_compaction_ratio"`
	HistoryCompactionReset  string        `yaml:"history_compaction_reset"` // zero | current | keep
	Stop                    []string      `yaml:"stop"`
}

// Timeout returns TimeoutSeconds as a time.Duration, defaulting to 60s.
func (m ModelConfig) Timeout() time.Duration {
	if m.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(m.TimeoutSeconds) * time.Second
}

// ServerConfig controls admission.
type ServerConfig struct {
	MaxActiveSessions int `yaml:"max_active_sessions"`
}

// WorkspaceConfig controls history windowing, retention, and the backing
// SQLite store's file location (spec §6.5).
type WorkspaceConfig struct {
	Root            string `yaml:"root"`
	DBPath          string `yaml:"db_path"`
	MaxHistoryItems int    `yaml:"max_history_items"`
	RetentionDays   int    `yaml:"retention_days"`
}

// ObservabilityConfig sizes the session monitor.
type ObservabilityConfig struct {
	MonitorEventLimit      int      `yaml:"monitor_event_limit"`
	MonitorPayloadMaxChars int      `yaml:"monitor_payload_max_chars"`
	MonitorDropEventTypes  []string `yaml:"monitor_drop_event_types"`
}

// ToolsConfig enumerates available tool surfaces.
type ToolsConfig struct {
	BuiltinEnabled []string          `yaml:"builtin_enabled"`
	MCPServers     map[string]string `yaml:"mcp_servers"`
	A2AServices    map[string]string `yaml:"a2a_services"`
	KnowledgeBases []string          `yaml:"knowledge_bases"`
	SkillsPaths    []string          `yaml:"skills_paths"`
	SkillsEnabled  []string          `yaml:"skills_enabled"`
}

// SecurityConfig carries authorization/sandboxing guidelines surfaced to
// tool executors and the dispatcher, not enforced by the core itself.
type SecurityConfig struct {
	APIKey        string   `yaml:"api_key"`
	AllowCommands []string `yaml:"allow_commands"`
	AllowPaths    []string `yaml:"allow_paths"`
	DenyGlobs     []string `yaml:"deny_globs"`
}

// SandboxConfig selects the dispatch path for sandbox-eligible built-ins.
type SandboxConfig struct {
	Mode       string `yaml:"mode"` // local | sandbox
	IdleTTLSeconds int `yaml:"idle_ttl_s"`
}

// Config is the full tree of options the core recognizes (spec §6.6).
type Config struct {
	Server        ServerConfig           `yaml:"server"`
	Models        map[string]ModelConfig `yaml:"models"`
	DefaultModel  string                 `yaml:"default_model"`
	Workspace     WorkspaceConfig        `yaml:"workspace"`
	Observability ObservabilityConfig    `yaml:"observability"`
	Tools         ToolsConfig            `yaml:"tools"`
	Security      SecurityConfig         `yaml:"security"`
	Sandbox       SandboxConfig          `yaml:"sandbox"`
}

// Default returns the constants fixed by spec §6.6.
func Default() Config {
	return Config{
		Server: ServerConfig{MaxActiveSessions: 50},
		Models: map[string]ModelConfig{
			"default": {
				Provider:               "anthropic",
				MaxContext:             200000,
				MaxOutput:              8192,
				MaxRounds:              10,
				Temperature:            0.7,
				TimeoutSeconds:         60,
				Retry:                  2,
				Stream:                 true,
				HistoryCompactionRatio: 0.8,
				HistoryCompactionReset: "current",
			},
		},
		DefaultModel: "default",
		Workspace: WorkspaceConfig{
			Root:            "./workspaces",
			DBPath:          "./workspaces/conductor.db",
			MaxHistoryItems: 200,
			RetentionDays:   90,
		},
		Observability: ObservabilityConfig{
			MonitorEventLimit:      500,
			MonitorPayloadMaxChars: 4000,
		},
		Sandbox: SandboxConfig{Mode: "local", IdleTTLSeconds: 300},
	}
}

// Model resolves a named model config, falling back to DefaultModel, and
// filling zero-valued MaxContext, MaxOutput, MaxRounds, TimeoutSeconds,
// HistoryCompactionRatio and an empty HistoryCompactionReset from Default()'s
// "default" entry so a sparse models.yaml override still yields a usable
// ModelConfig. Temperature and Retry are taken as given, zero included.
func (c Config) Model(name string) (ModelConfig, error) {
	if name == "" {
		name = c.DefaultModel
	}
	m, ok := c.Models[name]
	if !ok {
		return ModelConfig{}, fmt.Errorf("config: model %q not found", name)
	}
	base := Default().Models["default"]
	if m.MaxContext == 0 {
		m.MaxContext = base.MaxContext
	}
	if m.MaxOutput == 0 {
		m.MaxOutput = base.MaxOutput
	}
	if m.MaxRounds == 0 {
		m.MaxRounds = base.MaxRounds
	}
	if m.TimeoutSeconds == 0 {
		m.TimeoutSeconds = base.TimeoutSeconds
	}
	if m.HistoryCompactionRatio == 0 {
		m.HistoryCompactionRatio = base.HistoryCompactionRatio
	}
	if m.HistoryCompactionReset == "" {
		m.HistoryCompactionReset = base.HistoryCompactionReset
	}
	return m, nil
}

// Load reads a YAML config file over Default() and applies a small set of
// environment overrides (mirroring the teacher cmd's dotenv pattern of
// letting ambient env win for secrets). A missing path returns Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return applyEnvOverrides(cfg), nil
			}
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}
	return applyEnvOverrides(cfg), nil
}

func applyEnvOverrides(cfg Config) Config {
	if key := os.Getenv("CONDUCTOR_API_KEY"); key != "" {
		cfg.Security.APIKey = key
	}
	if root := os.Getenv("CONDUCTOR_WORKSPACE_ROOT"); root != "" {
		cfg.Workspace.Root = root
	}
	if dbPath := os.Getenv("CONDUCTOR_DB_PATH"); dbPath != "" {
		cfg.Workspace.DBPath = dbPath
	}
	return cfg
}

// Manager guards a live Config behind a version counter. Every Apply bumps
// Version; the prompt composer's cache key includes Version so a config
// change invalidates cached system prompts without an explicit flush call
// (spec §4.7).
type Manager struct {
	mu      sync.RWMutex
	cfg     Config
	version int64
}

// NewManager wraps cfg in a Manager starting at version 1.
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg, version: 1}
}

// Get returns the current config snapshot and its version.
func (m *Manager) Get() (Config, int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg, m.version
}

// Apply mutates the config under lock via patch and bumps the version,
// returning the new version.
func (m *Manager) Apply(patch func(*Config)) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	patch(&m.cfg)
	m.version++
	return m.version
}
