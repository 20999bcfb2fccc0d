// Package config provides configuration types and defaults for hivemux.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/zjrosen/hivemux/internal/log"
	"github.com/zjrosen/hivemux/internal/orchestration"
	"github.com/zjrosen/hivemux/internal/orchestration/engine"
	"github.com/zjrosen/hivemux/internal/orchestration/tracing"
)

// Config holds all configuration options for hivemux.
type Config struct {
	// WorkspaceRoot is the directory under which per-instance workspaces
	// are created. Default: ~/.hivemux/workspaces
	WorkspaceRoot string `mapstructure:"workspace_root"`

	// LogLevel sets the minimum log severity: debug, info, warn, error.
	LogLevel string `mapstructure:"log_level"`

	// LogPath is the orchestrator log file.
	// Default: ~/.hivemux/hivemux.log
	LogPath string `mapstructure:"log_path"`

	// APIKey is passed to spawned assistant CLIs through their launch
	// environment. Usually set via HIVEMUX_API_KEY rather than the file.
	APIKey string `mapstructure:"api_key"`

	Server     ServerConfig     `mapstructure:"server"`
	Instances  InstancesConfig  `mapstructure:"instances"`
	Artifacts  ArtifactsConfig  `mapstructure:"artifacts"`
	Journal    JournalConfig    `mapstructure:"journal"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// ServerConfig holds the HTTP tool transport settings.
type ServerConfig struct {
	// ListenAddr is the host:port the HTTP RPC endpoint binds to.
	// Default: 127.0.0.1:7600
	ListenAddr string `mapstructure:"listen_addr"`
}

// ToolURL returns the RPC endpoint URL written into spawned instances'
// tool configuration.
func (s ServerConfig) ToolURL() string {
	return fmt.Sprintf("http://%s/rpc", s.ListenAddr)
}

// InstancesConfig holds spawning and delivery settings.
type InstancesConfig struct {
	// Max caps the number of concurrently live instances.
	Max int `mapstructure:"max"`

	// ReadyTimeout bounds how long spawn waits for a CLI prompt.
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`

	// SendTimeout is the default reply wait for send_message.
	SendTimeout time.Duration `mapstructure:"send_timeout"`

	Claude ClientConfig `mapstructure:"claude"`
	Codex  ClientConfig `mapstructure:"codex"`
}

// ClientConfig holds per-CLI settings.
type ClientConfig struct {
	// Command is the binary name, overridable for exotic installs.
	Command string `mapstructure:"command"`

	// Model is the default model for new instances of this kind.
	Model string `mapstructure:"model"`
}

// ArtifactsConfig holds artifact preservation settings.
type ArtifactsConfig struct {
	// Root is where terminated instances' artifacts are preserved.
	// Default: ~/.hivemux/artifacts
	Root string `mapstructure:"root"`

	// Preserve controls whether artifacts survive termination.
	Preserve bool `mapstructure:"preserve"`

	// Patterns selects which workspace files count as artifacts.
	Patterns []string `mapstructure:"patterns"`
}

// JournalConfig holds communication log and index settings.
type JournalConfig struct {
	// Root is the journal directory.
	// Default: ~/.hivemux/journal
	Root string `mapstructure:"root"`

	// IndexPath is the SQLite instance index. Empty disables the index.
	IndexPath string `mapstructure:"index_path"`
}

// SupervisorConfig holds autonomous evaluation loop settings.
type SupervisorConfig struct {
	// Enabled controls the supervisor loop (default: true when nil).
	Enabled *bool `mapstructure:"enabled"`

	// Interval between evaluation sweeps. Zero keeps the built-in default.
	Interval time.Duration `mapstructure:"interval"`
}

// IsEnabled returns whether the supervisor runs (defaults to true if nil).
func (s SupervisorConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether distributed tracing is active.
	// Default: false
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp"
	// Default: "file"
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for the "file" exporter.
	// Default: ~/.hivemux/traces/traces.jsonl
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for the "otlp" exporter.
	// Default: "localhost:4317"
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0).
	// Default: 1.0
	SampleRate float64 `mapstructure:"sample_rate"`
}

// ToTracing converts to the tracing package's configuration.
func (t TracingConfig) ToTracing() tracing.Config {
	return tracing.Config{
		Enabled:      t.Enabled,
		Exporter:     t.Exporter,
		FilePath:     t.FilePath,
		OTLPEndpoint: t.OTLPEndpoint,
		SampleRate:   t.SampleRate,
		ServiceName:  "hivemux",
	}
}

// DefaultRoot returns the hivemux data directory.
// Returns ~/.hivemux or empty string if home dir unavailable.
func DefaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".hivemux")
}

// DefaultTracesFilePath returns the default path for trace file export.
func DefaultTracesFilePath() string {
	root := DefaultRoot()
	if root == "" {
		return ""
	}
	return filepath.Join(root, "traces", "traces.jsonl")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	root := DefaultRoot()
	return Config{
		WorkspaceRoot: filepath.Join(root, "workspaces"),
		LogLevel:      "info",
		LogPath:       filepath.Join(root, "hivemux.log"),
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:7600",
		},
		Instances: InstancesConfig{
			Max:          10,
			ReadyTimeout: 60 * time.Second,
			SendTimeout:  120 * time.Second,
			Claude: ClientConfig{
				Command: "claude",
				Model:   "sonnet",
			},
			Codex: ClientConfig{
				Command: "codex",
				Model:   "gpt-5-codex",
			},
		},
		Artifacts: ArtifactsConfig{
			Root:     filepath.Join(root, "artifacts"),
			Preserve: true,
			Patterns: []string{"*.md", "*.patch", "*.diff", "*.json", "*.txt"},
		},
		Journal: JournalConfig{
			Root:      filepath.Join(root, "journal"),
			IndexPath: filepath.Join(root, "journal", "index.db"),
		},
		Supervisor: SupervisorConfig{
			Interval: 30 * time.Second,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     DefaultTracesFilePath(),
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// Validate checks the configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func (c Config) Validate() error {
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be \"debug\", \"info\", \"warn\", or \"error\", got %q", c.LogLevel)
	}
	if err := ValidateServer(c.Server); err != nil {
		return err
	}
	if err := ValidateInstances(c.Instances); err != nil {
		return err
	}
	if err := ValidateTracing(c.Tracing); err != nil {
		return err
	}
	return nil
}

// ValidateServer checks server configuration for errors.
func ValidateServer(server ServerConfig) error {
	if server.ListenAddr == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(server.ListenAddr); err != nil {
		return fmt.Errorf("server.listen_addr must be host:port, got %q", server.ListenAddr)
	}
	return nil
}

// ValidateInstances checks instance configuration for errors.
func ValidateInstances(inst InstancesConfig) error {
	if inst.Max < 0 {
		return fmt.Errorf("instances.max must not be negative, got %d", inst.Max)
	}
	if inst.ReadyTimeout < 0 {
		return fmt.Errorf("instances.ready_timeout must not be negative, got %v", inst.ReadyTimeout)
	}
	if inst.SendTimeout < 0 {
		return fmt.Errorf("instances.send_timeout must not be negative, got %v", inst.SendTimeout)
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(t TracingConfig) error {
	if t.SampleRate < 0.0 || t.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", t.SampleRate)
	}

	if t.Exporter != "" {
		switch t.Exporter {
		case "none", "file", "stdout", "otlp":
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", t.Exporter)
		}
	}

	if t.Enabled {
		if t.Exporter == "file" && t.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if t.Exporter == "otlp" && t.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}

// Options converts the configuration into orchestrator options.
// stdioCommand is the binary spawned instances use as their stdio RPC
// endpoint, normally this executable with the "stdio" subcommand.
func (c Config) Options(stdioCommand string, stdioArgs []string) orchestration.Options {
	return orchestration.Options{
		Engine: engine.Config{
			WorkspaceRoot:     c.WorkspaceRoot,
			ArtifactsRoot:     c.Artifacts.Root,
			MaxInstances:      c.Instances.Max,
			PreserveArtifacts: c.Artifacts.Preserve,
			ArtifactPatterns:  c.Artifacts.Patterns,
			ReadyTimeout:      c.Instances.ReadyTimeout,
			SendTimeout:       c.Instances.SendTimeout,
			HTTPToolURL:       c.Server.ToolURL(),
			StdioToolCommand:  stdioCommand,
			StdioToolArgs:     stdioArgs,
			ClaudeCommand:     c.Instances.Claude.Command,
			CodexCommand:      c.Instances.Codex.Command,
			APIKey:            c.APIKey,
		},
		JournalRoot:        c.Journal.Root,
		IndexPath:          c.Journal.IndexPath,
		SupervisorInterval: c.Supervisor.Interval,
		DisableSupervisor:  !c.Supervisor.IsEnabled(),
	}
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# Hivemux Configuration

# Directory for per-instance workspaces (default: ~/.hivemux/workspaces)
# workspace_root: /path/to/workspaces

# Minimum log level: debug, info, warn, error
log_level: info

# Orchestrator log file (default: ~/.hivemux/hivemux.log)
# log_path: /path/to/hivemux.log

# API key handed to spawned assistant CLIs. Prefer the HIVEMUX_API_KEY
# environment variable over storing it here.
# api_key: ""

# HTTP tool transport
server:
  listen_addr: 127.0.0.1:7600

# Instance spawning and delivery
instances:
  max: 10               # Concurrent live instance cap
  ready_timeout: 60s    # How long spawn waits for a CLI prompt
  send_timeout: 120s    # Default reply wait for send_message

  # Claude-style CLI settings
  claude:
    command: claude
    model: sonnet       # sonnet (default), opus, haiku

  # Codex-style CLI settings
  codex:
    command: codex
    model: gpt-5-codex

# Artifact preservation after termination
artifacts:
  preserve: true
  # root: ~/.hivemux/artifacts
  patterns:
    - "*.md"
    - "*.patch"
    - "*.diff"
    - "*.json"
    - "*.txt"

# Communication journal and instance index
# journal:
#   root: ~/.hivemux/journal
#   index_path: ~/.hivemux/journal/index.db

# Autonomous supervisor loop
supervisor:
  enabled: true
  interval: 30s         # Evaluation sweep interval

# Distributed tracing configuration
# Enables end-to-end visibility into tool call and delivery flows
# tracing:
#   enabled: false                 # Enable/disable tracing (default: false)
#   exporter: file                 # Export backend: none, file, stdout, otlp (default: file)
#   file_path: ~/.hivemux/traces/traces.jsonl  # Output file for file exporter
#   otlp_endpoint: localhost:4317  # OTLP collector endpoint (for otlp exporter)
#   sample_rate: 1.0               # Trace sampling rate 0.0-1.0 (default: 1.0)
#
# Example: Send traces to Jaeger via OTLP
# tracing:
#   enabled: true
#   exporter: otlp
#   otlp_endpoint: jaeger.internal:4317
#   sample_rate: 0.1  # Sample 10% of traces
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
