// Package cmd wires the hivemux command-line interface.
package cmd

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/hivemux/internal/config"
)

var (
	version = "dev"
	cfgFile string
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:   "hivemux",
	Short: "Orchestrate a network of coding assistant CLIs in tmux",
	Long: `Hivemux runs long-lived coding assistant CLI processes in tmux sessions
and coordinates them as a hierarchy: spawning, messaging with reply
correlation, artifact collection, and autonomous supervision.

The orchestrator exposes its tool surface as MCP over HTTP and stdio so
the assistants themselves can drive it.`,
	Version: version,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.hivemux/config.yaml)")
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("workspace_root", defaults.WorkspaceRoot)
	viper.SetDefault("log_level", defaults.LogLevel)
	viper.SetDefault("log_path", defaults.LogPath)
	viper.SetDefault("api_key", "")
	viper.SetDefault("server.listen_addr", defaults.Server.ListenAddr)
	viper.SetDefault("instances.max", defaults.Instances.Max)
	viper.SetDefault("instances.ready_timeout", defaults.Instances.ReadyTimeout)
	viper.SetDefault("instances.send_timeout", defaults.Instances.SendTimeout)
	viper.SetDefault("instances.claude.command", defaults.Instances.Claude.Command)
	viper.SetDefault("instances.claude.model", defaults.Instances.Claude.Model)
	viper.SetDefault("instances.codex.command", defaults.Instances.Codex.Command)
	viper.SetDefault("instances.codex.model", defaults.Instances.Codex.Model)
	viper.SetDefault("artifacts.root", defaults.Artifacts.Root)
	viper.SetDefault("artifacts.preserve", defaults.Artifacts.Preserve)
	viper.SetDefault("artifacts.patterns", defaults.Artifacts.Patterns)
	viper.SetDefault("journal.root", defaults.Journal.Root)
	viper.SetDefault("journal.index_path", defaults.Journal.IndexPath)
	viper.SetDefault("supervisor.interval", defaults.Supervisor.Interval)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.file_path", defaults.Tracing.FilePath)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)

	// Every key is overridable from the environment:
	// instances.max -> HIVEMUX_INSTANCES_MAX, api_key -> HIVEMUX_API_KEY.
	viper.SetEnvPrefix("HIVEMUX")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .hivemux/config.yaml (current directory)
		// 2. ~/.hivemux/config.yaml (user config)
		if _, err := os.Stat(".hivemux/config.yaml"); err == nil {
			viper.SetConfigFile(".hivemux/config.yaml")
		} else {
			viper.AddConfigPath(config.DefaultRoot())
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// No config file found anywhere - create default at ~/.hivemux/config.yaml
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			defaultPath := filepath.Join(config.DefaultRoot(), "config.yaml")
			if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
				viper.SetConfigFile(defaultPath)
				_ = viper.ReadInConfig()
			}
			// If write fails, just continue with defaults (no config file)
		}
	}

	_ = viper.Unmarshal(&cfg)
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
