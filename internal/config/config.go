package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Daemon     DaemonConfig     `yaml:"daemon"`
	CLI        CLIConfig        `yaml:"cli"`
	Usage      UsageConfig      `yaml:"usage"`
	Approval   ApprovalConfig   `yaml:"approval"`
	Workspaces WorkspacesConfig `yaml:"workspaces"`
}

type DaemonConfig struct {
	Listen        string `yaml:"listen"`
	MetricsListen string `yaml:"metrics_listen"`
	StateDir      string `yaml:"state_dir"`
	LogLevel      string `yaml:"log_level"`
	LogDev        bool   `yaml:"log_dev"`
	// SaveDebounceMs bounds how often a dirty store is flushed to disk.
	SaveDebounceMs int `yaml:"save_debounce_ms"`
}

type CLIConfig struct {
	Bin     string   `yaml:"bin"`
	Args    []string `yaml:"args"`
	UsePTY  bool     `yaml:"use_pty"`
	PTYRows uint16   `yaml:"pty_rows"`
	PTYCols uint16   `yaml:"pty_cols"`
}

type UsageConfig struct {
	InputCostPerMTok  float64 `yaml:"input_cost_per_mtok"`
	OutputCostPerMTok float64 `yaml:"output_cost_per_mtok"`
	RetentionDays     int     `yaml:"retention_days"`
	DefaultModel      string  `yaml:"default_model"`
	// DailyTokenAlert is a threshold on today's total tokens; 0 disables it.
	DailyTokenAlert int64 `yaml:"daily_token_alert"`
}

type ApprovalConfig struct {
	HighRiskTools   []string `yaml:"high_risk_tools"`
	MediumRiskTools []string `yaml:"medium_risk_tools"`
}

type WorkspacesConfig struct {
	Root string `yaml:"root"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Daemon.Listen == "" {
		cfg.Daemon.Listen = "127.0.0.1:7772"
	}
	if cfg.Daemon.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "/tmp"
		}
		cfg.Daemon.StateDir = filepath.Join(home, ".prism")
	}
	if cfg.Daemon.LogLevel == "" {
		cfg.Daemon.LogLevel = "info"
	}
	if cfg.Daemon.SaveDebounceMs == 0 {
		cfg.Daemon.SaveDebounceMs = 1000
	}
	if cfg.CLI.Bin == "" {
		cfg.CLI.Bin = "claude"
	}
	if len(cfg.CLI.Args) == 0 {
		cfg.CLI.Args = []string{"--output-format", "stream-json", "--print", "--dangerously-skip-permissions"}
	}
	if cfg.CLI.PTYRows == 0 {
		cfg.CLI.PTYRows = 24
	}
	if cfg.CLI.PTYCols == 0 {
		cfg.CLI.PTYCols = 80
	}
	if cfg.Usage.InputCostPerMTok == 0 {
		cfg.Usage.InputCostPerMTok = 3.0
	}
	if cfg.Usage.OutputCostPerMTok == 0 {
		cfg.Usage.OutputCostPerMTok = 15.0
	}
	if cfg.Usage.RetentionDays == 0 {
		cfg.Usage.RetentionDays = 90
	}
	if cfg.Usage.DefaultModel == "" {
		cfg.Usage.DefaultModel = "claude-sonnet-4"
	}
	if len(cfg.Approval.HighRiskTools) == 0 {
		cfg.Approval.HighRiskTools = []string{"Bash", "Write", "Edit"}
	}
	if len(cfg.Approval.MediumRiskTools) == 0 {
		cfg.Approval.MediumRiskTools = []string{"Read", "Grep", "Glob"}
	}
	if cfg.Workspaces.Root == "" {
		cfg.Workspaces.Root = filepath.Join(cfg.Daemon.StateDir, "worktrees")
	}

	// Optional environment overrides.
	if dir := os.Getenv("PRISMD_STATE_DIR"); dir != "" {
		cfg.Daemon.StateDir = dir
	}
	if bin := os.Getenv("PRISMD_CLI_BIN"); bin != "" {
		cfg.CLI.Bin = bin
	}
}
