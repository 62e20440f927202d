package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Config is the optional YAML config file, ~/.chronicle.yaml by
// default. Flags set on the command line win over file values.
type Config struct {
	DB            string `yaml:"db"`
	Format        string `yaml:"format"`
	BusyTimeoutMS int64  `yaml:"busy_timeout_ms"`
}

// LoadConfig reads and parses one config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// applyConfig loads the config file and fills in globals the command
// line left at their defaults. A missing default config file is fine;
// a missing file named via --config is an error.
func applyConfig(cmd *cobra.Command, opts *RootOptions) error {
	path := opts.ConfigPath
	explicit := path != ""
	if !explicit {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		path = filepath.Join(home, ".chronicle.yaml")
	}

	cfg, err := LoadConfig(path)
	if os.IsNotExist(err) {
		if explicit {
			return fmt.Errorf("config file not found: %s", path)
		}
		return nil
	}
	if err != nil {
		return err
	}

	if cfg.DB != "" && !cmd.Flags().Changed("db") {
		opts.DBPath = cfg.DB
	}
	if cfg.Format != "" && !cmd.Flags().Changed("format") {
		opts.Format = cfg.Format
	}
	if cfg.BusyTimeoutMS > 0 {
		opts.BusyTimeout = time.Duration(cfg.BusyTimeoutMS) * time.Millisecond
	}
	return nil
}
