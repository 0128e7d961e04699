package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/moclojer/chrondb-sub001/internal/chrondb"
)

// Config is the TOML configuration file structure. data_dir and index_dir
// have flag-level overrides in main.go; the other fields come only from
// the file.
type Config struct {
	DataDir       string `toml:"data_dir"`
	IndexDir      string `toml:"index_dir"`
	DefaultBranch string `toml:"default_branch"`

	Committer CommitterConfig `toml:"committer"`
	Remote    RemoteConfig    `toml:"remote"`
	Logging   LoggingConfig   `toml:"logging"`
}

// CommitterConfig stamps every commit's author identity.
type CommitterConfig struct {
	Name  string `toml:"name"`
	Email string `toml:"email"`
}

// RemoteConfig drives the remote transport.
type RemoteConfig struct {
	URL         string `toml:"url"`
	PushEnabled bool   `toml:"push_enabled"`
	PushNotes   bool   `toml:"push_notes"`
	PullOnStart bool   `toml:"pull_on_start"`
}

// LoggingConfig selects the default logger's destination. Level is applied
// only when Output is "file"; with stdout output the level comes from the
// command-line log flags and Level is not used.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Output string `toml:"output"`
	File   string `toml:"file"`
}

// defaultConfig is the configuration a bare `chrondb server` runs with.
func defaultConfig() Config {
	return Config{
		DataDir:       "./data",
		IndexDir:      "./index",
		DefaultBranch: "main",
		Remote:        RemoteConfig{PushNotes: true},
		Logging:       LoggingConfig{Level: "info", Output: "stdout"},
	}
}

// LoadConfig reads and validates path, layered over the defaults. An
// empty path returns the defaults untouched.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config file: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %q: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}

	switch c.Logging.Output {
	case "", "stdout":
	case "file":
		if c.Logging.File == "" {
			return fmt.Errorf("logging.output = \"file\" requires logging.file")
		}
	default:
		return fmt.Errorf("logging.output must be stdout or file; got %q", c.Logging.Output)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.IndexDir == "" {
		return fmt.Errorf("index_dir is required")
	}
	return nil
}

// logWriter resolves the configured logging destination.
func (c *Config) logWriter() (*os.File, error) {
	if c.Logging.Output != "file" {
		return os.Stdout, nil
	}
	f, err := os.OpenFile(c.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

// dbConfig derives the core's open options from the loaded file.
func (c *Config) dbConfig() chrondb.Config {
	return chrondb.Config{
		DataPath:          c.DataDir,
		IndexPath:         c.IndexDir,
		DefaultBranch:     c.DefaultBranch,
		CommitterName:     c.Committer.Name,
		CommitterEmail:    c.Committer.Email,
		RemoteURL:         c.Remote.URL,
		RemotePushEnabled: c.Remote.PushEnabled,
	}
}
