// Package config loads mediagrab's on-disk settings, following the
// teacher's ConfigDir/ConfigPath layout: flags override environment
// variables, which override the YAML file, which overrides built-in
// defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"gopkg.in/yaml.v3"
)

const (
	ConfigFileName = "config.yml"
	AppDirName     = "mediagrab"
)

// ConfigDir returns the standard config directory for mediagrab.
// Windows: %APPDATA%\mediagrab\
// macOS/Linux: ~/.config/mediagrab/
func ConfigDir() (string, error) {
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, AppDirName), nil
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", AppDirName), nil
}

// ConfigPath returns the path to the config file, e.g.
// ~/.config/mediagrab/config.yml.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ConfigFileName), nil
}

// Config holds the settings the Playlist Pipeline and Live Recorder read at
// startup. Fields mirror the pipeline.Options/live.Options the CLI builds
// from them.
type Config struct {
	OutputDir      string `yaml:"output_dir,omitempty"`
	MaxConcurrent  int    `yaml:"max_concurrent,omitempty"`
	MuxTimeoutSecs int    `yaml:"mux_timeout_secs,omitempty"`
}

// DefaultConfig returns the built-in defaults, used when no file, env var,
// or flag sets a value.
func DefaultConfig() *Config {
	return &Config{
		OutputDir:      DefaultDownloadDir(),
		MaxConcurrent:  3,
		MuxTimeoutSecs: 900,
	}
}

// DefaultDownloadDir returns the default output directory.
// Windows/macOS: ~/Downloads/mediagrab; Linux: ~/downloads/mediagrab.
func DefaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./downloads"
	}
	switch runtime.GOOS {
	case "darwin", "windows":
		return filepath.Join(home, "Downloads", "mediagrab")
	default:
		return filepath.Join(home, "downloads", "mediagrab")
	}
}

// Exists reports whether a config file is present.
func Exists() bool {
	path, err := ConfigPath()
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Load reads the config file, returning DefaultConfig's values for any
// field it omits.
func Load() (*Config, error) {
	cfg := DefaultConfig()
	path, err := ConfigPath()
	if err != nil {
		return cfg, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading %s: %w", path, err)
	}

	fileCfg := &Config{}
	if err := yaml.Unmarshal(data, fileCfg); err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", path, err)
	}
	overlay(cfg, fileCfg)
	return cfg, nil
}

// ApplyEnv applies MEDIA_MAX_CONCURRENT and MEDIA_MUX_TIMEOUT_MS over cfg,
// per the env-overrides-file precedence rule. MEDIA_MUX_TIMEOUT_MS is
// expressed in milliseconds on the wire but stored here in whole seconds.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("MEDIA_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrent = n
		}
	}
	if v := os.Getenv("MEDIA_MUX_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.MuxTimeoutSecs = ms / 1000
		}
	}
}

// Validate checks that both knobs are positive: MaxConcurrent and
// MuxTimeoutSecs must each be at least 1.
func (c *Config) Validate() error {
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be >= 1, got %d", c.MaxConcurrent)
	}
	if c.MuxTimeoutSecs < 1 {
		return fmt.Errorf("mux_timeout_secs must be >= 1, got %d", c.MuxTimeoutSecs)
	}
	return nil
}

// Save writes cfg to the config file, creating its directory if needed.
func Save(cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("serializing config: %w", err)
	}
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	header := "# mediagrab configuration file\n# Run 'mediagrab init' to regenerate with defaults\n\n"
	return os.WriteFile(path, []byte(header+string(data)), 0644)
}

// Init creates a new config.yml with default values. It refuses to
// overwrite an existing file.
func Init() error {
	if Exists() {
		path, _ := ConfigPath()
		return fmt.Errorf("%s already exists", path)
	}
	return Save(DefaultConfig())
}

// overlay copies every non-zero field of src onto dst.
func overlay(dst, src *Config) {
	if src.OutputDir != "" {
		dst.OutputDir = src.OutputDir
	}
	if src.MaxConcurrent != 0 {
		dst.MaxConcurrent = src.MaxConcurrent
	}
	if src.MuxTimeoutSecs != 0 {
		dst.MuxTimeoutSecs = src.MuxTimeoutSecs
	}
}
