// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"acheron.dev/acheron/internal/errors"
)

// Config holds the daemon-level options read once at startup.
type Config struct {
	ListenAddr   string `yaml:"listen_addr"`
	DatabasePath string `yaml:"database_path"`
	PcapsDir     string `yaml:"pcaps_dir"`
	WatchDir     string `yaml:"watch_dir"`
	GeoIPDB      string `yaml:"geoip_db"`
	RescanMode   string `yaml:"rescan_mode"` // off | eager | lazy
	LogLevel     string `yaml:"log_level"`
	LogJSON      bool   `yaml:"log_json"`

	Settings Settings `yaml:"settings"`
}

// Settings is the runtime configuration object exposed through POST /setup.
// The recognized keys are exactly the ones below; everything else the
// analyst can tune lives in the daemon Config.
type Settings struct {
	ServerAddress     string            `yaml:"server_address" json:"server_address"`
	FlagRegex         string            `yaml:"flag_regex" json:"flag_regex"`
	AuthRequired      bool              `yaml:"auth_required" json:"auth_required"`
	Accounts          map[string]string `yaml:"accounts" json:"accounts"`
	BlockGapMs        int               `yaml:"block_gap_ms" json:"block_gap_ms"`
	IdleFlowS         int               `yaml:"idle_flow_s" json:"idle_flow_s"`
	MaxChunkBytes     int               `yaml:"max_chunk_bytes" json:"max_chunk_bytes"`
	DefaultQueryLimit int               `yaml:"default_query_limit" json:"default_query_limit"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		ListenAddr:   "0.0.0.0:3333",
		DatabasePath: "acheron.db",
		PcapsDir:     "pcaps",
		RescanMode:   "eager",
		LogLevel:     "info",
		Settings:     DefaultSettings(),
	}
}

// DefaultSettings returns the runtime settings applied before /setup runs.
func DefaultSettings() Settings {
	return Settings{
		BlockGapMs:        100,
		IdleFlowS:         300,
		MaxChunkBytes:     64 * 1024,
		DefaultQueryLimit: 8024,
	}
}

// Load reads a yaml config file, filling unset fields with defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, errors.KindValidation, "cannot read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrap(err, errors.KindValidation, "malformed config")
	}
	cfg.Settings.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyDefaults fills the tuning knobs left unset.
func (s *Settings) ApplyDefaults() {
	def := DefaultSettings()
	if s.BlockGapMs <= 0 {
		s.BlockGapMs = def.BlockGapMs
	}
	if s.IdleFlowS <= 0 {
		s.IdleFlowS = def.IdleFlowS
	}
	if s.MaxChunkBytes <= 0 {
		s.MaxChunkBytes = def.MaxChunkBytes
	}
	if s.DefaultQueryLimit <= 0 {
		s.DefaultQueryLimit = def.DefaultQueryLimit
	}
}

// Validate checks the daemon options.
func (c *Config) Validate() error {
	switch c.RescanMode {
	case "", "off", "eager", "lazy":
	default:
		return errors.Errorf(errors.KindValidation, "invalid rescan_mode: %s", c.RescanMode)
	}
	if c.Settings.ServerAddress != "" || c.Settings.FlagRegex != "" {
		if err := c.Settings.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks a settings object as submitted through /setup.
func (s *Settings) Validate() error {
	if err := ValidateAddress(s.ServerAddress); err != nil {
		return err
	}
	if err := ValidateFlagRegex(s.FlagRegex); err != nil {
		return err
	}
	if s.AuthRequired && len(s.Accounts) == 0 {
		return errors.New(errors.KindValidation, "auth_required with no accounts")
	}
	for username, password := range s.Accounts {
		if username == "" || password == "" {
			return errors.New(errors.KindValidation, "empty account username or password")
		}
	}
	return nil
}

// BlockGap returns the block split threshold as a duration.
func (s *Settings) BlockGap() time.Duration {
	return time.Duration(s.BlockGapMs) * time.Millisecond
}

// IdleFlow returns the idle flow timeout as a duration.
func (s *Settings) IdleFlow() time.Duration {
	return time.Duration(s.IdleFlowS) * time.Second
}
