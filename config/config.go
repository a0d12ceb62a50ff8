// Package config loads the ngserver configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/guseggert/ngserver/internal/files"
	"github.com/guseggert/ngserver/protocol"
	"go.uber.org/zap/zapcore"
)

// FileName is the config file searched for upward from the working directory.
const FileName = "ngserver.toml"

type Config struct {
	ListenAddr   string `toml:"listen_addr"`
	AdminAddr    string `toml:"admin_addr"`
	Workers      int    `toml:"workers"`
	MaxChunkSize uint32 `toml:"max_chunk_size"`
	StdinTimeout string `toml:"stdin_timeout"`
	LogLevel     string `toml:"log_level"`
}

func Default() *Config {
	return &Config{
		ListenAddr:   fmt.Sprintf("0.0.0.0:%d", protocol.DefaultPort),
		Workers:      16,
		MaxChunkSize: protocol.DefaultMaxChunkSize,
		StdinTimeout: "5s",
		LogLevel:     "info",
	}
}

// Find returns the path of the nearest config file at or above dir, or "" if there is none.
func Find(dir string) (string, error) {
	return files.FindUp(FileName, dir)
}

// Load reads the config file at path over the defaults.
// If the file does not exist, it returns the defaults (no error).
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that every field can be used to build a server.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr must be set")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.MaxChunkSize < 1 {
		return errors.New("max_chunk_size must be positive")
	}
	if _, err := c.StdinTimeoutDuration(); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

func (c *Config) StdinTimeoutDuration() (time.Duration, error) {
	d, err := time.ParseDuration(c.StdinTimeout)
	if err != nil {
		return 0, fmt.Errorf("parsing stdin_timeout: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("stdin_timeout must be positive, got %s", d)
	}
	return d, nil
}

func (c *Config) Level() (zapcore.Level, error) {
	l, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return l, fmt.Errorf("parsing log_level: %w", err)
	}
	return l, nil
}
