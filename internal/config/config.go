// Package config loads the server configuration: defaults, then an optional
// YAML file, then SHARDTICK_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/zeusync/shardtick/internal/core/room"
)

// EnvPrefix prefixes every environment variable the config reads.
const EnvPrefix = "SHARDTICK_"

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	LogLevel string `yaml:"logLevel" env:"LOG_LEVEL"`

	// TickInterval is how often the clock tries to open a tick nothing else
	// opened.
	TickInterval time.Duration `yaml:"tickInterval" env:"TICK_INTERVAL"`
	// MinTickInterval is the shortest time between two ticks while users are
	// active.
	MinTickInterval time.Duration `yaml:"minTickInterval" env:"MIN_TICK_INTERVAL"`
	// StallTimeout is how long a tick may make no progress before it is
	// abandoned; zero disables the watchdog.
	StallTimeout time.Duration `yaml:"stallTimeout" env:"STALL_TIMEOUT"`

	Processors        int `yaml:"processors" env:"PROCESSORS"`
	RoomConcurrency   int `yaml:"roomConcurrency" env:"ROOM_CONCURRENCY"`
	RunnerConcurrency int `yaml:"runnerConcurrency" env:"RUNNER_CONCURRENCY"`

	// BlobPath is the SQLite file of the blob store; empty keeps blobs in memory.
	BlobPath string `yaml:"blobPath" env:"BLOB_PATH"`
	Shards   int    `yaml:"shards" env:"SHARDS"`

	// Rooms are placed empty at startup when they do not exist yet.
	Rooms []string `yaml:"rooms" env:"ROOMS" envSeparator:","`
}

func Default() Config {
	return Config{
		LogLevel:          "info",
		TickInterval:      100 * time.Millisecond,
		MinTickInterval:   time.Second,
		StallTimeout:      30 * time.Second,
		Processors:        4,
		RoomConcurrency:   8,
		RunnerConcurrency: 8,
		Shards:            64,
	}
}

// Load builds the configuration from the file at path, when path is not empty,
// and the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err = decodeYAML(bytes.NewReader(data), &cfg); err != nil {
			return cfg, err
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("%w: tickInterval must be positive", ErrInvalid))
	}
	if c.MinTickInterval < 0 || c.StallTimeout < 0 {
		errs = append(errs, fmt.Errorf("%w: intervals must not be negative", ErrInvalid))
	}
	for name, n := range map[string]int{
		"processors":        c.Processors,
		"roomConcurrency":   c.RoomConcurrency,
		"runnerConcurrency": c.RunnerConcurrency,
		"shards":            c.Shards,
	} {
		if n < 1 {
			errs = append(errs, fmt.Errorf("%w: %s must be at least 1", ErrInvalid, name))
		}
	}
	for _, name := range c.Rooms {
		if _, _, err := room.Coordinates(name); err != nil {
			errs = append(errs, fmt.Errorf("%w: %w", ErrInvalid, err))
		}
	}
	return errors.Join(errs...)
}
