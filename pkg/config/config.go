// Package config loads the YAML configuration shared by gojovmem tools.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sushant-115/gojovmem/core/store"
	"github.com/sushant-115/gojovmem/core/vmem"
	"github.com/sushant-115/gojovmem/pkg/logger"
	"github.com/sushant-115/gojovmem/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config is the top level config file layout.
type Config struct {
	Store     store.Config     `yaml:"store"`
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

func Default() *Config {
	return &Config{
		Store: store.DefaultConfig(),
		Logger: logger.Config{
			Level:      "info",
			Format:     "console",
			OutputFile: "stderr",
		},
		Telemetry: telemetry.Config{
			ServiceName:      telemetry.DefaultServiceName,
			TraceSampleRatio: 1,
		},
	}
}

// Load reads path over the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	s := c.Store
	if s.Path == "" {
		return fmt.Errorf("%w: store.path is empty", ErrInvalidConfig)
	}
	if s.PageSize < vmem.MinPageSize || s.PageSize > vmem.MaxPageSize || s.PageSize%8 != 0 {
		return fmt.Errorf("%w: store.page_size %d must be a multiple of 8 in [%d, %d]",
			ErrInvalidConfig, s.PageSize, vmem.MinPageSize, vmem.MaxPageSize)
	}
	if s.MaxMappedPages <= 0 {
		return fmt.Errorf("%w: store.max_mapped_pages must be positive", ErrInvalidConfig)
	}
	if _, err := vmem.ParseMapping(s.Mapping); err != nil {
		return fmt.Errorf("%w: store.mapping: %v", ErrInvalidConfig, err)
	}
	if s.LockTimeout < 0 || s.SnapshotRateBytesPerSec < 0 {
		return fmt.Errorf("%w: store.lock_timeout and store.snapshot_rate_bytes_per_sec must not be negative", ErrInvalidConfig)
	}
	if t := c.Telemetry; t.Enabled && (t.PrometheusPort < 0 || t.PrometheusPort > 65535) {
		return fmt.Errorf("%w: telemetry.prometheus_port %d out of range", ErrInvalidConfig, t.PrometheusPort)
	}
	return nil
}

// Marshal renders the config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
