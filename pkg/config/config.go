// Package config loads cellstream.yaml, the configuration of `cellstream serve`.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/holon-run/cellstream/pkg/cellrun"
	"github.com/holon-run/cellstream/pkg/log"
	"github.com/holon-run/cellstream/pkg/runtime/docker"
	"github.com/holon-run/cellstream/pkg/serve"
)

// Runtimes accepted by the runtime key.
const (
	RuntimeEcho   = "echo"
	RuntimeShell  = "shell"
	RuntimeDocker = "docker"
)

// DefaultListen is the serve address when none is configured.
const DefaultListen = "127.0.0.1:8765"

// Config is the parsed cellstream.yaml.
type Config struct {
	Listen    string          `yaml:"listen,omitempty"`
	Runtime   string          `yaml:"runtime,omitempty"`
	Echo      EchoConfig      `yaml:"echo,omitempty"`
	Docker    DockerConfig    `yaml:"docker,omitempty"`
	Shell     ShellConfig     `yaml:"shell,omitempty"`
	Limits    LimitsConfig    `yaml:"limits,omitempty"`
	Coalesce  CoalesceConfig  `yaml:"coalesce,omitempty"`
	Transport TransportConfig `yaml:"transport,omitempty"`
	Fallback  FallbackConfig  `yaml:"fallback,omitempty"`
	Log       LogConfig       `yaml:"log,omitempty"`
}

// EchoConfig shapes the output of the echo runtime.
type EchoConfig struct {
	Chunks int      `yaml:"chunks,omitempty"`
	Delay  Duration `yaml:"delay,omitempty"`
	Stream bool     `yaml:"stream,omitempty"`
}

type DockerConfig struct {
	Image     string `yaml:"image,omitempty"`
	Workspace string `yaml:"workspace,omitempty"`
	Pull      bool   `yaml:"pull,omitempty"`
}

type ShellConfig struct {
	Path string `yaml:"path,omitempty"`
	Dir  string `yaml:"dir,omitempty"`
}

type LimitsConfig struct {
	Default           int `yaml:"default,omitempty"`
	Max               int `yaml:"max,omitempty"`
	MaxConcurrentRuns int `yaml:"max_concurrent_runs,omitempty"`
}

type CoalesceConfig struct {
	Interval Duration `yaml:"interval,omitempty"`
	MaxBytes int      `yaml:"max_bytes,omitempty"`
}

type TransportConfig struct {
	SendQueueSize int      `yaml:"send_queue_size,omitempty"`
	WriteTimeout  Duration `yaml:"write_timeout,omitempty"`
}

// FallbackConfig selects where output of detached runs goes. With an empty
// Dir that output is discarded. Prefix restricts the paths recorded.
type FallbackConfig struct {
	Dir      string `yaml:"dir,omitempty"`
	Compress bool   `yaml:"compress,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
}

type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// Duration is a time.Duration written as a Go duration string ("100ms").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"100ms\": %w", err)
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Default returns the configuration used when no file is given.
func Default() Config {
	cfg := Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads path, applies defaults and validates. An empty path yields the
// defaults.
func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg as YAML.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = DefaultListen
	}
	c.Runtime = strings.ToLower(strings.TrimSpace(c.Runtime))
	if c.Runtime == "" {
		c.Runtime = RuntimeEcho
	}
	if c.Docker.Image == "" {
		c.Docker.Image = docker.DefaultImage
	}
	if c.Coalesce.Interval.Duration == 0 {
		c.Coalesce.Interval.Duration = cellrun.DefaultCoalesceInterval
	}
	if c.Coalesce.MaxBytes == 0 {
		c.Coalesce.MaxBytes = cellrun.DefaultCoalesceMaxBytes
	}
	if c.Transport.SendQueueSize == 0 {
		c.Transport.SendQueueSize = serve.DefaultSendQueueSize
	}
	if c.Transport.WriteTimeout.Duration == 0 {
		c.Transport.WriteTimeout.Duration = serve.DefaultWriteTimeout
	}
	if c.Log.Level == "" {
		c.Log.Level = string(log.LevelProgress)
	}
	if c.Log.Format == "" {
		c.Log.Format = log.FormatConsole
	}
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	switch c.Runtime {
	case RuntimeEcho, RuntimeShell, RuntimeDocker:
	default:
		errs = append(errs, fmt.Errorf("runtime: invalid value %q (expected echo, shell, or docker)", c.Runtime))
	}
	if c.Limits.Default < 0 || c.Limits.Max < 0 {
		errs = append(errs, errors.New("limits: default and max must not be negative"))
	}
	if c.Limits.Max > 0 && c.Limits.Default > c.Limits.Max {
		errs = append(errs, fmt.Errorf("limits.default (%d) exceeds limits.max (%d)", c.Limits.Default, c.Limits.Max))
	}
	if c.Limits.MaxConcurrentRuns < 0 {
		errs = append(errs, errors.New("limits.max_concurrent_runs must not be negative"))
	}
	if c.Echo.Chunks < 0 || c.Echo.Delay.Duration < 0 {
		errs = append(errs, errors.New("echo: chunks and delay must not be negative"))
	}
	if c.Coalesce.Interval.Duration < 0 || c.Coalesce.MaxBytes < 0 {
		errs = append(errs, errors.New("coalesce: interval and max_bytes must not be negative"))
	}
	if c.Transport.SendQueueSize < 0 {
		errs = append(errs, errors.New("transport.send_queue_size must not be negative"))
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != log.FormatConsole && c.Log.Format != log.FormatJSON {
		errs = append(errs, fmt.Errorf("log.format: invalid value %q (expected console or json)", c.Log.Format))
	}
	return errors.Join(errs...)
}

// ServerConfig maps the limits and coalesce sections onto a cellrun.Config.
// Run, OutputHandler and Status are left for the caller.
func (c Config) ServerConfig() cellrun.Config {
	return cellrun.Config{
		DefaultLimit:      c.Limits.Default,
		MaxLimit:          c.Limits.Max,
		MaxConcurrentRuns: c.Limits.MaxConcurrentRuns,
		Coalesce: cellrun.CoalesceConfig{
			Interval: c.Coalesce.Interval.Duration,
			MaxBytes: c.Coalesce.MaxBytes,
		},
	}
}

// HandlerConfig maps the transport section.
func (c Config) HandlerConfig() serve.HandlerConfig {
	return serve.HandlerConfig{
		SendQueueSize: c.Transport.SendQueueSize,
		WriteTimeout:  c.Transport.WriteTimeout.Duration,
	}
}
