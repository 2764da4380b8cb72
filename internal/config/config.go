// Package config holds the server configuration. Values come from Default,
// then an optional YAML file, then GROUPREGISTRY_* environment variables, then
// command line flags.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"groupregistry/internal/schema/group"

	"github.com/nats-io/nats.go"
	"gopkg.in/yaml.v3"
)

const envPrefix = "GROUPREGISTRY_"

// Backend selects the table store.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendNATS   Backend = "nats"
	BackendPebble Backend = "pebble"
)

type Config struct {
	HTTPAddr  string  `yaml:"httpAddr"`
	Backend   Backend `yaml:"backend"`
	NATSURL   string  `yaml:"natsURL"`
	Bucket    string  `yaml:"bucket"`
	PebbleDir string  `yaml:"pebbleDir"`
	Retry     Retry   `yaml:"retry"`
	Metrics   bool    `yaml:"metrics"`
	Debug     bool    `yaml:"debug"`
	// TestMode starts an embedded NATS server when none is reachable.
	TestMode bool `yaml:"testMode"`
}

type Retry struct {
	MaxRetries     uint64        `yaml:"maxRetries"`
	InitialBackoff time.Duration `yaml:"initialBackoff"`
	MaxBackoff     time.Duration `yaml:"maxBackoff"`
}

// Policy converts r into the group retry policy.
func (r Retry) Policy() group.RetryPolicy {
	return group.RetryPolicy{MaxRetries: r.MaxRetries, InitialBackoff: r.InitialBackoff, MaxBackoff: r.MaxBackoff}
}

// Default returns built-in defaults.
func Default() Config {
	p := group.DefaultRetryPolicy()
	return Config{
		HTTPAddr:  ":8081",
		Backend:   BackendNATS,
		NATSURL:   nats.DefaultURL,
		Bucket:    "GROUPREGISTRY",
		PebbleDir: "data",
		Retry:     Retry{MaxRetries: p.MaxRetries, InitialBackoff: p.InitialBackoff, MaxBackoff: p.MaxBackoff},
		Metrics:   true,
	}
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

// FromEnv overlays the GROUPREGISTRY_* variables that are set.
func (c *Config) FromEnv() error {
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.Backend = Backend(getEnv("BACKEND", string(c.Backend)))
	c.NATSURL = getEnv("NATS_URL", c.NATSURL)
	c.Bucket = getEnv("BUCKET", c.Bucket)
	c.PebbleDir = getEnv("PEBBLE_DIR", c.PebbleDir)
	c.Metrics = getEnvBool("METRICS", c.Metrics)
	c.Debug = getEnvBool("DEBUG", c.Debug)
	c.TestMode = getEnvBool("TEST_MODE", c.TestMode)

	var err error
	if c.Retry.MaxRetries, err = getEnvUint("MAX_RETRIES", c.Retry.MaxRetries); err != nil {
		return err
	}
	if c.Retry.InitialBackoff, err = getEnvDuration("INITIAL_BACKOFF", c.Retry.InitialBackoff); err != nil {
		return err
	}
	if c.Retry.MaxBackoff, err = getEnvDuration("MAX_BACKOFF", c.Retry.MaxBackoff); err != nil {
		return err
	}
	return c.Validate()
}

func (c Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendNATS:
		if c.Bucket == "" {
			return fmt.Errorf("backend %s requires a bucket", c.Backend)
		}
	case BackendPebble:
		if c.PebbleDir == "" {
			return fmt.Errorf("backend %s requires pebbleDir", c.Backend)
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		return fmt.Errorf("retry maxBackoff %s is below initialBackoff %s", c.Retry.MaxBackoff, c.Retry.InitialBackoff)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(envPrefix + key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(envPrefix + key); v != "" {
		return v == "true" || v == "1" || v == "yes"
	}
	return def
}

func getEnvUint(key string, def uint64) (uint64, error) {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	return n, nil
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	return d, nil
}
