// Package config loads the supervisor's configuration file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// ModelEntry declares one supervised model.
type ModelEntry struct {
	ID       string            `json:"id" yaml:"id" toml:"id"`
	Artifact string            `json:"artifact" yaml:"artifact" toml:"artifact"`
	Args     []string          `json:"args,omitempty" yaml:"args,omitempty" toml:"args,omitempty"`
	Env      map[string]string `json:"env,omitempty" yaml:"env,omitempty" toml:"env,omitempty"`
}

// Backend describes how model backends are launched and probed.
type Backend struct {
	Command string   `json:"command" yaml:"command" toml:"command"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty" toml:"args,omitempty"`
	Host    string   `json:"host" yaml:"host" toml:"host"`
	// Env is KEY=VALUE pairs added to every backend.
	Env        []string `json:"env,omitempty" yaml:"env,omitempty" toml:"env,omitempty"`
	SlotEnv    string   `json:"slot_env" yaml:"slot_env" toml:"slot_env"`
	HealthPath string   `json:"health_path" yaml:"health_path" toml:"health_path"`
}

type Ports struct {
	Start int `json:"start" yaml:"start" toml:"start"`
	End   int `json:"end" yaml:"end" toml:"end"`
}

type Resources struct {
	Slots      []string `json:"slots,omitempty" yaml:"slots,omitempty" toml:"slots,omitempty"`
	Policy     string   `json:"policy" yaml:"policy" toml:"policy"`
	MaxPerSlot int      `json:"max_per_slot" yaml:"max_per_slot" toml:"max_per_slot"`
}

type Readiness struct {
	Interval string `json:"interval" yaml:"interval" toml:"interval"`
	Timeout  string `json:"timeout" yaml:"timeout" toml:"timeout"`
}

type HubSource struct {
	BaseURL     string `json:"base_url" yaml:"base_url" toml:"base_url"`
	Token       string `json:"token" yaml:"token" toml:"token"`
	Concurrency int    `json:"concurrency" yaml:"concurrency" toml:"concurrency"`
}

type S3Source struct {
	Region       string `json:"region" yaml:"region" toml:"region"`
	EndpointURL  string `json:"endpoint_url" yaml:"endpoint_url" toml:"endpoint_url"`
	UsePathStyle bool   `json:"use_path_style" yaml:"use_path_style" toml:"use_path_style"`
}

type Sources struct {
	Hub HubSource `json:"hub" yaml:"hub" toml:"hub"`
	S3  S3Source  `json:"s3" yaml:"s3" toml:"s3"`
}

type CORS struct {
	Enabled        bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty" toml:"allowed_origins,omitempty"`
}

// NATS enables lifecycle event publishing when URL is set.
type NATS struct {
	URL     string `json:"url" yaml:"url" toml:"url"`
	Subject string `json:"subject" yaml:"subject" toml:"subject"`
}

// Config holds runtime parameters for the service.
// Zero values mean "unspecified"; ApplyDefaults fills them in.
type Config struct {
	Addr      string `json:"addr" yaml:"addr" toml:"addr"`
	LogLevel  string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format" toml:"log_format"`

	ContentRoot string `json:"content_root" yaml:"content_root" toml:"content_root"`
	// ModelsDir, when set, registers every *.gguf file in it as a model.
	ModelsDir        string       `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	AllowAdhocModels bool         `json:"allow_adhoc_models" yaml:"allow_adhoc_models" toml:"allow_adhoc_models"`
	Models           []ModelEntry `json:"models,omitempty" yaml:"models,omitempty" toml:"models,omitempty"`

	Backend   Backend   `json:"backend" yaml:"backend" toml:"backend"`
	Ports     Ports     `json:"ports" yaml:"ports" toml:"ports"`
	Resources Resources `json:"resources" yaml:"resources" toml:"resources"`
	Readiness Readiness `json:"readiness" yaml:"readiness" toml:"readiness"`
	StopGrace string    `json:"stop_grace" yaml:"stop_grace" toml:"stop_grace"`
	// PollInterval paces resource-usage polling; "0s" disables it.
	PollInterval string `json:"poll_interval" yaml:"poll_interval" toml:"poll_interval"`

	Sources Sources `json:"sources" yaml:"sources" toml:"sources"`
	CORS    CORS    `json:"cors" yaml:"cors" toml:"cors"`
	NATS    NATS    `json:"nats" yaml:"nats" toml:"nats"`
	// Watch reloads the model list when the config file changes.
	Watch bool `json:"watch" yaml:"watch" toml:"watch"`
}

// Default returns a config with every default applied.
func Default() Config {
	var c Config
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.ContentRoot == "" {
		c.ContentRoot = "~/.cache/modelvisor"
	}
	if c.Backend.Command == "" {
		c.Backend.Command = "llama-server"
	}
	if c.Backend.Host == "" {
		c.Backend.Host = "127.0.0.1"
	}
	if c.Backend.HealthPath == "" {
		c.Backend.HealthPath = "/health"
	}
	if c.Ports.Start == 0 && c.Ports.End == 0 {
		c.Ports.Start, c.Ports.End = 30000, 30099
	}
	if c.Resources.Policy == "" {
		c.Resources.Policy = "shared"
	}
	if c.Readiness.Interval == "" {
		c.Readiness.Interval = "500ms"
	}
	if c.Readiness.Timeout == "" {
		c.Readiness.Timeout = "120s"
	}
	if c.StopGrace == "" {
		c.StopGrace = "30s"
	}
	if c.PollInterval == "" {
		c.PollInterval = "10s"
	}
	if c.NATS.URL != "" && c.NATS.Subject == "" {
		c.NATS.Subject = "modelvisor.model"
	}
}

func (c Config) ReadinessInterval() time.Duration { return mustDuration(c.Readiness.Interval) }
func (c Config) ReadinessTimeout() time.Duration  { return mustDuration(c.Readiness.Timeout) }
func (c Config) StopGraceDuration() time.Duration { return mustDuration(c.StopGrace) }

// PollIntervalDuration returns the usage poll interval, negative when disabled.
func (c Config) PollIntervalDuration() time.Duration {
	d := mustDuration(c.PollInterval)
	if d == 0 {
		return -1
	}
	return d
}

// mustDuration parses a value Validate has already accepted.
func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var errs []error
	for name, v := range map[string]string{
		"readiness.interval": c.Readiness.Interval,
		"readiness.timeout":  c.Readiness.Timeout,
		"stop_grace":         c.StopGrace,
		"poll_interval":      c.PollInterval,
	} {
		if v == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		} else if d < 0 {
			errs = append(errs, fmt.Errorf("%s: must not be negative", name))
		}
	}
	if c.Ports.Start <= 0 || c.Ports.End < c.Ports.Start || c.Ports.End > 65535 {
		errs = append(errs, fmt.Errorf("ports: invalid range %d-%d", c.Ports.Start, c.Ports.End))
	}
	switch c.Resources.Policy {
	case "", "shared", "exclusive":
	default:
		errs = append(errs, fmt.Errorf("resources.policy: unknown %q", c.Resources.Policy))
	}
	if c.Resources.MaxPerSlot < 0 {
		errs = append(errs, errors.New("resources.max_per_slot: must not be negative"))
	}
	seen := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		switch {
		case strings.TrimSpace(m.ID) == "":
			errs = append(errs, fmt.Errorf("models[%d]: id is required", i))
		case seen[m.ID]:
			errs = append(errs, fmt.Errorf("models[%d]: duplicate id %q", i, m.ID))
		case strings.TrimSpace(m.Artifact) == "":
			errs = append(errs, fmt.Errorf("models[%d] %q: artifact is required", i, m.ID))
		}
		seen[m.ID] = true
	}
	return errors.Join(errs...)
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
