// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config holds the settings of the anvil CLI. Settings come
// from defaults, then an optional YAML file, then ANVIL_* environment
// variables.
package config

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/juju/errors"
	"github.com/juju/names/v5"
	"github.com/vrischmann/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultPath is read when no config file is named.
	DefaultPath = "/var/snap/maas-anvil/common/anvil.yaml"

	snapDir  = "/snap/maas-anvil/current"
	stateDir = "/var/snap/maas-anvil/common"
)

// Config holds the anvil CLI settings.
type Config struct {
	// Model is the juju model holding the fleet.
	Model string `yaml:"model" envconfig:"ANVIL_MODEL"`

	JujuBinary      string `yaml:"juju-binary" envconfig:"ANVIL_JUJU_BINARY"`
	TerraformBinary string `yaml:"terraform-binary" envconfig:"ANVIL_TERRAFORM_BINARY"`

	// TerraformEnv is added to the environment of terraform commands,
	// as NAME=value pairs.
	TerraformEnv []string `yaml:"terraform-env" envconfig:"ANVIL_TERRAFORM_ENV"`

	ClusterdSocket string `yaml:"clusterd-socket" envconfig:"ANVIL_CLUSTERD_SOCKET"`

	// PlanDir holds the bundled terraform plans.
	PlanDir string `yaml:"plan-dir" envconfig:"ANVIL_PLAN_DIR"`

	// StateDir holds plan working copies and the run history.
	StateDir string `yaml:"state-dir" envconfig:"ANVIL_STATE_DIR"`

	PollInterval time.Duration `yaml:"poll-interval" envconfig:"ANVIL_POLL_INTERVAL"`

	// MetricsFile, if set, receives the outcome of each run in the
	// prometheus text format.
	MetricsFile string `yaml:"metrics-file" envconfig:"ANVIL_METRICS_FILE"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		Model:           "controller",
		JujuBinary:      "juju",
		TerraformBinary: "terraform",
		ClusterdSocket:  filepath.Join(stateDir, "state", "control.socket"),
		PlanDir:         filepath.Join(snapDir, "etc"),
		StateDir:        filepath.Join(stateDir, "anvil"),
		PollInterval:    10 * time.Second,
	}
}

// Load returns the defaults overlaid with the file at path and then the
// environment. A missing file is only an error when path is not
// DefaultPath.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultPath
	}
	cfg := Default()
	f, err := os.Open(path)
	switch {
	case os.IsNotExist(err) && path == DefaultPath:
	case err != nil:
		return Config{}, errors.Annotatef(err, "opening config %q", path)
	default:
		defer func() { _ = f.Close() }()
		if err := decode(f, &cfg); err != nil {
			return Config{}, errors.Annotatef(err, "reading config %q", path)
		}
	}
	if err := envconfig.InitWithOptions(&cfg, envconfig.Options{AllOptional: true}); err != nil {
		return Config{}, errors.Annotate(err, "reading environment")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Trace(err)
	}
	return cfg, nil
}

// Parse returns the defaults overlaid with the YAML in data.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := decode(bytes.NewReader(data), &cfg); err != nil {
		return Config{}, errors.Trace(err)
	}
	return cfg, errors.Trace(cfg.Validate())
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return errors.NewNotValid(err, "config")
	}
	return nil
}

// Validate returns an error if the settings cannot be used.
func (c Config) Validate() error {
	if !names.IsValidModelName(c.Model) {
		return errors.NotValidf("model name %q", c.Model)
	}
	if c.JujuBinary == "" {
		return errors.NotValidf("empty juju-binary")
	}
	if c.TerraformBinary == "" {
		return errors.NotValidf("empty terraform-binary")
	}
	if c.StateDir == "" {
		return errors.NotValidf("empty state-dir")
	}
	if c.PollInterval <= 0 {
		return errors.NotValidf("poll-interval %v", c.PollInterval)
	}
	return nil
}

// HistoryPath is the run history database.
func (c Config) HistoryPath() string {
	return filepath.Join(c.StateDir, "history.db")
}

// WorkDir is where plans are initialised and applied.
func (c Config) WorkDir() string {
	return filepath.Join(c.StateDir, "plans")
}
