// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package terraform applies the deployment plans with the terraform
// CLI.
package terraform

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/utils/v4"

	"github.com/canonical/maas-anvil/internal/cmdrunner"
	"github.com/canonical/maas-anvil/internal/manifest"
	"github.com/canonical/maas-anvil/internal/registry"
)

var logger = loggo.GetLogger("anvil.terraform")

const (
	// DefaultBinary is the terraform CLI found on the PATH.
	DefaultBinary = "terraform"

	// VarsFile is the variables file written next to each plan.
	VarsFile = "terraform.tfvars.json"
)

// Config holds what an Applier needs.
type Config struct {
	Runner cmdrunner.Runner
	Binary string

	// Manifest, if set, can override where plan sources live.
	Manifest *manifest.Manifest

	// SourceDir holds the bundled plan sources, one directory per plan.
	SourceDir string

	// WorkDir is where plans are initialised and applied.
	WorkDir string

	// Env is added to the environment of every terraform command.
	Env []string
}

// Validate returns an error if the config cannot drive an Applier.
func (c Config) Validate() error {
	if c.Runner == nil {
		return errors.NotValidf("nil Runner")
	}
	if c.WorkDir == "" {
		return errors.NotValidf("empty WorkDir")
	}
	return nil
}

// Applier applies plans. Each plan is initialised once per Applier.
type Applier struct {
	cfg Config

	mu          sync.Mutex
	initialised set.Strings
}

// NewApplier returns an Applier for cfg.
func NewApplier(cfg Config) (*Applier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	return &Applier{cfg: cfg, initialised: set.NewStrings()}, nil
}

// Apply writes vars as the plan's variables and applies it.
func (a *Applier) Apply(ctx context.Context, plan string, vars map[string]any) error {
	dir, err := a.prepare(plan)
	if err != nil {
		return errors.Trace(err)
	}
	data, err := json.MarshalIndent(vars, "", "  ")
	if err != nil {
		return errors.Annotatef(err, "encoding variables for %s", plan)
	}
	if err := utils.AtomicWriteFile(filepath.Join(dir, VarsFile), data, 0600); err != nil {
		return errors.Annotatef(err, "writing variables for %s", plan)
	}

	if err := a.init(ctx, plan, dir); err != nil {
		return errors.Trace(err)
	}
	logger.Infof("terraform apply %s", plan)
	if _, err := a.run(ctx, dir, "apply", "-auto-approve", "-no-color", "-input=false"); err != nil {
		return errors.Annotatef(err, "terraform apply %s", plan)
	}
	return nil
}

// SourceDir returns the directory holding the sources of plan.
func (a *Applier) SourceDir(plan string) (string, error) {
	if a.cfg.Manifest != nil {
		source, err := a.cfg.Manifest.TerraformSource(plan)
		if err == nil {
			return source, nil
		} else if !errors.Is(err, errors.NotFound) {
			return "", errors.Trace(err)
		}
	}
	dir, ok := registry.PlanDirectories[plan]
	if !ok {
		return "", errors.NotFoundf("plan %q", plan)
	}
	return filepath.Join(a.cfg.SourceDir, dir), nil
}

// prepare mirrors the plan sources into the plan's work directory.
func (a *Applier) prepare(plan string) (string, error) {
	source, err := a.SourceDir(plan)
	if err != nil {
		return "", errors.Trace(err)
	}
	dir := filepath.Join(a.cfg.WorkDir, filepath.Base(source))
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", errors.Trace(err)
	}
	entries, err := os.ReadDir(source)
	if err != nil {
		return "", errors.Annotatef(err, "reading sources of %s", plan)
	}
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == VarsFile {
			continue
		}
		if err := utils.CopyFile(filepath.Join(dir, entry.Name()), filepath.Join(source, entry.Name())); err != nil {
			return "", errors.Annotatef(err, "copying %s", entry.Name())
		}
	}
	return dir, nil
}

func (a *Applier) init(ctx context.Context, plan, dir string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialised.Contains(plan) {
		return nil
	}
	logger.Debugf("terraform init %s", plan)
	if _, err := a.run(ctx, dir, "init", "-upgrade", "-no-color", "-input=false"); err != nil {
		return errors.Annotatef(err, "terraform init %s", plan)
	}
	a.initialised.Add(plan)
	return nil
}

func (a *Applier) run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	out, err := a.cfg.Runner.Run(ctx, cmdrunner.Command{
		Name: a.cfg.Binary,
		Args: args,
		Dir:  dir,
		Env:  a.cfg.Env,
	})
	if len(out) > 0 {
		logger.Tracef("%s", out)
	}
	return out, err
}
