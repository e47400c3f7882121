// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"os"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/canonical/maas-anvil/internal/clusterd"
	"github.com/canonical/maas-anvil/internal/cmdrunner"
	"github.com/canonical/maas-anvil/internal/config"
	"github.com/canonical/maas-anvil/internal/history"
	"github.com/canonical/maas-anvil/internal/juju"
	"github.com/canonical/maas-anvil/internal/manifest"
	"github.com/canonical/maas-anvil/internal/terraform"
	"github.com/canonical/maas-anvil/upgrades"
)

// ManifestStore holds the manifests applied to the cluster.
type ManifestStore interface {
	// LatestManifest returns the manifest applied last. It returns a
	// NotFound error when none was ever applied.
	LatestManifest(ctx context.Context) (clusterd.ManifestRecord, error)

	// AddManifest stores a manifest document as the latest one.
	AddManifest(ctx context.Context, data []byte) error
}

// HistoryStore records upgrade runs.
type HistoryStore interface {
	RecordRun(ctx context.Context, report upgrades.Report) error
	ListRuns(ctx context.Context, limit int) ([]history.Run, error)
	GetRun(ctx context.Context, id string) (history.Run, []upgrades.Result, error)
	Close() error
}

// Environment is everything the commands talk to.
type Environment struct {
	Cluster      upgrades.Cluster
	Orchestrator upgrades.Orchestrator
	Store        upgrades.ConfigStore
	Manifests    ManifestStore
	History      HistoryStore

	// NewPlans returns the plan applier for a manifest.
	NewPlans func(*manifest.Manifest) (upgrades.PlanApplier, error)

	Clock clock.Clock
}

// Close releases the resources held by the environment.
func (e *Environment) Close() error {
	if e.History == nil {
		return nil
	}
	return errors.Trace(e.History.Close())
}

// NewEnvironmentFunc opens an Environment for the given settings.
type NewEnvironmentFunc func(ctx context.Context, cfg config.Config) (*Environment, error)

// newEnvironment connects to the local clusterd, juju and terraform, and
// opens the run history.
func newEnvironment(ctx context.Context, cfg config.Config) (*Environment, error) {
	if err := os.MkdirAll(cfg.StateDir, 0700); err != nil {
		return nil, errors.Annotatef(err, "creating state directory %q", cfg.StateDir)
	}
	store, err := history.Open(ctx, cfg.HistoryPath())
	if err != nil {
		return nil, errors.Trace(err)
	}

	cluster := clusterd.NewClient(cfg.ClusterdSocket)
	runner := cmdrunner.New(clock.WallClock)
	return &Environment{
		Cluster:      cluster,
		Orchestrator: juju.NewClient(runner, cfg.JujuBinary),
		Store:        cluster,
		Manifests:    cluster,
		History:      store,
		NewPlans: func(m *manifest.Manifest) (upgrades.PlanApplier, error) {
			applier, err := terraform.NewApplier(terraform.Config{
				Runner:    runner,
				Binary:    cfg.TerraformBinary,
				Manifest:  m,
				SourceDir: cfg.PlanDir,
				WorkDir:   cfg.WorkDir(),
				Env:       cfg.TerraformEnv,
			})
			if err != nil {
				return nil, errors.Trace(err)
			}
			return applier, nil
		},
		Clock: clock.WallClock,
	}, nil
}
