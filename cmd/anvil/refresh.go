// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/cmd/v3"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/mutex/v2"

	"github.com/canonical/maas-anvil/internal/config"
	"github.com/canonical/maas-anvil/internal/manifest"
	"github.com/canonical/maas-anvil/internal/metrics"
	"github.com/canonical/maas-anvil/upgrades"
)

const refreshDoc = `
Refresh the MAAS fleet to the charm channels, revisions and config
given by the deployment manifest.

Applications are upgraded one at a time, in dependency order: the
database first, then haproxy, the regions and the agents, and the
enabled plugins last. Applications that are already up to date are
skipped. A failing application does not stop the others; the command
exits non-zero when any step failed.

Moving an application to another track is a release upgrade and must
be asked for with --upgrade-release. --upgrade-plugins-release allows
only the plugin applications to change track.

When --manifest is given the manifest is stored in the cluster and
used for this and later refreshes. Otherwise the last stored manifest
is used, or the built in defaults when none was stored.
`

const refreshExamples = `
    anvil refresh
    anvil refresh --manifest manifest.yaml
    anvil refresh --upgrade-release --dry-run
    anvil refresh --format yaml
`

// The refresh lock is held by the process that is changing the fleet.
// The stored plan variables and the plan workdir are not safe to change
// from two runs at once.
var (
	refreshLockName    = "anvil-refresh"
	refreshLockDelay   = 250 * time.Millisecond
	refreshLockTimeout = 5 * time.Second
)

func newRefreshCommand() cmd.Command {
	return &refreshCommand{}
}

// refreshCommand upgrades the fleet.
type refreshCommand struct {
	baseCommand
	out cmd.Output

	manifestPath   string
	releaseUpgrade bool
	pluginsRelease bool
	dryRun         bool
}

// Info implements cmd.Command.
func (c *refreshCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:     "refresh",
		Purpose:  "Refresh the MAAS fleet to the deployment manifest.",
		Doc:      refreshDoc,
		Examples: refreshExamples,
		SeeAlso:  []string{"refresh-history"},
	}
}

// SetFlags implements cmd.Command.
func (c *refreshCommand) SetFlags(f *gnuflag.FlagSet) {
	c.baseCommand.SetFlags(f)
	f.StringVar(&c.manifestPath, "m", "", "Deployment manifest to refresh to")
	f.StringVar(&c.manifestPath, "manifest", "", "")
	f.BoolVar(&c.releaseUpgrade, "u", false, "Allow applications to move to another track")
	f.BoolVar(&c.releaseUpgrade, "upgrade-release", false, "")
	f.BoolVar(&c.pluginsRelease, "upgrade-plugins-release", false, "Allow plugin applications to move to another track")
	f.BoolVar(&c.dryRun, "dry-run", false, "Show what would be done without doing it")
	c.out.AddFlags(f, "tabular", map[string]cmd.Formatter{
		"tabular": formatRefreshTabular,
		"yaml":    cmd.FormatYaml,
		"json":    cmd.FormatJson,
	})
}

// Init implements cmd.Command.
func (c *refreshCommand) Init(args []string) error {
	return cmd.CheckEmpty(args)
}

// Run implements cmd.Command.
func (c *refreshCommand) Run(ctx *cmd.Context) error {
	stdCtx, stop := interruptible(ctx)
	defer stop()

	cfg, env, err := c.open(ctx, stdCtx)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() {
		if err := env.Close(); err != nil {
			logger.Warningf("closing environment: %v", err)
		}
	}()

	if !c.dryRun {
		releaser, err := acquireRefreshLock(stdCtx, env.Clock)
		if err != nil {
			return errors.Trace(err)
		}
		defer releaser.Release()
	}

	m, err := c.loadManifest(ctx, stdCtx, cfg, env)
	if err != nil {
		return errors.Trace(err)
	}
	plans, err := env.NewPlans(m)
	if err != nil {
		return errors.Trace(err)
	}
	coordinator, err := upgrades.NewCoordinator(upgrades.CoordinatorConfig{
		Model:                cfg.Model,
		Cluster:              env.Cluster,
		Orchestrator:         env.Orchestrator,
		Store:                env.Store,
		Plans:                plans,
		Manifest:             m,
		ReleaseUpgrade:       c.releaseUpgrade,
		PluginReleaseUpgrade: c.pluginsRelease,
		Clock:                env.Clock,
		PollInterval:         cfg.PollInterval,
		Progress: func(result upgrades.Result) {
			if result.Message == "" {
				ctx.Infof("%s %s: %s", result.Kind, result.Application, result.Status)
				return
			}
			ctx.Infof("%s %s: %s (%s)", result.Kind, result.Application, result.Status, result.Message)
		},
	})
	if err != nil {
		return errors.Trace(err)
	}

	if c.dryRun {
		planned, err := coordinator.Plan(stdCtx)
		if err != nil {
			return errors.Trace(err)
		}
		return c.out.Write(ctx, planned)
	}

	report, runErr := coordinator.Run(stdCtx)
	c.record(env, cfg, report)
	if runErr != nil {
		return errors.Trace(runErr)
	}
	if err := c.out.Write(ctx, report); err != nil {
		return errors.Trace(err)
	}
	if report.ExitCode() != 0 {
		return cmd.ErrSilent
	}
	return nil
}

// acquireRefreshLock takes the machine wide refresh lock, giving up
// after refreshLockTimeout or when ctx is done.
func acquireRefreshLock(ctx context.Context, clk clock.Clock) (mutex.Releaser, error) {
	if clk == nil {
		clk = clock.WallClock
	}
	releaser, err := mutex.Acquire(mutex.Spec{
		Name:    refreshLockName,
		Clock:   clk,
		Delay:   refreshLockDelay,
		Timeout: refreshLockTimeout,
		Cancel:  ctx.Done(),
	})
	if errors.Is(err, mutex.ErrTimeout) {
		return nil, errors.New("another anvil refresh is in progress")
	} else if err != nil {
		return nil, errors.Annotate(err, "acquiring refresh lock")
	}
	return releaser, nil
}

// loadManifest returns the manifest given on the command line, storing
// it in the cluster, or else the one stored last.
func (c *refreshCommand) loadManifest(ctx *cmd.Context, stdCtx context.Context, cfg config.Config, env *Environment) (*manifest.Manifest, error) {
	if c.manifestPath != "" {
		m, err := manifest.ReadFile(ctx.AbsPath(c.manifestPath), cfg.PlanDir)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if c.dryRun {
			return m, nil
		}
		if err := env.Manifests.AddManifest(stdCtx, m.Raw()); err != nil {
			return nil, errors.Annotate(err, "storing manifest")
		}
		ctx.Verbosef("stored manifest %s", c.manifestPath)
		return m, nil
	}

	record, err := env.Manifests.LatestManifest(stdCtx)
	if errors.Is(err, errors.NotFound) {
		logger.Debugf("no manifest stored, using defaults")
		return manifest.Default(cfg.PlanDir), nil
	} else if err != nil {
		return nil, errors.Annotate(err, "reading latest manifest")
	}
	m, err := manifest.Parse([]byte(record.Data), cfg.PlanDir)
	if err != nil {
		return nil, errors.Annotatef(err, "manifest %s", record.ID)
	}
	logger.Debugf("using manifest %s applied %s", record.ID, record.AppliedDate)
	return m, nil
}

// record keeps the outcome of a run in the history and, when asked
// for, in the metrics file. Neither failure fails the command.
func (c *refreshCommand) record(env *Environment, cfg config.Config, report upgrades.Report) {
	if err := env.History.RecordRun(context.Background(), report); err != nil {
		logger.Warningf("cannot record run %s: %v", report.RunID, err)
	}
	if cfg.MetricsFile == "" {
		return
	}
	if err := metrics.Export(cfg.MetricsFile, report); err != nil {
		logger.Warningf("cannot export metrics: %v", err)
	}
}
