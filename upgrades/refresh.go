// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package upgrades

import (
	"context"
	"sort"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/canonical/maas-anvil/internal/registry"
)

// RefreshExecutor refreshes applications in place, letting the
// orchestrator pick the latest revision of the channel.
type RefreshExecutor struct {
	orchestrator Orchestrator
	waiter       *waiter
	model        string
}

// NewRefreshExecutor returns a RefreshExecutor for the model. Unit
// status is polled every pollInterval.
func NewRefreshExecutor(orchestrator Orchestrator, model string, clk clock.Clock, pollInterval time.Duration) *RefreshExecutor {
	return &RefreshExecutor{
		orchestrator: orchestrator,
		model:        model,
		waiter: &waiter{
			orchestrator: orchestrator,
			model:        model,
			clock:        clk,
			pollInterval: pollInterval,
		},
	}
}

// Refresh refreshes the applications of d named in targets and waits
// for their units to settle. targets maps each application to the
// channel it moves to, or to "" to stay in its channel.
func (e *RefreshExecutor) Refresh(ctx context.Context, d registry.Descriptor, targets map[string]string) Result {
	op := UpgradeOperation{Application: d.Name, Kind: KindRefresh}
	if err := e.refresh(ctx, d, targets); err != nil {
		logger.Errorf("refreshing %s: %v", d.Name, err)
		return failed(op, err)
	}
	return completed(op)
}

func (e *RefreshExecutor) refresh(ctx context.Context, d registry.Descriptor, targets map[string]string) error {
	apps := make([]string, 0, len(targets))
	for app := range targets {
		apps = append(apps, app)
	}
	sort.Strings(apps)

	if d.PreRefreshAction != "" {
		for _, app := range apps {
			unit := app + "/leader"
			logger.Infof("running %s on %s", d.PreRefreshAction, unit)
			results, err := e.orchestrator.RunAction(ctx, e.model, unit, d.PreRefreshAction, nil)
			if err != nil {
				return &OrchestratorError{Application: app, Operation: d.PreRefreshAction, Err: err}
			}
			logger.Debugf("%s on %s: %v", d.PreRefreshAction, unit, results)
		}
	}

	for _, app := range apps {
		channel := targets[app]
		logger.Infof("refreshing %s in model %s (channel %q)", app, e.model, channel)
		if err := e.orchestrator.RefreshApplication(ctx, e.model, app, channel); err != nil {
			return &OrchestratorError{Application: app, Operation: "refresh", Err: err}
		}
	}
	return errors.Trace(e.waiter.wait(ctx, apps, d.UnitTimeout))
}
