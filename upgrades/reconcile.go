// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package upgrades

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/canonical/maas-anvil/internal/manifest"
	"github.com/canonical/maas-anvil/internal/registry"
)

// PlanReconciler re-applies an application's plan with updated
// variables. It is the only way to change charm config or to pin a
// revision.
type PlanReconciler struct {
	store  ConfigStore
	plans  PlanApplier
	waiter *waiter
}

// NewPlanReconciler returns a PlanReconciler that waits for units of the
// model to settle after each apply.
func NewPlanReconciler(
	store ConfigStore,
	plans PlanApplier,
	orchestrator Orchestrator,
	model string,
	clk clock.Clock,
	pollInterval time.Duration,
) *PlanReconciler {
	return &PlanReconciler{
		store: store,
		plans: plans,
		waiter: &waiter{
			orchestrator: orchestrator,
			model:        model,
			clock:        clk,
			pollInterval: pollInterval,
		},
	}
}

// Reconcile merges planVars into the variables last applied to d's plan,
// applies the plan, stores the merged variables once the apply succeeded
// and waits for the units of apps to settle. Variables of charms outside
// charmsInScope are kept as they are.
func (r *PlanReconciler) Reconcile(
	ctx context.Context,
	d registry.Descriptor,
	apps []string,
	charmsInScope []string,
	planVars map[string]any,
) Result {
	op := UpgradeOperation{Application: d.Name, Kind: KindReconcilePlan, Plan: d.Plan}
	if err := r.reconcile(ctx, d, apps, charmsInScope, planVars); err != nil {
		logger.Errorf("reconciling %s: %v", d.Plan, err)
		return failed(op, err)
	}
	return completed(op)
}

func (r *PlanReconciler) reconcile(
	ctx context.Context,
	d registry.Descriptor,
	apps []string,
	charmsInScope []string,
	planVars map[string]any,
) error {
	current, err := readVars(ctx, r.store, d.ConfigKey)
	if err != nil {
		return errors.Trace(err)
	}
	vars := mergePlanVars(current, manifest.PlanVarNames(d.Plan, charmsInScope), planVars)

	logger.Infof("applying plan %s", d.Plan)
	logger.Debugf("plan %s variables: %v", d.Plan, vars)
	if err := r.plans.Apply(ctx, d.Plan, vars); err != nil {
		return &PlanApplyError{Plan: d.Plan, Err: err}
	}
	// Drift is measured against the stored set, so it only records
	// variables a plan was applied with.
	if err := r.store.Write(ctx, d.ConfigKey, vars); err != nil {
		return errors.Annotatef(err, "storing variables for %s", d.Plan)
	}
	return errors.Trace(r.waiter.wait(ctx, apps, d.UnitTimeout))
}

// mergePlanVars drops the names in stale from current and lays overlay on
// top. current is not modified.
func mergePlanVars(current map[string]any, stale []string, overlay map[string]any) map[string]any {
	drop := set.NewStrings(stale...)
	merged := make(map[string]any, len(current)+len(overlay))
	for k, v := range current {
		if !drop.Contains(k) {
			merged[k] = v
		}
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}

// readVars returns the variables stored at key, or an empty set if
// there are none.
func readVars(ctx context.Context, store ConfigStore, key string) (map[string]any, error) {
	vars, err := store.Read(ctx, key)
	if errors.Is(err, errors.NotFound) {
		return map[string]any{}, nil
	} else if err != nil {
		return nil, errors.Annotatef(err, "reading %s", key)
	}
	if vars == nil {
		vars = map[string]any{}
	}
	return vars, nil
}
