// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package upgrades

import (
	"context"
	"sort"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/canonical/maas-anvil/internal/manifest"
	"github.com/canonical/maas-anvil/internal/registry"
)

var logger = loggo.GetLogger("anvil.upgrades")

// Operation is one step of an upgrade run.
type Operation interface {
	// Describe returns what the operation will do.
	Describe() UpgradeOperation

	// ShouldSkip reports whether there is nothing to do, and why.
	ShouldSkip(ctx context.Context) (bool, string, error)

	// Execute runs the operation.
	Execute(ctx context.Context) Result
}

// skipOperation leaves an application alone.
type skipOperation struct {
	op UpgradeOperation
}

func (s *skipOperation) Describe() UpgradeOperation {
	return s.op
}

func (s *skipOperation) ShouldSkip(context.Context) (bool, string, error) {
	return true, s.op.Reason, nil
}

func (s *skipOperation) Execute(context.Context) Result {
	return skipped(s.op, s.op.Reason)
}

// refreshOperation refreshes applications in place and records any
// channel change in the plan variables, so that a later apply of the
// plan does not move the applications back.
type refreshOperation struct {
	op         UpgradeOperation
	descriptor registry.Descriptor
	targets    map[string]string

	// channelVars maps plan variables to the channels just moved to.
	channelVars map[string]any

	executor *RefreshExecutor
	store    ConfigStore
}

func (r *refreshOperation) Describe() UpgradeOperation {
	return r.op
}

func (r *refreshOperation) ShouldSkip(context.Context) (bool, string, error) {
	return false, "", nil
}

func (r *refreshOperation) Execute(ctx context.Context) Result {
	result := r.executor.Refresh(ctx, r.descriptor, r.targets)
	if result.Status != StatusCompleted || len(r.channelVars) == 0 {
		return result
	}
	if err := r.recordChannels(ctx); err != nil {
		return failed(r.op, errors.Annotate(err, "refreshed, but recording the new channel"))
	}
	return result
}

func (r *refreshOperation) recordChannels(ctx context.Context) error {
	key := r.descriptor.ConfigKey
	vars, err := readVars(ctx, r.store, key)
	if err != nil {
		return errors.Trace(err)
	}
	for name, channel := range r.channelVars {
		vars[name] = channel
	}
	return errors.Trace(r.store.Write(ctx, key, vars))
}

// reconcileOperation re-applies a plan.
type reconcileOperation struct {
	op         UpgradeOperation
	descriptor registry.Descriptor
	apps       []string
	vars       map[string]any

	reconciler *PlanReconciler
}

func (r *reconcileOperation) Describe() UpgradeOperation {
	return r.op
}

func (r *reconcileOperation) ShouldSkip(context.Context) (bool, string, error) {
	return false, "", nil
}

func (r *reconcileOperation) Execute(ctx context.Context) Result {
	return r.reconciler.Reconcile(ctx, r.descriptor, r.apps, r.descriptor.Charms, r.vars)
}

// capacityOperation re-applies the database plan when the number of
// region nodes differs from the one the plan was last applied with.
// It runs after the region and agent steps, which can change membership.
type capacityOperation struct {
	op         UpgradeOperation
	descriptor registry.Descriptor
	apps       []string
	manifest   *manifest.Manifest

	cluster    Cluster
	store      ConfigStore
	reconciler *PlanReconciler

	regionNodes int
}

func (c *capacityOperation) Describe() UpgradeOperation {
	return c.op
}

func (c *capacityOperation) ShouldSkip(ctx context.Context) (bool, string, error) {
	nodes, err := c.cluster.ListNodesByRole(ctx, registry.RoleRegion)
	if err != nil {
		return false, "", errors.Annotate(err, "listing region nodes")
	}
	c.regionNodes = len(nodes)

	vars, err := readVars(ctx, c.store, c.descriptor.ConfigKey)
	if err != nil {
		return false, "", errors.Trace(err)
	}
	if sameValue(vars[RegionNodesVar], c.regionNodes) {
		return true, "region node count unchanged", nil
	}
	return false, "", nil
}

func (c *capacityOperation) Execute(ctx context.Context) Result {
	vars := c.manifest.PlanVars(c.descriptor.Plan, c.descriptor.Charms)
	vars[RegionNodesVar] = c.regionNodes
	return c.reconciler.Reconcile(ctx, c.descriptor, c.apps, c.descriptor.Charms, vars)
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
