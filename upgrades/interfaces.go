// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package upgrades

import (
	"context"

	"github.com/canonical/maas-anvil/core/application"
	"github.com/canonical/maas-anvil/core/status"
	"github.com/canonical/maas-anvil/internal/registry"
)

// Cluster describes the cluster membership service.
type Cluster interface {
	// ListNodesByRole returns the names of the nodes holding role.
	ListNodesByRole(ctx context.Context, role registry.Role) ([]string, error)
}

// Orchestrator describes the application orchestrator.
type Orchestrator interface {
	// DeployedVersions returns the deployed applications of the model,
	// keyed by application name.
	DeployedVersions(ctx context.Context, model string) (map[string]application.DeployedVersion, error)

	// RefreshApplication refreshes the application to the latest
	// revision of channel, or of its current channel if channel is empty.
	RefreshApplication(ctx context.Context, model, app, channel string) error

	// ApplicationStatus returns the workload status of every unit of
	// the given applications, keyed by unit name.
	ApplicationStatus(ctx context.Context, model string, apps []string) (map[string]status.UnitStatus, error)

	// RunAction runs an action on a unit and returns its results.
	RunAction(ctx context.Context, model, unit, action string, params map[string]any) (map[string]any, error)
}

// ConfigStore holds the variables last applied to each plan, and other
// answers, keyed by name.
type ConfigStore interface {
	// Read returns the value stored at key. It returns a NotFound error
	// if nothing is stored there.
	Read(ctx context.Context, key string) (map[string]any, error)

	// Write replaces the value stored at key.
	Write(ctx context.Context, key string, value map[string]any) error
}

// PlanApplier applies declarative infrastructure plans.
type PlanApplier interface {
	// Apply applies plan with the given variables.
	Apply(ctx context.Context, plan string, vars map[string]any) error
}
