// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package registry holds the fixed set of applications an anvil fleet
// is made of, and how each of them is deployed and upgraded.
package registry

import (
	"time"

	"github.com/juju/errors"
)

const (
	// ErrUnknownApplication is returned when an application is not one
	// of the known fleet applications.
	ErrUnknownApplication = errors.ConstError("unknown application")
)

const (
	// UnitTimeout is how long units get to settle after a change.
	UnitTimeout = 20 * time.Minute

	// OperationTimeout bounds a whole refresh or plan apply.
	OperationTimeout = 30 * time.Minute
)

// Role is a fleet role a cluster node can hold.
type Role string

const (
	RoleDatabase Role = "database"
	RoleHAProxy  Role = "haproxy"
	RoleRegion   Role = "region"
	RoleAgent    Role = "agent"
)

// Descriptor describes how an application is deployed.
type Descriptor struct {
	// Name is the application name in the model.
	Name string

	// Plan is the terraform plan that deploys the application.
	Plan string

	// ConfigKey is the clusterd config key that holds the variables
	// last applied with Plan.
	ConfigKey string

	// Charms lists the charms deployed by Plan that belong to this
	// application. The first one is the application's own charm.
	Charms []string

	// Role is the fleet role whose nodes host the application.
	// Plugin applications have no role.
	Role Role

	// Plugin names the plugin that owns the application, if any.
	Plugin string

	// PreRefreshAction is run on the leader unit before an in-place
	// refresh, if set.
	PreRefreshAction string

	UnitTimeout      time.Duration
	OperationTimeout time.Duration
}

// Charm returns the application's own charm.
func (d Descriptor) Charm() string {
	return d.Charms[0]
}

// IsPlugin reports whether the application is deployed by a plugin.
func (d Descriptor) IsPlugin() bool {
	return d.Plugin != ""
}

// fleet is in dependency order: everything else talks to the database
// and the agents register with the regions.
var fleet = []Descriptor{{
	Name:             "postgresql",
	Plan:             "postgresql-plan",
	ConfigKey:        "TerraformVarsPostgresqlPlan",
	Charms:           []string{"postgresql"},
	Role:             RoleDatabase,
	PreRefreshAction: "pre-upgrade-check",
	UnitTimeout:      UnitTimeout,
	OperationTimeout: OperationTimeout,
}, {
	Name:             "haproxy",
	Plan:             "haproxy-plan",
	ConfigKey:        "TerraformVarsHaproxyPlan",
	Charms:           []string{"haproxy"},
	Role:             RoleHAProxy,
	UnitTimeout:      UnitTimeout,
	OperationTimeout: OperationTimeout,
}, {
	Name:             "maas-region",
	Plan:             "maas-region-plan",
	ConfigKey:        "TerraformVarsMaasregionPlan",
	Charms:           []string{"maas-region", "pgbouncer"},
	Role:             RoleRegion,
	UnitTimeout:      UnitTimeout,
	OperationTimeout: OperationTimeout,
}, {
	Name:             "maas-agent",
	Plan:             "maas-agent-plan",
	ConfigKey:        "TerraformVarsMaasagentPlan",
	Charms:           []string{"maas-agent"},
	Role:             RoleAgent,
	UnitTimeout:      UnitTimeout,
	OperationTimeout: OperationTimeout,
}}

var plugins = []Descriptor{{
	Name:             "s3-integrator",
	Plan:             "s3-plan",
	ConfigKey:        "TerraformVarsS3Plan",
	Charms:           []string{"s3-integrator"},
	Plugin:           "s3",
	UnitTimeout:      UnitTimeout,
	OperationTimeout: OperationTimeout,
}, {
	Name:             "keepalived",
	Plan:             "virtual-ip-plan",
	ConfigKey:        "TerraformVarsVirtualIPPlan",
	Charms:           []string{"keepalived"},
	Plugin:           "virtual-ip",
	UnitTimeout:      UnitTimeout,
	OperationTimeout: OperationTimeout,
}}

// Describe returns the descriptor for the named application.
func Describe(name string) (Descriptor, error) {
	for _, d := range append(Ordered(), Plugins()...) {
		if d.Name == name {
			return d, nil
		}
	}
	return Descriptor{}, errors.Annotatef(ErrUnknownApplication, "%q", name)
}

// Ordered returns the fleet applications in the order they must be
// upgraded.
func Ordered() []Descriptor {
	return copyDescriptors(fleet)
}

// Plugins returns the applications deployed by fleet-wide plugins.
func Plugins() []Descriptor {
	return copyDescriptors(plugins)
}

// ForCharm returns the descriptor of the application that deploys the
// named charm.
func ForCharm(charm string) (Descriptor, error) {
	for _, d := range append(Ordered(), Plugins()...) {
		for _, c := range d.Charms {
			if c == charm {
				return d, nil
			}
		}
	}
	return Descriptor{}, errors.NotFoundf("application for charm %q", charm)
}

// PlanDirectories maps each plan to the directory holding its
// terraform sources.
var PlanDirectories = map[string]string{
	"postgresql-plan":  "deploy-postgresql",
	"haproxy-plan":     "deploy-haproxy",
	"maas-region-plan": "deploy-maas-region",
	"maas-agent-plan":  "deploy-maas-agent",
	"s3-plan":          "deploy-s3",
	"virtual-ip-plan":  "deploy-virtual-ip",
}

func copyDescriptors(in []Descriptor) []Descriptor {
	out := make([]Descriptor, len(in))
	for i, d := range in {
		d.Charms = append([]string(nil), d.Charms...)
		out[i] = d
	}
	return out
}
