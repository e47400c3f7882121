// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package application

import (
	"fmt"
)

// DeployedVersion is a snapshot of an application as the orchestrator
// reports it at the start of a run.
type DeployedVersion struct {
	// Application is the deployed application name.
	Application string

	// Charm is the charm the application was deployed from.
	Charm string

	// Channel is the channel the charm tracks, in track/risk form.
	Channel string

	// Revision is the deployed charm revision, if known.
	Revision *int

	// CanUpgradeTo is set when the charm store has a newer revision in
	// the channel the application tracks.
	CanUpgradeTo string

	// Config holds the charm config last applied through the plan.
	// It is nil when nothing was ever applied.
	Config map[string]any
}

// String implements fmt.Stringer.
func (v DeployedVersion) String() string {
	if v.Revision == nil {
		return fmt.Sprintf("%s (%s)", v.Charm, v.Channel)
	}
	return fmt.Sprintf("%s (%s, rev %d)", v.Charm, v.Channel, *v.Revision)
}
