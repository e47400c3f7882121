// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package juju

// formattedStatus is the part of `juju status --format json` anvil
// reads.
type formattedStatus struct {
	Applications map[string]applicationStatus `json:"applications"`
}

type applicationStatus struct {
	Charm         string                `json:"charm"`
	CharmChannel  string                `json:"charm-channel"`
	CharmRev      *int                  `json:"charm-rev"`
	CanUpgradeTo  string                `json:"can-upgrade-to"`
	SubordinateTo []string              `json:"subordinate-to"`
	Units         map[string]unitStatus `json:"units"`
}

type unitStatus struct {
	WorkloadStatus detailedStatus        `json:"workload-status"`
	Subordinates   map[string]unitStatus `json:"subordinates"`
}

type detailedStatus struct {
	Current string `json:"current"`
	Message string `json:"message"`
}

// actionResult is one entry of `juju run --format json`.
type actionResult struct {
	ID      string         `json:"id"`
	Status  string         `json:"status"`
	Message string         `json:"message"`
	Results map[string]any `json:"results"`
}
