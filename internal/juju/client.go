// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package juju drives the juju CLI on behalf of the upgrade coordinator.
package juju

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/names/v5"

	"github.com/canonical/maas-anvil/core/application"
	"github.com/canonical/maas-anvil/core/status"
	"github.com/canonical/maas-anvil/internal/cmdrunner"
)

var logger = loggo.GetLogger("anvil.juju")

// DefaultBinary is the juju CLI found on the PATH.
const DefaultBinary = "juju"

// leaderSuffix addresses the leader unit of an application.
const leaderSuffix = "/leader"

// Client runs juju commands against a controller the CLI is already
// logged in to.
type Client struct {
	runner cmdrunner.Runner
	binary string
}

// NewClient returns a Client that runs binary through runner.
func NewClient(runner cmdrunner.Runner, binary string) *Client {
	if binary == "" {
		binary = DefaultBinary
	}
	return &Client{runner: runner, binary: binary}
}

// DeployedVersions returns the charm, channel and revision of every
// application in the model.
func (c *Client) DeployedVersions(ctx context.Context, model string) (map[string]application.DeployedVersion, error) {
	st, err := c.status(ctx, model)
	if err != nil {
		return nil, errors.Trace(err)
	}
	versions := make(map[string]application.DeployedVersion, len(st.Applications))
	for name, app := range st.Applications {
		versions[name] = application.DeployedVersion{
			Application:  name,
			Charm:        app.Charm,
			Channel:      app.CharmChannel,
			Revision:     app.CharmRev,
			CanUpgradeTo: app.CanUpgradeTo,
		}
	}
	logger.Debugf("deployed in %s: %v", model, versions)
	return versions, nil
}

// RefreshApplication refreshes app to the latest revision of channel,
// or of its current channel when channel is empty.
func (c *Client) RefreshApplication(ctx context.Context, model, app, channel string) error {
	if !names.IsValidApplication(app) {
		return errors.NotValidf("application name %q", app)
	}
	args := []string{"refresh", app, "-m", model}
	if channel != "" {
		args = append(args, "--channel", channel)
	}
	if _, err := c.run(ctx, args...); err != nil {
		return errors.Trace(notFound(err, "application %q", app))
	}
	return nil
}

// ApplicationStatus returns the workload status of every unit of apps,
// subordinate units included. Applications missing from the model have
// no units in the result.
func (c *Client) ApplicationStatus(ctx context.Context, model string, apps []string) (map[string]status.UnitStatus, error) {
	st, err := c.status(ctx, model)
	if err != nil {
		return nil, errors.Trace(err)
	}
	wanted := set.NewStrings(apps...)
	units := make(map[string]status.UnitStatus)
	var collect func(map[string]unitStatus)
	collect = func(in map[string]unitStatus) {
		for name, unit := range in {
			app, err := names.UnitApplication(name)
			if err != nil {
				logger.Warningf("ignoring unit %q: %v", name, err)
				continue
			}
			if wanted.Contains(app) {
				current := status.Status(unit.WorkloadStatus.Current)
				if !current.KnownWorkloadStatus() {
					logger.Debugf("unit %s reports unexpected workload status %q", name, current)
				}
				units[name] = status.UnitStatus{
					Status:  current,
					Message: unit.WorkloadStatus.Message,
				}
			}
			collect(unit.Subordinates)
		}
	}
	for _, app := range st.Applications {
		collect(app.Units)
	}
	return units, nil
}

// RunAction runs action on unit and returns its results. unit may name
// the leader, as in postgresql/leader.
func (c *Client) RunAction(ctx context.Context, model, unit, action string, params map[string]any) (map[string]any, error) {
	if err := validateUnit(unit); err != nil {
		return nil, errors.Trace(err)
	}
	args := []string{"run", unit, action, "-m", model, "--format", "json"}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, fmt.Sprintf("%s=%v", k, params[k]))
	}

	out, err := c.run(ctx, args...)
	if err != nil {
		return nil, errors.Trace(notFound(err, "unit %q", unit))
	}
	var results map[string]actionResult
	if err := json.Unmarshal(out, &results); err != nil {
		return nil, errors.Annotatef(err, "parsing %s results", action)
	}
	for name, result := range results {
		if result.Status != "completed" {
			return nil, errors.Errorf("action %s on %s %s: %s", action, name, result.Status, result.Message)
		}
		return result.Results, nil
	}
	return nil, errors.Errorf("action %s on %s returned no results", action, unit)
}

func (c *Client) status(ctx context.Context, model string) (*formattedStatus, error) {
	if !names.IsValidModelName(model) {
		return nil, errors.NotValidf("model name %q", model)
	}
	out, err := c.run(ctx, "status", "-m", model, "--format", "json")
	if err != nil {
		return nil, errors.Trace(notFound(err, "model %q", model))
	}
	var st formattedStatus
	if err := json.Unmarshal(out, &st); err != nil {
		return nil, errors.Annotate(err, "parsing juju status")
	}
	return &st, nil
}

func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	return c.runner.Run(ctx, cmdrunner.Command{Name: c.binary, Args: args})
}

func validateUnit(unit string) error {
	if app, ok := strings.CutSuffix(unit, leaderSuffix); ok {
		if !names.IsValidApplication(app) {
			return errors.NotValidf("unit name %q", unit)
		}
		return nil
	}
	if !names.IsValidUnit(unit) {
		return errors.NotValidf("unit name %q", unit)
	}
	return nil
}

// notFound turns a juju "not found" failure into a NotFound error.
func notFound(err error, format string, args ...any) error {
	var cmdErr *cmdrunner.CommandError
	if errors.As(err, &cmdErr) && strings.Contains(cmdErr.Stderr, "not found") {
		return errors.NewNotFound(err, fmt.Sprintf(format, args...)+" not found")
	}
	return err
}
