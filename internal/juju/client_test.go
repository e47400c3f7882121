// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package juju

import (
	"context"

	"github.com/juju/errors"
	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/canonical/maas-anvil/core/application"
	"github.com/canonical/maas-anvil/core/status"
	"github.com/canonical/maas-anvil/internal/cmdrunner"
)

// fakeRunner returns canned output and records the commands it ran.
type fakeRunner struct {
	out  string
	err  error
	cmds []string
}

func (f *fakeRunner) Run(_ context.Context, cmd cmdrunner.Command) ([]byte, error) {
	f.cmds = append(f.cmds, cmd.String())
	return []byte(f.out), f.err
}

const statusJSON = `{
  "model": {"name": "controller"},
  "applications": {
    "postgresql": {
      "charm": "postgresql",
      "charm-channel": "16/stable",
      "charm-rev": 468,
      "units": {
        "postgresql/0": {"workload-status": {"current": "active", "message": "Primary"}},
        "postgresql/1": {"workload-status": {"current": "maintenance", "message": "syncing"}}
      }
    },
    "maas-region": {
      "charm": "maas-region",
      "charm-channel": "3.6/edge",
      "charm-rev": 150,
      "can-upgrade-to": "ch:amd64/maas-region-155",
      "units": {
        "maas-region/0": {
          "workload-status": {"current": "blocked", "message": "waiting for agents"},
          "subordinates": {
            "pgbouncer/0": {"workload-status": {"current": "active"}}
          }
        }
      }
    },
    "pgbouncer": {
      "charm": "pgbouncer",
      "charm-channel": "1/stable",
      "charm-rev": 278,
      "subordinate-to": ["maas-region"]
    }
  }
}`

type clientSuite struct {
	jujutesting.IsolationSuite

	runner *fakeRunner
	client *Client
}

var _ = gc.Suite(&clientSuite{})

func (s *clientSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.runner = &fakeRunner{}
	s.client = NewClient(s.runner, "")
}

func (s *clientSuite) TestDeployedVersions(c *gc.C) {
	s.runner.out = statusJSON

	versions, err := s.client.DeployedVersions(context.Background(), "controller")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.runner.cmds, jc.DeepEquals, []string{"juju status -m controller --format json"})

	rev468, rev150, rev278 := 468, 150, 278
	c.Check(versions, jc.DeepEquals, map[string]application.DeployedVersion{
		"postgresql": {
			Application: "postgresql", Charm: "postgresql", Channel: "16/stable", Revision: &rev468,
		},
		"maas-region": {
			Application: "maas-region", Charm: "maas-region", Channel: "3.6/edge", Revision: &rev150,
			CanUpgradeTo: "ch:amd64/maas-region-155",
		},
		"pgbouncer": {
			Application: "pgbouncer", Charm: "pgbouncer", Channel: "1/stable", Revision: &rev278,
		},
	})
}

func (s *clientSuite) TestDeployedVersionsBadModel(c *gc.C) {
	_, err := s.client.DeployedVersions(context.Background(), "Not A Model")
	c.Check(err, jc.ErrorIs, errors.NotValid)
	c.Check(s.runner.cmds, gc.HasLen, 0)
}

func (s *clientSuite) TestDeployedVersionsModelNotFound(c *gc.C) {
	s.runner.err = &cmdrunner.CommandError{
		Command: "juju status", Code: 1, Stderr: `ERROR model "controller" not found`,
	}
	_, err := s.client.DeployedVersions(context.Background(), "controller")
	c.Check(err, jc.ErrorIs, errors.NotFound)
}

func (s *clientSuite) TestDeployedVersionsBadOutput(c *gc.C) {
	s.runner.out = "not json"
	_, err := s.client.DeployedVersions(context.Background(), "controller")
	c.Check(err, gc.ErrorMatches, "parsing juju status: .*")
}

func (s *clientSuite) TestApplicationStatus(c *gc.C) {
	s.runner.out = statusJSON

	units, err := s.client.ApplicationStatus(context.Background(), "controller", []string{"maas-region", "pgbouncer", "haproxy"})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(units, jc.DeepEquals, map[string]status.UnitStatus{
		"maas-region/0": {Status: status.Blocked, Message: "waiting for agents"},
		"pgbouncer/0":   {Status: status.Active},
	})
}

func (s *clientSuite) TestRefreshApplication(c *gc.C) {
	err := s.client.RefreshApplication(context.Background(), "controller", "haproxy", "latest/edge")
	c.Assert(err, jc.ErrorIsNil)
	err = s.client.RefreshApplication(context.Background(), "controller", "maas-agent", "")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.runner.cmds, jc.DeepEquals, []string{
		"juju refresh haproxy -m controller --channel latest/edge",
		"juju refresh maas-agent -m controller",
	})
}

func (s *clientSuite) TestRefreshApplicationNotFound(c *gc.C) {
	s.runner.err = &cmdrunner.CommandError{
		Command: "juju refresh haproxy", Code: 1, Stderr: `ERROR application "haproxy" not found`,
	}
	err := s.client.RefreshApplication(context.Background(), "controller", "haproxy", "")
	c.Check(err, jc.ErrorIs, errors.NotFound)
	c.Check(err, gc.ErrorMatches, `application "haproxy" not found: .*`)
}

func (s *clientSuite) TestRefreshApplicationFails(c *gc.C) {
	s.runner.err = &cmdrunner.CommandError{
		Command: "juju refresh haproxy", Code: 1, Stderr: "ERROR charm has no channel latest/edge",
	}
	err := s.client.RefreshApplication(context.Background(), "controller", "haproxy", "latest/edge")
	c.Check(cmdrunner.IsCommandError(err), jc.IsTrue)
	c.Check(errors.Is(err, errors.NotFound), jc.IsFalse)
}

func (s *clientSuite) TestRefreshApplicationBadName(c *gc.C) {
	err := s.client.RefreshApplication(context.Background(), "controller", "Bad_App", "")
	c.Check(err, jc.ErrorIs, errors.NotValid)
}

func (s *clientSuite) TestRunAction(c *gc.C) {
	s.runner.out = `{"postgresql/0": {"id": "4", "status": "completed", "results": {"return-code": 0, "message": "ok"}}}`

	results, err := s.client.RunAction(context.Background(), "controller", "postgresql/leader", "pre-upgrade-check", map[string]any{
		"force": true,
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(results, jc.DeepEquals, map[string]any{"return-code": float64(0), "message": "ok"})
	c.Check(s.runner.cmds, jc.DeepEquals, []string{
		"juju run postgresql/leader pre-upgrade-check -m controller --format json force=true",
	})
}

func (s *clientSuite) TestRunActionFailed(c *gc.C) {
	s.runner.out = `{"postgresql/0": {"id": "4", "status": "failed", "message": "replicas out of sync"}}`

	_, err := s.client.RunAction(context.Background(), "controller", "postgresql/leader", "pre-upgrade-check", nil)
	c.Check(err, gc.ErrorMatches, "action pre-upgrade-check on postgresql/0 failed: replicas out of sync")
}

func (s *clientSuite) TestRunActionBadUnit(c *gc.C) {
	_, err := s.client.RunAction(context.Background(), "controller", "postgresql", "pre-upgrade-check", nil)
	c.Check(err, jc.ErrorIs, errors.NotValid)

	_, err = s.client.RunAction(context.Background(), "controller", "postgresql/1", "pre-upgrade-check", nil)
	c.Check(err, gc.ErrorMatches, "parsing pre-upgrade-check results: .*")
}

func (s *clientSuite) TestCustomBinary(c *gc.C) {
	client := NewClient(s.runner, "/snap/bin/juju")
	err := client.RefreshApplication(context.Background(), "controller", "haproxy", "")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.runner.cmds, jc.DeepEquals, []string{"/snap/bin/juju refresh haproxy -m controller"})
}
