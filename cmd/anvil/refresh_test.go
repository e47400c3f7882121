// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/juju/clock"
	"github.com/juju/cmd/v3"
	"github.com/juju/cmd/v3/cmdtesting"
	"github.com/juju/errors"
	"github.com/juju/mutex/v2"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	anviltesting "github.com/canonical/maas-anvil/cmd/testing"
	"github.com/canonical/maas-anvil/core/application"
	"github.com/canonical/maas-anvil/internal/clusterd"
	"github.com/canonical/maas-anvil/internal/config"
	"github.com/canonical/maas-anvil/internal/history"
	"github.com/canonical/maas-anvil/upgrades"
)

type refreshSuite struct {
	baseSuite
}

var _ = gc.Suite(&refreshSuite{})

func (s *refreshSuite) runRefresh(c *gc.C, args ...string) (*cmd.Context, error) {
	command := &refreshCommand{baseCommand: s.base()}
	return cmdtesting.RunCommand(c, command, append([]string{"--config", s.configPath}, args...)...)
}

func (s *refreshSuite) runs(c *gc.C) []history.Run {
	cfg, err := config.Load(s.configPath)
	c.Assert(err, jc.ErrorIsNil)
	store, err := history.Open(context.Background(), cfg.HistoryPath())
	c.Assert(err, jc.ErrorIsNil)
	defer store.Close()
	runs, err := store.ListRuns(context.Background(), 0)
	c.Assert(err, jc.ErrorIsNil)
	return runs
}

func (s *refreshSuite) TestInitRejectsArgs(c *gc.C) {
	err := cmdtesting.InitCommand(&refreshCommand{}, []string{"postgresql"})
	c.Assert(err, gc.ErrorMatches, `unrecognized args: \["postgresql"\]`)
}

func (s *refreshSuite) TestHelp(c *gc.C) {
	help := anviltesting.HelpText(&refreshCommand{}, "anvil refresh")
	c.Check(help, jc.Contains, "Refresh the MAAS fleet to the deployment manifest.")
	c.Check(help, jc.Contains, "--upgrade-release")
	c.Check(help, jc.Contains, "--upgrade-plugins-release")
}

func (s *refreshSuite) TestUpToDate(c *gc.C) {
	ctx, err := s.runRefresh(c)
	c.Assert(err, jc.ErrorIsNil)

	out := anviltesting.TrimLines(cmdtesting.Stdout(ctx))
	c.Check(out, gc.Matches, `Application  Kind  Status   Message
postgresql   skip  skipped  up to date
plugins      skip  skipped  no plugins enabled

Run [0-9a-f-]+ done: 2 steps, none failed
`)
	c.Check(cmdtesting.Stderr(ctx), jc.Contains, "skip postgresql: skipped (up to date)")
	c.Check(s.plans.applied, gc.HasLen, 0)
	c.Check(s.orchestrator.refreshed, gc.HasLen, 0)

	runs := s.runs(c)
	c.Assert(runs, gc.HasLen, 1)
	c.Check(runs[0].State, gc.Equals, upgrades.StateDone)
	c.Check(runs[0].Steps, gc.Equals, 2)
	c.Check(runs[0].Failed, gc.Equals, 0)
}

func (s *refreshSuite) TestNoManifestStored(c *gc.C) {
	_, err := s.runRefresh(c)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.manifests.added, gc.HasLen, 0)
}

func (s *refreshSuite) TestManifestFileIsStored(c *gc.C) {
	doc := "software:\n  charms:\n    postgresql: {channel: 16/beta}\n"
	path := filepath.Join(s.dir, "manifest.yaml")
	err := os.WriteFile(path, []byte(doc), 0600)
	c.Assert(err, jc.ErrorIsNil)

	_, err = s.runRefresh(c, "--manifest", path)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.manifests.added, jc.DeepEquals, []string{doc})
}

func (s *refreshSuite) TestBadManifestFile(c *gc.C) {
	path := filepath.Join(s.dir, "manifest.yaml")
	err := os.WriteFile(path, []byte("software:\n  charms:\n    nginx: {channel: stable}\n"), 0600)
	c.Assert(err, jc.ErrorIsNil)

	_, err = s.runRefresh(c, "-m", path)
	c.Assert(err, jc.ErrorIs, errors.NotValid)
	c.Check(s.manifests.added, gc.HasLen, 0)
	c.Check(s.runs(c), gc.HasLen, 0)
}

func (s *refreshSuite) TestDryRunUsesStoredManifest(c *gc.C) {
	s.manifests.latest = &clusterd.ManifestRecord{
		ID:   "m0",
		Data: "software:\n  charms:\n    postgresql: {channel: 16/edge}\n",
	}

	ctx, err := s.runRefresh(c, "--dry-run", "--format", "json")
	c.Assert(err, jc.ErrorIsNil)

	var planned []upgrades.UpgradeOperation
	err = json.Unmarshal([]byte(cmdtesting.Stdout(ctx)), &planned)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(planned, gc.HasLen, 2)
	c.Check(planned[0].Application, gc.Equals, "postgresql")
	c.Check(planned[0].Kind, gc.Equals, upgrades.KindRefresh)
	c.Check(planned[0].Channel, gc.Equals, "16/edge")
	c.Check(planned[1].Application, gc.Equals, "plugins")
	c.Check(planned[1].Kind, gc.Equals, upgrades.KindSkip)

	c.Check(s.orchestrator.refreshed, gc.HasLen, 0)
	c.Check(s.runs(c), gc.HasLen, 0)
}

func (s *refreshSuite) TestDryRunDoesNotStoreManifest(c *gc.C) {
	path := filepath.Join(s.dir, "manifest.yaml")
	err := os.WriteFile(path, []byte("software:\n  charms:\n    postgresql: {channel: 16/edge}\n"), 0600)
	c.Assert(err, jc.ErrorIsNil)

	ctx, err := s.runRefresh(c, "--dry-run", "--manifest", path)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.manifests.added, gc.HasLen, 0)
	c.Check(cmdtesting.Stdout(ctx), gc.Matches, `(?s)Application +Kind +Channel +Rev +Timeout +Reason\npostgresql +refresh +16/edge +- +30m0s .*`)
}

func (s *refreshSuite) TestCrossTrackNeedsOptIn(c *gc.C) {
	s.orchestrator.deployed["postgresql"] = application.DeployedVersion{
		Application: "postgresql", Charm: "postgresql", Channel: "14/stable",
	}

	_, err := s.runRefresh(c)
	c.Assert(err, jc.ErrorIs, upgrades.ErrCrossTrackWithoutOptIn)
	c.Check(err, gc.ErrorMatches, `postgresql \(14/stable -> 16/beta\): .*`)
	c.Check(s.plans.applied, gc.HasLen, 0)

	runs := s.runs(c)
	c.Assert(runs, gc.HasLen, 1)
	c.Check(runs[0].State, gc.Equals, upgrades.StateFailed)
}

func (s *refreshSuite) TestReleaseUpgrade(c *gc.C) {
	s.orchestrator.deployed["postgresql"] = application.DeployedVersion{
		Application: "postgresql", Charm: "postgresql", Channel: "14/stable",
	}

	ctx, err := s.runRefresh(c, "--upgrade-release", "--format", "yaml")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.plans.applied, jc.DeepEquals, []string{"postgresql-plan"})
	c.Check(cmdtesting.Stdout(ctx), jc.Contains, "release-upgrade: true")
	c.Check(cmdtesting.Stdout(ctx), gc.Matches, `(?s).*kind: reconcile-plan\n +status: completed\n.*`)
}

func (s *refreshSuite) TestFailedStepExitsNonZero(c *gc.C) {
	s.store = newFakeStore()
	s.plans.err = errors.New("boom")

	ctx, err := s.runRefresh(c)
	c.Assert(err, gc.Equals, cmd.ErrSilent)
	out := anviltesting.TrimLines(cmdtesting.Stdout(ctx))
	c.Check(out, gc.Matches, `(?s).*postgresql +reconcile-plan +failed +.*boom.*1 of 2 steps failed\n`)

	runs := s.runs(c)
	c.Assert(runs, gc.HasLen, 1)
	c.Check(runs[0].Failed, gc.Equals, 1)
}

func (s *refreshSuite) TestMetricsFile(c *gc.C) {
	path := filepath.Join(s.dir, "anvil.prom")
	s.writeConfig(c, "metrics-file: "+path+"\n")

	_, err := s.runRefresh(c)
	c.Assert(err, jc.ErrorIsNil)
	data, err := os.ReadFile(path)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(data), jc.Contains, "anvil_upgrade_success 1")
	c.Check(string(data), jc.Contains, `anvil_upgrade_result{application="postgresql",kind="skip",status="skipped"} 1`)
}

func (s *refreshSuite) TestBadConfig(c *gc.C) {
	err := os.WriteFile(s.configPath, []byte("model: \"\"\n"), 0600)
	c.Assert(err, jc.ErrorIsNil)

	_, err = s.runRefresh(c)
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

func (s *refreshSuite) TestConcurrentRefreshIsRefused(c *gc.C) {
	s.PatchValue(&refreshLockDelay, 5*time.Millisecond)
	s.PatchValue(&refreshLockTimeout, 50*time.Millisecond)
	releaser, err := mutex.Acquire(mutex.Spec{
		Name:  refreshLockName,
		Clock: clock.WallClock,
		Delay: 5 * time.Millisecond,
	})
	c.Assert(err, jc.ErrorIsNil)
	defer releaser.Release()

	_, err = s.runRefresh(c)
	c.Assert(err, gc.ErrorMatches, "another anvil refresh is in progress")
	c.Check(s.runs(c), gc.HasLen, 0)

	// A dry run changes nothing and does not need the lock.
	_, err = s.runRefresh(c, "--dry-run")
	c.Assert(err, jc.ErrorIsNil)
}

func (s *refreshSuite) TestLockIsReleased(c *gc.C) {
	_, err := s.runRefresh(c)
	c.Assert(err, jc.ErrorIsNil)
	_, err = s.runRefresh(c)
	c.Assert(err, jc.ErrorIsNil)

	releaser, err := mutex.Acquire(mutex.Spec{
		Name:    refreshLockName,
		Clock:   clock.WallClock,
		Delay:   5 * time.Millisecond,
		Timeout: time.Second,
	})
	c.Assert(err, jc.ErrorIsNil)
	releaser.Release()
	c.Check(s.runs(c), gc.HasLen, 2)
}
