// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package manifest_test

import (
	"os"
	"path/filepath"

	"github.com/juju/errors"
	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/canonical/maas-anvil/internal/manifest"
)

type manifestSuite struct {
	jujutesting.IsolationSuite
}

var _ = gc.Suite(&manifestSuite{})

func (s *manifestSuite) TestDefault(c *gc.C) {
	m := manifest.Default("/snap/anvil/current/etc")

	cm := m.Charm("postgresql")
	c.Assert(cm, gc.NotNil)
	c.Check(cm.Channel, gc.Equals, "16/beta")
	c.Check(cm.Revision, gc.IsNil)

	src, err := m.TerraformSource("maas-region-plan")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(src, gc.Equals, "/snap/anvil/current/etc/deploy-maas-region")
	c.Check(m.Raw(), gc.HasLen, 0)
}

func (s *manifestSuite) TestParseOverlaysDefaults(c *gc.C) {
	m, err := manifest.Parse([]byte(`
deployment:
  postgres:
    max_connections: default
software:
  charms:
    maas-region:
      channel: 3.6/stable
      revision: 42
      config:
        enable_rack_mode: true
    haproxy:
  terraform:
    haproxy-plan:
      source: /tmp/haproxy
`[1:]), "/etc/anvil")
	c.Assert(err, jc.ErrorIsNil)

	region := m.Charm("maas-region")
	c.Assert(region, gc.NotNil)
	c.Check(region.Channel, gc.Equals, "3.6/stable")
	c.Assert(region.Revision, gc.NotNil)
	c.Check(*region.Revision, gc.Equals, 42)
	c.Check(region.Config, jc.DeepEquals, map[string]any{"enable_rack_mode": true})

	c.Check(m.Charm("haproxy").Channel, gc.Equals, "latest/stable")
	c.Check(m.Charm("maas-agent").Channel, gc.Equals, "3.6/edge")
	c.Check(m.Charm("mysql"), gc.IsNil)

	src, err := m.TerraformSource("haproxy-plan")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(src, gc.Equals, "/tmp/haproxy")
	src, err = m.TerraformSource("postgresql-plan")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(src, gc.Equals, "/etc/anvil/deploy-postgresql")

	c.Check(m.Deployment, jc.DeepEquals, map[string]any{
		"postgres": map[string]any{"max_connections": "default"},
	})
}

func (s *manifestSuite) TestParseDoesNotLeakBetweenCalls(c *gc.C) {
	_, err := manifest.Parse([]byte("software: {charms: {haproxy: {channel: 2.8/edge}}}"), "")
	c.Assert(err, jc.ErrorIsNil)
	m := manifest.Default("")
	c.Check(m.Charm("haproxy").Channel, gc.Equals, "latest/stable")
}

func (s *manifestSuite) TestParseUnknownCharm(c *gc.C) {
	_, err := manifest.Parse([]byte("software: {charms: {mysql: {channel: 8.0/stable}}}"), "")
	c.Check(err, jc.ErrorIs, errors.NotValid)
	c.Check(err, gc.ErrorMatches, `software charms key "mysql", expected one of .* not valid`)
}

func (s *manifestSuite) TestParseUnknownTerraformPlan(c *gc.C) {
	_, err := manifest.Parse([]byte("software: {terraform: {mysql-plan: {source: /tmp}}}"), "")
	c.Check(err, jc.ErrorIs, errors.NotValid)
}

func (s *manifestSuite) TestParseUnknownCharmField(c *gc.C) {
	_, err := manifest.Parse([]byte("software: {charms: {haproxy: {base: ubuntu@24.04}}}"), "")
	c.Check(err, jc.ErrorIs, errors.NotValid)
}

func (s *manifestSuite) TestParseBadRevision(c *gc.C) {
	_, err := manifest.Parse([]byte("software: {charms: {haproxy: {revision: [1]}}}"), "")
	c.Check(err, jc.ErrorIs, errors.NotValid)
}

func (s *manifestSuite) TestParseBadSection(c *gc.C) {
	_, err := manifest.Parse([]byte("software: [charms]"), "")
	c.Check(err, jc.ErrorIs, errors.NotValid)
}

func (s *manifestSuite) TestReadFile(c *gc.C) {
	path := filepath.Join(c.MkDir(), "manifest.yaml")
	data := []byte("software: {charms: {postgresql: {channel: 16/stable}}}")
	c.Assert(os.WriteFile(path, data, 0644), jc.ErrorIsNil)

	m, err := manifest.ReadFile(path, "")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(m.Charm("postgresql").Channel, gc.Equals, "16/stable")
	c.Check(m.Raw(), jc.DeepEquals, data)

	_, err = manifest.ReadFile(filepath.Join(c.MkDir(), "missing.yaml"), "")
	c.Check(err, gc.ErrorMatches, `reading manifest .*`)
}

func (s *manifestSuite) TestPlanVars(c *gc.C) {
	m, err := manifest.Parse([]byte(`
software:
  charms:
    maas-region:
      revision: 7
      config:
        log_level: debug
    pgbouncer:
      channel: 1/edge
`[1:]), "")
	c.Assert(err, jc.ErrorIsNil)

	c.Check(m.PlanVars("maas-region-plan", nil), jc.DeepEquals, map[string]any{
		"charm_maas_region_channel":  "3.6/edge",
		"charm_maas_region_revision": 7,
		"charm_maas_region_config":   map[string]any{"log_level": "debug"},
		"charm_pgbouncer_channel":    "1/edge",
	})
	c.Check(m.PlanVars("maas-region-plan", []string{"pgbouncer"}), jc.DeepEquals, map[string]any{
		"charm_pgbouncer_channel": "1/edge",
	})
	c.Check(m.PlanVars("unknown-plan", nil), gc.HasLen, 0)
}

func (s *manifestSuite) TestPlanVarNames(c *gc.C) {
	c.Check(manifest.PlanVarNames("maas-region-plan", []string{"maas-region"}), jc.DeepEquals, []string{
		"charm_maas_region_channel",
		"charm_maas_region_revision",
		"charm_maas_region_config",
	})
	c.Check(manifest.PlanVarNames("haproxy-plan", nil), jc.SameContents, []string{
		"charm_haproxy_channel",
		"charm_haproxy_revision",
		"charm_haproxy_config",
	})
}
