// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package upgrades

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/canonical/maas-anvil/core/application"
	"github.com/canonical/maas-anvil/internal/manifest"
	"github.com/canonical/maas-anvil/internal/registry"
)

const (
	// EnableHAProxyVar tells the region plan whether haproxy fronts
	// the regions.
	EnableHAProxyVar = "enable_haproxy"

	// RegionNodesVar tells the database plan how many region nodes
	// connect to it.
	RegionNodesVar = "maas_region_nodes"

	// pluginConfigPrefix prefixes the config store key of each plugin.
	pluginConfigPrefix = "Plugin-"
)

// CoordinatorConfig holds the dependencies of a Coordinator.
type CoordinatorConfig struct {
	// Model is the model the fleet is deployed in.
	Model string

	Cluster      Cluster
	Orchestrator Orchestrator
	Store        ConfigStore
	Plans        PlanApplier

	// Manifest holds the desired state of the fleet.
	Manifest *manifest.Manifest

	// ReleaseUpgrade allows any application to move to another track.
	ReleaseUpgrade bool

	// PluginReleaseUpgrade allows plugin applications to move to
	// another track.
	PluginReleaseUpgrade bool

	Clock        clock.Clock
	PollInterval time.Duration

	// Progress, if set, is called with each result as it is recorded.
	Progress func(Result)
}

// Validate returns an error if the config cannot drive a Coordinator.
func (c CoordinatorConfig) Validate() error {
	if c.Model == "" {
		return errors.NotValidf("empty Model")
	}
	if c.Cluster == nil {
		return errors.NotValidf("nil Cluster")
	}
	if c.Orchestrator == nil {
		return errors.NotValidf("nil Orchestrator")
	}
	if c.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if c.Plans == nil {
		return errors.NotValidf("nil Plans")
	}
	if c.Manifest == nil {
		return errors.NotValidf("nil Manifest")
	}
	if c.PollInterval < 0 {
		return errors.NotValidf("negative PollInterval")
	}
	return nil
}

// phase is a state of the coordinator's run.
type phase string

const (
	phaseStart      phase = "start"
	phaseTrackCheck phase = "track-check"
	phaseDispatch   phase = "per-application-dispatch"
	phasePlugins    phase = "fleet-plugin-upgrade"
	phaseDone       phase = "done"
	phaseFailed     phase = "failed"
)

// Coordinator upgrades the fleet one application at a time, in
// dependency order, and reports the outcome of each step.
type Coordinator struct {
	cfg        CoordinatorConfig
	refresher  *RefreshExecutor
	reconciler *PlanReconciler
	phase      phase
}

// NewCoordinator returns a Coordinator for the given config.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Coordinator{
		cfg:        cfg,
		refresher:  NewRefreshExecutor(cfg.Orchestrator, cfg.Model, cfg.Clock, cfg.PollInterval),
		reconciler: NewPlanReconciler(cfg.Store, cfg.Plans, cfg.Orchestrator, cfg.Model, cfg.Clock, cfg.PollInterval),
		phase:      phaseStart,
	}, nil
}

// Plan returns the operations a run would perform, in order. It fails
// with ErrCrossTrackWithoutOptIn when the manifest moves an application
// to another track without the matching opt-in.
func (c *Coordinator) Plan(ctx context.Context) ([]UpgradeOperation, error) {
	fleetOps, pluginOps, err := c.operations(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var planned []UpgradeOperation
	for _, op := range append(fleetOps, pluginOps...) {
		planned = append(planned, op.Describe())
	}
	return planned, nil
}

// Run performs the upgrade. A failing step does not stop later steps;
// its failure is recorded in the report. Only a failure before any step
// ran returns an error, along with a failed report.
func (c *Coordinator) Run(ctx context.Context) (Report, error) {
	report := Report{
		RunID:          uuid.NewString(),
		Model:          c.cfg.Model,
		ReleaseUpgrade: c.cfg.ReleaseUpgrade,
		Started:        c.cfg.Clock.Now(),
		Results:        []Result{},
	}

	fleetOps, pluginOps, err := c.operations(ctx)
	if err != nil {
		c.setPhase(phaseFailed)
		report.State = StateFailed
		report.Message = err.Error()
		report.Finished = c.cfg.Clock.Now()
		return report, errors.Trace(err)
	}

	c.setPhase(phaseDispatch)
	for _, op := range fleetOps {
		report.Results = append(report.Results, c.dispatch(ctx, op))
	}
	c.setPhase(phasePlugins)
	for _, op := range pluginOps {
		report.Results = append(report.Results, c.dispatch(ctx, op))
	}
	c.setPhase(phaseDone)

	report.State = StateDone
	report.Finished = c.cfg.Clock.Now()
	if n := len(report.Failed()); n > 0 {
		report.Message = fmt.Sprintf("%d of %d steps failed", n, len(report.Results))
	}
	return report, nil
}

func (c *Coordinator) setPhase(p phase) {
	logger.Debugf("upgrade coordinator: %s -> %s", c.phase, p)
	c.phase = p
}

// dispatch runs a single operation and turns its outcome into a result.
func (c *Coordinator) dispatch(ctx context.Context, op Operation) Result {
	result := c.execute(ctx, op)
	switch result.Status {
	case StatusFailed:
		logger.Errorf("%s %s failed: %s", result.Kind, result.Application, result.Message)
	case StatusSkipped:
		logger.Infof("%s skipped: %s", result.Application, result.Message)
	default:
		logger.Infof("%s %s completed", result.Kind, result.Application)
	}
	if c.cfg.Progress != nil {
		c.cfg.Progress(result)
	}
	return result
}

func (c *Coordinator) execute(ctx context.Context, op Operation) Result {
	desc := op.Describe()
	skip, reason, err := op.ShouldSkip(ctx)
	if err != nil {
		return failed(desc, err)
	}
	if skip {
		return skipped(desc, reason)
	}
	if desc.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, desc.Timeout)
		defer cancel()
	}
	logger.Infof("%s %s", desc.Kind, desc.Application)
	return op.Execute(ctx)
}

// fleet is what the coordinator observed before planning.
type fleet struct {
	deployed    map[string]application.DeployedVersion
	appsByCharm map[string][]string
	nodes       map[registry.Role][]string
	vars        map[string]map[string]any
}

func (c *Coordinator) operations(ctx context.Context) ([]Operation, []Operation, error) {
	c.setPhase(phaseTrackCheck)
	f, err := c.observe(ctx)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	if err := c.trackCheck(f); err != nil {
		return nil, nil, errors.Trace(err)
	}
	fleetOps, err := c.fleetOperations(f)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	pluginOps, err := c.pluginOperations(ctx, f)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	return fleetOps, pluginOps, nil
}

// observe reads the deployed applications, the cluster roles and the
// variables last applied to each plan.
func (c *Coordinator) observe(ctx context.Context) (*fleet, error) {
	deployed, err := c.cfg.Orchestrator.DeployedVersions(ctx, c.cfg.Model)
	if err != nil {
		return nil, errors.Annotate(err, "reading deployed applications")
	}
	f := &fleet{
		deployed:    make(map[string]application.DeployedVersion, len(deployed)),
		appsByCharm: make(map[string][]string),
		nodes:       make(map[registry.Role][]string),
		vars:        make(map[string]map[string]any),
	}
	for app, v := range deployed {
		f.deployed[app] = v
	}
	for _, role := range []registry.Role{
		registry.RoleDatabase, registry.RoleHAProxy, registry.RoleRegion, registry.RoleAgent,
	} {
		nodes, err := c.cfg.Cluster.ListNodesByRole(ctx, role)
		if err != nil {
			return nil, errors.Annotatef(err, "listing %s nodes", role)
		}
		f.nodes[role] = nodes
	}
	for _, d := range append(registry.Ordered(), registry.Plugins()...) {
		vars, err := readVars(ctx, c.cfg.Store, d.ConfigKey)
		if err != nil {
			return nil, errors.Trace(err)
		}
		f.vars[d.ConfigKey] = vars
		for _, charm := range d.Charms {
			config, _ := vars[manifest.VarName(charm, "config")].(map[string]any)
			for app, v := range f.deployed {
				if v.Charm == charm {
					v.Config = config
					f.deployed[app] = v
				}
			}
		}
	}
	for _, app := range sortedKeys(f.deployed) {
		charm := f.deployed[app].Charm
		f.appsByCharm[charm] = append(f.appsByCharm[charm], app)
	}
	return f, nil
}

// trackCheck fails when an application would move to another track
// without the matching opt-in.
func (c *Coordinator) trackCheck(f *fleet) error {
	var crossing []string
	for _, app := range sortedKeys(f.deployed) {
		deployed := f.deployed[app]
		desired := c.cfg.Manifest.Charm(deployed.Charm)
		class, err := Classify(deployed, desired)
		if err != nil {
			return errors.Trace(err)
		}
		if class != CrossTrack || c.cfg.ReleaseUpgrade {
			continue
		}
		if d, err := registry.ForCharm(deployed.Charm); err == nil && d.IsPlugin() && c.cfg.PluginReleaseUpgrade {
			continue
		}
		crossing = append(crossing, fmt.Sprintf("%s (%s -> %s)", app, deployed.Channel, desired.Channel))
	}
	if len(crossing) > 0 {
		return errors.Annotate(ErrCrossTrackWithoutOptIn, strings.Join(crossing, ", "))
	}
	return nil
}

// fleetOperations returns the operations for the applications whose
// role is present, in dependency order.
func (c *Coordinator) fleetOperations(f *fleet) ([]Operation, error) {
	var (
		ops      []Operation
		database *registry.Descriptor
		resized  bool
	)
	for _, d := range registry.Ordered() {
		if len(f.nodes[d.Role]) == 0 {
			logger.Debugf("no %s nodes, not upgrading %s", d.Role, d.Name)
			continue
		}
		op, err := c.planApplication(d, f, c.planExtras(d, f))
		if err != nil {
			return nil, errors.Trace(err)
		}
		ops = append(ops, op)

		switch d.Role {
		case registry.RoleDatabase:
			d := d
			database = &d
		case registry.RoleRegion, registry.RoleAgent:
			resized = true
		}
	}
	if database != nil && resized {
		ops = append(ops, &capacityOperation{
			op: UpgradeOperation{
				Application: database.Name,
				Kind:        KindReconcilePlan,
				Plan:        database.Plan,
				Timeout:     database.OperationTimeout,
				Reason:      "re-check region node count",
			},
			descriptor: *database,
			apps:       c.applications(*database, f),
			manifest:   c.cfg.Manifest,
			cluster:    c.cfg.Cluster,
			store:      c.cfg.Store,
			reconciler: c.reconciler,
		})
	}
	return ops, nil
}

// planExtras returns the plan variables that depend on the fleet rather
// than on the manifest.
func (c *Coordinator) planExtras(d registry.Descriptor, f *fleet) map[string]any {
	switch d.Role {
	case registry.RoleRegion:
		return map[string]any{EnableHAProxyVar: len(f.nodes[registry.RoleHAProxy]) > 0}
	case registry.RoleDatabase:
		return map[string]any{RegionNodesVar: len(f.nodes[registry.RoleRegion])}
	}
	return nil
}

// pluginOperations returns the operations for the enabled plugins, or a
// single skip when none is enabled.
func (c *Coordinator) pluginOperations(ctx context.Context, f *fleet) ([]Operation, error) {
	var ops []Operation
	for _, d := range registry.Plugins() {
		enabled, err := c.pluginEnabled(ctx, d.Plugin)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if !enabled {
			continue
		}
		op, err := c.planApplication(d, f, nil)
		if err != nil {
			return nil, errors.Trace(err)
		}
		ops = append(ops, op)
	}
	if len(ops) == 0 {
		ops = append(ops, &skipOperation{op: UpgradeOperation{
			Application: "plugins",
			Kind:        KindSkip,
			Reason:      "no plugins enabled",
		}})
	}
	return ops, nil
}

func (c *Coordinator) pluginEnabled(ctx context.Context, plugin string) (bool, error) {
	value, err := readVars(ctx, c.cfg.Store, pluginConfigPrefix+plugin)
	if err != nil {
		return false, errors.Trace(err)
	}
	switch enabled := value["enabled"].(type) {
	case bool:
		return enabled, nil
	case string:
		b, err := strconv.ParseBool(enabled)
		return err == nil && b, nil
	}
	return false, nil
}

// applications returns the application names a descriptor's units run
// under. Charms that are not deployed yet are expected under their own
// name.
func (c *Coordinator) applications(d registry.Descriptor, f *fleet) []string {
	var apps []string
	for _, charm := range d.Charms {
		if deployed := f.appsByCharm[charm]; len(deployed) > 0 {
			apps = append(apps, deployed...)
		} else {
			apps = append(apps, charm)
		}
	}
	return apps
}

// planApplication decides how to upgrade a single application.
func (c *Coordinator) planApplication(d registry.Descriptor, f *fleet, extras map[string]any) (Operation, error) {
	var (
		reasons     []string
		needsPlan   bool
		targets     = make(map[string]string)
		channelVars = make(map[string]any)
	)
	for _, charm := range d.Charms {
		desired := c.cfg.Manifest.Charm(charm)
		apps := f.appsByCharm[charm]
		if len(apps) == 0 {
			if desired != nil {
				needsPlan = true
				reasons = append(reasons, charm+" not deployed")
			}
			continue
		}
		for _, app := range apps {
			delta, err := compare(f.deployed[app], desired)
			if err != nil {
				return nil, errors.Trace(err)
			}
			switch {
			case delta.class == Unchanged:
			case delta.needsPlan():
				needsPlan = true
				reasons = append(reasons, delta.reason(app, f.deployed[app]))
			default:
				targets[app] = ""
				if delta.channel {
					targets[app] = delta.targetChannel
					channelVars[manifest.VarName(charm, "channel")] = delta.targetChannel
				}
				reasons = append(reasons, delta.reason(app, f.deployed[app]))
			}
		}
	}
	stored := f.vars[d.ConfigKey]
	for _, name := range sortedKeys(extras) {
		if !sameValue(extras[name], stored[name]) {
			needsPlan = true
			reasons = append(reasons, fmt.Sprintf("%s changed to %v", name, extras[name]))
		}
	}

	op := UpgradeOperation{
		Application: d.Name,
		Plan:        d.Plan,
		Timeout:     d.OperationTimeout,
		Reason:      strings.Join(reasons, "; "),
	}
	if desired := c.cfg.Manifest.Charm(d.Charm()); desired != nil {
		op.Channel = desired.Channel
		op.Revision = desired.Revision
	}

	switch {
	case needsPlan:
		op.Kind = KindReconcilePlan
		vars := c.cfg.Manifest.PlanVars(d.Plan, d.Charms)
		for k, v := range extras {
			vars[k] = v
		}
		return &reconcileOperation{
			op:         op,
			descriptor: d,
			apps:       c.applications(d, f),
			vars:       vars,
			reconciler: c.reconciler,
		}, nil
	case len(targets) > 0:
		op.Kind = KindRefresh
		return &refreshOperation{
			op:          op,
			descriptor:  d,
			targets:     targets,
			channelVars: channelVars,
			executor:    c.refresher,
			store:       c.cfg.Store,
		}, nil
	}
	op.Kind = KindSkip
	op.Plan = ""
	op.Reason = "up to date"
	return &skipOperation{op: op}, nil
}
