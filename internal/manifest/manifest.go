// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package manifest reads the deployment manifest, the document that
// says which charm channels, revisions and config the fleet should run.
package manifest

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/mitchellh/mapstructure"
	"github.com/mohae/deepcopy"
	"gopkg.in/yaml.v3"

	"github.com/canonical/maas-anvil/internal/registry"
)

var logger = loggo.GetLogger("anvil.manifest")

// DefaultChannels holds the channel each charm is deployed from when
// the manifest does not say otherwise.
var DefaultChannels = map[string]string{
	"maas-region":   "3.6/edge",
	"maas-agent":    "3.6/edge",
	"pgbouncer":     "1/stable",
	"postgresql":    "16/beta",
	"haproxy":       "latest/stable",
	"keepalived":    "latest/stable",
	"s3-integrator": "1/stable",
}

// CharmManifest is the desired state of a single charm.
type CharmManifest struct {
	Channel  string         `yaml:"channel,omitempty" json:"channel,omitempty" mapstructure:"channel"`
	Revision *int           `yaml:"revision,omitempty" json:"revision,omitempty" mapstructure:"revision"`
	Config   map[string]any `yaml:"config,omitempty" json:"config,omitempty" mapstructure:"config"`
}

// TerraformManifest locates the sources of a terraform plan.
type TerraformManifest struct {
	Source string `yaml:"source,omitempty" json:"source,omitempty" mapstructure:"source"`
}

// JujuManifest holds juju specific settings.
type JujuManifest struct {
	BootstrapArgs []string `yaml:"bootstrap_args,omitempty" json:"bootstrap_args,omitempty" mapstructure:"bootstrap_args"`
}

// Software is the software section of a manifest.
type Software struct {
	Juju      JujuManifest                 `yaml:"juju" json:"juju" mapstructure:"juju"`
	Charms    map[string]CharmManifest     `yaml:"charms" json:"charms" mapstructure:"charms"`
	Terraform map[string]TerraformManifest `yaml:"terraform" json:"terraform" mapstructure:"terraform"`
}

// Manifest is a parsed deployment manifest.
type Manifest struct {
	// Deployment holds the preseed answers for the deployment.
	Deployment map[string]any

	// Software holds the desired charms and plans.
	Software Software

	// raw is the document as the user wrote it, without defaults.
	raw []byte
}

// Default returns the manifest used when none is provided.
func Default(planDir string) *Manifest {
	m, err := Parse(nil, planDir)
	if err != nil {
		// The built in defaults always validate.
		panic(err)
	}
	return m
}

// ReadFile reads the manifest at path and lays it over the defaults.
func ReadFile(path, planDir string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "reading manifest %q", path)
	}
	m, err := Parse(data, planDir)
	return m, errors.Annotatef(err, "manifest %q", path)
}

// Parse parses a manifest document and lays it over the defaults.
// planDir is where the default terraform plans live.
func Parse(data []byte, planDir string) (*Manifest, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Annotate(err, "cannot unmarshal manifest")
	}

	deployment, err := section(doc, "deployment")
	if err != nil {
		return nil, errors.Trace(err)
	}
	override, err := section(doc, "software")
	if err != nil {
		return nil, errors.Trace(err)
	}
	defaults := defaultSoftware(planDir)
	if err := checkKnownKeys(override, defaults); err != nil {
		return nil, errors.Trace(err)
	}

	software := mergeMaps(defaults, deepcopy.Copy(override).(map[string]any))
	coerced, err := softwareChecker.Coerce(software, []string{"software"})
	if err != nil {
		return nil, errors.NewNotValid(err, "invalid manifest")
	}

	m := &Manifest{
		Deployment: deployment,
		raw:        data,
	}
	if err := mapstructure.Decode(coerced, &m.Software); err != nil {
		return nil, errors.Annotate(err, "decoding manifest")
	}
	logger.Tracef("manifest software: %+v", m.Software)
	return m, nil
}

// Raw returns the document the manifest was parsed from.
func (m *Manifest) Raw() []byte {
	return m.raw
}

// Charm returns the desired state of the named charm, or nil if the
// manifest does not mention it.
func (m *Manifest) Charm(name string) *CharmManifest {
	cm, ok := m.Software.Charms[name]
	if !ok {
		return nil
	}
	return &cm
}

// TerraformSource returns the directory holding the sources of plan.
func (m *Manifest) TerraformSource(plan string) (string, error) {
	tf, ok := m.Software.Terraform[plan]
	if !ok || tf.Source == "" {
		return "", errors.NotFoundf("terraform source for %q", plan)
	}
	return tf.Source, nil
}

// PlanVars returns the terraform variables the manifest sets for plan,
// limited to the given charms when any are named.
func (m *Manifest) PlanVars(plan string, charms []string) map[string]any {
	vars := make(map[string]any)
	for _, charm := range planCharms(plan, charms) {
		cm := m.Charm(charm)
		if cm == nil {
			continue
		}
		if cm.Channel != "" {
			vars[VarName(charm, "channel")] = cm.Channel
		}
		if cm.Revision != nil {
			vars[VarName(charm, "revision")] = *cm.Revision
		}
		if len(cm.Config) > 0 {
			vars[VarName(charm, "config")] = cm.Config
		}
	}
	return vars
}

// PlanVarNames returns every terraform variable name the manifest can
// set for plan, limited to the given charms when any are named.
func PlanVarNames(plan string, charms []string) []string {
	var names []string
	for _, charm := range planCharms(plan, charms) {
		for _, attr := range []string{"channel", "revision", "config"} {
			names = append(names, VarName(charm, attr))
		}
	}
	return names
}

// VarName returns the terraform variable that carries the given
// attribute of a charm, e.g. charm_maas_region_channel.
func VarName(charm, attr string) string {
	return "charm_" + strings.ReplaceAll(charm, "-", "_") + "_" + attr
}

func planCharms(plan string, charms []string) []string {
	wanted := set.NewStrings(charms...)
	var result []string
	for _, d := range append(registry.Ordered(), registry.Plugins()...) {
		if d.Plan != plan {
			continue
		}
		for _, c := range d.Charms {
			if wanted.IsEmpty() || wanted.Contains(c) {
				result = append(result, c)
			}
		}
	}
	return result
}

func defaultSoftware(planDir string) map[string]any {
	charms := make(map[string]any)
	for charm, channel := range DefaultChannels {
		charms[charm] = map[string]any{"channel": channel}
	}
	terraform := make(map[string]any)
	for plan, dir := range registry.PlanDirectories {
		terraform[plan] = map[string]any{"source": filepath.Join(planDir, dir)}
	}
	return map[string]any{
		"juju":      map[string]any{"bootstrap_args": []any{}},
		"charms":    charms,
		"terraform": terraform,
	}
}

func checkKnownKeys(override, defaults map[string]any) error {
	for _, name := range []string{"charms", "terraform"} {
		given, ok := override[name].(map[string]any)
		if !ok {
			continue
		}
		known := set.NewStrings(keys(defaults[name].(map[string]any))...)
		for key := range given {
			if !known.Contains(key) {
				return errors.NotValidf("software %s key %q, expected one of %s",
					name, key, strings.Join(known.SortedValues(), ", "))
			}
		}
	}
	return nil
}

func section(doc map[string]any, name string) (map[string]any, error) {
	v, ok := doc[name]
	if !ok || v == nil {
		return map[string]any{}, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, errors.NotValidf("manifest %s section of type %T", name, v)
	}
	return m, nil
}

// mergeMaps lays src over dst, descending into nested maps, and
// returns dst.
func mergeMaps(dst, src map[string]any) map[string]any {
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]any)
		dstMap, dstIsMap := dst[k].(map[string]any)
		if srcIsMap && dstIsMap {
			dst[k] = mergeMaps(dstMap, srcMap)
			continue
		}
		if v == nil {
			continue
		}
		dst[k] = v
	}
	return dst
}

func keys(m map[string]any) []string {
	result := make([]string, 0, len(m))
	for k := range m {
		result = append(result, k)
	}
	sort.Strings(result)
	return result
}
