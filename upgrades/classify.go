// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package upgrades

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/juju/errors"

	"github.com/canonical/maas-anvil/core/application"
	"github.com/canonical/maas-anvil/internal/charm"
	"github.com/canonical/maas-anvil/internal/manifest"
)

// Classification says how far a desired charm is from what is deployed.
type Classification string

const (
	// Unchanged means there is nothing to do.
	Unchanged Classification = "unchanged"

	// InTrack means the change stays on the deployed track.
	InTrack Classification = "in-track"

	// CrossTrack means the change moves to another track, a release
	// upgrade.
	CrossTrack Classification = "cross-track"
)

// Classify compares a deployed application with its desired state. An
// application the manifest does not mention is Unchanged.
func Classify(deployed application.DeployedVersion, desired *manifest.CharmManifest) (Classification, error) {
	d, err := compare(deployed, desired)
	if err != nil {
		return "", errors.Trace(err)
	}
	return d.class, nil
}

// delta records what differs between a deployed application and its
// desired state.
type delta struct {
	class Classification

	// channel is set when the desired channel differs from the
	// deployed one. targetChannel holds the desired channel.
	channel       bool
	targetChannel string

	revision bool
	config   bool

	// pinned is set when the desired state names a revision. A refresh
	// would move past it, so any change to a pinned charm needs a plan.
	pinned bool

	// update is set when a newer revision is available in the
	// deployed channel.
	update bool
}

// needsPlan reports whether only a plan apply can carry the change.
func (d delta) needsPlan() bool {
	return d.class == CrossTrack || d.revision || d.config || (d.pinned && d.class != Unchanged)
}

// reason describes the delta for the operator.
func (d delta) reason(app string, deployed application.DeployedVersion) string {
	var changes []string
	if d.channel {
		changes = append(changes, fmt.Sprintf("channel %s -> %s", deployed.Channel, d.targetChannel))
	}
	if d.revision {
		changes = append(changes, "revision pinned")
	}
	if d.config {
		changes = append(changes, "config changed")
	}
	if d.update {
		changes = append(changes, fmt.Sprintf("revision %s available", deployed.CanUpgradeTo))
	}
	return app + ": " + strings.Join(changes, ", ")
}

func compare(deployed application.DeployedVersion, desired *manifest.CharmManifest) (delta, error) {
	if desired == nil {
		return delta{class: Unchanged}, nil
	}

	var d delta
	if desired.Channel != "" && desired.Channel != deployed.Channel {
		want, err := charm.ParseChannelNormalize(desired.Channel)
		if err != nil {
			return delta{}, errors.Annotatef(err, "desired channel for %q", deployed.Application)
		}
		if deployed.Channel == "" {
			d.channel = true
		} else {
			have, err := charm.ParseChannelNormalize(deployed.Channel)
			if err != nil {
				return delta{}, errors.Annotatef(err, "deployed channel for %q", deployed.Application)
			}
			if !have.SameTrack(want) {
				d.class = CrossTrack
			}
			d.channel = have != want
		}
		d.targetChannel = desired.Channel
	}
	if desired.Revision != nil {
		d.pinned = true
		d.revision = deployed.Revision == nil || *deployed.Revision != *desired.Revision
	} else {
		d.update = deployed.CanUpgradeTo != ""
	}
	d.config = !sameValue(desired.Config, deployed.Config)

	if d.class == CrossTrack {
		return d, nil
	}
	if d.channel || d.revision || d.config || d.update {
		d.class = InTrack
	} else {
		d.class = Unchanged
	}
	return d, nil
}

// sameValue compares two values by their JSON form, so that values read
// back from the config store compare equal to the ones written. Nil and
// empty maps are the same.
func sameValue(a, b any) bool {
	return bytes.Equal(canonicalJSON(a), canonicalJSON(b))
}

func canonicalJSON(v any) []byte {
	if m, ok := v.(map[string]any); ok && len(m) == 0 {
		v = nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(err.Error())
	}
	return data
}
