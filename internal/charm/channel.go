// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package charm

import (
	"strings"

	"github.com/juju/errors"
)

// DefaultTrack is the track a channel refers to when none is given,
// e.g. "stable" is shorthand for "latest/stable".
const DefaultTrack = "latest"

// Risk describes the stability tier of a channel.
type Risk string

const (
	Stable    Risk = "stable"
	Candidate Risk = "candidate"
	Beta      Risk = "beta"
	Edge      Risk = "edge"
)

// Risks is a list of the available channel risks, most stable first.
var Risks = []Risk{
	Stable,
	Candidate,
	Beta,
	Edge,
}

func isRisk(potential string) bool {
	for _, risk := range Risks {
		if potential == string(risk) {
			return true
		}
	}
	return false
}

// Channel identifies a charm store channel.
//
// The complete channel name has three parts separated by slashes:
//
//	<track>/<risk>/<branch>
//
// The track is the release line (e.g. "16" for postgresql 16), the risk is
// the stability tier and the optional branch holds short lived fixes.
type Channel struct {
	Track  string `json:"track,omitempty" yaml:"track,omitempty"`
	Risk   Risk   `json:"risk,omitempty" yaml:"risk,omitempty"`
	Branch string `json:"branch,omitempty" yaml:"branch,omitempty"`
}

// ParseChannel parses a string representing a store channel.
func ParseChannel(s string) (Channel, error) {
	if s == "" {
		return Channel{}, errors.NotValidf("empty channel")
	}

	var ch Channel
	parts := strings.Split(s, "/")
	switch len(parts) {
	case 1:
		if isRisk(parts[0]) {
			ch.Risk = Risk(parts[0])
		} else {
			ch.Track = parts[0]
		}
	case 2:
		if isRisk(parts[0]) {
			ch.Risk, ch.Branch = Risk(parts[0]), parts[1]
			if ch.Branch == "" {
				return Channel{}, errors.NotValidf("branch in channel %q", s)
			}
			return ch, nil
		}
		ch.Track, ch.Risk = parts[0], Risk(parts[1])
	case 3:
		ch.Track, ch.Risk, ch.Branch = parts[0], Risk(parts[1]), parts[2]
		if ch.Branch == "" {
			return Channel{}, errors.NotValidf("branch in channel %q", s)
		}
	default:
		return Channel{}, errors.Errorf("channel is malformed and has too many components %q", s)
	}

	if ch.Risk != "" && !isRisk(string(ch.Risk)) {
		return Channel{}, errors.NotValidf("risk in channel %q", s)
	}
	if len(parts) > 1 && ch.Track == "" && !isRisk(parts[0]) {
		return Channel{}, errors.NotValidf("track in channel %q", s)
	}
	return ch, nil
}

// ParseChannelNormalize parses a string representing a store channel and
// fills in the default track and risk.
func ParseChannelNormalize(s string) (Channel, error) {
	ch, err := ParseChannel(s)
	if err != nil {
		return Channel{}, errors.Trace(err)
	}
	return ch.Normalize(), nil
}

// Normalize returns the channel with an explicit track and risk.
func (ch Channel) Normalize() Channel {
	if ch.Track == "" {
		ch.Track = DefaultTrack
	}
	if ch.Risk == "" {
		ch.Risk = Stable
	}
	return ch
}

// SameTrack reports whether both channels are on the same release line.
// Risk and branch are not considered.
func (ch Channel) SameTrack(other Channel) bool {
	return ch.Normalize().Track == other.Normalize().Track
}

// Empty returns true if all its components are empty.
func (ch Channel) Empty() bool {
	return ch.Track == "" && ch.Risk == "" && ch.Branch == ""
}

func (ch Channel) String() string {
	var parts []string
	if ch.Track != "" {
		parts = append(parts, ch.Track)
	}
	if ch.Risk != "" {
		parts = append(parts, string(ch.Risk))
	}
	if ch.Branch != "" {
		parts = append(parts, ch.Branch)
	}
	return strings.Join(parts, "/")
}
