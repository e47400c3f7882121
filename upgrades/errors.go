// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package upgrades

import (
	"fmt"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/naturalsort"
)

const (
	// ErrCrossTrackWithoutOptIn is returned when the manifest moves an
	// application to another track and the run was not marked as a
	// release upgrade.
	ErrCrossTrackWithoutOptIn = errors.ConstError("manifest contains cross track upgrades, re-run with --upgrade-release")

	// errNotSettled is returned by a status poll while units are still
	// converging.
	errNotSettled = errors.ConstError("units not settled")
)

// OrchestratorError records a request the orchestrator rejected.
type OrchestratorError struct {
	Application string
	Operation   string
	Err         error
}

func (e *OrchestratorError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Operation, e.Application, e.Err)
}

func (e *OrchestratorError) Unwrap() error {
	return e.Err
}

// PlanApplyError records a failed plan apply.
type PlanApplyError struct {
	Plan string
	Err  error
}

func (e *PlanApplyError) Error() string {
	return fmt.Sprintf("applying plan %s: %v", e.Plan, e.Err)
}

func (e *PlanApplyError) Unwrap() error {
	return e.Err
}

// TimeoutError is returned when units did not settle in time. The change
// that was requested may still be converging.
type TimeoutError struct {
	Applications []string

	// Timeout is the unit timeout, or the time spent waiting when
	// DeadlineExceeded is set.
	Timeout time.Duration

	// DeadlineExceeded is set when the operation or run deadline ended the
	// wait before the unit timeout did.
	DeadlineExceeded bool

	// Pending maps the units that had not settled to their last status.
	Pending map[string]string
}

func (e *TimeoutError) Error() string {
	what := "timed out"
	if e.DeadlineExceeded {
		what = "operation deadline reached"
	}
	msg := fmt.Sprintf("%s after %v waiting for %s to settle",
		what, e.Timeout, strings.Join(e.Applications, ", "))
	if len(e.Pending) > 0 {
		units := make([]string, 0, len(e.Pending))
		for unit, st := range e.Pending {
			units = append(units, unit+" "+st)
		}
		naturalsort.Sort(units)
		msg += " (" + strings.Join(units, ", ") + ")"
	}
	return msg + "; the change was requested and may still be converging"
}

// notSettledError carries the units a poll found unsettled.
type notSettledError struct {
	pending map[string]string
}

func (e *notSettledError) Error() string {
	return fmt.Sprintf("%d unit(s) not settled", len(e.pending))
}

func (e *notSettledError) Unwrap() error {
	return errNotSettled
}
