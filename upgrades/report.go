// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package upgrades

import (
	"time"
)

// Kind is the way an application gets upgraded.
type Kind string

const (
	// KindRefresh refreshes the application in place.
	KindRefresh Kind = "refresh"

	// KindReconcilePlan re-applies the application's plan.
	KindReconcilePlan Kind = "reconcile-plan"

	// KindSkip leaves the application alone.
	KindSkip Kind = "skip"
)

// ResultStatus is the outcome of an operation.
type ResultStatus string

const (
	StatusCompleted ResultStatus = "completed"
	StatusFailed    ResultStatus = "failed"
	StatusSkipped   ResultStatus = "skipped"
)

// UpgradeOperation describes one planned unit of work.
type UpgradeOperation struct {
	Application string        `json:"application" yaml:"application"`
	Kind        Kind          `json:"kind" yaml:"kind"`
	Plan        string        `json:"plan,omitempty" yaml:"plan,omitempty"`
	Channel     string        `json:"channel,omitempty" yaml:"channel,omitempty"`
	Revision    *int          `json:"revision,omitempty" yaml:"revision,omitempty"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
	Reason      string        `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Result is the outcome of one operation.
type Result struct {
	Application string       `json:"application" yaml:"application"`
	Kind        Kind         `json:"kind" yaml:"kind"`
	Status      ResultStatus `json:"status" yaml:"status"`
	Message     string       `json:"message,omitempty" yaml:"message,omitempty"`
}

// State is the state a coordinator run ended in.
type State string

const (
	// StateDone means every step was attempted. Some may have failed.
	StateDone State = "done"

	// StateFailed means the run was aborted before any step ran.
	StateFailed State = "failed"
)

// Report is the outcome of a coordinator run.
type Report struct {
	RunID          string    `json:"run-id" yaml:"run-id"`
	Model          string    `json:"model" yaml:"model"`
	ReleaseUpgrade bool      `json:"release-upgrade" yaml:"release-upgrade"`
	State          State     `json:"state" yaml:"state"`
	Message        string    `json:"message,omitempty" yaml:"message,omitempty"`
	Started        time.Time `json:"started" yaml:"started"`
	Finished       time.Time `json:"finished" yaml:"finished"`
	Results        []Result  `json:"results" yaml:"results"`
}

// Failed returns the results that failed.
func (r Report) Failed() []Result {
	var failed []Result
	for _, result := range r.Results {
		if result.Status == StatusFailed {
			failed = append(failed, result)
		}
	}
	return failed
}

// ExitCode returns the process exit code for the report: 0 when the run
// completed and nothing failed, 1 otherwise.
func (r Report) ExitCode() int {
	if r.State != StateDone || len(r.Failed()) > 0 {
		return 1
	}
	return 0
}

func completed(op UpgradeOperation) Result {
	return Result{Application: op.Application, Kind: op.Kind, Status: StatusCompleted}
}

func skipped(op UpgradeOperation, reason string) Result {
	return Result{Application: op.Application, Kind: op.Kind, Status: StatusSkipped, Message: reason}
}

func failed(op UpgradeOperation, err error) Result {
	return Result{Application: op.Application, Kind: op.Kind, Status: StatusFailed, Message: err.Error()}
}
