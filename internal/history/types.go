// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package history

import (
	"time"

	"github.com/juju/errors"

	"github.com/canonical/maas-anvil/upgrades"
)

// timeFormat sorts lexically in time order.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// dbRun is a row of the run table.
type dbRun struct {
	UUID           string `db:"uuid"`
	Model          string `db:"model"`
	ReleaseUpgrade bool   `db:"release_upgrade"`
	State          string `db:"state"`
	Message        string `db:"message"`
	StartedAt      string `db:"started_at"`
	FinishedAt     string `db:"finished_at"`
	Steps          int    `db:"steps"`
	Failed         int    `db:"failed"`
}

// dbResult is a row of the run_result table.
type dbResult struct {
	RunUUID     string `db:"run_uuid"`
	Seq         int    `db:"seq"`
	Application string `db:"application"`
	Kind        string `db:"kind"`
	Status      string `db:"status"`
	Message     string `db:"message"`
}

// Run summarises a recorded upgrade run.
type Run struct {
	ID             string
	Model          string
	ReleaseUpgrade bool
	State          upgrades.State
	Message        string
	Started        time.Time
	Finished       time.Time
	Steps          int
	Failed         int
}

func fromReport(report upgrades.Report) dbRun {
	return dbRun{
		UUID:           report.RunID,
		Model:          report.Model,
		ReleaseUpgrade: report.ReleaseUpgrade,
		State:          string(report.State),
		Message:        report.Message,
		StartedAt:      report.Started.UTC().Format(timeFormat),
		FinishedAt:     report.Finished.UTC().Format(timeFormat),
		Steps:          len(report.Results),
		Failed:         len(report.Failed()),
	}
}

func (r dbRun) toRun() (Run, error) {
	started, err := time.Parse(timeFormat, r.StartedAt)
	if err != nil {
		return Run{}, errors.Annotatef(err, "run %s start time", r.UUID)
	}
	finished, err := time.Parse(timeFormat, r.FinishedAt)
	if err != nil {
		return Run{}, errors.Annotatef(err, "run %s finish time", r.UUID)
	}
	return Run{
		ID:             r.UUID,
		Model:          r.Model,
		ReleaseUpgrade: r.ReleaseUpgrade,
		State:          upgrades.State(r.State),
		Message:        r.Message,
		Started:        started,
		Finished:       finished,
		Steps:          r.Steps,
		Failed:         r.Failed,
	}, nil
}

func (r dbResult) toResult() upgrades.Result {
	return upgrades.Result{
		Application: r.Application,
		Kind:        upgrades.Kind(r.Kind),
		Status:      upgrades.ResultStatus(r.Status),
		Message:     r.Message,
	}
}
