// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package history keeps the reports of past upgrade runs in a local
// sqlite database.
package history

import (
	"context"
	"database/sql"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/canonical/maas-anvil/upgrades"
)

var logger = loggo.GetLogger("anvil.history")

// ErrRunNotFound is returned when no run has the requested id.
const ErrRunNotFound = errors.ConstError("run not found")

var schema = []string{`
CREATE TABLE IF NOT EXISTS run (
    uuid            TEXT NOT NULL PRIMARY KEY,
    model           TEXT NOT NULL,
    release_upgrade BOOLEAN NOT NULL,
    state           TEXT NOT NULL,
    message         TEXT NOT NULL,
    started_at      TEXT NOT NULL,
    finished_at     TEXT NOT NULL,
    steps           INTEGER NOT NULL,
    failed          INTEGER NOT NULL
);`, `
CREATE INDEX IF NOT EXISTS idx_run_started_at ON run (started_at);`, `
CREATE TABLE IF NOT EXISTS run_result (
    run_uuid    TEXT NOT NULL,
    seq         INTEGER NOT NULL,
    application TEXT NOT NULL,
    kind        TEXT NOT NULL,
    status      TEXT NOT NULL,
    message     TEXT NOT NULL,
    PRIMARY KEY (run_uuid, seq),
    CONSTRAINT fk_run_result_run
        FOREIGN KEY (run_uuid)
        REFERENCES run(uuid)
);`,
}

// Store records upgrade reports.
type Store struct {
	db *sqlair.DB
}

// Open opens, creating if needed, the history database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	sqlDB, err := sql.Open("sqlite3", "file:"+path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Annotatef(err, "opening history %q", path)
	}
	for _, stmt := range schema {
		if _, err := sqlDB.ExecContext(ctx, stmt); err != nil {
			_ = sqlDB.Close()
			return nil, errors.Annotatef(err, "creating history schema in %q", path)
		}
	}
	return &Store{db: sqlair.NewDB(sqlDB)}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return errors.Trace(s.db.PlainDB().Close())
}

// RecordRun stores report and its results.
func (s *Store) RecordRun(ctx context.Context, report upgrades.Report) error {
	run := fromReport(report)

	runStmt, err := sqlair.Prepare(`
INSERT INTO run (uuid, model, release_upgrade, state, message, started_at, finished_at, steps, failed)
VALUES ($dbRun.*)`, run)
	if err != nil {
		return errors.Annotate(err, "preparing insert run statement")
	}
	resultStmt, err := sqlair.Prepare(`
INSERT INTO run_result (run_uuid, seq, application, kind, status, message)
VALUES ($dbResult.*)`, dbResult{})
	if err != nil {
		return errors.Annotate(err, "preparing insert result statement")
	}

	err = s.txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		if err := tx.Query(ctx, runStmt, run).Run(); err != nil {
			return errors.Annotate(err, "inserting run")
		}
		for i, result := range report.Results {
			row := dbResult{
				RunUUID:     run.UUID,
				Seq:         i,
				Application: result.Application,
				Kind:        string(result.Kind),
				Status:      string(result.Status),
				Message:     result.Message,
			}
			if err := tx.Query(ctx, resultStmt, row).Run(); err != nil {
				return errors.Annotatef(err, "inserting result %d", i)
			}
		}
		return nil
	})
	if err != nil {
		return errors.Annotatef(err, "recording run %s", run.UUID)
	}
	logger.Debugf("recorded run %s with %d results", run.UUID, len(report.Results))
	return nil
}

// ListRuns returns up to limit runs, most recent first. A limit of zero
// or less returns every run.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	query := `
SELECT &dbRun.*
FROM   run
ORDER  BY started_at DESC`
	samples := []any{dbRun{}}
	args := []any{}
	if limit > 0 {
		query += `
LIMIT  $M.limit`
		samples = append(samples, sqlair.M{})
		args = append(args, sqlair.M{"limit": limit})
	}
	stmt, err := sqlair.Prepare(query, samples...)
	if err != nil {
		return nil, errors.Annotate(err, "preparing select runs statement")
	}

	var rows []dbRun
	err = s.txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt, args...).GetAll(&rows)
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil
		}
		return errors.Trace(err)
	})
	if err != nil {
		return nil, errors.Annotate(err, "listing runs")
	}

	runs := make([]Run, 0, len(rows))
	for _, row := range rows {
		run, err := row.toRun()
		if err != nil {
			return nil, errors.Trace(err)
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// GetRun returns the run with the given id and its results in the order
// they were recorded.
func (s *Store) GetRun(ctx context.Context, id string) (Run, []upgrades.Result, error) {
	row := dbRun{UUID: id}
	runStmt, err := sqlair.Prepare(`
SELECT &dbRun.*
FROM   run
WHERE  uuid = $dbRun.uuid`, row)
	if err != nil {
		return Run{}, nil, errors.Annotate(err, "preparing select run statement")
	}
	resultStmt, err := sqlair.Prepare(`
SELECT &dbResult.*
FROM   run_result
WHERE  run_uuid = $dbRun.uuid
ORDER  BY seq`, row, dbResult{})
	if err != nil {
		return Run{}, nil, errors.Annotate(err, "preparing select results statement")
	}

	var results []dbResult
	err = s.txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		if err := tx.Query(ctx, runStmt, row).Get(&row); errors.Is(err, sqlair.ErrNoRows) {
			return errors.Annotatef(ErrRunNotFound, "%q", id)
		} else if err != nil {
			return errors.Trace(err)
		}
		err := tx.Query(ctx, resultStmt, row).GetAll(&results)
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil
		}
		return errors.Trace(err)
	})
	if err != nil {
		return Run{}, nil, errors.Trace(err)
	}

	run, err := row.toRun()
	if err != nil {
		return Run{}, nil, errors.Trace(err)
	}
	out := make([]upgrades.Result, 0, len(results))
	for _, r := range results {
		out = append(out, r.toResult())
	}
	return run, out, nil
}

// txn runs fn in a transaction, committing when fn succeeds.
func (s *Store) txn(ctx context.Context, fn func(context.Context, *sqlair.TX) error) error {
	tx, err := s.db.Begin(ctx, nil)
	if err != nil {
		return errors.Trace(err)
	}
	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.Warningf("rolling back: %v", rbErr)
		}
		return errors.Trace(err)
	}
	return errors.Trace(tx.Commit())
}
