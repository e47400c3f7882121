// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gosuri/uitable"
	"github.com/juju/cmd/v3"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"

	"github.com/canonical/maas-anvil/cmd/output"
	"github.com/canonical/maas-anvil/internal/history"
	"github.com/canonical/maas-anvil/upgrades"
)

const historyDoc = `
Show the refresh runs recorded on this machine, most recent first.

Given a run id, show the outcome of every step of that run.
`

const historyExamples = `
    anvil refresh-history
    anvil refresh-history --limit 0
    anvil refresh-history 6f1c3a52-8f0e-4b39-9a54-2b8c0c1e9f7d
`

// defaultHistoryLimit is how many runs are listed by default.
const defaultHistoryLimit = 10

func newHistoryCommand() cmd.Command {
	return &historyCommand{}
}

// historyCommand shows recorded refresh runs.
type historyCommand struct {
	baseCommand
	out cmd.Output

	runID string
	limit int

	// now is used for relative times in tabular output.
	now func() time.Time
}

// Info implements cmd.Command.
func (c *historyCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:     "refresh-history",
		Args:     "[<run id>]",
		Purpose:  "Show recorded refresh runs.",
		Doc:      historyDoc,
		Examples: historyExamples,
		SeeAlso:  []string{"refresh"},
	}
}

// SetFlags implements cmd.Command.
func (c *historyCommand) SetFlags(f *gnuflag.FlagSet) {
	c.baseCommand.SetFlags(f)
	f.IntVar(&c.limit, "limit", defaultHistoryLimit, "Maximum number of runs to list, 0 for all")
	c.out.AddFlags(f, "tabular", map[string]cmd.Formatter{
		"tabular": c.formatTabular,
		"yaml":    cmd.FormatYaml,
		"json":    cmd.FormatJson,
	})
}

// Init implements cmd.Command.
func (c *historyCommand) Init(args []string) error {
	if len(args) > 0 {
		c.runID = args[0]
		args = args[1:]
	}
	if c.limit < 0 {
		return errors.NotValidf("negative limit %d", c.limit)
	}
	return cmd.CheckEmpty(args)
}

// Run implements cmd.Command.
func (c *historyCommand) Run(ctx *cmd.Context) error {
	stdCtx, stop := interruptible(ctx)
	defer stop()

	_, env, err := c.open(ctx, stdCtx)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() {
		if err := env.Close(); err != nil {
			logger.Warningf("closing environment: %v", err)
		}
	}()

	if c.runID != "" {
		run, results, err := env.History.GetRun(stdCtx, c.runID)
		if err != nil {
			return errors.Trace(err)
		}
		return c.out.Write(ctx, formattedRunDetail{
			formattedRun: formatRun(run),
			Results:      results,
		})
	}

	runs, err := env.History.ListRuns(stdCtx, c.limit)
	if err != nil {
		return errors.Trace(err)
	}
	if len(runs) == 0 {
		ctx.Infof("No refresh runs recorded.")
		return nil
	}
	formatted := make([]formattedRun, len(runs))
	for i, run := range runs {
		formatted[i] = formatRun(run)
	}
	return c.out.Write(ctx, formatted)
}

// formattedRun is a recorded run as the command writes it.
type formattedRun struct {
	ID             string         `json:"id" yaml:"id"`
	Model          string         `json:"model" yaml:"model"`
	ReleaseUpgrade bool           `json:"release-upgrade" yaml:"release-upgrade"`
	State          upgrades.State `json:"state" yaml:"state"`
	Message        string         `json:"message,omitempty" yaml:"message,omitempty"`
	Started        time.Time      `json:"started" yaml:"started"`
	Finished       time.Time      `json:"finished" yaml:"finished"`
	Steps          int            `json:"steps" yaml:"steps"`
	Failed         int            `json:"failed" yaml:"failed"`
}

// formattedRunDetail is a recorded run with the results of its steps.
type formattedRunDetail struct {
	formattedRun `yaml:",inline"`
	Results      []upgrades.Result `json:"results" yaml:"results"`
}

func formatRun(run history.Run) formattedRun {
	return formattedRun{
		ID:             run.ID,
		Model:          run.Model,
		ReleaseUpgrade: run.ReleaseUpgrade,
		State:          run.State,
		Message:        run.Message,
		Started:        run.Started,
		Finished:       run.Finished,
		Steps:          run.Steps,
		Failed:         run.Failed,
	}
}

func (c *historyCommand) formatTabular(writer io.Writer, value interface{}) error {
	switch v := value.(type) {
	case []formattedRun:
		return c.formatRunsTabular(writer, v)
	case formattedRunDetail:
		return formatRunDetailTabular(writer, v)
	}
	return errors.Errorf("expected value of type []formattedRun or formattedRunDetail, got %T", value)
}

func (c *historyCommand) formatRunsTabular(writer io.Writer, runs []formattedRun) error {
	now := time.Now()
	if c.now != nil {
		now = c.now()
	}
	table := uitable.New()
	table.MaxColWidth = 60
	table.Wrap = true
	for _, col := range []int{5, 6} {
		table.RightAlign(col)
	}
	table.AddRow("Run", "Model", "Started", "Duration", "State", "Steps", "Failed")
	for _, run := range runs {
		table.AddRow(
			run.ID,
			run.Model,
			humanize.RelTime(run.Started, now, "ago", "from now"),
			run.Finished.Sub(run.Started).Round(time.Second),
			run.State,
			run.Steps,
			run.Failed,
		)
	}
	_, err := fmt.Fprintln(writer, table)
	return errors.Trace(err)
}

func formatRunDetailTabular(writer io.Writer, run formattedRunDetail) error {
	tw := output.TabWriter(writer)
	w := output.Wrapper{TabWriter: tw}
	w.Println("Run:", run.ID)
	w.Println("Model:", run.Model)
	w.Println("Started:", run.Started.Format(time.RFC3339))
	w.Println("Finished:", run.Finished.Format(time.RFC3339))
	w.Print("State:")
	w.PrintStatus(string(run.State))
	w.Println()
	if run.Message != "" {
		w.Println("Message:", run.Message)
	}
	if err := tw.Flush(); err != nil {
		return errors.Trace(err)
	}
	if len(run.Results) == 0 {
		return nil
	}

	fmt.Fprintln(writer)
	tw = output.TabWriter(writer)
	w = output.Wrapper{TabWriter: tw}
	w.Println("Application", "Kind", "Status", "Message")
	for _, result := range run.Results {
		w.Print(result.Application, result.Kind)
		w.PrintStatus(string(result.Status))
		w.Println(result.Message)
	}
	return tw.Flush()
}
