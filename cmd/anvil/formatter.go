// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/juju/errors"

	"github.com/canonical/maas-anvil/cmd/output"
	"github.com/canonical/maas-anvil/upgrades"
)

// formatRefreshTabular writes a plan or a run report as a table.
func formatRefreshTabular(writer io.Writer, value interface{}) error {
	switch v := value.(type) {
	case []upgrades.UpgradeOperation:
		return formatPlanTabular(writer, v)
	case upgrades.Report:
		return formatReportTabular(writer, v)
	}
	return errors.Errorf("expected value of type []UpgradeOperation or Report, got %T", value)
}

func formatPlanTabular(writer io.Writer, planned []upgrades.UpgradeOperation) error {
	tw := output.TabWriter(writer)
	w := output.Wrapper{TabWriter: tw}
	w.Println("Application", "Kind", "Channel", "Rev", "Timeout", "Reason")
	for _, op := range planned {
		rev := "-"
		if op.Revision != nil {
			rev = strconv.Itoa(*op.Revision)
		}
		w.Println(op.Application, op.Kind, dash(op.Channel), rev, op.Timeout, op.Reason)
	}
	return tw.Flush()
}

func formatReportTabular(writer io.Writer, report upgrades.Report) error {
	tw := output.TabWriter(writer)
	w := output.Wrapper{TabWriter: tw}
	w.Println("Application", "Kind", "Status", "Message")
	for _, result := range report.Results {
		w.Print(result.Application, result.Kind)
		w.PrintStatus(string(result.Status))
		w.Println(result.Message)
	}
	if err := tw.Flush(); err != nil {
		return errors.Trace(err)
	}
	summary := report.Message
	if summary == "" {
		summary = fmt.Sprintf("%d steps, none failed", len(report.Results))
	}
	_, err := fmt.Fprintf(writer, "\nRun %s %s: %s\n", report.RunID, report.State, summary)
	return errors.Trace(err)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
