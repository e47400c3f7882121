// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package output

import (
	"fmt"
	"io"

	"github.com/juju/ansiterm"

	"github.com/canonical/maas-anvil/core/status"
)

// TabWriter returns a new tab writer with common padding.
func TabWriter(writer io.Writer) *ansiterm.TabWriter {
	const (
		// To format things into columns.
		minwidth = 0
		tabwidth = 1
		padding  = 2
		padchar  = ' '
		flags    = 0
	)
	return ansiterm.NewTabWriter(writer, minwidth, tabwidth, padding, padchar, flags)
}

// Wrapper provides some helper functions for writing values out tab separated.
type Wrapper struct {
	*ansiterm.TabWriter
}

// Print writes each value followed by a tab.
func (w *Wrapper) Print(values ...interface{}) {
	for _, v := range values {
		fmt.Fprintf(w, "%v\t", v)
	}
}

// Printf writes the formatted text followed by a tab.
func (w *Wrapper) Printf(format string, values ...interface{}) {
	fmt.Fprintf(w, format+"\t", values...)
}

// Println writes many tab separated values finished with a new line.
func (w *Wrapper) Println(values ...interface{}) {
	for i, v := range values {
		if i != len(values)-1 {
			fmt.Fprintf(w, "%v\t", v)
		} else {
			fmt.Fprintf(w, "%v", v)
		}
	}
	fmt.Fprintln(w)
}

// PrintColor writes the value out in the color context specified.
func (w *Wrapper) PrintColor(ctx *ansiterm.Context, value interface{}) {
	if ctx != nil {
		ctx.Fprintf(w.TabWriter, "%v\t", value)
	} else {
		fmt.Fprintf(w, "%v\t", value)
	}
}

// PrintStatus writes out the status value in the standard color.
func (w *Wrapper) PrintStatus(value string) {
	w.PrintColor(StatusColor(value), value)
}

// ErrorHighlight is the color used to show error conditions.
var ErrorHighlight = ansiterm.Foreground(ansiterm.Red)

// WarningHighlight is used to indicate a warning.
var WarningHighlight = ansiterm.Foreground(ansiterm.Yellow)

// GoodHighlight is used to indicate good or success conditions.
var GoodHighlight = ansiterm.Foreground(ansiterm.Green)

// InfoHighlight is the color used to indicate important details.
var InfoHighlight = ansiterm.Foreground(ansiterm.Cyan)

var statusColors = map[*ansiterm.Context][]string{
	GoodHighlight: {
		string(status.Active),
		"completed",
		"done",
	},
	WarningHighlight: {
		string(status.Maintenance),
		string(status.Waiting),
		"skipped",
	},
	ErrorHighlight: {
		string(status.Blocked),
		string(status.Error),
		string(status.Terminated),
		"failed",
	},
}

// StatusColor returns the color context for a unit status or an
// upgrade result status. Unknown values are not colored.
func StatusColor(value string) *ansiterm.Context {
	for ctx, values := range statusColors {
		for _, v := range values {
			if v == value {
				return ctx
			}
		}
	}
	return nil
}
