// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"fmt"
	"os"

	"github.com/juju/cmd/v3"
	"github.com/juju/loggo"

	anvilcmd "github.com/canonical/maas-anvil/cmd"
)

var logger = loggo.GetLogger("anvil.cmd.anvil")

const anvilDoc = `
anvil manages a MAAS deployment made of charmed applications: the
PostgreSQL database, haproxy, the MAAS regions and agents, and the
plugins that extend them.
`

func main() {
	os.Exit(Main(os.Args))
}

// Main registers the anvil commands and hands over control to the cmd
// package. It returns the process exit code.
func Main(args []string) int {
	ctx, err := cmd.DefaultContext()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}
	return cmd.Main(NewAnvilCommand(), ctx, args[1:])
}

// NewAnvilCommand returns the anvil super command.
func NewAnvilCommand() cmd.Command {
	anvil := anvilcmd.NewSuperCommand(cmd.SuperCommandParams{
		Name:    "anvil",
		Purpose: "Manage a MAAS deployment.",
		Doc:     anvilDoc,
	})
	anvil.Register(newRefreshCommand())
	anvil.Register(newHistoryCommand())
	return anvil
}
