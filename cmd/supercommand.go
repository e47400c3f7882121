// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/juju/cmd/v3"
	"github.com/juju/loggo"
)

const (
	// LoggingConfigEnvKey holds the default logging config of a command.
	LoggingConfigEnvKey = "ANVIL_LOGGING_CONFIG"

	// StartupLoggingConfigEnvKey holds the logging config applied before
	// any command is parsed.
	StartupLoggingConfigEnvKey = "ANVIL_STARTUP_LOGGING_CONFIG"
)

// Version is the anvil version. It is set at build time.
var Version = "1.0.0"

func init() {
	// If the environment key is empty, ConfigureLoggers returns nil and does
	// nothing.
	err := loggo.ConfigureLoggers(os.Getenv(StartupLoggingConfigEnvKey))
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR parsing %s: %s\n\n", StartupLoggingConfigEnvKey, err)
	}
}

var logger = loggo.GetLogger("anvil.cmd")

// NewSuperCommand is like cmd.NewSuperCommand but
// it adds anvil-specific functionality:
// - The default logging configuration is taken from the environment;
// - The version is configured to the current anvil version;
// - The command emits a log message when a command runs.
func NewSuperCommand(p cmd.SuperCommandParams) *cmd.SuperCommand {
	p.Log = &cmd.Log{
		DefaultConfig: os.Getenv(LoggingConfigEnvKey),
	}
	p.Version = Version
	p.NotifyRun = runNotifier
	return cmd.NewSuperCommand(p)
}

func runNotifier(name string) {
	logger.Infof("running %s [%s %s %s]", name, Version, runtime.Compiler, runtime.Version())
}
