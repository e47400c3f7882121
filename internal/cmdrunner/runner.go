// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package cmdrunner runs the external tools anvil drives, such as the
// juju and terraform binaries.
package cmdrunner

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/utils/v4/exec"
	"github.com/kballard/go-shellquote"
)

var logger = loggo.GetLogger("anvil.cmdrunner")

// Command is a single invocation of an external tool.
type Command struct {
	Name string
	Args []string

	// Dir is the working directory. Empty means the current one.
	Dir string

	// Env is added to the environment of the current process.
	Env []string
}

// String returns the command line, quoted for a shell.
func (c Command) String() string {
	return shellquote.Join(append([]string{c.Name}, c.Args...)...)
}

// Runner runs commands.
type Runner interface {
	// Run runs cmd and returns its standard output. A non-zero exit
	// is a *CommandError.
	Run(ctx context.Context, cmd Command) ([]byte, error)
}

// CommandError is returned when a command exits with a non-zero code.
type CommandError struct {
	Command string
	Code    int
	Stderr  string
}

func (e *CommandError) Error() string {
	stderr := strings.TrimSpace(e.Stderr)
	if stderr == "" {
		return fmt.Sprintf("%s exited with code %d", e.Command, e.Code)
	}
	return fmt.Sprintf("%s exited with code %d: %s", e.Command, e.Code, stderr)
}

// IsCommandError reports whether err is a *CommandError.
func IsCommandError(err error) bool {
	var cmdErr *CommandError
	return errors.As(err, &cmdErr)
}

type execRunner struct {
	clock clock.Clock
}

// New returns a Runner that runs commands through bash. Cancelling the
// context kills the command's process group.
func New(clk clock.Clock) Runner {
	if clk == nil {
		clk = clock.WallClock
	}
	return &execRunner{clock: clk}
}

func (r *execRunner) Run(ctx context.Context, cmd Command) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	line := cmd.String()
	params := exec.RunParams{
		Commands:   line,
		WorkingDir: cmd.Dir,
		Clock:      r.clock,
	}
	if len(cmd.Env) > 0 {
		params.Environment = append(os.Environ(), cmd.Env...)
	}

	logger.Debugf("running %s", line)
	if err := params.Run(); err != nil {
		return nil, errors.Annotatef(err, "starting %s", cmd.Name)
	}
	result, err := params.WaitWithCancel(ctx.Done())
	if errors.Is(err, exec.ErrCancelled) {
		return nil, errors.Annotatef(ctx.Err(), "running %s", cmd.Name)
	} else if err != nil {
		return nil, errors.Annotatef(err, "running %s", cmd.Name)
	}
	if result.Code != 0 {
		logger.Debugf("%s exited with code %d", line, result.Code)
		return result.Stdout, &CommandError{
			Command: line,
			Code:    result.Code,
			Stderr:  string(result.Stderr),
		}
	}
	return result.Stdout, nil
}
