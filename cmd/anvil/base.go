// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"os"

	"github.com/juju/cmd/v3"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"

	"github.com/canonical/maas-anvil/internal/config"
)

// baseCommand holds what every anvil command needs to reach the
// cluster.
type baseCommand struct {
	cmd.CommandBase

	configPath     string
	newEnvironment NewEnvironmentFunc
}

func (c *baseCommand) SetFlags(f *gnuflag.FlagSet) {
	c.CommandBase.SetFlags(f)
	f.StringVar(&c.configPath, "config", config.DefaultPath, "Path to the anvil configuration file")
}

// open loads the settings and connects to the environment they
// describe.
func (c *baseCommand) open(ctx *cmd.Context, stdCtx context.Context) (config.Config, *Environment, error) {
	path := c.configPath
	if path != config.DefaultPath {
		path = ctx.AbsPath(path)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, errors.Trace(err)
	}
	newEnv := c.newEnvironment
	if newEnv == nil {
		newEnv = newEnvironment
	}
	env, err := newEnv(stdCtx, cfg)
	if err != nil {
		return config.Config{}, nil, errors.Trace(err)
	}
	return cfg, env, nil
}

// interruptible returns a context that is cancelled when the command is
// interrupted, and a func that releases it.
func interruptible(ctx *cmd.Context) (context.Context, func()) {
	stdCtx, cancel := context.WithCancel(context.Background())
	interrupted := make(chan os.Signal, 1)
	ctx.InterruptNotify(interrupted)
	go func() {
		select {
		case <-interrupted:
			ctx.Infof("interrupted, cancelling")
			cancel()
		case <-stdCtx.Done():
		}
	}()
	return stdCtx, func() {
		ctx.StopInterruptNotify(interrupted)
		cancel()
	}
}
