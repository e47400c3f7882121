// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package upgrades

import (
	"context"
	"sort"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/names/v5"
	"github.com/juju/retry"
	"gopkg.in/tomb.v2"

	"github.com/canonical/maas-anvil/core/status"
)

// DefaultPollInterval is how often unit status is polled while waiting
// for units to settle.
const DefaultPollInterval = 10 * time.Second

// settledStatuses are the workload states a unit can be left in after a
// change. Blocked and unknown units need an operator, not a retry.
var settledStatuses = func() set.Strings {
	result := set.NewStrings()
	for _, s := range status.Settled {
		result.Add(string(s))
	}
	return result
}()

// waiter polls the orchestrator until units settle.
type waiter struct {
	orchestrator Orchestrator
	model        string
	clock        clock.Clock
	pollInterval time.Duration
}

// wait blocks until every unit of apps is settled, the timeout passes
// or ctx is done. The poll runs in its own goroutine, which is always
// stopped before wait returns.
func (w *waiter) wait(ctx context.Context, apps []string, timeout time.Duration) error {
	start := w.clock.Now()
	var t tomb.Tomb
	pollCtx := t.Context(ctx)
	t.Go(func() error {
		return retry.Call(retry.CallArgs{
			Func: func() error {
				return w.settled(pollCtx, apps)
			},
			IsFatalError: func(err error) bool {
				return !errors.Is(err, errNotSettled)
			},
			NotifyFunc: func(lastErr error, attempt int) {
				logger.Debugf("waiting for %v (attempt %d): %v", apps, attempt, lastErr)
			},
			Attempts:    -1,
			Delay:       w.pollInterval,
			MaxDuration: timeout,
			Clock:       w.clock,
			Stop:        t.Dying(),
		})
	})

	select {
	case <-t.Dead():
	case <-ctx.Done():
		t.Kill(ctx.Err())
	}
	err := t.Wait()
	switch {
	case err == nil:
		return nil
	case retry.IsDurationExceeded(err):
		timeoutErr := &TimeoutError{
			Applications: apps,
			Timeout:      timeout,
		}
		var notSettled *notSettledError
		if errors.As(retry.LastError(err), &notSettled) {
			timeoutErr.Pending = notSettled.pending
		}
		return timeoutErr
	case errors.Is(err, context.DeadlineExceeded):
		return &TimeoutError{
			Applications:     apps,
			Timeout:          w.clock.Now().Sub(start).Round(time.Millisecond),
			DeadlineExceeded: true,
		}
	}
	return errors.Trace(err)
}

// settled returns nil when all units of apps are in a settled state.
// An application without units has not settled yet.
func (w *waiter) settled(ctx context.Context, apps []string) error {
	units, err := w.orchestrator.ApplicationStatus(ctx, w.model, apps)
	if errors.Is(err, errors.NotFound) {
		return &notSettledError{pending: map[string]string{}}
	} else if err != nil {
		return &OrchestratorError{
			Application: firstOf(apps),
			Operation:   "status",
			Err:         err,
		}
	}

	pending := make(map[string]string)
	seen := set.NewStrings()
	for unit, st := range units {
		app, err := names.UnitApplication(unit)
		if err != nil {
			return errors.Trace(err)
		}
		seen.Add(app)
		if !settledStatuses.Contains(string(st.Status)) {
			pending[unit] = string(st.Status)
		}
	}
	for _, app := range apps {
		if !seen.Contains(app) {
			pending[app] = "no units"
		}
	}
	if len(pending) > 0 {
		return &notSettledError{pending: pending}
	}
	return nil
}

func firstOf(apps []string) string {
	if len(apps) == 0 {
		return ""
	}
	sorted := append([]string(nil), apps...)
	sort.Strings(sorted)
	return sorted[0]
}
