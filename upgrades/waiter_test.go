// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package upgrades

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"go.uber.org/mock/gomock"
	gc "gopkg.in/check.v1"

	"github.com/canonical/maas-anvil/core/status"
)

type waiterSuite struct {
	jujutesting.IsolationSuite

	orchestrator *MockOrchestrator
}

var _ = gc.Suite(&waiterSuite{})

func (s *waiterSuite) setupMocks(c *gc.C) *gomock.Controller {
	ctrl := gomock.NewController(c)
	s.orchestrator = NewMockOrchestrator(ctrl)
	return ctrl
}

func (s *waiterSuite) newWaiter() *waiter {
	return &waiter{
		orchestrator: s.orchestrator,
		model:        "controller",
		clock:        clock.WallClock,
		pollInterval: 5 * time.Millisecond,
	}
}

func units(states map[string]status.Status) map[string]status.UnitStatus {
	result := make(map[string]status.UnitStatus, len(states))
	for unit, st := range states {
		result[unit] = status.UnitStatus{Status: st}
	}
	return result
}

func (s *waiterSuite) TestBlockedIsSettled(c *gc.C) {
	defer s.setupMocks(c).Finish()

	apps := []string{"haproxy"}
	s.orchestrator.EXPECT().ApplicationStatus(gomock.Any(), "controller", apps).Return(units(map[string]status.Status{
		"haproxy/0": status.Maintenance,
		"haproxy/1": status.Active,
		"haproxy/2": status.Active,
	}), nil)
	s.orchestrator.EXPECT().ApplicationStatus(gomock.Any(), "controller", apps).Return(units(map[string]status.Status{
		"haproxy/0": status.Active,
		"haproxy/1": status.Active,
		"haproxy/2": status.Blocked,
	}), nil)

	err := s.newWaiter().wait(context.Background(), apps, time.Second)
	c.Assert(err, jc.ErrorIsNil)
}

func (s *waiterSuite) TestUnknownIsSettled(c *gc.C) {
	defer s.setupMocks(c).Finish()

	s.orchestrator.EXPECT().ApplicationStatus(gomock.Any(), "controller", gomock.Any()).Return(units(map[string]status.Status{
		"maas-region/0": status.Unknown,
		"pgbouncer/0":   status.Active,
	}), nil)

	err := s.newWaiter().wait(context.Background(), []string{"maas-region", "pgbouncer"}, time.Second)
	c.Assert(err, jc.ErrorIsNil)
}

func (s *waiterSuite) TestTimeout(c *gc.C) {
	defer s.setupMocks(c).Finish()

	s.orchestrator.EXPECT().ApplicationStatus(gomock.Any(), "controller", gomock.Any()).Return(units(map[string]status.Status{
		"maas-agent/0": status.Maintenance,
		"maas-agent/1": status.Active,
	}), nil).MinTimes(1)

	err := s.newWaiter().wait(context.Background(), []string{"maas-agent"}, 50*time.Millisecond)
	var timeoutErr *TimeoutError
	c.Assert(errors.As(err, &timeoutErr), jc.IsTrue)
	c.Check(timeoutErr.Pending, jc.DeepEquals, map[string]string{"maas-agent/0": "maintenance"})
	c.Check(err, gc.ErrorMatches, `timed out after 50ms waiting for maas-agent to settle \(maas-agent/0 maintenance\); the change was requested and may still be converging`)
}

func (s *waiterSuite) TestMissingApplicationIsNotSettled(c *gc.C) {
	defer s.setupMocks(c).Finish()

	s.orchestrator.EXPECT().ApplicationStatus(gomock.Any(), "controller", gomock.Any()).Return(
		nil, errors.NotFoundf("application \"keepalived\""))
	s.orchestrator.EXPECT().ApplicationStatus(gomock.Any(), "controller", gomock.Any()).Return(units(map[string]status.Status{
		"haproxy/0": status.Active,
	}), nil)
	s.orchestrator.EXPECT().ApplicationStatus(gomock.Any(), "controller", gomock.Any()).Return(units(map[string]status.Status{
		"haproxy/0":    status.Active,
		"keepalived/0": status.Active,
	}), nil)

	err := s.newWaiter().wait(context.Background(), []string{"haproxy", "keepalived"}, time.Second)
	c.Assert(err, jc.ErrorIsNil)
}

func (s *waiterSuite) TestStatusErrorIsFatal(c *gc.C) {
	defer s.setupMocks(c).Finish()

	s.orchestrator.EXPECT().ApplicationStatus(gomock.Any(), "controller", gomock.Any()).Return(
		nil, errors.New("connection refused"))

	err := s.newWaiter().wait(context.Background(), []string{"haproxy"}, time.Second)
	var orchestratorErr *OrchestratorError
	c.Assert(errors.As(err, &orchestratorErr), jc.IsTrue)
	c.Check(err, gc.ErrorMatches, `status haproxy: connection refused`)
}

func (s *waiterSuite) TestCancelStopsPolling(c *gc.C) {
	defer s.setupMocks(c).Finish()

	ctx, cancel := context.WithCancel(context.Background())
	s.orchestrator.EXPECT().ApplicationStatus(gomock.Any(), "controller", gomock.Any()).DoAndReturn(
		func(context.Context, string, []string) (map[string]status.UnitStatus, error) {
			cancel()
			return units(map[string]status.Status{"haproxy/0": status.Waiting}), nil
		}).MinTimes(1)

	err := s.newWaiter().wait(ctx, []string{"haproxy"}, time.Minute)
	c.Check(err, jc.ErrorIs, context.Canceled)
}

func (s *waiterSuite) TestDeadlineReportsElapsed(c *gc.C) {
	defer s.setupMocks(c).Finish()

	s.orchestrator.EXPECT().ApplicationStatus(gomock.Any(), "controller", gomock.Any()).Return(units(map[string]status.Status{
		"haproxy/0": status.Maintenance,
	}), nil).AnyTimes()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := s.newWaiter().wait(ctx, []string{"haproxy"}, 20*time.Minute)
	var timeoutErr *TimeoutError
	c.Assert(errors.As(err, &timeoutErr), jc.IsTrue)
	c.Check(timeoutErr.DeadlineExceeded, jc.IsTrue)
	c.Check(timeoutErr.Timeout < time.Minute, jc.IsTrue)
	c.Check(err, gc.ErrorMatches, `operation deadline reached after .* waiting for haproxy to settle; .*`)
	c.Check(err, gc.Not(gc.ErrorMatches), `.*20m0s.*`)
}

func (s *waiterSuite) TestTimeoutErrorUnitOrder(c *gc.C) {
	err := &TimeoutError{
		Applications: []string{"maas-agent"},
		Timeout:      time.Minute,
		Pending: map[string]string{
			"maas-agent/10": "waiting",
			"maas-agent/2":  "maintenance",
			"maas-agent/1":  "waiting",
		},
	}
	c.Check(err, gc.ErrorMatches, `timed out after 1m0s waiting for maas-agent to settle `+
		`\(maas-agent/1 waiting, maas-agent/2 maintenance, maas-agent/10 waiting\); .*`)
}
