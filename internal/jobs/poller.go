package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrPollBudget is returned when a job did not reach a terminal state within
// the poller's own budget. The job itself keeps running server-side until it
// terminates or the reaper gets it.
var ErrPollBudget = errors.New("poll budget exhausted before terminal status")

// PollFunc fetches the current job view; Manager.Poll satisfies it.
type PollFunc func(ctx context.Context, jobID string) (JobView, bool, error)

// Poller is the consumer-side observation protocol. It enforces its own max
// poll count independent of the server reaper, and it never schedules
// another poll once a terminal status has been observed: the stopped flag is
// set synchronously at first observation, before the next tick is armed.
type Poller struct {
	Poll     PollFunc
	Interval time.Duration
	MaxPolls int
}

// Wait polls until the job reaches a terminal state, the poll budget runs
// out, or the context is done. The last observed view is returned alongside
// any budget/context error.
func (p *Poller) Wait(ctx context.Context, jobID string) (JobView, error) {
	if p.Poll == nil {
		return JobView{}, fmt.Errorf("poll func not configured")
	}
	interval := p.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	var last JobView
	stopped := false
	for polls := 0; !stopped; {
		view, found, err := p.Poll(ctx, jobID)
		polls++
		if err != nil {
			return last, err
		}
		if !found {
			return last, fmt.Errorf("job %s not found", jobID)
		}
		last = view

		if Terminal(view.Status) {
			// Set before any further poll could be scheduled.
			stopped = true
			continue
		}
		if p.MaxPolls > 0 && polls >= p.MaxPolls {
			return last, ErrPollBudget
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(interval):
		}
	}
	return last, nil
}
