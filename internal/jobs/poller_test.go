package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quantpulse/assetscope/internal/store"
)

func sequencePoll(t *testing.T, statuses ...string) (PollFunc, *int) {
	t.Helper()
	calls := 0
	return func(ctx context.Context, jobID string) (JobView, bool, error) {
		if calls >= len(statuses) {
			t.Fatalf("poll called after terminal status (call %d)", calls+1)
		}
		status := statuses[calls]
		calls++
		return JobView{ID: jobID, Status: status}, true, nil
	}, &calls
}

func TestWaitStopsAtFirstTerminalStatus(t *testing.T) {
	poll, calls := sequencePoll(t, store.JobStatusQueued, store.JobStatusProcessing, store.JobStatusCompleted)
	p := &Poller{Poll: poll, Interval: time.Millisecond}

	view, err := p.Wait(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if view.Status != store.JobStatusCompleted {
		t.Fatalf("unexpected status: %s", view.Status)
	}
	if *calls != 3 {
		t.Fatalf("expected exactly 3 polls, got %d", *calls)
	}
}

func TestWaitStopsAtErrorStatus(t *testing.T) {
	poll, calls := sequencePoll(t, store.JobStatusError)
	p := &Poller{Poll: poll, Interval: time.Millisecond}

	view, err := p.Wait(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if view.Status != store.JobStatusError {
		t.Fatalf("unexpected status: %s", view.Status)
	}
	if *calls != 1 {
		t.Fatalf("terminal on first poll must not poll again, got %d", *calls)
	}
}

func TestWaitPollBudgetExhausted(t *testing.T) {
	calls := 0
	poll := func(ctx context.Context, jobID string) (JobView, bool, error) {
		calls++
		return JobView{ID: jobID, Status: store.JobStatusProcessing}, true, nil
	}
	p := &Poller{Poll: poll, Interval: time.Millisecond, MaxPolls: 4}

	view, err := p.Wait(context.Background(), "job-1")
	if !errors.Is(err, ErrPollBudget) {
		t.Fatalf("expected ErrPollBudget, got %v", err)
	}
	if view.Status != store.JobStatusProcessing {
		t.Fatalf("last observed view must be returned: %+v", view)
	}
	if calls != 4 {
		t.Fatalf("expected 4 polls, got %d", calls)
	}
}

func TestWaitContextCancelled(t *testing.T) {
	poll := func(ctx context.Context, jobID string) (JobView, bool, error) {
		return JobView{ID: jobID, Status: store.JobStatusProcessing}, true, nil
	}
	p := &Poller{Poll: poll, Interval: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Wait(ctx, "job-1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}

func TestWaitJobNotFound(t *testing.T) {
	poll := func(ctx context.Context, jobID string) (JobView, bool, error) {
		return JobView{}, false, nil
	}
	p := &Poller{Poll: poll, Interval: time.Millisecond}

	if _, err := p.Wait(context.Background(), "missing"); err == nil {
		t.Fatalf("expected not-found error")
	}
}

func TestWaitRequiresPollFunc(t *testing.T) {
	p := &Poller{}
	if _, err := p.Wait(context.Background(), "job-1"); err == nil {
		t.Fatalf("expected configuration error")
	}
}
