package jobs

import (
	"context"
	"testing"
	"time"
)

func TestSweepReapsAndPurges(t *testing.T) {
	st := newFakeStore()
	st.reapCount = 2
	st.purgeCount = 5
	r := NewReaper(st, 30*time.Minute, time.Minute, "", nil)

	r.Sweep(context.Background())

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.reapCalls != 1 {
		t.Fatalf("expected one reap call, got %d", st.reapCalls)
	}
	if st.purgeCalls != 1 {
		t.Fatalf("expected one purge call, got %d", st.purgeCalls)
	}
}

func TestStartStops(t *testing.T) {
	st := newFakeStore()
	r := NewReaper(st, 30*time.Minute, 5*time.Millisecond, "", nil)
	r.Start()

	time.Sleep(30 * time.Millisecond)
	close(r.Stop)

	st.mu.Lock()
	calls := st.reapCalls
	st.mu.Unlock()
	if calls == 0 {
		t.Fatalf("expected at least one sweep before stop")
	}
}

func TestIsDue(t *testing.T) {
	now := time.Now()
	recent := now.Add(-time.Minute)
	old := now.Add(-25 * time.Hour)

	if !isDue("", nil) {
		t.Fatalf("empty schedule fires every tick")
	}
	if !isDue("@hourly", nil) {
		t.Fatalf("first sweep is always due")
	}
	if isDue("@hourly", &recent) {
		t.Fatalf("hourly must not fire a minute after the last sweep")
	}
	if !isDue("@daily", &old) {
		t.Fatalf("daily must fire after 25 hours")
	}
	if isDue("@daily", &recent) {
		t.Fatalf("daily must not fire a minute after the last sweep")
	}
	if !isDue("* * * * *", &recent) {
		t.Fatalf("every-minute cron must be due a minute later")
	}
}
