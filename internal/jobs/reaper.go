package jobs

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/quantpulse/assetscope/internal/telemetry"
)

// Reaper periodically force-fails jobs stuck past their max lifetime and
// garbage-collects expired phase records.
type Reaper struct {
	Store       StoreAPI
	MaxLifetime time.Duration
	Interval    time.Duration
	Schedule    string // optional: @hourly, @daily, or a 5-field cron expression
	Metrics     *telemetry.Metrics
	Stop        chan struct{}

	logger    *log.Logger
	lastSweep *time.Time
}

// NewReaper builds a Reaper with the given cadence. When schedule is empty
// the sweep fires every interval tick.
func NewReaper(st StoreAPI, maxLifetime, interval time.Duration, schedule string, metrics *telemetry.Metrics) *Reaper {
	return &Reaper{
		Store:       st,
		MaxLifetime: maxLifetime,
		Interval:    interval,
		Schedule:    schedule,
		Metrics:     metrics,
		Stop:        make(chan struct{}),
		logger:      log.New(log.Writer(), "[REAPER] ", log.LstdFlags),
	}
}

// Start launches the sweep loop in a goroutine.
func (r *Reaper) Start() {
	ticker := time.NewTicker(r.Interval)
	go func() {
		for {
			select {
			case <-r.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				if !isDue(r.Schedule, r.lastSweep) {
					continue
				}
				now := time.Now()
				r.lastSweep = &now
				r.Sweep(context.Background())
			}
		}
	}()
}

// Sweep runs one reap + GC pass.
func (r *Reaper) Sweep(ctx context.Context) {
	reaped, err := r.Store.ReapStaleJobs(ctx, r.MaxLifetime)
	if err != nil {
		r.logger.Printf("error reaping stale jobs: %v", err)
	} else if reaped > 0 {
		r.Metrics.JobsReaped(reaped)
		r.logger.Printf("reaped %d stale jobs", reaped)
	}

	purged, err := r.Store.DeleteExpiredPhaseRecords(ctx)
	if err != nil {
		r.logger.Printf("error purging phase records: %v", err)
	} else if purged > 0 {
		r.logger.Printf("purged %d expired phase records", purged)
	}
}

// isDue determines whether a sweep scheduled by cronSpec should run now.
// Supports "@hourly", "@daily", and standard 5-field cron expressions; an
// empty or unparseable spec means every tick.
func isDue(cronSpec string, last *time.Time) bool {
	if cronSpec == "" {
		return true
	}
	now := time.Now()
	switch cronSpec {
	case "@daily":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			return true
		}
		if last == nil {
			return true
		}
		next := expr.Next(*last)
		return !next.After(now)
	}
}
