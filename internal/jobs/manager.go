package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/quantpulse/assetscope/internal/queue/streams"
	"github.com/quantpulse/assetscope/internal/telemetry"
)

// Dispatcher publishes worker invocations. XADD acceptance is the dispatch
// confirmation; satisfied by *streams.Publisher.
type Dispatcher interface {
	PublishRaw(ctx context.Context, stream, eventType string, payload interface{}, opts ...streams.PublishOption) (string, error)
}

// Manager owns the job state machine from the creating side: it persists
// queued jobs, hands them to workers via the dispatch stream, and serves
// polls.
type Manager struct {
	store      StoreAPI
	dispatcher Dispatcher
	stream     string
	metrics    *telemetry.Metrics
	logger     *log.Logger
}

// NewManager constructs a Manager publishing to the given dispatch stream.
func NewManager(st StoreAPI, dispatcher Dispatcher, stream string, metrics *telemetry.Metrics) *Manager {
	return &Manager{
		store:      st,
		dispatcher: dispatcher,
		stream:     stream,
		metrics:    metrics,
		logger:     log.New(log.Writer(), "[JOBS] ", log.LstdFlags),
	}
}

// Create persists a queued job and synchronously attempts dispatch. When the
// dispatch attempt itself is rejected, the job is immediately written to the
// terminal error state rather than left queued with no worker notified.
// The job ID is returned either way so the caller can poll the outcome.
func (m *Manager) Create(ctx context.Context, subject string, request json.RawMessage) (string, error) {
	subject = strings.ToUpper(strings.TrimSpace(subject))
	if subject == "" {
		return "", fmt.Errorf("subject required")
	}

	id := uuid.NewString()
	if err := m.store.CreateJob(ctx, id, subject, request); err != nil {
		return "", err
	}
	m.metrics.JobCreated()

	payload := DispatchPayload{JobID: id, Subject: subject, Request: request}
	if _, err := m.dispatcher.PublishRaw(ctx, m.stream, EventJobDispatch, payload); err != nil {
		m.logger.Printf("dispatch rejected for job %s: %v", id, err)
		msg := fmt.Sprintf("dispatch failed: %v", err)
		if _, ferr := m.store.FailJob(ctx, id, msg); ferr != nil {
			return id, fmt.Errorf("dispatch failed and job could not be marked: %v (mark error: %w)", err, ferr)
		}
		m.metrics.JobFailed()
		return id, nil
	}

	m.logger.Printf("job %s queued for %s", id, subject)
	return id, nil
}

// Poll returns the current view of a job. It is idempotent and side-effect
// free.
func (m *Manager) Poll(ctx context.Context, id string) (JobView, bool, error) {
	rec, found, err := m.store.GetJob(ctx, id)
	if err != nil || !found {
		return JobView{}, found, err
	}
	return viewFromRecord(rec), true, nil
}
