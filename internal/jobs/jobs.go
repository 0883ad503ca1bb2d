package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/quantpulse/assetscope/internal/store"
)

// EventJobDispatch is the stream event type carrying worker invocations.
const EventJobDispatch = "job.dispatch"

// StoreAPI captures the store methods required by the job components.
type StoreAPI interface {
	CreateJob(ctx context.Context, id, subject string, request json.RawMessage) error
	GetJob(ctx context.Context, id string) (store.JobRecord, bool, error)
	MarkJobProcessing(ctx context.Context, id string) (bool, error)
	CompleteJob(ctx context.Context, id string, result json.RawMessage) (bool, error)
	FailJob(ctx context.Context, id, message string) (bool, error)
	ReapStaleJobs(ctx context.Context, maxLifetime time.Duration) (int64, error)
	DeleteExpiredPhaseRecords(ctx context.Context) (int64, error)
}

// DispatchPayload mirrors the JSON payload published to job.dispatch.
type DispatchPayload struct {
	JobID   string          `json:"job_id"`
	Subject string          `json:"subject"`
	Request json.RawMessage `json:"request"`
}

// JobView is the poll-facing projection of a job row.
type JobView struct {
	ID          string          `json:"id"`
	Subject     string          `json:"subject"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Terminal reports whether the status admits no further transitions.
func Terminal(status string) bool {
	return status == store.JobStatusCompleted || status == store.JobStatusError
}

func viewFromRecord(rec store.JobRecord) JobView {
	v := JobView{
		ID:          rec.ID,
		Subject:     rec.Subject,
		Status:      rec.Status,
		Error:       rec.ErrorMessage,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
		CompletedAt: rec.CompletedAt,
	}
	if len(rec.Result) > 0 && string(rec.Result) != "null" {
		v.Result = rec.Result
	}
	return v
}
