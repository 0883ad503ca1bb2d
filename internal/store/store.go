package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"
)

// Store wraps the Postgres handle holding phase records and analysis jobs.
type Store struct {
	DB *sql.DB
}

// Job statuses persisted to analysis_jobs. Transitions are one-directional:
// queued -> processing -> completed | error.
const (
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusError      = "error"
)

// DefaultPhaseTTL is the sliding lifetime applied to phase records when the
// caller does not pass one.
const DefaultPhaseTTL = time.Hour

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PhaseRecord is one durable phase payload keyed by (session, subject, phase).
type PhaseRecord struct {
	SessionID   string
	Subject     string
	PhaseNumber int
	Payload     map[string]interface{}
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// JobRecord is one row of the async job state machine.
type JobRecord struct {
	ID           string
	Subject      string
	Status       string
	Request      json.RawMessage
	Result       json.RawMessage
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

// NewWithDSN opens a Postgres connection and verifies it.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

// UpsertPhaseRecord writes a phase payload with a sliding TTL. Conflicting
// writers on the same key last-write-win atomically.
func (s *Store) UpsertPhaseRecord(ctx context.Context, rec PhaseRecord, ttl time.Duration) error {
	if strings.TrimSpace(rec.SessionID) == "" {
		return fmt.Errorf("session id required")
	}
	if strings.TrimSpace(rec.Subject) == "" {
		return fmt.Errorf("subject required")
	}
	if rec.PhaseNumber <= 0 {
		return fmt.Errorf("phase number must be positive")
	}
	if ttl <= 0 {
		ttl = DefaultPhaseTTL
	}
	payload, err := json.Marshal(defaultPayload(rec.Payload))
	if err != nil {
		return fmt.Errorf("marshal phase payload: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO phase_records (session_id, subject, phase_number, payload, created_at, expires_at)
VALUES ($1,$2,$3,$4,NOW(),NOW()+$5::interval)
ON CONFLICT (session_id, subject, phase_number) DO UPDATE SET
  payload = EXCLUDED.payload,
  expires_at = EXCLUDED.expires_at
`, rec.SessionID, rec.Subject, rec.PhaseNumber, payload, intervalString(ttl))
	if err != nil {
		return fmt.Errorf("upsert phase record: %w", err)
	}
	return nil
}

// GetPhaseRecord fetches one live phase record. Expired rows are invisible.
func (s *Store) GetPhaseRecord(ctx context.Context, sessionID, subject string, phase int) (PhaseRecord, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT session_id, subject, phase_number, payload, created_at, expires_at
FROM phase_records
WHERE session_id=$1 AND subject=$2 AND phase_number=$3 AND expires_at > NOW()
`, sessionID, subject, phase)

	var rec PhaseRecord
	var payload []byte
	if err := row.Scan(&rec.SessionID, &rec.Subject, &rec.PhaseNumber, &payload, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PhaseRecord{}, false, nil
		}
		return PhaseRecord{}, false, fmt.Errorf("get phase record: %w", err)
	}
	if err := json.Unmarshal(payload, &rec.Payload); err != nil {
		return PhaseRecord{}, false, fmt.Errorf("decode phase payload: %w", err)
	}
	return rec, true, nil
}

// AggregatePhasePayloads shallow-merges all live payloads for phases below
// uptoPhase, in phase order, later phases winning on key conflicts.
func (s *Store) AggregatePhasePayloads(ctx context.Context, sessionID, subject string, uptoPhase int) (map[string]interface{}, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT payload
FROM phase_records
WHERE session_id=$1 AND subject=$2 AND phase_number < $3 AND expires_at > NOW()
ORDER BY phase_number ASC
`, sessionID, subject, uptoPhase)
	if err != nil {
		return nil, fmt.Errorf("aggregate phase payloads: %w", err)
	}
	defer rows.Close()

	merged := map[string]interface{}{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan phase payload: %w", err)
		}
		var payload map[string]interface{}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("decode phase payload: %w", err)
		}
		for k, v := range payload {
			merged[k] = v
		}
	}
	return merged, rows.Err()
}

// DeleteExpiredPhaseRecords garbage-collects rows past their TTL.
func (s *Store) DeleteExpiredPhaseRecords(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM phase_records WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("delete expired phase records: %w", err)
	}
	return res.RowsAffected()
}

// CreateJob persists a new job in the queued state.
func (s *Store) CreateJob(ctx context.Context, id, subject string, request json.RawMessage) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("job id required")
	}
	if strings.TrimSpace(subject) == "" {
		return fmt.Errorf("subject required")
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO analysis_jobs (id, subject, status, request, created_at, updated_at)
VALUES ($1,$2,$3,$4,NOW(),NOW())
`, id, subject, JobStatusQueued, defaultJSON(request))
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (JobRecord, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, subject, status, request, result, error_message, created_at, updated_at, completed_at
FROM analysis_jobs
WHERE id=$1
`, id)

	var rec JobRecord
	var result []byte
	var errMsg sql.NullString
	var completed sql.NullTime
	if err := row.Scan(&rec.ID, &rec.Subject, &rec.Status, &rec.Request, &result, &errMsg, &rec.CreatedAt, &rec.UpdatedAt, &completed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return JobRecord{}, false, nil
		}
		return JobRecord{}, false, fmt.Errorf("get job: %w", err)
	}
	rec.Result = result
	if errMsg.Valid {
		rec.ErrorMessage = errMsg.String
	}
	if completed.Valid {
		t := completed.Time
		rec.CompletedAt = &t
	}
	return rec, true, nil
}

// MarkJobProcessing claims a queued job. Returns false when the job was not
// in the queued state, which makes duplicate dispatch deliveries harmless.
func (s *Store) MarkJobProcessing(ctx context.Context, id string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
UPDATE analysis_jobs SET status=$2, updated_at=NOW()
WHERE id=$1 AND status=$3
`, id, JobStatusProcessing, JobStatusQueued)
	if err != nil {
		return false, fmt.Errorf("mark job processing: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CompleteJob writes the terminal completed state with its result.
func (s *Store) CompleteJob(ctx context.Context, id string, result json.RawMessage) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
UPDATE analysis_jobs SET status=$2, result=$3, updated_at=NOW(), completed_at=NOW()
WHERE id=$1 AND status=$4
`, id, JobStatusCompleted, defaultJSON(result), JobStatusProcessing)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// FailJob writes the terminal error state. Only non-terminal jobs can fail;
// a job already completed or errored is left untouched.
func (s *Store) FailJob(ctx context.Context, id, message string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
UPDATE analysis_jobs SET status=$2, error_message=$3, updated_at=NOW(), completed_at=NOW()
WHERE id=$1 AND status IN ($4,$5)
`, id, JobStatusError, message, JobStatusQueued, JobStatusProcessing)
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReapStaleJobs force-fails non-terminal jobs older than maxLifetime so that
// pollers are never blocked by a vanished worker.
func (s *Store) ReapStaleJobs(ctx context.Context, maxLifetime time.Duration) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
UPDATE analysis_jobs SET status=$1, error_message=$2, updated_at=NOW(), completed_at=NOW()
WHERE status IN ($3,$4) AND created_at <= NOW()-$5::interval
`, JobStatusError, "stale: exceeded max lifetime", JobStatusQueued, JobStatusProcessing, intervalString(maxLifetime))
	if err != nil {
		return 0, fmt.Errorf("reap stale jobs: %w", err)
	}
	return res.RowsAffected()
}

// JobFilter narrows ListJobs. Zero values mean no filtering.
type JobFilter struct {
	Subject string
	Status  string
	Limit   uint64
}

// ListJobs returns jobs newest-first, optionally filtered.
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]JobRecord, error) {
	q := psql.Select("id", "subject", "status", "request", "result", "error_message", "created_at", "updated_at", "completed_at").
		From("analysis_jobs").
		OrderBy("created_at DESC")
	if filter.Subject != "" {
		q = q.Where(sq.Eq{"subject": filter.Subject})
	}
	if filter.Status != "" {
		q = q.Where(sq.Eq{"status": filter.Status})
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list jobs query: %w", err)
	}

	rows, err := s.DB.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var rec JobRecord
		var result []byte
		var errMsg sql.NullString
		var completed sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Subject, &rec.Status, &rec.Request, &result, &errMsg, &rec.CreatedAt, &rec.UpdatedAt, &completed); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		rec.Result = result
		if errMsg.Valid {
			rec.ErrorMessage = errMsg.String
		}
		if completed.Valid {
			t := completed.Time
			rec.CompletedAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func defaultJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}

func defaultPayload(p map[string]interface{}) map[string]interface{} {
	if p == nil {
		return map[string]interface{}{}
	}
	return p
}

func intervalString(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int64(d.Seconds()))
}
