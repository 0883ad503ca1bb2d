package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/quantpulse/assetscope/internal/store"
	"github.com/quantpulse/assetscope/internal/telemetry"
)

var pipelineTracer = otel.Tracer("assetscope/internal/pipeline")

// Fetcher is the uniform contract every data provider satisfies. The
// context carries the per-task deadline; implementations must not retry.
type Fetcher interface {
	Fetch(ctx context.Context, subject string) (map[string]interface{}, error)
}

// Task is one fetch inside a phase.
type Task struct {
	Name         string
	AnalysisType string
	Timeout      time.Duration
	CacheTTL     time.Duration
	Quality      int
	Fetcher      Fetcher
}

// Phase is one ordered pipeline stage fanning out to its tasks. A Deep phase
// creates an async job instead of fetching synchronously.
type Phase struct {
	Number   int
	Label    string
	Priority int
	Deep     bool
	Tasks    []Task
}

// FetchResult is the per-task outcome. A failure is recorded here and goes
// no further: it never aborts the phase or the pipeline.
type FetchResult struct {
	Task         string                 `json:"task"`
	AnalysisType string                 `json:"analysis_type"`
	Success      bool                   `json:"success"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
	Error        string                 `json:"error,omitempty"`
	Elapsed      time.Duration          `json:"elapsed"`
}

// PhaseOutcome summarizes one settled phase.
type PhaseOutcome struct {
	Number  int           `json:"number"`
	Label   string        `json:"label"`
	Results []FetchResult `json:"results"`
	Errors  []string      `json:"errors,omitempty"`
	Elapsed time.Duration `json:"elapsed"`

	jobID string
}

// PipelineResult is what a full run returns: everything successfully
// collected, annotated with what failed.
type PipelineResult struct {
	Subject  string                 `json:"subject"`
	Session  string                 `json:"session"`
	Phases   []PhaseOutcome         `json:"phases"`
	Context  map[string]interface{} `json:"context"`
	JobID    string                 `json:"job_id,omitempty"`
	Warnings []string               `json:"warnings,omitempty"`
}

// ProgressFunc is invoked as each task in a phase resolves, not only at
// phase boundaries.
type ProgressFunc func(phase Phase, result FetchResult)

// PhaseStore is the durable side-channel carrying context between phases.
// Only the session token travels in-process; payloads are rehydrated from
// here because the process serving phase N+1 may not be the one that ran
// phase N.
type PhaseStore interface {
	UpsertPhaseRecord(ctx context.Context, rec store.PhaseRecord, ttl time.Duration) error
	AggregatePhasePayloads(ctx context.Context, sessionID, subject string, uptoPhase int) (map[string]interface{}, error)
}

// CacheWriter receives per-task payloads keyed by analysis type.
type CacheWriter interface {
	Set(ctx context.Context, subject, analysisType string, payload json.RawMessage, ttl time.Duration, quality int) error
}

// JobCreator hands the deep-analysis phase off to the async job machinery.
type JobCreator interface {
	Create(ctx context.Context, subject string, request json.RawMessage) (string, error)
}

// NormalizeSubject canonicalizes a subject identifier.
func NormalizeSubject(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Orchestrator runs ordered phases against a subject.
type Orchestrator struct {
	store     PhaseStore
	cache     CacheWriter
	jobs      JobCreator
	phaseTTL  time.Duration
	metrics   *telemetry.Metrics
	logger    *log.Logger
	semaphore chan struct{}
}

// NewOrchestrator constructs an Orchestrator. maxConcurrent bounds fetch
// parallelism within a phase; cacheWriter and jobCreator may be nil when the
// deployment has no cache or no deep phase.
func NewOrchestrator(ps PhaseStore, cacheWriter CacheWriter, jobCreator JobCreator, phaseTTL time.Duration, maxConcurrent int, metrics *telemetry.Metrics) *Orchestrator {
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	if phaseTTL <= 0 {
		phaseTTL = store.DefaultPhaseTTL
	}
	return &Orchestrator{
		store:     ps,
		cache:     cacheWriter,
		jobs:      jobCreator,
		phaseTTL:  phaseTTL,
		metrics:   metrics,
		logger:    log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags),
		semaphore: make(chan struct{}, maxConcurrent),
	}
}

// Run executes the phases in order for one subject. Provider failures never
// fail the run; only the durable store can abort it. A generated session
// token is used when the caller passes none.
func (o *Orchestrator) Run(ctx context.Context, session, subject string, phases []Phase, progress ProgressFunc) (*PipelineResult, error) {
	subject = NormalizeSubject(subject)
	if subject == "" {
		return nil, fmt.Errorf("subject required")
	}
	if strings.TrimSpace(session) == "" {
		session = uuid.NewString()
	}

	ordered := make([]Phase, len(phases))
	copy(ordered, phases)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Number < ordered[j].Number })

	ctx, span := pipelineTracer.Start(ctx, "pipeline.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("pipeline.subject", subject),
		attribute.String("pipeline.session", session),
		attribute.Int("pipeline.phases", len(ordered)),
	)

	result := &PipelineResult{
		Subject: subject,
		Session: session,
		Context: map[string]interface{}{},
	}

	for _, phase := range ordered {
		// Rehydrate cumulative context from the durable store rather than
		// carrying it in memory: the accumulated payload can exceed any
		// bounded transport, and this process may not have run the earlier
		// phases.
		agg, err := o.store.AggregatePhasePayloads(ctx, session, subject, phase.Number)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("aggregate context before phase %d: %w", phase.Number, err)
		}

		outcome, payload, err := o.runPhase(ctx, session, subject, phase, agg, progress)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		result.Phases = append(result.Phases, outcome)
		merged := mergeMaps(agg, payload)
		result.Context = merged
		o.metrics.PhaseCompleted()

		if !phase.Deep && countSuccesses(outcome.Results) == 0 {
			result.Warnings = append(result.Warnings, fmt.Sprintf("phase %d (%s) produced no data", phase.Number, phase.Label))
		}
		if phase.Deep && outcome.jobID != "" {
			result.JobID = outcome.jobID
		}
		if phase.Deep && len(outcome.Errors) > 0 {
			result.Warnings = append(result.Warnings, fmt.Sprintf("phase %d (%s): %s", phase.Number, phase.Label, strings.Join(outcome.Errors, "; ")))
		}
	}

	span.SetStatus(codes.Ok, "completed")
	return result, nil
}

func (o *Orchestrator) runPhase(ctx context.Context, session, subject string, phase Phase, agg map[string]interface{}, progress ProgressFunc) (PhaseOutcome, map[string]interface{}, error) {
	start := time.Now()
	outcome := PhaseOutcome{Number: phase.Number, Label: phase.Label}

	var payload map[string]interface{}
	if phase.Deep {
		jobID, err := o.createDeepJob(ctx, subject, agg)
		if err != nil {
			outcome.Errors = append(outcome.Errors, err.Error())
		} else {
			outcome.jobID = jobID
			payload = map[string]interface{}{"deep_job_id": jobID}
		}
	} else {
		results := o.fanOut(ctx, subject, phase, progress)
		outcome.Results = results
		payload = map[string]interface{}{}
		for _, res := range results {
			if !res.Success {
				outcome.Errors = append(outcome.Errors, fmt.Sprintf("%s: %s", res.Task, res.Error))
				continue
			}
			for k, v := range res.Payload {
				payload[k] = v
			}
		}
		o.cacheResults(ctx, subject, phase, results)
	}

	// A phase with zero successes is still complete; downstream phases must
	// tolerate the missing keys.
	if err := o.store.UpsertPhaseRecord(ctx, store.PhaseRecord{
		SessionID:   session,
		Subject:     subject,
		PhaseNumber: phase.Number,
		Payload:     payload,
	}, o.phaseTTL); err != nil {
		return PhaseOutcome{}, nil, fmt.Errorf("persist phase %d: %w", phase.Number, err)
	}

	outcome.Elapsed = time.Since(start)
	o.logger.Printf("phase %d (%s) settled for %s: %d/%d tasks succeeded",
		phase.Number, phase.Label, subject, countSuccesses(outcome.Results), len(outcome.Results))
	return outcome, payload, nil
}

// fanOut dispatches all tasks of a phase concurrently, each bounded by its
// own deadline, and collects results as they resolve.
func (o *Orchestrator) fanOut(ctx context.Context, subject string, phase Phase, progress ProgressFunc) []FetchResult {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make([]FetchResult, 0, len(phase.Tasks))
	)

	for _, task := range phase.Tasks {
		wg.Add(1)
		go func(t Task) {
			defer wg.Done()

			select {
			case o.semaphore <- struct{}{}:
				defer func() { <-o.semaphore }()
			case <-ctx.Done():
				res := FetchResult{Task: t.Name, AnalysisType: t.AnalysisType, Error: ctx.Err().Error()}
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
				if progress != nil {
					progress(phase, res)
				}
				return
			}

			res := o.runTask(ctx, subject, t)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			if progress != nil {
				progress(phase, res)
			}
		}(task)
	}
	wg.Wait()

	// Deterministic order for consumers; goroutines append as they finish.
	sort.SliceStable(results, func(i, j int) bool { return taskIndex(phase, results[i].Task) < taskIndex(phase, results[j].Task) })
	return results
}

func (o *Orchestrator) runTask(ctx context.Context, subject string, t Task) FetchResult {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	taskCtx, span := pipelineTracer.Start(taskCtx, "pipeline.fetch")
	defer span.End()
	span.SetAttributes(
		attribute.String("fetch.task", t.Name),
		attribute.String("fetch.analysis_type", t.AnalysisType),
	)

	o.metrics.FetchTask(t.AnalysisType)
	start := time.Now()
	payload, err := t.Fetcher.Fetch(taskCtx, subject)
	elapsed := time.Since(start)

	if err != nil {
		o.metrics.FetchFailure(t.AnalysisType)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return FetchResult{Task: t.Name, AnalysisType: t.AnalysisType, Error: err.Error(), Elapsed: elapsed}
	}
	span.SetStatus(codes.Ok, "fetched")
	return FetchResult{Task: t.Name, AnalysisType: t.AnalysisType, Success: true, Payload: payload, Elapsed: elapsed}
}

func (o *Orchestrator) cacheResults(ctx context.Context, subject string, phase Phase, results []FetchResult) {
	if o.cache == nil {
		return
	}
	byName := make(map[string]Task, len(phase.Tasks))
	for _, t := range phase.Tasks {
		byName[t.Name] = t
	}
	for _, res := range results {
		if !res.Success {
			continue
		}
		t := byName[res.Task]
		if t.CacheTTL <= 0 {
			continue
		}
		raw, err := json.Marshal(res.Payload)
		if err != nil {
			continue
		}
		if err := o.cache.Set(ctx, subject, t.AnalysisType, raw, t.CacheTTL, t.Quality); err != nil {
			o.logger.Printf("warn: cache %s/%s: %v", subject, t.AnalysisType, err)
		}
	}
}

func (o *Orchestrator) createDeepJob(ctx context.Context, subject string, agg map[string]interface{}) (string, error) {
	if o.jobs == nil {
		return "", fmt.Errorf("deep analysis requested but no job manager configured")
	}
	request, err := json.Marshal(map[string]interface{}{
		"subject": subject,
		"context": agg,
	})
	if err != nil {
		return "", fmt.Errorf("encode deep request: %w", err)
	}
	jobID, err := o.jobs.Create(ctx, subject, request)
	if err != nil {
		return "", fmt.Errorf("create deep analysis job: %w", err)
	}
	return jobID, nil
}

func mergeMaps(base, overlay map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}

func countSuccesses(results []FetchResult) int {
	n := 0
	for _, r := range results {
		if r.Success {
			n++
		}
	}
	return n
}

func taskIndex(phase Phase, name string) int {
	for i, t := range phase.Tasks {
		if t.Name == name {
			return i
		}
	}
	return len(phase.Tasks)
}
