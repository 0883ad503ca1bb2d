package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/quantpulse/assetscope/internal/cache"
	"github.com/quantpulse/assetscope/internal/queue/streams"
	"github.com/quantpulse/assetscope/internal/telemetry"
)

// statusWriteMargin is reserved out of the execution ceiling so the terminal
// status write always has time to land before the invocation is killed.
const statusWriteMargin = 5 * time.Second

const deepAnalysisType = "deep"

const deepResultQuality = 90

// Analyzer runs the external long-running computation for one job.
type Analyzer interface {
	Analyze(ctx context.Context, subject string, request json.RawMessage) (json.RawMessage, error)
}

// StreamConsumer is the subset of streams.Consumer the worker reads from.
type StreamConsumer interface {
	Read(ctx context.Context, stream string, opts ...streams.ConsumerOption) ([]streams.Message, error)
	Ack(ctx context.Context, stream string, ids ...string) error
}

// Worker consumes job.dispatch events and drives each job to a terminal
// state. No error, timeout, or panic escapes without a terminal write.
type Worker struct {
	store        StoreAPI
	consumer     StreamConsumer
	analyzer     Analyzer
	cache        *cache.Manager
	stream       string
	maxExecution time.Duration
	resultTTL    time.Duration
	metrics      *telemetry.Metrics
	logger       *log.Logger
}

// NewWorker constructs a Worker. maxExecution is the platform's
// single-invocation ceiling; the analyzer runs under a strictly shorter
// timeout. cacheManager may be nil to skip result caching.
func NewWorker(st StoreAPI, consumer StreamConsumer, analyzer Analyzer, cacheManager *cache.Manager, stream string, maxExecution, resultTTL time.Duration, metrics *telemetry.Metrics) *Worker {
	return &Worker{
		store:        st,
		consumer:     consumer,
		analyzer:     analyzer,
		cache:        cacheManager,
		stream:       stream,
		maxExecution: maxExecution,
		resultTTL:    resultTTL,
		metrics:      metrics,
		logger:       log.New(log.Writer(), "[WORKER] ", log.LstdFlags),
	}
}

// Start blocks, continuously processing dispatch events until the context is
// cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Printf("worker starting; consuming stream %s", w.stream)
	for {
		select {
		case <-ctx.Done():
			w.logger.Printf("worker stopping: %v", ctx.Err())
			return nil
		default:
		}

		msgs, err := w.consumer.Read(ctx, w.stream, streams.WithBlock(5*time.Second), streams.WithCount(16))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Printf("error reading stream: %v", err)
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range msgs {
			if err := w.HandleDispatch(ctx, msg); err != nil {
				w.logger.Printf("error handling dispatch %s: %v", msg.ID, err)
			}
			if err := w.consumer.Ack(ctx, w.stream, msg.ID); err != nil {
				w.logger.Printf("warn: failed to ack message %s: %v", msg.ID, err)
			}
		}
	}
}

// HandleDispatch processes one dispatch message: claim the job, run the
// analyzer under its deadline, write the terminal state.
func (w *Worker) HandleDispatch(ctx context.Context, msg streams.Message) error {
	if msg.Envelope.EventType != EventJobDispatch {
		return nil
	}
	var payload DispatchPayload
	if err := json.Unmarshal(msg.Envelope.Data, &payload); err != nil {
		return fmt.Errorf("unmarshal dispatch payload: %w", err)
	}
	if payload.JobID == "" {
		return fmt.Errorf("dispatch payload missing job id")
	}

	claimed, err := w.store.MarkJobProcessing(ctx, payload.JobID)
	if err != nil {
		return fmt.Errorf("claim job %s: %w", payload.JobID, err)
	}
	if !claimed {
		// Duplicate delivery, or the reaper got there first.
		w.logger.Printf("skip job %s: not in queued state", payload.JobID)
		return nil
	}

	w.execute(ctx, payload)
	return nil
}

func (w *Worker) execute(ctx context.Context, payload DispatchPayload) {
	defer func() {
		if r := recover(); r != nil {
			w.fail(ctx, payload.JobID, fmt.Sprintf("panic during analysis: %v", r))
		}
	}()

	timeout := w.maxExecution - statusWriteMargin
	if timeout <= 0 {
		timeout = w.maxExecution / 2
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := w.analyzer.Analyze(runCtx, payload.Subject, payload.Request)
	if err != nil {
		w.fail(ctx, payload.JobID, fmt.Sprintf("analysis failed: %v", err))
		return
	}
	if len(result) == 0 {
		w.fail(ctx, payload.JobID, "analysis returned empty result")
		return
	}

	ok, err := w.store.CompleteJob(ctx, payload.JobID, result)
	if err != nil {
		w.logger.Printf("error completing job %s: %v", payload.JobID, err)
		return
	}
	if !ok {
		// Reaped mid-flight; terminal state already written.
		w.logger.Printf("job %s no longer processing; result discarded", payload.JobID)
		return
	}
	w.metrics.JobCompleted()
	w.logger.Printf("job %s completed for %s", payload.JobID, payload.Subject)

	if w.cache != nil && w.resultTTL > 0 {
		if err := w.cache.Set(ctx, payload.Subject, deepAnalysisType, result, w.resultTTL, deepResultQuality); err != nil {
			w.logger.Printf("warn: cache deep result for %s: %v", payload.Subject, err)
		}
	}
}

func (w *Worker) fail(ctx context.Context, id, message string) {
	if _, err := w.store.FailJob(ctx, id, message); err != nil {
		w.logger.Printf("error failing job %s: %v", id, err)
		return
	}
	w.metrics.JobFailed()
	w.logger.Printf("job %s failed: %s", id, message)
}
