package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quantpulse/assetscope/internal/cache"
	"github.com/quantpulse/assetscope/internal/queue/streams"
	"github.com/quantpulse/assetscope/internal/store"
)

type fakeAnalyzer struct {
	result json.RawMessage
	err    error
	panics bool

	mu       sync.Mutex
	subjects []string
	deadline bool
}

func (a *fakeAnalyzer) Analyze(ctx context.Context, subject string, request json.RawMessage) (json.RawMessage, error) {
	a.mu.Lock()
	a.subjects = append(a.subjects, subject)
	_, a.deadline = ctx.Deadline()
	a.mu.Unlock()
	if a.panics {
		panic("analyzer exploded")
	}
	return a.result, a.err
}

type fakeConsumer struct {
	mu      sync.Mutex
	batches [][]streams.Message
	acked   []string
}

func (c *fakeConsumer) Read(ctx context.Context, stream string, opts ...streams.ConsumerOption) ([]streams.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.batches) == 0 {
		return nil, nil
	}
	batch := c.batches[0]
	c.batches = c.batches[1:]
	return batch, nil
}

func (c *fakeConsumer) Ack(ctx context.Context, stream string, ids ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acked = append(c.acked, ids...)
	return nil
}

func dispatchMessage(t *testing.T, id string, payload DispatchPayload) streams.Message {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return streams.Message{
		ID: id,
		Envelope: streams.Envelope{
			EventID:   id,
			EventType: EventJobDispatch,
			Data:      data,
		},
	}
}

func queuedJob(t *testing.T, st *fakeStore, id, subject string) {
	t.Helper()
	if err := st.CreateJob(context.Background(), id, subject, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
}

func TestHandleDispatchCompletesJob(t *testing.T) {
	st := newFakeStore()
	queuedJob(t, st, "job-1", "BTC")
	analyzer := &fakeAnalyzer{result: json.RawMessage(`{"score":8}`)}
	w := NewWorker(st, &fakeConsumer{}, analyzer, nil, "job.dispatch", time.Minute, 0, nil)

	msg := dispatchMessage(t, "1-0", DispatchPayload{JobID: "job-1", Subject: "BTC"})
	if err := w.HandleDispatch(context.Background(), msg); err != nil {
		t.Fatalf("HandleDispatch: %v", err)
	}

	rec := st.job(t, "job-1")
	if rec.Status != store.JobStatusCompleted {
		t.Fatalf("unexpected status: %s", rec.Status)
	}
	if string(rec.Result) != `{"score":8}` {
		t.Fatalf("unexpected result: %s", rec.Result)
	}
	if rec.CompletedAt == nil {
		t.Fatalf("expected completed_at")
	}
	analyzer.mu.Lock()
	defer analyzer.mu.Unlock()
	if !analyzer.deadline {
		t.Fatalf("analyzer must run under a deadline")
	}
}

func TestHandleDispatchAnalyzerErrorFailsJob(t *testing.T) {
	st := newFakeStore()
	queuedJob(t, st, "job-1", "BTC")
	analyzer := &fakeAnalyzer{err: errors.New("upstream 503")}
	w := NewWorker(st, &fakeConsumer{}, analyzer, nil, "job.dispatch", time.Minute, 0, nil)

	msg := dispatchMessage(t, "1-0", DispatchPayload{JobID: "job-1", Subject: "BTC"})
	if err := w.HandleDispatch(context.Background(), msg); err != nil {
		t.Fatalf("HandleDispatch: %v", err)
	}

	rec := st.job(t, "job-1")
	if rec.Status != store.JobStatusError {
		t.Fatalf("unexpected status: %s", rec.Status)
	}
	if !strings.Contains(rec.ErrorMessage, "upstream 503") {
		t.Fatalf("error must carry the analyzer failure: %q", rec.ErrorMessage)
	}
}

func TestHandleDispatchPanicFailsJob(t *testing.T) {
	st := newFakeStore()
	queuedJob(t, st, "job-1", "BTC")
	analyzer := &fakeAnalyzer{panics: true}
	w := NewWorker(st, &fakeConsumer{}, analyzer, nil, "job.dispatch", time.Minute, 0, nil)

	msg := dispatchMessage(t, "1-0", DispatchPayload{JobID: "job-1", Subject: "BTC"})
	if err := w.HandleDispatch(context.Background(), msg); err != nil {
		t.Fatalf("HandleDispatch: %v", err)
	}

	rec := st.job(t, "job-1")
	if rec.Status != store.JobStatusError {
		t.Fatalf("panic must leave the job terminal, got %s", rec.Status)
	}
	if !strings.Contains(rec.ErrorMessage, "panic during analysis") {
		t.Fatalf("unexpected error message: %q", rec.ErrorMessage)
	}
}

func TestHandleDispatchEmptyResultFailsJob(t *testing.T) {
	st := newFakeStore()
	queuedJob(t, st, "job-1", "BTC")
	analyzer := &fakeAnalyzer{result: nil}
	w := NewWorker(st, &fakeConsumer{}, analyzer, nil, "job.dispatch", time.Minute, 0, nil)

	msg := dispatchMessage(t, "1-0", DispatchPayload{JobID: "job-1", Subject: "BTC"})
	if err := w.HandleDispatch(context.Background(), msg); err != nil {
		t.Fatalf("HandleDispatch: %v", err)
	}

	if rec := st.job(t, "job-1"); rec.Status != store.JobStatusError {
		t.Fatalf("empty result must fail the job, got %s", rec.Status)
	}
}

func TestHandleDispatchSkipsUnclaimableJob(t *testing.T) {
	st := newFakeStore()
	queuedJob(t, st, "job-1", "BTC")
	// Simulate a first delivery that already claimed and completed the job.
	if _, err := st.MarkJobProcessing(context.Background(), "job-1"); err != nil {
		t.Fatalf("MarkJobProcessing: %v", err)
	}
	if _, err := st.CompleteJob(context.Background(), "job-1", json.RawMessage(`{"score":1}`)); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	analyzer := &fakeAnalyzer{result: json.RawMessage(`{"score":99}`)}
	w := NewWorker(st, &fakeConsumer{}, analyzer, nil, "job.dispatch", time.Minute, 0, nil)

	msg := dispatchMessage(t, "2-0", DispatchPayload{JobID: "job-1", Subject: "BTC"})
	if err := w.HandleDispatch(context.Background(), msg); err != nil {
		t.Fatalf("HandleDispatch: %v", err)
	}

	analyzer.mu.Lock()
	ran := len(analyzer.subjects)
	analyzer.mu.Unlock()
	if ran != 0 {
		t.Fatalf("duplicate delivery must not rerun the analyzer")
	}
	if rec := st.job(t, "job-1"); string(rec.Result) != `{"score":1}` {
		t.Fatalf("first result must stand: %s", rec.Result)
	}
}

func TestHandleDispatchIgnoresOtherEvents(t *testing.T) {
	st := newFakeStore()
	queuedJob(t, st, "job-1", "BTC")
	analyzer := &fakeAnalyzer{result: json.RawMessage(`{}`)}
	w := NewWorker(st, &fakeConsumer{}, analyzer, nil, "job.dispatch", time.Minute, 0, nil)

	msg := streams.Message{ID: "1-0", Envelope: streams.Envelope{EventType: "something.else"}}
	if err := w.HandleDispatch(context.Background(), msg); err != nil {
		t.Fatalf("HandleDispatch: %v", err)
	}
	if rec := st.job(t, "job-1"); rec.Status != store.JobStatusQueued {
		t.Fatalf("unrelated event must not touch the job")
	}
}

func TestHandleDispatchCachesResult(t *testing.T) {
	st := newFakeStore()
	queuedJob(t, st, "job-1", "BTC")
	analyzer := &fakeAnalyzer{result: json.RawMessage(`{"score":8}`)}
	cm := cache.NewManager(nil, nil)
	w := NewWorker(st, &fakeConsumer{}, analyzer, cm, "job.dispatch", time.Minute, 5*time.Minute, nil)

	msg := dispatchMessage(t, "1-0", DispatchPayload{JobID: "job-1", Subject: "BTC"})
	if err := w.HandleDispatch(context.Background(), msg); err != nil {
		t.Fatalf("HandleDispatch: %v", err)
	}

	entry, found, err := cm.Get(context.Background(), "BTC", "deep")
	if err != nil || !found {
		t.Fatalf("deep result must be cached, found=%v err=%v", found, err)
	}
	if string(entry.Payload) != `{"score":8}` {
		t.Fatalf("unexpected cached payload: %s", entry.Payload)
	}
}

func TestStartProcessesAndAcks(t *testing.T) {
	st := newFakeStore()
	queuedJob(t, st, "job-1", "BTC")
	analyzer := &fakeAnalyzer{result: json.RawMessage(`{"score":8}`)}
	consumer := &fakeConsumer{batches: [][]streams.Message{
		{dispatchMessage(t, "1-0", DispatchPayload{JobID: "job-1", Subject: "BTC"})},
	}}
	w := NewWorker(st, consumer, analyzer, nil, "job.dispatch", time.Minute, 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		if rec, ok, _ := st.GetJob(context.Background(), "job-1"); ok && Terminal(rec.Status) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("job never reached a terminal state")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start: %v", err)
	}

	consumer.mu.Lock()
	defer consumer.mu.Unlock()
	if len(consumer.acked) != 1 || consumer.acked[0] != "1-0" {
		t.Fatalf("message must be acked exactly once: %v", consumer.acked)
	}
}
