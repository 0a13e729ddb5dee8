package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/streamwarden/telemetry"
)

// ErrDrainTimeout is returned by Run when in-flight jobs outlive the shutdown timeout.
var ErrDrainTimeout = errors.New("timed out waiting for in-flight jobs")

// Handler processes one job. A returned error (or panic) fails the job.
type Handler interface {
	Handle(ctx context.Context, job Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job) error

func (f HandlerFunc) Handle(ctx context.Context, job Job) error { return f(ctx, job) }

// Purger is implemented by stores that keep completed rows around.
type Purger interface {
	PurgeCompleted(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Options configures a Worker. Zero values take the defaults noted.
type Options struct {
	Kind            string
	PollInterval    time.Duration // 1s
	BatchSize       int           // 10
	Concurrency     int           // 4
	JobTimeout      time.Duration // 30s
	ShutdownTimeout time.Duration // 30s
	StatsInterval   time.Duration // 60s
	StaleAfter      time.Duration // 5m; processing jobs older than this are requeued at start
	RetainCompleted time.Duration // 24h
}

func (o *Options) defaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 30 * time.Second
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 30 * time.Second
	}
	if o.StatsInterval <= 0 {
		o.StatsInterval = time.Minute
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 5 * time.Minute
	}
	if o.RetainCompleted <= 0 {
		o.RetainCompleted = 24 * time.Hour
	}
}

// Worker claims jobs of one kind on a fixed interval and runs them concurrently,
// never more than Concurrency at a time.
type Worker struct {
	store   Store
	handler Handler
	opts    Options
	logger  *slog.Logger

	active    atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	wg        sync.WaitGroup
}

func NewWorker(store Store, handler Handler, opts Options) *Worker {
	opts.defaults()
	return &Worker{
		store:   store,
		handler: handler,
		opts:    opts,
		logger:  slog.Default().With(slog.String("component", "queue_worker"), slog.String("kind", opts.Kind)),
	}
}

// Run polls until ctx is done, then stops claiming and waits up to ShutdownTimeout
// for in-flight jobs.
func (w *Worker) Run(ctx context.Context) error {
	if n, err := w.store.RequeueStale(ctx, w.opts.Kind, w.opts.StaleAfter); err != nil {
		w.logger.Warn("requeue stale jobs failed", slog.Any("err", err))
	} else if n > 0 {
		w.logger.Info("requeued stale jobs", slog.Int64("count", n))
	}
	w.logger.Info("worker starting",
		slog.Duration("poll_interval", w.opts.PollInterval),
		slog.Int("batch_size", w.opts.BatchSize),
		slog.Int("concurrency", w.opts.Concurrency))

	poll := time.NewTicker(w.opts.PollInterval)
	defer poll.Stop()
	stats := time.NewTicker(w.opts.StatsInterval)
	defer stats.Stop()

	w.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return w.drain()
		case <-poll.C:
			w.Poll(ctx)
		case <-stats.C:
			w.reportDepth(ctx)
		}
	}
}

// Poll claims as many jobs as there is free capacity for, up to BatchSize, and
// starts them. It does not wait for them to finish.
func (w *Worker) Poll(ctx context.Context) int {
	free := w.opts.Concurrency - int(w.active.Load())
	if free <= 0 {
		return 0
	}
	limit := w.opts.BatchSize
	if free < limit {
		limit = free
	}
	jobs, err := w.store.Claim(ctx, w.opts.Kind, limit)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("claim failed", slog.Any("err", err))
		}
		return 0
	}
	for _, j := range jobs {
		w.active.Add(1)
		telemetry.SetActiveJobs(w.active.Load())
		w.wg.Add(1)
		go w.process(ctx, j)
	}
	return len(jobs)
}

// Wait blocks until every started job has finished.
func (w *Worker) Wait() { w.wg.Wait() }

func (w *Worker) drain() error {
	w.logger.Info("worker stopping; draining in-flight jobs", slog.Int64("active", w.active.Load()))
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.logger.Info("worker stopped", slog.Int64("processed", w.processed.Load()), slog.Int64("failed", w.failed.Load()))
		return nil
	case <-time.After(w.opts.ShutdownTimeout):
		w.logger.Warn("drain timed out", slog.Int64("active", w.active.Load()))
		return ErrDrainTimeout
	}
}

// process runs one job. Jobs keep running after the poll context is canceled so
// shutdown can drain them; each is bounded by JobTimeout instead.
func (w *Worker) process(parent context.Context, job Job) {
	defer func() {
		w.active.Add(-1)
		telemetry.SetActiveJobs(w.active.Load())
		w.wg.Done()
	}()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), w.opts.JobTimeout)
	defer cancel()
	ctx = telemetry.WithCorrelation(ctx, job.ID)
	ctx, span := telemetry.StartSpan(ctx, "queue.job",
		attribute.String("job.kind", job.Kind),
		attribute.String("job.id", job.ID),
		attribute.Int("job.attempts", job.Attempts))
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "queue_worker"), slog.String("kind", job.Kind))

	start := time.Now()
	err := w.invoke(ctx, job)
	telemetry.EndSpan(span, err)
	if err == nil {
		if cerr := w.store.Complete(ctx, job.ID); cerr != nil {
			logger.Error("complete job failed", slog.Any("err", cerr))
		}
		w.processed.Add(1)
		telemetry.ObserveJob(job.Kind, "success", time.Since(start))
		return
	}
	w.failed.Add(1)
	status, ferr := w.store.Fail(ctx, job, err)
	if ferr != nil {
		logger.Error("record job failure failed", slog.Any("err", ferr), slog.Any("cause", err))
		return
	}
	telemetry.ObserveJob(job.Kind, string(status), time.Since(start))
	logger.Warn("job failed",
		slog.Any("err", err),
		slog.Int("attempts", job.Attempts),
		slog.String("status", string(status)))
}

func (w *Worker) invoke(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in job handler",
				slog.String("job_id", job.ID),
				slog.Any("panic", r),
				slog.String("stack_trace", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.handler.Handle(ctx, job)
}

func (w *Worker) reportDepth(ctx context.Context) {
	d, err := w.store.Depth(ctx, w.opts.Kind)
	if err != nil {
		w.logger.Warn("queue depth unavailable", slog.Any("err", err))
		return
	}
	telemetry.SetQueueDepth(w.opts.Kind, string(StatusPending), d.Pending)
	telemetry.SetQueueDepth(w.opts.Kind, string(StatusProcessing), d.Processing)
	telemetry.SetQueueDepth(w.opts.Kind, string(StatusCompleted), d.Completed)
	telemetry.SetQueueDepth(w.opts.Kind, string(StatusFailed), d.Failed)
	w.logger.Info("queue depth",
		slog.Int64("pending", d.Pending),
		slog.Int64("processing", d.Processing),
		slog.Int64("completed", d.Completed),
		slog.Int64("failed", d.Failed),
		slog.Int64("active", w.active.Load()))
	if p, ok := w.store.(Purger); ok {
		if n, err := p.PurgeCompleted(ctx, w.opts.RetainCompleted); err != nil {
			w.logger.Debug("purge completed jobs failed", slog.Any("err", err))
		} else if n > 0 {
			w.logger.Debug("purged completed jobs", slog.Int64("count", n))
		}
	}
}

// Stats is a snapshot of the worker's counters.
type Stats struct {
	Active    int64 `json:"active"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

func (w *Worker) Stats() Stats {
	return Stats{Active: w.active.Load(), Processed: w.processed.Load(), Failed: w.failed.Load()}
}
