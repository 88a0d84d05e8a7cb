package gojob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-dispatch/adapters/gologger"
	"github.com/goliatone/go-dispatch/core"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
	glog "github.com/goliatone/go-logger/glog"
)

const (
	JobIDDispatchPump   = "dispatch.queue.pump"
	JobIDReapLeases     = "dispatch.queue.reap"
	JobIDStuckReceipts  = "dispatch.intake.stuck_scan"
	defaultLockedDelay  = 15 * time.Second
	defaultFailureDelay = 5 * time.Second
)

// RetryPolicy bounds go-job redelivery of failed runs.
type RetryPolicy struct {
	MaxAttempts     int
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

// NormalizeAttempt enforces bounded retry behavior for a nack operation.
func (p RetryPolicy) NormalizeAttempt(opts queue.NackOptions, attempt int) queue.NackOptions {
	out := opts
	out.Reason = strings.TrimSpace(out.Reason)
	if out.Delay < 0 {
		out.Delay = 0
	}
	if p.MaxDelay > 0 && out.Delay > p.MaxDelay {
		out.Delay = p.MaxDelay
	}
	if out.DeadLetter {
		out.Requeue = false
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		out.Requeue = false
		if p.DeadLetterOnMax || out.DeadLetter {
			out.DeadLetter = true
		}
	}
	if !out.Requeue && !out.DeadLetter {
		out.Requeue = true
	}
	return out
}

// Exclusive is the part of core.JobCoordinator the runner needs.
type Exclusive interface {
	RunExclusive(ctx context.Context, jobName string, workerID string, fn func(ctx context.Context, run *core.JobRun) error) error
}

// JobHandler runs one scheduled job while its lease is held.
type JobHandler func(ctx context.Context, run *core.JobRun, params map[string]any) error

// Runner executes go-job deliveries as singleton runs. The job id is the
// lock name, so two nodes consuming the same queue never run the same job
// concurrently; the loser is nacked with LockedDelay and retried later.
type Runner struct {
	jobs         Exclusive
	workerID     string
	policy       RetryPolicy
	lockedDelay  time.Duration
	failureDelay time.Duration
	logger       glog.Logger

	mu       sync.RWMutex
	handlers map[string]JobHandler
	attempts map[string]int
}

type RunnerOption func(*Runner)

func WithRetryPolicy(policy RetryPolicy) RunnerOption {
	return func(r *Runner) { r.policy = policy }
}

func WithLockedDelay(delay time.Duration) RunnerOption {
	return func(r *Runner) {
		if delay > 0 {
			r.lockedDelay = delay
		}
	}
}

func WithFailureDelay(delay time.Duration) RunnerOption {
	return func(r *Runner) {
		if delay > 0 {
			r.failureDelay = delay
		}
	}
}

func WithLogger(logger glog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = glog.Ensure(logger) }
}

// WithLoggerProvider logs through the provider's "dispatch.jobs" logger.
func WithLoggerProvider(provider glog.LoggerProvider) RunnerOption {
	return func(r *Runner) {
		if provider != nil {
			r.logger = gologger.Named(provider, "jobs")
		}
	}
}

func NewRunner(jobs Exclusive, workerID string, opts ...RunnerOption) *Runner {
	runner := &Runner{
		jobs:         jobs,
		workerID:     strings.TrimSpace(workerID),
		lockedDelay:  defaultLockedDelay,
		failureDelay: defaultFailureDelay,
		logger:       glog.Nop(),
		handlers:     map[string]JobHandler{},
		attempts:     map[string]int{},
	}
	if runner.workerID == "" {
		runner.workerID = core.DefaultWorkerID()
	}
	for _, opt := range opts {
		if opt != nil {
			opt(runner)
		}
	}
	return runner
}

// JobLogger bridges the runner's logger for go-job workers and schedulers.
func (r *Runner) JobLogger() job.Logger {
	return gologger.ToJobLogger(r.logger)
}

// WorkerHook returns a lifecycle hook logging through the runner's logger.
func (r *Runner) WorkerHook() *WorkerHook {
	return NewWorkerHook(r.logger)
}

func (r *Runner) Register(jobID string, handler JobHandler) error {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" || handler == nil {
		return fmt.Errorf("gojob: job id and handler are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[jobID]; exists {
		return fmt.Errorf("gojob: handler for %q already registered", jobID)
	}
	r.handlers[jobID] = handler
	return nil
}

// Handle runs one delivery and acks or nacks it. The returned error is the
// job's own failure; lock contention is not an error.
func (r *Runner) Handle(ctx context.Context, delivery queue.Delivery) error {
	if r == nil || r.jobs == nil {
		return fmt.Errorf("gojob: runner is not configured")
	}
	if delivery == nil {
		return fmt.Errorf("gojob: delivery is required")
	}
	msg := delivery.Message()
	if msg == nil || strings.TrimSpace(msg.JobID) == "" {
		return delivery.Nack(ctx, queue.NackOptions{DeadLetter: true, Reason: "missing job id"})
	}
	jobID := strings.TrimSpace(msg.JobID)

	r.mu.RLock()
	handler, ok := r.handlers[jobID]
	r.mu.RUnlock()
	if !ok {
		return delivery.Nack(ctx, queue.NackOptions{DeadLetter: true, Reason: "no handler for " + jobID})
	}

	params := copyAnyMap(msg.Parameters)
	err := r.jobs.RunExclusive(ctx, jobID, r.workerID, func(runCtx context.Context, run *core.JobRun) error {
		return handler(runCtx, run, params)
	})
	key := attemptKey(msg)
	switch {
	case err == nil:
		r.resetAttempts(key)
		return delivery.Ack(ctx)
	case errors.Is(err, core.ErrLockHeld):
		r.logger.Debug("scheduled job skipped, lock held elsewhere", "job_id", jobID, "worker_id", r.workerID)
		return delivery.Nack(ctx, queue.NackOptions{Delay: r.lockedDelay, Requeue: true, Reason: "job lock held"})
	}

	attempt := r.nextAttempt(key)
	r.logger.Error("scheduled job failed", "job_id", jobID, "worker_id", r.workerID, "attempt", attempt, "error", err.Error())
	opts := r.policy.NormalizeAttempt(queue.NackOptions{
		Delay:   r.failureDelay,
		Requeue: !core.IsNonRetryable(err),
		Reason:  err.Error(),
	}, attempt)
	if opts.DeadLetter || !opts.Requeue {
		r.resetAttempts(key)
	}
	if nackErr := delivery.Nack(ctx, opts); nackErr != nil {
		return errors.Join(err, nackErr)
	}
	return err
}

// Consume dequeues and handles deliveries until ctx is done.
func (r *Runner) Consume(ctx context.Context, dequeuer queue.Dequeuer) error {
	if dequeuer == nil {
		return fmt.Errorf("gojob: dequeuer is required")
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		delivery, err := dequeuer.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if delivery == nil {
			continue
		}
		_ = r.Handle(ctx, delivery)
	}
}

func (r *Runner) nextAttempt(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[key]++
	return r.attempts[key]
}

func (r *Runner) resetAttempts(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, key)
}

func attemptKey(msg *job.ExecutionMessage) string {
	if key := strings.TrimSpace(msg.IdempotencyKey); key != "" {
		return key
	}
	return strings.TrimSpace(msg.JobID)
}

// Schedule enqueues a run of jobID. The idempotency key lets go-job drop
// duplicate schedules of the same tick.
func Schedule(ctx context.Context, enqueuer queue.Enqueuer, jobID string, idempotencyKey string, params map[string]any) error {
	if enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return fmt.Errorf("gojob: job id is required")
	}
	msg := &job.ExecutionMessage{
		JobID:          jobID,
		ScriptPath:     jobID,
		Parameters:     copyAnyMap(params),
		IdempotencyKey: strings.TrimSpace(idempotencyKey),
	}
	if msg.IdempotencyKey != "" {
		msg.DedupPolicy = job.DeduplicationPolicy("drop")
	}
	return enqueuer.Enqueue(ctx, msg)
}

// WorkerHook logs go-job worker lifecycle events through glog.
type WorkerHook struct {
	logger glog.Logger
}

func NewWorkerHook(logger glog.Logger) *WorkerHook {
	return &WorkerHook{logger: glog.Ensure(logger)}
}

func (h *WorkerHook) OnStart(_ context.Context, event worker.Event) {
	h.logger.Debug("scheduled job started", eventFields(event)...)
}

func (h *WorkerHook) OnSuccess(_ context.Context, event worker.Event) {
	h.logger.Info("scheduled job succeeded", eventFields(event)...)
}

func (h *WorkerHook) OnFailure(_ context.Context, event worker.Event) {
	h.logger.Error("scheduled job failed", eventFields(event)...)
}

func (h *WorkerHook) OnRetry(_ context.Context, event worker.Event) {
	h.logger.Warn("scheduled job retrying", eventFields(event)...)
}

func eventFields(event worker.Event) []any {
	message := event.Message
	if message == nil && event.Delivery != nil {
		message = event.Delivery.Message()
	}
	fields := []any{"attempt", event.Attempt, "duration_ms", event.Duration.Milliseconds()}
	if message != nil {
		fields = append(fields, "job_id", message.JobID)
	}
	if event.Delay > 0 {
		fields = append(fields, "delay", event.Delay.String())
	}
	if event.Err != nil {
		fields = append(fields, "error", event.Err.Error())
	}
	return fields
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

var (
	_ worker.Hook = (*WorkerHook)(nil)
	_ Exclusive   = (*core.JobCoordinator)(nil)
)
