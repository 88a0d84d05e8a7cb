package core

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"time"
	"unicode/utf8"
)

const lastErrorLeaseExpired = "lease expired"

const maxLastErrorLength = 2048

type DispatchQueueConfig struct {
	MaxAttempts  int
	LeaseTimeout time.Duration
	BatchSize    int
}

// DispatchQueue applies the retry policy on top of a QueueStore. All row
// ownership checks happen in the store as conditional updates.
type DispatchQueue struct {
	store   QueueStore
	events  EventStore
	backoff BackoffPolicy
	config  DispatchQueueConfig
	now     func() time.Time
	instrumentation
}

type DispatchQueueOption func(*DispatchQueue)

func WithQueueClock(now func() time.Time) DispatchQueueOption {
	return func(q *DispatchQueue) {
		if now != nil {
			q.now = now
		}
	}
}

func WithQueueBackoff(policy BackoffPolicy) DispatchQueueOption {
	return func(q *DispatchQueue) {
		if policy != nil {
			q.backoff = policy
		}
	}
}

func WithQueueEventStore(events EventStore) DispatchQueueOption {
	return func(q *DispatchQueue) {
		q.events = events
	}
}

func WithQueueObservability(logger Logger, metrics MetricsRecorder) DispatchQueueOption {
	return func(q *DispatchQueue) {
		q.instrumentation = newInstrumentation(logger, metrics)
	}
}

func NewDispatchQueue(store QueueStore, config DispatchQueueConfig, opts ...DispatchQueueOption) (*DispatchQueue, error) {
	if store == nil {
		return nil, ValidationError("core: queue store is required", nil)
	}
	defaults := DefaultConfig().Dispatch
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.LeaseTimeout <= 0 {
		config.LeaseTimeout = defaults.LeaseTimeout
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	q := &DispatchQueue{
		store:           store,
		backoff:         NewExponentialJitterBackoff(defaults.BackoffBase, defaults.BackoffMax),
		config:          config,
		now:             func() time.Time { return time.Now().UTC() },
		instrumentation: newInstrumentation(nil, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q, nil
}

func (q *DispatchQueue) Config() DispatchQueueConfig {
	if q == nil {
		return DispatchQueueConfig{}
	}
	return q.config
}

// Enqueue creates a pending row for an existing event.
func (q *DispatchQueue) Enqueue(ctx context.Context, in EnqueueInput) (entry QueueEntry, err error) {
	startedAt := time.Now()
	defer func() {
		q.observeOperation(ctx, startedAt, "enqueue", err, map[string]any{
			"event_id": in.EventID,
			"entry_id": entry.ID,
			"priority": in.Priority,
		})
	}()

	in.EventID = strings.TrimSpace(in.EventID)
	if in.EventID == "" {
		return QueueEntry{}, ValidationError("core: event id is required", nil)
	}
	if q.events != nil {
		exists, existsErr := q.events.EventExists(ctx, in.EventID)
		if existsErr != nil {
			return QueueEntry{}, existsErr
		}
		if !exists {
			return QueueEntry{}, ValidationError("core: event does not exist", map[string]any{"event_id": in.EventID})
		}
	}
	if in.AvailableAt.IsZero() {
		in.AvailableAt = q.now()
	}
	return q.store.Enqueue(ctx, in)
}

// Publish stores event and its queue row in one transaction.
func (q *DispatchQueue) Publish(ctx context.Context, event DomainEvent, opts EnqueueOptions) (result PublishResult, err error) {
	startedAt := time.Now()
	defer func() {
		q.observeOperation(ctx, startedAt, "publish", err, map[string]any{
			"event_id":   result.Event.ID,
			"event_type": event.Type,
			"entry_id":   result.Entry.ID,
		})
	}()

	event.Type = strings.TrimSpace(event.Type)
	if event.Type == "" {
		return PublishResult{}, ValidationError("core: event type is required", nil)
	}
	now := q.now()
	if event.OccurredAt.IsZero() {
		event.OccurredAt = now
	}
	if opts.AvailableAt.IsZero() {
		opts.AvailableAt = now
	}
	return q.store.Publish(ctx, event, opts)
}

// LeaseBatch claims up to limit eligible rows for workerID. It returns an
// empty slice when nothing is eligible and never waits for rows.
func (q *DispatchQueue) LeaseBatch(ctx context.Context, workerID string, limit int, now time.Time) (entries []QueueEntry, err error) {
	startedAt := time.Now()
	defer func() {
		if err != nil || len(entries) > 0 {
			q.observeOperation(ctx, startedAt, "lease_batch", err, map[string]any{
				"worker_id": workerID,
				"limit":     limit,
				"leased":    len(entries),
			})
		}
	}()

	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, ValidationError("core: worker id is required", nil)
	}
	if limit <= 0 {
		return []QueueEntry{}, nil
	}
	if now.IsZero() {
		now = q.now()
	}
	entries, err = q.store.LeaseBatch(ctx, LeaseRequest{WorkerID: workerID, Limit: limit, Now: now})
	if err != nil {
		return nil, err
	}
	SortForLeasing(entries)
	return entries, nil
}

// ReportSuccess marks entryID delivered if workerID still holds the lease.
func (q *DispatchQueue) ReportSuccess(ctx context.Context, entryID string, workerID string) (entry QueueEntry, err error) {
	startedAt := time.Now()
	defer func() {
		q.observeOperation(ctx, startedAt, "report_success", err, map[string]any{
			"entry_id":  entryID,
			"worker_id": workerID,
		})
	}()

	entryID, workerID = strings.TrimSpace(entryID), strings.TrimSpace(workerID)
	if entryID == "" || workerID == "" {
		return QueueEntry{}, ValidationError("core: entry id and worker id are required", nil)
	}
	return q.store.MarkDelivered(ctx, entryID, workerID, q.now())
}

// ReportFailure records a failed delivery attempt. The row returns to pending
// with a backoff delay while attempts remain, otherwise it becomes failed.
func (q *DispatchQueue) ReportFailure(ctx context.Context, report FailureReport) (entry QueueEntry, err error) {
	startedAt := time.Now()
	nonRetryable := report.NonRetryable || IsNonRetryable(report.Err)
	defer func() {
		fields := map[string]any{
			"entry_id":      report.EntryID,
			"worker_id":     report.WorkerID,
			"attempt_count": entry.AttemptCount,
			"entry_status":  string(entry.Status),
		}
		q.observeOperation(ctx, startedAt, "report_failure", err, fields)
		if err == nil && entry.Status == EntryStatusFailed {
			fields["last_error"] = entry.LastError
			q.logError(ctx, "dispatch entry failed permanently", fields)
			reason := "max_attempts"
			if nonRetryable {
				reason = "non_retryable"
			}
			q.recordCounter(ctx, "dispatch.entry.dead_lettered", 1, map[string]string{"reason": reason})
		}
	}()

	report.EntryID = strings.TrimSpace(report.EntryID)
	report.WorkerID = strings.TrimSpace(report.WorkerID)
	if report.EntryID == "" || report.WorkerID == "" {
		return QueueEntry{}, ValidationError("core: entry id and worker id are required", nil)
	}
	now := report.Now
	if now.IsZero() {
		now = q.now()
	}
	lastError := failureMessage(report.Err)
	return q.store.MarkFailure(ctx, report.EntryID, report.WorkerID, now, q.failurePolicy(now, lastError, nonRetryable))
}

// ReapExpiredLeases returns processing rows whose lease is older than
// leaseTimeout to pending. Rows that exhaust max attempts become failed.
func (q *DispatchQueue) ReapExpiredLeases(ctx context.Context, leaseTimeout time.Duration, now time.Time) (result ReapResult, err error) {
	startedAt := time.Now()
	defer func() {
		if err != nil || result.Total() > 0 {
			q.observeOperation(ctx, startedAt, "reap_expired_leases", err, map[string]any{
				"requeued": len(result.Requeued),
				"failed":   len(result.Failed),
			})
		}
	}()

	if leaseTimeout <= 0 {
		leaseTimeout = q.config.LeaseTimeout
	}
	if now.IsZero() {
		now = q.now()
	}
	return q.store.ReapExpired(ctx, ReapRequest{
		LeaseTimeout: leaseTimeout,
		Now:          now,
	}, q.failurePolicy(now, lastErrorLeaseExpired, false))
}

// RequeueFailed moves a failed row back to pending with a fresh attempt budget.
func (q *DispatchQueue) RequeueFailed(ctx context.Context, entryID string) (entry QueueEntry, err error) {
	startedAt := time.Now()
	defer func() {
		q.observeOperation(ctx, startedAt, "requeue_failed", err, map[string]any{"entry_id": entryID})
	}()

	entryID = strings.TrimSpace(entryID)
	if entryID == "" {
		return QueueEntry{}, ValidationError("core: entry id is required", nil)
	}
	return q.store.Requeue(ctx, entryID, q.now())
}

func (q *DispatchQueue) Get(ctx context.Context, entryID string) (QueueEntry, error) {
	entryID = strings.TrimSpace(entryID)
	if entryID == "" {
		return QueueEntry{}, ValidationError("core: entry id is required", nil)
	}
	return q.store.Get(ctx, entryID)
}

func (q *DispatchQueue) Stats(ctx context.Context) (QueueStats, error) {
	return q.store.Stats(ctx)
}

// Event loads the domain event for a leased entry.
func (q *DispatchQueue) Event(ctx context.Context, eventID string) (DomainEvent, error) {
	if q.events == nil {
		return DomainEvent{ID: eventID}, nil
	}
	return q.events.GetEvent(ctx, eventID)
}

// failurePolicy is evaluated by the store after it has incremented the
// attempt count under the lease check.
func (q *DispatchQueue) failurePolicy(now time.Time, lastError string, nonRetryable bool) FailurePolicy {
	maxAttempts := q.config.MaxAttempts
	return func(attemptCount int) FailureTransition {
		if nonRetryable || attemptCount >= maxAttempts {
			return FailureTransition{
				Status:      EntryStatusFailed,
				AvailableAt: now,
				LastError:   lastError,
			}
		}
		return FailureTransition{
			Status:      EntryStatusPending,
			AvailableAt: now.Add(q.backoff.Delay(attemptCount)),
			LastError:   lastError,
		}
	}
}

// SortForLeasing orders entries by priority desc, available_at asc, id asc.
func SortForLeasing(entries []QueueEntry) {
	slices.SortFunc(entries, func(a, b QueueEntry) int {
		if a.Priority != b.Priority {
			return cmp.Compare(b.Priority, a.Priority)
		}
		if c := a.AvailableAt.Compare(b.AvailableAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

func failureMessage(err error) string {
	if err == nil {
		return "delivery failed"
	}
	message := strings.TrimSpace(err.Error())
	if message == "" {
		message = "delivery failed"
	}
	if len(message) > maxLastErrorLength {
		message = message[:maxLastErrorLength]
		// drop a multi-byte rune cut in half
		for !utf8.ValidString(message) {
			message = message[:len(message)-1]
		}
	}
	return message
}
