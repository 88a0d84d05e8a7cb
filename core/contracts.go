package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

type EventStore interface {
	GetEvent(ctx context.Context, id string) (DomainEvent, error)
	EventExists(ctx context.Context, id string) (bool, error)
}

// QueueStore persists dispatch queue rows. Every lock-sensitive mutation is
// a single conditional update scoped by the current lease holder.
type QueueStore interface {
	Publish(ctx context.Context, event DomainEvent, opts EnqueueOptions) (PublishResult, error)
	Enqueue(ctx context.Context, in EnqueueInput) (QueueEntry, error)
	LeaseBatch(ctx context.Context, req LeaseRequest) ([]QueueEntry, error)
	MarkDelivered(ctx context.Context, entryID string, workerID string, now time.Time) (QueueEntry, error)
	MarkFailure(ctx context.Context, entryID string, workerID string, now time.Time, policy FailurePolicy) (QueueEntry, error)
	ReapExpired(ctx context.Context, req ReapRequest, policy FailurePolicy) (ReapResult, error)
	Requeue(ctx context.Context, entryID string, now time.Time) (QueueEntry, error)
	Get(ctx context.Context, entryID string) (QueueEntry, error)
	Stats(ctx context.Context) (QueueStats, error)
}

type ReceiptStore interface {
	// Insert returns created=false and the existing row when the
	// (provider, external_event_id) pair is already present.
	Insert(ctx context.Context, receipt WebhookReceipt) (WebhookReceipt, bool, error)
	Get(ctx context.Context, id string) (WebhookReceipt, error)
	FindByExternalID(ctx context.Context, provider string, externalEventID string) (WebhookReceipt, error)
	MarkProcessed(ctx context.Context, id string, outcome ProcessingOutcome, now time.Time) (WebhookReceipt, error)
	ListStuck(ctx context.Context, receivedBefore time.Time, limit int) ([]WebhookReceipt, error)
}

type JobStateStore interface {
	Acquire(ctx context.Context, req AcquireRequest) (JobState, error)
	Heartbeat(ctx context.Context, jobName string, workerID string, now time.Time) (JobState, error)
	Get(ctx context.Context, jobName string) (JobState, error)
	SaveState(ctx context.Context, jobName string, workerID string, state map[string]any, checksum string, now time.Time) (JobState, error)
	Release(ctx context.Context, jobName string, workerID string, now time.Time) error
}

// Transport delivers one leased event to its destination.
type Transport interface {
	Deliver(ctx context.Context, delivery Delivery) error
}

type TransportFunc func(ctx context.Context, delivery Delivery) error

func (fn TransportFunc) Deliver(ctx context.Context, delivery Delivery) error {
	return fn(ctx, delivery)
}

type SignatureVerifier interface {
	Verify(ctx context.Context, provider string, signature string, payload []byte) (bool, error)
}

type BackoffPolicy interface {
	Delay(attempt int) time.Duration
}
