package query

import (
	"context"
	"time"

	"github.com/goliatone/go-dispatch/core"
)

type QueueReader interface {
	Get(ctx context.Context, entryID string) (core.QueueEntry, error)
	Stats(ctx context.Context) (core.QueueStats, error)
	Event(ctx context.Context, eventID string) (core.DomainEvent, error)
}

type ReceiptReader interface {
	Get(ctx context.Context, receiptID string) (core.WebhookReceipt, error)
	ListStuck(ctx context.Context, olderThan time.Duration, limit int) ([]core.WebhookReceipt, error)
}

type JobReader interface {
	Get(ctx context.Context, jobName string) (core.JobState, error)
}

type GetQueueEntryQuery struct {
	reader QueueReader
}

func NewGetQueueEntryQuery(reader QueueReader) *GetQueueEntryQuery {
	return &GetQueueEntryQuery{reader: reader}
}

func (q *GetQueueEntryQuery) Query(ctx context.Context, msg GetQueueEntryMessage) (core.QueueEntry, error) {
	if q == nil || q.reader == nil {
		return core.QueueEntry{}, queryDependencyError("query: queue reader is required")
	}
	return q.reader.Get(ctx, msg.EntryID)
}

type QueueStatsQuery struct {
	reader QueueReader
}

func NewQueueStatsQuery(reader QueueReader) *QueueStatsQuery {
	return &QueueStatsQuery{reader: reader}
}

func (q *QueueStatsQuery) Query(ctx context.Context, _ QueueStatsMessage) (core.QueueStats, error) {
	if q == nil || q.reader == nil {
		return core.QueueStats{}, queryDependencyError("query: queue reader is required")
	}
	return q.reader.Stats(ctx)
}

type GetEventQuery struct {
	reader QueueReader
}

func NewGetEventQuery(reader QueueReader) *GetEventQuery {
	return &GetEventQuery{reader: reader}
}

func (q *GetEventQuery) Query(ctx context.Context, msg GetEventMessage) (core.DomainEvent, error) {
	if q == nil || q.reader == nil {
		return core.DomainEvent{}, queryDependencyError("query: queue reader is required")
	}
	return q.reader.Event(ctx, msg.EventID)
}

type GetReceiptQuery struct {
	reader ReceiptReader
}

func NewGetReceiptQuery(reader ReceiptReader) *GetReceiptQuery {
	return &GetReceiptQuery{reader: reader}
}

func (q *GetReceiptQuery) Query(ctx context.Context, msg GetReceiptMessage) (core.WebhookReceipt, error) {
	if q == nil || q.reader == nil {
		return core.WebhookReceipt{}, queryDependencyError("query: receipt reader is required")
	}
	return q.reader.Get(ctx, msg.ReceiptID)
}

type ListStuckReceiptsQuery struct {
	reader ReceiptReader
}

func NewListStuckReceiptsQuery(reader ReceiptReader) *ListStuckReceiptsQuery {
	return &ListStuckReceiptsQuery{reader: reader}
}

func (q *ListStuckReceiptsQuery) Query(
	ctx context.Context,
	msg ListStuckReceiptsMessage,
) ([]core.WebhookReceipt, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: receipt reader is required")
	}
	return q.reader.ListStuck(ctx, msg.OlderThan, msg.Limit)
}

type GetJobStateQuery struct {
	reader JobReader
}

func NewGetJobStateQuery(reader JobReader) *GetJobStateQuery {
	return &GetJobStateQuery{reader: reader}
}

func (q *GetJobStateQuery) Query(ctx context.Context, msg GetJobStateMessage) (core.JobState, error) {
	if q == nil || q.reader == nil {
		return core.JobState{}, queryDependencyError("query: job reader is required")
	}
	return q.reader.Get(ctx, msg.JobName)
}
