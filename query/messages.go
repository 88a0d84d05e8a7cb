package query

import (
	"strings"
	"time"
)

const (
	TypeGetQueueEntry     = "dispatch.query.queue.entry"
	TypeQueueStats        = "dispatch.query.queue.stats"
	TypeGetEvent          = "dispatch.query.event.get"
	TypeGetReceipt        = "dispatch.query.intake.receipt"
	TypeListStuckReceipts = "dispatch.query.intake.stuck"
	TypeGetJobState       = "dispatch.query.job.state"
)

type GetQueueEntryMessage struct {
	EntryID string
}

func (GetQueueEntryMessage) Type() string { return TypeGetQueueEntry }

func (m GetQueueEntryMessage) Validate() error {
	if strings.TrimSpace(m.EntryID) == "" {
		return queryValidationError("entry_id", "entry id is required")
	}
	return nil
}

type QueueStatsMessage struct{}

func (QueueStatsMessage) Type() string { return TypeQueueStats }

type GetEventMessage struct {
	EventID string
}

func (GetEventMessage) Type() string { return TypeGetEvent }

func (m GetEventMessage) Validate() error {
	if strings.TrimSpace(m.EventID) == "" {
		return queryValidationError("event_id", "event id is required")
	}
	return nil
}

type GetReceiptMessage struct {
	ReceiptID string
}

func (GetReceiptMessage) Type() string { return TypeGetReceipt }

func (m GetReceiptMessage) Validate() error {
	if strings.TrimSpace(m.ReceiptID) == "" {
		return queryValidationError("receipt_id", "receipt id is required")
	}
	return nil
}

// ListStuckReceiptsMessage lists receipts still in received status. Zero
// values fall back to the intake stuck_after threshold and a limit of 100.
type ListStuckReceiptsMessage struct {
	OlderThan time.Duration
	Limit     int
}

func (ListStuckReceiptsMessage) Type() string { return TypeListStuckReceipts }

func (m ListStuckReceiptsMessage) Validate() error {
	if m.OlderThan < 0 {
		return queryValidationError("older_than", "older than cannot be negative")
	}
	if m.Limit < 0 {
		return queryValidationError("limit", "limit cannot be negative")
	}
	return nil
}

type GetJobStateMessage struct {
	JobName string
}

func (GetJobStateMessage) Type() string { return TypeGetJobState }

func (m GetJobStateMessage) Validate() error {
	if strings.TrimSpace(m.JobName) == "" {
		return queryValidationError("job_name", "job name is required")
	}
	return nil
}
