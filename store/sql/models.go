package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type domainEventRecord struct {
	bun.BaseModel `bun:"table:domain_events,alias:de"`

	ID         string         `bun:"id,pk"`
	EventType  string         `bun:"event_type,notnull"`
	Payload    map[string]any `bun:"payload,type:jsonb,notnull"`
	Metadata   map[string]any `bun:"metadata,type:jsonb,notnull"`
	OccurredAt time.Time      `bun:"occurred_at,notnull"`
	CreatedAt  time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type dispatchQueueRecord struct {
	bun.BaseModel `bun:"table:domain_event_dispatch_queue,alias:dq"`

	ID           string         `bun:"id,pk"`
	EventID      string         `bun:"event_id,notnull"`
	Status       string         `bun:"status,notnull"`
	Priority     int            `bun:"priority,notnull"`
	AvailableAt  time.Time      `bun:"available_at,notnull"`
	AttemptCount int            `bun:"attempt_count,notnull"`
	LockedAt     *time.Time     `bun:"locked_at,nullzero"`
	LockedBy     *string        `bun:"locked_by,nullzero"`
	DeliveredAt  *time.Time     `bun:"delivered_at,nullzero"`
	LastError    string         `bun:"last_error,notnull"`
	Metadata     map[string]any `bun:"metadata,type:jsonb,notnull"`
	CreatedAt    time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt    time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type webhookReceiptRecord struct {
	bun.BaseModel `bun:"table:integration_webhook_receipts,alias:iwr"`

	ID              string         `bun:"id,pk"`
	Provider        string         `bun:"provider,notnull"`
	ExternalEventID string         `bun:"external_event_id,notnull"`
	Signature       *string        `bun:"signature,nullzero"`
	PayloadHash     string         `bun:"payload_hash,notnull"`
	Metadata        map[string]any `bun:"metadata,type:jsonb,notnull"`
	Status          string         `bun:"status,notnull"`
	ErrorMessage    string         `bun:"error_message,notnull"`
	ReceivedAt      time.Time      `bun:"received_at,notnull"`
	ProcessedAt     *time.Time     `bun:"processed_at,nullzero"`
}

type jobStateRecord struct {
	bun.BaseModel `bun:"table:job_states,alias:js"`

	ID        string         `bun:"id,pk"`
	JobName   string         `bun:"job_name,notnull"`
	State     jsonDocument   `bun:"state,type:jsonb,notnull"`
	Checksum  string         `bun:"checksum,notnull"`
	LockedAt  *time.Time     `bun:"locked_at,nullzero"`
	LockedBy  *string        `bun:"locked_by,nullzero"`
	CreatedAt time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}
