package core

import (
	"strings"
	"time"
)

type EntryStatus string

const (
	EntryStatusPending    EntryStatus = "pending"
	EntryStatusProcessing EntryStatus = "processing"
	EntryStatusDelivered  EntryStatus = "delivered"
	EntryStatusFailed     EntryStatus = "failed"
)

func (s EntryStatus) IsTerminal() bool {
	return s == EntryStatusDelivered || s == EntryStatusFailed
}

func (s EntryStatus) IsValid() bool {
	switch s {
	case EntryStatusPending, EntryStatusProcessing, EntryStatusDelivered, EntryStatusFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the queue state machine allows from -> next.
func (s EntryStatus) CanTransitionTo(next EntryStatus) bool {
	switch s {
	case EntryStatusPending:
		return next == EntryStatusProcessing
	case EntryStatusProcessing:
		return next == EntryStatusDelivered || next == EntryStatusPending || next == EntryStatusFailed
	case EntryStatusFailed:
		// operator replay only
		return next == EntryStatusPending
	default:
		return false
	}
}

type ReceiptStatus string

const (
	ReceiptStatusReceived  ReceiptStatus = "received"
	ReceiptStatusProcessed ReceiptStatus = "processed"
	ReceiptStatusFailed    ReceiptStatus = "failed"
)

// DomainEvent is an immutable state change recorded by a producer.
type DomainEvent struct {
	ID         string
	Type       string
	Payload    map[string]any
	Metadata   map[string]any
	OccurredAt time.Time
	CreatedAt  time.Time
}

type QueueEntry struct {
	ID           string
	EventID      string
	Status       EntryStatus
	Priority     int
	AvailableAt  time.Time
	AttemptCount int
	LockedAt     *time.Time
	LockedBy     string
	DeliveredAt  *time.Time
	LastError    string
	Metadata     map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type EnqueueInput struct {
	EventID     string
	Priority    int
	AvailableAt time.Time
	Metadata    map[string]any
}

type EnqueueOptions struct {
	Priority    int
	AvailableAt time.Time
	Metadata    map[string]any
}

// PublishResult pairs the stored event with the queue row written in the
// same transaction.
type PublishResult struct {
	Event DomainEvent
	Entry QueueEntry
}

type LeaseRequest struct {
	WorkerID string
	Limit    int
	Now      time.Time
}

// FailureReport carries a delivery failure back to the queue. NonRetryable
// short-circuits retries and moves the row to failed immediately.
type FailureReport struct {
	EntryID      string
	WorkerID     string
	Err          error
	NonRetryable bool
	Now          time.Time
}

// FailureTransition is the store-level instruction computed by the queue
// policy once the attempt count is known.
type FailureTransition struct {
	Status      EntryStatus
	AvailableAt time.Time
	LastError   string
}

type FailurePolicy func(attemptCount int) FailureTransition

type ReapRequest struct {
	LeaseTimeout time.Duration
	Now          time.Time
	Limit        int
}

type ReapResult struct {
	Requeued []QueueEntry
	Failed   []QueueEntry
}

func (r ReapResult) Total() int {
	return len(r.Requeued) + len(r.Failed)
}

type QueueStats struct {
	Pending    int
	Processing int
	Delivered  int
	Failed     int
}

// Delivery is what a transport receives for one leased row.
type Delivery struct {
	Entry QueueEntry
	Event DomainEvent
}

type WebhookReceipt struct {
	ID              string
	Provider        string
	ExternalEventID string
	Signature       *string
	PayloadHash     string
	Metadata        map[string]any
	Status          ReceiptStatus
	ErrorMessage    string
	ReceivedAt      time.Time
	ProcessedAt     *time.Time
}

type AdmitRequest struct {
	Provider        string
	ExternalEventID string
	Signature       string
	Payload         []byte
	PayloadHash     string
	Metadata        map[string]any
}

type AdmitOutcome string

const (
	AdmitAccepted          AdmitOutcome = "accepted"
	AdmitAlreadyReceived   AdmitOutcome = "already_received"
	AdmitRejectedSignature AdmitOutcome = "rejected_signature"
)

type AdmitResult struct {
	Outcome   AdmitOutcome
	Receipt   WebhookReceipt
	HashDrift bool
}

func (r AdmitResult) ShouldProcess() bool {
	return r.Outcome == AdmitAccepted
}

type ProcessingOutcome struct {
	Failed bool
	Error  string
}

type JobState struct {
	ID        string
	JobName   string
	State     map[string]any
	Checksum  string
	LockedAt  *time.Time
	LockedBy  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LeaseExpired reports whether the lease is free to claim at now.
func (s JobState) LeaseExpired(now time.Time, leaseTimeout time.Duration) bool {
	if strings.TrimSpace(s.LockedBy) == "" || s.LockedAt == nil {
		return true
	}
	return s.LockedAt.Before(now.Add(-leaseTimeout))
}

type AcquireRequest struct {
	JobName      string
	WorkerID     string
	LeaseTimeout time.Duration
	Now          time.Time
}

// JobLease is a held lease plus the state snapshot the holder resumes from.
type JobLease struct {
	JobName  string
	WorkerID string
	LockedAt time.Time
	State    map[string]any
	Checksum string
}
