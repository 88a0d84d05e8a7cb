package sqlstore

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/goliatone/go-dispatch/core"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

func toDomainEvent(record *domainEventRecord) core.DomainEvent {
	if record == nil {
		return core.DomainEvent{}
	}
	return core.DomainEvent{
		ID:         record.ID,
		Type:       record.EventType,
		Payload:    copyAnyMap(record.Payload),
		Metadata:   copyAnyMap(record.Metadata),
		OccurredAt: record.OccurredAt.UTC(),
		CreatedAt:  record.CreatedAt.UTC(),
	}
}

func toQueueEntry(record *dispatchQueueRecord) core.QueueEntry {
	if record == nil {
		return core.QueueEntry{}
	}
	return core.QueueEntry{
		ID:           record.ID,
		EventID:      record.EventID,
		Status:       core.EntryStatus(record.Status),
		Priority:     record.Priority,
		AvailableAt:  record.AvailableAt.UTC(),
		AttemptCount: record.AttemptCount,
		LockedAt:     cloneTimePointer(record.LockedAt),
		LockedBy:     derefString(record.LockedBy),
		DeliveredAt:  cloneTimePointer(record.DeliveredAt),
		LastError:    record.LastError,
		Metadata:     copyAnyMap(record.Metadata),
		CreatedAt:    record.CreatedAt.UTC(),
		UpdatedAt:    record.UpdatedAt.UTC(),
	}
}

func toQueueEntries(records []dispatchQueueRecord) []core.QueueEntry {
	out := make([]core.QueueEntry, 0, len(records))
	for i := range records {
		out = append(out, toQueueEntry(&records[i]))
	}
	return out
}

func toWebhookReceipt(record *webhookReceiptRecord) core.WebhookReceipt {
	if record == nil {
		return core.WebhookReceipt{}
	}
	receipt := core.WebhookReceipt{
		ID:              record.ID,
		Provider:        record.Provider,
		ExternalEventID: record.ExternalEventID,
		PayloadHash:     record.PayloadHash,
		Metadata:        copyAnyMap(record.Metadata),
		Status:          core.ReceiptStatus(record.Status),
		ErrorMessage:    record.ErrorMessage,
		ReceivedAt:      record.ReceivedAt.UTC(),
		ProcessedAt:     cloneTimePointer(record.ProcessedAt),
	}
	if record.Signature != nil {
		signature := *record.Signature
		receipt.Signature = &signature
	}
	return receipt
}

func toJobState(record *jobStateRecord) core.JobState {
	if record == nil {
		return core.JobState{}
	}
	return core.JobState{
		ID:        record.ID,
		JobName:   record.JobName,
		State:     copyAnyMap(record.State),
		Checksum:  record.Checksum,
		LockedAt:  cloneTimePointer(record.LockedAt),
		LockedBy:  derefString(record.LockedBy),
		CreatedAt: record.CreatedAt.UTC(),
		UpdatedAt: record.UpdatedAt.UTC(),
	}
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

func cloneTimePointer(input *time.Time) *time.Time {
	if input == nil || input.IsZero() {
		return nil
	}
	value := input.UTC()
	return &value
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func stringPointer(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func utcOrNow(value time.Time) time.Time {
	if value.IsZero() {
		return time.Now().UTC()
	}
	return value.UTC()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// skipLocked returns the row-lock clause appended to lease subqueries.
// SQLite serializes writers so the clause is postgres only.
func skipLocked(db bun.IDB) string {
	if db.Dialect().Name() == dialect.PG {
		return "FOR UPDATE SKIP LOCKED"
	}
	return ""
}
