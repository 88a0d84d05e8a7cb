package sqlstore

import (
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
)

func domainEventHandlers() repository.ModelHandlers[*domainEventRecord] {
	return repository.ModelHandlers[*domainEventRecord]{
		NewRecord: func() *domainEventRecord {
			return &domainEventRecord{}
		},
		GetID: func(record *domainEventRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *domainEventRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record *domainEventRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

func dispatchQueueHandlers() repository.ModelHandlers[*dispatchQueueRecord] {
	return repository.ModelHandlers[*dispatchQueueRecord]{
		NewRecord: func() *dispatchQueueRecord {
			return &dispatchQueueRecord{}
		},
		GetID: func(record *dispatchQueueRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *dispatchQueueRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record *dispatchQueueRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

func webhookReceiptHandlers() repository.ModelHandlers[*webhookReceiptRecord] {
	return repository.ModelHandlers[*webhookReceiptRecord]{
		NewRecord: func() *webhookReceiptRecord {
			return &webhookReceiptRecord{}
		},
		GetID: func(record *webhookReceiptRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *webhookReceiptRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record *webhookReceiptRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

func jobStateHandlers() repository.ModelHandlers[*jobStateRecord] {
	return repository.ModelHandlers[*jobStateRecord]{
		NewRecord: func() *jobStateRecord {
			return &jobStateRecord{}
		},
		GetID: func(record *jobStateRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *jobStateRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "job_name"
		},
		GetIdentifierValue: func(record *jobStateRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.JobName)
		},
	}
}

func parseUUID(value string) uuid.UUID {
	parsed, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil
	}
	return parsed
}

// newID prefers time-ordered v7 ids so the lease tie-break on id follows
// insertion order.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
