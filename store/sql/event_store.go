package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-dispatch/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

type EventStore struct {
	db   *bun.DB
	repo repository.Repository[*domainEventRecord]
}

func NewEventStore(db *bun.DB) (*EventStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*domainEventRecord](db, domainEventHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid domain event repository wiring: %w", err)
		}
	}
	return &EventStore{db: db, repo: repo}, nil
}

func (s *EventStore) GetEvent(ctx context.Context, id string) (core.DomainEvent, error) {
	if s == nil || s.db == nil {
		return core.DomainEvent{}, fmt.Errorf("sqlstore: event store is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return core.DomainEvent{}, core.ValidationError("event id is required", nil)
	}
	record := &domainEventRecord{}
	err := s.db.NewSelect().Model(record).Where("id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return core.DomainEvent{}, core.NotFoundError("event", id)
		}
		return core.DomainEvent{}, err
	}
	return toDomainEvent(record), nil
}

func (s *EventStore) EventExists(ctx context.Context, id string) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: event store is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return false, nil
	}
	return s.db.NewSelect().Model((*domainEventRecord)(nil)).Where("id = ?", id).Exists(ctx)
}

// Insert records an event without queueing it. Publish on the queue store
// is the transactional path.
func (s *EventStore) Insert(ctx context.Context, event core.DomainEvent) (core.DomainEvent, error) {
	if s == nil || s.repo == nil {
		return core.DomainEvent{}, fmt.Errorf("sqlstore: event store is not configured")
	}
	record, err := newDomainEventRecord(event)
	if err != nil {
		return core.DomainEvent{}, err
	}
	created, err := s.repo.Create(ctx, record)
	if err != nil {
		return core.DomainEvent{}, err
	}
	return toDomainEvent(created), nil
}

func newDomainEventRecord(event core.DomainEvent) (*domainEventRecord, error) {
	eventType := strings.TrimSpace(event.Type)
	if eventType == "" {
		return nil, core.ValidationError("event type is required", nil)
	}
	id := strings.TrimSpace(event.ID)
	if id == "" {
		id = newID()
	}
	now := utcOrNow(event.CreatedAt)
	occurredAt := event.OccurredAt.UTC()
	if event.OccurredAt.IsZero() {
		occurredAt = now
	}
	return &domainEventRecord{
		ID:         id,
		EventType:  eventType,
		Payload:    copyAnyMap(event.Payload),
		Metadata:   copyAnyMap(event.Metadata),
		OccurredAt: occurredAt,
		CreatedAt:  now,
	}, nil
}
