package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-dispatch/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

const defaultReapLimit = 500

const dispatchQueueColumns = `
	id,
	event_id,
	status,
	priority,
	available_at,
	attempt_count,
	locked_at,
	locked_by,
	delivered_at,
	last_error,
	metadata,
	created_at,
	updated_at
`

type DispatchQueueStore struct {
	db        *bun.DB
	repo      repository.Repository[*dispatchQueueRecord]
	eventRepo repository.Repository[*domainEventRecord]
}

func NewDispatchQueueStore(db *bun.DB) (*DispatchQueueStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*dispatchQueueRecord](db, dispatchQueueHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid dispatch queue repository wiring: %w", err)
		}
	}
	eventRepo := repository.NewRepository[*domainEventRecord](db, domainEventHandlers())
	if validator, ok := eventRepo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid domain event repository wiring: %w", err)
		}
	}
	return &DispatchQueueStore{db: db, repo: repo, eventRepo: eventRepo}, nil
}

// Publish writes the event and its first queue row in one transaction.
func (s *DispatchQueueStore) Publish(ctx context.Context, event core.DomainEvent, opts core.EnqueueOptions) (core.PublishResult, error) {
	if s == nil || s.db == nil {
		return core.PublishResult{}, fmt.Errorf("sqlstore: dispatch queue store is not configured")
	}
	eventRecord, err := newDomainEventRecord(event)
	if err != nil {
		return core.PublishResult{}, err
	}
	var result core.PublishResult
	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		insertedEvent, createErr := s.eventRepo.CreateTx(ctx, tx, eventRecord)
		if createErr != nil {
			return createErr
		}
		entryRecord := newDispatchQueueRecord(core.EnqueueInput{
			EventID:     insertedEvent.ID,
			Priority:    opts.Priority,
			AvailableAt: opts.AvailableAt,
			Metadata:    opts.Metadata,
		}, insertedEvent.CreatedAt)
		insertedEntry, createErr := s.repo.CreateTx(ctx, tx, entryRecord)
		if createErr != nil {
			return createErr
		}
		result = core.PublishResult{
			Event: toDomainEvent(insertedEvent),
			Entry: toQueueEntry(insertedEntry),
		}
		return nil
	})
	if err != nil {
		return core.PublishResult{}, err
	}
	return result, nil
}

func (s *DispatchQueueStore) Enqueue(ctx context.Context, in core.EnqueueInput) (core.QueueEntry, error) {
	if s == nil || s.repo == nil {
		return core.QueueEntry{}, fmt.Errorf("sqlstore: dispatch queue store is not configured")
	}
	if strings.TrimSpace(in.EventID) == "" {
		return core.QueueEntry{}, core.ValidationError("event id is required", nil)
	}
	created, err := s.repo.Create(ctx, newDispatchQueueRecord(in, time.Now().UTC()))
	if err != nil {
		return core.QueueEntry{}, err
	}
	return toQueueEntry(created), nil
}

// LeaseBatch flips up to Limit eligible pending rows to processing for one
// worker. Postgres skips rows locked by concurrent leasers; the outer status
// guard keeps the update a compare-and-set on both dialects.
func (s *DispatchQueueStore) LeaseBatch(ctx context.Context, req core.LeaseRequest) ([]core.QueueEntry, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: dispatch queue store is not configured")
	}
	workerID := strings.TrimSpace(req.WorkerID)
	if workerID == "" {
		return nil, core.ValidationError("worker id is required", nil)
	}
	if req.Limit <= 0 {
		return []core.QueueEntry{}, nil
	}
	now := utcOrNow(req.Now)

	var records []dispatchQueueRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		query := `
UPDATE domain_event_dispatch_queue
SET status = ?, locked_by = ?, locked_at = ?, updated_at = ?
WHERE id IN (
	SELECT id
	FROM domain_event_dispatch_queue
	WHERE status = ?
	  AND available_at <= ?
	ORDER BY priority DESC, available_at ASC, id ASC
	LIMIT ?
	` + skipLocked(tx) + `
)
  AND status = ?
RETURNING` + dispatchQueueColumns
		return tx.NewRaw(
			query,
			string(core.EntryStatusProcessing),
			workerID,
			now,
			now,
			string(core.EntryStatusPending),
			now,
			req.Limit,
			string(core.EntryStatusPending),
		).Scan(ctx, &records)
	})
	if err != nil {
		return nil, err
	}
	entries := toQueueEntries(records)
	core.SortForLeasing(entries)
	return entries, nil
}

func (s *DispatchQueueStore) MarkDelivered(ctx context.Context, entryID string, workerID string, now time.Time) (core.QueueEntry, error) {
	if s == nil || s.db == nil {
		return core.QueueEntry{}, fmt.Errorf("sqlstore: dispatch queue store is not configured")
	}
	entryID = strings.TrimSpace(entryID)
	workerID = strings.TrimSpace(workerID)
	now = utcOrNow(now)

	var records []dispatchQueueRecord
	query := `
UPDATE domain_event_dispatch_queue
SET status = ?, delivered_at = ?, locked_by = NULL, locked_at = NULL, last_error = '', updated_at = ?
WHERE id = ?
  AND status = ?
  AND locked_by = ?
RETURNING` + dispatchQueueColumns
	err := s.db.NewRaw(
		query,
		string(core.EntryStatusDelivered),
		now,
		now,
		entryID,
		string(core.EntryStatusProcessing),
		workerID,
	).Scan(ctx, &records)
	if err != nil && !isNoRows(err) {
		return core.QueueEntry{}, err
	}
	if len(records) == 0 {
		return core.QueueEntry{}, core.StaleLeaseError(entryID, workerID)
	}
	return toQueueEntry(&records[0]), nil
}

// MarkFailure bumps the attempt count under the lease guard and then applies
// the transition the policy computes from the new count.
func (s *DispatchQueueStore) MarkFailure(
	ctx context.Context,
	entryID string,
	workerID string,
	now time.Time,
	policy core.FailurePolicy,
) (core.QueueEntry, error) {
	if s == nil || s.db == nil {
		return core.QueueEntry{}, fmt.Errorf("sqlstore: dispatch queue store is not configured")
	}
	if policy == nil {
		return core.QueueEntry{}, fmt.Errorf("sqlstore: failure policy is required")
	}
	entryID = strings.TrimSpace(entryID)
	workerID = strings.TrimSpace(workerID)
	now = utcOrNow(now)

	var updated core.QueueEntry
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var attempts []int
		err := tx.NewRaw(`
UPDATE domain_event_dispatch_queue
SET attempt_count = attempt_count + 1, updated_at = ?
WHERE id = ?
  AND status = ?
  AND locked_by = ?
RETURNING attempt_count
`,
			now,
			entryID,
			string(core.EntryStatusProcessing),
			workerID,
		).Scan(ctx, &attempts)
		if err != nil && !isNoRows(err) {
			return err
		}
		if len(attempts) == 0 {
			return core.StaleLeaseError(entryID, workerID)
		}
		record, err := applyTransition(ctx, tx, entryID, policy(attempts[0]), now, "locked_by = ?", workerID)
		if err != nil {
			return err
		}
		if record == nil {
			return core.StaleLeaseError(entryID, workerID)
		}
		updated = toQueueEntry(record)
		return nil
	})
	if err != nil {
		return core.QueueEntry{}, err
	}
	return updated, nil
}

// ReapExpired recovers rows whose lease is older than LeaseTimeout. Each
// recovered row counts as a failed attempt.
func (s *DispatchQueueStore) ReapExpired(ctx context.Context, req core.ReapRequest, policy core.FailurePolicy) (core.ReapResult, error) {
	if s == nil || s.db == nil {
		return core.ReapResult{}, fmt.Errorf("sqlstore: dispatch queue store is not configured")
	}
	if policy == nil {
		return core.ReapResult{}, fmt.Errorf("sqlstore: failure policy is required")
	}
	if req.LeaseTimeout <= 0 {
		return core.ReapResult{}, core.ValidationError("lease timeout must be positive", nil)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultReapLimit
	}
	now := utcOrNow(req.Now)
	cutoff := now.Add(-req.LeaseTimeout)

	result := core.ReapResult{Requeued: []core.QueueEntry{}, Failed: []core.QueueEntry{}}
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var expired []dispatchQueueRecord
		err := tx.NewRaw(`
UPDATE domain_event_dispatch_queue
SET attempt_count = attempt_count + 1, updated_at = ?
WHERE id IN (
	SELECT id
	FROM domain_event_dispatch_queue
	WHERE status = ?
	  AND locked_at < ?
	ORDER BY locked_at ASC
	LIMIT ?
	`+skipLocked(tx)+`
)
  AND status = ?
  AND locked_at < ?
RETURNING`+dispatchQueueColumns,
			now,
			string(core.EntryStatusProcessing),
			cutoff,
			limit,
			string(core.EntryStatusProcessing),
			cutoff,
		).Scan(ctx, &expired)
		if err != nil && !isNoRows(err) {
			return err
		}
		for _, row := range expired {
			record, err := applyTransition(ctx, tx, row.ID, policy(row.AttemptCount), now, "locked_at < ?", cutoff)
			if err != nil {
				return err
			}
			if record == nil {
				continue
			}
			entry := toQueueEntry(record)
			if entry.Status == core.EntryStatusFailed {
				result.Failed = append(result.Failed, entry)
			} else {
				result.Requeued = append(result.Requeued, entry)
			}
		}
		return nil
	})
	if err != nil {
		return core.ReapResult{}, err
	}
	return result, nil
}

// Requeue is the operator replay path: a failed row goes back to pending
// with a fresh attempt budget.
func (s *DispatchQueueStore) Requeue(ctx context.Context, entryID string, now time.Time) (core.QueueEntry, error) {
	if s == nil || s.db == nil {
		return core.QueueEntry{}, fmt.Errorf("sqlstore: dispatch queue store is not configured")
	}
	entryID = strings.TrimSpace(entryID)
	now = utcOrNow(now)

	var records []dispatchQueueRecord
	err := s.db.NewRaw(`
UPDATE domain_event_dispatch_queue
SET status = ?, attempt_count = 0, available_at = ?, locked_by = NULL, locked_at = NULL, updated_at = ?
WHERE id = ?
  AND status = ?
RETURNING`+dispatchQueueColumns,
		string(core.EntryStatusPending),
		now,
		now,
		entryID,
		string(core.EntryStatusFailed),
	).Scan(ctx, &records)
	if err != nil && !isNoRows(err) {
		return core.QueueEntry{}, err
	}
	if len(records) == 0 {
		current, getErr := s.Get(ctx, entryID)
		if getErr != nil {
			return core.QueueEntry{}, getErr
		}
		return core.QueueEntry{}, core.ValidationError("only failed queue entries can be requeued", map[string]any{
			"entry_id": entryID,
			"status":   string(current.Status),
		})
	}
	return toQueueEntry(&records[0]), nil
}

func (s *DispatchQueueStore) Get(ctx context.Context, entryID string) (core.QueueEntry, error) {
	if s == nil || s.db == nil {
		return core.QueueEntry{}, fmt.Errorf("sqlstore: dispatch queue store is not configured")
	}
	entryID = strings.TrimSpace(entryID)
	record := &dispatchQueueRecord{}
	err := s.db.NewSelect().Model(record).Where("id = ?", entryID).Limit(1).Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return core.QueueEntry{}, core.NotFoundError("queue entry", entryID)
		}
		return core.QueueEntry{}, err
	}
	return toQueueEntry(record), nil
}

func (s *DispatchQueueStore) Stats(ctx context.Context) (core.QueueStats, error) {
	if s == nil || s.db == nil {
		return core.QueueStats{}, fmt.Errorf("sqlstore: dispatch queue store is not configured")
	}
	var rows []struct {
		Status string `bun:"status"`
		Total  int    `bun:"total"`
	}
	err := s.db.NewRaw(
		"SELECT status, COUNT(*) AS total FROM domain_event_dispatch_queue GROUP BY status",
	).Scan(ctx, &rows)
	if err != nil && !isNoRows(err) {
		return core.QueueStats{}, err
	}
	stats := core.QueueStats{}
	for _, row := range rows {
		switch core.EntryStatus(row.Status) {
		case core.EntryStatusPending:
			stats.Pending = row.Total
		case core.EntryStatusProcessing:
			stats.Processing = row.Total
		case core.EntryStatusDelivered:
			stats.Delivered = row.Total
		case core.EntryStatusFailed:
			stats.Failed = row.Total
		}
	}
	return stats, nil
}

// applyTransition releases the lease and moves a processing row to the
// policy's target status. guard narrows the update to the caller's claim.
func applyTransition(
	ctx context.Context,
	tx bun.Tx,
	entryID string,
	transition core.FailureTransition,
	now time.Time,
	guard string,
	guardArg any,
) (*dispatchQueueRecord, error) {
	status := transition.Status
	if status != core.EntryStatusFailed {
		status = core.EntryStatusPending
	}
	availableAt := transition.AvailableAt.UTC()
	if transition.AvailableAt.IsZero() {
		availableAt = now
	}
	var records []dispatchQueueRecord
	err := tx.NewRaw(`
UPDATE domain_event_dispatch_queue
SET status = ?, available_at = ?, last_error = ?, locked_by = NULL, locked_at = NULL, updated_at = ?
WHERE id = ?
  AND status = ?
  AND `+guard+`
RETURNING`+dispatchQueueColumns,
		string(status),
		availableAt,
		transition.LastError,
		now,
		entryID,
		string(core.EntryStatusProcessing),
		guardArg,
	).Scan(ctx, &records)
	if err != nil && !isNoRows(err) {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

func newDispatchQueueRecord(in core.EnqueueInput, now time.Time) *dispatchQueueRecord {
	now = utcOrNow(now)
	availableAt := in.AvailableAt.UTC()
	if in.AvailableAt.IsZero() {
		availableAt = now
	}
	return &dispatchQueueRecord{
		ID:           newID(),
		EventID:      strings.TrimSpace(in.EventID),
		Status:       string(core.EntryStatusPending),
		Priority:     in.Priority,
		AvailableAt:  availableAt,
		AttemptCount: 0,
		LastError:    "",
		Metadata:     copyAnyMap(in.Metadata),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
