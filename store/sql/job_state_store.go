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

const jobStateColumns = `
	id,
	job_name,
	state,
	checksum,
	locked_at,
	locked_by,
	created_at,
	updated_at
`

type JobStateStore struct {
	db   *bun.DB
	repo repository.Repository[*jobStateRecord]
}

func NewJobStateStore(db *bun.DB) (*JobStateStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*jobStateRecord](db, jobStateHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid job state repository wiring: %w", err)
		}
	}
	return &JobStateStore{db: db, repo: repo}, nil
}

// Acquire claims the named lease when it is free or expired. A live lease
// fails with LockHeld even for its own holder. First use of a job name
// inserts the row; a concurrent insert that loses the unique race falls back
// to the conditional claim.
func (s *JobStateStore) Acquire(ctx context.Context, req core.AcquireRequest) (core.JobState, error) {
	if s == nil || s.db == nil {
		return core.JobState{}, fmt.Errorf("sqlstore: job state store is not configured")
	}
	jobName := strings.TrimSpace(req.JobName)
	workerID := strings.TrimSpace(req.WorkerID)
	if jobName == "" || workerID == "" {
		return core.JobState{}, core.ValidationError("job name and worker id are required", nil)
	}
	if req.LeaseTimeout <= 0 {
		return core.JobState{}, core.ValidationError("lease timeout must be positive", nil)
	}
	now := utcOrNow(req.Now)

	claimed, err := s.claim(ctx, jobName, workerID, now, now.Add(-req.LeaseTimeout))
	if err != nil {
		return core.JobState{}, err
	}
	if claimed != nil {
		return toJobState(claimed), nil
	}

	exists, err := s.db.NewSelect().Model((*jobStateRecord)(nil)).Where("job_name = ?", jobName).Exists(ctx)
	if err != nil {
		return core.JobState{}, err
	}
	if !exists {
		record := &jobStateRecord{
			ID:        newID(),
			JobName:   jobName,
			State:     map[string]any{},
			Checksum:  "",
			LockedAt:  &now,
			LockedBy:  &workerID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		created, createErr := s.repo.Create(ctx, record)
		if createErr == nil {
			return toJobState(created), nil
		}
		if !isUniqueViolation(createErr) {
			return core.JobState{}, createErr
		}
		claimed, err = s.claim(ctx, jobName, workerID, now, now.Add(-req.LeaseTimeout))
		if err != nil {
			return core.JobState{}, err
		}
		if claimed != nil {
			return toJobState(claimed), nil
		}
	}
	return core.JobState{}, s.heldError(ctx, jobName)
}

func (s *JobStateStore) claim(ctx context.Context, jobName, workerID string, now, expiredBefore time.Time) (*jobStateRecord, error) {
	var records []jobStateRecord
	err := s.db.NewRaw(`
UPDATE job_states
SET locked_by = ?, locked_at = ?, updated_at = ?
WHERE job_name = ?
  AND (locked_by IS NULL OR locked_at IS NULL OR locked_at < ?)
RETURNING`+jobStateColumns,
		workerID,
		now,
		now,
		jobName,
		expiredBefore,
	).Scan(ctx, &records)
	if err != nil && !isNoRows(err) {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

func (s *JobStateStore) heldError(ctx context.Context, jobName string) error {
	current, err := s.Get(ctx, jobName)
	if err != nil {
		return core.LockHeldError(jobName, "")
	}
	return core.LockHeldError(jobName, current.LockedBy)
}

func (s *JobStateStore) Heartbeat(ctx context.Context, jobName string, workerID string, now time.Time) (core.JobState, error) {
	if s == nil || s.db == nil {
		return core.JobState{}, fmt.Errorf("sqlstore: job state store is not configured")
	}
	jobName = strings.TrimSpace(jobName)
	workerID = strings.TrimSpace(workerID)
	now = utcOrNow(now)

	var records []jobStateRecord
	err := s.db.NewRaw(`
UPDATE job_states
SET locked_at = ?, updated_at = ?
WHERE job_name = ?
  AND locked_by = ?
RETURNING`+jobStateColumns,
		now,
		now,
		jobName,
		workerID,
	).Scan(ctx, &records)
	if err != nil && !isNoRows(err) {
		return core.JobState{}, err
	}
	if len(records) == 0 {
		return core.JobState{}, core.LockLostError(jobName, workerID)
	}
	return toJobState(&records[0]), nil
}

func (s *JobStateStore) Get(ctx context.Context, jobName string) (core.JobState, error) {
	if s == nil || s.db == nil {
		return core.JobState{}, fmt.Errorf("sqlstore: job state store is not configured")
	}
	jobName = strings.TrimSpace(jobName)
	record := &jobStateRecord{}
	err := s.db.NewSelect().Model(record).Where("job_name = ?", jobName).Limit(1).Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return core.JobState{}, core.NotFoundError("job state", jobName)
		}
		return core.JobState{}, err
	}
	return toJobState(record), nil
}

// SaveState persists state and checksum only while workerID still holds
// the lease. Saving also refreshes locked_at.
func (s *JobStateStore) SaveState(
	ctx context.Context,
	jobName string,
	workerID string,
	state map[string]any,
	checksum string,
	now time.Time,
) (core.JobState, error) {
	if s == nil || s.db == nil {
		return core.JobState{}, fmt.Errorf("sqlstore: job state store is not configured")
	}
	jobName = strings.TrimSpace(jobName)
	workerID = strings.TrimSpace(workerID)
	now = utcOrNow(now)

	record := &jobStateRecord{State: copyAnyMap(state)}
	err := s.db.NewUpdate().
		Model(record).
		Column("state").
		Set("checksum = ?", strings.TrimSpace(checksum)).
		Set("locked_at = ?", now).
		Set("updated_at = ?", now).
		Where("job_name = ?", jobName).
		Where("locked_by = ?", workerID).
		Returning("*").
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return core.JobState{}, core.LockLostError(jobName, workerID)
		}
		return core.JobState{}, err
	}
	return toJobState(record), nil
}

// Release clears the lease when workerID holds it. Releasing a lease that
// is not held is a no-op.
func (s *JobStateStore) Release(ctx context.Context, jobName string, workerID string, now time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: job state store is not configured")
	}
	_, err := s.db.NewUpdate().
		Model((*jobStateRecord)(nil)).
		Set("locked_by = NULL").
		Set("locked_at = NULL").
		Set("updated_at = ?", utcOrNow(now)).
		Where("job_name = ?", strings.TrimSpace(jobName)).
		Where("locked_by = ?", strings.TrimSpace(workerID)).
		Exec(ctx)
	return err
}
