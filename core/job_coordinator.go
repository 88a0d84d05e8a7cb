package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// JobCoordinator guarantees that at most one worker runs a named job at a
// time and that the job's resumable state is only written by the holder.
type JobCoordinator struct {
	store  JobStateStore
	config JobsConfig
	now    func() time.Time
	instrumentation
}

type JobCoordinatorOption func(*JobCoordinator)

func WithJobClock(now func() time.Time) JobCoordinatorOption {
	return func(c *JobCoordinator) {
		if now != nil {
			c.now = now
		}
	}
}

func WithJobObservability(logger Logger, metrics MetricsRecorder) JobCoordinatorOption {
	return func(c *JobCoordinator) {
		c.instrumentation = newInstrumentation(logger, metrics)
	}
}

func NewJobCoordinator(store JobStateStore, config JobsConfig, opts ...JobCoordinatorOption) (*JobCoordinator, error) {
	if store == nil {
		return nil, ValidationError("core: job state store is required", nil)
	}
	defaults := DefaultConfig().Jobs
	if config.LeaseTimeout <= 0 {
		config.LeaseTimeout = defaults.LeaseTimeout
	}
	if config.HeartbeatInterval <= 0 || config.HeartbeatInterval >= config.LeaseTimeout {
		config.HeartbeatInterval = config.LeaseTimeout / 4
	}
	c := &JobCoordinator{
		store:           store,
		config:          config,
		now:             func() time.Time { return time.Now().UTC() },
		instrumentation: newInstrumentation(nil, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

func (c *JobCoordinator) Config() JobsConfig {
	return c.config
}

// TryAcquire claims jobName for workerID when it is unlocked or its lease has
// expired. A live lease fails with a LockHeld error, also when workerID is the
// holder, so two runs sharing a worker id cannot overlap. A zero leaseTimeout
// or now falls back to config and the clock.
func (c *JobCoordinator) TryAcquire(
	ctx context.Context,
	jobName string,
	workerID string,
	leaseTimeout time.Duration,
	now time.Time,
) (lease JobLease, err error) {
	startedAt := time.Now()
	defer func() {
		c.observeOperation(ctx, startedAt, "job_try_acquire", err, map[string]any{
			"job_name":  jobName,
			"worker_id": workerID,
		})
	}()

	jobName, workerID = strings.TrimSpace(jobName), strings.TrimSpace(workerID)
	if jobName == "" || workerID == "" {
		return JobLease{}, ValidationError("core: job name and worker id are required", nil)
	}
	if leaseTimeout <= 0 {
		leaseTimeout = c.config.LeaseTimeout
	}
	if now.IsZero() {
		now = c.now()
	}
	state, err := c.store.Acquire(ctx, AcquireRequest{
		JobName:      jobName,
		WorkerID:     workerID,
		LeaseTimeout: leaseTimeout,
		Now:          now,
	})
	if err != nil {
		return JobLease{}, err
	}
	return leaseFromState(state, workerID, now), nil
}

// Heartbeat extends the lease to now, or to the coordinator clock when now is
// zero. It fails with LockLost when workerID no longer holds jobName.
func (c *JobCoordinator) Heartbeat(ctx context.Context, jobName string, workerID string, now time.Time) (err error) {
	startedAt := time.Now()
	defer func() {
		if err != nil {
			c.observeOperation(ctx, startedAt, "job_heartbeat", err, map[string]any{
				"job_name":  jobName,
				"worker_id": workerID,
			})
		}
	}()

	jobName, workerID = strings.TrimSpace(jobName), strings.TrimSpace(workerID)
	if jobName == "" || workerID == "" {
		return ValidationError("core: job name and worker id are required", nil)
	}
	if now.IsZero() {
		now = c.now()
	}
	_, err = c.store.Heartbeat(ctx, jobName, workerID, now)
	return err
}

// CommitState verifies the stored checksum and replaces the state, scoped to
// the current holder.
func (c *JobCoordinator) CommitState(
	ctx context.Context,
	jobName string,
	workerID string,
	state map[string]any,
) (lease JobLease, err error) {
	startedAt := time.Now()
	defer func() {
		c.observeOperation(ctx, startedAt, "job_commit_state", err, map[string]any{
			"job_name":  jobName,
			"worker_id": workerID,
		})
	}()

	jobName, workerID = strings.TrimSpace(jobName), strings.TrimSpace(workerID)
	if jobName == "" || workerID == "" {
		return JobLease{}, ValidationError("core: job name and worker id are required", nil)
	}

	current, err := c.store.Get(ctx, jobName)
	if err != nil {
		if IsNotFound(err) {
			return JobLease{}, LockLostError(jobName, workerID)
		}
		return JobLease{}, err
	}
	if current.LockedBy != workerID {
		return JobLease{}, LockLostError(jobName, workerID)
	}
	if err := verifyChecksum(current); err != nil {
		c.logError(ctx, "job state checksum mismatch", map[string]any{
			"job_name":        jobName,
			"stored_checksum": current.Checksum,
		})
		return JobLease{}, err
	}

	checksum, err := StateChecksum(state)
	if err != nil {
		return JobLease{}, ValidationError(err.Error(), map[string]any{"job_name": jobName})
	}
	now := c.now()
	saved, err := c.store.SaveState(ctx, jobName, workerID, cloneFields(state), checksum, now)
	if err != nil {
		return JobLease{}, err
	}
	return leaseFromState(saved, workerID, now), nil
}

// Release clears the lease if workerID holds it. Releasing a lease that is
// not held is a no-op.
func (c *JobCoordinator) Release(ctx context.Context, jobName string, workerID string) (err error) {
	startedAt := time.Now()
	defer func() {
		c.observeOperation(ctx, startedAt, "job_release", err, map[string]any{
			"job_name":  jobName,
			"worker_id": workerID,
		})
	}()

	jobName, workerID = strings.TrimSpace(jobName), strings.TrimSpace(workerID)
	if jobName == "" || workerID == "" {
		return ValidationError("core: job name and worker id are required", nil)
	}
	return c.store.Release(ctx, jobName, workerID, c.now())
}

func (c *JobCoordinator) Get(ctx context.Context, jobName string) (JobState, error) {
	jobName = strings.TrimSpace(jobName)
	if jobName == "" {
		return JobState{}, ValidationError("core: job name is required", nil)
	}
	return c.store.Get(ctx, jobName)
}

// RunExclusive acquires jobName, runs fn while heartbeating, and releases the
// lease when fn returns. fn's context is cancelled if the lease is lost, in
// which case the LockLost error is returned.
func (c *JobCoordinator) RunExclusive(
	ctx context.Context,
	jobName string,
	workerID string,
	fn func(ctx context.Context, run *JobRun) error,
) error {
	if fn == nil {
		return ValidationError("core: job function is required", nil)
	}
	lease, err := c.TryAcquire(ctx, jobName, workerID, 0, time.Time{})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	run := &JobRun{coordinator: c, lease: lease}
	stop := make(chan struct{})
	var heartbeats sync.WaitGroup
	heartbeats.Add(1)
	go func() {
		defer heartbeats.Done()
		c.heartbeatLoop(runCtx, lease.JobName, lease.WorkerID, stop, cancel)
	}()

	fnErr := fn(runCtx, run)
	close(stop)
	heartbeats.Wait()

	if cause := context.Cause(runCtx); cause != nil && errors.Is(cause, ErrLockLost) {
		return cause
	}
	releaseCtx := context.WithoutCancel(ctx)
	if err := c.Release(releaseCtx, lease.JobName, lease.WorkerID); err != nil {
		return errors.Join(fnErr, err)
	}
	return fnErr
}

func (c *JobCoordinator) heartbeatLoop(
	ctx context.Context,
	jobName string,
	workerID string,
	stop <-chan struct{},
	cancel context.CancelCauseFunc,
) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := c.Heartbeat(ctx, jobName, workerID, time.Time{})
			if err == nil {
				continue
			}
			if errors.Is(err, ErrLockLost) {
				cancel(err)
				return
			}
			if ctx.Err() == nil {
				c.logWarn(ctx, "job heartbeat failed", map[string]any{
					"job_name":  jobName,
					"worker_id": workerID,
					"error":     err.Error(),
				})
			}
		}
	}
}

// JobRun is the handle passed to a RunExclusive function.
type JobRun struct {
	coordinator *JobCoordinator
	mu          sync.Mutex
	lease       JobLease
}

func (r *JobRun) JobName() string {
	return r.lease.JobName
}

func (r *JobRun) WorkerID() string {
	return r.lease.WorkerID
}

// State returns a copy of the last committed state.
func (r *JobRun) State() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneFields(r.lease.State)
}

func (r *JobRun) Commit(ctx context.Context, state map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	lease, err := r.coordinator.CommitState(ctx, r.lease.JobName, r.lease.WorkerID, state)
	if err != nil {
		return err
	}
	r.lease = lease
	return nil
}

// Checkpoint confirms the lease is still held and extends it.
func (r *JobRun) Checkpoint(ctx context.Context) error {
	return r.coordinator.Heartbeat(ctx, r.lease.JobName, r.lease.WorkerID, time.Time{})
}

func verifyChecksum(state JobState) error {
	if strings.TrimSpace(state.Checksum) == "" {
		return nil
	}
	computed, err := StateChecksum(state.State)
	if err != nil {
		return err
	}
	if computed != state.Checksum {
		return ChecksumMismatchError(state.JobName, state.Checksum, computed)
	}
	return nil
}

func leaseFromState(state JobState, workerID string, now time.Time) JobLease {
	lockedAt := now
	if state.LockedAt != nil {
		lockedAt = *state.LockedAt
	}
	return JobLease{
		JobName:  state.JobName,
		WorkerID: workerID,
		LockedAt: lockedAt,
		State:    cloneFields(state.State),
		Checksum: state.Checksum,
	}
}
