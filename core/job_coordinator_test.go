package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestJobs(t *testing.T, config JobsConfig) (*JobCoordinator, *memoryJobStateStore, *fixedClock) {
	t.Helper()
	clock := newFixedClock(queueEpoch)
	store := newMemoryJobStateStore()
	jobs, err := NewJobCoordinator(store, config, WithJobClock(clock.Now))
	if err != nil {
		t.Fatalf("new job coordinator: %v", err)
	}
	return jobs, store, clock
}

func TestJobCoordinator_TryAcquireSingleWinner(t *testing.T) {
	ctx := context.Background()
	jobs, _, _ := newTestJobs(t, JobsConfig{LeaseTimeout: time.Minute, HeartbeatInterval: 10 * time.Second})

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := []string{}
	for _, worker := range []string{"w1", "w2", "w3", "w4"} {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			_, err := jobs.TryAcquire(ctx, "nightly_sync", worker, 0, time.Time{})
			if err == nil {
				mu.Lock()
				winners = append(winners, worker)
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrLockHeld) {
				t.Errorf("expected lock held for %s, got %v", worker, err)
			}
		}(worker)
	}
	wg.Wait()
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %v", winners)
	}
}

func TestJobCoordinator_ExpiredLeaseCanBeClaimed(t *testing.T) {
	ctx := context.Background()
	jobs, _, clock := newTestJobs(t, JobsConfig{LeaseTimeout: time.Minute, HeartbeatInterval: 10 * time.Second})

	if _, err := jobs.TryAcquire(ctx, "nightly_sync", "A", 0, time.Time{}); err != nil {
		t.Fatalf("acquire A: %v", err)
	}
	if _, err := jobs.TryAcquire(ctx, "nightly_sync", "B", 0, time.Time{}); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected B to see lock held, got %v", err)
	}
	if _, err := jobs.TryAcquire(ctx, "nightly_sync", "A", 0, time.Time{}); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected holder to see its own live lease as held, got %v", err)
	}

	clock.Advance(2 * time.Minute)
	lease, err := jobs.TryAcquire(ctx, "nightly_sync", "B", 0, time.Time{})
	if err != nil {
		t.Fatalf("expected B to claim expired lease: %v", err)
	}
	if lease.WorkerID != "B" {
		t.Fatalf("expected B lease, got %#v", lease)
	}

	if err := jobs.Heartbeat(ctx, "nightly_sync", "A", time.Time{}); !errors.Is(err, ErrLockLost) {
		t.Fatalf("expected A heartbeat to report lock lost, got %v", err)
	}
	if _, err := jobs.CommitState(ctx, "nightly_sync", "A", map[string]any{"cursor": "x"}); !errors.Is(err, ErrLockLost) {
		t.Fatalf("expected A commit to report lock lost, got %v", err)
	}
}

func TestJobCoordinator_CommitStateAndResume(t *testing.T) {
	ctx := context.Background()
	jobs, _, _ := newTestJobs(t, JobsConfig{})

	if _, err := jobs.TryAcquire(ctx, "backfill", "w1", 0, time.Time{}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	committed, err := jobs.CommitState(ctx, "backfill", "w1", map[string]any{"cursor": "page-7"})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	expected, _ := StateChecksum(map[string]any{"cursor": "page-7"})
	if committed.Checksum != expected {
		t.Fatalf("expected checksum %s, got %s", expected, committed.Checksum)
	}
	if err := jobs.Release(ctx, "backfill", "w1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := jobs.Release(ctx, "backfill", "w1"); err != nil {
		t.Fatalf("expected idempotent release, got %v", err)
	}

	resumed, err := jobs.TryAcquire(ctx, "backfill", "w2", 0, time.Time{})
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if resumed.State["cursor"] != "page-7" {
		t.Fatalf("expected resumed state, got %#v", resumed.State)
	}
}

func TestJobCoordinator_CommitDetectsChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	jobs, store, _ := newTestJobs(t, JobsConfig{})
	if _, err := jobs.TryAcquire(ctx, "backfill", "w1", 0, time.Time{}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := jobs.CommitState(ctx, "backfill", "w1", map[string]any{"cursor": 1}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	store.mu.Lock()
	state := store.states["backfill"]
	state.State = map[string]any{"cursor": 2}
	store.states["backfill"] = state
	store.mu.Unlock()

	if _, err := jobs.CommitState(ctx, "backfill", "w1", map[string]any{"cursor": 3}); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
}

func TestJobCoordinator_RunExclusiveCommitsAndReleases(t *testing.T) {
	ctx := context.Background()
	jobs, store, _ := newTestJobs(t, JobsConfig{LeaseTimeout: time.Minute, HeartbeatInterval: time.Second})

	err := jobs.RunExclusive(ctx, "report", "w1", func(ctx context.Context, run *JobRun) error {
		if len(run.State()) != 0 {
			t.Errorf("expected empty initial state")
		}
		if err := run.Checkpoint(ctx); err != nil {
			return err
		}
		return run.Commit(ctx, map[string]any{"done": true})
	})
	if err != nil {
		t.Fatalf("run exclusive: %v", err)
	}
	state, _ := store.Get(ctx, "report")
	if state.LockedBy != "" || state.State["done"] != true {
		t.Fatalf("expected released lock with committed state, got %#v", state)
	}
}

func TestJobCoordinator_RunExclusiveReturnsLockHeld(t *testing.T) {
	ctx := context.Background()
	jobs, _, _ := newTestJobs(t, JobsConfig{})
	if _, err := jobs.TryAcquire(ctx, "report", "other", 0, time.Time{}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	called := false
	err := jobs.RunExclusive(ctx, "report", "w1", func(context.Context, *JobRun) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrLockHeld) || called {
		t.Fatalf("expected lock held without running fn, got err=%v called=%v", err, called)
	}
}

func TestJobCoordinator_RunExclusiveCancelsOnLostLease(t *testing.T) {
	ctx := context.Background()
	jobs, store, clock := newTestJobs(t, JobsConfig{LeaseTimeout: time.Minute, HeartbeatInterval: 5 * time.Millisecond})

	err := jobs.RunExclusive(ctx, "report", "w1", func(ctx context.Context, _ *JobRun) error {
		store.steal("report", "w2", clock.Now())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return errors.New("context was not cancelled")
		}
	})
	if !errors.Is(err, ErrLockLost) {
		t.Fatalf("expected lock lost, got %v", err)
	}
	state, _ := store.Get(ctx, "report")
	if state.LockedBy != "w2" {
		t.Fatalf("expected the new holder to keep the lease, got %q", state.LockedBy)
	}
}

func TestJobCoordinator_SameWorkerCannotOverlapRuns(t *testing.T) {
	ctx := context.Background()
	jobs, _, _ := newTestJobs(t, JobsConfig{LeaseTimeout: time.Minute, HeartbeatInterval: time.Second})

	var mu sync.Mutex
	active, peak := 0, 0
	enter := func() {
		mu.Lock()
		defer mu.Unlock()
		active++
		if active > peak {
			peak = active
		}
	}
	leave := func() {
		mu.Lock()
		defer mu.Unlock()
		active--
	}

	started := make(chan struct{})
	finish := make(chan struct{})
	firstErr := make(chan error, 1)
	go func() {
		firstErr <- jobs.RunExclusive(ctx, "reap", "node-a", func(context.Context, *JobRun) error {
			enter()
			defer leave()
			close(started)
			<-finish
			return nil
		})
	}()
	<-started

	secondCalled := false
	err := jobs.RunExclusive(ctx, "reap", "node-a", func(context.Context, *JobRun) error {
		enter()
		defer leave()
		secondCalled = true
		return nil
	})
	close(finish)
	if !errors.Is(err, ErrLockHeld) || secondCalled {
		t.Fatalf("expected second run with the same worker id to see lock held, got err=%v called=%v", err, secondCalled)
	}
	if err := <-firstErr; err != nil {
		t.Fatalf("first run: %v", err)
	}
	if peak != 1 {
		t.Fatalf("expected at most one concurrent run, got %d", peak)
	}

	if err := jobs.RunExclusive(ctx, "reap", "node-a", func(context.Context, *JobRun) error { return nil }); err != nil {
		t.Fatalf("expected released lease to be reusable, got %v", err)
	}
}

func TestJobCoordinator_HeartbeatUsesExplicitTime(t *testing.T) {
	ctx := context.Background()
	jobs, _, clock := newTestJobs(t, JobsConfig{LeaseTimeout: time.Minute})

	if _, err := jobs.TryAcquire(ctx, "nightly_sync", "A", 0, time.Time{}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	extendedTo := clock.Now().Add(50 * time.Second)
	if err := jobs.Heartbeat(ctx, "nightly_sync", "A", extendedTo); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	state, err := jobs.Get(ctx, "nightly_sync")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if state.LockedAt == nil || !state.LockedAt.Equal(extendedTo) {
		t.Fatalf("expected lease extended to %s, got %v", extendedTo, state.LockedAt)
	}

	// a minute after the original acquire the lease is still live
	clock.Advance(90 * time.Second)
	if _, err := jobs.TryAcquire(ctx, "nightly_sync", "B", 0, time.Time{}); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected heartbeat to keep the lease, got %v", err)
	}

	if err := jobs.Heartbeat(ctx, "nightly_sync", "A", time.Time{}); err != nil {
		t.Fatalf("heartbeat with clock: %v", err)
	}
	state, _ = jobs.Get(ctx, "nightly_sync")
	if !state.LockedAt.Equal(clock.Now()) {
		t.Fatalf("expected zero time to use the clock, got %v", state.LockedAt)
	}
}
