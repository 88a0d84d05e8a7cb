package core

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

var queueEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type constantBackoff time.Duration

func (b constantBackoff) Delay(int) time.Duration { return time.Duration(b) }

func newTestQueue(t *testing.T, maxAttempts int, events ...DomainEvent) (*DispatchQueue, *memoryQueueStore, *fixedClock) {
	t.Helper()
	clock := newFixedClock(queueEpoch)
	eventStore := newMemoryEventStore(events...)
	store := newMemoryQueueStore(eventStore)
	queue, err := NewDispatchQueue(store, DispatchQueueConfig{MaxAttempts: maxAttempts, LeaseTimeout: 5 * time.Minute},
		WithQueueClock(clock.Now),
		WithQueueBackoff(constantBackoff(10*time.Second)),
		WithQueueEventStore(eventStore),
	)
	if err != nil {
		t.Fatalf("new dispatch queue: %v", err)
	}
	return queue, store, clock
}

func TestDispatchQueue_EnqueueRequiresExistingEvent(t *testing.T) {
	queue, _, _ := newTestQueue(t, 3)
	_, err := queue.Enqueue(context.Background(), EnqueueInput{EventID: "missing"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDispatchQueue_LeaseOrdersByPriorityThenAvailability(t *testing.T) {
	ctx := context.Background()
	queue, _, _ := newTestQueue(t, 3, DomainEvent{ID: "E1"}, DomainEvent{ID: "E2"}, DomainEvent{ID: "E3"})

	if _, err := queue.Enqueue(ctx, EnqueueInput{EventID: "E2", Priority: 1, AvailableAt: queueEpoch.Add(-time.Minute)}); err != nil {
		t.Fatalf("enqueue E2: %v", err)
	}
	if _, err := queue.Enqueue(ctx, EnqueueInput{EventID: "E1", Priority: 5}); err != nil {
		t.Fatalf("enqueue E1: %v", err)
	}
	if _, err := queue.Enqueue(ctx, EnqueueInput{EventID: "E3", Priority: 1, AvailableAt: queueEpoch.Add(-2 * time.Minute)}); err != nil {
		t.Fatalf("enqueue E3: %v", err)
	}

	leased, err := queue.LeaseBatch(ctx, "w1", 10, time.Time{})
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	got := []string{}
	for _, entry := range leased {
		got = append(got, entry.EventID)
		if entry.Status != EntryStatusProcessing || entry.LockedBy != "w1" || entry.LockedAt == nil {
			t.Fatalf("expected leased entry to be processing by w1, got %#v", entry)
		}
	}
	want := []string{"E1", "E3", "E2"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestDispatchQueue_LeaseSkipsFutureRowsAndReturnsEmpty(t *testing.T) {
	ctx := context.Background()
	queue, _, _ := newTestQueue(t, 3, DomainEvent{ID: "E1"})
	if _, err := queue.Enqueue(ctx, EnqueueInput{EventID: "E1", AvailableAt: queueEpoch.Add(time.Hour)}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	leased, err := queue.LeaseBatch(ctx, "w1", 5, time.Time{})
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if len(leased) != 0 {
		t.Fatalf("expected no eligible rows, got %d", len(leased))
	}
}

func TestDispatchQueue_FailureRetriesThenFails(t *testing.T) {
	ctx := context.Background()
	queue, _, clock := newTestQueue(t, 3, DomainEvent{ID: "E1"})
	entry, err := queue.Enqueue(ctx, EnqueueInput{EventID: "E1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for attempt := 1; attempt <= 3; attempt++ {
		leased, err := queue.LeaseBatch(ctx, "w1", 1, time.Time{})
		if err != nil || len(leased) != 1 {
			t.Fatalf("attempt %d: lease returned %d rows, err=%v", attempt, len(leased), err)
		}
		updated, err := queue.ReportFailure(ctx, FailureReport{
			EntryID:  entry.ID,
			WorkerID: "w1",
			Err:      errors.New("upstream 503"),
		})
		if err != nil {
			t.Fatalf("attempt %d: report failure: %v", attempt, err)
		}
		if updated.AttemptCount != attempt {
			t.Fatalf("attempt %d: expected attempt count %d, got %d", attempt, attempt, updated.AttemptCount)
		}
		if updated.LastError != "upstream 503" {
			t.Fatalf("attempt %d: expected last error recorded, got %q", attempt, updated.LastError)
		}
		if attempt < 3 {
			if updated.Status != EntryStatusPending {
				t.Fatalf("attempt %d: expected pending, got %s", attempt, updated.Status)
			}
			if !updated.AvailableAt.Equal(clock.Now().Add(10 * time.Second)) {
				t.Fatalf("attempt %d: expected backoff availability, got %s", attempt, updated.AvailableAt)
			}
			clock.Advance(11 * time.Second)
			continue
		}
		if updated.Status != EntryStatusFailed {
			t.Fatalf("expected failed after max attempts, got %s", updated.Status)
		}
	}

	leased, err := queue.LeaseBatch(ctx, "w1", 1, clock.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if len(leased) != 0 {
		t.Fatalf("expected failed row never to be leased again")
	}
}

func TestDispatchQueue_NonRetryableFailsImmediately(t *testing.T) {
	ctx := context.Background()
	queue, _, _ := newTestQueue(t, 8, DomainEvent{ID: "E1"})
	entry, _ := queue.Enqueue(ctx, EnqueueInput{EventID: "E1"})
	if _, err := queue.LeaseBatch(ctx, "w1", 1, time.Time{}); err != nil {
		t.Fatalf("lease: %v", err)
	}
	updated, err := queue.ReportFailure(ctx, FailureReport{
		EntryID:  entry.ID,
		WorkerID: "w1",
		Err:      NonRetryable(errors.New("malformed payload")),
	})
	if err != nil {
		t.Fatalf("report failure: %v", err)
	}
	if updated.Status != EntryStatusFailed || updated.AttemptCount != 1 {
		t.Fatalf("expected terminal failure on first attempt, got %s/%d", updated.Status, updated.AttemptCount)
	}
}

func TestDispatchQueue_DeadLetterCounterReason(t *testing.T) {
	cases := []struct {
		name        string
		maxAttempts int
		err         error
		reason      string
	}{
		{name: "non retryable", maxAttempts: 8, err: NonRetryable(errors.New("malformed payload")), reason: "non_retryable"},
		{name: "exhausted", maxAttempts: 1, err: errors.New("upstream 503"), reason: "max_attempts"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			queue, _, _ := newTestQueue(t, tc.maxAttempts, DomainEvent{ID: "E1"})
			metrics := newRecordingMetrics()
			WithQueueObservability(nil, metrics)(queue)

			entry, _ := queue.Enqueue(ctx, EnqueueInput{EventID: "E1"})
			if _, err := queue.LeaseBatch(ctx, "w1", 1, time.Time{}); err != nil {
				t.Fatalf("lease: %v", err)
			}
			updated, err := queue.ReportFailure(ctx, FailureReport{EntryID: entry.ID, WorkerID: "w1", Err: tc.err})
			if err != nil {
				t.Fatalf("report failure: %v", err)
			}
			if updated.Status != EntryStatusFailed {
				t.Fatalf("expected failed entry, got %s", updated.Status)
			}
			if got := metrics.counter("dispatch.entry.dead_lettered"); got != 1 {
				t.Fatalf("expected one dead letter, got %d", got)
			}
			if got := metrics.lastTag("dispatch.entry.dead_lettered", "reason"); got != tc.reason {
				t.Fatalf("expected reason %q, got %q", tc.reason, got)
			}
		})
	}
}

func TestFailureMessage_TruncatesOnRuneBoundary(t *testing.T) {
	message := failureMessage(errors.New("x" + strings.Repeat("é", 1500)))
	if !utf8.ValidString(message) {
		t.Fatalf("expected valid utf-8 after truncation")
	}
	if len(message) > maxLastErrorLength {
		t.Fatalf("expected at most %d bytes, got %d", maxLastErrorLength, len(message))
	}
	if len(message) != maxLastErrorLength-1 {
		t.Fatalf("expected the split rune to be dropped, got %d bytes", len(message))
	}
}

func TestDispatchQueue_StaleLeaseAfterReap(t *testing.T) {
	ctx := context.Background()
	queue, _, clock := newTestQueue(t, 5, DomainEvent{ID: "E1"})
	entry, _ := queue.Enqueue(ctx, EnqueueInput{EventID: "E1"})
	if _, err := queue.LeaseBatch(ctx, "w1", 1, time.Time{}); err != nil {
		t.Fatalf("lease: %v", err)
	}

	clock.Advance(6 * time.Minute)
	result, err := queue.ReapExpiredLeases(ctx, 5*time.Minute, time.Time{})
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if len(result.Requeued) != 1 || result.Requeued[0].AttemptCount != 1 {
		t.Fatalf("expected one requeued row with attempt 1, got %#v", result)
	}
	if result.Requeued[0].LastError != lastErrorLeaseExpired {
		t.Fatalf("expected lease expired error, got %q", result.Requeued[0].LastError)
	}

	_, err = queue.ReportSuccess(ctx, entry.ID, "w1")
	if !errors.Is(err, ErrStaleLease) {
		t.Fatalf("expected stale lease for crashed worker, got %v", err)
	}
	if !IsContention(err) {
		t.Fatalf("expected stale lease to be classified as contention")
	}

	clock.Advance(time.Minute)
	leased, err := queue.LeaseBatch(ctx, "w2", 1, time.Time{})
	if err != nil || len(leased) != 1 {
		t.Fatalf("expected second worker to lease reaped row, got %d err=%v", len(leased), err)
	}
	if _, err := queue.ReportSuccess(ctx, entry.ID, "w2"); err != nil {
		t.Fatalf("report success: %v", err)
	}
	stored, _ := queue.Get(ctx, entry.ID)
	if stored.Status != EntryStatusDelivered || stored.DeliveredAt == nil || stored.LockedBy != "" {
		t.Fatalf("expected delivered row with cleared lock, got %#v", stored)
	}
}

func TestDispatchQueue_ReapFailsExhaustedRows(t *testing.T) {
	ctx := context.Background()
	queue, _, clock := newTestQueue(t, 1, DomainEvent{ID: "E1"})
	if _, err := queue.Enqueue(ctx, EnqueueInput{EventID: "E1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := queue.LeaseBatch(ctx, "w1", 1, time.Time{}); err != nil {
		t.Fatalf("lease: %v", err)
	}
	clock.Advance(10 * time.Minute)
	result, err := queue.ReapExpiredLeases(ctx, 0, time.Time{})
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if len(result.Failed) != 1 || len(result.Requeued) != 0 {
		t.Fatalf("expected exhausted row to fail, got %#v", result)
	}
}

func TestDispatchQueue_RequeueFailed(t *testing.T) {
	ctx := context.Background()
	queue, _, _ := newTestQueue(t, 1, DomainEvent{ID: "E1"})
	entry, _ := queue.Enqueue(ctx, EnqueueInput{EventID: "E1"})

	if _, err := queue.RequeueFailed(ctx, entry.ID); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected pending row requeue to be rejected, got %v", err)
	}

	_, _ = queue.LeaseBatch(ctx, "w1", 1, time.Time{})
	if _, err := queue.ReportFailure(ctx, FailureReport{EntryID: entry.ID, WorkerID: "w1", Err: errors.New("x")}); err != nil {
		t.Fatalf("report failure: %v", err)
	}
	requeued, err := queue.RequeueFailed(ctx, entry.ID)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if requeued.Status != EntryStatusPending || requeued.AttemptCount != 0 {
		t.Fatalf("expected fresh pending row, got %s/%d", requeued.Status, requeued.AttemptCount)
	}
	stats, _ := queue.Stats(ctx)
	if stats.Pending != 1 || stats.Failed != 0 {
		t.Fatalf("unexpected stats %#v", stats)
	}
}

func TestDispatchQueue_PublishStoresEventAndEntry(t *testing.T) {
	ctx := context.Background()
	queue, store, _ := newTestQueue(t, 3)
	result, err := queue.Publish(ctx, DomainEvent{Type: "invoice.paid", Payload: map[string]any{"id": "inv_1"}}, EnqueueOptions{Priority: 2})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if result.Entry.EventID != result.Event.ID || result.Entry.Priority != 2 {
		t.Fatalf("unexpected publish result %#v", result)
	}
	if exists, _ := store.events.EventExists(ctx, result.Event.ID); !exists {
		t.Fatalf("expected event to be stored")
	}
	if _, err := queue.Publish(ctx, DomainEvent{}, EnqueueOptions{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected missing type to fail validation, got %v", err)
	}
}

func TestEntryStatus_Transitions(t *testing.T) {
	if !EntryStatusPending.CanTransitionTo(EntryStatusProcessing) {
		t.Fatalf("pending -> processing must be allowed")
	}
	if EntryStatusDelivered.CanTransitionTo(EntryStatusPending) {
		t.Fatalf("delivered is terminal")
	}
	if EntryStatusPending.CanTransitionTo(EntryStatusDelivered) {
		t.Fatalf("pending -> delivered must go through processing")
	}
	if !EntryStatusFailed.IsTerminal() || EntryStatusProcessing.IsTerminal() {
		t.Fatalf("unexpected terminal classification")
	}
}
