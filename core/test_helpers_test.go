package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock(now time.Time) *fixedClock {
	return &fixedClock{now: now}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memoryEventStore struct {
	mu     sync.Mutex
	events map[string]DomainEvent
}

func newMemoryEventStore(events ...DomainEvent) *memoryEventStore {
	store := &memoryEventStore{events: map[string]DomainEvent{}}
	for _, event := range events {
		store.events[event.ID] = event
	}
	return store
}

func (s *memoryEventStore) GetEvent(_ context.Context, id string) (DomainEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.events[id]
	if !ok {
		return DomainEvent{}, NotFoundError("event", id)
	}
	return event, nil
}

func (s *memoryEventStore) EventExists(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.events[id]
	return ok, nil
}

// memoryQueueStore mirrors the conditional updates of the SQL store.
type memoryQueueStore struct {
	mu       sync.Mutex
	seq      int
	entries  map[string]QueueEntry
	events   *memoryEventStore
	leaseLog []int
}

func newMemoryQueueStore(events *memoryEventStore) *memoryQueueStore {
	if events == nil {
		events = newMemoryEventStore()
	}
	return &memoryQueueStore{entries: map[string]QueueEntry{}, events: events}
}

func (s *memoryQueueStore) Publish(_ context.Context, event DomainEvent, opts EnqueueOptions) (PublishResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	if event.ID == "" {
		event.ID = fmt.Sprintf("evt-%04d", s.seq)
	}
	s.events.mu.Lock()
	s.events.events[event.ID] = event
	s.events.mu.Unlock()
	entry := s.insertLocked(EnqueueInput{
		EventID:     event.ID,
		Priority:    opts.Priority,
		AvailableAt: opts.AvailableAt,
		Metadata:    opts.Metadata,
	})
	return PublishResult{Event: event, Entry: entry}, nil
}

func (s *memoryQueueStore) Enqueue(_ context.Context, in EnqueueInput) (QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(in), nil
}

func (s *memoryQueueStore) insertLocked(in EnqueueInput) QueueEntry {
	s.seq++
	entry := QueueEntry{
		ID:          fmt.Sprintf("q-%04d", s.seq),
		EventID:     in.EventID,
		Status:      EntryStatusPending,
		Priority:    in.Priority,
		AvailableAt: in.AvailableAt,
		Metadata:    in.Metadata,
		CreatedAt:   in.AvailableAt,
		UpdatedAt:   in.AvailableAt,
	}
	s.entries[entry.ID] = entry
	return entry
}

func (s *memoryQueueStore) LeaseBatch(_ context.Context, req LeaseRequest) ([]QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaseLog = append(s.leaseLog, req.Limit)
	eligible := make([]QueueEntry, 0)
	for _, entry := range s.entries {
		if entry.Status == EntryStatusPending && !entry.AvailableAt.After(req.Now) {
			eligible = append(eligible, entry)
		}
	}
	SortForLeasing(eligible)
	if len(eligible) > req.Limit {
		eligible = eligible[:req.Limit]
	}
	out := make([]QueueEntry, 0, len(eligible))
	for _, entry := range eligible {
		lockedAt := req.Now
		entry.Status = EntryStatusProcessing
		entry.LockedBy = req.WorkerID
		entry.LockedAt = &lockedAt
		entry.UpdatedAt = req.Now
		s.entries[entry.ID] = entry
		out = append(out, entry)
	}
	return out, nil
}

func (s *memoryQueueStore) MarkDelivered(_ context.Context, entryID string, workerID string, now time.Time) (QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[entryID]
	if !ok || entry.Status != EntryStatusProcessing || entry.LockedBy != workerID {
		return QueueEntry{}, StaleLeaseError(entryID, workerID)
	}
	entry.Status = EntryStatusDelivered
	entry.DeliveredAt = &now
	entry.LockedAt = nil
	entry.LockedBy = ""
	entry.UpdatedAt = now
	s.entries[entryID] = entry
	return entry, nil
}

func (s *memoryQueueStore) MarkFailure(_ context.Context, entryID string, workerID string, now time.Time, policy FailurePolicy) (QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[entryID]
	if !ok || entry.Status != EntryStatusProcessing || entry.LockedBy != workerID {
		return QueueEntry{}, StaleLeaseError(entryID, workerID)
	}
	entry.AttemptCount++
	transition := policy(entry.AttemptCount)
	entry.Status = transition.Status
	entry.AvailableAt = transition.AvailableAt
	entry.LastError = transition.LastError
	entry.LockedAt = nil
	entry.LockedBy = ""
	entry.UpdatedAt = now
	s.entries[entryID] = entry
	return entry, nil
}

func (s *memoryQueueStore) ReapExpired(_ context.Context, req ReapRequest, policy FailurePolicy) (ReapResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := req.Now.Add(-req.LeaseTimeout)
	var result ReapResult
	for id, entry := range s.entries {
		if entry.Status != EntryStatusProcessing || entry.LockedAt == nil || !entry.LockedAt.Before(cutoff) {
			continue
		}
		entry.AttemptCount++
		transition := policy(entry.AttemptCount)
		entry.Status = transition.Status
		entry.AvailableAt = transition.AvailableAt
		entry.LastError = transition.LastError
		entry.LockedAt = nil
		entry.LockedBy = ""
		entry.UpdatedAt = req.Now
		s.entries[id] = entry
		if entry.Status == EntryStatusFailed {
			result.Failed = append(result.Failed, entry)
		} else {
			result.Requeued = append(result.Requeued, entry)
		}
	}
	return result, nil
}

func (s *memoryQueueStore) Requeue(_ context.Context, entryID string, now time.Time) (QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[entryID]
	if !ok {
		return QueueEntry{}, NotFoundError("queue entry", entryID)
	}
	if entry.Status != EntryStatusFailed {
		return QueueEntry{}, ValidationError("only failed entries can be requeued", nil)
	}
	entry.Status = EntryStatusPending
	entry.AttemptCount = 0
	entry.AvailableAt = now
	entry.UpdatedAt = now
	s.entries[entryID] = entry
	return entry, nil
}

func (s *memoryQueueStore) Get(_ context.Context, entryID string) (QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[entryID]
	if !ok {
		return QueueEntry{}, NotFoundError("queue entry", entryID)
	}
	return entry, nil
}

func (s *memoryQueueStore) Stats(context.Context) (QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats QueueStats
	for _, entry := range s.entries {
		switch entry.Status {
		case EntryStatusPending:
			stats.Pending++
		case EntryStatusProcessing:
			stats.Processing++
		case EntryStatusDelivered:
			stats.Delivered++
		case EntryStatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

func (s *memoryQueueStore) leaseLimits() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.leaseLog...)
}

type memoryReceiptStore struct {
	mu       sync.Mutex
	seq      int
	receipts map[string]WebhookReceipt
}

func newMemoryReceiptStore() *memoryReceiptStore {
	return &memoryReceiptStore{receipts: map[string]WebhookReceipt{}}
}

func (s *memoryReceiptStore) Insert(_ context.Context, receipt WebhookReceipt) (WebhookReceipt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.receipts {
		if existing.Provider == receipt.Provider && existing.ExternalEventID == receipt.ExternalEventID {
			return existing, false, nil
		}
	}
	s.seq++
	receipt.ID = fmt.Sprintf("rcpt-%04d", s.seq)
	s.receipts[receipt.ID] = receipt
	return receipt, true, nil
}

func (s *memoryReceiptStore) Get(_ context.Context, id string) (WebhookReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	receipt, ok := s.receipts[id]
	if !ok {
		return WebhookReceipt{}, NotFoundError("webhook receipt", id)
	}
	return receipt, nil
}

func (s *memoryReceiptStore) FindByExternalID(_ context.Context, provider string, externalEventID string) (WebhookReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, receipt := range s.receipts {
		if receipt.Provider == provider && receipt.ExternalEventID == externalEventID {
			return receipt, nil
		}
	}
	return WebhookReceipt{}, NotFoundError("webhook receipt", provider+"/"+externalEventID)
}

func (s *memoryReceiptStore) MarkProcessed(_ context.Context, id string, outcome ProcessingOutcome, now time.Time) (WebhookReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	receipt, ok := s.receipts[id]
	if !ok {
		return WebhookReceipt{}, NotFoundError("webhook receipt", id)
	}
	if receipt.Status != ReceiptStatusReceived {
		return WebhookReceipt{}, ValidationError("receipt already processed", nil)
	}
	receipt.Status = ReceiptStatusProcessed
	if outcome.Failed {
		receipt.Status = ReceiptStatusFailed
		receipt.ErrorMessage = outcome.Error
	}
	receipt.ProcessedAt = &now
	s.receipts[id] = receipt
	return receipt, nil
}

func (s *memoryReceiptStore) ListStuck(_ context.Context, receivedBefore time.Time, limit int) ([]WebhookReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WebhookReceipt, 0)
	for _, receipt := range s.receipts {
		if receipt.Status == ReceiptStatusReceived && receipt.ReceivedAt.Before(receivedBefore) {
			out = append(out, receipt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memoryJobStateStore struct {
	mu     sync.Mutex
	states map[string]JobState
}

func newMemoryJobStateStore() *memoryJobStateStore {
	return &memoryJobStateStore{states: map[string]JobState{}}
}

func (s *memoryJobStateStore) Acquire(_ context.Context, req AcquireRequest) (JobState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := req.Now
	state, ok := s.states[req.JobName]
	if !ok {
		state = JobState{ID: "job-" + req.JobName, JobName: req.JobName, CreatedAt: now}
	} else if !state.LeaseExpired(now, req.LeaseTimeout) {
		return JobState{}, LockHeldError(req.JobName, state.LockedBy)
	}
	state.LockedBy = req.WorkerID
	state.LockedAt = &now
	state.UpdatedAt = now
	s.states[req.JobName] = state
	return state, nil
}

func (s *memoryJobStateStore) Heartbeat(_ context.Context, jobName string, workerID string, now time.Time) (JobState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[jobName]
	if !ok || state.LockedBy != workerID {
		return JobState{}, LockLostError(jobName, workerID)
	}
	state.LockedAt = &now
	s.states[jobName] = state
	return state, nil
}

func (s *memoryJobStateStore) Get(_ context.Context, jobName string) (JobState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[jobName]
	if !ok {
		return JobState{}, NotFoundError("job state", jobName)
	}
	return state, nil
}

func (s *memoryJobStateStore) SaveState(_ context.Context, jobName string, workerID string, data map[string]any, checksum string, now time.Time) (JobState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[jobName]
	if !ok || state.LockedBy != workerID {
		return JobState{}, LockLostError(jobName, workerID)
	}
	state.State = data
	state.Checksum = checksum
	state.UpdatedAt = now
	s.states[jobName] = state
	return state, nil
}

func (s *memoryJobStateStore) Release(_ context.Context, jobName string, workerID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[jobName]
	if !ok || state.LockedBy != workerID {
		return nil
	}
	state.LockedBy = ""
	state.LockedAt = nil
	state.UpdatedAt = now
	s.states[jobName] = state
	return nil
}

// steal simulates another worker taking over an expired lease.
func (s *memoryJobStateStore) steal(jobName string, workerID string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.states[jobName]
	state.LockedBy = workerID
	state.LockedAt = &now
	s.states[jobName] = state
}

type recordingMetrics struct {
	mu       sync.Mutex
	counters map[string]int64
	tags     map[string]map[string]string
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{counters: map[string]int64{}, tags: map[string]map[string]string{}}
}

func (m *recordingMetrics) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += value
	m.tags[name] = tags
}

func (m *recordingMetrics) ObserveHistogram(context.Context, string, float64, map[string]string) {}

func (m *recordingMetrics) counter(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

// lastTag returns a tag from the most recent increment of name.
func (m *recordingMetrics) lastTag(name, key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tags[name][key]
}

type logEntry struct {
	level string
	msg   string
}

type capturingLogger struct {
	mu      sync.Mutex
	entries *[]logEntry
}

func newCapturingLogger() *capturingLogger {
	entries := []logEntry{}
	return &capturingLogger{entries: &entries}
}

func (l *capturingLogger) record(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.entries = append(*l.entries, logEntry{level: level, msg: msg})
}

func (l *capturingLogger) Trace(msg string, _ ...any) { l.record("trace", msg) }
func (l *capturingLogger) Debug(msg string, _ ...any) { l.record("debug", msg) }
func (l *capturingLogger) Info(msg string, _ ...any)  { l.record("info", msg) }
func (l *capturingLogger) Warn(msg string, _ ...any)  { l.record("warn", msg) }
func (l *capturingLogger) Error(msg string, _ ...any) { l.record("error", msg) }
func (l *capturingLogger) Fatal(msg string, _ ...any) { l.record("fatal", msg) }

func (l *capturingLogger) WithContext(context.Context) glog.Logger {
	return l
}

func (l *capturingLogger) has(level, msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, entry := range *l.entries {
		if entry.level == level && entry.msg == msg {
			return true
		}
	}
	return false
}

type namingProvider struct {
	mu     sync.Mutex
	names  map[string]bool
	logger *capturingLogger
}

func newNamingProvider() *namingProvider {
	return &namingProvider{names: map[string]bool{}, logger: newCapturingLogger()}
}

func (p *namingProvider) GetLogger(name string) glog.Logger {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.names[name] = true
	return p.logger
}

func (p *namingProvider) requested(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.names[name]
}

var (
	_ QueueStore    = (*memoryQueueStore)(nil)
	_ EventStore    = (*memoryEventStore)(nil)
	_ ReceiptStore  = (*memoryReceiptStore)(nil)
	_ JobStateStore = (*memoryJobStateStore)(nil)
	_ glog.Logger   = (*capturingLogger)(nil)
)
