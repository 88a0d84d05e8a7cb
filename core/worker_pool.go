package core

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type WorkerPoolConfig struct {
	Workers         int
	Slots           int
	BatchSize       int
	PollInterval    time.Duration
	DeliveryTimeout time.Duration
	LeaseTimeout    time.Duration
	ReapInterval    time.Duration
	// WorkerID is the identity prefix; worker n leases as "<WorkerID>-<n>".
	WorkerID string
}

func (c DispatchConfig) WorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:         c.Workers,
		Slots:           c.Slots,
		BatchSize:       c.BatchSize,
		PollInterval:    c.PollInterval,
		DeliveryTimeout: c.DeliveryTimeout,
		LeaseTimeout:    c.LeaseTimeout,
		ReapInterval:    c.ReapInterval,
	}
}

// WorkerPool runs N leasing workers that share a fixed number of delivery
// slots. A worker reserves slots before it leases, so rows are never leased
// ahead of capacity.
type WorkerPool struct {
	queue     *DispatchQueue
	transport Transport
	config    WorkerPoolConfig
	slots     chan struct{}
	inflight  sync.WaitGroup
	running   atomic.Bool
	instrumentation
}

func NewWorkerPool(queue *DispatchQueue, transport Transport, config WorkerPoolConfig) (*WorkerPool, error) {
	if queue == nil {
		return nil, ValidationError("core: dispatch queue is required", nil)
	}
	if transport == nil {
		return nil, ValidationError("core: transport is required", nil)
	}
	defaults := DefaultConfig().Dispatch
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.Slots <= 0 {
		config.Slots = config.Workers
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.DeliveryTimeout <= 0 {
		config.DeliveryTimeout = defaults.DeliveryTimeout
	}
	if config.LeaseTimeout <= 0 {
		config.LeaseTimeout = queue.config.LeaseTimeout
	}
	if config.ReapInterval <= 0 {
		config.ReapInterval = defaults.ReapInterval
	}
	if strings.TrimSpace(config.WorkerID) == "" {
		config.WorkerID = DefaultWorkerID()
	}
	return &WorkerPool{
		queue:           queue,
		transport:       transport,
		config:          config,
		slots:           make(chan struct{}, config.Slots),
		instrumentation: queue.instrumentation,
	}, nil
}

// DefaultWorkerID is "<hostname>-<pid>".
func DefaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		host = "dispatch"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}

func (p *WorkerPool) Config() WorkerPoolConfig {
	return p.config
}

func (p *WorkerPool) WorkerIDs() []string {
	ids := make([]string, 0, p.config.Workers)
	for n := 0; n < p.config.Workers; n++ {
		ids = append(ids, p.workerID(n))
	}
	return ids
}

func (p *WorkerPool) workerID(n int) string {
	return fmt.Sprintf("%s-%d", p.config.WorkerID, n)
}

// Run blocks until ctx is cancelled, then waits for in-flight deliveries.
func (p *WorkerPool) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("core: worker pool is already running")
	}
	defer p.running.Store(false)

	p.logInfo(ctx, "dispatch worker pool started", map[string]any{
		"workers":   p.config.Workers,
		"slots":     p.config.Slots,
		"worker_id": p.config.WorkerID,
	})

	var loops sync.WaitGroup
	for n := 0; n < p.config.Workers; n++ {
		loops.Add(1)
		go func(workerID string) {
			defer loops.Done()
			p.workerLoop(ctx, workerID)
		}(p.workerID(n))
	}
	loops.Add(1)
	go func() {
		defer loops.Done()
		p.reaperLoop(ctx)
	}()

	<-ctx.Done()
	loops.Wait()
	p.inflight.Wait()
	p.logInfo(context.WithoutCancel(ctx), "dispatch worker pool stopped", map[string]any{"worker_id": p.config.WorkerID})
	return nil
}

// RunOnce performs a single lease and deliver cycle for the first worker
// identity and waits for the leased deliveries to finish.
func (p *WorkerPool) RunOnce(ctx context.Context) (int, error) {
	leased, err := p.cycle(ctx, p.workerID(0))
	p.inflight.Wait()
	return leased, err
}

// ReapOnce runs a single reaper pass.
func (p *WorkerPool) ReapOnce(ctx context.Context) (ReapResult, error) {
	return p.queue.ReapExpiredLeases(ctx, p.config.LeaseTimeout, time.Time{})
}

func (p *WorkerPool) workerLoop(ctx context.Context, workerID string) {
	for {
		if ctx.Err() != nil {
			return
		}
		leased, err := p.cycle(ctx, workerID)
		if err != nil && ctx.Err() == nil {
			p.logError(ctx, "dispatch lease cycle failed", map[string]any{
				"worker_id": workerID,
				"error":     err.Error(),
			})
		}
		if leased > 0 {
			continue
		}
		if !sleepContext(ctx, p.config.PollInterval) {
			return
		}
	}
}

func (p *WorkerPool) reaperLoop(ctx context.Context) {
	ticker := time.NewTicker(p.config.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.ReapOnce(ctx); err != nil && ctx.Err() == nil {
				p.logError(ctx, "dispatch lease reaper failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

// cycle reserves free slots, leases at most that many rows and starts one
// delivery per row. Unused slots are returned immediately.
func (p *WorkerPool) cycle(ctx context.Context, workerID string) (int, error) {
	reserved := p.reserveSlots(p.config.BatchSize)
	if reserved == 0 {
		return 0, nil
	}
	entries, err := p.queue.LeaseBatch(ctx, workerID, reserved, time.Time{})
	if unused := reserved - len(entries); unused > 0 {
		p.releaseSlots(unused)
	}
	if err != nil {
		return 0, err
	}
	for _, entry := range entries {
		p.inflight.Add(1)
		go func(entry QueueEntry) {
			defer p.inflight.Done()
			defer p.releaseSlots(1)
			p.deliver(ctx, workerID, entry)
		}(entry)
	}
	return len(entries), nil
}

func (p *WorkerPool) reserveSlots(max int) int {
	reserved := 0
	for reserved < max {
		select {
		case p.slots <- struct{}{}:
			reserved++
		default:
			return reserved
		}
	}
	return reserved
}

func (p *WorkerPool) releaseSlots(n int) {
	for i := 0; i < n; i++ {
		<-p.slots
	}
}

// deliver runs outside the pool context so shutdown drains in-flight rows
// instead of abandoning them to the reaper.
func (p *WorkerPool) deliver(ctx context.Context, workerID string, entry QueueEntry) {
	ctx = context.WithoutCancel(ctx)
	startedAt := time.Now()
	fields := map[string]any{
		"worker_id":     workerID,
		"entry_id":      entry.ID,
		"event_id":      entry.EventID,
		"attempt_count": entry.AttemptCount,
	}

	deliveryErr := p.invokeTransport(ctx, entry)
	p.recordHistogram(ctx, "dispatch.delivery.duration_ms", float64(time.Since(startedAt).Milliseconds()), map[string]string{
		"status": deliveryStatus(deliveryErr),
	})

	if deliveryErr == nil {
		if _, err := p.queue.ReportSuccess(ctx, entry.ID, workerID); err != nil {
			p.logReportError(ctx, "report success", err, fields)
		}
		return
	}

	wrapped := TransportFailure(deliveryErr, map[string]any{"entry_id": entry.ID})
	fields["error"] = wrapped.Error()
	p.logWarn(ctx, "dispatch delivery failed", fields)

	_, err := p.queue.ReportFailure(ctx, FailureReport{
		EntryID:      entry.ID,
		WorkerID:     workerID,
		Err:          deliveryErr,
		NonRetryable: IsNonRetryable(deliveryErr),
	})
	if err != nil {
		p.logReportError(ctx, "report failure", err, fields)
	}
}

func (p *WorkerPool) invokeTransport(ctx context.Context, entry QueueEntry) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("core: transport panic: %v", recovered)
		}
	}()
	event, err := p.queue.Event(ctx, entry.EventID)
	if err != nil {
		return err
	}
	deliveryCtx, cancel := context.WithTimeout(ctx, p.config.DeliveryTimeout)
	defer cancel()
	return p.transport.Deliver(deliveryCtx, Delivery{Entry: entry, Event: event})
}

// Contention here means the reaper or another worker took the row back.
func (p *WorkerPool) logReportError(ctx context.Context, action string, err error, fields map[string]any) {
	fields = cloneFields(fields)
	fields["error"] = err.Error()
	if IsContention(err) {
		p.logInfo(ctx, "dispatch "+action+" skipped, lease no longer held", fields)
		return
	}
	p.logError(ctx, "dispatch "+action+" failed", fields)
}

func deliveryStatus(err error) string {
	if err == nil {
		return "delivered"
	}
	return "failed"
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
