package sqlstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-dispatch/core"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

type stubReceiptStore struct {
	mu        sync.Mutex
	receipt   core.WebhookReceipt
	findCalls int
	findErr   error
}

func (s *stubReceiptStore) Insert(_ context.Context, receipt core.WebhookReceipt) (core.WebhookReceipt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipt = cloneReceipt(receipt)
	return cloneReceipt(receipt), true, nil
}

func (s *stubReceiptStore) Get(context.Context, string) (core.WebhookReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneReceipt(s.receipt), nil
}

func (s *stubReceiptStore) FindByExternalID(context.Context, string, string) (core.WebhookReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findCalls++
	if s.findErr != nil {
		return core.WebhookReceipt{}, s.findErr
	}
	return cloneReceipt(s.receipt), nil
}

func (s *stubReceiptStore) MarkProcessed(_ context.Context, _ string, _ core.ProcessingOutcome, now time.Time) (core.WebhookReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipt.Status = core.ReceiptStatusProcessed
	s.receipt.ProcessedAt = &now
	return cloneReceipt(s.receipt), nil
}

func (s *stubReceiptStore) ListStuck(context.Context, time.Time, int) ([]core.WebhookReceipt, error) {
	return nil, nil
}

func newTestReceiptCacheService(t *testing.T) repositorycache.CacheService {
	t.Helper()
	config := repositorycache.DefaultConfig()
	config.TTL = time.Minute
	service, err := repositorycache.NewCacheService(config)
	if err != nil {
		t.Fatalf("new cache service: %v", err)
	}
	return service
}

func TestCachedReceiptReader_FindHitsCacheUntilMarked(t *testing.T) {
	ctx := context.Background()
	base := &stubReceiptStore{receipt: core.WebhookReceipt{
		ID:              "r1",
		Provider:        "stripe",
		ExternalEventID: "evt_1",
		Status:          core.ReceiptStatusReceived,
	}}
	reader, err := NewCachedReceiptReader(base, newTestReceiptCacheService(t))
	if err != nil {
		t.Fatalf("new cached reader: %v", err)
	}

	for i := 0; i < 2; i++ {
		receipt, err := reader.FindByExternalID(ctx, "stripe", "evt_1")
		if err != nil {
			t.Fatalf("find %d: %v", i, err)
		}
		if receipt.Status != core.ReceiptStatusReceived {
			t.Fatalf("unexpected status %s", receipt.Status)
		}
	}
	if base.findCalls != 1 {
		t.Fatalf("expected second find to be a cache hit, base calls=%d", base.findCalls)
	}

	if _, err := reader.MarkProcessed(ctx, "r1", core.ProcessingOutcome{}, time.Now()); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	receipt, err := reader.FindByExternalID(ctx, "stripe", "evt_1")
	if err != nil {
		t.Fatalf("find after mark: %v", err)
	}
	if receipt.Status != core.ReceiptStatusProcessed || base.findCalls != 2 {
		t.Fatalf("expected mark to evict cached receipt, status=%s calls=%d", receipt.Status, base.findCalls)
	}
}

func TestCachedReceiptReader_PropagatesBaseErrors(t *testing.T) {
	base := &stubReceiptStore{findErr: core.NotFoundError("webhook receipt", "stripe/evt_404")}
	reader, err := NewCachedReceiptReader(base, newTestReceiptCacheService(t))
	if err != nil {
		t.Fatalf("new cached reader: %v", err)
	}
	if _, err := reader.FindByExternalID(context.Background(), "stripe", "evt_404"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found propagation, got %v", err)
	}
}

func TestReceiptCacheKey(t *testing.T) {
	key, err := ReceiptCacheKey(" stripe ", "evt/1")
	if err != nil {
		t.Fatalf("cache key: %v", err)
	}
	if key != "go-dispatch::webhook_receipt::v1::stripe::evt%2F1" {
		t.Fatalf("unexpected cache key %q", key)
	}
	if _, err := ReceiptCacheKey("", "x"); !errors.Is(err, core.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
