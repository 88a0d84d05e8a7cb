package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-dispatch/core"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const receiptCacheKeyPrefix = "go-dispatch::webhook_receipt::v1"

// CachedReceiptReader fronts a ReceiptStore with a read-through cache for
// replay lookups. Writes go to the base store and evict the cached entry.
// Insert never populates the cache so dedupe still hits the unique index.
type CachedReceiptReader struct {
	base  core.ReceiptStore
	cache repositorycache.CacheService
}

func NewCachedReceiptReader(base core.ReceiptStore, cacheService repositorycache.CacheService) (*CachedReceiptReader, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base receipt store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: receipt cache service is required")
	}
	return &CachedReceiptReader{base: base, cache: cacheService}, nil
}

// ReceiptCacheKey returns go-dispatch::webhook_receipt::v1::<provider>::<external_event_id>
// with each segment URL-path escaped.
func ReceiptCacheKey(provider string, externalEventID string) (string, error) {
	provider = strings.TrimSpace(provider)
	externalEventID = strings.TrimSpace(externalEventID)
	if provider == "" || externalEventID == "" {
		return "", core.ValidationError("provider and external event id are required", nil)
	}
	return strings.Join([]string{
		receiptCacheKeyPrefix,
		url.PathEscape(provider),
		url.PathEscape(externalEventID),
	}, "::"), nil
}

func (s *CachedReceiptReader) Insert(ctx context.Context, receipt core.WebhookReceipt) (core.WebhookReceipt, bool, error) {
	if s == nil || s.base == nil {
		return core.WebhookReceipt{}, false, fmt.Errorf("sqlstore: cached receipt reader is not configured")
	}
	return s.base.Insert(ctx, receipt)
}

func (s *CachedReceiptReader) Get(ctx context.Context, id string) (core.WebhookReceipt, error) {
	if s == nil || s.base == nil {
		return core.WebhookReceipt{}, fmt.Errorf("sqlstore: cached receipt reader is not configured")
	}
	return s.base.Get(ctx, id)
}

func (s *CachedReceiptReader) FindByExternalID(ctx context.Context, provider string, externalEventID string) (core.WebhookReceipt, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.WebhookReceipt{}, fmt.Errorf("sqlstore: cached receipt reader is not configured")
	}
	cacheKey, err := ReceiptCacheKey(provider, externalEventID)
	if err != nil {
		return core.WebhookReceipt{}, err
	}
	receipt, err := repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (core.WebhookReceipt, error) {
		return s.base.FindByExternalID(ctx, provider, externalEventID)
	})
	if err != nil {
		return core.WebhookReceipt{}, err
	}
	return cloneReceipt(receipt), nil
}

func (s *CachedReceiptReader) MarkProcessed(ctx context.Context, id string, outcome core.ProcessingOutcome, now time.Time) (core.WebhookReceipt, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.WebhookReceipt{}, fmt.Errorf("sqlstore: cached receipt reader is not configured")
	}
	updated, err := s.base.MarkProcessed(ctx, id, outcome, now)
	if err != nil {
		return core.WebhookReceipt{}, err
	}
	cacheKey, err := ReceiptCacheKey(updated.Provider, updated.ExternalEventID)
	if err != nil {
		return core.WebhookReceipt{}, err
	}
	if err := s.cache.Delete(ctx, cacheKey); err != nil {
		return core.WebhookReceipt{}, err
	}
	return updated, nil
}

func (s *CachedReceiptReader) ListStuck(ctx context.Context, receivedBefore time.Time, limit int) ([]core.WebhookReceipt, error) {
	if s == nil || s.base == nil {
		return nil, fmt.Errorf("sqlstore: cached receipt reader is not configured")
	}
	return s.base.ListStuck(ctx, receivedBefore, limit)
}

func cloneReceipt(receipt core.WebhookReceipt) core.WebhookReceipt {
	cloned := receipt
	cloned.Metadata = copyAnyMap(receipt.Metadata)
	cloned.ProcessedAt = cloneTimePointer(receipt.ProcessedAt)
	if receipt.Signature != nil {
		signature := *receipt.Signature
		cloned.Signature = &signature
	}
	return cloned
}
