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

const defaultStuckLimit = 100

type WebhookReceiptStore struct {
	db   *bun.DB
	repo repository.Repository[*webhookReceiptRecord]
}

func NewWebhookReceiptStore(db *bun.DB) (*WebhookReceiptStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*webhookReceiptRecord](db, webhookReceiptHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid webhook receipt repository wiring: %w", err)
		}
	}
	return &WebhookReceiptStore{db: db, repo: repo}, nil
}

// Insert relies on the (provider, external_event_id) unique index. A
// conflicting insert returns the stored row and created=false.
func (s *WebhookReceiptStore) Insert(ctx context.Context, receipt core.WebhookReceipt) (core.WebhookReceipt, bool, error) {
	if s == nil || s.repo == nil {
		return core.WebhookReceipt{}, false, fmt.Errorf("sqlstore: webhook receipt store is not configured")
	}
	provider := strings.TrimSpace(receipt.Provider)
	externalID := strings.TrimSpace(receipt.ExternalEventID)
	if provider == "" || externalID == "" {
		return core.WebhookReceipt{}, false, core.ValidationError("provider and external event id are required", nil)
	}

	record := &webhookReceiptRecord{
		ID:              strings.TrimSpace(receipt.ID),
		Provider:        provider,
		ExternalEventID: externalID,
		PayloadHash:     strings.TrimSpace(receipt.PayloadHash),
		Metadata:        copyAnyMap(receipt.Metadata),
		Status:          string(core.ReceiptStatusReceived),
		ErrorMessage:    "",
		ReceivedAt:      utcOrNow(receipt.ReceivedAt),
	}
	if record.ID == "" {
		record.ID = newID()
	}
	if receipt.Signature != nil {
		record.Signature = stringPointer(*receipt.Signature)
	}

	created, err := s.repo.Create(ctx, record)
	if err != nil {
		if !isUniqueViolation(err) {
			return core.WebhookReceipt{}, false, err
		}
		existing, findErr := s.FindByExternalID(ctx, provider, externalID)
		if findErr != nil {
			return core.WebhookReceipt{}, false, findErr
		}
		return existing, false, nil
	}
	return toWebhookReceipt(created), true, nil
}

func (s *WebhookReceiptStore) Get(ctx context.Context, id string) (core.WebhookReceipt, error) {
	if s == nil || s.db == nil {
		return core.WebhookReceipt{}, fmt.Errorf("sqlstore: webhook receipt store is not configured")
	}
	id = strings.TrimSpace(id)
	record := &webhookReceiptRecord{}
	err := s.db.NewSelect().Model(record).Where("id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return core.WebhookReceipt{}, core.NotFoundError("webhook receipt", id)
		}
		return core.WebhookReceipt{}, err
	}
	return toWebhookReceipt(record), nil
}

func (s *WebhookReceiptStore) FindByExternalID(ctx context.Context, provider string, externalEventID string) (core.WebhookReceipt, error) {
	if s == nil || s.db == nil {
		return core.WebhookReceipt{}, fmt.Errorf("sqlstore: webhook receipt store is not configured")
	}
	provider = strings.TrimSpace(provider)
	externalEventID = strings.TrimSpace(externalEventID)
	record := &webhookReceiptRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("provider = ?", provider).
		Where("external_event_id = ?", externalEventID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return core.WebhookReceipt{}, core.NotFoundError("webhook receipt", provider+"/"+externalEventID)
		}
		return core.WebhookReceipt{}, err
	}
	return toWebhookReceipt(record), nil
}

// MarkProcessed records the outcome once. A receipt that already left the
// received state is rejected.
func (s *WebhookReceiptStore) MarkProcessed(ctx context.Context, id string, outcome core.ProcessingOutcome, now time.Time) (core.WebhookReceipt, error) {
	if s == nil || s.db == nil {
		return core.WebhookReceipt{}, fmt.Errorf("sqlstore: webhook receipt store is not configured")
	}
	id = strings.TrimSpace(id)
	now = utcOrNow(now)
	status := core.ReceiptStatusProcessed
	message := ""
	if outcome.Failed {
		status = core.ReceiptStatusFailed
		message = strings.TrimSpace(outcome.Error)
	}

	result, err := s.db.NewUpdate().
		Model((*webhookReceiptRecord)(nil)).
		Set("status = ?", string(status)).
		Set("error_message = ?", message).
		Set("processed_at = ?", now).
		Where("id = ?", id).
		Where("status = ?", string(core.ReceiptStatusReceived)).
		Exec(ctx)
	if err != nil {
		return core.WebhookReceipt{}, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return core.WebhookReceipt{}, err
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return core.WebhookReceipt{}, err
	}
	if affected == 0 {
		return core.WebhookReceipt{}, core.ValidationError("webhook receipt already marked", map[string]any{
			"receipt_id": id,
			"status":     string(current.Status),
		})
	}
	return current, nil
}

// ListStuck returns receipts still in received state that arrived before
// receivedBefore, oldest first.
func (s *WebhookReceiptStore) ListStuck(ctx context.Context, receivedBefore time.Time, limit int) ([]core.WebhookReceipt, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: webhook receipt store is not configured")
	}
	if limit <= 0 {
		limit = defaultStuckLimit
	}
	var records []webhookReceiptRecord
	err := s.db.NewSelect().
		Model(&records).
		Where("status = ?", string(core.ReceiptStatusReceived)).
		Where("received_at < ?", receivedBefore.UTC()).
		OrderExpr("received_at ASC, id ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil && !isNoRows(err) {
		return nil, err
	}
	out := make([]core.WebhookReceipt, 0, len(records))
	for i := range records {
		out = append(out, toWebhookReceipt(&records[i]))
	}
	return out, nil
}
