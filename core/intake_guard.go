package core

import (
	"context"
	"strings"
	"time"
)

// IntakeGuard admits each (provider, external event id) pair at most once.
// The unique index on the receipts table is the arbiter; the guard only
// translates its outcome.
type IntakeGuard struct {
	store    ReceiptStore
	verifier SignatureVerifier
	config   IntakeConfig
	now      func() time.Time
	instrumentation
}

type IntakeGuardOption func(*IntakeGuard)

func WithSignatureVerifier(verifier SignatureVerifier) IntakeGuardOption {
	return func(g *IntakeGuard) {
		g.verifier = verifier
	}
}

func WithIntakeClock(now func() time.Time) IntakeGuardOption {
	return func(g *IntakeGuard) {
		if now != nil {
			g.now = now
		}
	}
}

func WithIntakeObservability(logger Logger, metrics MetricsRecorder) IntakeGuardOption {
	return func(g *IntakeGuard) {
		g.instrumentation = newInstrumentation(logger, metrics)
	}
}

func NewIntakeGuard(store ReceiptStore, config IntakeConfig, opts ...IntakeGuardOption) (*IntakeGuard, error) {
	if store == nil {
		return nil, ValidationError("core: receipt store is required", nil)
	}
	if config.StuckAfter <= 0 {
		config.StuckAfter = DefaultConfig().Intake.StuckAfter
	}
	g := &IntakeGuard{
		store:           store,
		config:          config,
		now:             func() time.Time { return time.Now().UTC() },
		instrumentation: newInstrumentation(nil, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g, nil
}

// Admit verifies and records an inbound webhook. Duplicate deliveries and
// bad signatures are outcomes, not errors.
func (g *IntakeGuard) Admit(ctx context.Context, req AdmitRequest) (result AdmitResult, err error) {
	startedAt := time.Now()
	defer func() {
		fields := map[string]any{
			"provider":          req.Provider,
			"external_event_id": req.ExternalEventID,
			"outcome":           string(result.Outcome),
		}
		g.observeOperation(ctx, startedAt, "admit", err, fields)
		if err == nil {
			g.recordCounter(ctx, "dispatch.intake.outcome", 1, map[string]string{
				"provider": req.Provider,
				"outcome":  string(result.Outcome),
			})
		}
	}()

	req.Provider = strings.TrimSpace(req.Provider)
	req.ExternalEventID = strings.TrimSpace(req.ExternalEventID)
	if req.Provider == "" {
		return AdmitResult{}, ValidationError("core: provider is required", nil)
	}
	if req.ExternalEventID == "" {
		return AdmitResult{}, ValidationError("core: external event id is required", map[string]any{"provider": req.Provider})
	}

	signature := strings.TrimSpace(req.Signature)
	if signature == "" && g.config.RequiresSignature(req.Provider) {
		g.logWarn(ctx, "webhook rejected, signature required", map[string]any{
			"provider":          req.Provider,
			"external_event_id": req.ExternalEventID,
		})
		return AdmitResult{Outcome: AdmitRejectedSignature}, nil
	}
	if signature != "" && g.verifier != nil {
		ok, verifyErr := g.verifier.Verify(ctx, req.Provider, signature, req.Payload)
		if verifyErr != nil || !ok {
			fields := map[string]any{
				"provider":          req.Provider,
				"external_event_id": req.ExternalEventID,
			}
			if verifyErr != nil {
				fields["error"] = verifyErr.Error()
			}
			g.logWarn(ctx, "webhook rejected, signature verification failed", fields)
			return AdmitResult{Outcome: AdmitRejectedSignature}, nil
		}
	}

	payloadHash := strings.TrimSpace(req.PayloadHash)
	if payloadHash == "" {
		payloadHash = PayloadHash(req.Payload)
	}
	receipt := WebhookReceipt{
		Provider:        req.Provider,
		ExternalEventID: req.ExternalEventID,
		PayloadHash:     payloadHash,
		Metadata:        cloneFields(req.Metadata),
		Status:          ReceiptStatusReceived,
		ReceivedAt:      g.now(),
	}
	if signature != "" {
		receipt.Signature = &signature
	}

	stored, created, err := g.store.Insert(ctx, receipt)
	if err != nil {
		return AdmitResult{}, err
	}
	if created {
		return AdmitResult{Outcome: AdmitAccepted, Receipt: stored}, nil
	}

	result = AdmitResult{Outcome: AdmitAlreadyReceived, Receipt: stored}
	if stored.PayloadHash != "" && stored.PayloadHash != payloadHash {
		result.HashDrift = true
		g.logWarn(ctx, "webhook replay payload differs from first delivery", map[string]any{
			"provider":          req.Provider,
			"external_event_id": req.ExternalEventID,
			"receipt_id":        stored.ID,
			"stored_hash":       stored.PayloadHash,
			"replayed_hash":     payloadHash,
		})
	}
	return result, nil
}

// MarkProcessed moves a received receipt to processed or failed exactly once.
func (g *IntakeGuard) MarkProcessed(ctx context.Context, receiptID string, outcome ProcessingOutcome) (receipt WebhookReceipt, err error) {
	startedAt := time.Now()
	defer func() {
		g.observeOperation(ctx, startedAt, "mark_processed", err, map[string]any{
			"receipt_id": receiptID,
			"provider":   receipt.Provider,
			"failed":     outcome.Failed,
		})
	}()

	receiptID = strings.TrimSpace(receiptID)
	if receiptID == "" {
		return WebhookReceipt{}, ValidationError("core: receipt id is required", nil)
	}
	if outcome.Failed && strings.TrimSpace(outcome.Error) == "" {
		outcome.Error = "processing failed"
	}
	return g.store.MarkProcessed(ctx, receiptID, outcome, g.now())
}

// ListStuck returns received receipts older than olderThan, oldest first.
// A zero olderThan uses the configured stuck_after threshold.
func (g *IntakeGuard) ListStuck(ctx context.Context, olderThan time.Duration, limit int) ([]WebhookReceipt, error) {
	if olderThan <= 0 {
		olderThan = g.config.StuckAfter
	}
	if limit <= 0 {
		limit = 100
	}
	receipts, err := g.store.ListStuck(ctx, g.now().Add(-olderThan), limit)
	if err != nil {
		return nil, err
	}
	if len(receipts) > 0 {
		g.recordCounter(ctx, "dispatch.intake.stuck", int64(len(receipts)), nil)
	}
	return receipts, nil
}

func (g *IntakeGuard) Get(ctx context.Context, receiptID string) (WebhookReceipt, error) {
	receiptID = strings.TrimSpace(receiptID)
	if receiptID == "" {
		return WebhookReceipt{}, ValidationError("core: receipt id is required", nil)
	}
	return g.store.Get(ctx, receiptID)
}
