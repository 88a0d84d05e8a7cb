package webhooks

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/goliatone/go-dispatch/core"
)

// Request is a transport-agnostic inbound webhook.
type Request struct {
	Provider string
	Headers  map[string]string
	Body     []byte
	Metadata map[string]any
}

type Result struct {
	Outcome    core.AdmitOutcome
	StatusCode int
	Receipt    core.WebhookReceipt
	HashDrift  bool
	Metadata   map[string]any
}

type Handler interface {
	Handle(ctx context.Context, req Request, receipt core.WebhookReceipt) error
}

type HandlerFunc func(ctx context.Context, req Request, receipt core.WebhookReceipt) error

func (fn HandlerFunc) Handle(ctx context.Context, req Request, receipt core.WebhookReceipt) error {
	return fn(ctx, req, receipt)
}

// Intake is the part of core.IntakeGuard the processor drives.
type Intake interface {
	Admit(ctx context.Context, req core.AdmitRequest) (core.AdmitResult, error)
	MarkProcessed(ctx context.Context, receiptID string, outcome core.ProcessingOutcome) (core.WebhookReceipt, error)
}

type Processor struct {
	Intake    Intake
	Handler   Handler
	Templates map[string]ProviderTemplate
	ExtractID ExternalIDExtractor
}

func NewProcessor(intake Intake, handler Handler, templates ...ProviderTemplate) *Processor {
	processor := &Processor{
		Intake:    intake,
		Handler:   handler,
		Templates: map[string]ProviderTemplate{},
		ExtractID: DefaultExternalIDExtractor,
	}
	for _, template := range templates {
		processor.Templates[normalizeProvider(template.Provider)] = template
	}
	return processor
}

// Process admits the request and runs the handler at most once per
// (provider, external id). Rejected signatures return 401 without error;
// replays return 200 without invoking the handler.
func (p *Processor) Process(ctx context.Context, req Request) (Result, error) {
	if p == nil || p.Intake == nil || p.Handler == nil {
		return Result{}, fmt.Errorf("webhooks: processor requires intake and handler")
	}
	provider := strings.TrimSpace(req.Provider)
	if provider == "" {
		return Result{}, core.ValidationError("webhook provider is required", nil)
	}
	req.Provider = provider
	template := p.Templates[normalizeProvider(provider)]

	externalID, err := p.extractor(template)(req)
	if err != nil {
		return Result{}, core.ValidationError(err.Error(), map[string]any{"provider": provider})
	}

	signature := ""
	if template.SignatureHeader != "" {
		signature = headerValue(req.Headers, template.SignatureHeader)
	}

	admitted, err := p.Intake.Admit(ctx, core.AdmitRequest{
		Provider:        provider,
		ExternalEventID: externalID,
		Signature:       signature,
		Payload:         req.Body,
		Metadata:        copyMetadata(req.Metadata),
	})
	if err != nil {
		return Result{}, err
	}

	result := Result{
		Outcome:   admitted.Outcome,
		Receipt:   admitted.Receipt,
		HashDrift: admitted.HashDrift,
		Metadata: map[string]any{
			"provider":          provider,
			"external_event_id": externalID,
		},
	}
	switch admitted.Outcome {
	case core.AdmitRejectedSignature:
		result.StatusCode = http.StatusUnauthorized
		return result, nil
	case core.AdmitAlreadyReceived:
		result.StatusCode = http.StatusOK
		result.Metadata["deduped"] = true
		result.Metadata["status"] = string(admitted.Receipt.Status)
		return result, nil
	}

	handleErr := p.Handler.Handle(ctx, req, admitted.Receipt)
	outcome := core.ProcessingOutcome{}
	if handleErr != nil {
		outcome = core.ProcessingOutcome{Failed: true, Error: handleErr.Error()}
	}
	marked, err := p.Intake.MarkProcessed(ctx, admitted.Receipt.ID, outcome)
	if err != nil {
		return result, err
	}
	result.Receipt = marked
	if handleErr != nil {
		result.StatusCode = http.StatusInternalServerError
		return result, handleErr
	}
	result.StatusCode = http.StatusOK
	return result, nil
}

func (p *Processor) extractor(template ProviderTemplate) ExternalIDExtractor {
	if template.Extractor != nil {
		return ChainExternalIDExtractors(template.Extractor, p.defaultExtractor())
	}
	return p.defaultExtractor()
}

func (p *Processor) defaultExtractor() ExternalIDExtractor {
	if p.ExtractID != nil {
		return p.ExtractID
	}
	return DefaultExternalIDExtractor
}

func copyMetadata(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(metadata))
	for key, value := range metadata {
		out[key] = value
	}
	return out
}

var _ Intake = (*core.IntakeGuard)(nil)
