package webhooks

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ProviderTemplate tells the processor where a provider puts its event id
// and signature.
type ProviderTemplate struct {
	Provider        string
	SignatureHeader string
	Extractor       ExternalIDExtractor
}

type ExternalIDExtractor func(req Request) (string, error)

var errMissingExternalID = fmt.Errorf("webhooks: external event id is required for dedupe")

func HeaderExternalIDExtractor(headers ...string) ExternalIDExtractor {
	keys := append([]string(nil), headers...)
	return func(req Request) (string, error) {
		for _, key := range keys {
			if value := headerValue(req.Headers, key); value != "" {
				return value, nil
			}
		}
		return "", errMissingExternalID
	}
}

// BodyFieldExternalIDExtractor reads a top-level string field of a JSON body.
func BodyFieldExternalIDExtractor(field string) ExternalIDExtractor {
	return func(req Request) (string, error) {
		if len(req.Body) == 0 {
			return "", errMissingExternalID
		}
		var body map[string]any
		if err := json.Unmarshal(req.Body, &body); err != nil {
			return "", errMissingExternalID
		}
		if value, ok := body[field].(string); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value), nil
		}
		return "", errMissingExternalID
	}
}

func ChainExternalIDExtractors(extractors ...ExternalIDExtractor) ExternalIDExtractor {
	list := append([]ExternalIDExtractor(nil), extractors...)
	return func(req Request) (string, error) {
		for _, extractor := range list {
			if extractor == nil {
				continue
			}
			id, err := extractor(req)
			if err == nil && strings.TrimSpace(id) != "" {
				return strings.TrimSpace(id), nil
			}
		}
		return "", errMissingExternalID
	}
}

// DefaultExternalIDExtractor checks explicit metadata, the common delivery
// headers and finally a JSON "id" field.
func DefaultExternalIDExtractor(req Request) (string, error) {
	for _, key := range []string{"external_event_id", "delivery_id", "message_id"} {
		if value, ok := req.Metadata[key].(string); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value), nil
		}
	}
	return ChainExternalIDExtractors(
		HeaderExternalIDExtractor("X-Delivery-Id", "X-GitHub-Delivery", "X-Goog-Message-Number"),
		BodyFieldExternalIDExtractor("id"),
	)(req)
}

func NewGitHubTemplate() ProviderTemplate {
	return ProviderTemplate{
		Provider:        "github",
		SignatureHeader: "X-Hub-Signature-256",
		Extractor:       HeaderExternalIDExtractor("X-GitHub-Delivery"),
	}
}

func NewShopifyTemplate() ProviderTemplate {
	return ProviderTemplate{
		Provider:        "shopify",
		SignatureHeader: "X-Shopify-Hmac-Sha256",
		Extractor:       HeaderExternalIDExtractor("X-Shopify-Webhook-Id", "X-Request-Id"),
	}
}

func NewStripeTemplate() ProviderTemplate {
	return ProviderTemplate{
		Provider:        "stripe",
		SignatureHeader: "Stripe-Signature",
		Extractor:       BodyFieldExternalIDExtractor("id"),
	}
}

// NewDispatchTemplate matches the headers the outbound webhook transport
// sends, so one go-dispatch node can receive another's deliveries.
func NewDispatchTemplate(provider string) ProviderTemplate {
	return ProviderTemplate{
		Provider:        provider,
		SignatureHeader: "X-Dispatch-Signature",
		Extractor:       HeaderExternalIDExtractor("X-Dispatch-Event-Id"),
	}
}

func headerValue(headers map[string]string, key string) string {
	if len(headers) == 0 {
		return ""
	}
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), strings.TrimSpace(key)) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
