package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-dispatch/core"
	"github.com/goliatone/go-dispatch/webhooks"
)

const KindWebhook = "webhook"

const (
	URLKey = "url"

	HeaderEventID   = "X-Dispatch-Event-Id"
	HeaderEntryID   = "X-Dispatch-Entry-Id"
	HeaderEventType = "X-Dispatch-Event-Type"
	HeaderAttempt   = "X-Dispatch-Attempt"
	HeaderSignature = "X-Dispatch-Signature"
)

const defaultWebhookClientTimeout = 30 * time.Second
const defaultWebhookResponseBodyLimit int64 = 64 << 10

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// WebhookAdapter POSTs each delivery as a JSON envelope. Entry metadata
// "url" overrides URL per row.
type WebhookAdapter struct {
	Client               HTTPDoer
	URL                  string
	Secret               string
	DefaultHeaders       map[string]string
	MaxResponseBodyBytes int64
}

type webhookEnvelope struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Attempt    int            `json:"attempt"`
}

func NewWebhookAdapter(client HTTPDoer, targetURL string) *WebhookAdapter {
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookClientTimeout}
	}
	return &WebhookAdapter{
		Client:               client,
		URL:                  strings.TrimSpace(targetURL),
		DefaultHeaders:       map[string]string{},
		MaxResponseBodyBytes: defaultWebhookResponseBodyLimit,
	}
}

// NewWebhookAdapterFromConfig reads "url", "secret" and "headers".
func NewWebhookAdapterFromConfig(config map[string]any) (*WebhookAdapter, error) {
	targetURL, _ := config[URLKey].(string)
	adapter := NewWebhookAdapter(nil, targetURL)
	if secret, ok := config["secret"].(string); ok {
		adapter.Secret = strings.TrimSpace(secret)
	}
	switch headers := config["headers"].(type) {
	case map[string]string:
		for key, value := range headers {
			adapter.DefaultHeaders[key] = value
		}
	case map[string]any:
		for key, value := range headers {
			adapter.DefaultHeaders[key] = fmt.Sprint(value)
		}
	}
	return adapter, nil
}

func (*WebhookAdapter) Kind() string {
	return KindWebhook
}

func (a *WebhookAdapter) Deliver(ctx context.Context, delivery core.Delivery) error {
	if a == nil || a.Client == nil {
		return transportError(
			"transport: webhook adapter requires an http client",
			goerrors.CategoryInternal,
			http.StatusInternalServerError,
			map[string]any{"adapter": KindWebhook},
		)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	target := a.URL
	if value, ok := delivery.Entry.Metadata[URLKey].(string); ok && strings.TrimSpace(value) != "" {
		target = strings.TrimSpace(value)
	}
	parsedURL, err := url.Parse(target)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return core.NonRetryable(transportWrapError(
			err,
			goerrors.CategoryBadInput,
			"transport: invalid webhook url",
			http.StatusBadRequest,
			map[string]any{"adapter": KindWebhook, "url": target},
		))
	}

	body, err := json.Marshal(webhookEnvelope{
		ID:         delivery.Event.ID,
		Type:       delivery.Event.Type,
		OccurredAt: delivery.Event.OccurredAt.UTC(),
		Payload:    delivery.Event.Payload,
		Metadata:   delivery.Event.Metadata,
		Attempt:    delivery.Entry.AttemptCount + 1,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, parsedURL.String(), bytes.NewReader(body))
	if err != nil {
		return core.NonRetryable(transportWrapError(
			err,
			goerrors.CategoryBadInput,
			"transport: create http request",
			http.StatusBadRequest,
			map[string]any{"adapter": KindWebhook, "url": parsedURL.String()},
		))
	}
	for key, value := range a.DefaultHeaders {
		if strings.TrimSpace(key) == "" {
			continue
		}
		httpReq.Header.Set(strings.TrimSpace(key), strings.TrimSpace(value))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderEventID, delivery.Event.ID)
	httpReq.Header.Set(HeaderEntryID, delivery.Entry.ID)
	httpReq.Header.Set(HeaderEventType, delivery.Event.Type)
	httpReq.Header.Set(HeaderAttempt, strconv.Itoa(delivery.Entry.AttemptCount+1))
	if a.Secret != "" {
		httpReq.Header.Set(HeaderSignature, webhooks.Sign(a.Secret, body))
	}

	httpRes, err := a.Client.Do(httpReq)
	if err != nil {
		return transportWrapError(
			err,
			goerrors.CategoryExternal,
			"transport: execute http request",
			http.StatusBadGateway,
			map[string]any{"adapter": KindWebhook, "url": parsedURL.String()},
		)
	}
	defer httpRes.Body.Close()

	limit := a.MaxResponseBodyBytes
	if limit <= 0 {
		limit = defaultWebhookResponseBodyLimit
	}
	snippet, _ := io.ReadAll(io.LimitReader(httpRes.Body, limit))

	if httpRes.StatusCode >= 200 && httpRes.StatusCode < 300 {
		return nil
	}
	statusErr := transportError(
		fmt.Sprintf("transport: webhook responded %d", httpRes.StatusCode),
		goerrors.CategoryExternal,
		http.StatusBadGateway,
		map[string]any{
			"adapter":     KindWebhook,
			"status_code": httpRes.StatusCode,
			"response":    strings.TrimSpace(string(snippet)),
		},
	)
	if retryableStatus(httpRes.StatusCode) {
		return statusErr
	}
	return core.NonRetryable(statusErr)
}

// retryableStatus treats throttling, timeouts and server errors as
// transient. Other 4xx answers will not change on retry.
func retryableStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}

var _ Adapter = (*WebhookAdapter)(nil)
