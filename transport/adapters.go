package transport

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/goliatone/go-dispatch/core"
)

const (
	KindNoop = "noop"
	KindFunc = "func"
)

// NoopAdapter accepts every delivery. Useful for draining a queue or for
// destinations that are switched off.
type NoopAdapter struct {
	delivered atomic.Int64
}

func NewNoopAdapter() *NoopAdapter {
	return &NoopAdapter{}
}

func (*NoopAdapter) Kind() string {
	return KindNoop
}

func (a *NoopAdapter) Deliver(context.Context, core.Delivery) error {
	if a == nil {
		return fmt.Errorf("transport: adapter is nil")
	}
	a.delivered.Add(1)
	return nil
}

func (a *NoopAdapter) Delivered() int64 {
	if a == nil {
		return 0
	}
	return a.delivered.Load()
}

// FuncAdapter binds a plain function to a destination kind.
type FuncAdapter struct {
	kind string
	fn   core.TransportFunc
}

func NewFuncAdapter(kind string, fn core.TransportFunc) *FuncAdapter {
	kind = normalizeKind(kind)
	if kind == "" {
		kind = KindFunc
	}
	return &FuncAdapter{kind: kind, fn: fn}
}

func (a *FuncAdapter) Kind() string {
	if a == nil {
		return ""
	}
	return a.kind
}

func (a *FuncAdapter) Deliver(ctx context.Context, delivery core.Delivery) error {
	if a == nil || a.fn == nil {
		return fmt.Errorf("transport: func adapter is not configured")
	}
	return a.fn(ctx, delivery)
}

// UnsupportedAdapter reserves a destination kind that has no implementation
// yet. Deliveries fail without retry.
type UnsupportedAdapter struct {
	kind   string
	reason string
}

func NewUnsupportedAdapter(kind string, reason string) *UnsupportedAdapter {
	return &UnsupportedAdapter{
		kind:   normalizeKind(kind),
		reason: strings.TrimSpace(reason),
	}
}

func (a *UnsupportedAdapter) Kind() string {
	if a == nil {
		return ""
	}
	return a.kind
}

func (a *UnsupportedAdapter) Deliver(context.Context, core.Delivery) error {
	if a == nil {
		return fmt.Errorf("transport: adapter is nil")
	}
	if a.reason != "" {
		return core.NonRetryable(fmt.Errorf(
			"transport: %s adapter is not configured: %s",
			a.kind,
			a.reason,
		))
	}
	return core.NonRetryable(fmt.Errorf("transport: %s adapter is not configured", a.kind))
}

var (
	_ Adapter = (*NoopAdapter)(nil)
	_ Adapter = (*FuncAdapter)(nil)
	_ Adapter = (*UnsupportedAdapter)(nil)
)
