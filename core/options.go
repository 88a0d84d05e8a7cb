package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-config/cfgx"
	"github.com/goliatone/go-dispatch/adapters/gologger"
	goerrors "github.com/goliatone/go-errors"
	opts "github.com/goliatone/go-options"
)

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

// StoreProvider exposes the persistence-backed stores. The sqlstore
// factory implements it.
type StoreProvider interface {
	EventStore() EventStore
	QueueStore() QueueStore
	ReceiptStore() ReceiptStore
	JobStateStore() JobStateStore
}

type coordinatorBuilder struct {
	runtimeConfig     Config
	logger            Logger
	loggerProvider    LoggerProvider
	metricsRecorder   MetricsRecorder
	errorMapper       ErrorMapper
	configProvider    ConfigProvider
	optionsResolver   OptionsResolver
	storeProvider     StoreProvider
	eventStore        EventStore
	queueStore        QueueStore
	receiptStore      ReceiptStore
	receiptDecorators []func(ReceiptStore) ReceiptStore
	jobStateStore     JobStateStore
	transport         Transport
	signatureVerifier SignatureVerifier
	backoff           BackoffPolicy
	workerID          string
	clock             func() time.Time
}

type Option func(*coordinatorBuilder)

func WithLogger(logger Logger) Option {
	return func(b *coordinatorBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(b *coordinatorBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(b *coordinatorBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithErrorMapper(mapper ErrorMapper) Option {
	return func(b *coordinatorBuilder) {
		b.errorMapper = mapper
	}
}

func WithConfigProvider(provider ConfigProvider) Option {
	return func(b *coordinatorBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver OptionsResolver) Option {
	return func(b *coordinatorBuilder) {
		b.optionsResolver = resolver
	}
}

func WithStoreProvider(provider StoreProvider) Option {
	return func(b *coordinatorBuilder) {
		b.storeProvider = provider
	}
}

func WithEventStore(store EventStore) Option {
	return func(b *coordinatorBuilder) {
		b.eventStore = store
	}
}

func WithQueueStore(store QueueStore) Option {
	return func(b *coordinatorBuilder) {
		b.queueStore = store
	}
}

func WithReceiptStore(store ReceiptStore) Option {
	return func(b *coordinatorBuilder) {
		b.receiptStore = store
	}
}

// WithReceiptStoreDecorator wraps the resolved receipt store, e.g. with a
// read-through cache. Decorators apply in registration order.
func WithReceiptStoreDecorator(decorate func(ReceiptStore) ReceiptStore) Option {
	return func(b *coordinatorBuilder) {
		if decorate != nil {
			b.receiptDecorators = append(b.receiptDecorators, decorate)
		}
	}
}

func WithJobStateStore(store JobStateStore) Option {
	return func(b *coordinatorBuilder) {
		b.jobStateStore = store
	}
}

func WithTransport(transport Transport) Option {
	return func(b *coordinatorBuilder) {
		b.transport = transport
	}
}

func WithVerifier(verifier SignatureVerifier) Option {
	return func(b *coordinatorBuilder) {
		b.signatureVerifier = verifier
	}
}

func WithBackoffPolicy(policy BackoffPolicy) Option {
	return func(b *coordinatorBuilder) {
		b.backoff = policy
	}
}

func WithWorkerID(workerID string) Option {
	return func(b *coordinatorBuilder) {
		b.workerID = strings.TrimSpace(workerID)
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *coordinatorBuilder) {
		b.clock = now
	}
}

func defaultCoordinatorBuilder(runtime Config) coordinatorBuilder {
	loggerProvider, logger := gologger.Resolve(gologger.DefaultName, nil, nil)
	return coordinatorBuilder{
		runtimeConfig:   runtime,
		loggerProvider:  loggerProvider,
		logger:          logger,
		metricsRecorder: NopMetricsRecorder{},
		errorMapper:     dispatchErrorMapper,
		configProvider:  NewCfgxConfigProvider(nil),
		optionsResolver: GoOptionsResolver{},
	}
}

type StaticRawConfigLoader struct {
	Values map[string]any
}

func (l StaticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = StaticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	raw, err = normalizeDurations(raw)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// GoOptionsResolver layers defaults < loaded config < runtime config.
type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			configToLayerMap(defaults, true),
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			configToLayerMap(loaded, false),
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			configToLayerMap(runtime, false),
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

// configToLayerMap keeps only set values unless includeZero is true, so an
// upper layer never erases a lower one with a zero.
func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.ServiceName) != "" {
		layer["service_name"] = cfg.ServiceName
	}

	dispatch := map[string]any{}
	putInt(dispatch, "workers", cfg.Dispatch.Workers, includeZero)
	putInt(dispatch, "slots", cfg.Dispatch.Slots, includeZero)
	putInt(dispatch, "batch_size", cfg.Dispatch.BatchSize, includeZero)
	putInt(dispatch, "max_attempts", cfg.Dispatch.MaxAttempts, includeZero)
	putDuration(dispatch, "backoff_base", cfg.Dispatch.BackoffBase, includeZero)
	putDuration(dispatch, "backoff_max", cfg.Dispatch.BackoffMax, includeZero)
	putDuration(dispatch, "poll_interval", cfg.Dispatch.PollInterval, includeZero)
	putDuration(dispatch, "delivery_timeout", cfg.Dispatch.DeliveryTimeout, includeZero)
	putDuration(dispatch, "lease_timeout", cfg.Dispatch.LeaseTimeout, includeZero)
	putDuration(dispatch, "reap_interval", cfg.Dispatch.ReapInterval, includeZero)
	if len(dispatch) > 0 {
		layer["dispatch"] = dispatch
	}

	intake := map[string]any{}
	putDuration(intake, "stuck_after", cfg.Intake.StuckAfter, includeZero)
	if includeZero || len(cfg.Intake.RequireSignature) > 0 {
		intake["require_signature"] = append([]string(nil), cfg.Intake.RequireSignature...)
	}
	if len(intake) > 0 {
		layer["intake"] = intake
	}

	jobs := map[string]any{}
	putDuration(jobs, "lease_timeout", cfg.Jobs.LeaseTimeout, includeZero)
	putDuration(jobs, "heartbeat_interval", cfg.Jobs.HeartbeatInterval, includeZero)
	if len(jobs) > 0 {
		layer["jobs"] = jobs
	}
	return layer
}

func putInt(target map[string]any, key string, value int, includeZero bool) {
	if includeZero || value != 0 {
		target[key] = value
	}
}

func putDuration(target map[string]any, key string, value time.Duration, includeZero bool) {
	if includeZero || value != 0 {
		target[key] = value
	}
}

var durationKeys = map[string][]string{
	"dispatch": {"backoff_base", "backoff_max", "poll_interval", "delivery_timeout", "lease_timeout", "reap_interval"},
	"intake":   {"stuck_after"},
	"jobs":     {"lease_timeout", "heartbeat_interval"},
}

// normalizeDurations parses duration strings such as "30s" found in raw
// config sources before they are decoded.
func normalizeDurations(raw map[string]any) (map[string]any, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	out := make(map[string]any, len(raw))
	for key, value := range raw {
		out[key] = value
	}
	for section, keys := range durationKeys {
		values, ok := out[section].(map[string]any)
		if !ok {
			continue
		}
		copied := make(map[string]any, len(values))
		for key, value := range values {
			copied[key] = value
		}
		for _, key := range keys {
			text, ok := copied[key].(string)
			if !ok {
				continue
			}
			parsed, err := time.ParseDuration(strings.TrimSpace(text))
			if err != nil {
				return nil, ValidationError(fmt.Sprintf("core: %s.%s is not a valid duration", section, key), map[string]any{
					"value": text,
				})
			}
			copied[key] = parsed
		}
		out[section] = copied
	}
	return out, nil
}

func mapBuildError(mapper ErrorMapper, err error) error {
	if err == nil {
		return nil
	}
	if mapper == nil {
		mapper = dispatchErrorMapper
	}
	if mapped := mapper(err); mapped != nil {
		return mapped
	}
	return goerrors.Wrap(err, goerrors.CategoryInternal, "core: coordinator build failed")
}
