package core

import (
	"context"
	"time"

	"github.com/goliatone/go-dispatch/adapters/gologger"
	glog "github.com/goliatone/go-logger/glog"
)

// Coordinator wires the dispatch queue, worker pool, intake guard and job
// coordinator over one set of stores and one resolved Config.
type Coordinator struct {
	config          Config
	logger          Logger
	loggerProvider  LoggerProvider
	metricsRecorder MetricsRecorder
	errorMapper     ErrorMapper
	configProvider  ConfigProvider
	optionsResolver OptionsResolver

	queue  *DispatchQueue
	pool   *WorkerPool
	intake *IntakeGuard
	jobs   *JobCoordinator
}

type CoordinatorDependencies struct {
	Logger            Logger
	LoggerProvider    LoggerProvider
	MetricsRecorder   MetricsRecorder
	ErrorMapper       ErrorMapper
	ConfigProvider    ConfigProvider
	OptionsResolver   OptionsResolver
	EventStore        EventStore
	QueueStore        QueueStore
	ReceiptStore      ReceiptStore
	JobStateStore     JobStateStore
	Transport         Transport
	SignatureVerifier SignatureVerifier
}

func NewCoordinator(cfg Config, opts ...Option) (*Coordinator, error) {
	builder := defaultCoordinatorBuilder(cfg)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := gologger.Resolve(gologger.DefaultName, builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		logger = gologger.Named(provider, "")
	}
	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = dispatchErrorMapper
	}
	if builder.configProvider == nil {
		builder.configProvider = NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = GoOptionsResolver{}
	}

	defaults := DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}

	if builder.storeProvider != nil {
		if builder.eventStore == nil {
			builder.eventStore = builder.storeProvider.EventStore()
		}
		if builder.queueStore == nil {
			builder.queueStore = builder.storeProvider.QueueStore()
		}
		if builder.receiptStore == nil {
			builder.receiptStore = builder.storeProvider.ReceiptStore()
		}
		if builder.jobStateStore == nil {
			builder.jobStateStore = builder.storeProvider.JobStateStore()
		}
	}
	if builder.backoff == nil {
		builder.backoff = NewExponentialJitterBackoff(finalConfig.Dispatch.BackoffBase, finalConfig.Dispatch.BackoffMax)
	}

	c := &Coordinator{
		config:          finalConfig,
		logger:          logger,
		loggerProvider:  provider,
		metricsRecorder: builder.metricsRecorder,
		errorMapper:     builder.errorMapper,
		configProvider:  builder.configProvider,
		optionsResolver: builder.optionsResolver,
	}

	if builder.queueStore != nil {
		queueOpts := []DispatchQueueOption{
			WithQueueBackoff(builder.backoff),
			WithQueueEventStore(builder.eventStore),
			WithQueueObservability(c.namedLogger("queue"), c.metricsRecorder),
		}
		if builder.clock != nil {
			queueOpts = append(queueOpts, WithQueueClock(builder.clock))
		}
		c.queue, err = NewDispatchQueue(builder.queueStore, DispatchQueueConfig{
			MaxAttempts:  finalConfig.Dispatch.MaxAttempts,
			LeaseTimeout: finalConfig.Dispatch.LeaseTimeout,
			BatchSize:    finalConfig.Dispatch.BatchSize,
		}, queueOpts...)
		if err != nil {
			return nil, mapBuildError(builder.errorMapper, err)
		}
		if builder.transport != nil {
			poolConfig := finalConfig.Dispatch.WorkerPoolConfig()
			poolConfig.WorkerID = builder.workerID
			c.pool, err = NewWorkerPool(c.queue, builder.transport, poolConfig)
			if err != nil {
				return nil, mapBuildError(builder.errorMapper, err)
			}
			c.pool.instrumentation = newInstrumentation(c.namedLogger("pool"), c.metricsRecorder)
		}
	}

	if builder.receiptStore != nil {
		for _, decorate := range builder.receiptDecorators {
			if decorated := decorate(builder.receiptStore); decorated != nil {
				builder.receiptStore = decorated
			}
		}
		intakeOpts := []IntakeGuardOption{
			WithSignatureVerifier(builder.signatureVerifier),
			WithIntakeObservability(c.namedLogger("intake"), c.metricsRecorder),
		}
		if builder.clock != nil {
			intakeOpts = append(intakeOpts, WithIntakeClock(builder.clock))
		}
		c.intake, err = NewIntakeGuard(builder.receiptStore, finalConfig.Intake, intakeOpts...)
		if err != nil {
			return nil, mapBuildError(builder.errorMapper, err)
		}
	}

	if builder.jobStateStore != nil {
		jobOpts := []JobCoordinatorOption{
			WithJobObservability(c.namedLogger("jobs"), c.metricsRecorder),
		}
		if builder.clock != nil {
			jobOpts = append(jobOpts, WithJobClock(builder.clock))
		}
		c.jobs, err = NewJobCoordinator(builder.jobStateStore, finalConfig.Jobs, jobOpts...)
		if err != nil {
			return nil, mapBuildError(builder.errorMapper, err)
		}
	}

	return c, nil
}

func (c *Coordinator) Config() Config {
	if c == nil {
		return Config{}
	}
	return c.config
}

func (c *Coordinator) Dependencies() CoordinatorDependencies {
	if c == nil {
		return CoordinatorDependencies{}
	}
	deps := CoordinatorDependencies{
		Logger:          c.logger,
		LoggerProvider:  c.loggerProvider,
		MetricsRecorder: c.metricsRecorder,
		ErrorMapper:     c.errorMapper,
		ConfigProvider:  c.configProvider,
		OptionsResolver: c.optionsResolver,
	}
	if c.queue != nil {
		deps.QueueStore = c.queue.store
		deps.EventStore = c.queue.events
	}
	if c.pool != nil {
		deps.Transport = c.pool.transport
	}
	if c.intake != nil {
		deps.ReceiptStore = c.intake.store
		deps.SignatureVerifier = c.intake.verifier
	}
	if c.jobs != nil {
		deps.JobStateStore = c.jobs.store
	}
	return deps
}

func (c *Coordinator) Queue() (*DispatchQueue, error) {
	if c == nil || c.queue == nil {
		return nil, ValidationError("core: dispatch queue is not configured", nil)
	}
	return c.queue, nil
}

func (c *Coordinator) WorkerPool() (*WorkerPool, error) {
	if c == nil || c.pool == nil {
		return nil, ValidationError("core: worker pool requires a queue store and a transport", nil)
	}
	return c.pool, nil
}

func (c *Coordinator) Intake() (*IntakeGuard, error) {
	if c == nil || c.intake == nil {
		return nil, ValidationError("core: intake guard is not configured", nil)
	}
	return c.intake, nil
}

func (c *Coordinator) Jobs() (*JobCoordinator, error) {
	if c == nil || c.jobs == nil {
		return nil, ValidationError("core: job coordinator is not configured", nil)
	}
	return c.jobs, nil
}

// Run starts the worker pool and blocks until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	pool, err := c.WorkerPool()
	if err != nil {
		return err
	}
	return pool.Run(ctx)
}

// MapError normalizes err into the go-errors envelope.
func (c *Coordinator) MapError(err error) error {
	if err == nil {
		return nil
	}
	mapper := c.errorMapper
	if mapper == nil {
		mapper = dispatchErrorMapper
	}
	if mapped := mapper(err); mapped != nil {
		return mapped
	}
	return err
}

// namedLogger resolves "dispatch.<component>" from the provider.
func (c *Coordinator) namedLogger(component string) Logger {
	if c.loggerProvider == nil {
		return c.logger
	}
	return gologger.Named(c.loggerProvider, component)
}

// StuckReceipts lists receipts older than the configured stuck threshold.
func (c *Coordinator) StuckReceipts(ctx context.Context, limit int) ([]WebhookReceipt, error) {
	intake, err := c.Intake()
	if err != nil {
		return nil, err
	}
	return intake.ListStuck(ctx, c.config.Intake.StuckAfter, limit)
}

// ReapNow runs one reaper pass with the configured lease timeout.
func (c *Coordinator) ReapNow(ctx context.Context) (ReapResult, error) {
	queue, err := c.Queue()
	if err != nil {
		return ReapResult{}, err
	}
	return queue.ReapExpiredLeases(ctx, c.config.Dispatch.LeaseTimeout, time.Time{})
}
