package dispatch

import (
	"fmt"

	"github.com/goliatone/go-dispatch/core"
	sqlstore "github.com/goliatone/go-dispatch/store/sql"
	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/uptrace/bun"
)

type Config = core.Config

type Option = core.Option

type Coordinator = core.Coordinator

type CoordinatorDependencies = core.CoordinatorDependencies

type DomainEvent = core.DomainEvent
type QueueEntry = core.QueueEntry
type EnqueueOptions = core.EnqueueOptions
type PublishResult = core.PublishResult
type Delivery = core.Delivery
type WebhookReceipt = core.WebhookReceipt
type AdmitRequest = core.AdmitRequest
type AdmitResult = core.AdmitResult
type JobState = core.JobState

type Transport = core.Transport
type TransportFunc = core.TransportFunc
type SignatureVerifier = core.SignatureVerifier

var (
	WithLogger          = core.WithLogger
	WithLoggerProvider  = core.WithLoggerProvider
	WithMetricsRecorder = core.WithMetricsRecorder
	WithErrorMapper     = core.WithErrorMapper
	WithConfigProvider  = core.WithConfigProvider
	WithOptionsResolver = core.WithOptionsResolver
	WithStoreProvider   = core.WithStoreProvider
	WithTransport       = core.WithTransport
	WithVerifier        = core.WithVerifier
	WithBackoffPolicy   = core.WithBackoffPolicy
	WithWorkerID        = core.WithWorkerID
	WithClock           = core.WithClock

	WithReceiptStoreDecorator = core.WithReceiptStoreDecorator
)

// WithReceiptCache puts a go-repository-cache read-through cache in front of
// receipt lookups. A nil cacheService leaves the store undecorated.
func WithReceiptCache(cacheService repositorycache.CacheService) Option {
	return core.WithReceiptStoreDecorator(func(base core.ReceiptStore) core.ReceiptStore {
		if cacheService == nil {
			return base
		}
		reader, err := sqlstore.NewCachedReceiptReader(base, cacheService)
		if err != nil {
			return base
		}
		return reader
	})
}

func DefaultConfig() Config {
	return core.DefaultConfig()
}

func NewCoordinator(cfg Config, opts ...Option) (*Coordinator, error) {
	return core.NewCoordinator(cfg, opts...)
}

// Setup builds a coordinator over the bun-backed stores of client. Options
// after the store provider can still override individual stores.
func Setup(client *persistence.Client, cfg Config, opts ...Option) (*Coordinator, error) {
	if client == nil {
		return nil, fmt.Errorf("dispatch: persistence client is required")
	}
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		return nil, err
	}
	return core.NewCoordinator(cfg, append([]Option{core.WithStoreProvider(factory)}, opts...)...)
}

// SetupWithDB is Setup for callers that manage their own *bun.DB.
func SetupWithDB(db *bun.DB, cfg Config, opts ...Option) (*Coordinator, error) {
	if db == nil {
		return nil, fmt.Errorf("dispatch: bun db is required")
	}
	factory, err := sqlstore.NewRepositoryFactoryFromDB(db)
	if err != nil {
		return nil, err
	}
	return core.NewCoordinator(cfg, append([]Option{core.WithStoreProvider(factory)}, opts...)...)
}
