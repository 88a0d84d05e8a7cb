package sqlstore

import (
	"fmt"

	"github.com/goliatone/go-dispatch/core"
	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/uptrace/bun"
)

type RepositoryFactory struct {
	db *bun.DB

	eventStore    *EventStore
	queueStore    *DispatchQueueStore
	receiptStore  *WebhookReceiptStore
	jobStateStore *JobStateStore
}

func NewRepositoryFactory() *RepositoryFactory {
	return &RepositoryFactory{}
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if _, err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if _, err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

func (f *RepositoryFactory) BuildStores(persistenceClient any) (core.StoreProvider, error) {
	if f == nil {
		return nil, fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return nil, err
		}
		f.db = db
	}
	if f.queueStore != nil && f.receiptStore != nil {
		return f, nil
	}
	if err := f.initStores(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *RepositoryFactory) EventStore() core.EventStore {
	if f == nil || f.eventStore == nil {
		return nil
	}
	return f.eventStore
}

func (f *RepositoryFactory) QueueStore() core.QueueStore {
	if f == nil || f.queueStore == nil {
		return nil
	}
	return f.queueStore
}

func (f *RepositoryFactory) ReceiptStore() core.ReceiptStore {
	if f == nil || f.receiptStore == nil {
		return nil
	}
	return f.receiptStore
}

func (f *RepositoryFactory) JobStateStore() core.JobStateStore {
	if f == nil || f.jobStateStore == nil {
		return nil
	}
	return f.jobStateStore
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) initStores() error {
	eventStore, err := NewEventStore(f.db)
	if err != nil {
		return err
	}
	f.eventStore = eventStore
	queueStore, err := NewDispatchQueueStore(f.db)
	if err != nil {
		return err
	}
	f.queueStore = queueStore
	receiptStore, err := NewWebhookReceiptStore(f.db)
	if err != nil {
		return err
	}
	f.receiptStore = receiptStore
	jobStateStore, err := NewJobStateStore(f.db)
	if err != nil {
		return err
	}
	f.jobStateStore = jobStateStore
	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
