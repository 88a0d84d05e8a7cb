package sqlstore

import "github.com/goliatone/go-dispatch/core"

var (
	_ core.EventStore    = (*EventStore)(nil)
	_ core.QueueStore    = (*DispatchQueueStore)(nil)
	_ core.ReceiptStore  = (*WebhookReceiptStore)(nil)
	_ core.ReceiptStore  = (*CachedReceiptReader)(nil)
	_ core.JobStateStore = (*JobStateStore)(nil)
	_ core.StoreProvider = (*RepositoryFactory)(nil)
)
