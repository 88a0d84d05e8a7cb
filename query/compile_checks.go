package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-dispatch/core"
)

var (
	_ gocmd.Querier[GetQueueEntryMessage, core.QueueEntry]           = (*GetQueueEntryQuery)(nil)
	_ gocmd.Querier[QueueStatsMessage, core.QueueStats]              = (*QueueStatsQuery)(nil)
	_ gocmd.Querier[GetEventMessage, core.DomainEvent]               = (*GetEventQuery)(nil)
	_ gocmd.Querier[GetReceiptMessage, core.WebhookReceipt]          = (*GetReceiptQuery)(nil)
	_ gocmd.Querier[ListStuckReceiptsMessage, []core.WebhookReceipt] = (*ListStuckReceiptsQuery)(nil)
	_ gocmd.Querier[GetJobStateMessage, core.JobState]               = (*GetJobStateQuery)(nil)

	_ QueueReader   = (*core.DispatchQueue)(nil)
	_ ReceiptReader = (*core.IntakeGuard)(nil)
	_ JobReader     = (*core.JobCoordinator)(nil)
)
