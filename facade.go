package dispatch

import (
	"fmt"

	dispatchcommand "github.com/goliatone/go-dispatch/command"
	"github.com/goliatone/go-dispatch/core"
	dispatchquery "github.com/goliatone/go-dispatch/query"
)

type Commands struct {
	Publish              *dispatchcommand.PublishCommand
	Enqueue              *dispatchcommand.EnqueueCommand
	ReportSuccess        *dispatchcommand.ReportSuccessCommand
	ReportFailure        *dispatchcommand.ReportFailureCommand
	ReapExpiredLeases    *dispatchcommand.ReapExpiredLeasesCommand
	RequeueFailed        *dispatchcommand.RequeueFailedCommand
	AdmitWebhook         *dispatchcommand.AdmitWebhookCommand
	MarkReceiptProcessed *dispatchcommand.MarkReceiptProcessedCommand
	ReleaseJob           *dispatchcommand.ReleaseJobCommand
}

type Queries struct {
	QueueEntry    *dispatchquery.GetQueueEntryQuery
	QueueStats    *dispatchquery.QueueStatsQuery
	Event         *dispatchquery.GetEventQuery
	Receipt       *dispatchquery.GetReceiptQuery
	StuckReceipts *dispatchquery.ListStuckReceiptsQuery
	JobState      *dispatchquery.GetJobStateQuery
}

// Facade exposes a coordinator's components as go-command handlers.
// Handlers for components the coordinator was built without stay nil.
type Facade struct {
	coordinator *Coordinator
	commands    Commands
	queries     Queries
}

func NewFacade(coordinator *Coordinator) (*Facade, error) {
	if coordinator == nil {
		return nil, fmt.Errorf("dispatch: coordinator is required")
	}
	facade := &Facade{coordinator: coordinator}

	if queue, err := coordinator.Queue(); err == nil {
		facade.commands.Publish = dispatchcommand.NewPublishCommand(queue)
		facade.commands.Enqueue = dispatchcommand.NewEnqueueCommand(queue)
		facade.commands.ReportSuccess = dispatchcommand.NewReportSuccessCommand(queue)
		facade.commands.ReportFailure = dispatchcommand.NewReportFailureCommand(queue)
		facade.commands.ReapExpiredLeases = dispatchcommand.NewReapExpiredLeasesCommand(queue)
		facade.commands.RequeueFailed = dispatchcommand.NewRequeueFailedCommand(queue)
		facade.queries.QueueEntry = dispatchquery.NewGetQueueEntryQuery(queue)
		facade.queries.QueueStats = dispatchquery.NewQueueStatsQuery(queue)
		facade.queries.Event = dispatchquery.NewGetEventQuery(queue)
	}
	if intake, err := coordinator.Intake(); err == nil {
		facade.commands.AdmitWebhook = dispatchcommand.NewAdmitWebhookCommand(intake)
		facade.commands.MarkReceiptProcessed = dispatchcommand.NewMarkReceiptProcessedCommand(intake)
		facade.queries.Receipt = dispatchquery.NewGetReceiptQuery(intake)
		facade.queries.StuckReceipts = dispatchquery.NewListStuckReceiptsQuery(intake)
	}
	if jobs, err := coordinator.Jobs(); err == nil {
		facade.commands.ReleaseJob = dispatchcommand.NewReleaseJobCommand(jobs)
		facade.queries.JobState = dispatchquery.NewGetJobStateQuery(jobs)
	}
	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Coordinator() *core.Coordinator {
	if f == nil {
		return nil
	}
	return f.coordinator
}
