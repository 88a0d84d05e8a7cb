package command

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-dispatch/core"
)

var (
	_ gocmd.Commander[PublishMessage]              = (*PublishCommand)(nil)
	_ gocmd.Commander[EnqueueMessage]              = (*EnqueueCommand)(nil)
	_ gocmd.Commander[ReportSuccessMessage]        = (*ReportSuccessCommand)(nil)
	_ gocmd.Commander[ReportFailureMessage]        = (*ReportFailureCommand)(nil)
	_ gocmd.Commander[ReapExpiredLeasesMessage]    = (*ReapExpiredLeasesCommand)(nil)
	_ gocmd.Commander[RequeueFailedMessage]        = (*RequeueFailedCommand)(nil)
	_ gocmd.Commander[AdmitWebhookMessage]         = (*AdmitWebhookCommand)(nil)
	_ gocmd.Commander[MarkReceiptProcessedMessage] = (*MarkReceiptProcessedCommand)(nil)
	_ gocmd.Commander[ReleaseJobMessage]           = (*ReleaseJobCommand)(nil)

	_ QueueService  = (*core.DispatchQueue)(nil)
	_ IntakeService = (*core.IntakeGuard)(nil)
	_ JobService    = (*core.JobCoordinator)(nil)
)
