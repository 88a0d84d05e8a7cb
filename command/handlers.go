package command

import (
	"context"
	"time"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-dispatch/core"
)

type QueueService interface {
	Publish(ctx context.Context, event core.DomainEvent, opts core.EnqueueOptions) (core.PublishResult, error)
	Enqueue(ctx context.Context, in core.EnqueueInput) (core.QueueEntry, error)
	ReportSuccess(ctx context.Context, entryID string, workerID string) (core.QueueEntry, error)
	ReportFailure(ctx context.Context, report core.FailureReport) (core.QueueEntry, error)
	ReapExpiredLeases(ctx context.Context, leaseTimeout time.Duration, now time.Time) (core.ReapResult, error)
	RequeueFailed(ctx context.Context, entryID string) (core.QueueEntry, error)
}

type IntakeService interface {
	Admit(ctx context.Context, req core.AdmitRequest) (core.AdmitResult, error)
	MarkProcessed(ctx context.Context, receiptID string, outcome core.ProcessingOutcome) (core.WebhookReceipt, error)
}

type JobService interface {
	Release(ctx context.Context, jobName string, workerID string) error
}

type PublishCommand struct {
	service QueueService
}

func NewPublishCommand(service QueueService) *PublishCommand {
	return &PublishCommand{service: service}
}

func (c *PublishCommand) Execute(ctx context.Context, msg PublishMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: dispatch queue is required")
	}
	out, err := c.service.Publish(ctx, msg.Event, msg.Options)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type EnqueueCommand struct {
	service QueueService
}

func NewEnqueueCommand(service QueueService) *EnqueueCommand {
	return &EnqueueCommand{service: service}
}

func (c *EnqueueCommand) Execute(ctx context.Context, msg EnqueueMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: dispatch queue is required")
	}
	out, err := c.service.Enqueue(ctx, msg.Input)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type ReportSuccessCommand struct {
	service QueueService
}

func NewReportSuccessCommand(service QueueService) *ReportSuccessCommand {
	return &ReportSuccessCommand{service: service}
}

func (c *ReportSuccessCommand) Execute(ctx context.Context, msg ReportSuccessMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: dispatch queue is required")
	}
	out, err := c.service.ReportSuccess(ctx, msg.EntryID, msg.WorkerID)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type ReportFailureCommand struct {
	service QueueService
}

func NewReportFailureCommand(service QueueService) *ReportFailureCommand {
	return &ReportFailureCommand{service: service}
}

func (c *ReportFailureCommand) Execute(ctx context.Context, msg ReportFailureMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: dispatch queue is required")
	}
	out, err := c.service.ReportFailure(ctx, msg.Report)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type ReapExpiredLeasesCommand struct {
	service QueueService
}

func NewReapExpiredLeasesCommand(service QueueService) *ReapExpiredLeasesCommand {
	return &ReapExpiredLeasesCommand{service: service}
}

func (c *ReapExpiredLeasesCommand) Execute(ctx context.Context, msg ReapExpiredLeasesMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: dispatch queue is required")
	}
	out, err := c.service.ReapExpiredLeases(ctx, msg.LeaseTimeout, time.Time{})
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type RequeueFailedCommand struct {
	service QueueService
}

func NewRequeueFailedCommand(service QueueService) *RequeueFailedCommand {
	return &RequeueFailedCommand{service: service}
}

func (c *RequeueFailedCommand) Execute(ctx context.Context, msg RequeueFailedMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: dispatch queue is required")
	}
	out, err := c.service.RequeueFailed(ctx, msg.EntryID)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type AdmitWebhookCommand struct {
	service IntakeService
}

func NewAdmitWebhookCommand(service IntakeService) *AdmitWebhookCommand {
	return &AdmitWebhookCommand{service: service}
}

// Execute stores the AdmitResult. Duplicates and rejected signatures are
// outcomes and do not fail the command.
func (c *AdmitWebhookCommand) Execute(ctx context.Context, msg AdmitWebhookMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: intake guard is required")
	}
	out, err := c.service.Admit(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type MarkReceiptProcessedCommand struct {
	service IntakeService
}

func NewMarkReceiptProcessedCommand(service IntakeService) *MarkReceiptProcessedCommand {
	return &MarkReceiptProcessedCommand{service: service}
}

func (c *MarkReceiptProcessedCommand) Execute(ctx context.Context, msg MarkReceiptProcessedMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: intake guard is required")
	}
	out, err := c.service.MarkProcessed(ctx, msg.ReceiptID, msg.Outcome)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type ReleaseJobCommand struct {
	service JobService
}

func NewReleaseJobCommand(service JobService) *ReleaseJobCommand {
	return &ReleaseJobCommand{service: service}
}

func (c *ReleaseJobCommand) Execute(ctx context.Context, msg ReleaseJobMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: job coordinator is required")
	}
	return c.service.Release(ctx, msg.JobName, msg.WorkerID)
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
