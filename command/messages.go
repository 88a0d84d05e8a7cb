package command

import (
	"strings"
	"time"

	"github.com/goliatone/go-dispatch/core"
)

const (
	TypePublish              = "dispatch.command.event.publish"
	TypeEnqueue              = "dispatch.command.queue.enqueue"
	TypeReportSuccess        = "dispatch.command.queue.report_success"
	TypeReportFailure        = "dispatch.command.queue.report_failure"
	TypeReapExpiredLeases    = "dispatch.command.queue.reap"
	TypeRequeueFailed        = "dispatch.command.queue.requeue"
	TypeAdmitWebhook         = "dispatch.command.intake.admit"
	TypeMarkReceiptProcessed = "dispatch.command.intake.mark_processed"
	TypeReleaseJob           = "dispatch.command.job.release"
)

type PublishMessage struct {
	Event   core.DomainEvent
	Options core.EnqueueOptions
}

func (PublishMessage) Type() string { return TypePublish }

func (m PublishMessage) Validate() error {
	if strings.TrimSpace(m.Event.Type) == "" {
		return commandValidationError("event.type", "event type is required")
	}
	return nil
}

type EnqueueMessage struct {
	Input core.EnqueueInput
}

func (EnqueueMessage) Type() string { return TypeEnqueue }

func (m EnqueueMessage) Validate() error {
	if strings.TrimSpace(m.Input.EventID) == "" {
		return commandValidationError("event_id", "event id is required")
	}
	return nil
}

type ReportSuccessMessage struct {
	EntryID  string
	WorkerID string
}

func (ReportSuccessMessage) Type() string { return TypeReportSuccess }

func (m ReportSuccessMessage) Validate() error {
	return validateLeaseHolder(m.EntryID, m.WorkerID)
}

type ReportFailureMessage struct {
	Report core.FailureReport
}

func (ReportFailureMessage) Type() string { return TypeReportFailure }

func (m ReportFailureMessage) Validate() error {
	return validateLeaseHolder(m.Report.EntryID, m.Report.WorkerID)
}

// ReapExpiredLeasesMessage with a zero LeaseTimeout uses the queue's
// configured timeout.
type ReapExpiredLeasesMessage struct {
	LeaseTimeout time.Duration
}

func (ReapExpiredLeasesMessage) Type() string { return TypeReapExpiredLeases }

func (m ReapExpiredLeasesMessage) Validate() error {
	if m.LeaseTimeout < 0 {
		return commandValidationError("lease_timeout", "lease timeout cannot be negative")
	}
	return nil
}

type RequeueFailedMessage struct {
	EntryID string
}

func (RequeueFailedMessage) Type() string { return TypeRequeueFailed }

func (m RequeueFailedMessage) Validate() error {
	if strings.TrimSpace(m.EntryID) == "" {
		return commandValidationError("entry_id", "entry id is required")
	}
	return nil
}

type AdmitWebhookMessage struct {
	Request core.AdmitRequest
}

func (AdmitWebhookMessage) Type() string { return TypeAdmitWebhook }

func (m AdmitWebhookMessage) Validate() error {
	if strings.TrimSpace(m.Request.Provider) == "" {
		return commandValidationError("provider", "provider is required")
	}
	if strings.TrimSpace(m.Request.ExternalEventID) == "" {
		return commandValidationError("external_event_id", "external event id is required")
	}
	return nil
}

type MarkReceiptProcessedMessage struct {
	ReceiptID string
	Outcome   core.ProcessingOutcome
}

func (MarkReceiptProcessedMessage) Type() string { return TypeMarkReceiptProcessed }

func (m MarkReceiptProcessedMessage) Validate() error {
	if strings.TrimSpace(m.ReceiptID) == "" {
		return commandValidationError("receipt_id", "receipt id is required")
	}
	return nil
}

type ReleaseJobMessage struct {
	JobName  string
	WorkerID string
}

func (ReleaseJobMessage) Type() string { return TypeReleaseJob }

func (m ReleaseJobMessage) Validate() error {
	if strings.TrimSpace(m.JobName) == "" {
		return commandValidationError("job_name", "job name is required")
	}
	if strings.TrimSpace(m.WorkerID) == "" {
		return commandValidationError("worker_id", "worker id is required")
	}
	return nil
}

func validateLeaseHolder(entryID string, workerID string) error {
	if strings.TrimSpace(entryID) == "" {
		return commandValidationError("entry_id", "entry id is required")
	}
	if strings.TrimSpace(workerID) == "" {
		return commandValidationError("worker_id", "worker id is required")
	}
	return nil
}
