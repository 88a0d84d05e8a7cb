package core

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorCodeValidation       = "DISPATCH_VALIDATION"
	ErrorCodeNotFound         = "DISPATCH_NOT_FOUND"
	ErrorCodeStaleLease       = "DISPATCH_STALE_LEASE"
	ErrorCodeLockHeld         = "DISPATCH_LOCK_HELD"
	ErrorCodeLockLost         = "DISPATCH_LOCK_LOST"
	ErrorCodeTransportFailure = "DISPATCH_TRANSPORT_FAILURE"
	ErrorCodeChecksumMismatch = "DISPATCH_CHECKSUM_MISMATCH"
	ErrorCodeInternal         = "DISPATCH_INTERNAL_ERROR"
)

var (
	ErrValidation       = errors.New("dispatch: validation failed")
	ErrNotFound         = errors.New("dispatch: not found")
	ErrStaleLease       = errors.New("dispatch: stale lease")
	ErrLockHeld         = errors.New("dispatch: job lock already held")
	ErrLockLost         = errors.New("dispatch: job lock lost")
	ErrTransportFailure = errors.New("dispatch: transport failure")
	ErrChecksumMismatch = errors.New("dispatch: job state checksum mismatch")
	ErrNonRetryable     = errors.New("dispatch: non-retryable failure")
)

type ErrorMapper func(err error) *goerrors.Error

func ValidationError(message string, metadata map[string]any) error {
	return wrapSentinel(ErrValidation, goerrors.CategoryValidation, message, http.StatusBadRequest, ErrorCodeValidation, metadata)
}

func NotFoundError(kind string, id string) error {
	return wrapSentinel(
		ErrNotFound,
		goerrors.CategoryNotFound,
		fmt.Sprintf("dispatch: %s %q not found", strings.TrimSpace(kind), strings.TrimSpace(id)),
		http.StatusNotFound,
		ErrorCodeNotFound,
		map[string]any{"kind": kind, "id": id},
	)
}

func StaleLeaseError(entryID string, workerID string) error {
	return wrapSentinel(
		ErrStaleLease,
		goerrors.CategoryConflict,
		fmt.Sprintf("dispatch: entry %q is no longer leased by %q", entryID, workerID),
		http.StatusConflict,
		ErrorCodeStaleLease,
		map[string]any{"entry_id": entryID, "worker_id": workerID},
	)
}

func LockHeldError(jobName string, holder string) error {
	metadata := map[string]any{"job_name": jobName}
	if strings.TrimSpace(holder) != "" {
		metadata["locked_by"] = holder
	}
	return wrapSentinel(
		ErrLockHeld,
		goerrors.CategoryConflict,
		fmt.Sprintf("dispatch: job %q lock already held", jobName),
		http.StatusConflict,
		ErrorCodeLockHeld,
		metadata,
	)
}

func LockLostError(jobName string, workerID string) error {
	return wrapSentinel(
		ErrLockLost,
		goerrors.CategoryConflict,
		fmt.Sprintf("dispatch: job %q lease no longer held by %q", jobName, workerID),
		http.StatusConflict,
		ErrorCodeLockLost,
		map[string]any{"job_name": jobName, "worker_id": workerID},
	)
}

func ChecksumMismatchError(jobName string, stored string, computed string) error {
	return wrapSentinel(
		ErrChecksumMismatch,
		goerrors.CategoryInternal,
		fmt.Sprintf("dispatch: job %q state does not match its checksum", jobName),
		http.StatusInternalServerError,
		ErrorCodeChecksumMismatch,
		map[string]any{"job_name": jobName, "stored_checksum": stored, "computed_checksum": computed},
	)
}

// TransportFailure wraps a delivery error so callers can match it with
// errors.Is(err, ErrTransportFailure) while keeping the cause.
func TransportFailure(cause error, metadata map[string]any) error {
	message := "dispatch: delivery transport failed"
	if cause != nil {
		message = message + ": " + cause.Error()
	}
	err := goerrors.Wrap(&transportError{cause: cause}, goerrors.CategoryExternal, message).
		WithCode(http.StatusBadGateway).
		WithTextCode(ErrorCodeTransportFailure)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

type transportError struct {
	cause error
}

func (e *transportError) Error() string {
	if e.cause == nil {
		return ErrTransportFailure.Error()
	}
	return ErrTransportFailure.Error() + ": " + e.cause.Error()
}

func (e *transportError) Unwrap() []error {
	if e.cause == nil {
		return []error{ErrTransportFailure}
	}
	return []error{ErrTransportFailure, e.cause}
}

// NonRetryable marks err so the queue moves the row straight to failed.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{cause: err}
}

type nonRetryableError struct {
	cause error
}

func (e *nonRetryableError) Error() string {
	return e.cause.Error()
}

func (e *nonRetryableError) Unwrap() []error {
	return []error{ErrNonRetryable, e.cause}
}

// IsNonRetryable also honors go-errors values built with
// goerrors.NewNonRetryable.
func IsNonRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNonRetryable) {
		return true
	}
	var retryable interface{ IsRetryable() bool }
	if errors.As(err, &retryable) {
		return !retryable.IsRetryable()
	}
	return false
}

// IsContention reports the expected outcomes of competing workers. These
// are retried on the next cycle and never escalated.
func IsContention(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrStaleLease) ||
		errors.Is(err, ErrLockHeld) ||
		errors.Is(err, ErrLockLost)
}

func IsNotFound(err error) bool {
	return err != nil && errors.Is(err, ErrNotFound)
}

func wrapSentinel(
	sentinel error,
	category goerrors.Category,
	message string,
	code int,
	textCode string,
	metadata map[string]any,
) error {
	err := goerrors.Wrap(sentinel, category, message).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func dispatchErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureErrorEnvelope(richErr)
	}

	switch {
	case errors.Is(err, ErrStaleLease):
		return newDispatchError(err.Error(), goerrors.CategoryConflict, ErrorCodeStaleLease)
	case errors.Is(err, ErrLockHeld):
		return newDispatchError(err.Error(), goerrors.CategoryConflict, ErrorCodeLockHeld)
	case errors.Is(err, ErrLockLost):
		return newDispatchError(err.Error(), goerrors.CategoryConflict, ErrorCodeLockLost)
	case errors.Is(err, ErrChecksumMismatch):
		return newDispatchError(err.Error(), goerrors.CategoryInternal, ErrorCodeChecksumMismatch)
	case errors.Is(err, ErrNotFound):
		return newDispatchError(err.Error(), goerrors.CategoryNotFound, ErrorCodeNotFound)
	case errors.Is(err, ErrValidation):
		return newDispatchError(err.Error(), goerrors.CategoryValidation, ErrorCodeValidation)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	if strings.Contains(msg, "required") || strings.Contains(msg, "invalid") {
		return newDispatchError(err.Error(), goerrors.CategoryBadInput, ErrorCodeValidation)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureErrorEnvelope(mapped)
}

func newDispatchError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureErrorEnvelope(goerrors.New(message, category).WithTextCode(textCode))
}

func ensureErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = httpStatusForCategory(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorCodeValidation
	case goerrors.CategoryNotFound:
		return ErrorCodeNotFound
	case goerrors.CategoryConflict:
		return ErrorCodeStaleLease
	case goerrors.CategoryExternal:
		return ErrorCodeTransportFailure
	default:
		return ErrorCodeInternal
	}
}

func httpStatusForCategory(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
