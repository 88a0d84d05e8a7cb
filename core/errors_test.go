package core

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	goerrors "github.com/goliatone/go-errors"
)

func TestErrorConstructors_WrapSentinels(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		sentinel error
		textCode string
	}{
		{"validation", ValidationError("bad", nil), ErrValidation, ErrorCodeValidation},
		{"not found", NotFoundError("queue entry", "q1"), ErrNotFound, ErrorCodeNotFound},
		{"stale lease", StaleLeaseError("q1", "w1"), ErrStaleLease, ErrorCodeStaleLease},
		{"lock held", LockHeldError("nightly", "w2"), ErrLockHeld, ErrorCodeLockHeld},
		{"lock lost", LockLostError("nightly", "w1"), ErrLockLost, ErrorCodeLockLost},
		{"checksum", ChecksumMismatchError("nightly", "a", "b"), ErrChecksumMismatch, ErrorCodeChecksumMismatch},
		{"transport", TransportFailure(stderrors.New("503"), nil), ErrTransportFailure, ErrorCodeTransportFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if !stderrors.Is(tc.err, tc.sentinel) {
				t.Fatalf("expected errors.Is to match sentinel, got %v", tc.err)
			}
			var richErr *goerrors.Error
			if !goerrors.As(tc.err, &richErr) {
				t.Fatalf("expected go-errors type, got %T", tc.err)
			}
			if richErr.TextCode != tc.textCode {
				t.Fatalf("expected text code %q, got %q", tc.textCode, richErr.TextCode)
			}
			if richErr.Code == 0 {
				t.Fatalf("expected http status on error")
			}
		})
	}
}

func TestIsContention(t *testing.T) {
	if !IsContention(StaleLeaseError("q1", "w1")) {
		t.Fatalf("expected stale lease to be contention")
	}
	if !IsContention(fmt.Errorf("wrapped: %w", LockHeldError("job", ""))) {
		t.Fatalf("expected wrapped lock held to be contention")
	}
	if IsContention(ValidationError("bad", nil)) {
		t.Fatalf("expected validation error not to be contention")
	}
	if IsContention(nil) {
		t.Fatalf("expected nil not to be contention")
	}
}

func TestIsNonRetryable(t *testing.T) {
	cause := stderrors.New("malformed body")
	if !IsNonRetryable(NonRetryable(cause)) {
		t.Fatalf("expected marked error to be non-retryable")
	}
	if !stderrors.Is(NonRetryable(cause), cause) {
		t.Fatalf("expected marked error to keep its cause")
	}
	if !IsNonRetryable(goerrors.NewNonRetryable("bad payload", goerrors.CategoryBadInput)) {
		t.Fatalf("expected go-errors non-retryable to be honored")
	}
	if IsNonRetryable(goerrors.NewRetryableExternal("upstream down")) {
		t.Fatalf("expected retryable external error to stay retryable")
	}
	if IsNonRetryable(cause) {
		t.Fatalf("expected plain error to be retryable")
	}
}

func TestDispatchErrorMapper_AssignsStableCodes(t *testing.T) {
	mapped := dispatchErrorMapper(fmt.Errorf("store: %w", ErrStaleLease))
	if mapped.TextCode != ErrorCodeStaleLease || mapped.Code != http.StatusConflict {
		t.Fatalf("expected stale lease mapping, got %q/%d", mapped.TextCode, mapped.Code)
	}

	mapped = dispatchErrorMapper(stderrors.New("entry id is required"))
	if mapped.TextCode != ErrorCodeValidation {
		t.Fatalf("expected validation code, got %q", mapped.TextCode)
	}

	mapped = dispatchErrorMapper(stderrors.New("boom"))
	if mapped.TextCode == "" || mapped.Code == 0 {
		t.Fatalf("expected envelope defaults, got %#v", mapped)
	}
}
