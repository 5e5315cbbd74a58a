package wire

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode identifies one failure in the closed wire taxonomy. Codes are
// stable protocol strings; adding a code is a minor version bump, changing
// one is a major bump.
type ErrorCode string

const (
	// Command validation.
	CodeMalformedEnvelope   ErrorCode = "malformed_envelope"
	CodeUnknownActionType   ErrorCode = "unknown_action_type"
	CodeInvalidParams       ErrorCode = "invalid_params"
	CodePresignedURLExpired ErrorCode = "presigned_url_expired"

	// Element resolution.
	CodeElementNotFound   ErrorCode = "element_not_found"
	CodeElementIndexStale ErrorCode = "element_index_stale"
	CodeAmbiguousSelector ErrorCode = "ambiguous_selector"

	// Transient infrastructure. Dispatch retries these once per
	// RetryDelay before surfacing them; stream redelivery covers the
	// rest.
	CodeDriverUnavailable ErrorCode = "driver_temporarily_unavailable"
	CodeNetworkFlap       ErrorCode = "network_flap"
	CodeStreamUnavailable ErrorCode = "stream_unavailable"

	// Permanent action failures.
	CodeNavigationFailed   ErrorCode = "navigation_failed"
	CodeSubmissionRejected ErrorCode = "submission_rejected"
	CodeFileUploadFailed   ErrorCode = "file_upload_failed"
	CodeActionTimeout      ErrorCode = "action_timeout"

	// Session lifecycle.
	CodeSessionNotFound ErrorCode = "session_not_found"
	CodeSessionClosed   ErrorCode = "session_closed"
	CodeDriverCrashed   ErrorCode = "driver_crashed"

	// Sequencing.
	CodeSequenceGap      ErrorCode = "sequence_gap"
	CodeDuplicateCommand ErrorCode = "duplicate_command"

	// Extraction workflow.
	CodeSchemaValidationFailed ErrorCode = "schema_validation_failed"
	CodeIdempotencyConflict    ErrorCode = "idempotency_conflict"
	CodeCheckpointResume       ErrorCode = "checkpoint_resume"
)

// Family groups error codes by the handling they require.
type Family string

const (
	// FamilyValidation marks rejected inputs. Never retried.
	FamilyValidation Family = "validation"
	// FamilyElement marks element resolution failures. The issuer retries
	// after refreshing its view of the page.
	FamilyElement Family = "element"
	// FamilyTransient marks infrastructure blips retried with backoff.
	FamilyTransient Family = "transient"
	// FamilyPermanent marks action failures surfaced to the issuer.
	FamilyPermanent Family = "permanent"
	// FamilyFatal marks failures that end the session.
	FamilyFatal Family = "fatal"
	// FamilySequencing marks ordering anomalies on the command stream.
	FamilySequencing Family = "sequencing"
	// FamilyWorkflow marks extraction workflow failures.
	FamilyWorkflow Family = "workflow"
)

// Family returns the handling family of a code. Unknown codes are treated
// as permanent so a newer producer never tricks an older consumer into
// retry loops.
func (c ErrorCode) Family() Family {
	switch c {
	case CodeMalformedEnvelope, CodeUnknownActionType, CodeInvalidParams, CodePresignedURLExpired:
		return FamilyValidation
	case CodeElementNotFound, CodeElementIndexStale, CodeAmbiguousSelector:
		return FamilyElement
	case CodeDriverUnavailable, CodeNetworkFlap, CodeStreamUnavailable:
		return FamilyTransient
	case CodeNavigationFailed, CodeSubmissionRejected, CodeFileUploadFailed, CodeActionTimeout:
		return FamilyPermanent
	case CodeSessionNotFound, CodeSessionClosed, CodeDriverCrashed:
		return FamilyFatal
	case CodeSequenceGap, CodeDuplicateCommand:
		return FamilySequencing
	case CodeSchemaValidationFailed, CodeIdempotencyConflict, CodeCheckpointResume:
		return FamilyWorkflow
	}
	return FamilyPermanent
}

// Retryable reports whether the issuer may resend the same command and
// reasonably expect a different outcome. Ambiguous selectors are excluded:
// the same selector matches the same elements again.
func (c ErrorCode) Retryable() bool {
	switch c.Family() {
	case FamilyTransient:
		return true
	case FamilyElement:
		return c != CodeAmbiguousSelector
	}
	return c == CodeActionTimeout
}

// Error is the taxonomy member carried on results and error events. It
// implements error so classified failures flow through ordinary error
// returns until they reach a wire boundary.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

// Errorf builds an Error with the given code. The retryable flag is derived
// from the code.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Retryable: code.Retryable(),
	}
}

// Wrap classifies err under code, preserving its message. A nil err yields
// a bare Error for the code.
func Wrap(code ErrorCode, err error) *Error {
	if err == nil {
		return Errorf(code, "")
	}
	return Errorf(code, "%s", err.Error())
}

// AsError extracts the wire error from a wrapped chain.
func AsError(err error) (*Error, bool) {
	var we *Error
	if errors.As(err, &we) {
		return we, true
	}
	return nil, false
}

// CodeOf returns the taxonomy code of err, or the empty code when err
// carries none.
func CodeOf(err error) ErrorCode {
	if we, ok := AsError(err); ok {
		return we.Code
	}
	return ""
}

// Transient reports whether err is classified in the transient family.
func Transient(err error) bool {
	if we, ok := AsError(err); ok {
		return we.Code.Family() == FamilyTransient
	}
	return false
}

// Retry schedule for transient failures.
const (
	// RetryInitialDelay is the delay before the first retry.
	RetryInitialDelay = time.Second
	// RetryMaxDelay caps the per-attempt delay.
	RetryMaxDelay = time.Minute
	// RetryMaxAttempts bounds retries before the failure is surfaced.
	RetryMaxAttempts = 5
)

// RetryDelay returns the backoff before retry attempt n (1-based). The
// schedule doubles from RetryInitialDelay and is capped at RetryMaxDelay.
func RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := RetryInitialDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= RetryMaxDelay {
			return RetryMaxDelay
		}
	}
	return d
}
