package orchestrator

import (
	"errors"
	"net/http"

	"goa.design/pilot/knowledge"
	"goa.design/pilot/knowledge/flow"
	"goa.design/pilot/knowledge/ingest"
	"goa.design/pilot/session"
	"goa.design/pilot/wire"
)

// httpStatus maps a classified failure to the REST status it answers with.
// Validation rejects are 400 except expired presigned URLs, which carry
// their own status; lookups that found nothing are 404; upload fetch
// failures are 502; a disabled verification deployment answers 503.
func httpStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, flow.ErrVerifyDisabled):
		return http.StatusServiceUnavailable
	case errors.Is(err, knowledge.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ingest.ErrObjectMissing):
		return http.StatusNotFound
	case errors.Is(err, ingest.ErrDownloadFailed):
		return http.StatusBadGateway
	case errors.Is(err, session.ErrAlreadyExists):
		return http.StatusConflict
	}
	switch wire.CodeOf(err) {
	case wire.CodePresignedURLExpired:
		return http.StatusGone
	case wire.CodeSessionNotFound:
		return http.StatusNotFound
	case wire.CodeMalformedEnvelope, wire.CodeUnknownActionType, wire.CodeInvalidParams,
		wire.CodeSchemaValidationFailed:
		return http.StatusBadRequest
	case wire.CodeSessionClosed:
		return http.StatusConflict
	case wire.CodeDriverUnavailable, wire.CodeStreamUnavailable:
		return http.StatusServiceUnavailable
	case "":
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// asWireError coerces any failure into a taxonomy member for the RPC
// envelope, which always carries a structured {code, message, retryable}
// error. Uncoded failures map to the nearest family: caller-addressable
// lookups to invalid_params, fetch failures to the transient network code,
// everything else to the transient infrastructure code.
func asWireError(err error) *wire.Error {
	if we, ok := wire.AsError(err); ok {
		return we
	}
	switch {
	case errors.Is(err, knowledge.ErrNotFound),
		errors.Is(err, ingest.ErrObjectMissing):
		return wire.Wrap(wire.CodeInvalidParams, err)
	case errors.Is(err, ingest.ErrDownloadFailed):
		return wire.Wrap(wire.CodeNetworkFlap, err)
	case errors.Is(err, flow.ErrVerifyDisabled):
		return wire.Wrap(wire.CodeStreamUnavailable, err)
	}
	return wire.Wrap(wire.CodeDriverUnavailable, err)
}
