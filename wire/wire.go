// Package wire defines the envelopes exchanged over the command and state
// streams, the pub/sub event fan-out format, and the closed error taxonomy
// shared by producers and consumers. Envelopes are versioned; consumers
// accept any envelope whose major version matches their own and ignore
// unknown fields.
package wire

import (
	"encoding/json"
	"strings"

	"goa.design/pilot/diff"
)

// ProtocolVersion is the envelope version written by this build. Versions
// follow semver; compatibility is decided on the major component only.
const ProtocolVersion = "1.0"

// Consumer group names. Every instance of a cluster joins the same group so
// the broker delivers each command to exactly one member.
const (
	// CommandGroup is the consumer group reading command streams.
	CommandGroup = "browser_agent_cluster"
	// StateGroup is the consumer group reading state streams.
	StateGroup = "voice_agent_cluster"
)

// Pub/sub event types published on the per-room event channel.
const (
	EventPageNavigation   = "page_navigation"
	EventPageLoadComplete = "page_load_complete"
	EventActionCompleted  = "action_completed"
	EventActionError      = "action_error"
	EventBrowserError     = "browser_error"
)

type (
	// ActionEnvelope is one command read from a room's command stream.
	// Params is decoded per ActionType by the action package; unknown
	// fields inside Params are ignored.
	ActionEnvelope struct {
		Version        string            `json:"version"`
		CommandID      string            `json:"command_id"`
		RoomName       string            `json:"room_name"`
		SequenceNumber uint64            `json:"sequence_number"`
		ActionType     string            `json:"action_type"`
		Params         json.RawMessage   `json:"params,omitempty"`
		TimeoutMS      int64             `json:"timeout_ms,omitempty"`
		IssuedAtMS     int64             `json:"issued_at_ms,omitempty"`
		TraceContext   map[string]string `json:"trace_context,omitempty"`
	}

	// ObservedEffects records the best-effort side effects noticed while
	// executing an action, independent of the structured diff.
	ObservedEffects struct {
		Navigated         bool   `json:"navigated,omitempty"`
		URL               string `json:"url,omitempty"`
		VisibilityChanged bool   `json:"visibility_changed,omitempty"`
		FormFieldsChanged bool   `json:"form_fields_changed,omitempty"`
		DownloadRef       string `json:"download_ref,omitempty"`
	}

	// ActionResult is the outcome of one action execution. Data carries
	// action-specific payloads such as extracted text or clipboard
	// contents; it is nil for actions that only mutate the page.
	ActionResult struct {
		Success         bool             `json:"success"`
		Error           *Error           `json:"error,omitempty"`
		DurationMS      int64            `json:"duration_ms"`
		Data            json.RawMessage  `json:"data,omitempty"`
		ObservedEffects *ObservedEffects `json:"observed_effects,omitempty"`
	}

	// CurrentState is the compact page summary carried on every update so
	// consumers do not need the full snapshot to know where the session is.
	CurrentState struct {
		URL          string `json:"url"`
		Title        string `json:"title"`
		ContentHash  string `json:"content_hash"`
		ElementCount int    `json:"element_count"`
	}

	// StateUpdate is one entry appended to a room's state stream. It
	// mirrors the command_id and sequence_number of the envelope that
	// produced it so issuers can correlate results without extra lookups.
	StateUpdate struct {
		Version        string          `json:"version"`
		UpdateID       string          `json:"update_id"`
		SessionID      string          `json:"session_id"`
		RoomName       string          `json:"room_name"`
		CommandID      string          `json:"command_id"`
		SequenceNumber uint64          `json:"sequence_number"`
		Result         ActionResult    `json:"result"`
		Diff           *diff.StateDiff `json:"state_diff,omitempty"`
		State          CurrentState    `json:"current_state"`
		ScreenshotRef  string          `json:"screenshot_ref,omitempty"`
		EmittedAtMS    int64           `json:"emitted_at_ms"`
	}

	// Event is the fan-out notification published on a room's event
	// channel. Unlike stream entries, events are fire-and-forget: late
	// subscribers miss them.
	Event struct {
		Type      string          `json:"type"`
		RoomName  string          `json:"room_name"`
		CommandID string          `json:"command_id,omitempty"`
		AtMS      int64           `json:"at_ms"`
		Payload   json.RawMessage `json:"payload,omitempty"`
	}
)

// CommandStream returns the command stream name for a room.
func CommandStream(room string) string { return "commands:" + room }

// StateStream returns the state stream name for a room.
func StateStream(room string) string { return "state:" + room }

// EventChannel returns the pub/sub channel carrying a room's browser events.
func EventChannel(room string) string { return "browser:events:" + room }

// ProgressChannel returns the pub/sub channel carrying progress updates for
// an extraction job.
func ProgressChannel(jobID string) string { return "exploration:" + jobID + ":progress" }

// CompatibleVersion reports whether an envelope version can be processed by
// this build. Only the major component must match; minor revisions add
// optional fields and stay readable.
func CompatibleVersion(v string) bool {
	return major(v) == major(ProtocolVersion) && major(v) != ""
}

func major(v string) string {
	if i := strings.IndexByte(v, '.'); i >= 0 {
		return v[:i]
	}
	return v
}

// Validate checks the envelope invariants that hold for every action type.
// It returns a MalformedEnvelope error describing the first violation.
func (e *ActionEnvelope) Validate() error {
	switch {
	case e.Version == "":
		return Errorf(CodeMalformedEnvelope, "missing version")
	case !CompatibleVersion(e.Version):
		return Errorf(CodeMalformedEnvelope, "incompatible version %q (this build speaks %s)", e.Version, ProtocolVersion)
	case e.CommandID == "":
		return Errorf(CodeMalformedEnvelope, "missing command_id")
	case e.RoomName == "":
		return Errorf(CodeMalformedEnvelope, "missing room_name")
	case e.SequenceNumber == 0:
		return Errorf(CodeMalformedEnvelope, "missing sequence_number (numbering starts at 1)")
	case e.ActionType == "":
		return Errorf(CodeMalformedEnvelope, "missing action_type")
	case e.TimeoutMS < 0:
		return Errorf(CodeMalformedEnvelope, "negative timeout_ms")
	}
	return nil
}
