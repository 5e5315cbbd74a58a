package flow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"goa.design/pilot/knowledge/ingest"
)

type (
	// runInput is the workflow payload. Every phase activity receives the
	// same input; phase-specific state lives in the store, never in the
	// payload, so activity inputs stay replay-stable.
	runInput struct {
		JobID       string `json:"job_id"`
		KnowledgeID string `json:"knowledge_id"`
		WebsiteID   string `json:"website_id,omitempty"`
		// Replace deletes everything previously extracted under the
		// knowledge ID before ingestion.
		Replace bool `json:"replace,omitempty"`
		// Verify appends the browser verification phase.
		Verify bool `json:"verify,omitempty"`
		// VerifyOnly runs verification over an existing scope with no
		// extraction phases.
		VerifyOnly bool `json:"verify_only,omitempty"`
		// Source is nil for verification-only runs.
		Source *ingest.Source `json:"source,omitempty"`
		// ContentHash fingerprints the source material and feeds activity
		// idempotency keys.
		ContentHash string `json:"content_hash,omitempty"`
	}

	// phaseOutput is what one phase activity reports back to the workflow.
	phaseOutput struct {
		Phase string `json:"phase"`
		// Counts are per-entity totals produced by the phase.
		Counts map[string]int `json:"counts,omitempty"`
		// Violations are invariant failures found by the validation phase.
		Violations []string `json:"violations,omitempty"`
		// Discrepancies are mismatches found by the verification phase.
		Discrepancies []string `json:"discrepancies,omitempty"`
		// Skipped marks a phase that had nothing to do on this deployment,
		// such as the business phase without a text model.
		Skipped bool `json:"skipped,omitempty"`
	}

	// progressUpdate is the input of the bookkeeping activity that patches
	// the job row and publishes a progress event.
	progressUpdate struct {
		JobID string `json:"job_id"`
		// Status overwrites the job status when non-empty.
		Status string `json:"status,omitempty"`
		// Phase names the phase the run is in or just finished.
		Phase string `json:"phase,omitempty"`
		// Progress is percent complete in [0,100]; negative leaves the
		// recorded value untouched.
		Progress float64 `json:"progress"`
		// Errors are appended to the job's error list.
		Errors []string `json:"errors,omitempty"`
		// Counts are merged into the job's entity totals.
		Counts map[string]int `json:"counts,omitempty"`
	}

	// RunResult is the workflow output recorded by the engine on
	// completion.
	RunResult struct {
		JobID       string `json:"job_id"`
		KnowledgeID string `json:"knowledge_id"`
		// Counts aggregates entity totals across phases.
		Counts map[string]int `json:"counts,omitempty"`
		// Violations are the validation findings. A run completes with
		// violations; they are reports, not failures.
		Violations []string `json:"violations,omitempty"`
		// Discrepancies are the verification findings.
		Discrepancies []string `json:"discrepancies,omitempty"`
	}
)

func encodeRunInput(in runInput) ([]byte, error) {
	b, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode workflow input: %w", err)
	}
	return b, nil
}

func decodeRunInput(b []byte) (runInput, error) {
	var in runInput
	if err := json.Unmarshal(b, &in); err != nil {
		return in, fmt.Errorf("decode workflow input: %w", err)
	}
	if in.KnowledgeID == "" {
		return in, fmt.Errorf("workflow input misses knowledge_id")
	}
	return in, nil
}

// IdempotencyKey derives the execution-ledger key of one activity attempt:
// SHA-256 hex over the workflow ID, the activity name and the source content
// hash. Identical inputs map to the same key, so a re-delivered activity
// replays its recorded result instead of repeating side effects.
func IdempotencyKey(workflowID, activityName, contentHash string) string {
	h := sha256.New()
	h.Write([]byte(workflowID))
	h.Write([]byte{0})
	h.Write([]byte(activityName))
	h.Write([]byte{0})
	h.Write([]byte(contentHash))
	return hex.EncodeToString(h.Sum(nil))
}
