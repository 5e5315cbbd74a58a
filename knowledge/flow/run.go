package flow

import (
	"context"
	"encoding/json"
	"fmt"

	"goa.design/pilot/engine"
)

// phaseWeight is the progress share of one phase. The ingest and extraction
// phases carry the bulk of the work; bookkeeping phases finish fast.
var phaseWeight = map[string]float64{
	PhaseIngest:      2,
	PhaseScreens:     2,
	PhaseTasks:       2,
	PhaseActions:     2,
	PhaseTransitions: 2,
	PhaseBusiness:    3,
	PhaseLink:        1,
	PhaseGraph:       1,
	PhaseValidate:    1,
	PhaseVerify:      3,
}

// plan returns the phase names to execute, in order. Verification-only runs
// reduce to the single verify phase; the business phase is planned only when
// a text model is configured.
func (p *Pipeline) plan(in runInput) []string {
	if in.VerifyOnly {
		return []string{PhaseVerify}
	}
	phases := []string{PhaseIngest, PhaseScreens, PhaseTasks, PhaseActions, PhaseTransitions}
	if p.text != nil {
		phases = append(phases, PhaseBusiness)
	}
	phases = append(phases, PhaseLink, PhaseGraph, PhaseValidate)
	if in.Verify {
		phases = append(phases, PhaseVerify)
	}
	return phases
}

// run is the workflow body shared by the extraction and verification
// definitions. It executes the planned phases in order, gates on
// pause/resume/cancel signals between phases and reports progress through
// the bookkeeping activity after each one. All I/O happens in activities;
// the body itself only sequences them.
func (p *Pipeline) run(wctx engine.WorkflowContext, input []byte) ([]byte, error) {
	ctx := wctx.Context()
	in, err := decodeRunInput(input)
	if err != nil {
		return nil, err
	}

	var paused bool
	if err := wctx.SetQueryHandler(engine.StatusQuery, func() ([]byte, error) {
		st := engine.RunStatusRunning
		if paused {
			st = engine.RunStatusPaused
		}
		return json.Marshal(st)
	}); err != nil {
		return nil, fmt.Errorf("register status query: %w", err)
	}

	plan := p.plan(in)
	var total float64
	for _, name := range plan {
		total += phaseWeight[name]
	}

	result := RunResult{
		JobID:       in.JobID,
		KnowledgeID: in.KnowledgeID,
		Counts:      make(map[string]int),
	}
	p.report(wctx, progressUpdate{
		JobID:  in.JobID,
		Status: StatusRunning,
		Phase:  plan[0],
	})

	var done float64
	for _, phase := range plan {
		if err := p.gate(wctx, in, &paused); err != nil {
			return nil, err
		}

		raw, err := wctx.ExecuteActivity(ctx, engine.ActivityCall{Name: phase, Input: input})
		if err != nil {
			p.report(wctx, progressUpdate{
				JobID:    in.JobID,
				Status:   StatusFailed,
				Phase:    phase,
				Progress: -1,
				Errors:   []string{fmt.Sprintf("%s: %v", phase, err)},
			})
			return nil, fmt.Errorf("phase %s: %w", phase, err)
		}

		var out phaseOutput
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("phase %s: decode output: %w", phase, err)
		}
		for k, v := range out.Counts {
			result.Counts[k] += v
		}
		result.Violations = append(result.Violations, out.Violations...)
		result.Discrepancies = append(result.Discrepancies, out.Discrepancies...)

		done += phaseWeight[phase]
		p.report(wctx, progressUpdate{
			JobID:    in.JobID,
			Status:   StatusRunning,
			Phase:    phase,
			Progress: 100 * done / total,
			Errors:   out.Violations,
			Counts:   out.Counts,
		})
	}

	p.report(wctx, progressUpdate{
		JobID:    in.JobID,
		Status:   StatusCompleted,
		Phase:    plan[len(plan)-1],
		Progress: 100,
	})
	return json.Marshal(result)
}

// gate drains control signals between phases. A pause parks the workflow on
// a durable timer until a resume or cancel arrives; a cancel records the
// canceled status and returns an error wrapping context.Canceled so the
// engine closes the run as canceled rather than failed.
func (p *Pipeline) gate(wctx engine.WorkflowContext, in runInput, paused *bool) error {
	ctx := wctx.Context()
	for {
		if req, ok := wctx.CancelRequests().ReceiveAsync(); ok {
			p.report(wctx, progressUpdate{
				JobID:    in.JobID,
				Status:   StatusCanceled,
				Progress: -1,
				Errors:   cancelNote(req.Reason),
			})
			return fmt.Errorf("extraction canceled: %w", context.Canceled)
		}
		if !*paused {
			if req, ok := wctx.PauseRequests().ReceiveAsync(); ok {
				*paused = true
				wctx.Logger().Info(ctx, "extraction paused", "job_id", in.JobID, "reason", req.Reason)
				p.report(wctx, progressUpdate{JobID: in.JobID, Status: StatusPaused, Progress: -1})
			}
		} else if _, ok := wctx.ResumeRequests().ReceiveAsync(); ok {
			*paused = false
			wctx.Logger().Info(ctx, "extraction resumed", "job_id", in.JobID)
			p.report(wctx, progressUpdate{JobID: in.JobID, Status: StatusRunning, Progress: -1})
		}
		if !*paused {
			return nil
		}
		if err := wctx.Sleep(ctx, p.pausePoll); err != nil {
			return err
		}
	}
}

// report runs the bookkeeping activity. Progress reporting is best-effort:
// a failed update is logged and the run moves on.
func (p *Pipeline) report(wctx engine.WorkflowContext, u progressUpdate) {
	b, err := json.Marshal(u)
	if err != nil {
		wctx.Logger().Warn(wctx.Context(), "encode progress update", "err", err)
		return
	}
	if _, err := wctx.ExecuteActivity(wctx.Context(), engine.ActivityCall{
		Name:  activityProgress,
		Input: b,
	}); err != nil {
		wctx.Logger().Warn(wctx.Context(), "record progress", "job_id", u.JobID, "err", err)
	}
}

func cancelNote(reason string) []string {
	if reason == "" {
		return nil
	}
	return []string{"canceled: " + reason}
}
