package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"goa.design/pilot/action"
	"goa.design/pilot/dom"
	"goa.design/pilot/driver"
	"goa.design/pilot/engine"
	"goa.design/pilot/knowledge"
	"goa.design/pilot/knowledge/graph"
)

// verifyActions replays the scope's translated actions against a live
// browser and reports discrepancies: navigations that land on pages no
// extracted screen matches, and element-addressed actions whose target
// cannot be found on the page they claim. Verification never mutates the
// knowledge set; findings land on the job for a human (or a re-extraction)
// to act on.
func (p *Pipeline) verifyActions(ctx context.Context, in runInput) (*phaseOutput, error) {
	if !in.Verify {
		return &phaseOutput{Skipped: true}, nil
	}
	if p.drivers == nil {
		return nil, errors.New("verification needs a driver factory")
	}

	set, err := knowledge.ReadSet(ctx, p.store, in.KnowledgeID)
	if err != nil {
		return nil, fmt.Errorf("read knowledge set: %w", err)
	}
	idx := graph.Build(set)

	drv, err := p.drivers.New(ctx, driver.Config{})
	if err != nil {
		return nil, fmt.Errorf("allocate verification driver: %w", err)
	}
	defer func() {
		if cerr := drv.Close(context.WithoutCancel(ctx)); cerr != nil {
			p.log.Warn(ctx, "close verification driver", "err", cerr)
		}
	}()

	var (
		verified      int
		discrepancies []string
	)
	note := func(format string, args ...any) {
		discrepancies = append(discrepancies, fmt.Sprintf(format, args...))
	}

	// Navigations anchor the replay: each one loads a page, identifies the
	// screen it landed on and then checks the element-addressed actions
	// that claim that screen.
	for _, a := range set.Actions {
		bua := a.BrowserUseAction
		if bua == nil || bua.ActionType != string(action.Navigate) {
			continue
		}
		url, _ := bua.Params["url"].(string)
		if url == "" {
			continue
		}
		engine.RecordHeartbeat(ctx, nil)

		if err := drv.Navigate(ctx, url, false); err != nil {
			if errors.Is(err, driver.ErrCrashed) {
				return nil, err
			}
			note("action %s: navigate %s: %v", a.ActionID, url, err)
			continue
		}
		verified++

		snap, err := drv.Snapshot(ctx)
		if err != nil {
			if errors.Is(err, driver.ErrCrashed) {
				return nil, err
			}
			note("action %s: snapshot after %s: %v", a.ActionID, url, err)
			continue
		}
		text, _ := drv.PageText(ctx)

		match, ok := idx.MatchScreen(graph.Observation{URL: snap.URL, Text: text + " " + elementText(snap)})
		if !ok {
			note("action %s: no extracted screen matches %s", a.ActionID, snap.URL)
			continue
		}
		if len(a.ScreenIDs) > 0 && !containsID(a.ScreenIDs, match.Screen.ScreenID) {
			note("action %s: landed on screen %s, linked to %s",
				a.ActionID, match.Screen.ScreenID, strings.Join(a.ScreenIDs, ","))
		}

		for _, other := range set.Actions {
			if other.BrowserUseAction == nil || !containsID(other.ScreenIDs, match.Screen.ScreenID) {
				continue
			}
			if other.BrowserUseAction.ActionType == string(action.Navigate) {
				continue
			}
			verified++
			if !targetPresent(other, snap) {
				note("action %s: target %q not found on screen %s",
					other.ActionID, other.TargetDescription, match.Screen.ScreenID)
			}
		}
	}

	p.log.Info(ctx, "verification finished",
		"knowledge_id", in.KnowledgeID, "verified", verified, "discrepancies", len(discrepancies))
	return &phaseOutput{
		Counts:        map[string]int{"verified_actions": verified, "discrepancies": len(discrepancies)},
		Discrepancies: discrepancies,
	}, nil
}

// targetPresent reports whether an element on the snapshot plausibly matches
// the action's target. Generated CSS selectors rarely equal the driver's
// capture selectors, so the check matches on the description's significant
// words against element text and attributes instead.
func targetPresent(a *knowledge.Action, snap *dom.Snapshot) bool {
	if sel := strings.TrimSpace(a.Selector.CSS); sel != "" {
		if _, err := snap.FindBySelector(sel); err == nil {
			return true
		}
	}
	words := significantWords(a.TargetDescription)
	if len(words) == 0 {
		// Nothing to match against; absence is not a finding.
		return true
	}
	for i := range snap.Elements {
		el := &snap.Elements[i]
		hay := strings.ToLower(el.Text + " " + el.Attrs["name"] + " " + el.Attrs["id"] + " " +
			el.Attrs["placeholder"] + " " + el.Attrs["aria-label"] + " " + el.Attrs["title"])
		for _, w := range words {
			if strings.Contains(hay, w) {
				return true
			}
		}
	}
	return false
}

// significantWords returns the lowercase words of a description longer than
// three characters, the ones likely to appear on the element itself.
func significantWords(s string) []string {
	var out []string
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,!?;:\"'")
		if len(w) > 3 {
			out = append(out, w)
		}
	}
	return out
}

// elementText concatenates element text and naming attributes so signature
// indicators can match controls the page prose does not mention.
func elementText(snap *dom.Snapshot) string {
	var b strings.Builder
	for i := range snap.Elements {
		el := &snap.Elements[i]
		b.WriteString(el.Text)
		b.WriteByte(' ')
		for _, k := range []string{"name", "id", "placeholder", "aria-label", "title"} {
			if v := el.Attrs[k]; v != "" {
				b.WriteString(v)
				b.WriteByte(' ')
			}
		}
	}
	return b.String()
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
