package knowledge

import (
	"fmt"
	"strconv"
	"strings"

	"goa.design/pilot/action"
)

// Translation confidence levels. Full translation means the runtime action
// could be built with every field it needs; degraded translations leave
// resolution work to the executing agent.
const (
	confidenceFull       = 1.0
	confidenceNoSelector = 0.7
	confidenceNoPayload  = 0.5
)

var hasMutationKeyword = keywordMatcher([]string{
	"submit", "create", "delete", "remove", "send", "pay", "purchase",
	"order", "confirm", "publish", "post",
})

func keywordMatcher(words []string) func(string) bool {
	return func(text string) bool {
		lower := strings.ToLower(text)
		for _, w := range words {
			if idx := strings.Index(lower, w); idx >= 0 {
				// Whole-word match only.
				before := idx == 0 || !isWordByte(lower[idx-1])
				end := idx + len(w)
				after := end == len(lower) || !isWordByte(lower[end])
				if before && after {
					return true
				}
			}
		}
		return false
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b == '_'
}

// IdempotentAction classifies whether repeating an action is safe. Text is
// the action's name and description; mutation keywords anywhere in it win
// over the per-type default.
func IdempotentAction(actionType, text string) bool {
	if hasMutationKeyword(text) {
		return false
	}
	switch actionType {
	case ActionTypeText, ActionNavigate, ActionScroll, ActionWait, ActionSelectOption:
		return true
	default:
		// Clicks with unknown side effects are treated as unsafe to
		// repeat.
		return false
	}
}

// TranslateAction converts a knowledge-tier action into the runtime action
// it executes as. The returned confidence reflects how complete the
// translation is: element-addressed actions without a selector and payload
// actions without a payload translate, but degraded. Unknown action types
// do not translate at all.
func TranslateAction(a *Action) (*BrowserUseAction, float64, error) {
	selector := strings.TrimSpace(a.Selector.CSS)
	value := strings.TrimSpace(a.Value)

	switch a.Type {
	case ActionClick:
		params := map[string]any{}
		conf := confidenceFull
		if selector != "" {
			params["selector"] = selector
		} else {
			params["target_description"] = a.TargetDescription
			conf = confidenceNoSelector
		}
		return &BrowserUseAction{ActionType: string(action.Click), Params: params}, conf, nil

	case ActionTypeText:
		params := map[string]any{"text": value}
		conf := confidenceFull
		if value == "" {
			conf = confidenceNoPayload
		}
		if selector != "" {
			params["selector"] = selector
		} else if conf == confidenceFull {
			conf = confidenceNoSelector
		}
		return &BrowserUseAction{ActionType: string(action.Type), Params: params}, conf, nil

	case ActionNavigate:
		url := value
		if url == "" && looksLikeURL(a.TargetDescription) {
			url = strings.TrimSpace(a.TargetDescription)
		}
		if url == "" {
			return &BrowserUseAction{ActionType: string(action.Navigate), Params: map[string]any{
				"target_description": a.TargetDescription,
			}}, confidenceNoPayload, nil
		}
		return &BrowserUseAction{ActionType: string(action.Navigate), Params: map[string]any{
			"url": url,
		}}, confidenceFull, nil

	case ActionSelectOption:
		params := map[string]any{}
		conf := confidenceFull
		if selector != "" {
			params["selector"] = selector
		} else {
			params["target_description"] = a.TargetDescription
			conf = confidenceNoSelector
		}
		if value != "" {
			params["text"] = value
		} else if conf == confidenceFull {
			conf = confidenceNoPayload
		}
		return &BrowserUseAction{ActionType: string(action.SelectDropdown), Params: params}, conf, nil

	case ActionScroll:
		dir := scrollDirection(value)
		if dir == "" {
			dir = scrollDirection(a.TargetDescription)
		}
		if dir == "" {
			dir = "down"
		}
		return &BrowserUseAction{ActionType: string(action.Scroll), Params: map[string]any{
			"direction": dir,
		}}, confidenceFull, nil

	case ActionWait:
		seconds := 1.0
		conf := confidenceFull
		if value != "" {
			f, err := strconv.ParseFloat(value, 64)
			if err != nil || f <= 0 {
				conf = confidenceNoPayload
			} else {
				seconds = f
			}
		}
		return &BrowserUseAction{ActionType: string(action.Wait), Params: map[string]any{
			"seconds": seconds,
		}}, conf, nil

	default:
		return nil, 0, fmt.Errorf("no runtime translation for action type %q", a.Type)
	}
}

func looksLikeURL(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsAny(s, " \t\n") {
		return false
	}
	return strings.Contains(s, "://") || strings.HasPrefix(s, "/") || strings.HasPrefix(s, "www.")
}

func scrollDirection(s string) string {
	lower := strings.ToLower(s)
	for _, dir := range []string{"down", "up", "left", "right", "top", "bottom"} {
		if strings.Contains(lower, dir) {
			switch dir {
			case "top":
				return "up"
			case "bottom":
				return "down"
			default:
				return dir
			}
		}
	}
	return ""
}
