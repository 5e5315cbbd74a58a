package diff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/pilot/dom"
)

func eventNames(d *StateDiff) []string {
	names := make([]string, len(d.SemanticEvents))
	for i, ev := range d.SemanticEvents {
		names[i] = ev.EventName
	}
	return names
}

func hasEvent(d *StateDiff, name string) bool {
	for _, ev := range d.SemanticEvents {
		if ev.EventName == name {
			return true
		}
	}
	return false
}

func TestSemanticDeterminism(t *testing.T) {
	pre := snap("https://example.com", btn("#a", "A"))
	post := snap("https://example.com",
		btn("#a", "A"),
		dom.Element{Tag: "div", Role: "dialog", Selector: "#modal", Text: "Confirm", Visible: true, Enabled: true},
	)
	first := Compute(pre, post)
	for i := 0; i < 10; i++ {
		again := Compute(pre, post)
		require.Equal(t, eventNames(first), eventNames(again))
	}
}

func TestModalOpenedAndClosed(t *testing.T) {
	base := snap("https://example.com", btn("#a", "A"))
	withModal := snap("https://example.com",
		btn("#a", "A"),
		dom.Element{Tag: "div", Role: "dialog", Selector: "#modal", Text: "Confirm", Visible: true, Enabled: true},
	)

	d := Compute(base, withModal)
	require.True(t, hasEvent(d, EventModalOpened), "events: %v", eventNames(d))

	d = Compute(withModal, base)
	require.True(t, hasEvent(d, EventModalClosed), "events: %v", eventNames(d))
}

func TestHashChangeVersusClientRoute(t *testing.T) {
	pre := snap("https://example.com/app", btn("#a", "A"))
	hash := snap("https://example.com/app#settings", btn("#a", "A"))
	d := Compute(pre, hash)
	assert.True(t, hasEvent(d, EventHashChange), "events: %v", eventNames(d))
	assert.Equal(t, DiffIncremental, d.DiffType)

	route := snap("https://example.com/other", btn("#a", "A"))
	d = Compute(pre, route)
	assert.True(t, hasEvent(d, EventClientSideRoute), "events: %v", eventNames(d))
}

func TestPageLoadCompleteAfterHardNavigation(t *testing.T) {
	pre := snap("https://example.com/app", btn("#a", "A"))
	pre.ReadyState = "loading"
	post := snap("https://other.example.org/", btn("#b", "B"))

	d := Compute(pre, post)
	require.True(t, hasEvent(d, EventPageLoadComplete), "events: %v", eventNames(d))
	assert.Equal(t, DiffFull, d.DiffType)
}

func TestLoginSuccess(t *testing.T) {
	pre := snap("https://example.com/login",
		dom.Element{Tag: "input", Selector: "#user", Attrs: map[string]string{"type": "email", "name": "email"}, Visible: true, Enabled: true},
		dom.Element{Tag: "input", Selector: "#pw", Attrs: map[string]string{"type": "password", "name": "pw"}, Visible: true, Enabled: true},
		btn("#submit", "Sign in"),
	)
	post := snap("https://example.com/dashboard", btn("#logout", "Log out"))

	d := Compute(pre, post)
	require.True(t, hasEvent(d, EventLoginSuccess), "events: %v", eventNames(d))
	require.False(t, hasEvent(d, EventLoginFailure))
}

func TestLoginFailure(t *testing.T) {
	pw := dom.Element{Tag: "input", Selector: "#pw", Attrs: map[string]string{"type": "password", "name": "pw"}, Visible: true, Enabled: true}
	pre := snap("https://example.com/login", pw, btn("#submit", "Sign in"))
	post := snap("https://example.com/login",
		pw,
		btn("#submit", "Sign in"),
		dom.Element{Tag: "div", Role: "alert", Selector: ".error", Text: "Invalid credentials", Visible: true, Enabled: true},
	)

	d := Compute(pre, post)
	require.True(t, hasEvent(d, EventErrorBannerAppeared), "events: %v", eventNames(d))
	require.True(t, hasEvent(d, EventLoginFailure))
	require.False(t, hasEvent(d, EventLoginSuccess))
}

func TestLoginRulesAreMutuallyExclusive(t *testing.T) {
	pw := dom.Element{Tag: "input", Selector: "#pw", Attrs: map[string]string{"type": "password", "name": "pw"}, Visible: true, Enabled: true}
	pre := snap("https://example.com/login", pw)

	// Password field still present, no error: neither outcome fires.
	post := snap("https://example.com/login", pw, btn("#hint", "Forgot password?"))
	d := Compute(pre, post)
	assert.False(t, hasEvent(d, EventLoginSuccess))
	assert.False(t, hasEvent(d, EventLoginFailure))
}

func TestValidationErrorEvent(t *testing.T) {
	field := func(state string) dom.Element {
		return dom.Element{
			Tag: "input", Selector: "#email",
			Attrs:   map[string]string{"type": "email", "name": "email", "form": "#f", "aria-invalid": state},
			Visible: true, Enabled: true,
		}
	}
	d := Compute(snap("https://example.com", field("false")), snap("https://example.com", field("true")))
	require.True(t, hasEvent(d, EventValidationError), "events: %v", eventNames(d))
}

func TestToastAndSuccessMessages(t *testing.T) {
	base := snap("https://example.com", btn("#a", "A"))
	post := snap("https://example.com",
		btn("#a", "A"),
		dom.Element{Tag: "div", Selector: ".toast", Attrs: map[string]string{"class": "toast"}, Text: "Saved", Visible: true, Enabled: true},
		dom.Element{Tag: "div", Selector: ".ok", Attrs: map[string]string{"class": "success"}, Text: "Profile updated", Visible: true, Enabled: true},
	)
	d := Compute(base, post)
	assert.True(t, hasEvent(d, EventToastNotification), "events: %v", eventNames(d))
	assert.True(t, hasEvent(d, EventSuccessMessageAppeared))
}

func TestListUpdated(t *testing.T) {
	base := snap("https://example.com",
		dom.Element{Tag: "li", Selector: "li:nth-child(1)", Text: "one", Visible: true, Enabled: true},
	)
	post := snap("https://example.com",
		dom.Element{Tag: "li", Selector: "li:nth-child(1)", Text: "one", Visible: true, Enabled: true},
		dom.Element{Tag: "li", Selector: "li:nth-child(2)", Text: "two", Visible: true, Enabled: true},
	)
	d := Compute(base, post)
	require.True(t, hasEvent(d, EventListUpdated), "events: %v", eventNames(d))
}

func TestTableSortedAndPagination(t *testing.T) {
	th := func(sort string) dom.Element {
		return dom.Element{Tag: "th", Selector: "th.name", Attrs: map[string]string{"aria-sort": sort}, Text: "Name", Visible: true, Enabled: true}
	}
	d := Compute(snap("https://example.com", th("none")), snap("https://example.com", th("ascending")))
	assert.True(t, hasEvent(d, EventTableSorted), "events: %v", eventNames(d))

	page := func(current string) dom.Element {
		return dom.Element{Tag: "a", Selector: "a.page-2", Attrs: map[string]string{"aria-current": current}, Text: "2", Visible: true, Enabled: true}
	}
	d = Compute(snap("https://example.com", page("")), snap("https://example.com", page("page")))
	assert.True(t, hasEvent(d, EventPaginationChanged), "events: %v", eventNames(d))
}

func TestDropdownAndTabEvents(t *testing.T) {
	toggle := func(expanded string) dom.Element {
		return dom.Element{Tag: "button", Selector: "#menu", Attrs: map[string]string{"aria-expanded": expanded}, Text: "Menu", Visible: true, Enabled: true}
	}
	d := Compute(snap("https://example.com", toggle("false")), snap("https://example.com", toggle("true")))
	assert.True(t, hasEvent(d, EventDropdownExpanded), "events: %v", eventNames(d))

	tab := func(selected string) dom.Element {
		return dom.Element{Tag: "a", Role: "tab", Selector: "#tab-2", Attrs: map[string]string{"aria-selected": selected}, Text: "Details", Visible: true, Enabled: true}
	}
	d = Compute(snap("https://example.com", tab("false")), snap("https://example.com", tab("true")))
	assert.True(t, hasEvent(d, EventTabSwitched), "events: %v", eventNames(d))
}

func TestFieldFocusedEvent(t *testing.T) {
	unfocused := dom.Element{Tag: "input", Selector: "#q", Attrs: map[string]string{"type": "text", "name": "q"}, Visible: true, Enabled: true}
	focused := unfocused
	focused.Focused = true

	d := Compute(snap("https://example.com", unfocused), snap("https://example.com", focused))
	require.True(t, hasEvent(d, EventFieldFocused), "events: %v", eventNames(d))
}

func TestFormSubmittedOnNavigation(t *testing.T) {
	pre := snap("https://example.com/login",
		dom.Element{Tag: "input", Selector: "#email", Attrs: map[string]string{"type": "email", "name": "email", "form": "#f"}, Visible: true, Enabled: true},
	)
	post := snap("https://example.com/welcome", btn("#a", "A"))
	d := Compute(pre, post)
	require.True(t, hasEvent(d, EventFormSubmitted), "events: %v", eventNames(d))
}
