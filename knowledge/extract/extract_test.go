package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/pilot/knowledge"
)

func TestSlugAndEntityID(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"User Settings!", "user-settings"},
		{"  Review   PRs  ", "review-prs"},
		{"click the delete button", "click-the-delete-button"},
		{"---", ""},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, slug(c.in), "slug(%q)", c.in)
	}
	assert.Equal(t, "screen-billing-overview", entityID("screen", "Billing Overview"))
}

func TestSentencesSplitsOnTerminatorsAndNewlines(t *testing.T) {
	got := sentences("First line\nSecond. Third!")
	assert.Equal(t, []string{"First line", "Second.", "Third!"}, got)

	// Bullet lines survive as their own sentences, marker included.
	got = sentences("- item one\n- item two")
	assert.Equal(t, []string{"- item one", "- item two"}, got)
}

func TestTrimArticlesAndPunct(t *testing.T) {
	assert.Equal(t, "delete button", trimArticles("the delete button"))
	assert.Equal(t, "rows", trimArticles("all of the rows"))
	assert.Equal(t, "rows", trimPunct("rows.  "))
}

func TestVolatilityFor(t *testing.T) {
	cases := []struct {
		field string
		want  knowledge.Volatility
	}{
		{"password", knowledge.VolatilityHigh},
		{"api key", knowledge.VolatilityHigh},
		{"session token", knowledge.VolatilityHigh},
		{"quantity", knowledge.VolatilityMedium},
		{"username", knowledge.VolatilityLow},
		{"email address", knowledge.VolatilityLow},
		{"widget", knowledge.VolatilityMedium}, // unlisted fields default
	}
	for _, c := range cases {
		assert.Equal(t, c.want, volatilityFor(c.field), "volatilityFor(%q)", c.field)
	}
}

func TestCanonicalVerbPicksEarliestLongestAlias(t *testing.T) {
	typ, alias, rest, start, ok := canonicalVerb("Click on the Save button")
	require.True(t, ok)
	assert.Equal(t, "click", typ)
	assert.Equal(t, "click on", alias, "longer alias wins at the same offset")
	assert.Equal(t, "the Save button", rest)
	assert.Equal(t, 0, start)

	typ, _, rest, start, ok = canonicalVerb("Then navigate to the billing page")
	require.True(t, ok)
	assert.Equal(t, "navigate", typ)
	assert.Equal(t, "the billing page", rest)
	assert.Equal(t, 5, start)

	_, _, _, _, ok = canonicalVerb("The report summarizes weekly totals")
	assert.False(t, ok)
}

func TestLoadRulesFromEmbeddedTables(t *testing.T) {
	rs, err := loadRules(patternsYAML)
	require.NoError(t, err)

	// Every loop phrase the detector knows must have a translation rule.
	for _, name := range []string{
		"for_each", "repeat_until", "delete_all", "iterate_over",
		"while_condition", "until_exhausted", "next_page", "one_by_one",
	} {
		_, ok := rs.iterators[name]
		assert.True(t, ok, "iterator rule %q", name)
	}

	assert.InDelta(t, 0.1, rs.layoutBonus[knowledge.RegionMain], 1e-9)
	assert.InDelta(t, -0.1, rs.layoutBonus[knowledge.RegionFooter], 1e-9)
	assert.True(t, rs.docKeywords["note"])
	assert.Equal(t, "scroll down to", rs.verbs[0].alias, "verbs scan longest alias first")

	rule, ok := elementTypeForNoun("btn")
	require.True(t, ok)
	assert.Equal(t, "button", rule.typ)
	assert.True(t, isElementNoun("dropdown"))
	assert.False(t, isElementNoun("page"))
	assert.True(t, isDocToken("Note"))
	assert.False(t, isDocToken("Billing"))
}
