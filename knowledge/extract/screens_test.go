package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/pilot/knowledge"
)

func TestScreensFromDocumentationChunk(t *testing.T) {
	c := docChunk("doc-0001", "Billing",
		"The Billing page lists invoices. Click the Export button in the header. "+
			"If the Setup Wizard banner is present, you are in the onboarding flow. "+
			"Visit https://app.example.com/billing to get started.")

	out := Screens([]*knowledge.ContentChunk{c})
	require.Len(t, out, 1)
	s := out[0]

	assert.Equal(t, "screen-billing", s.ScreenID)
	assert.Equal(t, "Billing", s.Name)
	assert.Equal(t, knowledge.ContentDocumentation, s.ContentType)
	assert.True(t, s.IsActionable)
	assert.Equal(t, "named from section heading", s.Provenance.CaptureAnalysis)
	assert.InDelta(t, 0.7, s.Provenance.ExtractionConfidence, 1e-9)
	assert.Equal(t, []string{"doc-0001"}, s.Provenance.ChunkIDs)

	require.Len(t, s.UIElements, 1)
	el := s.UIElements[0]
	assert.Equal(t, "Export", el.Name)
	assert.Equal(t, "button", el.ElementType)
	assert.Equal(t, knowledge.RegionHeader, el.LayoutContext)
	assert.InDelta(t, 0.95, el.ImportanceScore, 1e-9)
	assert.Contains(t, el.Selectors.CSS, "button[aria-label*='export' i]")

	assert.Equal(t, []string{
		`^https?://app\.example\.com/billing`,
		`/billing(?:[/?#]|$)`,
	}, s.URLPatterns)

	assert.Equal(t, []string{"Export"}, s.StateSignature.Required)
	assert.Equal(t, []string{"Billing"}, s.StateSignature.Optional)
	assert.Equal(t, []string{"Setup Wizard banner"}, s.StateSignature.Negative)

	require.Len(t, s.Regions, 1)
	assert.Equal(t, knowledge.RegionHeader, s.Regions[0].Type)
	assert.Equal(t, []string{"header", "banner"}, s.Regions[0].Keywords)
}

func TestScreensFromCrawledPage(t *testing.T) {
	c := &knowledge.ContentChunk{
		KnowledgeID: "k1",
		ChunkID:     "web-0001",
		Source:      "website",
		Text:        "Click the Save button in the footer to apply your changes.",
		Metadata: map[string]string{
			"title": "Settings | Acme",
			"url":   "https://app.example.com/settings/profile",
		},
	}

	out := Screens([]*knowledge.ContentChunk{c})
	require.Len(t, out, 1)
	s := out[0]

	assert.Equal(t, "Settings", s.Name, "site suffix trimmed from the title")
	assert.Equal(t, knowledge.ContentWebUI, s.ContentType)
	assert.Equal(t, "named from page title", s.Provenance.CaptureAnalysis)
	assert.InDelta(t, 0.85, s.Provenance.ExtractionConfidence, 1e-9)

	require.Len(t, s.UIElements, 1)
	assert.Equal(t, knowledge.RegionFooter, s.UIElements[0].LayoutContext)
	assert.InDelta(t, 0.8, s.UIElements[0].ImportanceScore, 1e-9)

	assert.Contains(t, s.URLPatterns, `^https?://app\.example\.com/settings/profile`)
	assert.Contains(t, s.URLPatterns, `/settings/profile(?:[/?#]|$)`)
}

func TestScreensOrderedByConfidence(t *testing.T) {
	doc := docChunk("doc-0001", "Billing",
		"The Billing page lists invoices. Click the Export button in the header.")
	web := &knowledge.ContentChunk{
		KnowledgeID: "k1",
		ChunkID:     "web-0001",
		Source:      "website",
		Text:        "Click the Save button.",
		Metadata:    map[string]string{"title": "Settings | Acme"},
	}

	out := Screens([]*knowledge.ContentChunk{doc, web})
	require.Len(t, out, 2)
	assert.Equal(t, "Settings", out[0].Name)
	assert.Equal(t, "Billing", out[1].Name)
}

func TestScreensModeMatchingIndicatorIsPositive(t *testing.T) {
	c := docChunk("doc-0002", "Dashboard",
		"When you see the welcome banner, you are on the Dashboard page. "+
			"Click the Refresh button in the main area.")

	out := Screens([]*knowledge.ContentChunk{c})
	require.Len(t, out, 1)
	s := out[0]

	// The indicator names this screen's own mode, so it is optional
	// evidence rather than a negative marker.
	assert.Empty(t, s.StateSignature.Negative)
	assert.Contains(t, s.StateSignature.Optional, "welcome banner")

	require.Len(t, s.UIElements, 1)
	assert.InDelta(t, 1.0, s.UIElements[0].ImportanceScore, 1e-9)
}

func TestScreensSelfNegativeRejected(t *testing.T) {
	c := docChunk("doc-0003", "Login",
		"If the login form is present, you are in the guest area. "+
			"The login page asks for credentials.")

	assert.Empty(t, Screens([]*knowledge.ContentChunk{c}))
}

func TestScreensDocumentationOnlyHasNoSignature(t *testing.T) {
	c := docChunk("doc-0004", "Reports",
		"The Reports page summarizes weekly activity for your team.")

	out := Screens([]*knowledge.ContentChunk{c})
	require.Len(t, out, 1)
	s := out[0]

	assert.False(t, s.IsActionable)
	assert.InDelta(t, 0.5, s.Provenance.ExtractionConfidence, 1e-9)
	assert.Empty(t, s.StateSignature.Required)
	assert.Empty(t, s.StateSignature.Optional)
	assert.Empty(t, s.StateSignature.Negative)
}

func TestScreensMergeAcrossChunks(t *testing.T) {
	a := docChunk("doc-0005", "Profile",
		"The Profile page shows your details. Click the Edit button in the sidebar.")
	b := docChunk("doc-0006", "Profile",
		"The Profile screen includes the Avatar icon in the main panel. "+
			"Visit example.com/profile for help.")

	out := Screens([]*knowledge.ContentChunk{a, b})
	require.Len(t, out, 1)
	s := out[0]

	require.Len(t, s.UIElements, 2)
	assert.Equal(t, "Edit", s.UIElements[0].Name)
	assert.Equal(t, "Avatar", s.UIElements[1].Name)
	assert.Equal(t, []string{"Edit", "Avatar"}, s.StateSignature.Required)
	assert.Contains(t, s.URLPatterns, `^https?://example\.com/profile`)
	assert.Equal(t, []string{"doc-0005", "doc-0006"}, s.Provenance.ChunkIDs)
}

func TestScreensURLPatternFamilies(t *testing.T) {
	c := docChunk("doc-0007", "Orders",
		"Open https://app.example.com/orders/{id} to inspect an order. "+
			"The route app.example.com/orders lists them all. "+
			"Endpoints live under /api/v1/orders and the editor is at `/orders/draft`.")

	out := Screens([]*knowledge.ContentChunk{c})
	require.Len(t, out, 1)

	assert.Equal(t, []string{
		`^https?://app\.example\.com/orders/[^/]+`,
		`/orders/[^/]+(?:[/?#]|$)`,
		`^https?://app\.example\.com/orders`,
		`/api/v1/orders(?:[/?#]|$)`,
		`/orders/draft(?:[/?#]|$)`,
	}, out[0].URLPatterns)
}
