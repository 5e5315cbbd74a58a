package extract

import (
	"regexp"
	"sort"
	"strings"

	"goa.design/pilot/knowledge"
)

// Confidence per evidence class. A crawled page is a screen by
// construction; documentation earns less, and prose that merely names a
// screen without concrete UI evidence less still.
const (
	screenPageConfidence    = 0.85
	screenSectionConfidence = 0.7
	screenProseConfidence   = 0.5
)

// maxSignatureTokens caps how many required tokens a synthesized state
// signature carries.
const maxSignatureTokens = 5

var (
	schemeRE  = regexp.MustCompile(`^https?://`)
	fullURLRE = regexp.MustCompile(`https?://[^\s"'<>()\x60]+`)
	// domainPathRE finds host/path mentions written without a scheme.
	domainPathRE = regexp.MustCompile(`\b(?:[a-z0-9-]+\.)+[a-z]{2,}/[\w.{}:/-]+`)
	// relPathRE finds absolute paths in prose and inline code.
	relPathRE = regexp.MustCompile(`(?:^|[\s\x60("])(/[\w-]+(?:/[\w.{}:-]+)*/?)`)
	// placeholderRE matches route parameters in code-doc URL patterns.
	placeholderRE = regexp.MustCompile(`\{[^}]+\}|:[a-zA-Z_][a-zA-Z0-9_]*`)

	knownTLDs = map[string]bool{
		"com": true, "org": true, "net": true, "io": true, "app": true,
		"dev": true, "ai": true, "co": true, "us": true, "uk": true, "de": true,
	}
)

// screenCandidate accumulates evidence for one screen across chunks
// before the signature is finalized.
type screenCandidate struct {
	screen    *knowledge.Screen
	required  []string
	optionals []string
	negatives []string
	// actionable is set once any contribution carries UI elements or
	// comes from a crawled page.
	actionable bool
}

// Screens extracts screen entities from content chunks. Candidates
// sharing a name merge across chunks. A candidate matching one of its
// own negative indicators is rejected. Survivors are ordered by
// confidence descending, screen id ascending.
func Screens(chunks []*knowledge.ContentChunk) []*knowledge.Screen {
	byID := make(map[string]*screenCandidate)
	var order []string

	for _, c := range chunks {
		cand := screenFromChunk(c)
		if cand == nil {
			continue
		}
		id := cand.screen.ScreenID
		prev, ok := byID[id]
		if !ok {
			byID[id] = cand
			order = append(order, id)
			continue
		}
		mergeScreenCandidate(prev, cand)
	}

	out := make([]*knowledge.Screen, 0, len(order))
	for _, id := range order {
		if s := finalizeScreen(byID[id]); s != nil {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ci, cj := out[i].Provenance.ExtractionConfidence, out[j].Provenance.ExtractionConfidence
		if ci != cj {
			return ci > cj
		}
		return out[i].ScreenID < out[j].ScreenID
	})
	return out
}

func screenFromChunk(c *knowledge.ContentChunk) *screenCandidate {
	name, analysis, ok := screenName(c)
	if !ok {
		return nil
	}
	fromPage := c.Source == "website"
	if !fromPage && !rules.screenNoun.MatchString(c.Text) {
		// Prose that never talks about a page or screen is not
		// describing one.
		return nil
	}

	elements := extractElements(c.Text)
	negatives, positives := negativeIndicators(c.Text, name)

	confidence := screenProseConfidence
	switch {
	case fromPage:
		confidence = screenPageConfidence
	case len(elements) > 0:
		confidence = screenSectionConfidence
	}

	now := nowMS()
	cand := &screenCandidate{
		screen: &knowledge.Screen{
			KnowledgeID: c.KnowledgeID,
			ScreenID:    entityID("screen", name),
			Name:        name,
			ContentType: contentTypeFor(c.Source),
			URLPatterns: urlPatterns(c),
			UIElements:  elements,
			Regions:     extractRegions(c.Text),
			Provenance:  provenance(c.Source, confidence, analysis, []string{c.ChunkID}),
			CreatedAtMS: now,
			UpdatedAtMS: now,
		},
		negatives:  negatives,
		actionable: fromPage || len(elements) > 0,
	}
	for _, e := range elements {
		cand.required = append(cand.required, e.Name)
	}
	if !isDocToken(name) {
		cand.optionals = append(cand.optionals, name)
	}
	cand.optionals = append(cand.optionals, positives...)
	return cand
}

// screenName picks the candidate name: crawl page title, then section
// heading, then the first screen-noun phrase in the prose.
func screenName(c *knowledge.ContentChunk) (name, analysis string, ok bool) {
	if t := c.Metadata["title"]; t != "" {
		if n, valid := knowledge.CleanName(trimTitleSuffix(t)); valid {
			return n, "named from page title", true
		}
	}
	if s := c.Metadata["section"]; s != "" {
		if n, valid := knowledge.CleanName(s); valid {
			return n, "named from section heading", true
		}
	}
	if m := rules.screenMention.FindStringSubmatch(c.Text); m != nil {
		raw := strings.TrimSpace(m[rules.screenMention.SubexpIndex("name")])
		if n, valid := knowledge.CleanName(raw); valid && !isDocToken(n) {
			return n, "named from prose mention", true
		}
	}
	return "", "", false
}

// trimTitleSuffix drops the site name a page title commonly carries
// after a separator.
func trimTitleSuffix(title string) string {
	for _, sep := range []string{" | ", " — ", " – ", " - "} {
		if i := strings.Index(title, sep); i > 1 {
			return title[:i]
		}
	}
	return title
}

func contentTypeFor(source string) knowledge.ContentType {
	switch source {
	case "website":
		return knowledge.ContentWebUI
	case "video":
		return knowledge.ContentVideoTranscript
	default:
		return knowledge.ContentDocumentation
	}
}

// extractElements finds named UI element mentions. The layout context
// is taken from region keywords in the same sentence; the importance
// score combines the element-type prior with the layout bonus.
func extractElements(text string) []knowledge.UIElement {
	byName := make(map[string]*knowledge.UIElement)
	var order []string

	add := func(rawName, noun string, region knowledge.RegionType) {
		name := unquote(rawName)
		if len(name) < 2 || stopwords[strings.ToLower(name)] {
			return
		}
		rule, ok := elementTypeForNoun(noun)
		if !ok {
			return
		}
		key := strings.ToLower(name)
		if prev, seen := byName[key]; seen {
			if prev.LayoutContext == "" && region != "" {
				prev.LayoutContext = region
				prev.ImportanceScore = clamp01(rule.prior + rules.layoutBonus[region])
			}
			return
		}
		byName[key] = &knowledge.UIElement{
			Name:            name,
			ElementType:     rule.typ,
			Selectors:       knowledge.Selectors{CSS: cssSelector(rule, name)},
			LayoutContext:   region,
			ImportanceScore: clamp01(rule.prior + rules.layoutBonus[region]),
		}
		order = append(order, key)
	}

	for _, sent := range sentences(text) {
		region := sentenceRegion(sent)
		for _, m := range rules.elementMention.FindAllStringSubmatch(sent, -1) {
			add(m[rules.elementMention.SubexpIndex("name")], m[rules.elementMention.SubexpIndex("noun")], region)
		}
		for _, m := range rules.elementLabeled.FindAllStringSubmatch(sent, -1) {
			add(m[rules.elementLabeled.SubexpIndex("name")], m[rules.elementLabeled.SubexpIndex("noun")], region)
		}
	}

	out := make([]knowledge.UIElement, 0, len(order))
	for _, key := range order {
		out = append(out, *byName[key])
	}
	return out
}

// cssSelector builds a best-effort selector for an element described in
// prose. Attribute matches are substring and case-insensitive since the
// described name rarely equals the exact markup.
func cssSelector(rule elementRule, name string) string {
	needle := strings.ToLower(strings.Join(strings.Fields(unquote(name)), " "))
	needle = strings.ReplaceAll(needle, "'", "")
	if needle == "" {
		return ""
	}
	tag := rule.tag
	if tag == "*" {
		tag = ""
	}
	selectors := []string{
		tag + "[aria-label*='" + needle + "' i]",
		tag + "[title*='" + needle + "' i]",
	}
	if rule.typ == "input" {
		selectors = append(selectors,
			tag+"[placeholder*='"+needle+"' i]",
			tag+"[name*='"+needle+"' i]",
		)
	}
	return strings.Join(selectors, ", ")
}

func sentenceRegion(sent string) knowledge.RegionType {
	for _, r := range rules.regions {
		if r.re.MatchString(sent) {
			return r.typ
		}
	}
	return ""
}

func extractRegions(text string) []knowledge.Region {
	var out []knowledge.Region
	for _, r := range rules.regions {
		matches := r.re.FindAllString(text, -1)
		if len(matches) == 0 {
			continue
		}
		out = append(out, knowledge.Region{Type: r.typ, Keywords: dedupeFold(matches)})
	}
	return out
}

// negativeIndicators scans for phrases that tie an on-screen marker to
// a mode. Markers whose captured mode names this screen are positive
// evidence; all others mean the user is somewhere else.
func negativeIndicators(text, screenName string) (negatives, positives []string) {
	lowerName := strings.ToLower(screenName)
	for _, rule := range rules.negatives {
		for _, m := range rule.re.FindAllStringSubmatch(text, -1) {
			indicator := knowledge.CapIndicator(m[rule.indicator])
			if indicator == "" {
				continue
			}
			mode := ""
			if rule.mode >= 0 {
				mode = strings.ToLower(strings.TrimSpace(m[rule.mode]))
			}
			if mode != "" && (strings.Contains(mode, lowerName) || strings.Contains(lowerName, mode)) {
				positives = append(positives, indicator)
			} else {
				negatives = append(negatives, indicator)
			}
		}
	}
	return dedupeFold(negatives), dedupeFold(positives)
}

// urlPatterns extracts the four URL pattern families from a chunk: full
// URLs, scheme-less domain+path mentions, absolute paths, and code-doc
// route patterns whose placeholders become wildcards. Each result must
// be a legal, sufficiently specific regex.
func urlPatterns(c *knowledge.ContentChunk) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		if p == "" || seen[p] || !knowledge.ValidURLPattern(p) {
			return
		}
		seen[p] = true
		out = append(out, p)
	}

	texts := []string{c.Text}
	if u := c.Metadata["url"]; u != "" {
		texts = append(texts, u)
	}
	for _, t := range texts {
		for _, m := range fullURLRE.FindAllString(t, -1) {
			m = strings.TrimRight(m, ".,;:!?)'\"")
			rest := schemeRE.ReplaceAllString(m, "")
			add(`^https?://` + patternBody(rest))
			if i := strings.IndexByte(rest, '/'); i >= 0 {
				add(pathPattern(rest[i:]))
			}
		}
		// Full URLs are scrubbed so the remaining families do not
		// re-match inside them.
		scrubbed := fullURLRE.ReplaceAllString(t, " ")
		for _, m := range domainPathRE.FindAllString(scrubbed, -1) {
			m = strings.TrimRight(m, ".,;:!?)'\"/")
			host := m[:strings.IndexByte(m, '/')]
			if !knownTLDs[host[strings.LastIndexByte(host, '.')+1:]] {
				continue
			}
			add(`^https?://` + patternBody(m))
		}
		for _, m := range relPathRE.FindAllStringSubmatch(scrubbed, -1) {
			add(pathPattern(strings.TrimRight(m[1], ".:")))
		}
	}
	return out
}

// patternBody quotes literal URL text while turning {param} and :param
// placeholders into single-segment wildcards.
func patternBody(raw string) string {
	parts := placeholderRE.Split(raw, -1)
	for i := range parts {
		parts[i] = regexp.QuoteMeta(parts[i])
	}
	return strings.Join(parts, `[^/]+`)
}

func pathPattern(p string) string {
	p = strings.TrimRight(strings.TrimSpace(p), "/")
	if len(p) < 4 {
		return ""
	}
	return patternBody(p) + `(?:[/?#]|$)`
}

func mergeScreenCandidate(dst, src *screenCandidate) {
	ds, ss := dst.screen, src.screen

	names := make(map[string]bool, len(ds.UIElements))
	for _, e := range ds.UIElements {
		names[strings.ToLower(e.Name)] = true
	}
	for _, e := range ss.UIElements {
		if !names[strings.ToLower(e.Name)] {
			ds.UIElements = append(ds.UIElements, e)
		}
	}

	ds.URLPatterns = dedupeFold(append(ds.URLPatterns, ss.URLPatterns...))

	regions := make(map[knowledge.RegionType][]string, len(ds.Regions))
	for _, r := range ds.Regions {
		regions[r.Type] = r.Keywords
	}
	for _, r := range ss.Regions {
		regions[r.Type] = dedupeFold(append(regions[r.Type], r.Keywords...))
	}
	merged := make([]knowledge.Region, 0, len(regions))
	for _, rr := range rules.regions {
		if kws, ok := regions[rr.typ]; ok {
			merged = append(merged, knowledge.Region{Type: rr.typ, Keywords: kws})
		}
	}
	ds.Regions = merged

	if ss.Provenance.ExtractionConfidence > ds.Provenance.ExtractionConfidence {
		ds.Provenance.ExtractionConfidence = ss.Provenance.ExtractionConfidence
		ds.Provenance.ExtractionSource = ss.Provenance.ExtractionSource
		ds.ContentType = ss.ContentType
	}
	ds.Provenance.ChunkIDs = append(ds.Provenance.ChunkIDs, ss.Provenance.ChunkIDs...)

	dst.required = append(dst.required, src.required...)
	dst.optionals = append(dst.optionals, src.optionals...)
	dst.negatives = append(dst.negatives, src.negatives...)
	dst.actionable = dst.actionable || src.actionable
}

// finalizeScreen builds the state signature and applies self-negative
// rejection. Documentation-only screens keep an empty signature; they
// are matched by name.
func finalizeScreen(cand *screenCandidate) *knowledge.Screen {
	s := cand.screen

	required := signatureTokens(cand.required, maxSignatureTokens)
	negatives := dedupeFold(cand.negatives)
	if matchesOwnNegative(s.Name, required, negatives) {
		return nil
	}

	s.IsActionable = cand.actionable
	docOnly := !cand.actionable && s.ContentType != knowledge.ContentWebUI
	if !docOnly {
		s.StateSignature = knowledge.StateSignature{
			Required: required,
			Optional: signatureTokens(cand.optionals, maxSignatureTokens),
			Negative: negatives,
		}
	}
	return s
}

// signatureTokens caps, filters and dedupes raw indicator tokens.
func signatureTokens(raw []string, max int) []string {
	var out []string
	seen := make(map[string]bool, len(raw))
	for _, tok := range raw {
		tok = knowledge.CapIndicator(tok)
		if tok == "" || isDocToken(tok) {
			continue
		}
		key := strings.ToLower(tok)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, tok)
		if len(out) == max {
			break
		}
	}
	return out
}

func matchesOwnNegative(name string, required, negatives []string) bool {
	lowerName := strings.ToLower(name)
	for _, n := range negatives {
		ln := strings.ToLower(n)
		if strings.Contains(ln, lowerName) || strings.Contains(lowerName, ln) {
			return true
		}
		for _, r := range required {
			lr := strings.ToLower(r)
			if strings.Contains(ln, lr) || strings.Contains(lr, ln) {
				return true
			}
		}
	}
	return false
}

// dedupeFold dedupes strings case-insensitively, keeping first
// occurrences in order.
func dedupeFold(ss []string) []string {
	if len(ss) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ss))
	out := ss[:0:0]
	for _, s := range ss {
		key := strings.ToLower(strings.TrimSpace(s))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, strings.TrimSpace(s))
	}
	return out
}
