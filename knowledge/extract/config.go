package extract

import (
	_ "embed"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"goa.design/pilot/knowledge"
)

//go:embed patterns.yaml
var patternsYAML []byte

// rules is the compiled form of patterns.yaml, built once at package
// load. A malformed table is a programmer error, not a runtime
// condition, so loading panics.
var rules = mustLoadRules(patternsYAML)

type (
	// rawTables mirrors the YAML document.
	rawTables struct {
		Volatility         map[string][]string    `yaml:"volatility"`
		Regions            map[string][]string    `yaml:"regions"`
		ElementTypes       []rawElementType       `yaml:"element_types"`
		LayoutBonus        map[string]float64     `yaml:"layout_bonus"`
		DocKeywords        []string               `yaml:"doc_keywords"`
		ScreenNouns        []string               `yaml:"screen_nouns"`
		ActionVerbs        map[string][]string    `yaml:"action_verbs"`
		NegativeIndicators []string               `yaml:"negative_indicators"`
		Iterators          map[string]rawIterator `yaml:"iterators"`
	}

	rawElementType struct {
		Type  string   `yaml:"type"`
		Nouns []string `yaml:"nouns"`
		Tag   string   `yaml:"tag"`
		Prior float64  `yaml:"prior"`
	}

	rawIterator struct {
		Type    string `yaml:"type"`
		Capture string `yaml:"capture"`
	}

	// ruleSet holds the compiled pattern tables the extractors run on.
	ruleSet struct {
		volatility  []volatilityRule
		regions     []regionRule
		elements    []elementRule
		layoutBonus map[knowledge.RegionType]float64
		docKeywords map[string]bool
		verbs       []verbRule
		negatives   []negativeRule
		iterators   map[string]iteratorRule

		// elementMention matches "the <name> <noun>" phrases; labeled
		// matches "<noun> labeled <name>".
		elementMention *regexp.Regexp
		elementLabeled *regexp.Regexp
		// screenMention matches "the <name> <screen noun>" phrases;
		// screenNoun tests bare screen-noun presence.
		screenMention *regexp.Regexp
		screenNoun    *regexp.Regexp
	}

	volatilityRule struct {
		re   *regexp.Regexp
		band knowledge.Volatility
	}

	regionRule struct {
		typ knowledge.RegionType
		re  *regexp.Regexp
	}

	elementRule struct {
		typ   string
		tag   string
		prior float64
		nouns map[string]bool
	}

	verbRule struct {
		typ   string
		alias string
		re    *regexp.Regexp
	}

	negativeRule struct {
		re        *regexp.Regexp
		indicator int
		mode      int
	}

	iteratorRule struct {
		typ         knowledge.IteratorType
		re          *regexp.Regexp
		collection  int
		action      int
		termination int
	}
)

func mustLoadRules(raw []byte) *ruleSet {
	rs, err := loadRules(raw)
	if err != nil {
		panic(fmt.Sprintf("extract: bad patterns.yaml: %v", err))
	}
	return rs
}

func loadRules(raw []byte) (*ruleSet, error) {
	var t rawTables
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}

	rs := &ruleSet{
		layoutBonus: make(map[knowledge.RegionType]float64, len(t.LayoutBonus)),
		docKeywords: make(map[string]bool, len(t.DocKeywords)),
		iterators:   make(map[string]iteratorRule, len(t.Iterators)),
	}

	// Bands are checked high to low so the most sensitive keyword wins.
	for _, band := range []knowledge.Volatility{knowledge.VolatilityHigh, knowledge.VolatilityMedium, knowledge.VolatilityLow} {
		for _, kw := range t.Volatility[string(band)] {
			re, err := keywordRE(kw)
			if err != nil {
				return nil, fmt.Errorf("volatility keyword %q: %w", kw, err)
			}
			rs.volatility = append(rs.volatility, volatilityRule{re: re, band: band})
		}
	}

	regionTypes := make([]string, 0, len(t.Regions))
	for typ := range t.Regions {
		regionTypes = append(regionTypes, typ)
	}
	sort.Strings(regionTypes)
	for _, typ := range regionTypes {
		re, err := alternationRE(t.Regions[typ])
		if err != nil {
			return nil, fmt.Errorf("region %q: %w", typ, err)
		}
		rs.regions = append(rs.regions, regionRule{typ: knowledge.RegionType(typ), re: re})
	}

	var elementNouns []string
	for _, et := range t.ElementTypes {
		rule := elementRule{typ: et.Type, tag: et.Tag, prior: et.Prior, nouns: make(map[string]bool, len(et.Nouns))}
		for _, n := range et.Nouns {
			rule.nouns[strings.ToLower(n)] = true
			elementNouns = append(elementNouns, n)
		}
		rs.elements = append(rs.elements, rule)
	}

	for typ, bonus := range t.LayoutBonus {
		rs.layoutBonus[knowledge.RegionType(typ)] = bonus
	}
	for _, kw := range t.DocKeywords {
		rs.docKeywords[strings.ToLower(kw)] = true
	}

	for typ, aliases := range t.ActionVerbs {
		for _, alias := range aliases {
			re, err := keywordRE(alias)
			if err != nil {
				return nil, fmt.Errorf("action verb %q: %w", alias, err)
			}
			rs.verbs = append(rs.verbs, verbRule{typ: typ, alias: alias, re: re})
		}
	}
	// Longest alias first, then lexicographic, so scans are
	// deterministic and "click on" beats "click".
	sort.Slice(rs.verbs, func(i, j int) bool {
		if len(rs.verbs[i].alias) != len(rs.verbs[j].alias) {
			return len(rs.verbs[i].alias) > len(rs.verbs[j].alias)
		}
		return rs.verbs[i].alias < rs.verbs[j].alias
	})

	for _, pat := range t.NegativeIndicators {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("negative indicator %q: %w", pat, err)
		}
		rule := negativeRule{re: re, indicator: re.SubexpIndex("indicator"), mode: re.SubexpIndex("mode")}
		if rule.indicator < 0 {
			return nil, fmt.Errorf("negative indicator %q: missing indicator group", pat)
		}
		rs.negatives = append(rs.negatives, rule)
	}

	for name, it := range t.Iterators {
		re, err := regexp.Compile(it.Capture)
		if err != nil {
			return nil, fmt.Errorf("iterator %q: %w", name, err)
		}
		typ := knowledge.IteratorType(it.Type)
		switch typ {
		case knowledge.IteratorCollection, knowledge.IteratorPagination:
		default:
			return nil, fmt.Errorf("iterator %q: unknown type %q", name, it.Type)
		}
		rs.iterators[name] = iteratorRule{
			typ:         typ,
			re:          re,
			collection:  re.SubexpIndex("collection"),
			action:      re.SubexpIndex("action"),
			termination: re.SubexpIndex("termination"),
		}
	}

	nounAlt, err := alternation(elementNouns)
	if err != nil {
		return nil, fmt.Errorf("element nouns: %w", err)
	}
	rs.elementMention = regexp.MustCompile(`(?i)\b(?:the|a|an|your)\s+(?P<name>"[^"]{1,40}"|'[^']{1,40}'|[\w-]{1,24}(?:\s+[\w-]{1,24}){0,2}?)\s+(?P<noun>` + nounAlt + `)\b`)
	rs.elementLabeled = regexp.MustCompile(`(?i)\b(?P<noun>` + nounAlt + `)\s+(?:labell?ed|named|called)\s+["']?(?P<name>[^"'.,;]{1,40}?)["']?(?:[.,;]|\s|$)`)

	screenAlt, err := alternation(t.ScreenNouns)
	if err != nil {
		return nil, fmt.Errorf("screen nouns: %w", err)
	}
	rs.screenMention = regexp.MustCompile(`(?i)\b(?:the|a|an)\s+(?P<name>[\w-]{1,24}(?:\s+[\w-]{1,24}){0,2}?)\s+(?P<noun>` + screenAlt + `)\b`)
	rs.screenNoun = regexp.MustCompile(`(?i)\b(?:` + screenAlt + `)\b`)

	return rs, nil
}

// keywordRE builds a whole-word, case-insensitive matcher for a keyword
// that may span several words.
func keywordRE(kw string) (*regexp.Regexp, error) {
	parts := strings.Fields(kw)
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.Compile(`(?i)\b` + strings.Join(parts, `\s+`) + `\b`)
}

// alternationRE matches any of the keywords whole-word.
func alternationRE(kws []string) (*regexp.Regexp, error) {
	alt, err := alternation(kws)
	if err != nil {
		return nil, err
	}
	return regexp.Compile(`(?i)\b(?:` + alt + `)\b`)
}

// alternation renders keywords as a regex alternation, longest first so
// multi-word keywords win over their prefixes.
func alternation(kws []string) (string, error) {
	if len(kws) == 0 {
		return "", fmt.Errorf("empty keyword list")
	}
	sorted := make([]string, len(kws))
	copy(sorted, kws)
	sort.Slice(sorted, func(i, j int) bool {
		if len(sorted[i]) != len(sorted[j]) {
			return len(sorted[i]) > len(sorted[j])
		}
		return sorted[i] < sorted[j]
	})
	for i, kw := range sorted {
		parts := strings.Fields(kw)
		for j, p := range parts {
			parts[j] = regexp.QuoteMeta(p)
		}
		sorted[i] = strings.Join(parts, `\s+`)
	}
	return strings.Join(sorted, "|"), nil
}

// volatilityFor classifies a field name by keyword, defaulting to
// medium for fields no table row covers.
func volatilityFor(name string) knowledge.Volatility {
	for _, r := range rules.volatility {
		if r.re.MatchString(name) {
			return r.band
		}
	}
	return knowledge.VolatilityMedium
}

// canonicalVerb finds the earliest action verb in the sentence and
// returns its canonical type, the matched alias, the text that follows
// it and the match offset.
func canonicalVerb(sentence string) (typ, alias, rest string, start int, ok bool) {
	best := -1
	for _, r := range rules.verbs {
		loc := r.re.FindStringIndex(sentence)
		if loc == nil {
			continue
		}
		if best == -1 || loc[0] < best {
			best = loc[0]
			typ, alias = r.typ, r.alias
			rest = strings.TrimSpace(sentence[loc[1]:])
		}
	}
	if best == -1 {
		return "", "", "", -1, false
	}
	return typ, alias, rest, best, true
}

// elementTypeForNoun resolves a matched element noun to its rule.
func elementTypeForNoun(noun string) (elementRule, bool) {
	lower := strings.ToLower(strings.Join(strings.Fields(noun), " "))
	for _, r := range rules.elements {
		if r.nouns[lower] {
			return r, true
		}
	}
	return elementRule{}, false
}

// isElementNoun reports whether the word names a UI element kind.
func isElementNoun(word string) bool {
	lower := strings.ToLower(word)
	for _, r := range rules.elements {
		if r.nouns[lower] {
			return true
		}
	}
	return false
}

// isDocToken reports whether any word of the token is documentation
// vocabulary rather than application vocabulary.
func isDocToken(token string) bool {
	for _, w := range strings.Fields(strings.ToLower(token)) {
		if rules.docKeywords[w] {
			return true
		}
	}
	return false
}
