package diff

import (
	"sort"
	"strings"

	"goa.design/pilot/dom"
)

// Compute derives the structured difference between two snapshots. pre may be
// nil, in which case the diff is a full rebuild listing every post element as
// added. Both snapshots must be finalized (dense indices, content hash set).
func Compute(pre, post *dom.Snapshot) *StateDiff {
	d := &StateDiff{
		FormatVersion: FormatVersion,
		DiffType:      DiffIncremental,
		PostHash:      post.ContentHash,
	}
	if pre == nil {
		d.DiffType = DiffFull
		for i := range post.Elements {
			d.DOMChanges.Added = append(d.DOMChanges.Added, added(&post.Elements[i]))
		}
		synthesize(d, nil, post)
		return d
	}

	d.PreHash = pre.ContentHash
	d.NavigationChanges = navigationChanges(pre, post)
	if d.NavigationChanges.URLChanged && !sameDocument(pre.URL, post.URL) {
		d.DiffType = DiffFull
	}

	matches, addedIdx, removedIdx := matchElements(pre.Elements, post.Elements)
	for _, i := range addedIdx {
		d.DOMChanges.Added = append(d.DOMChanges.Added, added(&post.Elements[i]))
	}
	for _, i := range removedIdx {
		e := &pre.Elements[i]
		d.DOMChanges.Removed = append(d.DOMChanges.Removed, RemovedElement{Index: i, Selector: e.Selector, Tag: e.Tag})
	}
	for _, m := range matches {
		pe, qe := &pre.Elements[m.pre], &post.Elements[m.post]
		if m.pre != m.post {
			d.DOMChanges.Moved = append(d.DOMChanges.Moved, MovedElement{FromIndex: m.pre, ToIndex: m.post, Selector: qe.Selector})
		}
		if changes, changed := elementChanges(pe, qe); changed {
			d.DOMChanges.Modified = append(d.DOMChanges.Modified, ModifiedElement{Index: m.post, Selector: qe.Selector, Changes: changes})
		}
	}

	d.FormStateChanges = formStateChanges(pre, post)
	d.AccessibilityChanges = accessibilityChanges(pre, post)
	synthesize(d, pre, post)
	return d
}

type match struct {
	pre, post int
}

// matchElements pairs pre and post elements. Identity is the capture
// selector first, then the element signature for elements whose selector
// shifted. Pairing within an identity bucket zips ascending indices, which
// makes the classification of added versus moved deterministic.
func matchElements(pre, post []dom.Element) (matches []match, addedIdx, removedIdx []int) {
	preUsed := make([]bool, len(pre))
	postUsed := make([]bool, len(post))

	pair := func(key func(*dom.Element) string) {
		preBy := make(map[string][]int)
		for i := range pre {
			if !preUsed[i] {
				k := key(&pre[i])
				preBy[k] = append(preBy[k], i)
			}
		}
		for j := range post {
			if postUsed[j] {
				continue
			}
			k := key(&post[j])
			bucket := preBy[k]
			if len(bucket) == 0 {
				continue
			}
			i := bucket[0]
			preBy[k] = bucket[1:]
			preUsed[i], postUsed[j] = true, true
			matches = append(matches, match{pre: i, post: j})
		}
	}

	pair(func(e *dom.Element) string { return "sel:" + e.Selector })
	pair(func(e *dom.Element) string { return "sig:" + dom.Signature(e) })

	for j := range post {
		if !postUsed[j] {
			addedIdx = append(addedIdx, j)
		}
	}
	for i := range pre {
		if !preUsed[i] {
			removedIdx = append(removedIdx, i)
		}
	}
	sort.Slice(matches, func(a, b int) bool { return matches[a].post < matches[b].post })
	return matches, addedIdx, removedIdx
}

func added(e *dom.Element) AddedElement {
	a := AddedElement{
		Index:    e.Index,
		Selector: e.Selector,
		Tag:      e.Tag,
		Role:     e.Role,
		Text:     e.Text,
	}
	if len(e.Attrs) > 0 {
		a.Attrs = e.Attrs
	}
	if e.BBox != (dom.BBox{}) {
		bbox := e.BBox
		a.BBox = &bbox
	}
	return a
}

// elementChanges computes the attribute, class and text deltas of a matched
// element pair. The class attribute is reported as set differences, all other
// attributes as old/new transitions.
func elementChanges(pre, post *dom.Element) (ElementChanges, bool) {
	var c ElementChanges
	keys := make(map[string]struct{}, len(pre.Attrs)+len(post.Attrs))
	for k := range pre.Attrs {
		keys[k] = struct{}{}
	}
	for k := range post.Attrs {
		keys[k] = struct{}{}
	}
	ordered := make([]string, 0, len(keys))
	for k := range keys {
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)
	for _, k := range ordered {
		oldV, newV := pre.Attrs[k], post.Attrs[k]
		if oldV == newV {
			continue
		}
		if k == "class" {
			c.Classes = classDelta(oldV, newV)
			continue
		}
		if c.Attrs == nil {
			c.Attrs = make(map[string]AttrChange)
		}
		c.Attrs[k] = AttrChange{Old: oldV, New: newV}
	}
	if pre.Text != post.Text {
		c.Text = &TextChange{Old: pre.Text, New: post.Text}
	}
	changed := len(c.Attrs) > 0 || c.Classes != nil || c.Text != nil
	return c, changed
}

func classDelta(oldV, newV string) *ClassChanges {
	oldSet := classSet(oldV)
	newSet := classSet(newV)
	var cc ClassChanges
	for _, c := range sortedKeys(newSet) {
		if _, ok := oldSet[c]; !ok {
			cc.Added = append(cc.Added, c)
		}
	}
	for _, c := range sortedKeys(oldSet) {
		if _, ok := newSet[c]; !ok {
			cc.Removed = append(cc.Removed, c)
		}
	}
	if len(cc.Added) == 0 && len(cc.Removed) == 0 {
		return nil
	}
	return &cc
}

func classSet(v string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, c := range strings.Fields(v) {
		set[c] = struct{}{}
	}
	return set
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func navigationChanges(pre, post *dom.Snapshot) NavigationChanges {
	nc := NavigationChanges{
		URLChanged:   pre.URL != post.URL,
		TitleChanged: pre.Title != post.Title,
	}
	if nc.URLChanged {
		nc.URL = post.URL
	}
	if nc.TitleChanged {
		nc.Title = post.Title
	}
	return nc
}

// formStateChanges matches forms by selector and reports per-field
// validation-state transitions and value changes. Fields are matched by name.
func formStateChanges(pre, post *dom.Snapshot) []FormStateChange {
	preForms := make(map[string]*dom.Form, len(pre.Forms))
	for i := range pre.Forms {
		preForms[pre.Forms[i].Selector] = &pre.Forms[i]
	}
	var out []FormStateChange
	for i := range post.Forms {
		pf := &post.Forms[i]
		old, ok := preForms[pf.Selector]
		if !ok {
			continue
		}
		oldFields := make(map[string]*dom.FormField, len(old.Fields))
		for j := range old.Fields {
			oldFields[old.Fields[j].Name] = &old.Fields[j]
		}
		var fields []FieldChange
		for j := range pf.Fields {
			nf := &pf.Fields[j]
			of, ok := oldFields[nf.Name]
			if !ok {
				continue
			}
			fc := FieldChange{FieldIndex: nf.ElementIndex}
			if of.ValidationState != nf.ValidationState {
				fc.ValidationState = nf.ValidationState
			}
			if of.Value != nf.Value {
				fc.ValueChanged = true
			}
			if fc.ValidationState != "" || fc.ValueChanged {
				fields = append(fields, fc)
			}
		}
		if len(fields) > 0 || old.Valid != pf.Valid {
			out = append(out, FormStateChange{FormIndex: pf.Index, FieldsChanged: fields, FormValid: pf.Valid})
		}
	}
	return out
}

func accessibilityChanges(pre, post *dom.Snapshot) AccessibilityChanges {
	from, to := focusedIndex(pre), focusedIndex(post)
	if from == to {
		return AccessibilityChanges{}
	}
	if from >= 0 && to >= 0 {
		// Same element shifted by other changes is not a focus move.
		pe, _ := pre.Element(from)
		qe, _ := post.Element(to)
		if pe != nil && qe != nil && dom.Equivalent(pe, qe) {
			return AccessibilityChanges{}
		}
	}
	return AccessibilityChanges{FocusChanged: &FocusChange{FromIndex: from, ToIndex: to}}
}

func focusedIndex(s *dom.Snapshot) int {
	for i := range s.Elements {
		if s.Elements[i].Focused {
			return i
		}
	}
	return -1
}

// sameDocument reports whether two URLs address the same document, ignoring
// the fragment and query.
func sameDocument(a, b string) bool {
	return stripAfter(stripAfter(a, '#'), '?') == stripAfter(stripAfter(b, '#'), '?')
}

func stripAfter(s string, sep byte) string {
	if i := strings.IndexByte(s, sep); i >= 0 {
		return s[:i]
	}
	return s
}
