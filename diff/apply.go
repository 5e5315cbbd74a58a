package diff

import (
	"fmt"
	"sort"
	"strings"

	"goa.design/pilot/dom"
)

// Apply reconstructs the post-snapshot element sequence from a pre snapshot
// and a diff computed against it. The result matches the original post
// snapshot under element-signature equality. Consumers use it to maintain a
// mirror of the page without shipping full snapshots, and tests use it to
// check the engine's round-trip law.
func Apply(pre *dom.Snapshot, d *StateDiff) ([]dom.Element, error) {
	var preElems []dom.Element
	if pre != nil {
		preElems = pre.Elements
	}
	n := len(preElems) + len(d.DOMChanges.Added) - len(d.DOMChanges.Removed)
	if n < 0 {
		return nil, fmt.Errorf("inconsistent diff: %d removals from %d elements", len(d.DOMChanges.Removed), len(preElems))
	}
	out := make([]*dom.Element, n)

	place := func(idx int, e *dom.Element) error {
		if idx < 0 || idx >= n {
			return fmt.Errorf("inconsistent diff: index %d outside [0,%d)", idx, n)
		}
		if out[idx] != nil {
			return fmt.Errorf("inconsistent diff: index %d assigned twice", idx)
		}
		out[idx] = e
		return nil
	}

	removed := make(map[int]struct{}, len(d.DOMChanges.Removed))
	for _, r := range d.DOMChanges.Removed {
		removed[r.Index] = struct{}{}
	}
	moved := make(map[int]int, len(d.DOMChanges.Moved))
	for _, m := range d.DOMChanges.Moved {
		moved[m.FromIndex] = m.ToIndex
	}

	for i := range preElems {
		if _, gone := removed[i]; gone {
			continue
		}
		target := i
		if to, ok := moved[i]; ok {
			target = to
		}
		if err := place(target, cloneElement(&preElems[i], target)); err != nil {
			return nil, err
		}
	}
	for _, a := range d.DOMChanges.Added {
		e := &dom.Element{
			Index:    a.Index,
			Tag:      a.Tag,
			Role:     a.Role,
			Selector: a.Selector,
			Text:     a.Text,
			Visible:  true,
			Enabled:  true,
		}
		if len(a.Attrs) > 0 {
			e.Attrs = make(map[string]string, len(a.Attrs))
			for k, v := range a.Attrs {
				e.Attrs[k] = v
			}
		}
		if a.BBox != nil {
			e.BBox = *a.BBox
		}
		if err := place(a.Index, e); err != nil {
			return nil, err
		}
	}
	for i, e := range out {
		if e == nil {
			return nil, fmt.Errorf("inconsistent diff: index %d unassigned", i)
		}
	}

	for _, m := range d.DOMChanges.Modified {
		if m.Index < 0 || m.Index >= n {
			return nil, fmt.Errorf("inconsistent diff: modified index %d outside [0,%d)", m.Index, n)
		}
		applyChanges(out[m.Index], m.Changes)
	}

	elems := make([]dom.Element, n)
	for i, e := range out {
		elems[i] = *e
	}
	return elems, nil
}

func cloneElement(e *dom.Element, index int) *dom.Element {
	c := *e
	c.Index = index
	if e.Attrs != nil {
		c.Attrs = make(map[string]string, len(e.Attrs))
		for k, v := range e.Attrs {
			c.Attrs[k] = v
		}
	}
	return &c
}

func applyChanges(e *dom.Element, c ElementChanges) {
	if len(c.Attrs) > 0 && e.Attrs == nil {
		e.Attrs = make(map[string]string)
	}
	for k, ch := range c.Attrs {
		if ch.New == "" {
			delete(e.Attrs, k)
			continue
		}
		e.Attrs[k] = ch.New
	}
	if c.Classes != nil {
		set := classSet(e.Attrs["class"])
		for _, cl := range c.Classes.Removed {
			delete(set, cl)
		}
		for _, cl := range c.Classes.Added {
			set[cl] = struct{}{}
		}
		classes := make([]string, 0, len(set))
		for cl := range set {
			classes = append(classes, cl)
		}
		sort.Strings(classes)
		if e.Attrs == nil {
			e.Attrs = make(map[string]string)
		}
		if len(classes) == 0 {
			delete(e.Attrs, "class")
		} else {
			e.Attrs["class"] = strings.Join(classes, " ")
		}
	}
	if c.Text != nil {
		e.Text = c.Text.New
	}
}
