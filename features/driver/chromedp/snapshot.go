package chromedp

import (
	"time"

	"goa.design/pilot/dom"
)

type (
	// capturedPage is the wire shape produced by captureScript.
	capturedPage struct {
		ReadyState string            `json:"ready_state"`
		ScrollX    int               `json:"scroll_x"`
		ScrollY    int               `json:"scroll_y"`
		Viewport   dom.Viewport      `json:"viewport"`
		Elements   []capturedElement `json:"elements"`
	}

	capturedElement struct {
		Tag      string            `json:"tag"`
		Role     string            `json:"role"`
		Selector string            `json:"selector"`
		Attrs    map[string]string `json:"attrs"`
		Text     string            `json:"text"`
		BBox     dom.BBox          `json:"bbox"`
		Visible  bool              `json:"visible"`
		Enabled  bool              `json:"enabled"`
		Focused  bool              `json:"focused"`
	}
)

// toSnapshot converts the raw capture into an unfinalized snapshot. The
// caller assigns cursor state and runs dom.Finalize.
func (p *capturedPage) toSnapshot(url, title string) *dom.Snapshot {
	snap := &dom.Snapshot{
		URL:          url,
		Title:        title,
		ReadyState:   p.ReadyState,
		ScrollX:      p.ScrollX,
		ScrollY:      p.ScrollY,
		Viewport:     p.Viewport,
		Elements:     make([]dom.Element, len(p.Elements)),
		CapturedAtMS: time.Now().UnixMilli(),
	}
	for i, el := range p.Elements {
		attrs := el.Attrs
		if len(attrs) == 0 {
			attrs = nil
		}
		snap.Elements[i] = dom.Element{
			Tag:      el.Tag,
			Role:     el.Role,
			Selector: el.Selector,
			Attrs:    attrs,
			Text:     el.Text,
			BBox:     el.BBox,
			Visible:  el.Visible,
			Enabled:  el.Enabled,
			Focused:  el.Focused,
		}
	}
	return snap
}

// captureScript collects the interactive elements of the page in document
// order. Selectors are capture-time CSS paths, stable only until the page
// mutates; password values are masked. The element count is capped to bound
// the payload on pathological pages.
const captureScript = `(() => {
	const limit = 500;
	const esc = (s) => (window.CSS && CSS.escape) ? CSS.escape(s) : s.replace(/([^a-zA-Z0-9_-])/g, '\\$1');
	const cssPath = (el) => {
		if (el.id) return '#' + esc(el.id);
		const parts = [];
		let node = el;
		while (node && node.nodeType === 1 && parts.length < 6) {
			if (node.id) {
				parts.unshift('#' + esc(node.id));
				return parts.join(' > ');
			}
			let sel = node.tagName.toLowerCase();
			const parent = node.parentElement;
			if (parent) {
				const same = Array.prototype.filter.call(parent.children, (c) => c.tagName === node.tagName);
				if (same.length > 1) sel += ':nth-of-type(' + (same.indexOf(node) + 1) + ')';
			}
			parts.unshift(sel);
			node = parent;
		}
		return parts.join(' > ');
	};
	const isVisible = (el, rect) => {
		if (rect.width <= 0 || rect.height <= 0) return false;
		const style = window.getComputedStyle(el);
		return style.visibility !== 'hidden' && style.display !== 'none';
	};
	const roleOf = (el) => {
		const explicit = el.getAttribute('role');
		if (explicit) return explicit;
		const tag = el.tagName.toLowerCase();
		if (tag === 'a') return el.hasAttribute('href') ? 'link' : '';
		if (tag === 'button') return 'button';
		if (tag === 'select') return 'listbox';
		if (tag === 'textarea') return 'textbox';
		if (tag === 'video' || tag === 'audio') return 'media';
		if (tag === 'input') {
			const t = (el.getAttribute('type') || 'text').toLowerCase();
			if (t === 'submit' || t === 'button' || t === 'reset' || t === 'image') return 'button';
			if (t === 'checkbox') return 'checkbox';
			if (t === 'radio') return 'radio';
			if (t === 'range') return 'slider';
			if (t === 'file') return 'file';
			return 'textbox';
		}
		if (el.isContentEditable) return 'textbox';
		if (el.hasAttribute('onclick')) return 'button';
		return '';
	};
	const valueOf = (el) => {
		const tag = el.tagName.toLowerCase();
		if (tag === 'input') {
			const t = (el.getAttribute('type') || 'text').toLowerCase();
			if (t === 'checkbox' || t === 'radio') return el.checked ? 'true' : 'false';
			if (t === 'password') return el.value ? '***' : '';
			return el.value || '';
		}
		if (tag === 'textarea' || tag === 'select') return el.value || '';
		return '';
	};
	const selectors = 'a[href], button, input, select, textarea, video, audio, [role], [onclick], [contenteditable="true"], [contenteditable=""], [tabindex]';
	const attrNames = ['type', 'name', 'id', 'placeholder', 'href', 'title', 'alt', 'aria-label', 'aria-invalid'];
	const out = [];
	const nodes = document.querySelectorAll(selectors);
	for (let i = 0; i < nodes.length && out.length < limit; i++) {
		const el = nodes[i];
		const rect = el.getBoundingClientRect();
		const attrs = {};
		for (const name of attrNames) {
			const v = el.getAttribute(name);
			if (v) attrs[name] = v;
		}
		if (el.hasAttribute('required')) attrs['required'] = 'true';
		const val = valueOf(el);
		if (val) attrs['value'] = val;
		const form = el.form || el.closest('form');
		if (form) attrs['form'] = cssPath(form);
		out.push({
			tag: el.tagName.toLowerCase(),
			role: roleOf(el),
			selector: cssPath(el),
			attrs: attrs,
			text: (el.innerText || el.textContent || '').trim().slice(0, 200),
			bbox: {x: rect.x, y: rect.y, width: rect.width, height: rect.height},
			visible: isVisible(el, rect),
			enabled: !el.disabled,
			focused: document.activeElement === el,
		});
	}
	return {
		ready_state: document.readyState,
		scroll_x: Math.round(window.scrollX),
		scroll_y: Math.round(window.scrollY),
		viewport: {width: window.innerWidth, height: window.innerHeight},
		elements: out,
	};
})()`
