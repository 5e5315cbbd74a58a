package chromedp

import (
	"encoding/json"
	"fmt"
	"strings"

	"goa.design/pilot/driver"
)

// Page scripts. Scripts that act on the page return an empty string on
// success and a failure message otherwise, so DOM-level failures surface as
// errors without tripping the DevTools exception path.

const clearActiveScript = `(() => {
	const el = document.activeElement;
	if (!el) return false;
	if (el.isContentEditable) {
		el.innerHTML = '';
		return true;
	}
	const tag = el.tagName ? el.tagName.toLowerCase() : '';
	if (tag !== 'input' && tag !== 'textarea') return false;
	el.value = '';
	el.dispatchEvent(new Event('input', {bubbles: true}));
	el.dispatchEvent(new Event('change', {bubbles: true}));
	return true;
})()`

const readClipboardScript = `(async () => {
	if (!navigator.clipboard || !navigator.clipboard.readText) return '';
	try {
		return await navigator.clipboard.readText();
	} catch (e) {
		return '';
	}
})()`

const pageTextScript = `(() => document.body ? (document.body.innerText || '') : '')()`

func writeClipboardScript(text string) (string, error) {
	arg, err := json.Marshal(text)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`(async () => {
	if (!navigator.clipboard || !navigator.clipboard.writeText) return false;
	try {
		await navigator.clipboard.writeText(%s);
		return true;
	} catch (e) {
		return false;
	}
})()`, arg), nil
}

// downloadScript fetches url with the page's cookies and returns the body
// base64-encoded. Chunked conversion keeps the call stack bounded on large
// bodies.
func downloadScript(url string) (string, error) {
	arg, err := json.Marshal(url)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`(async () => {
	const resp = await fetch(%s, {credentials: 'include'});
	if (!resp.ok) throw new Error('fetch failed with status ' + resp.status);
	const bytes = new Uint8Array(await resp.arrayBuffer());
	const chunk = 32768;
	let bin = '';
	for (let i = 0; i < bytes.length; i += chunk) {
		bin += String.fromCharCode.apply(null, bytes.subarray(i, i + chunk));
	}
	return btoa(bin);
})()`, arg), nil
}

func selectScript(sel string, by driver.SelectBy, values []string) (string, error) {
	q, err := json.Marshal(sel)
	if err != nil {
		return "", err
	}
	want, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	mode, err := json.Marshal(string(by))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`(() => {
	const el = document.querySelector(%s);
	if (!el) return 'no element matches selector';
	if (el.tagName.toLowerCase() !== 'select') return 'element is not a select';
	const want = %s;
	const by = %s;
	const opts = Array.from(el.options);
	if (!el.multiple) {
		for (const o of opts) o.selected = false;
	}
	for (const w of want) {
		let hit = null;
		if (by === 'index') {
			const i = parseInt(w, 10);
			if (!isNaN(i) && i >= 0 && i < opts.length) hit = opts[i];
		} else if (by === 'text') {
			hit = opts.find((o) => o.text.trim() === w);
		} else {
			hit = opts.find((o) => o.value === w);
		}
		if (!hit) return 'no option matches ' + JSON.stringify(w);
		hit.selected = true;
		if (!el.multiple) break;
	}
	el.dispatchEvent(new Event('input', {bubbles: true}));
	el.dispatchEvent(new Event('change', {bubbles: true}));
	return '';
})()`, q, want, mode), nil
}

func mediaScript(sel string, req driver.MediaRequest) (string, error) {
	if sel == "" {
		sel = "video, audio"
	}
	q, err := json.Marshal(sel)
	if err != nil {
		return "", err
	}
	var body string
	switch req.Op {
	case driver.MediaPlay:
		body = "el.play();"
	case driver.MediaPause:
		body = "el.pause();"
	case driver.MediaSeek:
		body = fmt.Sprintf("el.currentTime = %g;", req.Seconds)
	case driver.MediaVolume:
		body = fmt.Sprintf("el.volume = Math.min(1, Math.max(0, %g)); el.muted = false;", req.Volume)
	case driver.MediaMute:
		body = "el.muted = !el.muted;"
	case driver.MediaFullscreen:
		body = "if (document.fullscreenElement) { document.exitFullscreen(); } else if (el.requestFullscreen) { el.requestFullscreen(); }"
	default:
		return "", fmt.Errorf("unsupported media operation %q", req.Op)
	}
	return fmt.Sprintf(`(() => {
	const el = document.querySelector(%s);
	if (!el) return 'no media element found';
	const tag = el.tagName.toLowerCase();
	if (tag !== 'video' && tag !== 'audio') return 'element is not a media element';
	%s
	return '';
})()`, q, body), nil
}

func zoomScript(factor float64) string {
	return fmt.Sprintf(`(() => { document.documentElement.style.zoom = %g; return true; })()`, factor)
}

const overlayLayerScript = `	const id = '__pilot_overlay__';
	let layer = document.getElementById(id);
	if (!layer) {
		layer = document.createElement('div');
		layer.id = id;
		layer.style.cssText = 'position:fixed;inset:0;pointer-events:none;z-index:2147483646;';
		document.documentElement.appendChild(layer);
	}`

func overlayScript(req driver.OverlayRequest) (string, error) {
	color := req.Color
	if color == "" {
		color = "#ff4136"
	}
	colorArg, err := json.Marshal(color)
	if err != nil {
		return "", err
	}
	width := req.Width
	if width <= 0 {
		width = 2
	}
	var body string
	switch req.Kind {
	case driver.OverlayElement, driver.OverlayRegion:
		body = fmt.Sprintf(`	const node = document.createElement('div');
	node.style.cssText = 'position:absolute;border:%gpx solid ' + %s + ';border-radius:2px;left:%gpx;top:%gpx;width:%gpx;height:%gpx;';
	layer.appendChild(node);`, width, colorArg, req.X, req.Y, req.W, req.H)
	case driver.OverlayPointer:
		body = fmt.Sprintf(`	const node = document.createElement('div');
	node.style.cssText = 'position:absolute;width:14px;height:14px;margin:-7px 0 0 -7px;border-radius:50%%;background:' + %s + ';left:%gpx;top:%gpx;';
	layer.appendChild(node);`, colorArg, req.X, req.Y)
	case driver.OverlayPath:
		if len(req.Path) < 2 {
			return "", fmt.Errorf("path overlay needs at least two points, got %d", len(req.Path))
		}
		var pts strings.Builder
		for i, p := range req.Path {
			if i > 0 {
				pts.WriteByte(' ')
			}
			fmt.Fprintf(&pts, "%g,%g", p.X, p.Y)
		}
		ptsArg, err := json.Marshal(pts.String())
		if err != nil {
			return "", err
		}
		body = fmt.Sprintf(`	const ns = 'http://www.w3.org/2000/svg';
	const node = document.createElementNS(ns, 'svg');
	node.setAttribute('width', '100%%');
	node.setAttribute('height', '100%%');
	node.style.position = 'absolute';
	node.style.left = '0';
	node.style.top = '0';
	const line = document.createElementNS(ns, 'polyline');
	line.setAttribute('points', %s);
	line.setAttribute('fill', 'none');
	line.setAttribute('stroke', %s);
	line.setAttribute('stroke-width', '%g');
	node.appendChild(line);
	layer.appendChild(node);`, ptsArg, colorArg, width)
	default:
		return "", fmt.Errorf("unsupported overlay kind %q", req.Kind)
	}
	ttl := req.Duration.Milliseconds()
	return fmt.Sprintf(`(() => {
%s
%s
	if (%d > 0) setTimeout(() => { node.remove(); }, %d);
	return true;
})()`, overlayLayerScript, body, ttl, ttl), nil
}

func presentationScript(enable bool) string {
	return fmt.Sprintf(`(() => {
	const id = '__pilot_presentation__';
	const existing = document.getElementById(id);
	if (!%t) {
		if (existing) existing.remove();
		return true;
	}
	if (existing) return true;
	const style = document.createElement('style');
	style.id = id;
	style.textContent = 'html::-webkit-scrollbar{display:none;} html{scrollbar-width:none;} html{scroll-behavior:smooth;}';
	document.documentElement.appendChild(style);
	return true;
})()`, enable)
}

func pointerScript(visible bool) string {
	return fmt.Sprintf(`(() => {
	const id = '__pilot_pointer__';
	const existing = document.getElementById(id);
	if (!%t) {
		if (existing) existing.remove();
		if (window.__pilotPointerMove) {
			document.removeEventListener('mousemove', window.__pilotPointerMove, true);
			window.__pilotPointerMove = null;
		}
		return true;
	}
	if (existing) return true;
	const dot = document.createElement('div');
	dot.id = id;
	dot.style.cssText = 'position:fixed;width:14px;height:14px;margin:-7px 0 0 -7px;border-radius:50%%;background:rgba(255,65,54,0.85);pointer-events:none;z-index:2147483647;left:-20px;top:-20px;';
	document.documentElement.appendChild(dot);
	window.__pilotPointerMove = (e) => {
		dot.style.left = e.clientX + 'px';
		dot.style.top = e.clientY + 'px';
	};
	document.addEventListener('mousemove', window.__pilotPointerMove, true);
	return true;
})()`, visible)
}
