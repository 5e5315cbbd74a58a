package chromedp

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp/kb"
)

// namedKeys maps lowercase key names to the DevTools key runes. Single-rune
// entries in a sequence pass through untranslated.
var namedKeys = map[string]string{
	"enter":      kb.Enter,
	"return":     kb.Enter,
	"tab":        kb.Tab,
	"backspace":  kb.Backspace,
	"delete":     kb.Delete,
	"del":        kb.Delete,
	"escape":     kb.Escape,
	"esc":        kb.Escape,
	"space":      " ",
	"up":         kb.ArrowUp,
	"arrowup":    kb.ArrowUp,
	"down":       kb.ArrowDown,
	"arrowdown":  kb.ArrowDown,
	"left":       kb.ArrowLeft,
	"arrowleft":  kb.ArrowLeft,
	"right":      kb.ArrowRight,
	"arrowright": kb.ArrowRight,
	"home":       kb.Home,
	"end":        kb.End,
	"pageup":     kb.PageUp,
	"pagedown":   kb.PageDown,
	"insert":     kb.Insert,
	"f1":         kb.F1,
	"f2":         kb.F2,
	"f3":         kb.F3,
	"f4":         kb.F4,
	"f5":         kb.F5,
	"f6":         kb.F6,
	"f7":         kb.F7,
	"f8":         kb.F8,
	"f9":         kb.F9,
	"f10":        kb.F10,
	"f11":        kb.F11,
	"f12":        kb.F12,
}

var modifierNames = map[string]input.Modifier{
	"ctrl":    input.ModifierCtrl,
	"control": input.ModifierCtrl,
	"alt":     input.ModifierAlt,
	"option":  input.ModifierAlt,
	"shift":   input.ModifierShift,
	"meta":    input.ModifierMeta,
	"cmd":     input.ModifierMeta,
	"command": input.ModifierMeta,
	"super":   input.ModifierMeta,
	"win":     input.ModifierMeta,
}

// splitKeySequence separates modifier names from keys. Key names are
// case-insensitive; unrecognized multi-rune names are rejected so typos
// surface instead of typing literal text.
func splitKeySequence(seq []string) (string, input.Modifier, error) {
	var (
		keys strings.Builder
		mods input.Modifier
	)
	for _, name := range seq {
		lower := strings.ToLower(name)
		if m, ok := modifierNames[lower]; ok {
			mods |= m
			continue
		}
		if k, ok := namedKeys[lower]; ok {
			keys.WriteString(k)
			continue
		}
		if utf8.RuneCountInString(name) == 1 {
			keys.WriteString(name)
			continue
		}
		return "", 0, fmt.Errorf("unknown key %q", name)
	}
	return keys.String(), mods, nil
}

// keyModifiers folds modifier names into a DevTools modifier mask, ignoring
// anything that is not a modifier.
func keyModifiers(names []string) input.Modifier {
	var mods input.Modifier
	for _, name := range names {
		if m, ok := modifierNames[strings.ToLower(name)]; ok {
			mods |= m
		}
	}
	return mods
}
