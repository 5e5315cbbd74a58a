package action

import "unicode/utf8"

// Key is a named special key from the closed key enum.
type Key string

// Special keys accepted by send_keys and keyboard_shortcut.
const (
	KeyEnter      Key = "Enter"
	KeyEscape     Key = "Escape"
	KeyTab        Key = "Tab"
	KeyArrowUp    Key = "ArrowUp"
	KeyArrowDown  Key = "ArrowDown"
	KeyArrowLeft  Key = "ArrowLeft"
	KeyArrowRight Key = "ArrowRight"
	KeyPageUp     Key = "PageUp"
	KeyPageDown   Key = "PageDown"
	KeyBackspace  Key = "Backspace"
	KeyDelete     Key = "Delete"
)

// Modifier keys, valid only in combination with another key.
const (
	KeyControl Key = "Control"
	KeyAlt     Key = "Alt"
	KeyShift   Key = "Shift"
	KeyMeta    Key = "Meta"
)

var specialKeys = map[Key]bool{
	KeyEnter:      true,
	KeyEscape:     true,
	KeyTab:        true,
	KeyArrowUp:    true,
	KeyArrowDown:  true,
	KeyArrowLeft:  true,
	KeyArrowRight: true,
	KeyPageUp:     true,
	KeyPageDown:   true,
	KeyBackspace:  true,
	KeyDelete:     true,
}

var modifierKeys = map[Key]bool{
	KeyControl: true,
	KeyAlt:     true,
	KeyShift:   true,
	KeyMeta:    true,
}

// IsSpecial reports whether s names a key from the special enum.
func IsSpecial(s string) bool { return specialKeys[Key(s)] }

// IsModifier reports whether s names a modifier key.
func IsModifier(s string) bool { return modifierKeys[Key(s)] }

// ValidKey reports whether s is acceptable in a key sequence: a special
// key, a modifier, or a single printable character.
func ValidKey(s string) bool {
	if IsSpecial(s) || IsModifier(s) {
		return true
	}
	return utf8.RuneCountInString(s) == 1
}
