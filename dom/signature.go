package dom

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// signatureAttrs is the fixed attribute subset that participates in element
// signatures. Order matters: it is part of the canonical serialization.
var signatureAttrs = [...]string{"type", "name", "id", "placeholder"}

// Signature returns the stable identity of an element across captures. It
// folds the lowercased tag and role, the signature attribute subset and the
// trimmed text. Position and styling deliberately do not participate so an
// element keeps its signature when the page reflows.
func Signature(e *Element) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(e.Tag))
	b.WriteByte('|')
	b.WriteString(strings.ToLower(e.Role))
	for _, k := range signatureAttrs {
		b.WriteByte('|')
		b.WriteString(e.Attrs[k])
	}
	b.WriteByte('|')
	b.WriteString(strings.TrimSpace(e.Text))
	return b.String()
}

// ContentHash computes the SHA-256 hex digest of the page URL followed by the
// ordered element signatures, one per line. The hash is stable for a given
// page state and changes whenever an element is added, removed, reordered or
// re-labeled.
func ContentHash(url string, elems []Element) string {
	h := sha256.New()
	h.Write([]byte(url))
	h.Write([]byte{'\n'})
	for i := range elems {
		h.Write([]byte(Signature(&elems[i])))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Equivalent reports whether two elements carry the same signature.
func Equivalent(a, b *Element) bool {
	return Signature(a) == Signature(b)
}
