package command

import "sync"

// Verdict classifies an incoming sequence number against the per-session
// high-water mark.
type Verdict int

const (
	// VerdictNext means the number is exactly the expected one.
	VerdictNext Verdict = iota
	// VerdictDuplicate means the number was already processed.
	VerdictDuplicate
	// VerdictGap means one or more numbers are missing before this one.
	VerdictGap
)

// SequenceTracker holds the last processed sequence number of one session.
// Numbering starts at 1; a fresh tracker expects 1.
type SequenceTracker struct {
	mu   sync.Mutex
	last uint64
}

// NewSequenceTracker returns a tracker with no processed commands.
func NewSequenceTracker() *SequenceTracker { return &SequenceTracker{} }

// Check classifies seq and returns the number the tracker expects next. It
// does not advance; callers advance only after the command fully processed.
func (t *SequenceTracker) Check(seq uint64) (Verdict, uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	expected := t.last + 1
	switch {
	case seq < expected:
		return VerdictDuplicate, expected
	case seq > expected:
		return VerdictGap, expected
	}
	return VerdictNext, expected
}

// Advance records seq as processed. Regressions are ignored so late
// duplicate acknowledgments cannot move the mark backwards.
func (t *SequenceTracker) Advance(seq uint64) {
	t.mu.Lock()
	if seq > t.last {
		t.last = seq
	}
	t.mu.Unlock()
}

// Last returns the high-water mark.
func (t *SequenceTracker) Last() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}
