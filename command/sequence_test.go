package command

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequenceTrackerFirstCommand(t *testing.T) {
	tr := NewSequenceTracker()
	verdict, expected := tr.Check(1)
	assert.Equal(t, VerdictNext, verdict)
	assert.Equal(t, uint64(1), expected)
}

func TestSequenceTrackerClassification(t *testing.T) {
	tr := NewSequenceTracker()
	tr.Advance(1)
	tr.Advance(2)
	tr.Advance(3)

	cases := []struct {
		name     string
		seq      uint64
		verdict  Verdict
		expected uint64
	}{
		{"next", 4, VerdictNext, 4},
		{"old duplicate", 2, VerdictDuplicate, 4},
		{"just processed", 3, VerdictDuplicate, 4},
		{"gap of one", 5, VerdictGap, 4},
		{"gap of many", 9, VerdictGap, 4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			verdict, expected := tr.Check(tc.seq)
			assert.Equal(t, tc.verdict, verdict)
			assert.Equal(t, tc.expected, expected)
		})
	}
}

func TestSequenceTrackerCheckDoesNotAdvance(t *testing.T) {
	tr := NewSequenceTracker()
	verdict, _ := tr.Check(1)
	require.Equal(t, VerdictNext, verdict)

	// Checking must not consume the number: a failed dispatch retries
	// with the same sequence and must still be Next.
	verdict, _ = tr.Check(1)
	assert.Equal(t, VerdictNext, verdict)
	assert.Equal(t, uint64(0), tr.Last())
}

func TestSequenceTrackerAdvanceIgnoresRegression(t *testing.T) {
	tr := NewSequenceTracker()
	tr.Advance(5)
	tr.Advance(3)
	assert.Equal(t, uint64(5), tr.Last())
}

// TestSequenceTrackerMonotone checks that for any processing order the
// high-water mark equals the largest advanced number and everything at or
// below it reads as a duplicate.
func TestSequenceTrackerMonotone(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("mark is the max and lower numbers are duplicates", prop.ForAll(
		func(seqs []uint64) bool {
			tr := NewSequenceTracker()
			var max uint64
			for _, s := range seqs {
				tr.Advance(s)
				if s > max {
					max = s
				}
			}
			if tr.Last() != max {
				return false
			}
			for _, s := range seqs {
				verdict, expected := tr.Check(s)
				if expected != max+1 {
					return false
				}
				if s <= max && verdict != VerdictDuplicate {
					return false
				}
			}
			verdict, _ := tr.Check(max + 1)
			return verdict == VerdictNext
		},
		gen.SliceOf(gen.UInt64Range(1, 1000)),
	))

	properties.TestingRun(t)
}
