package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActivityInfoRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Zero(t, InfoFromContext(ctx))

	info := ActivityInfo{
		WorkflowID:   "job-1",
		RunID:        "run-1",
		ActivityName: "extract_screens",
		Attempt:      2,
	}
	ctx = WithActivityInfo(ctx, info)
	assert.Equal(t, info, InfoFromContext(ctx))
}

func TestRecordHeartbeat(t *testing.T) {
	// Outside an activity the call is a no-op.
	RecordHeartbeat(context.Background(), []byte("details"))

	var got []byte
	ctx := WithHeartbeats(context.Background(), func(_ context.Context, details []byte) {
		got = details
	})
	RecordHeartbeat(ctx, []byte(`{"items":100}`))
	assert.Equal(t, `{"items":100}`, string(got))
}

func TestPermanentErrors(t *testing.T) {
	assert.NoError(t, Permanent(nil))

	base := errors.New("confidence below threshold")
	perm := Permanent(base)
	require.Error(t, perm)
	assert.EqualError(t, perm, "confidence below threshold")
	assert.True(t, IsPermanent(perm))
	assert.ErrorIs(t, perm, base)

	// Wrapping preserves the permanent marker.
	wrapped := fmt.Errorf("extract screens: %w", perm)
	assert.True(t, IsPermanent(wrapped))

	assert.False(t, IsPermanent(base))
	assert.False(t, IsPermanent(nil))
}
