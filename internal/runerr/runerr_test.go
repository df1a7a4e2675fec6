package runerr

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, KindParsing, KindOf(New(KindParsing, "no candidates")))

	wrapped := fmt.Errorf("pipeline: extract: %w", New(KindMissingInput, "topic is empty"))
	assert.Equal(t, KindMissingInput, KindOf(wrapped))
}

func TestIsMatchesSentinelByKind(t *testing.T) {
	err := fmt.Errorf("storage: %w", New(KindRunNotFound, "run %s", "abc"))
	assert.True(t, errors.Is(err, RunNotFound))
	assert.False(t, errors.Is(err, HypothesisNotFound))
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(KindExternalOperation, nil, "ignored"))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(KindExternalOperation, cause, "get interaction %s", "ia-1")
	require.NotNil(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "EXTERNAL_OPERATION_ERROR")
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, "get interaction ia-1", Message(err))
}

func TestRetryAfterOf(t *testing.T) {
	err := fmt.Errorf("gateway: %w", NewRateLimit(7*time.Second, "slow down"))
	d, ok := RetryAfterOf(err)
	require.True(t, ok)
	assert.Equal(t, 7*time.Second, d)

	_, ok = RetryAfterOf(New(KindTimeout, "too slow"))
	assert.False(t, ok)
}

func TestWithDetails(t *testing.T) {
	err := New(KindParsing, "bad output").With("phase", "divergent_extract").With("bytes", 12)
	assert.Equal(t, "divergent_extract", err.Details["phase"])
	assert.Equal(t, 12, err.Details["bytes"])
}
