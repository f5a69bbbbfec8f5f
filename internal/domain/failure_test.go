package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsPermanent(t *testing.T) {
	t.Parallel()

	base := errors.New("payload missing asset_id")

	assert.True(t, IsPermanent(NewPermanentError(KindValidation, base)))
	assert.False(t, IsPermanent(NewRetryableError(KindTransientInfra, base)))
	assert.False(t, IsPermanent(base))
	assert.False(t, IsPermanent(nil))

	// Classification survives further wrapping.
	wrapped := fmt.Errorf("handler failed: %w", NewPermanentError(KindValidation, base))
	assert.True(t, IsPermanent(wrapped))
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")

	assert.Equal(t, KindValidation, KindOf(NewPermanentError(KindValidation, base)))
	assert.Equal(t, KindHandlerTimeout, KindOf(NewRetryableError(KindHandlerTimeout, base)))
	assert.Equal(t, KindHandlerFailure, KindOf(base),
		"unclassified errors default to handler_failure")

	wrapped := fmt.Errorf("outer: %w", NewRetryableError(KindShutdownInterrupted, base))
	assert.Equal(t, KindShutdownInterrupted, KindOf(wrapped))
}

func TestErrorUnwrap(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("connection refused")

	assert.ErrorIs(t, NewRetryableError(KindTransientInfra, sentinel), sentinel)
	assert.ErrorIs(t, NewPermanentError(KindValidation, sentinel), sentinel)
}

func TestFailureFromError(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	detail := FailureFromError(NewRetryableError(KindHandlerTimeout, errors.New("exceeded 30s")), at)
	require.NotNil(t, detail)
	assert.Equal(t, KindHandlerTimeout, detail.Kind)
	assert.Contains(t, detail.Message, "exceeded 30s")
	assert.Equal(t, at, detail.At)

	assert.Nil(t, FailureFromError(nil, at))
}
