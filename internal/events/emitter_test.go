package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/quill-jobs/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingHandler captures events and optionally fails.
type recordingHandler struct {
	events []*TransitionEvent
	err    error
}

func (h *recordingHandler) HandleTransition(ctx context.Context, event *TransitionEvent) error {
	h.events = append(h.events, event)
	return h.err
}

func testEvent() *TransitionEvent {
	return &TransitionEvent{
		ID:         uuid.New(),
		JobID:      uuid.New(),
		Queue:      "media",
		Type:       "process_asset",
		FromStatus: domain.JobStatusPending,
		ToStatus:   domain.JobStatusLeased,
		Attempts:   1,
		Timestamp:  time.Now().UTC(),
	}
}

func TestEmitDispatchesToAllHandlers(t *testing.T) {
	t.Parallel()

	emitter := NewInMemoryEmitter(newTestLogger())
	first := &recordingHandler{}
	second := &recordingHandler{}
	emitter.RegisterHandler(first)
	emitter.RegisterHandler(second)

	event := testEvent()
	require.NoError(t, emitter.Emit(context.Background(), event))

	require.Len(t, first.events, 1)
	require.Len(t, second.events, 1)
	assert.Equal(t, event.ID, first.events[0].ID)
}

func TestEmitContinuesPastFailingHandler(t *testing.T) {
	t.Parallel()

	emitter := NewInMemoryEmitter(newTestLogger())
	failing := &recordingHandler{err: errors.New("handler exploded")}
	healthy := &recordingHandler{}
	emitter.RegisterHandler(failing)
	emitter.RegisterHandler(healthy)

	err := emitter.Emit(context.Background(), testEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler exploded")

	// The failure of one handler must not starve the others.
	assert.Len(t, healthy.events, 1)
}

func TestEmitWithNoHandlers(t *testing.T) {
	t.Parallel()

	emitter := NewInMemoryEmitter(newTestLogger())
	assert.NoError(t, emitter.Emit(context.Background(), testEvent()))
}

func TestNewTransitionEvent(t *testing.T) {
	t.Parallel()

	j, err := domain.NewJob("media", "process_asset", nil, 3)
	require.NoError(t, err)
	j.Attempts = 2

	event := NewTransitionEvent(j, domain.JobStatusLeased, domain.JobStatusFailedRetryable)
	assert.NotEqual(t, uuid.Nil, event.ID)
	assert.Equal(t, j.ID, event.JobID)
	assert.Equal(t, "media", event.Queue)
	assert.Equal(t, domain.JobStatusLeased, event.FromStatus)
	assert.Equal(t, domain.JobStatusFailedRetryable, event.ToStatus)
	assert.Equal(t, 2, event.Attempts)
	assert.False(t, event.Timestamp.IsZero())
}
