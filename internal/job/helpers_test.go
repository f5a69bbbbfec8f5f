package job

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/phrazzld/quill-jobs/internal/domain"
)

// newTestLogger returns a logger that discards all output.
func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// enqueueTestJob inserts a pending job directly into the mock store with
// an explicit creation time so FIFO ordering is deterministic.
func enqueueTestJob(
	t *testing.T,
	jobs *MockJobStore,
	queue, jobType string,
	maxAttempts int,
	createdAt time.Time,
) *domain.Job {
	t.Helper()

	j, err := domain.NewJob(queue, jobType, []byte(`{}`), maxAttempts)
	require.NoError(t, err)
	j.CreatedAt = createdAt
	j.AvailableAt = createdAt

	_, err = jobs.Insert(context.Background(), j)
	require.NoError(t, err)
	return j
}
