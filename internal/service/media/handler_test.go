package media

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/quill-jobs/internal/config"
	"github.com/phrazzld/quill-jobs/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockTranscoder fails the renditions listed in failing and records every
// destination path it was asked to produce.
type mockTranscoder struct {
	mu      sync.Mutex
	failing map[string]bool
	calls   []string
}

func (m *mockTranscoder) Transcode(ctx context.Context, src, dst string, spec config.RenditionSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, dst)
	if m.failing[spec.Name] {
		return errors.New("transcoder exited with status 1")
	}
	return nil
}

// writingTranscoder writes a real file to the destination path, like the
// exec transcoder's subprocess does. It fails when the parent directory
// does not exist.
type writingTranscoder struct{}

func (writingTranscoder) Transcode(ctx context.Context, src, dst string, spec config.RenditionSpec) error {
	return os.WriteFile(dst, []byte("rendition"), 0o644)
}

// mockSink records writes and optionally fails them.
type mockSink struct {
	mu     sync.Mutex
	err    error
	table  string
	key    string
	fields map[string]any
	writes int
}

func (m *mockSink) Write(ctx context.Context, table, key string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.table = table
	m.key = key
	m.fields = fields
	m.writes++
	return nil
}

func testMediaConfig(minViable int) config.MediaConfig {
	return config.MediaConfig{
		OutputDir:           "/tmp/renditions",
		MinViableRenditions: minViable,
		RenditionTimeout:    time.Second,
		Renditions: []config.RenditionSpec{
			{Name: "1080p", Args: []string{"-vf", "scale=-2:1080"}},
			{Name: "720p", Args: []string{"-vf", "scale=-2:720"}},
			{Name: "thumb", Args: []string{"-frames:v", "1"}},
		},
	}
}

func newTestJob(t *testing.T, payload string) *domain.Job {
	t.Helper()
	j, err := domain.NewJob("media", JobType, []byte(payload), 3)
	require.NoError(t, err)
	return j
}

func TestNewHandlerValidatesDependencies(t *testing.T) {
	t.Parallel()

	cfg := testMediaConfig(1)
	transcoder := &mockTranscoder{}
	sink := &mockSink{}
	logger := newTestLogger()

	_, err := NewHandler(cfg, nil, sink, logger)
	assert.ErrorIs(t, err, ErrNilTranscoder)

	_, err = NewHandler(cfg, transcoder, nil, logger)
	assert.ErrorIs(t, err, ErrNilResultSink)

	_, err = NewHandler(cfg, transcoder, sink, nil)
	assert.ErrorIs(t, err, ErrNilLogger)

	_, err = NewHandler(config.MediaConfig{}, transcoder, sink, logger)
	assert.ErrorIs(t, err, ErrNoRenditions)

	h, err := NewHandler(cfg, transcoder, sink, logger)
	require.NoError(t, err)
	assert.NotNil(t, h)
}

func TestHandleAllRenditionsSucceed(t *testing.T) {
	t.Parallel()

	transcoder := &mockTranscoder{}
	sink := &mockSink{}
	h, err := NewHandler(testMediaConfig(1), transcoder, sink, newTestLogger())
	require.NoError(t, err)

	j := newTestJob(t, `{"asset_id":"asset-1","source_path":"/tmp/uploads/asset-1.mov"}`)
	require.NoError(t, h.Handle(context.Background(), j))

	assert.Equal(t, "asset_renditions", sink.table)
	assert.Equal(t, "asset-1", sink.key)
	assert.Equal(t, []string{"1080p", "720p", "thumb"}, sink.fields["renditions"])
	assert.NotContains(t, sink.fields, "missing_renditions")

	// Output paths are deterministic per asset and rendition.
	assert.Contains(t, transcoder.calls, "/tmp/renditions/asset-1/720p.mp4")
}

func TestHandleCreatesOutputDirectory(t *testing.T) {
	t.Parallel()

	// A clean deployment has no per-asset directories under the output
	// root. The handler must create them before the transcoder writes to
	// the final path.
	cfg := testMediaConfig(1)
	cfg.OutputDir = filepath.Join(t.TempDir(), "renditions")

	sink := &mockSink{}
	h, err := NewHandler(cfg, writingTranscoder{}, sink, newTestLogger())
	require.NoError(t, err)

	j := newTestJob(t, `{"asset_id":"asset-1","source_path":"/tmp/uploads/asset-1.mov"}`)
	require.NoError(t, h.Handle(context.Background(), j))

	assert.Equal(t, []string{"1080p", "720p", "thumb"}, sink.fields["renditions"])
	for _, name := range []string{"1080p", "720p", "thumb"} {
		_, err := os.Stat(filepath.Join(cfg.OutputDir, "asset-1", name+".mp4"))
		assert.NoError(t, err, "rendition %s should exist on disk", name)
	}
}

func TestHandlePartialFailureAboveMinimumSucceeds(t *testing.T) {
	t.Parallel()

	// One of three renditions fails but the minimum-viable count is met:
	// the job succeeds with the gap recorded.
	transcoder := &mockTranscoder{failing: map[string]bool{"1080p": true}}
	sink := &mockSink{}
	h, err := NewHandler(testMediaConfig(2), transcoder, sink, newTestLogger())
	require.NoError(t, err)

	j := newTestJob(t, `{"asset_id":"asset-1","source_path":"/tmp/uploads/asset-1.mov"}`)
	require.NoError(t, h.Handle(context.Background(), j))

	assert.Equal(t, []string{"720p", "thumb"}, sink.fields["renditions"])
	assert.Equal(t, []string{"1080p"}, sink.fields["missing_renditions"])
}

func TestHandleBelowMinimumIsRetryable(t *testing.T) {
	t.Parallel()

	transcoder := &mockTranscoder{failing: map[string]bool{"1080p": true, "720p": true}}
	sink := &mockSink{}
	h, err := NewHandler(testMediaConfig(2), transcoder, sink, newTestLogger())
	require.NoError(t, err)

	j := newTestJob(t, `{"asset_id":"asset-1","source_path":"/tmp/uploads/asset-1.mov"}`)
	err = h.Handle(context.Background(), j)
	require.Error(t, err)
	assert.False(t, domain.IsPermanent(err))
	assert.Equal(t, domain.KindHandlerFailure, domain.KindOf(err))
	assert.Zero(t, sink.writes, "no result is written for a failed job")
}

func TestHandleMalformedPayloadIsPermanent(t *testing.T) {
	t.Parallel()

	h, err := NewHandler(testMediaConfig(1), &mockTranscoder{}, &mockSink{}, newTestLogger())
	require.NoError(t, err)

	testCases := []struct {
		name    string
		payload string
	}{
		{name: "invalid JSON", payload: `{not json`},
		{name: "missing asset_id", payload: `{"source_path":"/tmp/a.mov"}`},
		{name: "missing source_path", payload: `{"asset_id":"asset-1"}`},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := h.Handle(context.Background(), newTestJob(t, tc.payload))
			require.Error(t, err)
			assert.True(t, domain.IsPermanent(err),
				"a malformed payload can never succeed on retry")
			assert.Equal(t, domain.KindValidation, domain.KindOf(err))
		})
	}
}

func TestHandleSinkFailureIsRetryableTransient(t *testing.T) {
	t.Parallel()

	sink := &mockSink{err: errors.New("connection reset")}
	h, err := NewHandler(testMediaConfig(1), &mockTranscoder{}, sink, newTestLogger())
	require.NoError(t, err)

	j := newTestJob(t, `{"asset_id":"asset-1","source_path":"/tmp/uploads/asset-1.mov"}`)
	err = h.Handle(context.Background(), j)
	require.Error(t, err)
	assert.False(t, domain.IsPermanent(err))
	assert.Equal(t, domain.KindTransientInfra, domain.KindOf(err))
}

func TestHandleCancelledContext(t *testing.T) {
	t.Parallel()

	h, err := NewHandler(testMediaConfig(1), &mockTranscoder{}, &mockSink{}, newTestLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	j := newTestJob(t, `{"asset_id":"asset-1","source_path":"/tmp/uploads/asset-1.mov"}`)
	err = h.Handle(ctx, j)
	require.Error(t, err)
	assert.False(t, domain.IsPermanent(err), "cancellation must remain retryable")
}
