package logger

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/quill-jobs/internal/config"
)

func TestSetup(t *testing.T) {
	testCases := []struct {
		name      string
		logLevel  string
		logFormat string
		wantErr   bool
	}{
		{name: "json format", logLevel: "info", logFormat: "json"},
		{name: "text format", logLevel: "debug", logFormat: "text"},
		{name: "empty format defaults to json", logLevel: "warn", logFormat: ""},
		{name: "levels are case-insensitive", logLevel: "ERROR", logFormat: "json"},
		{name: "invalid level", logLevel: "loud", logFormat: "json", wantErr: true},
		{name: "invalid format", logLevel: "info", logFormat: "xml", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			log, err := Setup(config.ServerConfig{
				Port:      8080,
				LogLevel:  tc.logLevel,
				LogFormat: tc.logFormat,
			})
			if tc.wantErr {
				require.Error(t, err)
				assert.Nil(t, log)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, log)
		})
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	level, err := parseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	level, err = parseLevel("Warn")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)

	_, err = parseLevel("")
	assert.Error(t, err)
}

func TestContextCarriesLogger(t *testing.T) {
	t.Parallel()

	scoped := slog.New(slog.NewTextHandler(io.Discard, nil)).With("worker_id", "w-1")
	ctx := WithContext(context.Background(), scoped)

	assert.Same(t, scoped, FromContext(ctx))

	// Without a stored logger the process default is used.
	assert.NotNil(t, FromContext(context.Background()))
}
