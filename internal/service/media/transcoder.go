package media

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/phrazzld/quill-jobs/internal/config"
	"github.com/phrazzld/quill-jobs/internal/platform/logger"
)

// Transcoder produces one rendition of a source asset.
type Transcoder interface {
	// Transcode converts src into dst according to spec. The context
	// bounds the subprocess lifetime.
	Transcode(ctx context.Context, src, dst string, spec config.RenditionSpec) error
}

// ExecTranscoder runs the configured external transcoding binary as a
// subprocess per rendition.
type ExecTranscoder struct {
	binary string
}

// NewExecTranscoder creates a transcoder invoking the given binary
// (typically ffmpeg).
func NewExecTranscoder(binary string) *ExecTranscoder {
	return &ExecTranscoder{binary: binary}
}

// Transcode invokes the tool with explicit input and output paths. The
// tool's exit status is never trusted on its own: the output file must
// exist and be non-empty.
func (t *ExecTranscoder) Transcode(
	ctx context.Context,
	src, dst string,
	spec config.RenditionSpec,
) error {
	log := logger.FromContext(ctx)

	args := make([]string, 0, len(spec.Args)+4)
	args = append(args, "-i", src)
	args = append(args, spec.Args...)
	args = append(args, "-y", dst)

	cmd := exec.CommandContext(ctx, t.binary, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("transcoder timed out producing rendition %q: %w", spec.Name, ctx.Err())
		}
		log.Warn("transcoder failed",
			"rendition", spec.Name,
			"error", err,
			"output", truncate(string(output), 512))
		return fmt.Errorf("transcoder failed for rendition %q: %w", spec.Name, err)
	}

	info, err := os.Stat(dst)
	if err != nil {
		return fmt.Errorf("rendition %q output missing: %w", spec.Name, err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("rendition %q output is empty", spec.Name)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
