package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/phrazzld/quill-jobs/internal/config"
	"github.com/phrazzld/quill-jobs/internal/domain"
)

// JobType is the handler discriminator for media processing jobs.
const JobType = "process_asset"

// resultTable is the result-sink table completed asset results are
// written to.
const resultTable = "asset_renditions"

// Common errors
var (
	ErrNilTranscoder = errors.New("transcoder cannot be nil")
	ErrNilResultSink = errors.New("result sink cannot be nil")
	ErrNilLogger     = errors.New("logger cannot be nil")
	ErrNoRenditions  = errors.New("no renditions configured")
)

// ResultSink is the external data-store interface the handler writes
// completed results through. A completion event for the cache
// invalidation collaborator is emitted elsewhere, off the job's status
// transition.
type ResultSink interface {
	Write(ctx context.Context, table, key string, fields map[string]any) error
}

// Payload is the tagged payload for process_asset jobs, validated at the
// handler boundary before any side effect.
type Payload struct {
	// AssetID identifies the uploaded source asset.
	AssetID string `json:"asset_id"`

	// SourcePath is the local path of the uploaded source file.
	SourcePath string `json:"source_path"`
}

// Validate checks the payload before any work starts. Failures here are
// permanent: retrying a malformed payload can never succeed.
func (p *Payload) Validate() error {
	if p.AssetID == "" {
		return fmt.Errorf("%w: asset_id is required", domain.ErrInvalidPayload)
	}
	if p.SourcePath == "" {
		return fmt.Errorf("%w: source_path is required", domain.ErrInvalidPayload)
	}
	return nil
}

// Result is the payload written through the result sink on success.
// MissingRenditions lets downstream consumers degrade gracefully instead
// of blocking on full success.
type Result struct {
	AssetID           string   `json:"asset_id"`
	Renditions        []string `json:"renditions"`
	MissingRenditions []string `json:"missing_renditions,omitempty"`
}

// Handler processes one uploaded asset into its configured renditions.
type Handler struct {
	cfg        config.MediaConfig
	transcoder Transcoder
	sink       ResultSink
	logger     *slog.Logger
}

// NewHandler creates a media handler.
func NewHandler(
	cfg config.MediaConfig,
	transcoder Transcoder,
	sink ResultSink,
	logger *slog.Logger,
) (*Handler, error) {
	if transcoder == nil {
		return nil, ErrNilTranscoder
	}
	if sink == nil {
		return nil, ErrNilResultSink
	}
	if logger == nil {
		return nil, ErrNilLogger
	}
	if len(cfg.Renditions) == 0 {
		return nil, ErrNoRenditions
	}
	return &Handler{
		cfg:        cfg,
		transcoder: transcoder,
		sink:       sink,
		logger:     logger.With("component", "media_handler"),
	}, nil
}

// Handle runs one process_asset job: one bounded subprocess per
// rendition, then the minimum-viable-rendition policy decides between
// success with a degraded result and a retryable failure.
//
// Handle is idempotent: renditions are written to deterministic paths
// and the result-sink write is keyed by asset ID, so reprocessing after
// a lease reclaim overwrites rather than duplicates.
func (h *Handler) Handle(ctx context.Context, j *domain.Job) error {
	var payload Payload
	if err := json.Unmarshal(j.Payload, &payload); err != nil {
		return domain.NewPermanentError(domain.KindValidation,
			fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err))
	}
	if err := payload.Validate(); err != nil {
		return domain.NewPermanentError(domain.KindValidation, err)
	}

	log := h.logger.With("asset_id", payload.AssetID, "job_id", j.ID)
	log.Info("processing asset", "renditions", len(h.cfg.Renditions))

	// The transcoder writes to the final path directly and does not
	// create directories; the per-asset directory must exist first.
	if err := os.MkdirAll(filepath.Join(h.cfg.OutputDir, payload.AssetID), 0o755); err != nil {
		return domain.NewRetryableError(domain.KindTransientInfra,
			fmt.Errorf("failed to create output directory: %w", err))
	}

	var produced, missing []string
	for _, spec := range h.cfg.Renditions {
		if err := ctx.Err(); err != nil {
			return domain.NewRetryableError(domain.KindHandlerTimeout,
				fmt.Errorf("cancelled before rendition %q: %w", spec.Name, err))
		}

		dst := h.renditionPath(payload.AssetID, spec.Name)
		renditionCtx, cancel := context.WithTimeout(ctx, h.cfg.RenditionTimeout)
		err := h.transcoder.Transcode(renditionCtx, payload.SourcePath, dst, spec)
		cancel()

		if err != nil {
			log.Warn("rendition failed", "rendition", spec.Name, "error", err)
			missing = append(missing, spec.Name)
			continue
		}
		produced = append(produced, spec.Name)
	}

	// Partial failure policy: below the minimum-viable count the whole
	// job retries; at or above it, succeed with the gaps recorded so
	// consumers can degrade instead of blocking on full success.
	if len(produced) < h.cfg.MinViableRenditions {
		return domain.NewRetryableError(domain.KindHandlerFailure,
			fmt.Errorf("only %d of %d renditions succeeded (minimum viable: %d)",
				len(produced), len(h.cfg.Renditions), h.cfg.MinViableRenditions))
	}

	result := Result{
		AssetID:           payload.AssetID,
		Renditions:        produced,
		MissingRenditions: missing,
	}
	fields := map[string]any{
		"renditions": result.Renditions,
	}
	if len(result.MissingRenditions) > 0 {
		fields["missing_renditions"] = result.MissingRenditions
	}
	if err := h.sink.Write(ctx, resultTable, payload.AssetID, fields); err != nil {
		// The renditions exist on disk; only the result write failed.
		// Retry the job and let idempotent reprocessing repair it.
		return domain.NewRetryableError(domain.KindTransientInfra,
			fmt.Errorf("failed to write result: %w", err))
	}

	log.Info("asset processed",
		"produced", len(produced),
		"missing", len(missing))
	return nil
}

// renditionPath returns the deterministic output path for a rendition.
func (h *Handler) renditionPath(assetID, rendition string) string {
	return filepath.Join(h.cfg.OutputDir, assetID, rendition+".mp4")
}
