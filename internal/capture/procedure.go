package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dunamismax/swipeflow/internal/domain"
)

type Request struct {
	JobID     string
	TargetURL string
}

// Frame is one captured view before upload.
type Frame struct {
	View   View
	Image  []byte
	Format string
}

// Browser renders targetURL and returns one frame per planned view, in plan order.
type Browser interface {
	CaptureViews(ctx context.Context, targetURL string) ([]Frame, error)
}

// Emitter stores an image for a job and returns its retrieval URL.
// Writing the same job and name twice must replace the earlier object.
type Emitter interface {
	Emit(ctx context.Context, jobID, name string, data []byte, contentType string) (string, error)
}

type Procedure struct {
	browser        Browser
	emitter        Emitter
	thumbnailer    Thumbnailer
	thumbnailWidth int
	logger         *slog.Logger
}

type Option func(*Procedure)

func WithThumbnails(t Thumbnailer, width int) Option {
	return func(p *Procedure) {
		p.thumbnailer = t
		p.thumbnailWidth = width
	}
}

func NewProcedure(browser Browser, emitter Emitter, logger *slog.Logger, opts ...Option) (*Procedure, error) {
	if browser == nil {
		return nil, errors.New("browser is required")
	}
	if emitter == nil {
		return nil, errors.New("emitter is required")
	}
	p := &Procedure{
		browser: browser,
		emitter: emitter,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Capture renders the target, uploads every frame and returns descriptors
// ordered by capture order starting at index 0.
func (p *Procedure) Capture(ctx context.Context, req Request) ([]domain.Screenshot, error) {
	if strings.TrimSpace(req.JobID) == "" {
		return nil, domain.NewPermanentCaptureError("job id is required", nil)
	}
	if strings.TrimSpace(req.TargetURL) == "" {
		return nil, domain.NewPermanentCaptureError("target url is required", nil)
	}

	frames, err := p.browser.CaptureViews(ctx, req.TargetURL)
	if err != nil {
		var captureErr *domain.CaptureError
		if errors.As(err, &captureErr) {
			return nil, err
		}
		return nil, domain.NewRetryableCaptureError("render page", err)
	}
	if len(frames) == 0 {
		return nil, domain.NewRetryableCaptureError("render page: no views captured", nil)
	}

	shots := make([]domain.Screenshot, 0, len(frames))
	for i, frame := range frames {
		if err := ctx.Err(); err != nil {
			return nil, domain.NewRetryableCaptureError("upload screenshots", err)
		}

		format := normalizeFormat(frame.Format)
		storageURL, err := p.emitter.Emit(ctx, req.JobID, fmt.Sprintf("screen_%d.%s", i+1, format), frame.Image, contentTypeForFormat(format))
		if err != nil {
			return nil, domain.NewRetryableCaptureError(fmt.Sprintf("upload screenshot %d", i+1), err)
		}

		shot := domain.Screenshot{
			OrderIndex: i,
			StorageURL: storageURL,
			AltText:    altText(i, req.TargetURL, frame.View.Label),
		}
		shot.ThumbnailURL = p.emitThumbnail(ctx, req.JobID, i, frame.Image)
		shots = append(shots, shot)
	}
	return shots, nil
}

func (p *Procedure) emitThumbnail(ctx context.Context, jobID string, index int, image []byte) string {
	if p.thumbnailer == nil || p.thumbnailWidth <= 0 {
		return ""
	}

	data, err := p.thumbnailer.Thumbnail(ctx, image, p.thumbnailWidth)
	if err != nil {
		p.logger.Warn("thumbnail failed", "job_id", jobID, "index", index, "err", err)
		return ""
	}
	thumbURL, err := p.emitter.Emit(ctx, jobID, fmt.Sprintf("thumb_%d.png", index+1), data, contentTypeForFormat("png"))
	if err != nil {
		p.logger.Warn("thumbnail upload failed", "job_id", jobID, "index", index, "err", err)
		return ""
	}
	return thumbURL
}

func altText(index int, targetURL, label string) string {
	if label == "" {
		return fmt.Sprintf("Screenshot %d for %s", index+1, targetURL)
	}
	return fmt.Sprintf("Screenshot %d for %s (%s)", index+1, targetURL, label)
}

func normalizeFormat(format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "jpg", "jpeg":
		return "jpeg"
	default:
		return "png"
	}
}

func contentTypeForFormat(format string) string {
	if normalizeFormat(format) == "jpeg" {
		return "image/jpeg"
	}
	return "image/png"
}
