//go:build govips && cgo

package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
)

var (
	vipsStartup sync.Once
	vipsMu      sync.Mutex
	vipsStarted bool
)

// Startup initialises libvips once per process.
func Startup() error {
	vipsStartup.Do(func() {
		vips.LoggingSettings(nil, vips.LogLevelWarning)
		vips.Startup(&vips.Config{
			MaxCacheFiles: 0,
			MaxCacheMem:   64 * 1024 * 1024,
			MaxCacheSize:  50,
		})
		vipsMu.Lock()
		vipsStarted = true
		vipsMu.Unlock()
	})
	return nil
}

func Shutdown() {
	vipsMu.Lock()
	defer vipsMu.Unlock()
	if !vipsStarted {
		return
	}
	vips.Shutdown()
	vipsStarted = false
}

func NewThumbnailer() Thumbnailer {
	return vipsThumbnailer{}
}

type vipsThumbnailer struct{}

func (vipsThumbnailer) Thumbnail(ctx context.Context, input []byte, width int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if width <= 0 {
		return nil, errors.New("thumbnail width must be positive")
	}

	img, err := vips.NewImageFromBuffer(input)
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	defer img.Close()

	w, h := thumbnailSize(img.Width(), img.Height(), width)
	if err := img.Thumbnail(w, h, vips.InterestingNone); err != nil {
		return nil, fmt.Errorf("resize screenshot: %w", err)
	}

	data, _, err := img.ExportPng(vips.NewPngExportParams())
	if err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return data, nil
}
