package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"math"

	"golang.org/x/image/draw"
)

type StdThumbnailer struct{}

func (StdThumbnailer) Thumbnail(ctx context.Context, input []byte, width int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if width <= 0 {
		return nil, errors.New("thumbnail width must be positive")
	}

	src, _, err := image.Decode(bytes.NewReader(input))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	bounds := src.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, errors.New("screenshot has invalid dimensions")
	}

	w, h := thumbnailSize(bounds.Dx(), bounds.Dy(), width)
	scale := float64(w) / float64(bounds.Dx())
	srcRect := image.Rect(bounds.Min.X, bounds.Min.Y, bounds.Max.X, bounds.Min.Y+int(math.Round(float64(h)/scale)))
	srcRect = srcRect.Intersect(bounds)

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, srcRect, draw.Src, nil)

	var buf bytes.Buffer
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

// thumbnailSize returns the output dimensions for a srcW x srcH image scaled
// to width, never upscaling and capping the height.
func thumbnailSize(srcW, srcH, width int) (int, int) {
	if width > srcW {
		width = srcW
	}
	height := int(math.Round(float64(srcH) * float64(width) / float64(srcW)))
	if height < 1 {
		height = 1
	}
	if height > maxThumbnailHeight {
		height = maxThumbnailHeight
	}
	return width, height
}
