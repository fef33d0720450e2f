package capture

import "context"

// Thumbnailer scales a captured image down to width pixels, keeping the aspect ratio.
type Thumbnailer interface {
	Thumbnail(ctx context.Context, image []byte, width int) ([]byte, error)
}

// maxThumbnailHeight crops very tall full-page captures to a preview of the top.
const maxThumbnailHeight = 2000
