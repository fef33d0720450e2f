package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/dunamismax/swipeflow/internal/domain"
	"github.com/dunamismax/swipeflow/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBrowser struct {
	frames []Frame
	err    error
}

func (b fakeBrowser) CaptureViews(context.Context, string) ([]Frame, error) {
	return b.frames, b.err
}

type memoryWriter struct {
	mu      sync.Mutex
	objects map[string][]byte
	failKey string
}

func (w *memoryWriter) WriteObject(_ context.Context, key string, data []byte, _ string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failKey != "" && strings.HasSuffix(key, w.failKey) {
		return errors.New("connection reset by peer")
	}
	if w.objects == nil {
		w.objects = make(map[string][]byte)
	}
	w.objects[key] = data
	return nil
}

func (w *memoryWriter) ObjectURL(key string) string {
	return "http://minio.local/bucket/" + key
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func framesFor(t *testing.T, labels ...string) []Frame {
	frames := make([]Frame, len(labels))
	for i, label := range labels {
		frames[i] = Frame{View: View{Label: label}, Image: testPNG(t, 64, 40), Format: "png"}
	}
	return frames
}

func TestProcedureCaptureUploadsInOrder(t *testing.T) {
	writer := &memoryWriter{}
	p, err := NewProcedure(
		fakeBrowser{frames: framesFor(t, "above the fold", "section 2", "full page")},
		ObjectStoreEmitter{Storage: writer},
		logger.Discard(),
	)
	require.NoError(t, err)

	shots, err := p.Capture(context.Background(), Request{JobID: "job-1", TargetURL: "https://example.com"})
	require.NoError(t, err)
	require.Len(t, shots, 3)

	for i, shot := range shots {
		assert.Equal(t, i, shot.OrderIndex)
		assert.Equal(t, fmt.Sprintf("http://minio.local/bucket/screenshots/job-1/screen_%d.png", i+1), shot.StorageURL)
		assert.Empty(t, shot.ThumbnailURL)
	}
	assert.Equal(t, "Screenshot 1 for https://example.com (above the fold)", shots[0].AltText)
	assert.Len(t, writer.objects, 3)
}

func TestProcedureCaptureIsRepeatable(t *testing.T) {
	writer := &memoryWriter{}
	p, err := NewProcedure(fakeBrowser{frames: framesFor(t, "a", "b", "c")}, ObjectStoreEmitter{Storage: writer}, logger.Discard())
	require.NoError(t, err)

	req := Request{JobID: "job-1", TargetURL: "https://example.com"}
	first, err := p.Capture(context.Background(), req)
	require.NoError(t, err)
	second, err := p.Capture(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, writer.objects, 3, "retries overwrite the same keys")
}

func TestProcedureCaptureWithThumbnails(t *testing.T) {
	writer := &memoryWriter{}
	p, err := NewProcedure(
		fakeBrowser{frames: framesFor(t, "a", "b", "c")},
		ObjectStoreEmitter{Storage: writer, Prefix: "shots"},
		logger.Discard(),
		WithThumbnails(StdThumbnailer{}, 32),
	)
	require.NoError(t, err)

	shots, err := p.Capture(context.Background(), Request{JobID: "job-2", TargetURL: "https://example.com"})
	require.NoError(t, err)
	assert.Equal(t, "http://minio.local/bucket/shots/job-2/thumb_1.png", shots[0].ThumbnailURL)
	assert.Len(t, writer.objects, 6)
}

func TestProcedureCaptureErrors(t *testing.T) {
	ctx := context.Background()
	req := Request{JobID: "job-1", TargetURL: "https://example.com"}

	t.Run("permanent browser error passes through", func(t *testing.T) {
		p, _ := NewProcedure(fakeBrowser{err: domain.NewPermanentCaptureError("navigate failed", errors.New("net::ERR_NAME_NOT_RESOLVED"))}, ObjectStoreEmitter{Storage: &memoryWriter{}}, logger.Discard())
		_, err := p.Capture(ctx, req)
		require.Error(t, err)
		assert.False(t, domain.IsRetryable(err))
	})

	t.Run("plain browser error is retryable", func(t *testing.T) {
		p, _ := NewProcedure(fakeBrowser{err: errors.New("websocket closed")}, ObjectStoreEmitter{Storage: &memoryWriter{}}, logger.Discard())
		_, err := p.Capture(ctx, req)
		var captureErr *domain.CaptureError
		require.ErrorAs(t, err, &captureErr)
		assert.True(t, captureErr.Retryable)
	})

	t.Run("no frames", func(t *testing.T) {
		p, _ := NewProcedure(fakeBrowser{}, ObjectStoreEmitter{Storage: &memoryWriter{}}, logger.Discard())
		_, err := p.Capture(ctx, req)
		assert.True(t, domain.IsRetryable(err))
	})

	t.Run("upload failure is retryable", func(t *testing.T) {
		writer := &memoryWriter{failKey: "screen_2.png"}
		p, _ := NewProcedure(fakeBrowser{frames: framesFor(t, "a", "b", "c")}, ObjectStoreEmitter{Storage: writer}, logger.Discard())
		_, err := p.Capture(ctx, req)
		require.Error(t, err)
		assert.True(t, domain.IsRetryable(err))
		assert.Contains(t, err.Error(), "upload screenshot 2")
	})

	t.Run("missing target", func(t *testing.T) {
		p, _ := NewProcedure(fakeBrowser{}, ObjectStoreEmitter{Storage: &memoryWriter{}}, logger.Discard())
		_, err := p.Capture(ctx, Request{JobID: "job-1"})
		assert.False(t, domain.IsRetryable(err))
	})
}

func TestNewProcedureRequiresCollaborators(t *testing.T) {
	_, err := NewProcedure(nil, LocalFileEmitter{OutputDir: t.TempDir()}, logger.Discard())
	assert.Error(t, err)
	_, err = NewProcedure(fakeBrowser{}, nil, logger.Discard())
	assert.Error(t, err)
}

func TestLocalFileEmitter(t *testing.T) {
	dir := t.TempDir()
	u, err := LocalFileEmitter{OutputDir: dir}.Emit(context.Background(), "job/../1", "screen_1.png", []byte("png"), "image/png")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(u, "file://"))
	data, err := os.ReadFile(filepath.Join(dir, "job____1", "screen_1.png"))
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), data)
}

func TestObjectStoreEmitterRejectsEmptyImage(t *testing.T) {
	_, err := ObjectStoreEmitter{Storage: &memoryWriter{}}.Emit(context.Background(), "job-1", "screen_1.png", nil, "image/png")
	assert.Error(t, err)
}

func TestStdThumbnailer(t *testing.T) {
	out, err := StdThumbnailer{}.Thumbnail(context.Background(), testPNG(t, 200, 100), 50)
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 50, img.Bounds().Dx())
	assert.Equal(t, 25, img.Bounds().Dy())

	_, err = StdThumbnailer{}.Thumbnail(context.Background(), []byte("not an image"), 50)
	assert.Error(t, err)
}

func TestThumbnailSize(t *testing.T) {
	w, h := thumbnailSize(1440, 900, 320)
	assert.Equal(t, 320, w)
	assert.Equal(t, 200, h)

	w, h = thumbnailSize(100, 50, 320)
	assert.Equal(t, 100, w, "never upscales")
	assert.Equal(t, 50, h)

	_, h = thumbnailSize(1440, 40000, 320)
	assert.Equal(t, maxThumbnailHeight, h)
}
