package capture

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

type objectWriter interface {
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
	ObjectURL(objectKey string) string
}

// ObjectStoreEmitter uploads to object storage under Prefix/<job id>/<name>.
type ObjectStoreEmitter struct {
	Storage objectWriter
	Prefix  string
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, jobID, name string, data []byte, contentType string) (string, error) {
	if e.Storage == nil {
		return "", errors.New("storage client is required")
	}
	if len(data) == 0 {
		return "", errors.New("refusing to upload empty image")
	}

	objectKey := path.Join(defaultPrefix(e.Prefix), sanitizePathToken(jobID), sanitizeFileName(name))
	if err := e.Storage.WriteObject(ctx, objectKey, data, contentType); err != nil {
		return "", err
	}
	return e.Storage.ObjectURL(objectKey), nil
}

// LocalFileEmitter writes images to disk for development without object storage.
type LocalFileEmitter struct {
	OutputDir string
}

func (e LocalFileEmitter) Emit(ctx context.Context, jobID, name string, data []byte, _ string) (string, error) {
	if strings.TrimSpace(e.OutputDir) == "" {
		return "", errors.New("output directory is required")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	jobDir := filepath.Join(e.OutputDir, sanitizePathToken(jobID))
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	fullPath := filepath.Join(jobDir, sanitizeFileName(name))
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return "", fmt.Errorf("write output file: %w", err)
	}

	abs, err := filepath.Abs(fullPath)
	if err != nil {
		return "", fmt.Errorf("resolve output path: %w", err)
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
}

func defaultPrefix(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return "screenshots"
	}
	return prefix
}

func sanitizeFileName(name string) string {
	ext := path.Ext(name)
	return sanitizePathToken(strings.TrimSuffix(name, ext)) + strings.ToLower(ext)
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
