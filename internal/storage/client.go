package storage

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint string
	Access   string
	Secret   string
	Bucket   string
	UseSSL   bool
	// PublicBaseURL, when set, is used as the prefix of returned object URLs
	// (a CDN or public bucket domain). Otherwise the minio endpoint is used.
	PublicBaseURL string
}

type Client struct {
	minio   *minio.Client
	bucket  string
	baseURL *url.URL
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Access, cfg.Secret, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	base, err := objectBaseURL(cfg.PublicBaseURL, mc.EndpointURL(), cfg.Bucket)
	if err != nil {
		return nil, err
	}

	return &Client{
		minio:   mc,
		bucket:  cfg.Bucket,
		baseURL: base,
	}, nil
}

func (c *Client) Bucket() string {
	return c.bucket
}

func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.minio.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket existence: %w", err)
	}
	if exists {
		return nil
	}

	if err := c.minio.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
		exists, checkErr := c.minio.BucketExists(ctx, c.bucket)
		if checkErr == nil && exists {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", c.bucket, err)
	}
	return nil
}

// WriteObject uploads data under objectKey, replacing any previous object with the same key.
func (c *Client) WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error {
	_, err := c.minio.PutObject(
		ctx,
		c.bucket,
		objectKey,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{
			ContentType:  contentType,
			CacheControl: "public, max-age=31536000, immutable",
		},
	)
	if err != nil {
		return fmt.Errorf("put object %s: %w", objectKey, err)
	}
	return nil
}

// ObjectURL is the stable retrieval URL for objectKey.
func (c *Client) ObjectURL(objectKey string) string {
	return c.baseURL.JoinPath(strings.Split(objectKey, "/")...).String()
}

func (c *Client) PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	u, err := c.minio.PresignedGetObject(ctx, c.bucket, objectKey, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign get object: %w", err)
	}
	return u.String(), nil
}

// RemovePrefix deletes every object under prefix.
func (c *Client) RemovePrefix(ctx context.Context, prefix string) error {
	objects := c.minio.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})
	for removeErr := range c.minio.RemoveObjects(ctx, c.bucket, objects, minio.RemoveObjectsOptions{}) {
		if removeErr.Err != nil {
			return fmt.Errorf("remove object %s: %w", removeErr.ObjectName, removeErr.Err)
		}
	}
	return nil
}

func objectBaseURL(publicBase string, endpoint *url.URL, bucket string) (*url.URL, error) {
	publicBase = strings.TrimSpace(publicBase)
	if publicBase != "" {
		u, err := url.Parse(strings.TrimRight(publicBase, "/"))
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid public base url %q", publicBase)
		}
		return u, nil
	}
	if endpoint == nil {
		return nil, fmt.Errorf("storage endpoint is required")
	}
	return endpoint.JoinPath(bucket), nil
}
