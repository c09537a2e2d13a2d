// Package storage keeps datasets, chart images and rendered reports in an
// S3-compatible bucket.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"analysis-workers/internal/common/config"
	"analysis-workers/internal/common/errors"
	"analysis-workers/internal/common/logger"
)

// ObjectStore is what workers and the webhook depend on.
type ObjectStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	Download(ctx context.Context, key string) ([]byte, error)
	PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

type Client struct {
	mc     *minio.Client
	bucket string
	log    logger.Logger
}

func NewClient(cfg config.StorageConfig, log logger.Logger) (*Client, error) {
	m := cfg.Minio
	if m.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if m.AccessKey == "" || m.SecretKey == "" {
		return nil, errors.NewMissingCredentialsError("storage.minio.access_key / secret_key")
	}

	mc, err := minio.New(m.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(m.AccessKey, m.SecretKey, ""),
		Secure: m.UseSSL,
		Region: m.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &Client{mc: mc, bucket: m.Bucket, log: log}, nil
}

func (c *Client) Bucket() string {
	return c.bucket
}

func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return errors.NewStorageError("bucket check", err)
	}
	if !exists {
		if err := c.mc.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
			return errors.NewStorageError("bucket create", err)
		}
		c.log.Info("created bucket", map[string]interface{}{"bucket": c.bucket})
	}
	return nil
}

func (c *Client) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := c.mc.PutObject(ctx, c.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return errors.NewStorageError("upload "+key, err)
	}
	return nil
}

// Download reads a whole object. A missing key is DATASET_NOT_FOUND.
func (c *Client) Download(ctx context.Context, key string) ([]byte, error) {
	obj, err := c.mc.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.NewStorageError("download "+key, err)
	}
	defer obj.Close()

	// GetObject is lazy; Stat surfaces a missing key.
	if _, err := obj.Stat(); err != nil {
		if IsNotFound(err) {
			return nil, errors.NewDatasetNotFoundError(key)
		}
		return nil, errors.NewStorageError("stat "+key, err)
	}

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, errors.NewStorageError("read "+key, err)
	}
	return data, nil
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.mc.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, errors.NewStorageError("stat "+key, err)
	}
	return true, nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.mc.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return errors.NewStorageError("delete "+key, err)
	}
	return nil
}

// PresignedURL returns a time-limited GET link, used for WhatsApp documents.
func (c *Client) PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := c.mc.PresignedGetObject(ctx, c.bucket, key, expiry, url.Values{})
	if err != nil {
		return "", errors.NewStorageError("presign "+key, err)
	}
	return u.String(), nil
}

func IsNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NoSuchObject"
}
