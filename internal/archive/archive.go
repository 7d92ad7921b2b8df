// Package archive copies captured frames to S3-compatible object storage so
// a night's data survives local disk failures at the site. Uploads are best
// effort: a failed upload never fails the task, the frames stay on disk and
// the next maintenance pass can retry them.
package archive

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config holds object storage connection settings.
type Config struct {
	Enabled         bool   `json:"enabled" mapstructure:"enabled"`
	Endpoint        string `json:"endpoint" mapstructure:"endpoint"`
	AccessKeyID     string `json:"access_key_id" mapstructure:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key" mapstructure:"secret_access_key"`
	UseSSL          bool   `json:"use_ssl" mapstructure:"use_ssl"`
	Bucket          string `json:"bucket" mapstructure:"bucket"`
	BasePath        string `json:"base_path" mapstructure:"base_path"` // key prefix, e.g. "scope-3"
}

// Uploader pushes frame files into a bucket, keyed by capture date.
type Uploader struct {
	client   *minio.Client
	bucket   string
	basePath string
}

// New connects to the object store and makes sure the bucket exists.
func New(ctx context.Context, cfg Config) (*Uploader, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("empty object storage endpoint")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("empty object storage bucket")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}

	if err := ensureBucket(ctx, client, cfg.Bucket); err != nil {
		return nil, err
	}

	basePath := strings.Trim(cfg.BasePath, "/")
	if basePath != "" {
		basePath += "/"
	}

	return &Uploader{
		client:   client,
		bucket:   cfg.Bucket,
		basePath: basePath,
	}, nil
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket exists: %w", err)
	}
	if exists {
		return nil
	}

	if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

// UploadFrame copies one frame file into the bucket and returns its object
// key. Keys group frames by UTC capture date below the configured prefix.
func (u *Uploader) UploadFrame(ctx context.Context, framePath string) (string, error) {
	key, err := objectKey(u.basePath, framePath, time.Now().UTC())
	if err != nil {
		return "", err
	}

	opts := minio.PutObjectOptions{ContentType: "application/fits"}
	if _, err := u.client.FPutObject(ctx, u.bucket, key, framePath, opts); err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return key, nil
}

// UploadFrames uploads every frame, continuing past individual failures, and
// returns the keys that made it together with the joined failures.
func (u *Uploader) UploadFrames(ctx context.Context, frames []string) ([]string, error) {
	var (
		keys []string
		errs []error
	)
	for _, f := range frames {
		key, err := u.UploadFrame(ctx, f)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f, err))
			continue
		}
		keys = append(keys, key)
	}
	return keys, errors.Join(errs...)
}

// CleanupOlderThan removes archived objects older than maxAge below the
// configured prefix.
func (u *Uploader) CleanupOlderThan(ctx context.Context, maxAge time.Duration) error {
	cutoff := time.Now().Add(-maxAge)

	opts := minio.ListObjectsOptions{
		Prefix:    u.basePath,
		Recursive: true,
	}

	for objectInfo := range u.client.ListObjects(ctx, u.bucket, opts) {
		if objectInfo.Err != nil {
			continue
		}

		if !objectInfo.LastModified.Before(cutoff) {
			continue
		}

		err := u.client.RemoveObject(ctx, u.bucket, objectInfo.Key, minio.RemoveObjectOptions{})
		if err != nil {
			return fmt.Errorf("remove old object %s: %w", objectInfo.Key, err)
		}
	}

	return nil
}

// objectKey maps a local frame path to its bucket key. Only the file name is
// kept; traversal fragments are rejected.
func objectKey(basePath, framePath string, when time.Time) (string, error) {
	name := filepath.Base(framePath)
	if strings.TrimSpace(name) == "" || name == "." || name == string(filepath.Separator) {
		return "", fmt.Errorf("empty frame path")
	}
	clean := path.Clean(name)
	if strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid frame name: %s", framePath)
	}
	return basePath + when.Format("2006-01-02") + "/" + clean, nil
}
