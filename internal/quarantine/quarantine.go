// Package quarantine copies infected uploads to an S3 compatible bucket
// before the temporary file is deleted.
package quarantine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"formpost/internal/engine"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// Region skips the bucket location lookup when set.
	Region string
}

// Enabled reports whether a quarantine endpoint is configured.
func (c Config) Enabled() bool {
	return c.Endpoint != ""
}

// Sink stores infected files as objects named <date>/<temp file name>.
type Sink struct {
	client *minio.Client
	bucket string
}

func New(cfg Config) (*Sink, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("quarantine bucket must not be empty")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}
	return &Sink{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket checks if the bucket exists, and creates it if it does not.
func (s *Sink) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %q: %w", s.bucket, err)
		}
		slog.Info("Created quarantine bucket", "bucket", s.bucket)
	}
	return nil
}

// Key returns the object name used for f.
func Key(f engine.File, now time.Time) string {
	return now.UTC().Format("2006/01/02") + "/" + path.Base(f.Name())
}

// Put uploads f, tagging it with the detected signature.
func (s *Sink) Put(ctx context.Context, f engine.File, signature string) error {
	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Name(), err)
	}
	defer src.Close()

	key := Key(f, time.Now())
	_, err = s.client.PutObject(ctx, s.bucket, key, src, f.Size(), minio.PutObjectOptions{
		ContentType:  "application/octet-stream",
		UserMetadata: map[string]string{"Signature": signature},
	})
	if err != nil {
		return fmt.Errorf("failed to upload object %q to bucket %q: %w", key, s.bucket, err)
	}

	slog.Debug("Uploaded object to bucket", "object", key, "bucket", s.bucket, "size", f.Size())
	return nil
}

// Object is a quarantined file as listed from the bucket.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// List returns the quarantined objects whose keys start with prefix, for
// example "2024/10/" for one month.
func (s *Sink) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object
	for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, fmt.Errorf("failed to list objects in bucket %q: %w", s.bucket, info.Err)
		}
		objects = append(objects, Object{Key: info.Key, Size: info.Size, LastModified: info.LastModified})
	}
	return objects, nil
}
