package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Sink persists a matched frame image and returns where it went.
type Sink interface {
	Save(ctx context.Context, dir, name string, data []byte) (string, error)
}

// DirSink writes images below a root directory.
type DirSink struct {
	Root string
}

// NewDirSink creates a sink rooted at root.
func NewDirSink(root string) *DirSink {
	return &DirSink{Root: root}
}

// Save writes <root>/<dir>/<name>.
func (s *DirSink) Save(_ context.Context, dir, name string, data []byte) (string, error) {
	target := filepath.Join(s.Root, dir)
	if err := os.MkdirAll(target, 0755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	p := filepath.Join(target, name)
	if err := os.WriteFile(p, data, 0644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}
	return p, nil
}

// ObjectAPI is the subset of the minio client the sink uses.
type ObjectAPI interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts miniogo.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts miniogo.PutObjectOptions) (miniogo.UploadInfo, error)
}

// MinioConfig holds object storage settings.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

// MinioSink uploads images to an object storage bucket.
type MinioSink struct {
	client ObjectAPI
	bucket string
}

// NewMinioSink creates a minio client for cfg.
func NewMinioSink(cfg MinioConfig) (*MinioSink, error) {
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return NewMinioSinkWithClient(client, cfg.Bucket), nil
}

// NewMinioSinkWithClient builds a sink on an existing client.
func NewMinioSinkWithClient(client ObjectAPI, bucket string) *MinioSink {
	return &MinioSink{client: client, bucket: bucket}
}

// EnsureBucket creates the bucket if it is missing.
func (s *MinioSink) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, miniogo.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// Save uploads the image as <dir>/<name>.
func (s *MinioSink) Save(ctx context.Context, dir, name string, data []byte) (string, error) {
	key := path.Join(dir, name)
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), miniogo.PutObjectOptions{
		ContentType: "image/jpeg",
	})
	if err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
