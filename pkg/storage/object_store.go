package storage

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStore uploads objects.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
}

// MinioConfig configures the archive bucket.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Prefix    string
}

// MinioStore implements ObjectStore for MinIO/S3 compatible storage.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects to MinIO and ensures the bucket exists.
func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

// Put uploads an object.
func (m *MinioStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// ArchiveRelocator uploads finished files to object storage and removes the
// local copy once the upload succeeded.
type ArchiveRelocator struct {
	Store  ObjectStore
	Prefix string
	Bucket string
}

// Relocate uploads src under Prefix/<placement> and deletes it locally.
func (a *ArchiveRelocator) Relocate(ctx context.Context, src string, p Placement) (string, error) {
	f, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open source: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat source: %w", err)
	}
	key := p.RelPath()
	if prefix := strings.Trim(strings.TrimSpace(a.Prefix), "/"); prefix != "" {
		key = path.Join(prefix, key)
	}
	contentType := contentTypeFor(key)
	if err := a.Store.Put(ctx, key, f, info.Size(), contentType); err != nil {
		return "", err
	}
	_ = f.Close()
	dest := key
	if a.Bucket != "" {
		dest = "s3://" + a.Bucket + "/" + key
	}
	if err := os.Remove(src); err != nil {
		return dest, fmt.Errorf("remove source after upload: %w", err)
	}
	return dest, nil
}

var bookContentTypes = map[string]string{
	".epub": "application/epub+zip",
	".pdf":  "application/pdf",
}

func contentTypeFor(key string) string {
	ext := strings.ToLower(path.Ext(key))
	if ct, ok := bookContentTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
