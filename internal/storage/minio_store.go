// Package storage keeps binary artifacts (table PDFs, uploaded table
// photos, campaign images) in an S3 compatible bucket.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// Region skips the bucket location lookup when set.
	Region string
}

type MinioStore struct {
	client *minio.Client
	bucket string
	log    *zap.Logger
}

func NewMinioStore(opts Options, log *zap.Logger) (*MinioStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	c, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client for %s: %w", opts.Endpoint, err)
	}
	return &MinioStore{client: c, bucket: opts.Bucket, log: log}, nil
}

// EnsureBucket creates the bucket unless it already exists.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("make bucket %s: %w", s.bucket, err)
	}
	s.log.Info("artifact bucket created", zap.String("bucket", s.bucket))
	return nil
}

// Put uploads data under key and returns its URL.
func (s *MinioStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = MimeType(key)
	}
	info, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	s.log.Debug("artifact stored",
		zap.String("key", info.Key),
		zap.Int64("size", info.Size))
	return s.URL(key), nil
}

func (s *MinioStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

func (s *MinioStore) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", key, err)
	}
	return nil
}

func (s *MinioStore) URL(key string) string {
	return fmt.Sprintf("%s/%s/%s", s.client.EndpointURL().String(), s.bucket, key)
}

// TableArtifactKey is where the printable PDF of a pooled table lives.
func TableArtifactKey(fileName string) string {
	return path.Join("tablas", fileName)
}

// TablePhotoKey is where a manually registered table photo is kept.
func TablePhotoKey(code, originalName string) string {
	return path.Join("tablas", "manuales", "BINGO_AMIGO_TABLA_"+code+extension(originalName, ".jpg"))
}

// CampaignImageKey gives every uploaded campaign image a unique key.
func CampaignImageKey(originalName string) string {
	return path.Join("campaigns", uuid.NewString()+extension(originalName, ".jpg"))
}

// MimeType derives the content type from the file extension.
func MimeType(name string) string {
	switch extension(name, "") {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".pdf":
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}

func extension(name, fallback string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return fallback
	}
	return ext
}
