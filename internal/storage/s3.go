// Package storage uploads processed media to an S3-compatible bucket
// (Cloudflare R2, MinIO, or AWS proper).
package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"reelcast/internal/config"
	"reelcast/internal/pipeline"
)

// Store wraps the S3 client with bucket and URL configuration.
type Store struct {
	client        *s3.Client
	bucket        string
	endpoint      string
	publicBaseURL string
}

// New builds an object store client from config.
func New(ctx context.Context, cfg config.Config) (*Store, error) {
	if cfg.StorageBucket == "" {
		return nil, fmt.Errorf("STORAGE_BUCKET is not configured")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.StorageRegion),
	}
	if cfg.StorageAccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.StorageAccessKeyID, cfg.StorageSecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.StorageEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.StorageEndpoint)
		}
		o.UsePathStyle = cfg.StoragePathStyle
	})

	return &Store{
		client:        client,
		bucket:        cfg.StorageBucket,
		endpoint:      strings.TrimSuffix(cfg.StorageEndpoint, "/"),
		publicBaseURL: strings.TrimSuffix(cfg.StoragePublicBaseURL, "/"),
	}, nil
}

// PutFile uploads a local file under key and returns its accessible URL.
// Upload errors are transient; the same bytes usually land on retry.
func (s *Store) PutFile(ctx context.Context, localPath, key string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", pipeline.Permanentf("open local file %s: %v", localPath, err)
	}
	defer f.Close()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentTypeFor(localPath)),
	})
	if err != nil {
		return "", pipeline.Transientf("put object %s: %v", key, err)
	}
	return s.ObjectURL(key), nil
}

// Get fetches an object's bytes.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, pipeline.Transientf("get object %s: %v", key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, pipeline.Transientf("read object %s: %v", key, err)
	}
	return data, nil
}

// ObjectURL returns the externally accessible URL for a key, preferring the
// configured public base over an endpoint-derived path-style URL.
func (s *Store) ObjectURL(key string) string {
	encoded := encodeKey(key)
	if s.publicBaseURL != "" {
		return s.publicBaseURL + "/" + encoded
	}
	if s.endpoint != "" {
		return s.endpoint + "/" + s.bucket + "/" + encoded
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, encoded)
}

func encodeKey(key string) string {
	parts := strings.Split(strings.TrimPrefix(key, "/"), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func contentTypeFor(localPath string) string {
	switch strings.ToLower(filepath.Ext(localPath)) {
	case ".mp4":
		return "video/mp4"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}
