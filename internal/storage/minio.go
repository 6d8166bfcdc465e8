// Package storage holds crawl artifacts in MinIO. Agents never get
// credentials for the bucket; the server issues presigned PUT URLs when a
// task is prepared, and the agent uploads screenshots and logs directly.
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
)

// Config contains MinIO connection settings
type Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	BucketName      string
}

// DefaultPresignExpiry is how long an agent has to upload its artifacts
// after a task is dispatched.
const DefaultPresignExpiry = 2 * time.Hour

// ArtifactStore wraps the MinIO client
type ArtifactStore struct {
	client     *minio.Client
	bucketName string
}

// NewArtifactStore creates a new MinIO-backed artifact store
func NewArtifactStore(cfg Config) (*ArtifactStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}

	return &ArtifactStore{
		client:     client,
		bucketName: cfg.BucketName,
	}, nil
}

// EnsureBucket creates the bucket if it doesn't exist
func (s *ArtifactStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucketName)
	if err != nil {
		return fmt.Errorf("checking bucket existence: %w", err)
	}

	if !exists {
		err = s.client.MakeBucket(ctx, s.bucketName, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("creating bucket: %w", err)
		}
	}

	return nil
}

// ScreenshotKey returns the object key for a session screenshot
func ScreenshotKey(sessionID int64, name string) string {
	return fmt.Sprintf("sessions/%d/screenshots/%s", sessionID, name)
}

// LogKey returns the object key for a session log file
func LogKey(sessionID int64, name string) string {
	return fmt.Sprintf("sessions/%d/logs/%s", sessionID, name)
}

// PresignedPutURL returns a presigned URL the agent can PUT an artifact to
func (s *ArtifactStore) PresignedPutURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if expiry <= 0 {
		expiry = DefaultPresignExpiry
	}
	u, err := s.client.PresignedPutObject(ctx, s.bucketName, key, expiry)
	if err != nil {
		return "", fmt.Errorf("generating presigned PUT URL: %w", err)
	}
	return u.String(), nil
}

// PresignedGetURL returns a presigned URL for downloading an artifact
func (s *ArtifactStore) PresignedGetURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if expiry <= 0 {
		expiry = DefaultPresignExpiry
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucketName, key, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("generating presigned GET URL: %w", err)
	}
	return u.String(), nil
}

// Upload uploads an artifact directly (server-side writes, e.g. DOM snapshots)
func (s *ArtifactStore) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	reader := bytes.NewReader(data)

	_, err := s.client.PutObject(ctx, s.bucketName, key, reader, int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("uploading object: %w", err)
	}

	return fmt.Sprintf("s3://%s/%s", s.bucketName, key), nil
}

// UploadJSON uploads JSON data
func (s *ArtifactStore) UploadJSON(ctx context.Context, key string, data []byte) (string, error) {
	return s.Upload(ctx, key, data, "application/json")
}

// Download downloads an artifact
func (s *ArtifactStore) Download(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("getting object: %w", err)
	}
	defer obj.Close()

	return io.ReadAll(obj)
}

// Delete removes an artifact
func (s *ArtifactStore) Delete(ctx context.Context, key string) error {
	return s.client.RemoveObject(ctx, s.bucketName, key, minio.RemoveObjectOptions{})
}
