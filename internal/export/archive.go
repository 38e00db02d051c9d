package export

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ArchiveConfig points at an S3-compatible bucket for finished exports.
type ArchiveConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	URLTTL    time.Duration
}

// Archive uploads export artifacts and hands out presigned download URLs.
type Archive struct {
	client *minio.Client
	bucket string
	ttl    time.Duration

	mu          sync.Mutex
	bucketReady bool
}

// NewArchive builds a client for cfg. The endpoint may carry an http(s)
// scheme, which then overrides UseSSL.
func NewArchive(cfg ArchiveConfig) (*Archive, error) {
	endpoint, secure := splitEndpoint(cfg.Endpoint, cfg.UseSSL)
	if endpoint == "" {
		return nil, fmt.Errorf("archive endpoint is empty")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("create archive client: %w", err)
	}
	ttl := cfg.URLTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Archive{client: client, bucket: cfg.Bucket, ttl: ttl}, nil
}

func splitEndpoint(raw string, useSSL bool) (string, bool) {
	raw = strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(raw, "https://"):
		return strings.TrimSuffix(strings.TrimPrefix(raw, "https://"), "/"), true
	case strings.HasPrefix(raw, "http://"):
		return strings.TrimSuffix(strings.TrimPrefix(raw, "http://"), "/"), false
	default:
		return strings.TrimSuffix(raw, "/"), useSSL
	}
}

func (a *Archive) ensureBucket(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bucketReady {
		return nil
	}
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if !exists {
		if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", a.bucket, err)
		}
		log.Printf("export: created bucket %s", a.bucket)
	}
	a.bucketReady = true
	return nil
}

// Store uploads data under key and returns a presigned GET URL.
func (a *Archive) Store(ctx context.Context, key, filename, mimeType string, data []byte) (string, time.Time, error) {
	if err := a.ensureBucket(ctx); err != nil {
		return "", time.Time{}, err
	}
	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:        mimeType,
		ContentDisposition: fmt.Sprintf(`attachment; filename="%s"`, filename),
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("upload export %s: %w", key, err)
	}

	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	signed, err := a.client.PresignedGetObject(ctx, a.bucket, key, a.ttl, params)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("presign export %s: %w", key, err)
	}
	return signed.String(), time.Now().Add(a.ttl), nil
}

// objectKey places exports under the owning user.
func objectKey(userID, filename string, at time.Time) string {
	return path.Join("exports", userID, at.UTC().Format("20060102T150405Z")+"-"+filename)
}
