package service

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/CZERTAINLY/Autotest/internal/model"
)

// MinioUploader stores artifacts in a MinIO or S3 bucket.
type MinioUploader struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinioUploader connects to the endpoint and checks that the bucket
// exists. An endpoint with a http:// or https:// scheme selects TLS unless
// cfg.Secure says otherwise.
func NewMinioUploader(ctx context.Context, cfg model.Minio) (*MinioUploader, error) {
	endpoint := cfg.Endpoint
	secure := true
	if rest, ok := strings.CutPrefix(endpoint, "http://"); ok {
		endpoint, secure = rest, false
	} else if rest, ok := strings.CutPrefix(endpoint, "https://"); ok {
		endpoint = rest
	}
	if cfg.Secure != nil {
		secure = *cfg.Secure
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(strings.TrimRight(endpoint, "/"), &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio: failed to create client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("minio: failed to check bucket existence: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("minio: bucket %s does not exist", cfg.Bucket)
	}

	return &MinioUploader{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (m *MinioUploader) Upload(ctx context.Context, name string, raw []byte) error {
	objectName := name
	if m.prefix != "" {
		objectName = path.Join(m.prefix, name)
	}
	info, err := m.client.PutObject(ctx, m.bucket, objectName, bytes.NewReader(raw), int64(len(raw)), minio.PutObjectOptions{
		ContentType: contentTypeOf(name),
	})
	if err != nil {
		return fmt.Errorf("minio: failed to upload to %s: %w", objectName, err)
	}
	slog.DebugContext(ctx, "artifact uploaded", "bucket", m.bucket, "object", objectName, "etag", info.ETag)
	return nil
}
