package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioBucket stores objects through the minio client. It is the default
// backend for Google Cloud Storage, reached via its XML interoperability API
// with HMAC keys.
type MinioBucket struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

// NewMinioClient builds a minio client for opts.Endpoint. Without key files
// the credentials come from MINIO_* or AWS_* environment variables.
func NewMinioClient(opts Options) (*minio.Client, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("gcs backend requires an endpoint")
	}
	host, secure := splitEndpoint(opts.Endpoint, opts.Insecure)

	access, secret, ok, err := opts.staticKeys()
	if err != nil {
		return nil, err
	}

	var creds *credentials.Credentials
	if ok {
		creds = credentials.NewStaticV4(access, secret, "")
	} else {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvMinio{},
			&credentials.EnvAWS{},
		})
	}

	minioOpts := &minio.Options{
		Creds:  creds,
		Secure: secure,
		Region: opts.Region,
	}
	if opts.UsePathStyle {
		minioOpts.BucketLookup = minio.BucketLookupPath
	}

	client, err := minio.New(host, minioOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client for %s: %w", host, err)
	}
	return client, nil
}

// NewMinioBucket creates a bucket backed by a minio client
func NewMinioBucket(client *minio.Client, bucket string, logger *slog.Logger) *MinioBucket {
	if logger == nil {
		logger = slog.Default()
	}
	return &MinioBucket{client: client, bucket: bucket, logger: logger}
}

// Name returns the bucket name
func (b *MinioBucket) Name() string {
	return b.bucket
}

// ReadObject downloads an object
func (b *MinioBucket) ReadObject(ctx context.Context, key string) ([]byte, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, b.translate("read", key, err)
	}
	defer func() {
		_ = obj.Close()
	}()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, b.translate("read", key, err)
	}
	return data, nil
}

// WriteObject uploads data, replacing any existing object
func (b *MinioBucket) WriteObject(ctx context.Context, key string, data []byte) error {
	_, err := b.client.PutObject(ctx, b.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: mimetype.Detect(data).String(),
	})
	if err != nil {
		return b.translate("write", key, err)
	}
	return nil
}

// UploadFile uploads a local file, replacing any existing object
func (b *MinioBucket) UploadFile(ctx context.Context, key, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return opError("upload", b.bucket, key, err)
	}

	_, err = b.client.FPutObject(ctx, b.bucket, key, path, minio.PutObjectOptions{
		ContentType: detectContentType(path),
	})
	if err != nil {
		return b.translate("upload", key, err)
	}

	b.logger.Debug("uploaded object", "bucket", b.bucket, "key", key, "size", humanize.Bytes(uint64(info.Size())))
	return nil
}

// DeleteObject removes an object. RemoveObject succeeds for missing keys,
// so existence is checked first.
func (b *MinioBucket) DeleteObject(ctx context.Context, key string) error {
	if _, err := b.client.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{}); err != nil {
		return b.translate("delete", key, err)
	}

	if err := b.client.RemoveObject(ctx, b.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return b.translate("delete", key, err)
	}
	return nil
}

// translate maps minio error responses onto package errors
func (b *MinioBucket) translate(op, key string, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || (resp.StatusCode == http.StatusNotFound && resp.Code != "NoSuchBucket") {
		return opError(op, b.bucket, key, ErrObjectNotFound)
	}
	return opError(op, b.bucket, key, err)
}

// splitEndpoint strips an optional scheme from endpoint; the scheme, when
// present, decides whether TLS is used.
func splitEndpoint(endpoint string, insecure bool) (string, bool) {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return strings.TrimSuffix(strings.TrimPrefix(endpoint, "https://"), "/"), true
	case strings.HasPrefix(endpoint, "http://"):
		return strings.TrimSuffix(strings.TrimPrefix(endpoint, "http://"), "/"), false
	default:
		return endpoint, !insecure
	}
}
