// Package storage mirrors files into an object storage bucket.
//
// Three backends implement Bucket: an in-memory bucket for tests and dry
// runs, an S3 bucket built on aws-sdk-go-v2, and a minio-go bucket used for
// Google Cloud Storage through its S3 interoperability endpoint.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// ErrObjectNotFound is returned when an object does not exist in the bucket
var ErrObjectNotFound = errors.New("object not found")

// Bucket is the object storage surface a sync pass needs
type Bucket interface {
	// Name returns the bucket name
	Name() string
	// ReadObject returns the full content of the object at key
	ReadObject(ctx context.Context, key string) ([]byte, error)
	// WriteObject stores data at key, replacing any existing object
	WriteObject(ctx context.Context, key string, data []byte) error
	// UploadFile stores the content of the local file at key, replacing any existing object
	UploadFile(ctx context.Context, key, path string) error
	// DeleteObject removes the object at key. Deleting a missing object
	// fails with ErrObjectNotFound.
	DeleteObject(ctx context.Context, key string) error
}

// OpError records a failed bucket operation with its bucket and key
type OpError struct {
	Op     string
	Bucket string
	Key    string
	Err    error
}

func (e *OpError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
	}
	return fmt.Sprintf("%s bucket %s: %v", e.Op, e.Bucket, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func opError(op, bucket, key string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Bucket: bucket, Key: key, Err: err}
}

// Kind names a backend implementation
type Kind string

const (
	KindGCS    Kind = "gcs"
	KindS3     Kind = "s3"
	KindMemory Kind = "memory"
)

// Options configures the bucket client. Credentials are passed explicitly;
// when no key files are given each backend falls back to its default chain.
type Options struct {
	Kind            Kind
	Bucket          string
	Endpoint        string
	Region          string
	UsePathStyle    bool
	Insecure        bool
	Timeout         time.Duration
	CredentialsFile string
	AccessKeyFile   string
	SecretKeyFile   string
	Logger          *slog.Logger
}

// Open creates the bucket client selected by opts.Kind
func Open(ctx context.Context, opts Options) (Bucket, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	switch opts.Kind {
	case KindMemory:
		return NewMemoryBucket(opts.Bucket), nil
	case KindS3:
		client, err := NewS3Client(ctx, opts)
		if err != nil {
			return nil, err
		}
		return NewS3Bucket(client, opts.Bucket, opts.Logger), nil
	case KindGCS:
		client, err := NewMinioClient(opts)
		if err != nil {
			return nil, err
		}
		return NewMinioBucket(client, opts.Bucket, opts.Logger), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Kind)
	}
}

// staticKeys reads the access/secret key pair from their files.
// ok is false when no key files are configured.
func (o Options) staticKeys() (access, secret string, ok bool, err error) {
	if o.AccessKeyFile == "" && o.SecretKeyFile == "" {
		return "", "", false, nil
	}

	access, err = readKeyFile(o.AccessKeyFile)
	if err != nil {
		return "", "", false, fmt.Errorf("failed to read access key file: %w", err)
	}
	secret, err = readKeyFile(o.SecretKeyFile)
	if err != nil {
		return "", "", false, fmt.Errorf("failed to read secret key file: %w", err)
	}
	return access, secret, true, nil
}

func readKeyFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// detectContentType sniffs the MIME type of a local file
func detectContentType(path string) string {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return "application/octet-stream"
	}
	return mtype.String()
}
