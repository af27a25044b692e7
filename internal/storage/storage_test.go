package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBucket = "composer-bucket"

func writeKeyFiles(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	access := filepath.Join(dir, "access")
	secret := filepath.Join(dir, "secret")
	require.NoError(t, os.WriteFile(access, []byte("AKIDEXAMPLE\n"), 0o600))
	require.NoError(t, os.WriteFile(secret, []byte("wJalrXUtnFEMI/K7MDENG\n"), 0o600))
	return access, secret
}

func TestBucketContract(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name    string
		factory func(t *testing.T) Bucket
	}{
		{
			name: "memory",
			factory: func(t *testing.T) Bucket {
				t.Helper()
				b, err := Open(ctx, Options{Kind: KindMemory, Bucket: testBucket})
				require.NoError(t, err)
				return b
			},
		},
		{
			name: "s3",
			factory: func(t *testing.T) Bucket {
				t.Helper()
				_, srv := newFakeS3(t, testBucket)
				access, secret := writeKeyFiles(t)
				b, err := Open(ctx, Options{
					Kind:          KindS3,
					Bucket:        testBucket,
					Endpoint:      srv.URL,
					Region:        "us-east-1",
					UsePathStyle:  true,
					AccessKeyFile: access,
					SecretKeyFile: secret,
				})
				require.NoError(t, err)
				return b
			},
		},
		{
			name: "gcs",
			factory: func(t *testing.T) Bucket {
				t.Helper()
				_, srv := newFakeS3(t, testBucket)
				access, secret := writeKeyFiles(t)
				b, err := Open(ctx, Options{
					Kind:          KindGCS,
					Bucket:        testBucket,
					Endpoint:      srv.URL,
					Region:        "us-east-1",
					UsePathStyle:  true,
					AccessKeyFile: access,
					SecretKeyFile: secret,
				})
				require.NoError(t, err)
				return b
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			runBucketContract(ctx, t, tc.factory(t))
		})
	}
}

func runBucketContract(ctx context.Context, t *testing.T, b Bucket) {
	t.Helper()

	assert.Equal(t, testBucket, b.Name())

	// Missing objects surface as ErrObjectNotFound
	_, err := b.ReadObject(ctx, "last_synced_commit.txt")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrObjectNotFound)

	// Raw marker text round-trips and is overwritten unconditionally
	require.NoError(t, b.WriteObject(ctx, "last_synced_commit.txt", []byte("abc123")))
	got, err := b.ReadObject(ctx, "last_synced_commit.txt")
	require.NoError(t, err)
	assert.Equal(t, "abc123", string(got))

	require.NoError(t, b.WriteObject(ctx, "last_synced_commit.txt", []byte("def456")))
	got, err = b.ReadObject(ctx, "last_synced_commit.txt")
	require.NoError(t, err)
	assert.Equal(t, "def456", string(got))

	// File uploads are idempotent
	local := filepath.Join(t.TempDir(), "x.py")
	content := "from airflow import DAG\n"
	require.NoError(t, os.WriteFile(local, []byte(content), 0o644))

	for i := 0; i < 2; i++ {
		require.NoError(t, b.UploadFile(ctx, "dags/dags/x.py", local))
		got, err = b.ReadObject(ctx, "dags/dags/x.py")
		require.NoError(t, err)
		assert.Equal(t, content, string(got))
	}

	// Uploading a missing local file fails
	err = b.UploadFile(ctx, "dags/dags/missing.py", filepath.Join(t.TempDir(), "missing.py"))
	require.Error(t, err)

	// Deletes are not idempotent
	require.NoError(t, b.DeleteObject(ctx, "dags/dags/x.py"))
	_, err = b.ReadObject(ctx, "dags/dags/x.py")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	err = b.DeleteObject(ctx, "dags/dags/x.py")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrObjectNotFound)

	var opErr *OpError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, "delete", opErr.Op)
	assert.Equal(t, "dags/dags/x.py", opErr.Key)
}

func TestS3Bucket_SetsContentType(t *testing.T) {
	ctx := context.Background()
	fake, srv := newFakeS3(t, testBucket)
	access, secret := writeKeyFiles(t)

	client, err := NewS3Client(ctx, Options{
		Endpoint:      srv.URL,
		Region:        "us-east-1",
		UsePathStyle:  true,
		AccessKeyFile: access,
		SecretKeyFile: secret,
	})
	require.NoError(t, err)
	b := NewS3Bucket(client, testBucket, nil)

	local := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(local, []byte(`{"schedule": "@daily"}`), 0o644))
	require.NoError(t, b.UploadFile(ctx, "dags/config.json", local))

	data, ok := fake.object("dags/config.json")
	require.True(t, ok)
	assert.JSONEq(t, `{"schedule": "@daily"}`, string(data))
	assert.Equal(t, "application/json", fake.contentType("dags/config.json"))
}

func TestOpen_UnknownKind(t *testing.T) {
	_, err := Open(context.Background(), Options{Kind: "azure", Bucket: testBucket})
	assert.Error(t, err)
}

func TestOpen_MissingKeyFile(t *testing.T) {
	_, err := Open(context.Background(), Options{
		Kind:          KindGCS,
		Bucket:        testBucket,
		Endpoint:      "storage.googleapis.com",
		AccessKeyFile: filepath.Join(t.TempDir(), "missing"),
		SecretKeyFile: filepath.Join(t.TempDir(), "missing"),
	})
	assert.Error(t, err)
}

func TestMemoryBucket_Keys(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBucket(testBucket)

	require.NoError(t, b.WriteObject(ctx, "b", []byte("2")))
	require.NoError(t, b.WriteObject(ctx, "a", []byte("1")))

	assert.Equal(t, []string{"a", "b"}, b.Keys())
}

func TestMemoryBucket_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := NewMemoryBucket(testBucket)
	assert.ErrorIs(t, b.WriteObject(ctx, "a", []byte("1")), context.Canceled)
}

func TestSplitEndpoint(t *testing.T) {
	tests := []struct {
		endpoint   string
		insecure   bool
		wantHost   string
		wantSecure bool
	}{
		{endpoint: "storage.googleapis.com", wantHost: "storage.googleapis.com", wantSecure: true},
		{endpoint: "localhost:9000", insecure: true, wantHost: "localhost:9000", wantSecure: false},
		{endpoint: "https://storage.googleapis.com/", wantHost: "storage.googleapis.com", wantSecure: true},
		{endpoint: "http://127.0.0.1:9000", wantHost: "127.0.0.1:9000", wantSecure: false},
	}

	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			host, secure := splitEndpoint(tt.endpoint, tt.insecure)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantSecure, secure)
		})
	}
}

func TestEndpointURL(t *testing.T) {
	assert.Equal(t, "https://s3.example.com", endpointURL("s3.example.com", false))
	assert.Equal(t, "http://localhost:4566", endpointURL("localhost:4566", true))
	assert.Equal(t, "http://localhost:4566", endpointURL("http://localhost:4566", false))
}

func TestOpError(t *testing.T) {
	err := opError("upload", "bkt", "dags/x.py", ErrObjectNotFound)
	assert.EqualError(t, err, "upload bkt/dags/x.py: object not found")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	assert.EqualError(t, opError("read", "bkt", "", errors.New("boom")), "read bucket bkt: boom")
	assert.NoError(t, opError("read", "bkt", "k", nil))
}
