package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	data := []byte(`{"report_id":"CR-1"}`)

	d, err := s.Store(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, digest.FromBytes(data), d)

	again, err := s.Store(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, d, again)

	ok, err := s.Exists(ctx, d)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, s.Delete(ctx, d))
	require.NoError(t, s.Delete(ctx, d))

	_, err = s.Get(ctx, d)
	require.ErrorIs(t, err, ErrBlobNotFound)
	ok, err = s.Exists(ctx, d)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStore(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	exerciseStore(t, s)
}

func TestFileStore_Compressed(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, WithCompression())
	require.NoError(t, err)
	exerciseStore(t, s)

	payload := make([]byte, 64*1024)
	d, err := s.Store(context.Background(), payload)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, d.Encoded()+".blob.zst"))
	require.NoError(t, err)
	assert.Less(t, info.Size(), int64(len(payload)))

	got, err := s.Get(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFileStore_RejectsMalformedDigest(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Get(context.Background(), digest.Digest("sha256:../../etc/passwd"))
	require.Error(t, err)
	_, err = s.Exists(context.Background(), digest.Digest("md5:abc"))
	require.Error(t, err)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestNewStoreFromEnv_Default(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("ARTIFACT_STORAGE_TYPE", "")
	t.Setenv("ARTIFACT_COMPRESSION", "")
	t.Setenv("DATA_DIR", tmpDir)

	store, err := NewStoreFromEnv(context.Background())
	require.NoError(t, err)

	fs, ok := store.(*FileStore)
	require.True(t, ok, "expected *FileStore, got %T", store)
	assert.Equal(t, filepath.Join(tmpDir, "artifacts"), fs.baseDir)
	assert.False(t, fs.compress)
}

func TestNewStoreFromEnv_Compressed(t *testing.T) {
	t.Setenv("ARTIFACT_STORAGE_TYPE", "fs")
	t.Setenv("ARTIFACT_COMPRESSION", "zstd")
	t.Setenv("DATA_DIR", t.TempDir())

	store, err := NewStoreFromEnv(context.Background())
	require.NoError(t, err)
	assert.True(t, store.(*FileStore).compress)

	t.Setenv("ARTIFACT_COMPRESSION", "lz4")
	_, err = NewStoreFromEnv(context.Background())
	require.Error(t, err)
}

func TestNewStoreFromEnv_Memory(t *testing.T) {
	t.Setenv("ARTIFACT_STORAGE_TYPE", "memory")
	store, err := NewStoreFromEnv(context.Background())
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)
}

func TestNewStoreFromEnv_S3MissingBucket(t *testing.T) {
	t.Setenv("ARTIFACT_STORAGE_TYPE", "s3")
	t.Setenv("ARTIFACT_S3_BUCKET", "")

	_, err := NewStoreFromEnv(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ARTIFACT_S3_BUCKET is required")
}

func TestNewStoreFromEnv_S3Configured(t *testing.T) {
	t.Setenv("ARTIFACT_STORAGE_TYPE", "s3")
	t.Setenv("ARTIFACT_S3_BUCKET", "mrv-records")
	t.Setenv("ARTIFACT_S3_ENDPOINT", "http://localhost:9000")
	t.Setenv("ARTIFACT_S3_PREFIX", "records/")
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")

	store, err := NewStoreFromEnv(context.Background())
	require.NoError(t, err)
	s3s, ok := store.(*S3Store)
	require.True(t, ok)
	assert.Equal(t, "mrv-records", s3s.bucket)
	assert.Equal(t, "records/abc.blob", s3s.key("abc"))
}

func TestNewStoreFromEnv_Unsupported(t *testing.T) {
	t.Setenv("ARTIFACT_STORAGE_TYPE", "ipfs")
	_, err := NewStoreFromEnv(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported artifact storage type")
}
