// Package artifacts is the content-addressed storage layer. Blobs are keyed
// by their sha256 digest; RecordStore layers verification records on top.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
)

// ErrBlobNotFound is returned by every backend when no blob has the digest.
var ErrBlobNotFound = errors.New("blob not found")

// Store defines the contract for Content-Addressed Storage (CAS) of blobs.
type Store interface {
	// Store persists data and returns its sha256 digest. Idempotent.
	Store(ctx context.Context, data []byte) (digest.Digest, error)
	// Get retrieves data by its digest.
	Get(ctx context.Context, d digest.Digest) ([]byte, error)
	// Exists checks if a blob exists by its digest.
	Exists(ctx context.Context, d digest.Digest) (bool, error)
	// Delete removes a blob. Missing blobs are not an error.
	Delete(ctx context.Context, d digest.Digest) error
}

// blobName validates d and returns the hex part used as the object key.
func blobName(d digest.Digest) (string, error) {
	if err := d.Validate(); err != nil {
		return "", fmt.Errorf("invalid digest %q: %w", d, err)
	}
	if d.Algorithm() != digest.SHA256 {
		return "", fmt.Errorf("unsupported digest algorithm %s", d.Algorithm())
	}
	return d.Encoded(), nil
}

// FileStore is a filesystem-backed implementation of Store.
// With compression enabled blobs are zstd-encoded at rest; digests are
// always computed over the uncompressed bytes.
type FileStore struct {
	baseDir  string
	compress bool
	mu       sync.RWMutex
	enc      *zstd.Encoder
	dec      *zstd.Decoder
}

// FileStoreOption configures a FileStore.
type FileStoreOption func(*FileStore)

// WithCompression enables zstd compression at rest.
func WithCompression() FileStoreOption {
	return func(s *FileStore) { s.compress = true }
}

// NewFileStore creates a new CAS store at the specified directory.
func NewFileStore(baseDir string, opts ...FileStoreOption) (*FileStore, error) {
	//nolint:gosec // G301: 0755 is intentional for shared artifact directory
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure artifact dir: %w", err)
	}
	s := &FileStore{baseDir: baseDir}
	for _, opt := range opts {
		opt(s)
	}
	if s.compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1), zstd.WithLowerEncoderMem(true))
		if err != nil {
			return nil, fmt.Errorf("init zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("init zstd decoder: %w", err)
		}
		s.enc, s.dec = enc, dec
	}
	return s, nil
}

func (s *FileStore) path(name string) string {
	if s.compress {
		return filepath.Join(s.baseDir, name+".blob.zst")
	}
	return filepath.Join(s.baseDir, name+".blob")
}

func (s *FileStore) Store(_ context.Context, data []byte) (digest.Digest, error) {
	d := digest.FromBytes(data)
	path := s.path(d.Encoded())

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		return d, nil
	}

	payload := data
	if s.compress {
		payload = s.enc.EncodeAll(data, make([]byte, 0, len(data)/2))
	}

	// Write to temp, then rename
	tmpPath := path + ".tmp"
	//nolint:gosec // G306: 0644 is intentional for readable blob files
	if err := os.WriteFile(tmpPath, payload, 0644); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}
	return d, nil
}

func (s *FileStore) Get(_ context.Context, d digest.Digest) ([]byte, error) {
	name, err := blobName(d)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, d)
		}
		return nil, fmt.Errorf("read blob %s: %w", d, err)
	}
	if !s.compress {
		return raw, nil
	}
	out, err := s.dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress blob %s: %w", d, err)
	}
	return out, nil
}

func (s *FileStore) Exists(_ context.Context, d digest.Digest) (bool, error) {
	name, err := blobName(d)
	if err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(s.path(name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat blob %s: %w", d, err)
}

func (s *FileStore) Delete(_ context.Context, d digest.Digest) error {
	name, err := blobName(d)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

// MemoryStore keeps blobs in process memory. Used by tests and the
// single-process demo profile.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[digest.Digest][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[digest.Digest][]byte)}
}

func (m *MemoryStore) Store(_ context.Context, data []byte) (digest.Digest, error) {
	d := digest.FromBytes(data)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[d]; !ok {
		m.blobs[d] = append([]byte(nil), data...)
	}
	return d, nil
}

func (m *MemoryStore) Get(_ context.Context, d digest.Digest) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[d]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, d)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) Exists(_ context.Context, d digest.Digest) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[d]
	return ok, nil
}

func (m *MemoryStore) Delete(_ context.Context, d digest.Digest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, d)
	return nil
}

// Overwrite replaces the bytes behind d without rehashing. It exists to
// simulate corruption of a backend in integrity tests.
func (m *MemoryStore) Overwrite(d digest.Digest, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[d] = append([]byte(nil), data...)
}
