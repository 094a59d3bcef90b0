package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/Mindburn-Labs/carbonmrv/pkg/canonicalize"
	"github.com/Mindburn-Labs/carbonmrv/pkg/contracts"
)

const (
	// MaxRecordSize bounds a single stored payload.
	MaxRecordSize = 10 * 1024 * 1024
	// EnvelopeVersion is the layout version of stored record envelopes.
	EnvelopeVersion = "1.0"
	// DefaultStandard names the verification standard records are issued under.
	DefaultStandard = "Carbon Credit Verification Standard v1.0"
	// DefaultGateway is the public gateway content ids resolve against.
	DefaultGateway = "https://w3s.link/ipfs/"
)

// ErrIntegrity is returned by Get when stored bytes no longer hash to their content id.
var ErrIntegrity = errors.New("stored content does not match its content id")

// Envelope is the persisted form of a verification record.
type Envelope struct {
	Record          contracts.VerificationRecord `json:"record"`
	UploadTimestamp time.Time                    `json:"upload_timestamp"`
	Version         string                       `json:"version"`
	Standard        string                       `json:"standard"`
}

// RecordStore adapts a blob Store to verification records.
type RecordStore struct {
	blobs    Store
	standard string
	gateway  string
	now      func() time.Time
}

// RecordStoreOption configures a RecordStore.
type RecordStoreOption func(*RecordStore)

// WithStandard overrides the standard label written into envelopes.
func WithStandard(name string) RecordStoreOption {
	return func(r *RecordStore) { r.standard = name }
}

// WithGateway overrides the public gateway base URL.
func WithGateway(base string) RecordStoreOption {
	return func(r *RecordStore) { r.gateway = base }
}

// WithClock sets the clock used for upload timestamps.
func WithClock(now func() time.Time) RecordStoreOption {
	return func(r *RecordStore) { r.now = now }
}

func NewRecordStore(blobs Store, opts ...RecordStoreOption) *RecordStore {
	r := &RecordStore{
		blobs:    blobs,
		standard: DefaultStandard,
		gateway:  DefaultGateway,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Put stores the canonical bytes of the record envelope and returns their content id.
func (r *RecordStore) Put(ctx context.Context, rec contracts.VerificationRecord) (digest.Digest, error) {
	env := Envelope{
		Record:          rec,
		UploadTimestamp: r.now(),
		Version:         EnvelopeVersion,
		Standard:        r.standard,
	}
	data, err := canonicalize.JCS(env)
	if err != nil {
		return "", fmt.Errorf("%w: canonicalize envelope: %v", contracts.ErrStoreRejected, err)
	}
	return r.putBytes(ctx, data)
}

// PutImage stores a raw satellite scene and returns its content id.
func (r *RecordStore) PutImage(ctx context.Context, data []byte) (digest.Digest, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty image", contracts.ErrStoreRejected)
	}
	return r.putBytes(ctx, data)
}

func (r *RecordStore) putBytes(ctx context.Context, data []byte) (digest.Digest, error) {
	if len(data) > MaxRecordSize {
		return "", fmt.Errorf("%w: payload of %d bytes exceeds limit of %d", contracts.ErrStoreRejected, len(data), MaxRecordSize)
	}
	want := digest.FromBytes(data)
	got, err := r.blobs.Store(ctx, data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", contracts.ErrStoreUnavailable, err)
	}
	if got != want {
		return "", fmt.Errorf("%w: backend returned %s for content %s", contracts.ErrStoreRejected, got, want)
	}
	return got, nil
}

// Get fetches and decodes the record stored under cid.
func (r *RecordStore) Get(ctx context.Context, cid digest.Digest) (contracts.VerificationRecord, error) {
	env, ok, err := r.fetch(ctx, cid)
	if err != nil {
		return contracts.VerificationRecord{}, err
	}
	if !ok {
		return contracts.VerificationRecord{}, fmt.Errorf("%w: %s", ErrIntegrity, cid)
	}
	return env.Record, nil
}

// GetEnvelope is Get including the envelope metadata.
func (r *RecordStore) GetEnvelope(ctx context.Context, cid digest.Digest) (Envelope, error) {
	env, ok, err := r.fetch(ctx, cid)
	if err != nil {
		return Envelope{}, err
	}
	if !ok {
		return Envelope{}, fmt.Errorf("%w: %s", ErrIntegrity, cid)
	}
	return env, nil
}

// VerifyIntegrity reports whether the content under cid is intact and
// commits to expectedHash. Every mismatch is reported as false, never as an error.
func (r *RecordStore) VerifyIntegrity(ctx context.Context, cid digest.Digest, expectedHash string) (bool, error) {
	env, ok, err := r.fetch(ctx, cid)
	if err != nil {
		if errors.Is(err, contracts.ErrNotFound) || errors.Is(err, errUndecodable) {
			return false, nil
		}
		return false, err
	}
	if !ok {
		return false, nil
	}
	got, err := RecordDigest(env.Record)
	if err != nil {
		return false, nil
	}
	return got == expectedHash && env.Record.Proof.RawDataHash == expectedHash, nil
}

// RecordDigest recomputes the canonical hash of the evidence embedded in rec.
func RecordDigest(rec contracts.VerificationRecord) (string, error) {
	return canonicalize.CanonicalHash(rec.Evidence)
}

// PublicURL returns the gateway URL of cid, optionally addressing a named file.
func (r *RecordStore) PublicURL(cid digest.Digest, filename string) string {
	u := strings.TrimRight(r.gateway, "/") + "/" + cid.String()
	if filename != "" {
		u += "/" + url.PathEscape(filename)
	}
	return u
}

var errUndecodable = errors.New("stored content is not a record envelope")

// fetch returns the decoded envelope and whether the raw bytes matched cid.
func (r *RecordStore) fetch(ctx context.Context, cid digest.Digest) (Envelope, bool, error) {
	if err := cid.Validate(); err != nil {
		return Envelope{}, false, fmt.Errorf("%w: invalid content id %q", contracts.ErrNotFound, cid)
	}
	data, err := r.blobs.Get(ctx, cid)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return Envelope{}, false, fmt.Errorf("%w: %s", contracts.ErrNotFound, cid)
		}
		return Envelope{}, false, fmt.Errorf("%w: %v", contracts.ErrStoreUnavailable, err)
	}

	intact := cid.Verifier()
	_, _ = intact.Write(data)

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, false, fmt.Errorf("%w: %v", errUndecodable, err)
	}
	return env, intact.Verified(), nil
}
