// Package blob wraps raw file storage behind a small interface. The backing
// bucket is a gocloud URL, so local disk, GCS and in-memory test buckets are
// interchangeable.
package blob

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"

	harborseal "github.com/holmes89/harbor-seal/lib"
)

// Store is the content-addressable blob collaborator. Keys are blob names
// scoped under their namespace.
type Store interface {
	Put(ctx context.Context, namespace, name string, r io.Reader, contentType string) error
	Get(ctx context.Context, namespace, name string) (io.ReadCloser, error)
	Delete(ctx context.Context, namespace, name string) error
}

type BucketStore struct {
	bucket *blob.Bucket
}

var _ Store = (*BucketStore)(nil)

// OpenBucket opens the bucket behind a gocloud URL such as
// file:///var/lib/harbor-seal or gs://my-bucket.
func OpenBucket(ctx context.Context, url string) (*BucketStore, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", url, err)
	}
	return &BucketStore{bucket: bucket}, nil
}

// NewStore wraps an already-open bucket, mainly for tests on memblob.
func NewStore(bucket *blob.Bucket) *BucketStore {
	return &BucketStore{bucket: bucket}
}

func (s *BucketStore) Put(ctx context.Context, namespace, name string, r io.Reader, contentType string) error {
	w, err := s.bucket.NewWriter(ctx, key(namespace, name), &blob.WriterOptions{ContentType: contentType})
	if err != nil {
		return harborseal.Wrap(harborseal.KindStorage, "open blob writer", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return harborseal.Wrap(harborseal.KindStorage, "write blob", err)
	}
	if err := w.Close(); err != nil {
		return harborseal.Wrap(harborseal.KindStorage, "finish blob write", err)
	}
	return nil
}

func (s *BucketStore) Get(ctx context.Context, namespace, name string) (io.ReadCloser, error) {
	r, err := s.bucket.NewReader(ctx, key(namespace, name), nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, harborseal.E(harborseal.KindNotFound, "blob not found")
		}
		return nil, harborseal.Wrap(harborseal.KindStorage, "open blob reader", err)
	}
	return r, nil
}

func (s *BucketStore) Delete(ctx context.Context, namespace, name string) error {
	if err := s.bucket.Delete(ctx, key(namespace, name)); err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return harborseal.E(harborseal.KindNotFound, "blob not found")
		}
		return harborseal.Wrap(harborseal.KindStorage, "delete blob", err)
	}
	return nil
}

func (s *BucketStore) Close() error {
	return s.bucket.Close()
}

func key(namespace, name string) string {
	return namespace + "/" + name
}

// NewName generates a collision-resistant blob name for an upload:
// timestamp plus a uniqueness token plus the sanitized original filename.
// Repeated uploads of the same filename therefore never overwrite.
func NewName(filename string) string {
	ts := time.Now().UTC().Format("20060102_150405")
	token := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%s_%s", ts, token, sanitizeFilename(filename))
}

func sanitizeFilename(filename string) string {
	base := filepath.Base(filename)
	base = strings.ReplaceAll(base, "/", "_")
	base = strings.ReplaceAll(base, "\\", "_")
	if base == "." || base == ".." || base == "" {
		base = "file"
	}
	return base
}
