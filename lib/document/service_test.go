package document

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	harborseal "github.com/holmes89/harbor-seal/lib"
	"github.com/holmes89/harbor-seal/lib/blob"
	"github.com/holmes89/harbor-seal/lib/index"
)

type fakeRegistry struct {
	mu        sync.Mutex
	docs      map[string]*harborseal.Document
	stale     map[string]bool
	removeErr error
}

func newFakeRegistry(docs ...*harborseal.Document) *fakeRegistry {
	r := &fakeRegistry{docs: make(map[string]*harborseal.Document), stale: make(map[string]bool)}
	for _, d := range docs {
		copied := *d
		r.docs[d.ID] = &copied
	}
	return r
}

func (r *fakeRegistry) Create(_ context.Context, d *harborseal.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *d
	r.docs[d.ID] = &copied
	return nil
}

func (r *fakeRegistry) List(_ context.Context, namespace string) ([]harborseal.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []harborseal.Document
	for _, d := range r.docs {
		if d.Namespace == namespace && d.State != harborseal.StateDeleting {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (r *fakeRegistry) GetByBlob(_ context.Context, namespace, blobName, documentID string) (*harborseal.Document, error) {
	return r.get(namespace, blobName, documentID, false)
}

func (r *fakeRegistry) GetByBlobAny(_ context.Context, namespace, blobName, documentID string) (*harborseal.Document, error) {
	return r.get(namespace, blobName, documentID, true)
}

func (r *fakeRegistry) get(namespace, blobName, documentID string, includeDeleting bool) (*harborseal.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.docs {
		if d.Namespace != namespace || d.BlobName != blobName {
			continue
		}
		if !includeDeleting && d.State == harborseal.StateDeleting {
			continue
		}
		if documentID != "" && d.ID != documentID {
			continue
		}
		copied := *d
		return &copied, nil
	}
	return nil, harborseal.E(harborseal.KindNotFound, "document not found")
}

func (r *fakeRegistry) Transition(_ context.Context, id string, from []harborseal.DocumentState, to harborseal.DocumentState) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[id]
	if !ok {
		return false, nil
	}
	for _, s := range from {
		if d.State == s {
			d.State = to
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeRegistry) TransitionStaleIndexing(_ context.Context, id string, to harborseal.DocumentState, _ time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[id]
	if !ok || d.State != harborseal.StateIndexing || !r.stale[id] {
		return false, nil
	}
	d.State = to
	r.stale[id] = false
	return true, nil
}

func (r *fakeRegistry) Remove(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.removeErr != nil {
		return r.removeErr
	}
	if d, ok := r.docs[id]; !ok || d.State != harborseal.StateDeleting {
		return harborseal.E(harborseal.KindStorage, "document not tombstoned")
	}
	delete(r.docs, id)
	return nil
}

type fakeChunkStore struct {
	mu        sync.Mutex
	deleted   []string
	deleteErr error
}

func (s *fakeChunkStore) DeleteByDocument(_ context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.deleted = append(s.deleted, documentID)
	return nil
}

type recordingCache struct {
	mu          sync.Mutex
	invalidated []string
}

func (c *recordingCache) Invalidate(_ context.Context, namespace string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, namespace)
}

func (c *recordingCache) namespaces() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.invalidated...)
}

func newTestService(t *testing.T, registry *fakeRegistry, chunks *fakeChunkStore) (*Service, blob.Store) {
	t.Helper()
	svc, blobs, _ := newTestServiceWithCache(t, registry, chunks)
	return svc, blobs
}

func newTestServiceWithCache(t *testing.T, registry *fakeRegistry, chunks *fakeChunkStore) (*Service, blob.Store, *recordingCache) {
	t.Helper()
	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { _ = bucket.Close() })
	blobs := blob.NewStore(bucket)
	cache := &recordingCache{}
	svc := NewService(registry, chunks, blobs, index.NewLocks(), cache, 1<<20, 15*time.Minute, nil)
	return svc, blobs, cache
}

func TestUpload(t *testing.T) {
	ctx := context.Background()
	registry := newFakeRegistry()
	svc, blobs := newTestService(t, registry, &fakeChunkStore{})

	receipt, err := svc.Upload(ctx, "ns1", "notes.txt", strings.NewReader("seals eat fish"))
	require.NoError(t, err)
	require.NotEmpty(t, receipt.BlobName)
	require.NotEmpty(t, receipt.DocumentID)

	doc := registry.docs[receipt.DocumentID]
	require.NotNil(t, doc)
	assert.Equal(t, harborseal.StateUploaded, doc.State)
	assert.Equal(t, "notes.txt", doc.Filename)
	assert.Equal(t, int64(len("seals eat fish")), doc.Size)

	rc, err := blobs.Get(ctx, "ns1", receipt.BlobName)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "seals eat fish", string(data))
}

func TestUploadValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, newFakeRegistry(), &fakeChunkStore{})

	cases := []struct {
		name      string
		namespace string
		filename  string
		content   string
	}{
		{"missing namespace", "", "notes.txt", "x"},
		{"missing filename", "ns1", "", "x"},
		{"unsupported extension", "ns1", "image.png", "x"},
		{"empty file", "ns1", "notes.txt", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Upload(ctx, tc.namespace, tc.filename, strings.NewReader(tc.content))
			assert.True(t, harborseal.IsKind(err, harborseal.KindValidation), "got %v", err)
		})
	}
}

func TestUploadTooLarge(t *testing.T) {
	registry := newFakeRegistry()
	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { _ = bucket.Close() })
	svc := NewService(registry, &fakeChunkStore{}, blob.NewStore(bucket), index.NewLocks(), nil, 10, 15*time.Minute, nil)

	_, err := svc.Upload(context.Background(), "ns1", "notes.txt", strings.NewReader("this is more than ten bytes"))
	assert.True(t, harborseal.IsKind(err, harborseal.KindValidation))
	assert.Empty(t, registry.docs)
}

func TestDownload(t *testing.T) {
	ctx := context.Background()
	registry := newFakeRegistry()
	svc, _ := newTestService(t, registry, &fakeChunkStore{})

	receipt, err := svc.Upload(ctx, "ns1", "notes.txt", strings.NewReader("seals eat fish"))
	require.NoError(t, err)

	rc, doc, err := svc.Download(ctx, "ns1", receipt.BlobName)
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, "notes.txt", doc.Filename)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "seals eat fish", string(data))

	// Another namespace cannot see the document even though the blob exists.
	_, _, err = svc.Download(ctx, "ns2", receipt.BlobName)
	assert.True(t, harborseal.IsKind(err, harborseal.KindNotFound))
}

func TestDownloadTombstoned(t *testing.T) {
	registry := newFakeRegistry(&harborseal.Document{
		ID: "doc-1", Namespace: "ns1", Filename: "a.txt",
		BlobName: "b1", State: harborseal.StateDeleting,
	})
	svc, _ := newTestService(t, registry, &fakeChunkStore{})

	_, _, err := svc.Download(context.Background(), "ns1", "b1")
	assert.True(t, harborseal.IsKind(err, harborseal.KindNotFound))
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	registry := newFakeRegistry()
	chunks := &fakeChunkStore{}
	svc, blobs := newTestService(t, registry, chunks)

	receipt, err := svc.Upload(ctx, "ns1", "notes.txt", strings.NewReader("seals eat fish"))
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, "ns1", receipt.BlobName, ""))

	assert.Empty(t, registry.docs)
	assert.Contains(t, chunks.deleted, receipt.DocumentID)
	_, err = blobs.Get(ctx, "ns1", receipt.BlobName)
	assert.True(t, harborseal.IsKind(err, harborseal.KindNotFound))

	// A second delete of the same document is not found, not an error loop.
	err = svc.Delete(ctx, "ns1", receipt.BlobName, "")
	assert.True(t, harborseal.IsKind(err, harborseal.KindNotFound))
}

func TestDeleteWhileIndexing(t *testing.T) {
	registry := newFakeRegistry(&harborseal.Document{
		ID: "doc-1", Namespace: "ns1", Filename: "a.txt",
		BlobName: "b1", State: harborseal.StateIndexing,
	})
	svc, _ := newTestService(t, registry, &fakeChunkStore{})

	err := svc.Delete(context.Background(), "ns1", "b1", "")
	assert.True(t, harborseal.IsKind(err, harborseal.KindConflict))
	assert.Equal(t, harborseal.StateIndexing, registry.docs["doc-1"].State)
}

func TestDeleteReclaimsStaleIndexing(t *testing.T) {
	registry := newFakeRegistry(&harborseal.Document{
		ID: "doc-1", Namespace: "ns1", Filename: "a.txt",
		BlobName: "b1", State: harborseal.StateIndexing,
	})
	registry.stale["doc-1"] = true
	chunks := &fakeChunkStore{}
	svc, _ := newTestService(t, registry, chunks)

	require.NoError(t, svc.Delete(context.Background(), "ns1", "b1", ""))
	assert.Empty(t, registry.docs)
	assert.Contains(t, chunks.deleted, "doc-1")
}

func TestDeleteInvalidatesCachedAnswers(t *testing.T) {
	ctx := context.Background()
	registry := newFakeRegistry()
	chunks := &fakeChunkStore{}
	svc, _, cache := newTestServiceWithCache(t, registry, chunks)

	receipt, err := svc.Upload(ctx, "ns1", "notes.txt", strings.NewReader("seals eat fish"))
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, "ns1", receipt.BlobName, ""))

	assert.Equal(t, []string{"ns1"}, cache.namespaces())
}

func TestDeleteInvalidatesCacheDespitePartialFailure(t *testing.T) {
	ctx := context.Background()
	registry := newFakeRegistry(&harborseal.Document{
		ID: "doc-1", Namespace: "ns1", Filename: "a.txt",
		BlobName: "b1", State: harborseal.StateIndexed,
	})
	registry.removeErr = errors.New("connection reset")
	chunks := &fakeChunkStore{}
	svc, _, cache := newTestServiceWithCache(t, registry, chunks)

	// The chunks come out of the index before the cleanup stalls, so the
	// cached answers built on them are dropped even though the delete is
	// left partial.
	err := svc.Delete(ctx, "ns1", "b1", "")
	assert.True(t, harborseal.IsKind(err, harborseal.KindPartialDelete))
	assert.Equal(t, []string{"ns1"}, cache.namespaces())
}

func TestDeletePartialFailureIsRetryable(t *testing.T) {
	ctx := context.Background()
	registry := newFakeRegistry()
	chunks := &fakeChunkStore{deleteErr: errors.New("connection reset")}
	svc, _ := newTestService(t, registry, chunks)

	receipt, err := svc.Upload(ctx, "ns1", "notes.txt", strings.NewReader("seals eat fish"))
	require.NoError(t, err)

	err = svc.Delete(ctx, "ns1", receipt.BlobName, "")
	assert.True(t, harborseal.IsKind(err, harborseal.KindPartialDelete))

	// Tombstoned but still present, invisible to list and download.
	doc := registry.docs[receipt.DocumentID]
	require.NotNil(t, doc)
	assert.Equal(t, harborseal.StateDeleting, doc.State)
	docs, err := svc.List(ctx, "ns1")
	require.NoError(t, err)
	assert.Empty(t, docs)

	// Retry finishes the cleanup once the chunk store recovers.
	chunks.deleteErr = nil
	require.NoError(t, svc.Delete(ctx, "ns1", receipt.BlobName, ""))
	assert.Empty(t, registry.docs)
}

func TestDeleteSurvivesMissingBlob(t *testing.T) {
	registry := newFakeRegistry(&harborseal.Document{
		ID: "doc-1", Namespace: "ns1", Filename: "a.txt",
		BlobName: "b1", State: harborseal.StateIndexed,
	})
	svc, _ := newTestService(t, registry, &fakeChunkStore{})

	require.NoError(t, svc.Delete(context.Background(), "ns1", "b1", ""))
	assert.Empty(t, registry.docs)
}

func TestDeleteByDocumentID(t *testing.T) {
	ctx := context.Background()
	registry := newFakeRegistry(
		&harborseal.Document{ID: "doc-1", Namespace: "ns1", Filename: "a.txt", BlobName: "b1", State: harborseal.StateIndexed},
	)
	svc, _ := newTestService(t, registry, &fakeChunkStore{})

	err := svc.Delete(ctx, "ns1", "b1", "doc-other")
	assert.True(t, harborseal.IsKind(err, harborseal.KindNotFound))

	require.NoError(t, svc.Delete(ctx, "ns1", "b1", "doc-1"))
	assert.Empty(t, registry.docs)
}
