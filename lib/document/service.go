package document

import (
	"bytes"
	"context"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	harborseal "github.com/holmes89/harbor-seal/lib"
	"github.com/holmes89/harbor-seal/lib/blob"
	"github.com/holmes89/harbor-seal/lib/docproc"
	"github.com/holmes89/harbor-seal/lib/index"
	"github.com/holmes89/harbor-seal/lib/metrics"
)

// Registry is the slice of the document store the lifecycle service needs.
type Registry interface {
	Create(ctx context.Context, d *harborseal.Document) error
	List(ctx context.Context, namespace string) ([]harborseal.Document, error)
	GetByBlob(ctx context.Context, namespace, blobName, documentID string) (*harborseal.Document, error)
	GetByBlobAny(ctx context.Context, namespace, blobName, documentID string) (*harborseal.Document, error)
	Transition(ctx context.Context, id string, from []harborseal.DocumentState, to harborseal.DocumentState) (bool, error)
	TransitionStaleIndexing(ctx context.Context, id string, to harborseal.DocumentState, olderThan time.Duration) (bool, error)
	Remove(ctx context.Context, id string) error
}

// ChunkStore removes a document's vectors during delete.
type ChunkStore interface {
	DeleteByDocument(ctx context.Context, documentID string) error
}

// AnswerCache drops cached answers for a namespace when its index changes.
type AnswerCache interface {
	Invalidate(ctx context.Context, namespace string)
}

type noopCache struct{}

func (noopCache) Invalidate(context.Context, string) {}

// cleanupTimeout bounds the detached writes past the tombstone.
const cleanupTimeout = time.Minute

// Service implements the document lifecycle: upload, list, download and
// the three-store delete.
type Service struct {
	registry       Registry
	chunks         ChunkStore
	blobs          blob.Store
	locks          *index.Locks
	cache          AnswerCache
	maxUploadBytes int64
	staleAfter     time.Duration
	logger         *zap.Logger
}

var _ harborseal.DocumentService = (*Service)(nil)

func NewService(registry Registry, chunks ChunkStore, blobs blob.Store, locks *index.Locks, cache AnswerCache, maxUploadBytes int64, staleAfter time.Duration, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cache == nil {
		cache = noopCache{}
	}
	if staleAfter <= 0 {
		staleAfter = 15 * time.Minute
	}
	return &Service{
		registry:       registry,
		chunks:         chunks,
		blobs:          blobs,
		locks:          locks,
		cache:          cache,
		maxUploadBytes: maxUploadBytes,
		staleAfter:     staleAfter,
		logger:         logger,
	}
}

// Upload stores the file bytes and registers the document in the uploaded
// state. The returned receipt carries the blob name used by every later
// operation on the document.
func (s *Service) Upload(ctx context.Context, namespace, filename string, r io.Reader) (*harborseal.UploadReceipt, error) {
	if strings.TrimSpace(namespace) == "" {
		return nil, harborseal.E(harborseal.KindValidation, "namespace is required")
	}
	if strings.TrimSpace(filename) == "" {
		return nil, harborseal.E(harborseal.KindValidation, "filename is required")
	}
	if !docproc.Supported(filename) {
		return nil, harborseal.Ef(harborseal.KindValidation,
			"unsupported file type %q, supported: %s", filepath.Ext(filename), strings.Join(docproc.SupportedExtensions(), ", "))
	}

	data, err := io.ReadAll(io.LimitReader(r, s.maxUploadBytes+1))
	if err != nil {
		return nil, harborseal.Wrap(harborseal.KindServer, "read upload", err)
	}
	if len(data) == 0 {
		return nil, harborseal.E(harborseal.KindValidation, "uploaded file is empty")
	}
	if int64(len(data)) > s.maxUploadBytes {
		return nil, harborseal.Ef(harborseal.KindValidation, "file exceeds maximum upload size of %d bytes", s.maxUploadBytes)
	}

	blobName := blob.NewName(filename)
	if err := s.blobs.Put(ctx, namespace, blobName, bytes.NewReader(data), contentType(filename)); err != nil {
		return nil, harborseal.Wrap(harborseal.KindStorage, "store blob", err)
	}

	doc := &harborseal.Document{
		ID:        uuid.NewString(),
		Namespace: namespace,
		Filename:  filepath.Base(filename),
		BlobName:  blobName,
		Size:      int64(len(data)),
		State:     harborseal.StateUploaded,
	}
	if err := s.registry.Create(ctx, doc); err != nil {
		// The registry row is the source of truth, so a blob without one
		// is garbage. Best effort removal, orphans are harmless.
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if derr := s.blobs.Delete(cleanupCtx, namespace, blobName); derr != nil {
			s.logger.Warn("orphan blob cleanup failed", zap.String("blob_name", blobName), zap.Error(derr))
		}
		return nil, harborseal.Wrap(harborseal.KindStorage, "register document", err)
	}

	metrics.DocumentsUploaded.Inc()
	s.logger.Info("uploaded document",
		zap.String("namespace", namespace),
		zap.String("document_id", doc.ID),
		zap.String("blob_name", blobName),
		zap.Int64("size", doc.Size))
	return &harborseal.UploadReceipt{BlobName: blobName, DocumentID: doc.ID}, nil
}

// List returns the namespace's live documents in upload order.
func (s *Service) List(ctx context.Context, namespace string) ([]harborseal.Document, error) {
	if strings.TrimSpace(namespace) == "" {
		return nil, harborseal.E(harborseal.KindValidation, "namespace is required")
	}
	return s.registry.List(ctx, namespace)
}

// Download streams the stored bytes of a live document. The registry is
// consulted first so tombstoned or foreign-namespace documents read as
// not found even when their blob still exists.
func (s *Service) Download(ctx context.Context, namespace, blobName string) (io.ReadCloser, *harborseal.Document, error) {
	if strings.TrimSpace(namespace) == "" {
		return nil, nil, harborseal.E(harborseal.KindValidation, "namespace is required")
	}
	doc, err := s.registry.GetByBlob(ctx, namespace, blobName, "")
	if err != nil {
		return nil, nil, err
	}
	rc, err := s.blobs.Get(ctx, namespace, blobName)
	if err != nil {
		return nil, nil, harborseal.Wrap(harborseal.KindStorage, "fetch blob", err)
	}
	return rc, doc, nil
}

// Delete removes a document from all three stores. The registry row is
// tombstoned first, then vectors, then the blob, and the row last, so a
// failure partway is retryable by repeating the call. A document mid-index
// cannot be deleted and reports a conflict.
func (s *Service) Delete(ctx context.Context, namespace, blobName, documentID string) error {
	if strings.TrimSpace(namespace) == "" {
		return harborseal.E(harborseal.KindValidation, "namespace is required")
	}
	doc, err := s.registry.GetByBlobAny(ctx, namespace, blobName, documentID)
	if err != nil {
		return err
	}

	if !s.locks.TryAcquire(namespace, doc.ID) {
		return harborseal.E(harborseal.KindConflict, "document is busy, retry shortly")
	}
	defer s.locks.Release(namespace, doc.ID)

	if doc.State != harborseal.StateDeleting {
		ok, err := s.registry.Transition(ctx, doc.ID,
			[]harborseal.DocumentState{harborseal.StateUploaded, harborseal.StateIndexed, harborseal.StateFailed},
			harborseal.StateDeleting)
		if err != nil {
			return harborseal.Wrap(harborseal.KindStorage, "tombstone document", err)
		}
		if !ok {
			// An indexing state nobody has touched for the stale window
			// belongs to a crashed pipeline; tombstone it anyway so the
			// document is not wedged forever.
			ok, err = s.registry.TransitionStaleIndexing(ctx, doc.ID, harborseal.StateDeleting, s.staleAfter)
			if err != nil {
				return harborseal.Wrap(harborseal.KindStorage, "tombstone document", err)
			}
			if !ok {
				return harborseal.E(harborseal.KindConflict, "document is being indexed, retry shortly")
			}
		}
	}

	// Past the tombstone every failure leaves a partial delete. The
	// tombstoned row stays behind so a retry can finish the job.
	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := s.chunks.DeleteByDocument(detached, doc.ID); err != nil {
		return partial("remove chunk vectors", err)
	}
	// The chunks are out of the index now, so any cached answer derived
	// from them must go too, even if the remaining cleanup steps fail.
	s.cache.Invalidate(detached, namespace)
	if err := s.blobs.Delete(detached, namespace, blobName); err != nil && !harborseal.IsKind(err, harborseal.KindNotFound) {
		return partial("remove blob", err)
	}
	if err := s.registry.Remove(detached, doc.ID); err != nil {
		return partial("remove registry entry", err)
	}

	s.logger.Info("deleted document",
		zap.String("namespace", namespace),
		zap.String("document_id", doc.ID),
		zap.String("blob_name", blobName))
	return nil
}

// partial forces the partial-delete kind regardless of the underlying
// error's own classification, since past the tombstone that is what the
// caller needs to know.
func partial(message string, err error) error {
	return &harborseal.Error{Kind: harborseal.KindPartialDelete, Message: message, Err: err}
}

func contentType(filename string) string {
	if ct := mime.TypeByExtension(filepath.Ext(filename)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
