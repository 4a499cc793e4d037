// Package index runs the embed pipeline: fetch, extract, chunk, embed,
// upsert, then flip the registry flag. The pipeline is idempotent and safe
// against concurrent deletes of the same document.
package index

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	harborseal "github.com/holmes89/harbor-seal/lib"
	"github.com/holmes89/harbor-seal/lib/blob"
	"github.com/holmes89/harbor-seal/lib/docproc"
	"github.com/holmes89/harbor-seal/lib/metrics"
)

// Registry is the slice of the document registry the pipeline needs.
type Registry interface {
	GetByBlob(ctx context.Context, namespace, blobName, documentID string) (*harborseal.Document, error)
	GetByID(ctx context.Context, id string) (*harborseal.Document, error)
	Transition(ctx context.Context, id string, from []harborseal.DocumentState, to harborseal.DocumentState) (bool, error)
	TransitionStaleIndexing(ctx context.Context, id string, to harborseal.DocumentState, olderThan time.Duration) (bool, error)
	MarkIndexed(ctx context.Context, id, embedModel string) (bool, error)
}

// ChunkStore is the vector index surface the pipeline writes to.
type ChunkStore interface {
	Replace(ctx context.Context, documentID string, chunks []harborseal.Chunk, batchSize int) error
	DeleteByDocument(ctx context.Context, documentID string) error
}

// AnswerCache drops cached answers for a namespace when its index changes.
type AnswerCache interface {
	Invalidate(ctx context.Context, namespace string)
}

type noopCache struct{}

func (noopCache) Invalidate(context.Context, string) {}

const (
	previewCount = 5

	// flushTimeout bounds the detached upsert and state flip; resetTimeout
	// bounds the detached failure reset.
	flushTimeout = time.Minute
	resetTimeout = 10 * time.Second
)

type Service struct {
	registry   Registry
	chunks     ChunkStore
	blobs      blob.Store
	embedder   harborseal.Embedder
	chunker    *docproc.Chunker
	locks      *Locks
	cache      AnswerCache
	batchSize  int
	staleAfter time.Duration
	logger     *zap.Logger
}

var _ harborseal.IndexService = (*Service)(nil)

func NewService(registry Registry, chunks ChunkStore, blobs blob.Store, embedder harborseal.Embedder, chunker *docproc.Chunker, locks *Locks, cache AnswerCache, batchSize int, staleAfter time.Duration, logger *zap.Logger) *Service {
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
		registry:   registry,
		chunks:     chunks,
		blobs:      blobs,
		embedder:   embedder,
		chunker:    chunker,
		locks:      locks,
		cache:      cache,
		batchSize:  batchSize,
		staleAfter: staleAfter,
		logger:     logger,
	}
}

// Embed indexes an uploaded document. Invoking it on an already-indexed
// document is a no-op success. A concurrent embed or delete of the same
// document surfaces as a conflict; a tombstoned document as not found.
func (s *Service) Embed(ctx context.Context, namespace, blobName string) error {
	doc, err := s.registry.GetByBlob(ctx, namespace, blobName, "")
	if err != nil {
		return err
	}
	if doc.Indexed() {
		return nil
	}

	if !s.locks.TryAcquire(namespace, doc.ID) {
		return harborseal.E(harborseal.KindConflict, "document is busy, retry shortly")
	}
	defer s.locks.Release(namespace, doc.ID)

	ok, err := s.registry.Transition(ctx, doc.ID,
		[]harborseal.DocumentState{harborseal.StateUploaded, harborseal.StateFailed},
		harborseal.StateIndexing)
	if err != nil {
		return harborseal.Wrap(harborseal.KindStorage, "claim document for indexing", err)
	}
	if !ok {
		// A crashed pipeline leaves the document stranded in indexing with
		// nothing ever moving it on. Reclaim the claim once the state is
		// old enough that no live pipeline can still own it.
		ok, err = s.registry.TransitionStaleIndexing(ctx, doc.ID, harborseal.StateIndexing, s.staleAfter)
		if err != nil {
			return harborseal.Wrap(harborseal.KindStorage, "reclaim stale indexing document", err)
		}
		if !ok {
			return s.explainLostClaim(ctx, doc.ID)
		}
		s.logger.Warn("reclaimed document stranded in indexing",
			zap.String("namespace", doc.Namespace),
			zap.String("document_id", doc.ID))
	}

	if err := s.runGuarded(ctx, doc); err != nil {
		s.resetToFailed(ctx, doc.ID)
		return err
	}
	return nil
}

// runGuarded resets the registry state even when the pipeline panics, so a
// panic cannot strand the document in indexing until the stale window.
func (s *Service) runGuarded(ctx context.Context, doc *harborseal.Document) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			s.resetToFailed(ctx, doc.ID)
			panic(rec)
		}
	}()
	return s.run(ctx, doc)
}

// run does the pipeline work while the document is in the indexing state.
func (s *Service) run(ctx context.Context, doc *harborseal.Document) error {
	rc, err := s.blobs.Get(ctx, doc.Namespace, doc.BlobName)
	if err != nil {
		return harborseal.Wrap(harborseal.KindStorage, "fetch blob", err)
	}
	data, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		return harborseal.Wrap(harborseal.KindStorage, "read blob", err)
	}

	text, err := docproc.ExtractText(ctx, data, doc.Filename)
	if err != nil {
		return err
	}

	chunks, err := s.chunker.Split(doc.ID, doc.Namespace, text)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		return harborseal.E(harborseal.KindValidation, "no chunks generated from document")
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return err
	}
	for i := range chunks {
		chunks[i].Vector = vectors[i]
	}

	// The upsert and the state flip run on a context detached from the
	// client so a disconnect cannot abandon the document mid-flip, with a
	// fresh deadline of their own so the writes stay bounded.
	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()
	if err := s.chunks.Replace(detached, doc.ID, chunks, s.batchSize); err != nil {
		return harborseal.Wrap(harborseal.KindStorage, "upsert chunk vectors", err)
	}

	ok, err := s.registry.MarkIndexed(detached, doc.ID, s.embedder.Model())
	if err != nil {
		return harborseal.Wrap(harborseal.KindStorage, "mark document indexed", err)
	}
	if !ok {
		// The document left the indexing state underneath us, which means
		// a delete won the race in another process. Remove the vectors we
		// just wrote so no orphan entries survive.
		if err := s.chunks.DeleteByDocument(detached, doc.ID); err != nil {
			s.logger.Warn("orphan chunk cleanup failed", zap.String("document_id", doc.ID), zap.Error(err))
		}
		return harborseal.E(harborseal.KindNotFound, "document was deleted during indexing")
	}

	// Cached answers may have been computed against the namespace before
	// this document existed; drop them so asks see the new content.
	s.cache.Invalidate(detached, doc.Namespace)

	metrics.DocumentsIndexed.Inc()
	metrics.ChunksIndexed.Add(float64(len(chunks)))
	s.logger.Info("indexed document",
		zap.String("namespace", doc.Namespace),
		zap.String("document_id", doc.ID),
		zap.Int("chunks", len(chunks)))
	return nil
}

// explainLostClaim re-reads the registry after a failed claim to report why.
func (s *Service) explainLostClaim(ctx context.Context, id string) error {
	current, err := s.registry.GetByID(ctx, id)
	if err != nil {
		return err
	}
	switch current.State {
	case harborseal.StateIndexed:
		return nil
	case harborseal.StateDeleting:
		return harborseal.E(harborseal.KindNotFound, "document is being deleted")
	default:
		return harborseal.E(harborseal.KindConflict, "document is busy, retry shortly")
	}
}

func (s *Service) resetToFailed(ctx context.Context, id string) {
	// Runs even when the request context is gone so the document never
	// sticks in the indexing state.
	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), resetTimeout)
	defer cancel()
	if _, err := s.registry.Transition(detached, id,
		[]harborseal.DocumentState{harborseal.StateIndexing},
		harborseal.StateFailed); err != nil {
		s.logger.Warn("failed to reset document after indexing error", zap.String("document_id", id), zap.Error(err))
	}
}

// PreviewChunks splits a document the way the embed pipeline would and
// returns the first few chunks, without touching the vector index.
func (s *Service) PreviewChunks(ctx context.Context, namespace, blobName string) (*harborseal.ChunkPreview, error) {
	doc, err := s.registry.GetByBlob(ctx, namespace, blobName, "")
	if err != nil {
		return nil, err
	}

	rc, err := s.blobs.Get(ctx, namespace, doc.BlobName)
	if err != nil {
		return nil, harborseal.Wrap(harborseal.KindStorage, "fetch blob", err)
	}
	data, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		return nil, harborseal.Wrap(harborseal.KindStorage, "read blob", err)
	}

	text, err := docproc.ExtractText(ctx, data, doc.Filename)
	if err != nil {
		return nil, err
	}
	chunks, err := s.chunker.Split(doc.ID, namespace, text)
	if err != nil {
		return nil, err
	}

	preview := &harborseal.ChunkPreview{TotalChunks: len(chunks)}
	preview.Chunks = chunks[:min(previewCount, len(chunks))]
	return preview, nil
}
