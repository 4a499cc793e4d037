package harborseal

import (
	"context"
	"io"
	"time"
)

// DocumentState is the registry lifecycle state of a document.
type DocumentState string

const (
	StateUploaded DocumentState = "uploaded"
	StateIndexing DocumentState = "indexing"
	StateIndexed  DocumentState = "indexed"
	StateFailed   DocumentState = "failed"
	// StateDeleting marks a tombstoned document. Tombstoned documents are
	// invisible to list, download and retrieval while physical cleanup runs.
	StateDeleting DocumentState = "deleting"
)

// Document is a registry entry scoped to a namespace.
type Document struct {
	ID         string        `json:"document_id"`
	Namespace  string        `json:"namespace"`
	Filename   string        `json:"filename"`
	BlobName   string        `json:"blob_name"`
	Size       int64         `json:"size"`
	State      DocumentState `json:"-"`
	EmbedModel string        `json:"-"`
	UploadDate time.Time     `json:"upload_date"`
}

// Indexed reports whether all chunks for the document are durably upserted.
func (d Document) Indexed() bool {
	return d.State == StateIndexed
}

// Chunk is a bounded passage of a document's text, the unit of embedding
// and retrieval. Sequence preserves original document order.
type Chunk struct {
	DocumentID string    `json:"document_id"`
	Namespace  string    `json:"namespace"`
	Sequence   int       `json:"chunk_index"`
	Text       string    `json:"text"`
	Vector     []float32 `json:"-"`
}

// SearchResult is a chunk returned from a similarity query.
type SearchResult struct {
	DocumentID string  `json:"document_id"`
	Filename   string  `json:"filename"`
	Sequence   int     `json:"chunk_index"`
	Text       string  `json:"text"`
	Similarity float64 `json:"similarity"`
}

// UploadReceipt identifies a freshly uploaded document.
type UploadReceipt struct {
	BlobName   string `json:"blob_name"`
	DocumentID string `json:"document_id"`
}

// Answer is the generated response for a question, with the retrieved
// chunks it was derived from.
type Answer struct {
	Text    string         `json:"answer"`
	Sources []SearchResult `json:"sources,omitempty"`
}

// ChunkPreview holds the first few chunks a document would split into.
type ChunkPreview struct {
	TotalChunks int     `json:"total_chunks"`
	Chunks      []Chunk `json:"chunks"`
}

// DocumentService manages the document lifecycle within a namespace:
// upload, listing, download and tombstoned delete.
type DocumentService interface {
	Upload(ctx context.Context, namespace, filename string, r io.Reader) (*UploadReceipt, error)
	List(ctx context.Context, namespace string) ([]Document, error)
	Download(ctx context.Context, namespace, blobName string) (io.ReadCloser, *Document, error)
	Delete(ctx context.Context, namespace, blobName, documentID string) error
}

// IndexService runs the chunk/embed/index pipeline for uploaded documents.
type IndexService interface {
	Embed(ctx context.Context, namespace, blobName string) error
	PreviewChunks(ctx context.Context, namespace, blobName string) (*ChunkPreview, error)
}

// AskService answers natural-language questions from indexed chunks.
type AskService interface {
	Ask(ctx context.Context, namespace, question string, topK int) (*Answer, error)
}

// Embedder maps text to fixed-dimension vectors. Implementations carry the
// identity of the embedding model so a namespace can reject queries embedded
// with a different model than its chunks.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Model() string
}
