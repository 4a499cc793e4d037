package docproc

import (
	"strings"

	"github.com/tmc/langchaingo/textsplitter"

	harborseal "github.com/holmes89/harbor-seal/lib"
)

// Chunker splits extracted text into overlapping passages. Size and overlap
// are in characters and come from configuration.
type Chunker struct {
	size    int
	overlap int
}

func NewChunker(size, overlap int) *Chunker {
	return &Chunker{size: size, overlap: overlap}
}

// Split produces the ordered chunks of a document. Sequence indexes follow
// original document order for citation.
func (c *Chunker) Split(documentID, namespace, text string) ([]harborseal.Chunk, error) {
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(c.size),
		textsplitter.WithChunkOverlap(c.overlap),
	)
	parts, err := splitter.SplitText(text)
	if err != nil {
		return nil, harborseal.Wrap(harborseal.KindExtraction, "split text", err)
	}

	chunks := make([]harborseal.Chunk, 0, len(parts))
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			continue
		}
		chunks = append(chunks, harborseal.Chunk{
			DocumentID: documentID,
			Namespace:  namespace,
			Sequence:   len(chunks),
			Text:       part,
		})
	}
	return chunks, nil
}
