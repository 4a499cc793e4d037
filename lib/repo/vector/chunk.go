// Package vector stores chunk embeddings in pgvector and serves the
// similarity queries behind retrieval.
package vector

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/pgvector/pgvector-go"

	harborseal "github.com/holmes89/harbor-seal/lib"
	"github.com/holmes89/harbor-seal/lib/repo"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type ChunkRepo struct {
	*repo.Conn
}

func NewChunkRepo(conn *repo.Conn) *ChunkRepo {
	return &ChunkRepo{Conn: conn}
}

// Replace upserts all chunks of a document as one logical batch. It deletes
// any existing chunks first so a retried embed after a partial failure never
// accumulates duplicates. The whole replace runs in a transaction; inserts
// go out in bounded batches to keep statements a sane size.
func (r *ChunkRepo) Replace(ctx context.Context, documentID string, chunks []harborseal.Chunk, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 64
	}
	tx, err := r.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin chunk replace: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := psql.Delete("document_chunks").
		Where(sq.Eq{"document_id": documentID}).
		RunWith(tx).ExecContext(ctx); err != nil {
		return fmt.Errorf("clear chunks for %s: %w", documentID, err)
	}

	for start := 0; start < len(chunks); start += batchSize {
		end := min(start+batchSize, len(chunks))
		ins := psql.Insert("document_chunks").
			Columns("document_id", "namespace", "chunk_index", "content", "embedding")
		for _, c := range chunks[start:end] {
			ins = ins.Values(c.DocumentID, c.Namespace, c.Sequence, c.Text, pgvector.NewVector(c.Vector))
		}
		if _, err := ins.RunWith(tx).ExecContext(ctx); err != nil {
			return fmt.Errorf("insert chunk batch for %s: %w", documentID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit chunk replace: %w", err)
	}
	return nil
}

// Search returns the top-k most similar chunks in the namespace by cosine
// distance. Chunks of tombstoned documents never surface, even while their
// physical cleanup is still pending.
func (r *ChunkRepo) Search(ctx context.Context, namespace string, query []float32, limit int) ([]harborseal.SearchResult, error) {
	qv := pgvector.NewVector(query)
	rows, err := r.DB().QueryContext(ctx, `
		SELECT c.document_id, d.filename, c.chunk_index, c.content,
		       1 - (c.embedding <=> $1) AS similarity
		FROM document_chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.namespace = $2
		  AND d.state <> $3
		ORDER BY c.embedding <=> $1
		LIMIT $4`,
		qv, namespace, string(harborseal.StateDeleting), limit)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	defer rows.Close()

	var results []harborseal.SearchResult
	for rows.Next() {
		var res harborseal.SearchResult
		if err := rows.Scan(&res.DocumentID, &res.Filename, &res.Sequence, &res.Text, &res.Similarity); err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

// DeleteByDocument removes all index entries for a document.
func (r *ChunkRepo) DeleteByDocument(ctx context.Context, documentID string) error {
	if _, err := psql.Delete("document_chunks").
		Where(sq.Eq{"document_id": documentID}).
		RunWith(r.DB()).ExecContext(ctx); err != nil {
		return fmt.Errorf("delete chunks for %s: %w", documentID, err)
	}
	return nil
}

// CountByDocument reports how many chunks a document has in the index.
func (r *ChunkRepo) CountByDocument(ctx context.Context, documentID string) (int, error) {
	var n int
	err := psql.Select("COUNT(*)").
		From("document_chunks").
		Where(sq.Eq{"document_id": documentID}).
		RunWith(r.DB()).
		QueryRowContext(ctx).
		Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count chunks for %s: %w", documentID, err)
	}
	return n, nil
}
