package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	harborseal "github.com/holmes89/harbor-seal/lib"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const documentColumns = "id, namespace, filename, blob_name, size_bytes, state, embed_model, uploaded_at"

// DocumentRepo is the durable registry of documents and their lifecycle
// state. State changes are compare-and-swap so concurrent embed and delete
// pipelines serialize on the registry even across processes.
type DocumentRepo struct {
	*Conn
}

func (r *DocumentRepo) Create(ctx context.Context, d *harborseal.Document) error {
	if d.UploadDate.IsZero() {
		d.UploadDate = time.Now().UTC()
	}
	_, err := psql.Insert("documents").
		Columns("id", "namespace", "filename", "blob_name", "size_bytes", "state", "uploaded_at").
		Values(d.ID, d.Namespace, d.Filename, d.BlobName, d.Size, string(d.State), d.UploadDate).
		RunWith(r.conn).ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("insert document %s: %w", d.ID, err)
	}
	return nil
}

func (r *DocumentRepo) GetByID(ctx context.Context, id string) (*harborseal.Document, error) {
	row := psql.Select(documentColumns).
		From("documents").
		Where(sq.Eq{"id": id}).
		RunWith(r.conn).
		QueryRowContext(ctx)
	return scanDocument(row)
}

// GetByBlob resolves a blob name within a namespace to its document.
// Tombstoned documents are treated as absent. When several documents share
// the blob name, documentID disambiguates; otherwise the newest wins.
func (r *DocumentRepo) GetByBlob(ctx context.Context, namespace, blobName, documentID string) (*harborseal.Document, error) {
	return r.getByBlob(ctx, namespace, blobName, documentID, false)
}

// GetByBlobAny is GetByBlob including tombstoned documents, for delete
// retries that resume cleanup of an existing tombstone.
func (r *DocumentRepo) GetByBlobAny(ctx context.Context, namespace, blobName, documentID string) (*harborseal.Document, error) {
	return r.getByBlob(ctx, namespace, blobName, documentID, true)
}

func (r *DocumentRepo) getByBlob(ctx context.Context, namespace, blobName, documentID string, includeDeleting bool) (*harborseal.Document, error) {
	q := psql.Select(documentColumns).
		From("documents").
		Where(sq.Eq{"namespace": namespace, "blob_name": blobName}).
		OrderBy("uploaded_at DESC", "id DESC").
		Limit(1)
	if documentID != "" {
		q = q.Where(sq.Eq{"id": documentID})
	}
	if !includeDeleting {
		q = q.Where(sq.NotEq{"state": string(harborseal.StateDeleting)})
	}
	row := q.RunWith(r.conn).QueryRowContext(ctx)
	return scanDocument(row)
}

// List returns all visible documents in the namespace ordered by upload
// time. Tombstoned documents are excluded.
func (r *DocumentRepo) List(ctx context.Context, namespace string) ([]harborseal.Document, error) {
	rows, err := psql.Select(documentColumns).
		From("documents").
		Where(sq.Eq{"namespace": namespace}).
		Where(sq.NotEq{"state": string(harborseal.StateDeleting)}).
		OrderBy("uploaded_at ASC", "id ASC").
		RunWith(r.conn).
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []harborseal.Document
	for rows.Next() {
		d, err := scanDocumentRow(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *d)
	}
	return docs, rows.Err()
}

// Transition moves a document from any of the given states to the target
// state. It reports false without error when the document was not in an
// expected state, which callers use to detect lost races.
func (r *DocumentRepo) Transition(ctx context.Context, id string, from []harborseal.DocumentState, to harborseal.DocumentState) (bool, error) {
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}
	res, err := psql.Update("documents").
		Set("state", string(to)).
		Set("state_updated_at", sq.Expr("now()")).
		Where(sq.Eq{"id": id, "state": states}).
		RunWith(r.conn).ExecContext(ctx)
	if err != nil {
		return false, fmt.Errorf("transition document %s to %s: %w", id, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkIndexed flips indexing -> indexed and records the embedding model the
// chunks were produced with.
func (r *DocumentRepo) MarkIndexed(ctx context.Context, id, embedModel string) (bool, error) {
	res, err := psql.Update("documents").
		Set("state", string(harborseal.StateIndexed)).
		Set("embed_model", embedModel).
		Set("state_updated_at", sq.Expr("now()")).
		Where(sq.Eq{"id": id, "state": string(harborseal.StateIndexing)}).
		RunWith(r.conn).ExecContext(ctx)
	if err != nil {
		return false, fmt.Errorf("mark document %s indexed: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// TransitionStaleIndexing moves a document out of the indexing state when
// that state has not been touched for at least olderThan. An indexing row
// that old belongs to a crashed pipeline, not a live one: a live pipeline
// either finishes or resets to failed. Embed uses this to reclaim the
// document (to == indexing, which also refreshes the timestamp) and delete
// uses it to tombstone (to == deleting).
func (r *DocumentRepo) TransitionStaleIndexing(ctx context.Context, id string, to harborseal.DocumentState, olderThan time.Duration) (bool, error) {
	res, err := psql.Update("documents").
		Set("state", string(to)).
		Set("state_updated_at", sq.Expr("now()")).
		Where(sq.Eq{"id": id, "state": string(harborseal.StateIndexing)}).
		Where(sq.Expr("state_updated_at <= now() - (? * interval '1 second')", int64(olderThan.Seconds()))).
		RunWith(r.conn).ExecContext(ctx)
	if err != nil {
		return false, fmt.Errorf("reclaim stale document %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Remove deletes a tombstoned registry entry, the final step of delete.
func (r *DocumentRepo) Remove(ctx context.Context, id string) error {
	_, err := psql.Delete("documents").
		Where(sq.Eq{"id": id, "state": string(harborseal.StateDeleting)}).
		RunWith(r.conn).ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("remove document %s: %w", id, err)
	}
	return nil
}

// DistinctEmbedModels lists the embedding models indexed documents in the
// namespace were embedded with. More than one entry, or an entry differing
// from the configured model, means mixed-model state.
func (r *DocumentRepo) DistinctEmbedModels(ctx context.Context, namespace string) ([]string, error) {
	rows, err := psql.Select("DISTINCT embed_model").
		From("documents").
		Where(sq.Eq{"namespace": namespace, "state": string(harborseal.StateIndexed)}).
		RunWith(r.conn).
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list embed models: %w", err)
	}
	defer rows.Close()

	var models []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*harborseal.Document, error) {
	d, err := scanDocumentRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, harborseal.E(harborseal.KindNotFound, "document not found")
		}
		return nil, err
	}
	return d, nil
}

func scanDocumentRow(row rowScanner) (*harborseal.Document, error) {
	d := &harborseal.Document{}
	var state string
	var uploadedAt time.Time
	if err := row.Scan(&d.ID, &d.Namespace, &d.Filename, &d.BlobName, &d.Size, &state, &d.EmbedModel, &uploadedAt); err != nil {
		return nil, err
	}
	d.State = harborseal.DocumentState(state)
	d.UploadDate = uploadedAt.UTC()
	return d, nil
}
