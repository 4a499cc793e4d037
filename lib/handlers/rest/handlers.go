package rest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	harborseal "github.com/holmes89/harbor-seal/lib"
)

// Handler registers the document and question routes on a ServeMux.
type Handler struct {
	documents harborseal.DocumentService
	indexer   harborseal.IndexService
	asker     harborseal.AskService
	logger    *zap.Logger
}

func NewHandler(documents harborseal.DocumentService, indexer harborseal.IndexService, asker harborseal.AskService, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		documents: documents,
		indexer:   indexer,
		asker:     asker,
		logger:    logger,
	}
}

// SetupRoutes wires every route onto a fresh mux.
func (h *Handler) SetupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /upload", h.upload)
	mux.HandleFunc("POST /api/files/{blob}/embed", h.embed)
	mux.HandleFunc("GET /api/files/{blob}/chunks", h.chunks)
	mux.HandleFunc("POST /api/ask", h.ask)
	mux.HandleFunc("GET /api/documents", h.list)
	mux.HandleFunc("GET /api/documents/{blob}/download", h.download)
	mux.HandleFunc("DELETE /api/documents/{blob}", h.remove)

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	namespace := r.URL.Query().Get("namespace")

	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, r, harborseal.E(harborseal.KindValidation, "multipart form field 'file' is required"))
		return
	}
	defer file.Close()

	receipt, err := h.documents.Upload(r.Context(), namespace, header.Filename, file)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

func (h *Handler) embed(w http.ResponseWriter, r *http.Request) {
	namespace := r.URL.Query().Get("namespace")
	blobName := r.PathValue("blob")

	if err := h.indexer.Embed(r.Context(), namespace, blobName); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"indexed": true})
}

func (h *Handler) chunks(w http.ResponseWriter, r *http.Request) {
	namespace := r.URL.Query().Get("namespace")
	blobName := r.PathValue("blob")

	preview, err := h.indexer.PreviewChunks(r.Context(), namespace, blobName)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (h *Handler) ask(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	namespace := q.Get("namespace")
	question := q.Get("question")

	topK := 0
	if raw := q.Get("top_k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, r, harborseal.E(harborseal.KindValidation, "top_k must be an integer"))
			return
		}
		topK = n
	}

	answer, err := h.asker.Ask(r.Context(), namespace, question, topK)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

// documentResponse is the list wire shape. It carries a derived is_indexed
// flag instead of exposing the registry state machine.
type documentResponse struct {
	DocumentID string `json:"document_id"`
	Filename   string `json:"filename"`
	BlobName   string `json:"blob_name"`
	Size       int64  `json:"size"`
	UploadDate string `json:"upload_date"`
	IsIndexed  bool   `json:"is_indexed"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	namespace := r.URL.Query().Get("namespace")

	docs, err := h.documents.List(r.Context(), namespace)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := make([]documentResponse, 0, len(docs))
	for _, d := range docs {
		out = append(out, documentResponse{
			DocumentID: d.ID,
			Filename:   d.Filename,
			BlobName:   d.BlobName,
			Size:       d.Size,
			UploadDate: d.UploadDate.UTC().Format("2006-01-02T15:04:05Z"),
			IsIndexed:  d.Indexed(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": out})
}

func (h *Handler) download(w http.ResponseWriter, r *http.Request) {
	namespace := r.URL.Query().Get("namespace")
	blobName := r.PathValue("blob")

	rc, doc, err := h.documents.Download(r.Context(), namespace, blobName)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+doc.Filename+`"`)
	w.Header().Set("Content-Length", strconv.FormatInt(doc.Size, 10))
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("download stream interrupted", zap.String("blob_name", blobName), zap.Error(err))
	}
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	namespace := r.URL.Query().Get("namespace")
	blobName := r.PathValue("blob")
	documentID := r.URL.Query().Get("document_id")

	if err := h.documents.Delete(r.Context(), namespace, blobName, documentID); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := harborseal.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("kind", string(kind)),
			zap.Error(err))
	}

	message := err.Error()
	var e *harborseal.Error
	if errors.As(err, &e) {
		message = e.Message
	}
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"kind":    string(kind),
			"message": message,
		},
	})
}

func statusFor(kind harborseal.Kind) int {
	switch kind {
	case harborseal.KindValidation:
		return http.StatusBadRequest
	case harborseal.KindNotFound:
		return http.StatusNotFound
	case harborseal.KindConflict:
		return http.StatusConflict
	case harborseal.KindTimeout:
		return http.StatusGatewayTimeout
	case harborseal.KindExtraction, harborseal.KindStorage, harborseal.KindEmbedding,
		harborseal.KindGeneration, harborseal.KindPartialDelete:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
