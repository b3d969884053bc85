package api

import (
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/classmind/kbengine/pkg/errdefs"
	"github.com/classmind/kbengine/pkg/ingest"
	"github.com/classmind/kbengine/pkg/types"
)

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())

	req, err := s.uploadFromForm(w, r, "file")
	if err != nil {
		writeError(w, r, err)
		return
	}
	doc, err := s.ingestor.Upload(r.Context(), userID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewDocument(doc))
}

func (s *Server) handleBatchUpload(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())

	if err := s.parseMultipart(w, r); err != nil {
		writeError(w, r, err)
		return
	}
	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeBadRequest(w, "no files in batch")
		return
	}

	reqs := make([]*ingest.UploadRequest, 0, len(headers))
	for _, h := range headers {
		req, err := uploadFromHeader(h)
		if err != nil {
			writeError(w, r, err)
			return
		}
		req.Category = r.FormValue("category")
		reqs = append(reqs, req)
	}

	batch, docs, err := s.ingestor.UploadBatch(r.Context(), userID, reqs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"batch":     viewBatch(batch),
		"documents": viewDocuments(docs),
	})
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())

	space, err := s.store.GetSpaceByUser(r.Context(), userID)
	if errdefs.KindOf(err) == errdefs.KindNotFound {
		writeJSON(w, http.StatusOK, map[string]any{"documents": []documentView{}, "total": 0})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	docs, err := s.store.ListDocuments(r.Context(), space.ID, limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	total, err := s.store.CountDocuments(r.Context(), space.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"documents": viewDocuments(docs),
		"total":     total,
	})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.ownedDocument(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewDocument(doc))
}

// handleUpdateDocument replaces a document's content when the request
// is multipart, and updates category/tags when it is JSON.
func (s *Server) handleUpdateDocument(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())
	documentID := chi.URLParam(r, "documentID")

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		req, err := s.uploadFromForm(w, r, "file")
		if err != nil {
			writeError(w, r, err)
			return
		}
		doc, err := s.ingestor.Update(r.Context(), userID, documentID, req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, viewDocument(doc))
		return
	}

	var body struct {
		Category string   `json:"category"`
		Tags     []string `json:"tags"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	doc, err := s.ownedDocument(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.store.UpdateDocumentMeta(r.Context(), doc.ID, body.Category, body.Tags); err != nil {
		writeError(w, r, err)
		return
	}
	doc.Category = body.Category
	doc.Tags = body.Tags
	writeJSON(w, http.StatusOK, viewDocument(doc))
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())
	documentID := chi.URLParam(r, "documentID")

	if err := s.ingestor.Delete(r.Context(), userID, documentID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleDocumentStatus(w http.ResponseWriter, r *http.Request) {
	doc, err := s.ownedDocument(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           string(doc.Status),
		"progress_stage":   string(doc.ProgressStage),
		"progress_percent": doc.ProgressPercent,
		"error_message":    doc.ErrorMessage,
	})
}

func (s *Server) handleDocumentChunks(w http.ResponseWriter, r *http.Request) {
	doc, err := s.ownedDocument(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 20)
	chunks, total, err := s.store.ChunksPage(r.Context(), doc.ID, page, pageSize)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chunks":    viewChunks(chunks),
		"page":      page,
		"page_size": pageSize,
		"total":     total,
	})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())
	documentID := chi.URLParam(r, "documentID")

	var body struct {
		VersionNumber int `json:"version_number"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if body.VersionNumber < 1 {
		writeBadRequest(w, "version_number must be positive")
		return
	}

	doc, err := s.ingestor.Rollback(r.Context(), userID, documentID, body.VersionNumber)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewDocument(doc))
}

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	doc, err := s.ownedDocument(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	versions, err := s.store.ListVersions(r.Context(), doc.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": viewVersions(versions)})
}

// ownedDocument loads the routed document and checks ownership.
func (s *Server) ownedDocument(r *http.Request) (*types.Document, error) {
	return s.loadOwned(r.Context(), userFrom(r.Context()), chi.URLParam(r, "documentID"))
}

func (s *Server) loadOwned(ctx context.Context, userID, documentID string) (*types.Document, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.UserID != userID {
		return nil, errdefs.E(errdefs.KindForbidden, "document %s belongs to another user", documentID)
	}
	return doc, nil
}

// parseMultipart bounds and parses the form. The hard cap is generous;
// per-file size limits are enforced at admission.
func (s *Server) parseMultipart(w http.ResponseWriter, r *http.Request) error {
	limit := s.cfg.MaxFileSize*8 + maxBodyBytes
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(s.cfg.MaxFileSize); err != nil {
		if strings.Contains(err.Error(), "request body too large") {
			return errdefs.E(errdefs.KindFileTooLarge, "request body exceeds %d bytes", limit)
		}
		return errdefs.Wrap(errdefs.KindInternal, err, "parse multipart form")
	}
	return nil
}

func (s *Server) uploadFromForm(w http.ResponseWriter, r *http.Request, field string) (*ingest.UploadRequest, error) {
	if err := s.parseMultipart(w, r); err != nil {
		return nil, err
	}
	headers := r.MultipartForm.File[field]
	if len(headers) == 0 {
		return nil, errdefs.E(errdefs.KindUnsupportedType, "form field %q is missing", field)
	}
	req, err := uploadFromHeader(headers[0])
	if err != nil {
		return nil, err
	}
	req.Category = r.FormValue("category")
	if tags := strings.TrimSpace(r.FormValue("tags")); tags != "" {
		for _, t := range strings.Split(tags, ",") {
			if t = strings.TrimSpace(t); t != "" {
				req.Tags = append(req.Tags, t)
			}
		}
	}
	return req, nil
}

func uploadFromHeader(h *multipart.FileHeader) (*ingest.UploadRequest, error) {
	f, err := h.Open()
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "open uploaded file %s", h.Filename)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "read uploaded file %s", h.Filename)
	}
	return &ingest.UploadRequest{
		FileName:     h.Filename,
		DeclaredMime: h.Header.Get("Content-Type"),
		Data:         data,
	}, nil
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
