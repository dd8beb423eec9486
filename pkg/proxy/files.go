package proxy

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
)

const maxFileUploadBytes = 50 << 20

func (s *Server) handleFileUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxFileUploadBytes); err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "invalid_request_error", "invalid_multipart", "expected a multipart form with a file field")
		return
	}
	f, header, err := r.FormFile("file")
	if err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "invalid_request_error", "missing_file", "the file field is required")
		return
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxFileUploadBytes+1))
	if err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "invalid_request_error", "invalid_body", "failed to read uploaded file")
		return
	}
	if len(data) > maxFileUploadBytes {
		writeOpenAIError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "file_too_large", "uploaded file exceeds the size limit")
		return
	}

	mapping, perr := s.pipe.UploadFile(r.Context(), r.Header.Get("X-Account"), header.Filename, header.Header.Get("Content-Type"), data)
	if perr != nil {
		writePipelineError(w, perr)
		return
	}
	writeJSON(w, http.StatusOK, fileCard(mapping.ID, mapping.Filename, mapping.Size, mapping.CreatedAt.Unix()))
}

func (s *Server) handleFileList(w http.ResponseWriter, _ *http.Request) {
	mappings := s.registry.List()
	data := make([]map[string]any, 0, len(mappings))
	for _, m := range mappings {
		data = append(data, fileCard(m.ID, m.Filename, m.Size, m.CreatedAt.Unix()))
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (s *Server) handleFileGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, ok := s.registry.Resolve(id)
	if !ok {
		writeOpenAIError(w, http.StatusNotFound, "invalid_request_error", "file_not_found", "no such file: "+id)
		return
	}
	writeJSON(w, http.StatusOK, fileCard(m.ID, m.Filename, m.Size, m.CreatedAt.Unix()))
}

func (s *Server) handleFileDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.registry.Remove(id) {
		writeOpenAIError(w, http.StatusNotFound, "invalid_request_error", "file_not_found", "no such file: "+id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "object": "file", "deleted": true})
}

func fileCard(id, filename string, size, createdAt int64) map[string]any {
	return map[string]any{
		"id":         id,
		"object":     "file",
		"bytes":      size,
		"created_at": createdAt,
		"filename":   filename,
		"purpose":    "assistants",
	}
}
