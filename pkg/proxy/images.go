package proxy

import (
	"errors"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/driftware/chatbridge/pkg/imagecache"
)

// handleImage serves cached generated images. Entries can disappear at any
// time once the retention window passes, so 404 is a normal answer here.
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	data, contentType, err := s.images.Read(name)
	if err != nil {
		if errors.Is(err, imagecache.ErrInvalidName) || errors.Is(err, os.ErrNotExist) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "failed to read image", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(data)
}
