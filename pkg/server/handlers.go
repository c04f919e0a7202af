package server

import (
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/kevinhaoaus/web-image-classifier/pkg/classify"
	"github.com/kevinhaoaus/web-image-classifier/pkg/imaging"
	"github.com/kevinhaoaus/web-image-classifier/pkg/models"
)

const (
	formField        = "image"
	defaultListLimit = 50
	multipartMemory  = 32 << 20
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// readUpload reads at most one byte past the size limit so validation can
// tell an oversized file from one exactly at the limit.
func (s *Server) readUpload(fh *multipart.FileHeader, lastModified time.Time) (imaging.Upload, error) {
	f, err := fh.Open()
	if err != nil {
		return imaging.Upload{}, fmt.Errorf("open %s: %w", fh.Filename, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, s.cfg.Upload.MaxBytes+1))
	if err != nil {
		return imaging.Upload{}, fmt.Errorf("read %s: %w", fh.Filename, err)
	}
	return imaging.Upload{Name: fh.Filename, Data: data, LastModified: lastModified}, nil
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "expected multipart form with an image field")
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File[formField]
	if len(files) == 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid_image", "no file selected")
		return
	}

	lastModified := time.Now().UTC()
	if v := r.FormValue("last_modified"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			lastModified = t
		}
	}

	uploads := make([]imaging.Upload, 0, len(files))
	for _, fh := range files {
		up, err := s.readUpload(fh, lastModified)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		uploads = append(uploads, up)
	}

	if len(uploads) == 1 {
		rec, err := s.svc.Classify(r.Context(), uploads[0])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
		return
	}

	results := s.svc.ClassifyBatch(r.Context(), uploads, nil)
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	recs, err := s.svc.History(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []models.ClassificationRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"classifications": recs})
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.ClearHistory(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs []int64 `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "expected {\"ids\": [...]}")
		return
	}
	if err := s.svc.DeleteHistory(r.Context(), body.IDs); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	doc, err := s.svc.Export(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename=%q`, classify.ExportFilename(doc)))
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleModelStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.ModelStatus())
}

func (s *Server) handleModelLoad(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Preload(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.ModelStatus())
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeJSONError(w, http.StatusNotFound, "offline_disabled", "offline cache is disabled")
		return
	}
	st, err := s.cache.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if st.Generations == nil {
		st.Generations = []models.GenerationStats{}
	}
	writeJSON(w, http.StatusOK, st)
}
