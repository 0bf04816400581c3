package api

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ChrisB0-2/extension-guard/internal/core"
	"github.com/ChrisB0-2/extension-guard/internal/logger"
)

type fileResponse struct {
	ID               string    `json:"id"`
	OriginalFilename string    `json:"originalFileName"`
	StoredFilename   string    `json:"storedFileName"`
	Extension        string    `json:"extension"`
	FileSize         int64     `json:"fileSize"`
	ContentType      string    `json:"contentType"`
	Status           string    `json:"status"`
	Protected        bool      `json:"protected"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

func newFileResponse(f core.UploadedFile) fileResponse {
	return fileResponse{
		ID:               f.ID,
		OriginalFilename: f.OriginalFilename,
		StoredFilename:   f.StoredFilename,
		Extension:        f.Extension,
		FileSize:         f.SizeBytes,
		ContentType:      f.ContentType,
		Status:           string(f.Status),
		Protected:        f.Protected,
		CreatedAt:        f.CreatedAt,
		UpdatedAt:        f.UpdatedAt,
	}
}

func newFileList(list []core.UploadedFile) []fileResponse {
	out := make([]fileResponse, 0, len(list))
	for _, f := range list {
		out = append(out, newFileResponse(f))
	}
	return out
}

// protectionRequest accepts "protected" and the older "deletionException".
type protectionRequest struct {
	Protected         *bool `json:"protected"`
	DeletionException *bool `json:"deletionException"`
}

func (s *Server) listFiles(w http.ResponseWriter, r *http.Request) {
	list, err := s.cfg.Files.List(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newFileList(list))
}

func (s *Server) filesByStatus(w http.ResponseWriter, r *http.Request) {
	list, err := s.cfg.Files.ByStatus(r.Context(), chi.URLParam(r, "status"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newFileList(list))
}

func (s *Server) filesByExtension(w http.ResponseWriter, r *http.Request) {
	list, err := s.cfg.Files.ByExtension(r.Context(), chi.URLParam(r, "extension"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newFileList(list))
}

func (s *Server) getFile(w http.ResponseWriter, r *http.Request) {
	f, err := s.cfg.Files.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newFileResponse(f))
}

func (s *Server) downloadFile(w http.ResponseWriter, r *http.Request) {
	f, body, err := s.cfg.Files.Open(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	defer body.Close()

	contentType := f.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(f.SizeBytes, 10))
	w.Header().Set("Content-Disposition",
		mime.FormatMediaType("attachment", map[string]string{"filename": f.OriginalFilename}))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, body); err != nil {
		logger.FromContext(r.Context(), s.log).Warn("download interrupted", logger.F("id", f.ID), logger.Err(err))
	}
}

func (s *Server) deleteFile(w http.ResponseWriter, r *http.Request) {
	f, err := s.cfg.Files.Delete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"id":      f.ID,
		"message": fmt.Sprintf("file %s deleted", f.OriginalFilename),
	})
}

func (s *Server) setProtection(w http.ResponseWriter, r *http.Request) {
	var req protectionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	flag := req.Protected
	if flag == nil {
		flag = req.DeletionException
	}
	if flag == nil {
		writeJSONError(w, http.StatusBadRequest, "missing field: protected")
		return
	}

	f, err := s.cfg.Files.SetProtected(r.Context(), chi.URLParam(r, "id"), *flag)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newFileResponse(f))
}
