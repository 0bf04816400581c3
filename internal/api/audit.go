package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ChrisB0-2/extension-guard/internal/core"
)

type auditEntryResponse struct {
	ID               int64     `json:"id"`
	Action           string    `json:"action"`
	Filename         string    `json:"fileName"`
	FileSize         int64     `json:"fileSize"`
	IPAddress        string    `json:"ipAddress"`
	UserAgent        string    `json:"userAgent,omitempty"`
	Blocked          bool      `json:"blocked"`
	Message          string    `json:"message,omitempty"`
	BlockedExtension string    `json:"blockedExtension,omitempty"`
	BlockReason      string    `json:"blockReason,omitempty"`
	UploadTime       time.Time `json:"uploadTime"`
}

type auditPageResponse struct {
	Content       []auditEntryResponse `json:"content"`
	Page          int                  `json:"page"`
	Size          int                  `json:"size"`
	TotalElements int64                `json:"totalElements"`
	TotalPages    int64                `json:"totalPages"`
}

func newAuditPageResponse(p core.AuditPage) auditPageResponse {
	resp := auditPageResponse{
		Content:       make([]auditEntryResponse, 0, len(p.Entries)),
		Page:          p.Page,
		Size:          p.Size,
		TotalElements: p.Total,
	}
	if p.Size > 0 {
		resp.TotalPages = (p.Total + int64(p.Size) - 1) / int64(p.Size)
	}
	for _, e := range p.Entries {
		resp.Content = append(resp.Content, auditEntryResponse{
			ID:               e.ID,
			Action:           string(e.Action),
			Filename:         e.Filename,
			FileSize:         e.SizeBytes,
			IPAddress:        e.ClientIP,
			UserAgent:        e.UserAgent,
			Blocked:          e.Blocked,
			Message:          e.ReasonText,
			BlockedExtension: e.BlockedExtension,
			BlockReason:      string(e.ReasonKind),
			UploadTime:       e.Time,
		})
	}
	return resp
}

func (s *Server) blockedAudit(w http.ResponseWriter, r *http.Request) {
	page, err := s.pageRequest(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := s.cfg.Audit.QueryBlocked(r.Context(), page)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAuditPageResponse(p))
}

// pageRequest reads page and size. Negative pages become zero; sizes are
// clamped to the configured bounds.
func (s *Server) pageRequest(r *http.Request) (core.PageRequest, error) {
	q := r.URL.Query()
	page, err := intParam(q.Get("page"), 0)
	if err != nil {
		return core.PageRequest{}, errInvalidParam("page")
	}
	size, err := intParam(q.Get("size"), s.cfg.DefaultPageSize)
	if err != nil {
		return core.PageRequest{}, errInvalidParam("size")
	}
	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = s.cfg.DefaultPageSize
	}
	if size > s.cfg.MaxPageSize {
		size = s.cfg.MaxPageSize
	}
	return core.PageRequest{Page: page, Size: size}, nil
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

type errInvalidParam string

func (e errInvalidParam) Error() string {
	return "invalid query parameter: " + string(e)
}
