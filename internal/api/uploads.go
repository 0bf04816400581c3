package api

import (
	"errors"
	"mime/multipart"
	"net/http"

	"github.com/ChrisB0-2/extension-guard/internal/core"
	"github.com/ChrisB0-2/extension-guard/internal/upload"
)

const (
	formField       = "file"
	multipartMemory = 8 << 20
	multipartSlack  = 1 << 20
)

type uploadResponse struct {
	Success          bool   `json:"success"`
	Message          string `json:"message,omitempty"`
	Error            string `json:"error,omitempty"`
	FileID           string `json:"fileId,omitempty"`
	OriginalFileName string `json:"originalFileName,omitempty"`
	StoredFileName   string `json:"storedFileName,omitempty"`
	FileName         string `json:"fileName,omitempty"`
	FileSize         int64  `json:"fileSize"`
	Extension        string `json:"extension,omitempty"`
	BlockReason      string `json:"blockReason,omitempty"`
	BlockedExtension string `json:"blockedExtension,omitempty"`
}

type uploadCheckResponse struct {
	FileName         string `json:"fileName"`
	FileSize         int64  `json:"fileSize"`
	Result           string `json:"result"`
	Message          string `json:"message"`
	BlockReason      string `json:"blockReason,omitempty"`
	BlockedExtension string `json:"blockedExtension,omitempty"`
}

func (s *Server) uploadFile(w http.ResponseWriter, r *http.Request) {
	file, req, ok := s.readUpload(w, r)
	if !ok {
		return
	}
	defer file.Close()
	req.Body = file

	res, err := s.cfg.Uploads.Handle(r.Context(), req)
	if err != nil {
		var verr *core.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, uploadResponse{
				Error:       verr.Message,
				FileName:    req.Filename,
				FileSize:    req.Size,
				BlockReason: string(verr.Kind),
			})
			return
		}
		s.writeErr(w, r, err)
		return
	}

	if res.State == upload.StateRejected {
		writeJSON(w, http.StatusBadRequest, uploadResponse{
			Error:            res.Verdict.ReasonText,
			FileName:         req.Filename,
			FileSize:         req.Size,
			BlockReason:      string(res.Verdict.Reason),
			BlockedExtension: res.Verdict.Extension,
		})
		return
	}

	writeJSON(w, http.StatusOK, uploadResponse{
		Success:          true,
		Message:          "file uploaded successfully",
		FileID:           res.File.ID,
		OriginalFileName: res.File.OriginalFilename,
		StoredFileName:   res.File.StoredFilename,
		FileSize:         res.File.SizeBytes,
		Extension:        res.File.Extension,
	})
}

func (s *Server) checkUpload(w http.ResponseWriter, r *http.Request) {
	file, req, ok := s.readUpload(w, r)
	if !ok {
		return
	}
	file.Close()

	verdict, err := s.cfg.Uploads.Check(r.Context(), req)
	if err != nil {
		var verr *core.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, uploadCheckResponse{
				FileName:    req.Filename,
				FileSize:    req.Size,
				Result:      "blocked",
				Message:     verr.Message,
				BlockReason: string(verr.Kind),
			})
			return
		}
		s.writeErr(w, r, err)
		return
	}

	resp := uploadCheckResponse{
		FileName: req.Filename,
		FileSize: req.Size,
		Result:   "allowed",
		Message:  "file is allowed",
	}
	if !verdict.Allowed {
		resp.Result = "blocked"
		resp.Message = verdict.ReasonText
		resp.BlockReason = string(verdict.Reason)
		resp.BlockedExtension = verdict.Extension
	}
	writeJSON(w, http.StatusOK, resp)
}

// readUpload parses the multipart "file" part. It writes the error
// response itself and reports ok=false when the request is unusable.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (multipart.File, upload.Request, bool) {
	if s.cfg.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+multipartSlack)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusBadRequest, uploadResponse{
				Error:       s.cfg.Messages.TooLargeText(s.cfg.MaxUploadBytes),
				BlockReason: string(core.ReasonFileSizeExceeded),
			})
			return nil, upload.Request{}, false
		}
		writeJSONError(w, http.StatusBadRequest, "invalid multipart request")
		return nil, upload.Request{}, false
	}

	file, header, err := r.FormFile(formField)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, uploadResponse{
			Error:       s.cfg.Messages.NoFileSelected,
			BlockReason: string(core.ReasonInvalidFilename),
		})
		return nil, upload.Request{}, false
	}

	return file, upload.Request{
		Filename:    header.Filename,
		Size:        header.Size,
		ContentType: header.Header.Get("Content-Type"),
		ClientIP:    ClientIP(r),
		UserAgent:   r.UserAgent(),
	}, true
}
