package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ChrisB0-2/extension-guard/internal/core"
	"github.com/ChrisB0-2/extension-guard/internal/executor"
	"github.com/ChrisB0-2/extension-guard/internal/policy"
)

type fixedRuleResponse struct {
	Extension string    `json:"extension"`
	Blocked   bool      `json:"isBlocked"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	CascadeID string    `json:"cascadeId,omitempty"`
}

func newFixedRuleResponse(r core.FixedRule) fixedRuleResponse {
	return fixedRuleResponse{
		Extension: r.Extension,
		Blocked:   r.Blocked,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

type customRuleResponse struct {
	ID        string    `json:"id"`
	Extension string    `json:"extension"`
	CreatedAt time.Time `json:"createdAt"`
	CascadeID string    `json:"cascadeId,omitempty"`
}

func newCustomRuleResponse(r core.CustomRule) customRuleResponse {
	return customRuleResponse{ID: r.ID, Extension: r.Extension, CreatedAt: r.CreatedAt}
}

// setFixedRequest accepts "blocked" and the older "isBlocked" key.
type setFixedRequest struct {
	Blocked   *bool `json:"blocked"`
	IsBlocked *bool `json:"isBlocked"`
}

func (req setFixedRequest) value() (bool, bool) {
	switch {
	case req.Blocked != nil:
		return *req.Blocked, true
	case req.IsBlocked != nil:
		return *req.IsBlocked, true
	default:
		return false, false
	}
}

type addCustomRequest struct {
	Extension string `json:"extension"`
}

type checkResponse struct {
	FileName         string `json:"fileName"`
	Extension        string `json:"extension"`
	Blocked          bool   `json:"isBlocked"`
	BlockReason      string `json:"blockReason,omitempty"`
	BlockedExtension string `json:"blockedExtension,omitempty"`
	Message          string `json:"message,omitempty"`
}

type cascadeResponse struct {
	ID         string     `json:"id"`
	Extension  string     `json:"extension"`
	State      string     `json:"state"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Deleted    int        `json:"deleted"`
	Protected  int        `json:"protected"`
	Failed     int        `json:"failed"`
	Error      string     `json:"error,omitempty"`
}

func newCascadeResponse(st executor.Status) cascadeResponse {
	resp := cascadeResponse{
		ID:        st.ID,
		Extension: st.Extension,
		State:     st.State,
		StartedAt: st.StartedAt,
	}
	if st.State == executor.StateCompleted {
		finished := st.Result.FinishedAt
		resp.FinishedAt = &finished
		resp.Deleted = st.Result.Deleted
		resp.Protected = st.Result.Protected
		resp.Failed = st.Result.Failed
		if st.Result.Err != nil {
			resp.Error = st.Result.Err.Error()
		}
	}
	return resp
}

func (s *Server) listFixed(w http.ResponseWriter, r *http.Request) {
	list, err := s.cfg.Rules.ListFixed(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	out := make([]fixedRuleResponse, 0, len(list))
	for _, rule := range list {
		out = append(out, newFixedRuleResponse(rule))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) setFixed(w http.ResponseWriter, r *http.Request) {
	var req setFixedRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	blocked, ok := req.value()
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "missing field: blocked")
		return
	}

	change, err := s.cfg.Rules.SetFixedBlocked(r.Context(), chi.URLParam(r, "extension"), blocked)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	resp := newFixedRuleResponse(change.Rule)
	resp.CascadeID = change.CascadeID
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listCustom(w http.ResponseWriter, r *http.Request) {
	list, err := s.cfg.Rules.ListCustom(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	out := make([]customRuleResponse, 0, len(list))
	for _, rule := range list {
		out = append(out, newCustomRuleResponse(rule))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) addCustom(w http.ResponseWriter, r *http.Request) {
	var req addCustomRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	change, err := s.cfg.Rules.AddCustom(r.Context(), req.Extension)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	resp := newCustomRuleResponse(change.Rule)
	resp.CascadeID = change.CascadeID
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) deleteCustom(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Rules.DeleteCustom(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// checkFilename answers whether a filename would be blocked. A malformed
// fixedExtensionStates value is ignored and the stored fixed rules apply.
func (s *Server) checkFilename(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := q.Get("fileName")
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "missing query parameter: fileName")
		return
	}

	var override *policy.FixedOverride
	if raw := q.Get("fixedExtensionStates"); raw != "" {
		var states map[string]bool
		if err := json.Unmarshal([]byte(raw), &states); err == nil {
			override = policy.NewFixedOverride(states, s.cfg.Rules.Limits().FixedExtensions)
		}
	}

	p, err := s.cfg.Previewer.Preview(r.Context(), name, override)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	resp := checkResponse{
		FileName:  p.Filename,
		Extension: p.Extension,
		Blocked:   p.Blocked,
	}
	if !p.Result.Allowed {
		resp.BlockReason = string(p.Result.Reason)
		resp.BlockedExtension = p.Result.Extension
		resp.Message = p.Result.ReasonText
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) cascadeStatus(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Cascades == nil {
		writeJSONError(w, http.StatusNotFound, "cascade not found")
		return
	}
	task, ok := s.cfg.Cascades.Task(chi.URLParam(r, "id"))
	if !ok {
		writeJSONError(w, http.StatusNotFound, "cascade not found")
		return
	}
	writeJSON(w, http.StatusOK, newCascadeResponse(task.Status()))
}
