package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/tollgate/pkg/admission"
	"github.com/kadirpekel/tollgate/pkg/quota"
)

type quotaUsage struct {
	Client string        `json:"client"`
	Limits quota.Limits  `json:"limits"`
	Usage  *quota.Record `json:"usage"`
}

func (s *HTTPServer) handleGetQuota(w http.ResponseWriter, r *http.Request) {
	if s.quota == nil {
		admission.WriteError(w, admission.NewRejection(admission.CodeNotFound, "Quota is not configured"))
		return
	}
	client := chi.URLParam(r, "client")
	rec, err := s.quota.Usage(r.Context(), client)
	if err != nil {
		slog.ErrorContext(r.Context(), "Failed to read quota", "client", client, "error", err)
		admission.WriteError(w, admission.NewRejection(admission.CodeInternalError, "Internal error"))
		return
	}
	writeJSON(w, http.StatusOK, quotaUsage{Client: client, Limits: s.quota.Policy().Limits, Usage: rec})
}

func (s *HTTPServer) handleResetQuota(w http.ResponseWriter, r *http.Request) {
	if s.quota == nil {
		admission.WriteError(w, admission.NewRejection(admission.CodeNotFound, "Quota is not configured"))
		return
	}
	client := chi.URLParam(r, "client")
	if err := s.quota.Reset(r.Context(), client); err != nil {
		slog.ErrorContext(r.Context(), "Failed to reset quota", "client", client, "error", err)
		admission.WriteError(w, admission.NewRejection(admission.CodeInternalError, "Internal error"))
		return
	}
	slog.InfoContext(r.Context(), "Quota reset", "client", client, "request_id", RequestID(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleAdminGetSession(w http.ResponseWriter, r *http.Request) {
	s.writeSession(w, r, chi.URLParam(r, "id"))
}

func (s *HTTPServer) handleAdminDeleteSession(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "id")
	if err := s.sessions.Delete(r.Context(), sid); err != nil {
		slog.ErrorContext(r.Context(), "Failed to delete session", "session_id", sid, "error", err)
		admission.WriteError(w, admission.NewRejection(admission.CodeInternalError, "Internal error"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
