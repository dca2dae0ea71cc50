package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/tollgate/pkg/admission"
	"github.com/kadirpekel/tollgate/pkg/session"
)

// SessionIDHeader returns the session a chat request was recorded under.
const SessionIDHeader = "X-Session-ID"

const sessionIDField = "session_id"

// handleChatCompletions forwards an admitted chat request upstream with the
// session history prepended, and records the exchange on success.
func (s *HTTPServer) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res := admission.FromContext(ctx)
	if res == nil || res.Fields == nil {
		admission.WriteError(w, admission.NewRejection(admission.CodeInvalidRequest, "Request body must be a JSON object"))
		return
	}

	incoming, err := decodeMessages(res.Fields["messages"])
	if err != nil {
		admission.WriteError(w, admission.NewRejection(admission.CodeInvalidRequest, err.Error()))
		return
	}

	sid, _ := res.Fields[sessionIDField].(string)
	var history []session.Message
	if sid != "" {
		if history, err = s.sessions.Read(ctx, sid); err != nil {
			slog.ErrorContext(ctx, "Failed to read session", "session_id", sid, "error", err)
			admission.WriteError(w, admission.NewRejection(admission.CodeInternalError, "Internal error"))
			return
		}
	} else {
		sid = session.NewID()
	}

	body, err := s.upstreamBody(res.Fields, append(history, incoming...))
	if err != nil {
		slog.ErrorContext(ctx, "Failed to encode upstream request", "error", err)
		admission.WriteError(w, admission.NewRejection(admission.CodeInternalError, "Internal error"))
		return
	}

	resp, err := s.forwarder.Forward(ctx, body)
	if err != nil {
		slog.WarnContext(ctx, "Upstream request failed", "client", res.Identity.Key, "error", err)
		s.refund(r, res)
		admission.WriteError(w, admission.NewRejection(admission.CodeUpstreamError, "Upstream unavailable"))
		return
	}

	if resp.OK() {
		record := incoming
		if reply, ok := assistantReply(resp.Body); ok {
			record = append(record, reply)
		}
		if err := s.sessions.Append(ctx, sid, record...); err != nil {
			slog.WarnContext(ctx, "Failed to record session", "session_id", sid, "error", err)
		}
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set(SessionIDHeader, sid)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

// upstreamBody copies the request fields minus gateway-only ones and
// replaces messages with the merged history.
func (s *HTTPServer) upstreamBody(fields map[string]any, messages []session.Message) ([]byte, error) {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	delete(out, sessionIDField)
	delete(out, s.config().Signature.BodyField)
	out["messages"] = messages
	return json.Marshal(out)
}

func (s *HTTPServer) refund(r *http.Request, res *admission.Result) {
	if s.quota == nil || !s.config().Quota.RefundOnUpstreamFailure {
		return
	}
	if res.Quota == nil || !res.Quota.Allowed || res.Quota.FailOpen {
		return
	}
	if err := s.quota.Refund(r.Context(), res.Identity.Key); err != nil {
		slog.WarnContext(r.Context(), "Quota refund failed", "client", res.Identity.Key, "error", err)
	}
}

// decodeMessages converts the decoded messages array into session messages.
func decodeMessages(raw any) ([]session.Message, error) {
	items, ok := raw.([]any)
	if !ok || len(items) == 0 {
		return nil, fmt.Errorf("messages must be a non-empty array")
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("messages: %w", err)
	}
	var msgs []session.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("messages: %w", err)
	}
	for i, m := range msgs {
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("messages[%d]: %w", i, err)
		}
	}
	return msgs, nil
}

// assistantReply extracts choices[0].message from a chat completion.
func assistantReply(body []byte) (session.Message, bool) {
	var completion struct {
		Choices []struct {
			Message *session.Message `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &completion); err != nil || len(completion.Choices) == 0 {
		return session.Message{}, false
	}
	msg := completion.Choices[0].Message
	if msg == nil {
		return session.Message{}, false
	}
	if msg.Role == "" {
		msg.Role = session.RoleAssistant
	}
	if msg.Validate() != nil {
		return session.Message{}, false
	}
	return *msg, true
}

func (s *HTTPServer) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s.writeSession(w, r, chi.URLParam(r, "id"))
}

func (s *HTTPServer) writeSession(w http.ResponseWriter, r *http.Request, sid string) {
	sess, err := s.sessions.Get(r.Context(), sid)
	if err != nil {
		slog.ErrorContext(r.Context(), "Failed to read session", "session_id", sid, "error", err)
		admission.WriteError(w, admission.NewRejection(admission.CodeInternalError, "Internal error"))
		return
	}
	if sess == nil {
		admission.WriteError(w, admission.NewRejection(admission.CodeNotFound, "Session not found"))
		return
	}
	writeJSON(w, http.StatusOK, sess)
}
