package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"mailtrail/internal/ratelimit"
	"mailtrail/internal/tracking"
	"mailtrail/internal/types"
)

// CreateLogRequest is the send-path request body for POST /v1/logs. The
// message ID is optional; one is generated when the mailer does not supply
// its own correlation key.
type CreateLogRequest struct {
	MessageID    string     `json:"message_id,omitempty"`
	To           string     `json:"to"`
	From         string     `json:"from"`
	Subject      string     `json:"subject"`
	TemplateName string     `json:"template_name,omitempty"`
	CampaignID   string     `json:"campaign_id,omitempty"`
	Tags         types.Tags `json:"tags,omitempty"`
}

func (s *Server) handleCreateLog(w http.ResponseWriter, r *http.Request) {
	var req CreateLogRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		Error(w, r, err)
		return
	}

	if req.To == "" || req.From == "" {
		Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
			"to and from are required", nil))
		return
	}
	if req.MessageID == "" {
		req.MessageID = "msg_" + uuid.New().String()
	}

	// The send path admits before logging: a denied create consumes no quota
	// and no log row.
	decision, err := s.admitter.Admit(r.Context(), req.To, req.From)
	if err != nil {
		Error(w, r, err)
		return
	}
	if !decision.Allowed {
		Error(w, r, ratelimit.AdmissionError(decision))
		return
	}

	log, err := s.tracking.CreateLog(r.Context(), tracking.CreateLogInput{
		MessageID:    req.MessageID,
		Recipient:    req.To,
		Sender:       req.From,
		Subject:      req.Subject,
		TemplateName: req.TemplateName,
		CampaignID:   req.CampaignID,
		Tags:         req.Tags,
	})
	if err != nil {
		Error(w, r, err)
		return
	}

	JSON(w, r, http.StatusCreated, APIResponse{Data: log})
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseLogFilter(r)
	if err != nil {
		Error(w, r, err)
		return
	}

	logs, nextCursor, err := s.tracking.ListLogs(r.Context(), filter)
	if err != nil {
		Error(w, r, err)
		return
	}

	resp := APIResponse{Data: logs}
	if nextCursor != "" {
		resp.Meta = &Meta{NextCursor: nextCursor, HasMore: true}
	}
	JSON(w, r, http.StatusOK, resp)
}

func (s *Server) handleCountLogs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseLogFilter(r)
	if err != nil {
		Error(w, r, err)
		return
	}

	count, err := s.tracking.CountLogs(r.Context(), filter)
	if err != nil {
		Error(w, r, err)
		return
	}

	JSON(w, r, http.StatusOK, APIResponse{Data: map[string]int{"count": count}})
}

func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	log, err := s.tracking.GetLog(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: log})
}

func (s *Server) handleDeleteLog(w http.ResponseWriter, r *http.Request) {
	if err := s.tracking.DeleteLog(r.Context(), chi.URLParam(r, "id")); err != nil {
		Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetryLog(w http.ResponseWriter, r *http.Request) {
	log, err := s.tracking.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: log})
}

// MarkSentRequest carries the provider's accepted-message ID reported by the
// mailer after a successful submission.
type MarkSentRequest struct {
	ProviderMessageID string `json:"provider_message_id"`
}

func (s *Server) handleMarkSent(w http.ResponseWriter, r *http.Request) {
	var req MarkSentRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		Error(w, r, err)
		return
	}
	if req.ProviderMessageID == "" {
		Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
			"provider_message_id is required", nil))
		return
	}

	log, err := s.tracking.MarkSent(r.Context(), chi.URLParam(r, "id"), req.ProviderMessageID)
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: log})
}

// MarkFailedRequest carries the submission failure reason.
type MarkFailedRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleMarkFailed(w http.ResponseWriter, r *http.Request) {
	var req MarkFailedRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		Error(w, r, err)
		return
	}
	if req.Reason == "" {
		Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
			"reason is required", nil))
		return
	}

	log, err := s.tracking.MarkFailed(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: log})
}

func (s *Server) handleLogEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.tracking.GetLogEvents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: events})
}

// parseLogFilter reads list/count query parameters into a filter.
func parseLogFilter(r *http.Request) (types.MessageLogFilter, error) {
	q := r.URL.Query()

	filter := types.MessageLogFilter{
		Status:     types.MessageStatus(q.Get("status")),
		Recipient:  q.Get("recipient"),
		Sender:     q.Get("sender"),
		CampaignID: q.Get("campaign_id"),
		Cursor:     q.Get("cursor"),
		Limit:      20,
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 || limit > 100 {
			return filter, types.NewAppError(types.ErrCodeValidationInvalidInput,
				"limit must be a number between 1 and 100", err)
		}
		filter.Limit = limit
	}

	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return filter, types.NewAppError(types.ErrCodeValidationInvalidInput,
				"since must be an RFC3339 timestamp", err)
		}
		filter.Since = t
	}

	if until := q.Get("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			return filter, types.NewAppError(types.ErrCodeValidationInvalidInput,
				"until must be an RFC3339 timestamp", err)
		}
		filter.Until = t
	}

	return filter, nil
}
