package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"mailtrail/internal/ratelimit"
	"mailtrail/internal/types"
)

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	result, err := s.syncer.SyncStatus(r.Context(), chi.URLParam(r, "messageID"))
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: result})
}

// AdmitRequest is the send-time admission check body for POST /v1/admission.
type AdmitRequest struct {
	Recipient string `json:"recipient"`
	Sender    string `json:"sender"`
}

// handleAdmit runs the admission pipeline. A denial is a valid decision, not
// an error: the response is always 200 with the decision body, and the
// caller inspects it before sending. Only infrastructure failures error.
func (s *Server) handleAdmit(w http.ResponseWriter, r *http.Request) {
	var req AdmitRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		Error(w, r, err)
		return
	}
	if req.Recipient == "" || req.Sender == "" {
		Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
			"recipient and sender are required", nil))
		return
	}

	decision, err := s.admitter.Admit(r.Context(), req.Recipient, req.Sender)
	if err != nil {
		Error(w, r, err)
		return
	}

	JSON(w, r, http.StatusOK, APIResponse{Data: decision})
}

// BlocklistAddRequest is the body for POST /v1/blocklist. TTLSeconds of zero
// creates a permanent entry.
type BlocklistAddRequest struct {
	Email      string `json:"email"`
	Reason     string `json:"reason"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

func (s *Server) handleBlocklistAdd(w http.ResponseWriter, r *http.Request) {
	var req BlocklistAddRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		Error(w, r, err)
		return
	}

	entry, err := s.blocklist.Add(r.Context(), ratelimit.AddInput{
		Email:  req.Email,
		Reason: req.Reason,
		TTL:    time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		Error(w, r, err)
		return
	}

	JSON(w, r, http.StatusCreated, APIResponse{Data: entry})
}

func (s *Server) handleBlocklistRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.blocklist.Remove(r.Context(), chi.URLParam(r, "email")); err != nil {
		Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBlocklistList(w http.ResponseWriter, r *http.Request) {
	filter, err := parseBlocklistFilter(r)
	if err != nil {
		Error(w, r, err)
		return
	}

	entries, err := s.blocklist.List(r.Context(), filter)
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: entries})
}

func (s *Server) handleBlocklistCount(w http.ResponseWriter, r *http.Request) {
	filter, err := parseBlocklistFilter(r)
	if err != nil {
		Error(w, r, err)
		return
	}

	count, err := s.blocklist.Count(r.Context(), filter)
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: map[string]int{"count": count}})
}

func (s *Server) handleBlocklistStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.blocklist.Stats(r.Context())
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: stats})
}

// parseBlocklistFilter reads blocklist list/count query parameters.
func parseBlocklistFilter(r *http.Request) (types.BlocklistFilter, error) {
	q := r.URL.Query()

	filter := types.BlocklistFilter{
		ActiveOnly: q.Get("active") == "true",
		Reason:     q.Get("reason"),
		Search:     q.Get("search"),
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

	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			return filter, types.NewAppError(types.ErrCodeValidationInvalidInput,
				"offset must be a non-negative number", err)
		}
		filter.Offset = offset
	}

	return filter, nil
}
