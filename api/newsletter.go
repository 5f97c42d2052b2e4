package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// Subscribers stores newsletter addresses. Subscribe reports whether the
// address was new; a repeat is not an error.
type Subscribers interface {
	Subscribe(ctx context.Context, email string) (bool, error)
}

type SubscribeRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
}

type SubscribeResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Subscribe adds an address to the newsletter list.
//
// Responses: 200 {success, message}; 400 {error} for a missing or malformed
// address; 500 {error} when the store fails.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid request body"})
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if err := h.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "A valid email address is required"})
		return
	}

	created, err := h.Subscribers.Subscribe(r.Context(), req.Email)
	if err != nil {
		h.log.Error().Err(err).Msg("newsletter subscribe failed")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Could not save subscription"})
		return
	}

	msg := "Subscribed"
	if !created {
		msg = "Already subscribed"
	}
	writeJSON(w, http.StatusOK, SubscribeResponse{Success: true, Message: msg})
}
