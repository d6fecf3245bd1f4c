package handlers

import (
	"net/http"
	"time"
)

// StatsResponse represents the response from the stats endpoint.
type StatsResponse struct {
	TotalUsers         int64  `json:"total_users"`
	TotalConversations int64  `json:"total_conversations"`
	TotalMessages      int64  `json:"total_messages"`
	OnlineNow          int    `json:"online_now"`
	Timestamp          string `json:"timestamp"`
}

// Stats returns platform statistics.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	totalUsers, err := h.store.CountUsers(ctx)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to count users")
		return
	}

	totalConversations, err := h.store.CountConversations(ctx)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to count conversations")
		return
	}

	totalMessages, err := h.store.CountMessages(ctx)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to count messages")
		return
	}

	h.JSON(w, http.StatusOK, StatsResponse{
		TotalUsers:         totalUsers,
		TotalConversations: totalConversations,
		TotalMessages:      totalMessages,
		OnlineNow:          len(h.hub.OnlineUsers()),
		Timestamp:          time.Now().UTC().Format(time.RFC3339),
	})
}
