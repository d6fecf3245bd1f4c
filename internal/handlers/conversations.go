package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tarusinv-cloud/carrier-pigeon/internal/api/middleware"
	"github.com/tarusinv-cloud/carrier-pigeon/internal/metrics"
	"github.com/tarusinv-cloud/carrier-pigeon/internal/models"
	"github.com/tarusinv-cloud/carrier-pigeon/internal/store"
)

// ListConversations returns the caller's conversations, newest activity
// first, each with members, a last-message preview, and the DM peer for
// DM threads.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())

	summaries, err := h.store.ConversationsForUser(r.Context(), user.ID)
	if err != nil {
		h.log.Error().Err(err).Int64("user_id", user.ID).Msg("list conversations failed")
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}

	for i := range summaries {
		attachDMUser(&summaries[i], user.ID)
	}
	if summaries == nil {
		summaries = []models.ConversationSummary{}
	}
	h.JSON(w, http.StatusOK, summaries)
}

// ConversationMessages returns a conversation's history, ascending
// (created_at, id), capped at 200 messages. Members only.
func (h *Handler) ConversationMessages(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())

	conversationID, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid conversation ID")
		return
	}

	member, err := h.store.IsMember(r.Context(), conversationID, user.ID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if !member {
		h.Error(w, http.StatusForbidden, "not a member of this conversation")
		return
	}

	messages, err := h.store.Messages(r.Context(), conversationID, store.MaxHistoryMessages)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	h.JSON(w, http.StatusOK, messages)
}

// CreateDMRequest represents the create-or-get DM request body.
type CreateDMRequest struct {
	UserID int64 `json:"user_id"`
}

// CreateDM finds or creates the singleton DM thread with another user.
func (h *Handler) CreateDM(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())

	var req CreateDMRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == 0 || req.UserID == user.ID {
		h.Error(w, http.StatusBadRequest, "invalid user")
		return
	}

	if _, err := h.store.UserByID(r.Context(), req.UserID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.Error(w, http.StatusBadRequest, "invalid user")
			return
		}
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}

	conv, err := h.store.GetOrCreateDM(r.Context(), user.ID, req.UserID)
	if err != nil {
		if errors.Is(err, store.ErrSelfDM) {
			h.Error(w, http.StatusBadRequest, "invalid user")
			return
		}
		h.log.Error().Err(err).Msg("dm resolution failed")
		h.Error(w, http.StatusInternalServerError, "failed to open conversation")
		return
	}

	summary, err := h.conversationSummary(r, conv, user.ID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}

	metrics.ConversationsCreated.WithLabelValues(models.KindDM).Inc()
	h.JSON(w, http.StatusOK, summary)
}

// CreateGroupRequest represents the create-group request body.
type CreateGroupRequest struct {
	Name      string  `json:"name"`
	MemberIDs []int64 `json:"member_ids"`
}

// CreateGroup creates a named group conversation with the caller and the
// given members.
func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())

	var req CreateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		h.Error(w, http.StatusBadRequest, "group name required")
		return
	}

	conv, err := h.store.CreateGroup(r.Context(), name, user.ID, req.MemberIDs)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.Error(w, http.StatusBadRequest, "unknown member")
			return
		}
		h.log.Error().Err(err).Msg("group creation failed")
		h.Error(w, http.StatusInternalServerError, "failed to create group")
		return
	}

	summary, err := h.conversationSummary(r, conv, user.ID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}

	metrics.ConversationsCreated.WithLabelValues(models.KindGroup).Inc()
	h.JSON(w, http.StatusCreated, summary)
}

// JoinConversation adds the caller to a group conversation. DM membership
// is fixed for life, so DMs reject joins.
func (h *Handler) JoinConversation(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())

	conversationID, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid conversation ID")
		return
	}

	conv, err := h.store.GetConversation(r.Context(), conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.Error(w, http.StatusNotFound, "conversation not found")
			return
		}
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if conv.Kind != models.KindGroup {
		h.Error(w, http.StatusBadRequest, "only groups can be joined")
		return
	}

	if err := h.store.AddMember(r.Context(), conversationID, user.ID); err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	h.JSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) conversationSummary(r *http.Request, conv *models.Conversation, viewerID int64) (*models.ConversationSummary, error) {
	members, err := h.store.Members(r.Context(), conv.ID)
	if err != nil {
		return nil, err
	}
	summary := &models.ConversationSummary{Conversation: *conv, Members: members}
	attachDMUser(summary, viewerID)
	return summary, nil
}

// attachDMUser sets the DM peer field relative to the viewing user.
func attachDMUser(summary *models.ConversationSummary, viewerID int64) {
	if summary.Kind != models.KindDM {
		return
	}
	for i := range summary.Members {
		if summary.Members[i].ID != viewerID {
			summary.DMUser = &summary.Members[i]
			return
		}
	}
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}
