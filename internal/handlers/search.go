package handlers

import (
	"net/http"

	"github.com/tarusinv-cloud/carrier-pigeon/internal/api/middleware"
	"github.com/tarusinv-cloud/carrier-pigeon/internal/models"
)

const searchLimit = 20

// SearchUsers finds accounts by username or email substring, excluding
// the caller. Used to start DMs and build groups.
func (h *Handler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())

	query := r.URL.Query().Get("q")
	if query == "" {
		h.JSON(w, http.StatusOK, []models.User{})
		return
	}

	users, err := h.store.SearchUsers(r.Context(), query, user.ID, searchLimit)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if users == nil {
		users = []models.User{}
	}
	h.JSON(w, http.StatusOK, users)
}
