package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/tarusinv-cloud/carrier-pigeon/internal/api/middleware"
	"github.com/tarusinv-cloud/carrier-pigeon/internal/auth"
	"github.com/tarusinv-cloud/carrier-pigeon/internal/metrics"
	"github.com/tarusinv-cloud/carrier-pigeon/internal/models"
	"github.com/tarusinv-cloud/carrier-pigeon/internal/store"
)

const minPasswordLength = 6

// RegisterRequest represents the registration request body.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Username string `json:"username"`
}

// AuthResponse is returned by both register and login.
type AuthResponse struct {
	Token string       `json:"token"`
	User  *models.User `json:"user"`
}

// Register handles account creation.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	username := sanitizeUsername(req.Username)

	if email == "" || req.Password == "" || username == "" {
		h.Error(w, http.StatusBadRequest, "email, password and username are required")
		return
	}
	if !isValidEmail(email) {
		h.Error(w, http.StatusBadRequest, "invalid email format")
		return
	}
	if len(req.Password) < minPasswordLength {
		h.Error(w, http.StatusBadRequest, "password must be at least 6 characters")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to hash password")
		return
	}

	user, err := h.store.CreateUser(r.Context(), email, hash, username, pickAvatarColor())
	if err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			h.Error(w, http.StatusConflict, "email already registered")
			return
		}
		h.log.Error().Err(err).Msg("register failed")
		h.Error(w, http.StatusInternalServerError, "failed to create account")
		return
	}

	token, err := h.tokens.IssueToken(user.ID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	metrics.UsersRegistered.Inc()
	h.JSON(w, http.StatusCreated, AuthResponse{Token: token, User: user})
}

// LoginRequest represents the login request body.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login handles credential verification and token issuance.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Email == "" || req.Password == "" {
		h.Error(w, http.StatusBadRequest, "email and password are required")
		return
	}

	user, err := h.store.UserByEmail(r.Context(), strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Same response as a bad password so the endpoint does not
			// leak which emails exist.
			h.Error(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}

	if !auth.CheckPassword(user.PasswordHash, req.Password) {
		h.Error(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := h.tokens.IssueToken(user.ID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	h.JSON(w, http.StatusOK, AuthResponse{Token: token, User: user})
}

// Me returns the authenticated account.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	if user == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	h.JSON(w, http.StatusOK, user)
}
