package handlers

import (
	"encoding/json"
	"math/rand"
	"net/http"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tarusinv-cloud/carrier-pigeon/internal/auth"
	"github.com/tarusinv-cloud/carrier-pigeon/internal/realtime"
	"github.com/tarusinv-cloud/carrier-pigeon/internal/store"
)

const maxUsernameLength = 100

// emailRegex validates email addresses per RFC 5322 (simplified).
var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// avatarColors is the palette a new account's color is picked from.
var avatarColors = []string{
	"#6c5ce7", "#00b894", "#e17055", "#0984e3", "#d63031",
	"#e84393", "#fdcb6e", "#00cec9", "#a29bfe", "#55efc4",
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	store  store.Store
	tokens *auth.Manager
	hub    *realtime.Hub
	redis  *redis.Client
	log    zerolog.Logger
}

// NewHandler creates a new Handler. The redis client may be nil when the
// rate limiter is disabled; only the health check reports on it.
func NewHandler(st store.Store, tokens *auth.Manager, hub *realtime.Hub, rdb *redis.Client, logger zerolog.Logger) *Handler {
	return &Handler{store: st, tokens: tokens, hub: hub, redis: rdb, log: logger}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// sanitizeUsername trims and limits a display name to 100 characters,
// removing control characters. Truncation happens on rune boundaries so
// a multi-byte name never ends up as invalid UTF-8.
func sanitizeUsername(name string) string {
	name = strings.TrimSpace(name)

	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)

	if utf8.RuneCountInString(name) > maxUsernameLength {
		name = string([]rune(name)[:maxUsernameLength])
	}
	return name
}

// isValidEmail validates email addresses using the RFC 5322 pattern.
func isValidEmail(email string) bool {
	if len(email) == 0 || len(email) > 254 {
		return false
	}
	return emailRegex.MatchString(email)
}

func pickAvatarColor() string {
	return avatarColors[rand.Intn(len(avatarColors))]
}
