package handlers

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/tarusinv-cloud/carrier-pigeon/internal/realtime"
	"github.com/tarusinv-cloud/carrier-pigeon/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browsers connect from anywhere; the token is the trust boundary.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS authenticates and upgrades a websocket connection, then hands
// it to the hub. The credential is resolved before the upgrade: an
// unauthenticated socket is rejected with 401 and never registers
// presence.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		h.Error(w, http.StatusUnauthorized, "token required")
		return
	}

	userID, err := h.tokens.VerifyToken(token)
	if err != nil {
		h.Error(w, http.StatusUnauthorized, "invalid token")
		return
	}

	user, err := h.store.UserByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.Error(w, http.StatusUnauthorized, "unknown user")
			return
		}
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := realtime.NewConnection(user, ws)
	h.hub.Run(conn)
}
