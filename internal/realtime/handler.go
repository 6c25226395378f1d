package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"go-dm/internal/apperr"
	"go-dm/internal/auth"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
)

type Handler struct {
	dispatcher *Dispatcher
	upgrader   websocket.Upgrader
	log        *slog.Logger
}

// NewHandler serves the websocket endpoint. An empty allowedOrigins list
// accepts any origin.
func NewHandler(dispatcher *Dispatcher, allowedOrigins []string, log *slog.Logger) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		log: log,
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return lo.ContainsBy(allowed, func(a string) bool {
			return strings.EqualFold(strings.TrimSuffix(a, "/"), u.Scheme+"://"+u.Host)
		})
	}
}

// ServeWs authenticates the handshake before upgrading; a bad credential
// gets a plain 401 and never becomes a connection.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	session, err := h.dispatcher.Connect(r.Context(), auth.AccessTokenFromRequest(r))
	if err != nil {
		if apperr.Status(err) >= http.StatusInternalServerError {
			h.log.Error("websocket handshake", "error", err)
		}
		apperr.Write(w, err)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		h.log.Warn("websocket upgrade", "error", err)
		session.Close()
		return
	}

	c := &client{session: session, conn: ws, log: h.log}

	// The request context ends when ServeWs returns; frames keep its values only.
	ctx := context.WithoutCancel(r.Context())
	go c.writePump()
	go c.readPump(ctx)
}
