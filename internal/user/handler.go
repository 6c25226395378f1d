package user

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"go-dm/internal/apperr"
	"go-dm/internal/auth"
	myMiddleware "go-dm/internal/middleware"

	"github.com/go-playground/validator/v10"
)

type Handler struct {
	service  *Service
	tokens   *auth.Tokens
	validate *validator.Validate
	secure   bool
	log      *slog.Logger
}

// NewHandler serves the account endpoints. secure marks the auth cookies
// Secure and should be on behind TLS.
func NewHandler(service *Service, tokens *auth.Tokens, secure bool, log *slog.Logger) *Handler {
	return &Handler{
		service:  service,
		tokens:   tokens,
		validate: validator.New(),
		secure:   secure,
		log:      log,
	}
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !h.decode(w, r, &req) {
		return
	}

	sess, err := h.service.Register(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.log.Info("user registered", "user", sess.User.ID)
	h.respond(w, http.StatusCreated, sess)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decode(w, r, &req) {
		return
	}

	sess, err := h.service.Login(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, sess)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var raw string
	if c, err := r.Cookie(auth.RefreshCookie); err == nil {
		raw = c.Value
	}

	sess, err := h.service.Refresh(r.Context(), raw)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, sess)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	auth.ClearCookies(w, h.secure)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		apperr.Write(w, apperr.Unauthenticated("Unauthorized"))
		return
	}

	u, err := h.service.Me(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, AuthResponse{OK: true, User: u})
}

func (h *Handler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		apperr.Write(w, apperr.Unauthenticated("Unauthorized"))
		return
	}

	users, err := h.service.Search(r.Context(), userID, r.URL.Query().Get("q"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "users": users})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		apperr.Write(w, apperr.InvalidInput("invalid JSON body"))
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		apperr.Write(w, apperr.InvalidInput(err.Error()))
		return false
	}
	return true
}

func (h *Handler) respond(w http.ResponseWriter, status int, sess Session) {
	auth.SetCookies(w, h.tokens, sess.AccessToken, sess.RefreshToken, h.secure)
	apperr.WriteJSON(w, status, AuthResponse{OK: true, User: sess.User, AccessToken: sess.AccessToken})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if apperr.Status(err) >= http.StatusInternalServerError {
		h.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	apperr.Write(w, err)
}
