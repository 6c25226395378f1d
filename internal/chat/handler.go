package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"go-dm/internal/apperr"
	myMiddleware "go-dm/internal/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// Notifier pushes results of REST writes to live connections, so REST and
// realtime clients see the same events.
type Notifier interface {
	MessageCreated(ctx context.Context, m Message)
	ConversationCreated(ctx context.Context, c Conversation)
}

type Handler struct {
	directory *Directory
	ledger    *Ledger
	notifier  Notifier
	validate  *validator.Validate
	log       *slog.Logger
}

func NewHandler(directory *Directory, ledger *Ledger, notifier Notifier, log *slog.Logger) *Handler {
	return &Handler{
		directory: directory,
		ledger:    ledger,
		notifier:  notifier,
		validate:  validator.New(),
		log:       log,
	}
}

// Routes mounts the conversation endpoints. The router must already carry
// the auth middleware.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/conversations", h.ListConversations)
	r.Post("/conversations", h.CreateConversation)
	r.Get("/conversations/{id}/messages", h.ListMessages)
	r.Post("/conversations/{id}/messages", h.SendMessage)
}

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		apperr.Write(w, apperr.Unauthenticated("Unauthorized"))
		return
	}

	conversations, err := h.directory.List(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "conversations": conversations})
}

func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		apperr.Write(w, apperr.Unauthenticated("Unauthorized"))
		return
	}

	var req Recipient
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.Write(w, apperr.InvalidInput("invalid JSON body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		apperr.Write(w, apperr.InvalidInput(err.Error()))
		return
	}

	conversation, created, err := h.directory.GetOrCreate(r.Context(), userID, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.notifier.ConversationCreated(r.Context(), conversation)
	}
	apperr.WriteJSON(w, status, map[string]any{"ok": true, "conversation": conversation})
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		apperr.Write(w, apperr.Unauthenticated("Unauthorized"))
		return
	}
	conversationID := chi.URLParam(r, "id")
	if !validID(conversationID) {
		apperr.Write(w, apperr.InvalidInput("invalid conversation id"))
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			apperr.Write(w, apperr.InvalidInput("limit must be an integer"))
			return
		}
		limit = max(n, 1)
	}

	page, err := h.ledger.Page(r.Context(), conversationID, userID, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, struct {
		OK bool `json:"ok"`
		Page
	}{OK: true, Page: page})
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		apperr.Write(w, apperr.Unauthenticated("Unauthorized"))
		return
	}
	conversationID := chi.URLParam(r, "id")
	if !validID(conversationID) {
		apperr.Write(w, apperr.InvalidInput("invalid conversation id"))
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.Write(w, apperr.InvalidInput("invalid JSON body"))
		return
	}

	msg, err := h.ledger.Append(r.Context(), conversationID, userID, req.Content)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	// Committed: fan out through the same path as the realtime write.
	h.notifier.MessageCreated(r.Context(), msg)
	apperr.WriteJSON(w, http.StatusCreated, map[string]any{"ok": true, "message": msg})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if apperr.Status(err) == http.StatusInternalServerError {
		h.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	apperr.Write(w, err)
}
