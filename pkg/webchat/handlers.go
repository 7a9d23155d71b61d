package webchat

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/pomochat/pkg/chat"
	"github.com/go-go-golems/pomochat/pkg/chatstore"
)

// userHeader is the identity boundary of the transport. Upstream auth is
// expected to have populated it; the chat service enforces ownership per
// conversation on top of it.
const userHeader = "X-User-ID"

type conversationJSON struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	UpdatedAt int64  `json:"updatedAt"`
}

type messageJSON struct {
	ID         int64  `json:"id"`
	Role       string `json:"role"`
	Content    string `json:"content"`
	IsComplete bool   `json:"isComplete"`
	TokenCount *int   `json:"tokenCount,omitempty"`
	CreatedAt  int64  `json:"createdAt"`
}

type pageJSON[T any] struct {
	Items      []T    `json:"items"`
	NextCursor *int64 `json:"nextCursor"`
	HasMore    bool   `json:"hasMore"`
}

func (r *Router) handleCreateChat(w http.ResponseWriter, req *http.Request) {
	userID, ok := r.userID(w, req)
	if !ok {
		return
	}
	conv, err := r.svc.CreateConversation(req.Context(), userID)
	if err != nil {
		r.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"chatId": conv.ID, "title": conv.Title})
}

func (r *Router) handleListChats(w http.ResponseWriter, req *http.Request) {
	userID, ok := r.userID(w, req)
	if !ok {
		return
	}
	limit, cursor, err := pageParams(req, chatstore.DefaultConversationPageSize)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	page, err := r.svc.ListConversations(req.Context(), userID, limit, cursor)
	if err != nil {
		r.writeError(w, err)
		return
	}
	out := pageJSON[conversationJSON]{Items: []conversationJSON{}, NextCursor: page.NextCursor, HasMore: page.HasMore}
	for _, c := range page.Items {
		out.Items = append(out.Items, conversationJSON{ID: c.ID, Title: c.Title, UpdatedAt: c.UpdatedAt.UnixMilli()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Router) handleListMessages(w http.ResponseWriter, req *http.Request) {
	userID, ok := r.userID(w, req)
	if !ok {
		return
	}
	convID, err := pathID(req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid chat id"})
		return
	}
	limit, cursor, err := pageParams(req, chatstore.DefaultMessagePageSize)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	page, err := r.svc.LoadMessages(req.Context(), userID, convID, limit, cursor)
	if err != nil {
		r.writeError(w, err)
		return
	}
	out := pageJSON[messageJSON]{Items: []messageJSON{}, NextCursor: page.NextCursor, HasMore: page.HasMore}
	for _, m := range page.Items {
		out.Items = append(out.Items, messageJSON{
			ID:         m.ID,
			Role:       string(m.Role),
			Content:    m.Content,
			IsComplete: m.IsComplete,
			TokenCount: m.TokenCount,
			CreatedAt:  m.CreatedAt.UnixMilli(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Router) handleRenameChat(w http.ResponseWriter, req *http.Request) {
	userID, ok := r.userID(w, req)
	if !ok {
		return
	}
	convID, err := pathID(req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid chat id"})
		return
	}
	var body struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	if err := r.svc.RenameConversation(req.Context(), userID, convID, body.Title); err != nil {
		r.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chatId": convID, "title": strings.TrimSpace(body.Title)})
}

func (r *Router) handleDeleteChat(w http.ResponseWriter, req *http.Request) {
	userID, ok := r.userID(w, req)
	if !ok {
		return
	}
	convID, err := pathID(req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid chat id"})
		return
	}
	if err := r.svc.DeleteConversation(req.Context(), userID, convID); err != nil {
		r.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (r *Router) userID(w http.ResponseWriter, req *http.Request) (int64, bool) {
	raw := strings.TrimSpace(req.Header.Get(userHeader))
	if raw == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing user identity"})
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid user identity"})
		return 0, false
	}
	return id, true
}

func (r *Router) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrAccessDenied):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "Chat not found"})
	case errors.Is(err, chat.ErrInvalidTitle), errors.Is(err, chat.ErrEmptyMessage):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
	default:
		log.Error().Err(err).Str("component", "webchat").Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
	}
}

func pathID(req *http.Request) (int64, error) {
	id, err := strconv.ParseInt(req.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}

func pageParams(req *http.Request, defaultLimit int) (int, *int64, error) {
	limit := defaultLimit
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 100 {
			return 0, nil, errors.New("invalid limit")
		}
		limit = n
	}
	var cursor *int64
	if raw := req.URL.Query().Get("cursor"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, nil, errors.New("invalid cursor")
		}
		cursor = &n
	}
	return limit, cursor, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Str("component", "webchat").Msg("response encode failed")
	}
}
