package webchat

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/go-go-golems/pomochat/pkg/chatstore"
)

// ChatService is the slice of the chat service the transport needs. The
// concrete implementation lives in pkg/chat; handlers only depend on this so
// tests can substitute a scripted service.
type ChatService interface {
	SaveUserMessage(ctx context.Context, userID, convID int64, content string) (*chatstore.Message, error)
	StreamAssistantResponse(ctx context.Context, convID int64) error
	StopStreaming(ctx context.Context, turnID int64) error

	CreateConversation(ctx context.Context, userID int64) (*chatstore.Conversation, error)
	ListConversations(ctx context.Context, userID int64, limit int, cursor *int64) (*chatstore.ConversationPage, error)
	LoadMessages(ctx context.Context, userID, convID int64, limit int, cursor *int64) (*chatstore.MessagePage, error)
	RenameConversation(ctx context.Context, userID, convID int64, title string) error
	DeleteConversation(ctx context.Context, userID, convID int64) error
}

// Router wires the HTTP API and the websocket endpoint on one mux.
type Router struct {
	baseCtx  context.Context
	svc      ChatService
	rooms    *RoomManager
	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

func NewRouter(ctx context.Context, svc ChatService, rooms *RoomManager) (*Router, error) {
	if ctx == nil {
		return nil, errors.New("webchat: ctx is nil")
	}
	if svc == nil {
		return nil, errors.New("webchat: chat service is nil")
	}
	if rooms == nil {
		return nil, errors.New("webchat: room manager is nil")
	}
	r := &Router{
		baseCtx: ctx,
		svc:     svc,
		rooms:   rooms,
		mux:     http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	r.registerRoutes()
	return r, nil
}

func (r *Router) registerRoutes() {
	r.mux.HandleFunc("POST /api/chats", r.handleCreateChat)
	r.mux.HandleFunc("GET /api/chats", r.handleListChats)
	r.mux.HandleFunc("GET /api/chats/{id}/messages", r.handleListMessages)
	r.mux.HandleFunc("PATCH /api/chats/{id}", r.handleRenameChat)
	r.mux.HandleFunc("DELETE /api/chats/{id}", r.handleDeleteChat)
	r.mux.HandleFunc("GET /ws", r.handleWebSocket)
}

func (r *Router) Handler() http.Handler {
	return r.mux
}
