package webchat

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/pomochat/pkg/chat"
	"github.com/go-go-golems/pomochat/pkg/chatstore"
)

// scriptedService answers handler calls from canned data and records what
// the transport asked for.
type scriptedService struct {
	mu sync.Mutex

	saveErr   error
	savedMsg  *chatstore.Message
	renameErr error
	deleteErr error

	streamCalls chan int64
	stopCalls   chan int64

	// onStream lets a test publish events when generation is triggered.
	onStream func(ctx context.Context, convID int64)
}

func newScriptedService() *scriptedService {
	return &scriptedService{
		savedMsg:    &chatstore.Message{ID: 11, ConversationID: 1, Role: chatstore.RoleUser, Content: "hi", IsComplete: true},
		streamCalls: make(chan int64, 8),
		stopCalls:   make(chan int64, 8),
	}
}

func (s *scriptedService) SaveUserMessage(_ context.Context, _, convID int64, content string) (*chatstore.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return nil, s.saveErr
	}
	msg := *s.savedMsg
	msg.ConversationID = convID
	msg.Content = content
	return &msg, nil
}

func (s *scriptedService) StreamAssistantResponse(ctx context.Context, convID int64) error {
	s.streamCalls <- convID
	s.mu.Lock()
	hook := s.onStream
	s.mu.Unlock()
	if hook != nil {
		hook(ctx, convID)
	}
	return nil
}

func (s *scriptedService) StopStreaming(_ context.Context, turnID int64) error {
	s.stopCalls <- turnID
	return nil
}

func (s *scriptedService) CreateConversation(_ context.Context, userID int64) (*chatstore.Conversation, error) {
	return &chatstore.Conversation{ID: 5, UserID: userID, Title: "New Chat", UpdatedAt: time.Now()}, nil
}

func (s *scriptedService) ListConversations(_ context.Context, _ int64, _ int, _ *int64) (*chatstore.ConversationPage, error) {
	cursor := int64(1700000000000)
	return &chatstore.ConversationPage{
		Items:      []chatstore.ConversationSummary{{ID: 5, Title: "New Chat", UpdatedAt: time.UnixMilli(cursor)}},
		NextCursor: &cursor,
		HasMore:    true,
	}, nil
}

func (s *scriptedService) LoadMessages(_ context.Context, _, convID int64, _ int, _ *int64) (*chatstore.MessagePage, error) {
	if convID == 404 {
		return nil, chat.ErrAccessDenied
	}
	return &chatstore.MessagePage{
		Items: []chatstore.Message{
			{ID: 2, ConversationID: convID, Role: chatstore.RoleAssistant, Content: "Hello", IsComplete: true},
			{ID: 1, ConversationID: convID, Role: chatstore.RoleUser, Content: "hi", IsComplete: true},
		},
	}, nil
}

func (s *scriptedService) RenameConversation(_ context.Context, _, _ int64, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renameErr
}

func (s *scriptedService) DeleteConversation(_ context.Context, _, _ int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteErr
}

type routerEnv struct {
	svc    *scriptedService
	rooms  *RoomManager
	pub    *StreamPublisher
	server *httptest.Server
}

func newRouterEnv(t *testing.T) *routerEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	transport := newTestTransport(t)
	rooms := NewRoomManager(ctx, transport, time.Minute)
	t.Cleanup(rooms.Shutdown)

	svc := newScriptedService()
	router, err := NewRouter(ctx, svc, rooms)
	require.NoError(t, err)

	server := httptest.NewServer(router.Handler())
	t.Cleanup(server.Close)

	return &routerEnv{svc: svc, rooms: rooms, pub: NewStreamPublisher(transport.Publisher()), server: server}
}

func (e *routerEnv) request(t *testing.T, method, path, userID string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set(userHeader, userID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestRouter_CreateChat(t *testing.T) {
	env := newRouterEnv(t)
	resp := env.request(t, http.MethodPost, "/api/chats", "1", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(5), body["chatId"])
	assert.Equal(t, "New Chat", body["title"])
}

func TestRouter_MissingIdentityIsRejected(t *testing.T) {
	env := newRouterEnv(t)
	resp := env.request(t, http.MethodGet, "/api/chats", "", nil)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.request(t, http.MethodGet, "/api/chats", "not-a-number", nil)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRouter_ListChats(t *testing.T) {
	env := newRouterEnv(t)
	resp := env.request(t, http.MethodGet, "/api/chats?limit=10", "1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	items := body["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "New Chat", items[0].(map[string]any)["title"])
	assert.Equal(t, true, body["hasMore"])
	assert.Equal(t, float64(1700000000000), body["nextCursor"])
}

func TestRouter_ListMessagesNewestFirst(t *testing.T) {
	env := newRouterEnv(t)
	resp := env.request(t, http.MethodGet, "/api/chats/1/messages", "1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	items := body["items"].([]any)
	require.Len(t, items, 2)
	assert.Equal(t, "assistant", items[0].(map[string]any)["role"])
	assert.Equal(t, float64(2), items[0].(map[string]any)["id"])
}

func TestRouter_ForeignChatReadsAs404(t *testing.T) {
	env := newRouterEnv(t)
	resp := env.request(t, http.MethodGet, "/api/chats/404/messages", "1", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "Chat not found", body["error"])
}

func TestRouter_RenameValidation(t *testing.T) {
	env := newRouterEnv(t)
	env.svc.renameErr = chat.ErrInvalidTitle

	resp := env.request(t, http.MethodPatch, "/api/chats/5", "1", map[string]any{"title": ""})
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRouter_DeleteChat(t *testing.T) {
	env := newRouterEnv(t)
	resp := env.request(t, http.MethodDelete, "/api/chats/5", "1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, true, body["success"])
}

func dialWS(t *testing.T, env *routerEnv, userID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws"
	header := http.Header{}
	header.Set(userHeader, userID)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestWebSocket_JoinAndSendMessage(t *testing.T) {
	env := newRouterEnv(t)
	conn := dialWS(t, env, "1")

	require.NoError(t, conn.WriteJSON(wsFrame{Type: frameJoinChat, ChatID: 1}))
	joinAck := readEnvelope(t, conn)
	assert.Equal(t, "join_chat_ack", joinAck.Event)

	require.NoError(t, conn.WriteJSON(wsFrame{Type: frameSendMessage, ChatID: 1, Content: "hello there"}))
	ack := readEnvelope(t, conn)
	require.Equal(t, chat.EventMessageAck, ack.Event)
	var payload chat.MessageAckPayload
	require.NoError(t, json.Unmarshal(ack.Payload, &payload))
	assert.Equal(t, int64(11), payload.MessageID)

	select {
	case convID := <-env.svc.streamCalls:
		assert.Equal(t, int64(1), convID)
	case <-time.After(5 * time.Second):
		t.Fatal("generation was never triggered")
	}
}

func TestWebSocket_StreamedTokensReachJoinedClient(t *testing.T) {
	env := newRouterEnv(t)
	env.svc.onStream = func(ctx context.Context, convID int64) {
		_ = env.pub.BroadcastToConversation(ctx, convID, chat.EventTokenStream, chat.TokenStreamPayload{MessageID: 12, Token: "Hel"})
		_ = env.pub.BroadcastToConversation(ctx, convID, chat.EventMessageComplete, chat.MessageCompletePayload{MessageID: 12, Content: "Hello"})
	}

	conn := dialWS(t, env, "1")
	require.NoError(t, conn.WriteJSON(wsFrame{Type: frameJoinChat, ChatID: 3}))
	require.Equal(t, "join_chat_ack", readEnvelope(t, conn).Event)

	require.NoError(t, conn.WriteJSON(wsFrame{Type: frameSendMessage, ChatID: 3, Content: "hi"}))

	events := map[string]bool{}
	for i := 0; i < 3; i++ {
		events[readEnvelope(t, conn).Event] = true
	}
	assert.True(t, events[chat.EventMessageAck])
	assert.True(t, events[chat.EventTokenStream])
	assert.True(t, events[chat.EventMessageComplete])
}

func TestWebSocket_StopGeneration(t *testing.T) {
	env := newRouterEnv(t)
	conn := dialWS(t, env, "1")

	require.NoError(t, conn.WriteJSON(wsFrame{Type: frameStopGeneration, MessageID: 12}))
	select {
	case turnID := <-env.svc.stopCalls:
		assert.Equal(t, int64(12), turnID)
	case <-time.After(5 * time.Second):
		t.Fatal("stop was never forwarded")
	}
}

func TestWebSocket_SaveErrorIsReportedToSender(t *testing.T) {
	env := newRouterEnv(t)
	env.svc.saveErr = chat.ErrAccessDenied
	conn := dialWS(t, env, "1")

	require.NoError(t, conn.WriteJSON(wsFrame{Type: frameSendMessage, ChatID: 1, Content: "hi"}))
	envl := readEnvelope(t, conn)
	require.Equal(t, chat.EventError, envl.Event)
	var payload chat.ErrorPayload
	require.NoError(t, json.Unmarshal(envl.Payload, &payload))
	assert.Equal(t, "Chat not found", payload.Message)
}
