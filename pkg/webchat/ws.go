package webchat

import (
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/pomochat/pkg/chat"
)

// wsFrame is the inbound client frame. Fields beyond Type are read per frame
// type; extras are ignored.
type wsFrame struct {
	Type      string `json:"type"`
	ChatID    int64  `json:"chatId,omitempty"`
	MessageID int64  `json:"messageId,omitempty"`
	Content   string `json:"content,omitempty"`
}

const (
	frameJoinChat       = "join_chat"
	frameSendMessage    = "send_message"
	frameStopGeneration = "stop_generation"
)

// wsSession is one websocket connection: its identity, its client wrapper,
// and the rooms it has joined.
type wsSession struct {
	userID int64
	client *wsClient
	rooms  map[int64]struct{}
	logger zerolog.Logger
}

func (r *Router) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	userID, ok := r.userID(w, req)
	if !ok {
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "webchat").Msg("websocket upgrade failed")
		return
	}

	sess := &wsSession{
		userID: userID,
		client: newWSClient(conn),
		rooms:  map[int64]struct{}{},
		logger: log.With().Str("component", "webchat").Int64("user_id", userID).Logger(),
	}
	sess.logger.Debug().Msg("websocket connected")
	defer func() {
		for convID := range sess.rooms {
			r.rooms.Leave(convID, sess.client)
		}
		_ = sess.client.Close()
		sess.logger.Debug().Msg("websocket closed")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			sess.sendEvent(chat.EventError, chat.ErrorPayload{Message: "invalid frame"})
			continue
		}
		r.dispatchFrame(req, sess, frame)
	}
}

func (r *Router) dispatchFrame(req *http.Request, sess *wsSession, frame wsFrame) {
	switch frame.Type {
	case frameJoinChat:
		r.handleJoin(sess, frame)
	case frameSendMessage:
		r.handleSendMessage(req, sess, frame)
	case frameStopGeneration:
		r.handleStopGeneration(req, sess, frame)
	default:
		sess.sendEvent(chat.EventError, chat.ErrorPayload{Message: "unknown frame type"})
	}
}

func (r *Router) handleJoin(sess *wsSession, frame wsFrame) {
	if frame.ChatID <= 0 {
		sess.sendEvent(chat.EventError, chat.ErrorPayload{Message: "invalid chat id"})
		return
	}
	if err := r.rooms.Join(frame.ChatID, sess.client); err != nil {
		sess.logger.Warn().Err(err).Int64("conv_id", frame.ChatID).Msg("room join failed")
		sess.sendEvent(chat.EventError, chat.ErrorPayload{Message: "failed to join chat"})
		return
	}
	sess.rooms[frame.ChatID] = struct{}{}
	sess.sendEvent("join_chat_ack", map[string]any{"chatId": frame.ChatID})
}

func (r *Router) handleSendMessage(req *http.Request, sess *wsSession, frame wsFrame) {
	msg, err := r.svc.SaveUserMessage(req.Context(), sess.userID, frame.ChatID, frame.Content)
	if err != nil {
		sess.sendEvent(chat.EventError, chat.ErrorPayload{Message: userFacingError(err)})
		return
	}
	sess.sendEvent(chat.EventMessageAck, chat.MessageAckPayload{MessageID: msg.ID})

	// Generation runs on the server lifetime, not the request: the turn
	// must finalize even when this socket goes away.
	convID := frame.ChatID
	go func() {
		if err := r.svc.StreamAssistantResponse(r.baseCtx, convID); err != nil {
			log.Error().Err(err).Str("component", "webchat").Int64("conv_id", convID).Msg("generation run failed")
		}
	}()
}

func (r *Router) handleStopGeneration(req *http.Request, sess *wsSession, frame wsFrame) {
	if frame.MessageID <= 0 {
		sess.sendEvent(chat.EventError, chat.ErrorPayload{Message: "invalid message id"})
		return
	}
	if err := r.svc.StopStreaming(req.Context(), frame.MessageID); err != nil {
		sess.logger.Warn().Err(err).Int64("turn_id", frame.MessageID).Msg("stop request failed")
		sess.sendEvent(chat.EventError, chat.ErrorPayload{Message: "failed to stop generation"})
	}
}

// sendEvent writes an envelope directly to this session's socket, outside
// the room fan-out. Used for per-connection acks and errors.
func (s *wsSession) sendEvent(event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn().Err(err).Str("event", event).Msg("ack payload marshal failed")
		return
	}
	frame, err := json.Marshal(Envelope{Event: event, Payload: raw})
	if err != nil {
		s.logger.Warn().Err(err).Str("event", event).Msg("ack envelope marshal failed")
		return
	}
	if err := s.client.Send(frame); err != nil {
		s.logger.Warn().Err(err).Str("event", event).Msg("ack send failed")
	}
}

func userFacingError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, chat.ErrAccessDenied):
		return "Chat not found"
	case errors.Is(err, chat.ErrEmptyMessage):
		return "Message content must not be empty"
	default:
		return "internal error"
	}
}
