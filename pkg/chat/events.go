package chat

import "context"

// Event names broadcast to a conversation's observers.
const (
	EventMessageAck        = "message_ack"
	EventTokenStream       = "token_stream"
	EventMessageComplete   = "message_complete"
	EventGenerationStopped = "generation_stopped"
	EventError             = "error"
)

// Broadcaster delivers an event to all observers currently subscribed to a
// conversation's room. Delivery is best-effort and at-most-once; failures
// never abort an in-flight generation.
type Broadcaster interface {
	BroadcastToConversation(ctx context.Context, convID int64, event string, payload any) error
}

type MessageAckPayload struct {
	MessageID int64 `json:"messageId"`
}

type TokenStreamPayload struct {
	MessageID int64  `json:"messageId"`
	Token     string `json:"token"`
}

type MessageCompletePayload struct {
	MessageID int64  `json:"messageId"`
	Content   string `json:"content"`
}

type GenerationStoppedPayload struct {
	MessageID int64 `json:"messageId"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
