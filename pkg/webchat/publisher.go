package webchat

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
)

// topicForConversation is the per-room fan-out topic. Every process that
// serves observers of the conversation subscribes to it.
func topicForConversation(convID int64) string {
	return fmt.Sprintf("chat:%d", convID)
}

// Envelope is the wire frame observers receive: the event name plus its
// event-specific payload.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// StreamPublisher turns chat events into watermill messages on the
// conversation topic. It implements chat.Broadcaster.
type StreamPublisher struct {
	pub message.Publisher
}

func NewStreamPublisher(pub message.Publisher) *StreamPublisher {
	return &StreamPublisher{pub: pub}
}

func (p *StreamPublisher) BroadcastToConversation(ctx context.Context, convID int64, event string, payload any) error {
	if p == nil || p.pub == nil {
		return errors.New("webchat: publisher not configured")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "webchat: marshal event payload")
	}
	frame, err := json.Marshal(Envelope{Event: event, Payload: raw})
	if err != nil {
		return errors.Wrap(err, "webchat: marshal event envelope")
	}

	msg := message.NewMessage(watermill.NewUUID(), frame)
	msg.SetContext(ctx)
	msg.Metadata.Set("event", event)
	return errors.Wrap(p.pub.Publish(topicForConversation(convID), msg), "webchat: publish event")
}
