package webchat

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Forwarder pipes one conversation topic into the room's connection pool.
// It owns a single reader goroutine; frames are delivered in subscription
// order and acked after the pool broadcast.
type Forwarder struct {
	convID int64
	sub    message.Subscriber
	ownSub bool
	pool   *ConnectionPool

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

func NewForwarder(convID int64, sub message.Subscriber, ownSub bool, pool *ConnectionPool) *Forwarder {
	return &Forwarder{convID: convID, sub: sub, ownSub: ownSub, pool: pool}
}

func (f *Forwarder) Start(ctx context.Context) error {
	if f == nil || f.sub == nil {
		return errors.New("webchat: forwarder has no subscriber")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	ch, err := f.sub.Subscribe(runCtx, topicForConversation(f.convID))
	if err != nil {
		cancel()
		return errors.Wrap(err, "webchat: subscribe conversation topic")
	}
	f.cancel = cancel
	f.running = true

	go f.run(ch)
	return nil
}

func (f *Forwarder) run(ch <-chan *message.Message) {
	logger := log.With().Str("component", "webchat").Int64("conv_id", f.convID).Logger()
	logger.Debug().Msg("forwarder started")
	for msg := range ch {
		f.pool.Broadcast(msg.Payload)
		msg.Ack()
	}
	logger.Debug().Msg("forwarder stopped")
}

// Stop ends the reader goroutine and, when the forwarder owns its
// subscriber, closes it. Shared subscribers outlive the room.
func (f *Forwarder) Stop() {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return
	}
	f.running = false
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	if f.ownSub {
		if err := f.sub.Close(); err != nil {
			log.Warn().Err(err).Str("component", "webchat").Int64("conv_id", f.convID).Msg("subscriber close failed")
		}
	}
}
