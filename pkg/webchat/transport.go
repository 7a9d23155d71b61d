package webchat

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// TransportConfig selects between the in-memory pubsub (single process) and
// Redis Streams (every process serving the conversation sees every event).
type TransportConfig struct {
	RedisEnabled bool
	RedisAddr    string
	// Group is the consumer-group prefix. Each process appends its own
	// suffix so groups never share delivery: a shared group would split
	// events between processes instead of fanning them out.
	Group    string
	Consumer string
}

// Transport owns the publisher side of conversation fan-out and builds
// per-room subscribers.
type Transport struct {
	cfg       TransportConfig
	processID string
	pub       message.Publisher
	channel   *gochannel.GoChannel
	rdb       *redis.Client
}

func NewTransport(cfg TransportConfig) (*Transport, error) {
	t := &Transport{cfg: cfg, processID: uuid.NewString()[:8]}
	if !cfg.RedisEnabled {
		t.channel = gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 256},
			newWatermillLogger(log.Logger),
		)
		t.pub = t.channel
		return t, nil
	}

	if cfg.RedisAddr == "" {
		return nil, errors.New("webchat: redis transport requires an address")
	}
	t.rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     t.rdb,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, newWatermillLogger(log.Logger))
	if err != nil {
		return nil, errors.Wrap(err, "webchat: build redis publisher")
	}
	t.pub = pub
	return t, nil
}

func (t *Transport) Publisher() message.Publisher {
	if t == nil {
		return nil
	}
	return t.pub
}

// BuildSubscriber returns the subscriber for one conversation topic and
// whether the caller owns it. The in-memory channel is shared and must not
// be closed per room; redis subscribers are per-room and per-process.
func (t *Transport) BuildSubscriber(ctx context.Context, convID int64) (message.Subscriber, bool, error) {
	if t == nil {
		return nil, false, errors.New("webchat: transport is not initialized")
	}
	if !t.cfg.RedisEnabled {
		return t.channel, false, nil
	}

	group := t.cfg.Group + "-" + t.processID
	if err := t.ensureGroupAtTail(ctx, topicForConversation(convID), group); err != nil {
		log.Warn().Err(err).Str("component", "webchat").Int64("conv_id", convID).Msg("consumer group setup failed")
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        t.rdb,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: group,
		Consumer:      t.cfg.Consumer,
	}, newWatermillLogger(log.Logger))
	if err != nil {
		return nil, false, errors.Wrap(err, "webchat: build redis subscriber")
	}
	return sub, true, nil
}

// ensureGroupAtTail creates the consumer group at $ so a fresh room does not
// replay the stream's history.
func (t *Transport) ensureGroupAtTail(ctx context.Context, stream, group string) error {
	err := t.rdb.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (t *Transport) Close() error {
	if t == nil {
		return nil
	}
	if t.channel != nil {
		return t.channel.Close()
	}
	if t.pub != nil {
		if err := t.pub.Close(); err != nil {
			return err
		}
	}
	if t.rdb != nil {
		return t.rdb.Close()
	}
	return nil
}
