// Package statebus publishes state changes of the coordinator's components as JSON messages,
// either in-process or over Redis Streams.
package statebus

import (
	"context"
	"encoding/json"
	"strings"

	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	TopicPrefix = "jobwire."

	MetadataComponent = "component"
)

// Topic returns the topic state changes of component are published on.
func Topic(component string) string {
	return TopicPrefix + component
}

type Bus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	client     *redis.Client
	settings   Settings
	// shared is set when publisher and subscriber are the same gochannel.
	shared bool
}

// New builds a bus from settings. A Redis-backed bus verifies the server answers before
// returning.
func New(ctx context.Context, s Settings) (*Bus, error) {
	logger := NewWatermillLogger(log.Logger.With().Str("component", "statebus").Logger())
	if !s.Enabled {
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: s.Buffer}, logger)
		return &Bus{publisher: ch, subscriber: ch, settings: s, shared: true}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "ping redis at %s", s.Addr)
	}
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis stream publisher")
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "redis stream subscriber")
	}
	return &Bus{publisher: pub, subscriber: sub, client: client, settings: s}, nil
}

// Publish sends v as JSON on the component's topic.
func (b *Bus) Publish(component string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal state")
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set(MetadataComponent, component)
	return b.publisher.Publish(Topic(component), msg)
}

// Subscribe delivers the component's messages until ctx is done. Callers must Ack each one.
// On Redis the consumer group is created at the stream tail so history is not replayed.
func (b *Bus) Subscribe(ctx context.Context, component string) (<-chan *message.Message, error) {
	topic := Topic(component)
	if b.client != nil {
		if err := ensureGroupAtTail(ctx, b.client, topic, b.settings.Group); err != nil {
			return nil, err
		}
	}
	return b.subscriber.Subscribe(ctx, topic)
}

func (b *Bus) Close() error {
	var errs []string
	if err := b.publisher.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if !b.shared {
		if err := b.subscriber.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if b.client != nil {
		if err := b.client.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return errors.Errorf("close statebus: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Observer returns a callback publishing every value it receives. Failures are logged.
func Observer[T any](b *Bus, component string) func(T) {
	return func(v T) {
		if b == nil {
			return
		}
		if err := b.Publish(component, v); err != nil {
			log.Warn().Err(err).Str("component", "statebus").Str("topic", Topic(component)).Msg("publish failed")
		}
	}
}

// Decode unmarshals a bus message into T.
func Decode[T any](msg *message.Message) (T, error) {
	var v T
	if err := json.Unmarshal(msg.Payload, &v); err != nil {
		return v, errors.Wrapf(err, "decode message %s", msg.UUID)
	}
	return v, nil
}

// ensureGroupAtTail creates the consumer group at $ if it does not exist yet.
func ensureGroupAtTail(ctx context.Context, client *redis.Client, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "create consumer group %s on %s", group, stream)
	}
	log.Info().Str("component", "statebus").Str("stream", stream).Str("group", group).Msg("created redis consumer group at tail")
	return nil
}
