package realtime

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tasksync/internal/wire"
)

type EnvelopeKind string

const (
	// KindRoom carries a frame for every member of RoomID except Exclude.
	KindRoom EnvelopeKind = "room"
	// KindNotify carries a notification for UserID's live streams.
	KindNotify EnvelopeKind = "notify"
	// KindUser carries a frame for every session of UserID.
	KindUser EnvelopeKind = "user"
	// KindPresence carries the presence entries Instance holds for RoomID.
	KindPresence EnvelopeKind = "presence"
)

// Envelope is the unit published between server instances.
type Envelope struct {
	Kind         EnvelopeKind       `json:"kind"`
	RoomID       string             `json:"roomId,omitempty"`
	UserID       string             `json:"userId,omitempty"`
	Exclude      string             `json:"exclude,omitempty"`
	Frame        *wire.Frame        `json:"frame,omitempty"`
	Notification *wire.Notification `json:"notification,omitempty"`

	Instance string               `json:"instance,omitempty"`
	Seq      uint64               `json:"seq,omitempty"`
	Entries  []wire.PresenceEntry `json:"entries,omitempty"`
}

// Bus fans envelopes out to every server instance, including the publisher.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	// Listen delivers envelopes until ctx is canceled.
	Listen(ctx context.Context, deliver func(Envelope)) error
}

const defaultBusChannel = "tasksync:events"

// RedisBus implements Bus with Redis PUBLISH/SUBSCRIBE.
type RedisBus struct {
	client  *redis.Client
	channel string
	log     zerolog.Logger
}

func NewRedisBus(client *redis.Client, logger zerolog.Logger) *RedisBus {
	return &RedisBus{client: client, channel: defaultBusChannel, log: logger}
}

func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	data, err := sonic.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publish envelope: %w", err)
	}
	return nil
}

func (b *RedisBus) Listen(ctx context.Context, deliver func(Envelope)) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	// Receive blocks until Redis confirms the subscription.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var env Envelope
			if err := sonic.UnmarshalString(msg.Payload, &env); err != nil {
				b.log.Warn().Err(err).Msg("bus: dropping malformed envelope")
				continue
			}
			deliver(env)
		}
	}
}
