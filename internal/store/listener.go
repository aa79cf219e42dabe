package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"tasksync/internal/wire"
)

const (
	ChannelEntities      = "tasksync_entities"
	ChannelNotifications = "tasksync_notifications"
)

var ErrUnknownChannel = errors.New("unknown notify channel")

// Sink receives authoritative events read from Postgres.
type Sink interface {
	PublishEntityChanged(ctx context.Context, roomID, key string, value json.RawMessage, exclude string) error
	PublishEntityDeleted(ctx context.Context, roomID, key, exclude string) error
	Notify(ctx context.Context, n wire.Notification) error
}

type entityEvent struct {
	Op     string          `json:"op"`
	RoomID string          `json:"roomId"`
	Key    string          `json:"key"`
	Value  json.RawMessage `json:"value"`
}

type notificationRow struct {
	ID              string    `json:"id"`
	RecipientUserID string    `json:"recipient_user_id"`
	Type            string    `json:"type"`
	Title           string    `json:"title"`
	Message         string    `json:"message"`
	RelatedEntity   *string   `json:"related_entity"`
	CreatedAt       time.Time `json:"created_at"`
}

// Listener relays LISTEN/NOTIFY events from the data layer's database to a Sink.
type Listener struct {
	databaseURL string
	sink        Sink
	log         zerolog.Logger
	maxBackoff  time.Duration
}

func NewListener(databaseURL string, sink Sink, logger zerolog.Logger) *Listener {
	return &Listener{
		databaseURL: databaseURL,
		sink:        sink,
		log:         logger,
		maxBackoff:  30 * time.Second,
	}
}

// Run listens until ctx is canceled, reconnecting with backoff when the
// connection drops. Events raised while disconnected are lost.
func (l *Listener) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = l.maxBackoff
	policy.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		err := l.listen(ctx, policy.Reset)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, backoff.WithContext(policy, ctx), func(err error, next time.Duration) {
		l.log.Warn().Err(err).Dur("retry_in", next).Msg("postgres listener disconnected")
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (l *Listener) listen(ctx context.Context, connected func()) error {
	conn, err := pgx.Connect(ctx, l.databaseURL)
	if err != nil {
		return fmt.Errorf("connect listener: %w", err)
	}
	defer conn.Close(context.Background())

	for _, channel := range []string{ChannelEntities, ChannelNotifications} {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
			return fmt.Errorf("listen %s: %w", channel, err)
		}
	}
	connected()
	l.log.Info().Msg("postgres listener ready")

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		if err := l.Dispatch(ctx, n.Channel, n.Payload); err != nil {
			l.log.Warn().Err(err).Str("channel", n.Channel).Msg("dropping notify payload")
		}
	}
}

// Dispatch decodes one NOTIFY payload and forwards it to the sink.
func (l *Listener) Dispatch(ctx context.Context, channel, payload string) error {
	switch channel {
	case ChannelEntities:
		var ev entityEvent
		if err := sonic.UnmarshalString(payload, &ev); err != nil {
			return fmt.Errorf("decode entity event: %w", err)
		}
		if ev.RoomID == "" || ev.Key == "" {
			return fmt.Errorf("entity event missing roomId or key")
		}
		if ev.Op == "delete" {
			return l.sink.PublishEntityDeleted(ctx, ev.RoomID, ev.Key, "")
		}
		if len(ev.Value) == 0 || string(ev.Value) == "null" {
			// Row too large for a NOTIFY payload; clients pick it up on their next fetch.
			l.log.Debug().Str("key", ev.Key).Msg("entity event without value")
			return nil
		}
		return l.sink.PublishEntityChanged(ctx, ev.RoomID, ev.Key, ev.Value, "")
	case ChannelNotifications:
		var row notificationRow
		if err := sonic.UnmarshalString(payload, &row); err != nil {
			return fmt.Errorf("decode notification: %w", err)
		}
		n := wire.Notification{
			ID:              row.ID,
			RecipientUserID: row.RecipientUserID,
			Type:            row.Type,
			Title:           row.Title,
			Message:         row.Message,
			CreatedAt:       row.CreatedAt,
		}
		if row.RelatedEntity != nil {
			n.RelatedEntity = *row.RelatedEntity
		}
		return l.sink.Notify(ctx, n)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
}
