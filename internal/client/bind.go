package client

import (
	"strings"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"

	"tasksync/internal/cache"
	"tasksync/internal/wire"
)

// BindEntities applies entity_changed and entity_deleted frames whose key
// belongs to entity ("task" matches "task:T1") to c. It returns a function
// that removes both handlers.
func BindEntities[T any](sub Subscriber, entity string, c *cache.Cache[T], logger zerolog.Logger) func() {
	prefix := entity + ":"

	stopChanged := sub.On(wire.EventEntityChanged, func(frame wire.Frame) {
		var changed wire.EntityChanged
		if err := frame.Bind(&changed); err != nil {
			logger.Debug().Err(err).Msg("ignoring entity_changed")
			return
		}
		if !strings.HasPrefix(changed.Key, prefix) {
			return
		}
		var value T
		if err := sonic.Unmarshal(changed.Value, &value); err != nil {
			logger.Warn().Err(err).Str("key", changed.Key).Msg("decode entity value")
			return
		}
		c.ApplyServerEvent(changed.Key, value)
	})

	stopDeleted := sub.On(wire.EventEntityDeleted, func(frame wire.Frame) {
		var deleted wire.EntityDeleted
		if err := frame.Bind(&deleted); err != nil || !strings.HasPrefix(deleted.Key, prefix) {
			return
		}
		c.ApplyServerDelete(deleted.Key)
	})

	return func() {
		stopChanged()
		stopDeleted()
	}
}
