package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	"prpline/core"
)

// RedisNotifier publishes pipeline events onto a shared list that any
// consumer can drain. Events are advisory: task state never depends on
// whether anyone reads them.
type RedisNotifier struct {
	store  *Store
	logger core.Logger
}

// NewNotifier creates a notifier over the store.
func NewNotifier(store *Store, logger core.Logger) *RedisNotifier {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cl, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cl.WithComponent("notifier")
	}
	return &RedisNotifier{store: store, logger: logger}
}

// Publish appends one notification to the stream. A zero timestamp is
// stamped with the current time.
func (n *RedisNotifier) Publish(ctx context.Context, notification *core.Notification) error {
	if notification == nil {
		return nil
	}
	if notification.Timestamp.IsZero() {
		notification.Timestamp = time.Now().UTC()
	}

	data, err := notification.Encode()
	if err != nil {
		return &core.PipelineError{
			Op: "Notifier.Publish", Kind: "validation",
			Message: "notification cannot be encoded",
			Err:     err,
		}
	}
	if err := n.store.rdb.LPush(ctx, n.store.keys.Notifications(), data).Err(); err != nil {
		return &core.PipelineError{
			Op: "Notifier.Publish", Kind: "store",
			Message: "cannot publish notification",
			Err:     err,
		}
	}
	return nil
}

// Consume blocks until a notification arrives or the timeout passes, in
// which case it returns nil without error. Notifications arrive oldest
// first.
func (n *RedisNotifier) Consume(ctx context.Context, timeout time.Duration) (*core.Notification, error) {
	reply, err := n.store.rdb.BRPop(ctx, timeout, n.store.keys.Notifications()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, &core.PipelineError{
				Op: "Notifier.Consume", Kind: "queue",
				Message: "consume interrupted",
				Err:     core.ErrContextCanceled,
			}
		}
		return nil, &core.PipelineError{
			Op: "Notifier.Consume", Kind: "store",
			Message: "cannot consume notification",
			Err:     err,
		}
	}
	// BRPOP replies [key, value].
	if len(reply) != 2 {
		return nil, nil
	}

	notification, err := core.DecodeNotification([]byte(reply[1]))
	if err != nil {
		n.logger.Warn("Dropping undecodable notification", map[string]interface{}{
			"error": err.Error(),
		})
		return nil, nil
	}
	return notification, nil
}

// Depth reports how many notifications are waiting.
func (n *RedisNotifier) Depth(ctx context.Context) (int64, error) {
	count, err := n.store.rdb.LLen(ctx, n.store.keys.Notifications()).Result()
	if err != nil {
		return 0, &core.PipelineError{
			Op: "Notifier.Depth", Kind: "store",
			Message: "cannot measure notification stream",
			Err:     err,
		}
	}
	return count, nil
}
