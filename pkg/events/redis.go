package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultChannelPrefix namespaces relayed session events in Redis.
const DefaultChannelPrefix = "session-events:"

// relayedEvent keeps the payload undecoded; its Go type is only known to
// the consumer.
type relayedEvent struct {
	Event
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RedisRelay mirrors local events to Redis and republishes events from other
// nodes locally, so viewers connected to any node see every session.
type RedisRelay struct {
	client    *redis.Client
	publisher *Publisher
	nodeID    string
	prefix    string
	buffer    int

	// restart backoff after the relay loses its local watch or Redis
	minBackoff time.Duration
	maxBackoff time.Duration

	mu    sync.Mutex
	local *Subscription

	ready     chan struct{}
	readyOnce sync.Once
	logger    *zap.Logger
}

// NewRedisRelay creates a relay for the given node.
func NewRedisRelay(client *redis.Client, publisher *Publisher, nodeID string, logger *zap.Logger) *RedisRelay {
	return &RedisRelay{
		client:     client,
		publisher:  publisher,
		nodeID:     nodeID,
		prefix:     DefaultChannelPrefix,
		buffer:     1024,
		minBackoff: 100 * time.Millisecond,
		maxBackoff: 5 * time.Second,
		ready:      make(chan struct{}),
		logger:     logger,
	}
}

// Ready is closed once the first Redis subscription is confirmed.
func (r *RedisRelay) Ready() <-chan struct{} {
	return r.ready
}

// Run relays events until ctx is cancelled. A relay that falls behind or
// loses its Redis subscription resubscribes with exponential backoff;
// events published in between are not relayed.
func (r *RedisRelay) Run(ctx context.Context) error {
	backoff := r.minBackoff

	for {
		subscribed, err := r.relay(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if subscribed {
			backoff = r.minBackoff
		}

		r.logger.Warn("Event relay interrupted, restarting",
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > r.maxBackoff {
			backoff = r.maxBackoff
		}
	}
}

// relay runs one subscription. subscribed reports whether Redis confirmed
// it before the relay stopped.
func (r *RedisRelay) relay(ctx context.Context) (subscribed bool, err error) {
	local := r.publisher.Watch("", r.buffer)
	defer local.Close()

	r.mu.Lock()
	r.local = local
	r.mu.Unlock()

	ps := r.client.PSubscribe(ctx, r.prefix+"*")
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return false, fmt.Errorf("subscribe %s*: %w", r.prefix, err)
	}
	r.readyOnce.Do(func() { close(r.ready) })

	remote := ps.Channel()

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()

		case event, ok := <-local.Events():
			if !ok {
				return true, errors.New("local event stream closed")
			}
			if event.Origin != "" || event.SessionID == "" {
				continue
			}
			if err := r.forward(ctx, event); err != nil {
				r.logger.Error("relay publish failed",
					zap.String("session_id", event.SessionID),
					zap.Error(err))
			}

		case msg, ok := <-remote:
			if !ok {
				return true, errors.New("redis subscription closed")
			}
			var wire relayedEvent
			if err := json.Unmarshal([]byte(msg.Payload), &wire); err != nil {
				r.logger.Warn("discarding malformed relayed event", zap.Error(err))
				continue
			}
			event := wire.Event
			event.Payload = wire.Payload
			if event.Origin == r.nodeID {
				continue
			}
			if event.SessionID == "" {
				event.SessionID = strings.TrimPrefix(msg.Channel, r.prefix)
			}
			r.publisher.Publish(event)
		}
	}
}

func (r *RedisRelay) forward(ctx context.Context, event Event) error {
	event.Origin = r.nodeID

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	return r.client.Publish(ctx, r.prefix+event.SessionID, data).Err()
}
