package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisChannel carries room fan-out between instances.
const RedisChannel = "roomchat:events"

var ErrBrokerClosed = errors.New("broker closed")

// Envelope is one room delivery. Frame is already encoded; Origin names the
// connection that caused it, which never receives its own echo.
type Envelope struct {
	RoomID string          `json:"roomId"`
	Origin string          `json:"origin,omitempty"`
	Frame  json.RawMessage `json:"frame"`
}

// Broker fans room deliveries out to every instance's hub.
type Broker interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe calls handle for every envelope until ctx is done.
	Subscribe(ctx context.Context, handle func(Envelope)) error
	Close() error
}

// LocalBroker delivers in-process, for single-instance deployments.
type LocalBroker struct {
	mu       sync.RWMutex
	handlers map[int]func(Envelope)
	next     int
	closed   bool
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{handlers: make(map[int]func(Envelope))}
}

func (b *LocalBroker) Publish(ctx context.Context, env Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBrokerClosed
	}
	for _, handle := range b.handlers {
		handle(env)
	}
	return nil
}

func (b *LocalBroker) Subscribe(ctx context.Context, handle func(Envelope)) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBrokerClosed
	}
	id := b.next
	b.next++
	b.handlers[id] = handle
	b.mu.Unlock()

	<-ctx.Done()

	b.mu.Lock()
	delete(b.handlers, id)
	b.mu.Unlock()
	return nil
}

func (b *LocalBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[int]func(Envelope))
	return nil
}

// RedisBroker publishes envelopes on a Redis pub/sub channel so that every
// instance delivers to its own connections.
type RedisBroker struct {
	client  *redis.Client
	channel string
	log     zerolog.Logger
}

// NewRedisBroker connects to redisURL and checks the connection.
func NewRedisBroker(ctx context.Context, redisURL string, logger zerolog.Logger) (*RedisBroker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisBroker{
		client:  client,
		channel: RedisChannel,
		log:     logger.With().Str("component", "broker").Logger(),
	}, nil
}

func (b *RedisBroker) Publish(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, handle func(Envelope)) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	// wait for the subscription to be confirmed
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.log.Warn().Err(err).Msg("dropping malformed envelope")
				continue
			}
			handle(env)
		}
	}
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

func (b *LocalBroker) subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}
