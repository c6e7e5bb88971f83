package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// KeyPrefix namespaces the pub/sub channels used by Redis.
const KeyPrefix = "warpmesh:bc:"

// frame is what travels over the Redis channel.
type frame struct {
	Sender string `msgpack:"sender"`
	Data   []byte `msgpack:"data"`
}

// Redis is a Bus backed by Redis pub/sub, letting separate processes on
// one host (or one deployment) share leadership of a room.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedis pings client and returns a bus on top of it.
func NewRedis(ctx context.Context, client *redis.Client, logger *slog.Logger) (*Redis, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, logger: logger.With("component", "bus")}, nil
}

func (r *Redis) Subscribe(topic string, fn func([]byte)) (Subscription, error) {
	ctx := context.Background()
	ps := r.client.Subscribe(ctx, KeyPrefix+topic)

	// Wait for the subscription confirmation so frames posted right after
	// Subscribe returns are not missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("%w: subscribe %s: %v", ErrUnavailable, topic, err)
	}

	s := &redisSub{
		bus:     r,
		channel: KeyPrefix + topic,
		id:      uuid.NewString(),
		ps:      ps,
		fn:      fn,
		done:    make(chan struct{}),
	}
	go s.deliver()
	return s, nil
}

type redisSub struct {
	bus     *Redis
	channel string
	id      string
	ps      *redis.PubSub
	fn      func([]byte)

	closeOnce sync.Once
	done      chan struct{}
}

func (s *redisSub) Post(ctx context.Context, data []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	b, err := msgpack.Marshal(&frame{Sender: s.id, Data: data})
	if err != nil {
		return err
	}
	if err := s.bus.client.Publish(ctx, s.channel, b).Err(); err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("publish %s: %w", s.channel, err)
	}
	return nil
}

func (s *redisSub) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func (s *redisSub) deliver() {
	for msg := range s.ps.Channel() {
		var f frame
		if err := msgpack.Unmarshal([]byte(msg.Payload), &f); err != nil {
			s.bus.logger.Debug("dropping undecodable frame", "channel", s.channel, "error", err)
			continue
		}
		if f.Sender == s.id {
			continue
		}
		s.fn(f.Data)
	}
}
