package leader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces the lease keys written to Redis.
const KeyPrefix = "warpmesh:leader:"

const (
	DefaultLeaseTTL      = 3 * time.Second
	DefaultRetryInterval = 500 * time.Millisecond
)

var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisOptions tunes the lease used by a Redis election.
type RedisOptions struct {
	// LeaseTTL is how long a lease survives without renewal. A crashed
	// leader is replaced at most this long after its last renewal.
	LeaseTTL time.Duration

	// RetryInterval is how often followers try to take the lease.
	RetryInterval time.Duration

	Logger *slog.Logger
}

// Redis elects leaders across processes with a single lease key per name.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
	logger *slog.Logger
}

// NewRedis pings client and returns an election on top of it.
func NewRedis(ctx context.Context, client *redis.Client, opts RedisOptions) (*Redis, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultLeaseTTL
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Redis{
		client: client,
		ttl:    opts.LeaseTTL,
		retry:  opts.RetryInterval,
		logger: opts.Logger.With("component", "leader"),
	}, nil
}

func (r *Redis) Elector(name string) (Elector, error) {
	if name == "" {
		return nil, errors.New("leader: empty name")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &redisElector{
		r:       r,
		key:     KeyPrefix + name,
		id:      uuid.NewString(),
		ctx:     ctx,
		cancel:  cancel,
		elected: make(chan struct{}),
		stopped: make(chan struct{}),
	}, nil
}

type redisElector struct {
	r   *Redis
	key string
	id  string

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	campaigning bool
	died        bool
	// term is open while this elector holds the lease, nil otherwise.
	term chan struct{}
	// elected is closed and replaced whenever a new term starts.
	elected chan struct{}

	stopped chan struct{}
}

func (e *redisElector) AwaitLeadership(ctx context.Context) (<-chan struct{}, error) {
	for {
		e.mu.Lock()
		if e.died {
			e.mu.Unlock()
			return nil, ErrDead
		}
		if !e.campaigning {
			e.campaigning = true
			go e.campaign()
		}
		if e.term != nil {
			term := e.term
			e.mu.Unlock()
			return term, nil
		}
		elected := e.elected
		e.mu.Unlock()

		select {
		case <-elected:
		case <-e.ctx.Done():
			return nil, ErrDead
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// campaign tries to take the lease and, once held, keeps renewing it.
func (e *redisElector) campaign() {
	defer close(e.stopped)

	ticker := time.NewTicker(e.r.retry)
	defer ticker.Stop()

	for {
		if e.tryAcquire() {
			e.hold()
			if e.ctx.Err() != nil {
				return
			}
			e.r.logger.Warn("leadership lease lost", "key", e.key)
		}

		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (e *redisElector) tryAcquire() bool {
	ok, err := e.r.client.SetNX(e.ctx, e.key, e.id, e.r.ttl).Result()
	if err != nil {
		if e.ctx.Err() == nil {
			e.r.logger.Debug("lease acquire failed", "key", e.key, "error", err)
		}
		return false
	}
	if !ok {
		return false
	}

	e.mu.Lock()
	e.term = make(chan struct{})
	close(e.elected)
	e.elected = make(chan struct{})
	e.mu.Unlock()
	e.r.logger.Debug("lease acquired", "key", e.key, "id", e.id)
	return true
}

// hold renews the lease until it is lost or the elector dies. A lease not
// renewed within one TTL counts as lost.
func (e *redisElector) hold() {
	ticker := time.NewTicker(e.r.ttl / 3)
	defer ticker.Stop()
	defer e.endTerm()

	renewed := time.Now()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
		}

		n, err := renewScript.Run(e.ctx, e.r.client, []string{e.key}, e.id, e.r.ttl.Milliseconds()).Int()
		if err != nil {
			if e.ctx.Err() != nil {
				return
			}
			if time.Since(renewed) >= e.r.ttl {
				e.r.logger.Debug("lease expired without renewal", "key", e.key, "error", err)
				return
			}
			e.r.logger.Debug("lease renew failed", "key", e.key, "error", err)
			continue
		}
		if n == 0 {
			return
		}
		renewed = time.Now()
	}
}

func (e *redisElector) endTerm() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.term != nil {
		close(e.term)
		e.term = nil
	}
}

func (e *redisElector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.term != nil
}

func (e *redisElector) HasLeader(ctx context.Context) error {
	ticker := time.NewTicker(e.r.retry)
	defer ticker.Stop()

	for {
		n, err := e.r.client.Exists(ctx, e.key).Result()
		if err == nil && n > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.ctx.Done():
			return ErrDead
		case <-ticker.C:
		}
	}
}

func (e *redisElector) Die() error {
	e.mu.Lock()
	if e.died {
		e.mu.Unlock()
		return nil
	}
	e.died = true
	campaigning := e.campaigning
	e.mu.Unlock()

	e.cancel()
	if campaigning {
		<-e.stopped
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, e.r.client, []string{e.key}, e.id).Err(); err != nil {
		return fmt.Errorf("release %s: %w", e.key, err)
	}
	return nil
}
