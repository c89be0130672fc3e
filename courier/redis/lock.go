package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/LerianStudio/lib-courier/courier"
	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/LerianStudio/lib-courier/courier/opentelemetry"
	"github.com/go-redsync/redsync/v4"
	redsyncredis "github.com/go-redsync/redsync/v4/redis"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// DefaultKeyPrefix namespaces every lock key.
	DefaultKeyPrefix = "courier:lock:"
	// DefaultLockExpiry applies when TryLock gets a non-positive expiry.
	DefaultLockExpiry = 10 * time.Second

	maxLockKeyLogLength = 128
)

var (
	ErrNilLockHandle  = errors.New("lock handle is nil")
	ErrLockNotHeld    = errors.New("lock was not held or already expired")
	ErrNilLockManager = errors.New("lock manager is nil")
	ErrEmptyLockKey   = errors.New("lock key cannot be empty")
)

// LockHandle is an acquired lock. Release it with Unlock.
type LockHandle interface {
	Unlock(ctx context.Context) error
}

// RedisLockManager hands out single-attempt redsync locks keyed by job name.
// A lock expires on its own, so a crashed holder blocks a job for at most one
// expiry.
//
//	handle, acquired, err := locks.TryLock(ctx, "outbox-publish", time.Minute)
//	if err != nil || !acquired {
//	    return err
//	}
//	defer handle.Unlock(ctx)
type RedisLockManager struct {
	redsync *redsync.Redsync
	prefix  string
}

type LockManagerOption func(*RedisLockManager)

// WithKeyPrefix replaces DefaultKeyPrefix, letting several relays share one
// Redis without sharing locks.
func WithKeyPrefix(prefix string) LockManagerOption {
	return func(dl *RedisLockManager) {
		dl.prefix = prefix
	}
}

// NewRedisLockManager checks conn once and builds the manager over it.
func NewRedisLockManager(conn *Client, opts ...LockManagerOption) (*RedisLockManager, error) {
	if conn == nil {
		return nil, ErrNilClient
	}

	if _, err := conn.GetClient(context.Background()); err != nil {
		return nil, fmt.Errorf("get redis client: %w", err)
	}

	dl := &RedisLockManager{
		redsync: redsync.New(&reconnectingPool{conn: conn}),
		prefix:  DefaultKeyPrefix,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(dl)
		}
	}

	return dl, nil
}

// TryLock makes one attempt to take lockKey for expiry. A lock held elsewhere
// yields false with a nil error; only Redis failures return an error.
func (dl *RedisLockManager) TryLock(ctx context.Context, lockKey string, expiry time.Duration) (LockHandle, bool, error) {
	if dl == nil {
		return nil, false, ErrNilLockManager
	}

	if strings.TrimSpace(lockKey) == "" {
		return nil, false, ErrEmptyLockKey
	}

	if expiry <= 0 {
		expiry = DefaultLockExpiry
	}

	logger, tracer, _ := courier.NewTrackingFromContext(ctx)
	logKey := lockKeyForLogs(lockKey)

	ctx, span := tracer.Start(ctx, "redis.lock.try_lock")
	defer span.End()

	span.SetAttributes(attribute.String("lock.key", logKey), attribute.Int64("lock.expiry_ms", expiry.Milliseconds()))

	mutex := dl.redsync.NewMutex(dl.prefix+lockKey, redsync.WithExpiry(expiry), redsync.WithTries(1))

	if err := mutex.LockContext(ctx); err != nil {
		if isLockContention(err) {
			logger.Log(ctx, log.LevelDebug, "lock held by another process", log.String("lock_key", logKey))
			span.SetAttributes(attribute.Bool("lock.acquired", false))

			return nil, false, nil
		}

		opentelemetry.HandleSpanError(span, "acquire lock", err)

		return nil, false, fmt.Errorf("acquire lock %s: %w", logKey, err)
	}

	span.SetAttributes(attribute.Bool("lock.acquired", true))

	return &lockHandle{mutex: mutex, logger: logger, key: logKey}, true, nil
}

// reconnectingPool resolves the client on every Get so locks keep working
// after Client reconnects.
type reconnectingPool struct {
	conn *Client
}

func (p *reconnectingPool) Get(ctx context.Context) (redsyncredis.Conn, error) {
	rdb, err := p.conn.GetClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("lock pool: %w", err)
	}

	return goredis.NewPool(rdb).Get(ctx)
}

type lockHandle struct {
	mutex  *redsync.Mutex
	logger log.Logger
	key    string
}

func (h *lockHandle) Unlock(ctx context.Context) error {
	if h == nil || h.mutex == nil {
		return ErrNilLockHandle
	}

	ok, err := h.mutex.UnlockContext(ctx)
	if err != nil {
		h.logger.Log(ctx, log.LevelWarn, "release lock", log.String("lock_key", h.key), log.Err(err))

		return fmt.Errorf("release lock %s: %w", h.key, err)
	}

	if !ok {
		return fmt.Errorf("%w: %s", ErrLockNotHeld, h.key)
	}

	return nil
}

// isLockContention separates a lock held elsewhere from a Redis failure.
func isLockContention(err error) bool {
	var taken *redsync.ErrTaken

	return errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken)
}

func lockKeyForLogs(lockKey string) string {
	quoted := strconv.QuoteToASCII(lockKey)
	if len(quoted) <= maxLockKeyLogLength {
		return quoted
	}

	return quoted[:maxLockKeyLogLength] + "...(truncated)"
}
