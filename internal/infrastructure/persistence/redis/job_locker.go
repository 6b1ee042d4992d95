package redis

import (
	"context"
	"errors"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another instance holds the job lock.
var ErrLockHeld = errors.New("cache: lock held by another instance")

// unlockScript deletes the lock only if it still carries our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// JobLocker implements gocron.Locker so that a scheduled job runs on one
// worker instance per tick.
type JobLocker struct {
	cache *Cache
	ttl   time.Duration
}

var _ gocron.Locker = (*JobLocker)(nil)

// NewJobLocker creates a new JobLocker. A zero ttl means TTLDistributedLock.
func NewJobLocker(cache *Cache, ttl time.Duration) *JobLocker {
	if ttl <= 0 {
		ttl = TTLDistributedLock
	}
	return &JobLocker{cache: cache, ttl: ttl}
}

// Lock implements gocron.Locker.
func (l *JobLocker) Lock(ctx context.Context, key string) (gocron.Lock, error) {
	token := uuid.NewString()
	ok, err := l.cache.Client().SetNX(ctx, LockKey(key), token, l.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &jobLock{client: l.cache.Client(), key: LockKey(key), token: token}, nil
}

type jobLock struct {
	client *redis.Client
	key    string
	token  string
}

// Unlock implements gocron.Lock.
func (l *jobLock) Unlock(ctx context.Context) error {
	return unlockScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}
