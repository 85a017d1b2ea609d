package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rafaeljc/segmentation/internal/apperrors"
)

const lockKeyPrefix = "segmentation:materialize:lock:"

// releaseScript deletes the lock only if it still holds our token, so a
// holder whose TTL expired cannot free someone else's lock.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// StoreLock serializes materialization runs per store across workers.
type StoreLock struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewStoreLock(client redis.UniversalClient, ttl time.Duration) *StoreLock {
	if client == nil {
		panic("cache: redis client cannot be nil")
	}
	return &StoreLock{client: client, ttl: ttl}
}

// TryAcquire takes the store's lock without waiting. When acquired is
// false another worker holds it and release is nil.
func (l *StoreLock) TryAcquire(ctx context.Context, storeID string) (release func(context.Context) error, acquired bool, err error) {
	key := lockKeyPrefix + storeID
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, apperrors.Infra("store_lock.acquire", err)
	}
	if !ok {
		return nil, false, nil
	}

	release = func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
			return apperrors.Infra("store_lock.release", err)
		}
		return nil
	}
	return release, true, nil
}
