package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// Lock is a best-effort distributed mutex built on SET NX. It serializes
// scheduled jobs across replicas; it is not a fencing lock and must not be
// used to guard data integrity on its own.
type Lock struct {
	client goredis.UniversalClient
}

func NewLock(client goredis.UniversalClient) *Lock {
	return &Lock{client: client}
}

// Acquire attempts to take the named lock for ttl. On success it returns true
// and a release function that deletes the lock only if this holder still owns
// it. On contention it returns false with a no-op release.
func (l *Lock) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, func(), error) {
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, name, token, ttl).Result()
	if err != nil {
		return false, func() {}, err
	}
	if !ok {
		return false, func() {}, nil
	}

	release := func() {
		// Delete only when the value still matches our token, so an expired
		// lock re-acquired by another holder is never released by us.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		script := goredis.NewScript(`
			if redis.call("get", KEYS[1]) == ARGV[1] then
				return redis.call("del", KEYS[1])
			end
			return 0
		`)
		_ = script.Run(releaseCtx, l.client, []string{name}, token).Err()
	}

	return true, release, nil
}
