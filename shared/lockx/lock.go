// Package lockx holds short Redis locks that keep two consoles from issuing
// the same command for one alert at once.
package lockx

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrNotInitialized = errors.New("redis client not initialized")

// unlock deletes the key only while it still holds our token, so a lock that
// expired and was retaken elsewhere is left alone.
var unlock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Locker struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewLocker(rdb *redis.Client, prefix string, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	l := &Locker{prefix: prefix, ttl: ttl}
	if rdb != nil {
		l.rdb = rdb
	}
	return l
}

// TryLock takes prefix+id for the locker's TTL. When the key is already
// held it returns ok=false and a nil release func.
func (l *Locker) TryLock(ctx context.Context, id string) (release func(), ok bool, err error) {
	if l == nil || l.rdb == nil {
		return nil, false, ErrNotInitialized
	}
	key, token := l.prefix+id, uuid.NewString()
	ok, err = l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	return func() {
		// The command's ctx may be done by the time it releases.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = unlock.Run(rctx, l.rdb, []string{key}, token).Err()
	}, true, nil
}
