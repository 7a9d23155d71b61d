package redisstate

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Lock is the per-conversation generation lock: a TTL-bounded atomic
// set-if-absent in the shared store. It stays correct when several server
// processes serve the same conversation, which an in-process mutex would not.
// The TTL is the deadlock safety net; it must exceed the longest plausible
// generation plus margin.
type Lock struct {
	rdb *redis.Client
}

func NewLock(rdb *redis.Client) *Lock {
	return &Lock{rdb: rdb}
}

// TryAcquire returns true only when no token exists for the conversation.
// A false return is expected contention, not an error: another generation
// owns the conversation.
func (l *Lock) TryAcquire(ctx context.Context, convID int64, ttl time.Duration) (bool, error) {
	if l == nil || l.rdb == nil {
		return false, errors.New("redisstate: lock client is nil")
	}
	ok, err := l.rdb.SetNX(ctx, lockKey(convID), uuid.NewString(), ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "redisstate: acquire generation lock")
	}
	return ok, nil
}

// Release deletes the token unconditionally. Safe to call when the token has
// already expired or was never held.
func (l *Lock) Release(ctx context.Context, convID int64) error {
	if l == nil || l.rdb == nil {
		return errors.New("redisstate: lock client is nil")
	}
	return errors.Wrap(l.rdb.Del(ctx, lockKey(convID)).Err(), "redisstate: release generation lock")
}
