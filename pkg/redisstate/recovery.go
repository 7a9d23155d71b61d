package redisstate

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// DefaultRecoveryTTL bounds how long a partial result survives a crash.
const DefaultRecoveryTTL = 5 * time.Minute

// RecoveryBuffer holds the cumulative text of an in-flight assistant turn so
// a stop request or crash can still finalize partial output. It exists only
// while generation is running and is deleted once the turn is terminal.
type RecoveryBuffer struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRecoveryBuffer(rdb *redis.Client, ttl time.Duration) *RecoveryBuffer {
	if ttl <= 0 {
		ttl = DefaultRecoveryTTL
	}
	return &RecoveryBuffer{rdb: rdb, ttl: ttl}
}

// Put overwrites the buffer with the full accumulated content, refreshing the
// TTL on every fragment.
func (b *RecoveryBuffer) Put(ctx context.Context, turnID int64, content string) error {
	if b == nil || b.rdb == nil {
		return errors.New("redisstate: recovery buffer client is nil")
	}
	return errors.Wrap(b.rdb.Set(ctx, streamKey(turnID), content, b.ttl).Err(), "redisstate: write recovery buffer")
}

// Get returns the buffered content and whether a buffer exists.
func (b *RecoveryBuffer) Get(ctx context.Context, turnID int64) (string, bool, error) {
	if b == nil || b.rdb == nil {
		return "", false, errors.New("redisstate: recovery buffer client is nil")
	}
	content, err := b.rdb.Get(ctx, streamKey(turnID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "redisstate: read recovery buffer")
	}
	return content, true, nil
}

// Delete drops the buffer unconditionally.
func (b *RecoveryBuffer) Delete(ctx context.Context, turnID int64) error {
	if b == nil || b.rdb == nil {
		return errors.New("redisstate: recovery buffer client is nil")
	}
	return errors.Wrap(b.rdb.Del(ctx, streamKey(turnID)).Err(), "redisstate: delete recovery buffer")
}

// StopFlag is a short-lived cross-process marker that a stop was requested
// for an in-flight turn. The in-process cancellation handle is what actually
// interrupts generation; the flag is a safety net for observers.
type StopFlag struct {
	rdb *redis.Client
}

func NewStopFlag(rdb *redis.Client) *StopFlag {
	return &StopFlag{rdb: rdb}
}

func (f *StopFlag) MarkStopped(ctx context.Context, turnID int64) error {
	if f == nil || f.rdb == nil {
		return errors.New("redisstate: stop flag client is nil")
	}
	return errors.Wrap(f.rdb.Set(ctx, statusKey(turnID), "stopped", time.Minute).Err(), "redisstate: mark stopped")
}

func (f *StopFlag) IsStopped(ctx context.Context, turnID int64) (bool, error) {
	if f == nil || f.rdb == nil {
		return false, errors.New("redisstate: stop flag client is nil")
	}
	v, err := f.rdb.Get(ctx, statusKey(turnID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "redisstate: read stop flag")
	}
	return v == "stopped", nil
}

func (f *StopFlag) Clear(ctx context.Context, turnID int64) error {
	if f == nil || f.rdb == nil {
		return errors.New("redisstate: stop flag client is nil")
	}
	return errors.Wrap(f.rdb.Del(ctx, statusKey(turnID)).Err(), "redisstate: clear stop flag")
}
