package redisstate

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Entry is one cached turn of the generation context window.
type Entry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// DefaultWindowSize caps the context window at the most recent entries.
const DefaultWindowSize = 20

// ContextStore keeps a bounded sliding window of recent turns per
// conversation. It is a derived cache over the durable message history:
// it may be empty or stale, and callers must treat it as rebuildable.
type ContextStore struct {
	rdb  *redis.Client
	size int
}

func NewContextStore(rdb *redis.Client, size int) *ContextStore {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &ContextStore{rdb: rdb, size: size}
}

// Append pushes the entry at the tail and trims the window to the last N
// entries in one pipeline. Oldest entries are evicted first.
func (s *ContextStore) Append(ctx context.Context, convID int64, entry Entry) error {
	if s == nil || s.rdb == nil {
		return errors.New("redisstate: context store client is nil")
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "redisstate: encode context entry")
	}
	key := contextKey(convID)
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, b)
	pipe.LTrim(ctx, key, int64(-s.size), -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "redisstate: append context entry")
	}
	return nil
}

// Load returns the current window, oldest first. An absent or expired key
// yields an empty slice. Malformed entries are skipped, not fatal.
func (s *ContextStore) Load(ctx context.Context, convID int64) ([]Entry, error) {
	if s == nil || s.rdb == nil {
		return nil, errors.New("redisstate: context store client is nil")
	}
	raw, err := s.rdb.LRange(ctx, contextKey(convID), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redisstate: load context window")
	}
	entries := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			log.Warn().Err(err).Str("component", "redisstate").Int64("conv_id", convID).Msg("skipping malformed context entry")
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Clear drops the whole window for a conversation.
func (s *ContextStore) Clear(ctx context.Context, convID int64) error {
	if s == nil || s.rdb == nil {
		return errors.New("redisstate: context store client is nil")
	}
	return errors.Wrap(s.rdb.Del(ctx, contextKey(convID)).Err(), "redisstate: clear context window")
}
