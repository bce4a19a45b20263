package state

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisWindowPrefix = "ngguard/window/"

// RedisWindowStore keeps windows as sorted sets scored by unix nanoseconds, so several
// bot replicas share the same counters.
type RedisWindowStore struct {
	Client *redis.Client
	seq    atomic.Uint64
}

func NewRedisWindowStore(ctx context.Context, redisURL string) (*RedisWindowStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisWindowStore{Client: rdb}, nil
}

func (s *RedisWindowStore) Hit(ctx context.Context, key string, now time.Time, span time.Duration) (int, error) {
	redisKey := redisWindowPrefix + key
	score := float64(now.UnixNano())
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + strconv.FormatUint(s.seq.Add(1), 10)
	// keep entries with now - t <= span
	minScore := "(" + strconv.FormatInt(now.Add(-span).UnixNano(), 10)

	multi := s.Client.TxPipeline()
	multi.ZAdd(ctx, redisKey, redis.Z{Score: score, Member: member})
	multi.ZRemRangeByScore(ctx, redisKey, "-inf", minScore)
	card := multi.ZCard(ctx, redisKey)
	multi.PExpire(ctx, redisKey, span+time.Second)
	if _, err := multi.Exec(ctx); err != nil {
		return 0, err
	}
	return int(card.Val()), nil
}

func (s *RedisWindowStore) Reset(ctx context.Context, key string) error {
	return s.Client.Del(ctx, redisWindowPrefix+key).Err()
}

func (s *RedisWindowStore) Close() error {
	return s.Client.Close()
}
