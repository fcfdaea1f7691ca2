package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/zhouzirui/lingzhi/backend/internal/model/billing"
)

const redisPendingIndex = "lingzhi:settlement:pending"

func redisKeyForPending(sessionID string) string {
	return fmt.Sprintf("lingzhi:settlement:pending:%s", sessionID)
}

// RedisJournal persists pending settlements in Redis so they survive a restart.
// Entries live under one key each, indexed by a set of session ids.
type RedisJournal struct {
	rdb *redis.Client
}

// NewRedisJournal connects to the Redis instance at rawURL and pings it.
func NewRedisJournal(ctx context.Context, rawURL string) (*RedisJournal, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisJournal{rdb: rdb}, nil
}

// NewRedisJournalWithClient wraps an existing client.
func NewRedisJournalWithClient(rdb *redis.Client) *RedisJournal {
	return &RedisJournal{rdb: rdb}
}

func (j *RedisJournal) Put(ctx context.Context, pending billing.PendingSettlement) error {
	data, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("encode pending settlement: %w", err)
	}

	sessionID := pending.Final.SessionID
	_, err = j.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisKeyForPending(sessionID), data, 0)
		pipe.SAdd(ctx, redisPendingIndex, sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store pending settlement: %w", err)
	}
	return nil
}

func (j *RedisJournal) Get(ctx context.Context, sessionID string) (billing.PendingSettlement, bool, error) {
	data, err := j.rdb.Get(ctx, redisKeyForPending(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return billing.PendingSettlement{}, false, nil
	}
	if err != nil {
		return billing.PendingSettlement{}, false, fmt.Errorf("load pending settlement: %w", err)
	}

	var pending billing.PendingSettlement
	if err := json.Unmarshal(data, &pending); err != nil {
		return billing.PendingSettlement{}, false, fmt.Errorf("decode pending settlement: %w", err)
	}
	return pending, true, nil
}

func (j *RedisJournal) Delete(ctx context.Context, sessionID string) error {
	_, err := j.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, redisKeyForPending(sessionID))
		pipe.SRem(ctx, redisPendingIndex, sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete pending settlement: %w", err)
	}
	return nil
}

// List returns entries oldest first. Index members whose entry vanished are dropped.
func (j *RedisJournal) List(ctx context.Context) ([]billing.PendingSettlement, error) {
	ids, err := j.rdb.SMembers(ctx, redisPendingIndex).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending settlements: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = redisKeyForPending(id)
	}
	values, err := j.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load pending settlements: %w", err)
	}

	list := make([]billing.PendingSettlement, 0, len(values))
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			_ = j.rdb.SRem(ctx, redisPendingIndex, ids[i]).Err()
			continue
		}
		var pending billing.PendingSettlement
		if err := json.Unmarshal([]byte(raw), &pending); err != nil {
			log.Printf("[settlement] skipping corrupt journal entry session=%s: %v", ids[i], err)
			continue
		}
		list = append(list, pending)
	}

	sortByStoppedAt(list)
	return list, nil
}

// Close releases the Redis connection pool.
func (j *RedisJournal) Close() error {
	return j.rdb.Close()
}
