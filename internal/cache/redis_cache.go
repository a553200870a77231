package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

type dispatchedValue struct {
	ProviderID string    `json:"providerId"`
	SentAt     time.Time `json:"sentAt"`
}

func receiptKey(receiptID string) string {
	return "receipt:" + receiptID
}

func dispatchedKey(messageID, guestID string) string {
	return fmt.Sprintf("dispatch:%s:%s", messageID, guestID)
}

func (c *RedisCache) FirstSeen(ctx context.Context, receiptID string) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, receiptKey(receiptID), time.Now().UTC().Unix(), c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("marking receipt %s: %w", receiptID, err)
	}
	return ok, nil
}

func (c *RedisCache) Forget(ctx context.Context, receiptID string) error {
	return c.rdb.Del(ctx, receiptKey(receiptID)).Err()
}

func (c *RedisCache) StoreDispatched(ctx context.Context, messageID, guestID, providerID string, sentAt time.Time) error {
	val := dispatchedValue{
		ProviderID: providerID,
		SentAt:     sentAt.UTC(),
	}

	b, err := json.Marshal(val)
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, dispatchedKey(messageID, guestID), b, c.ttl).Err()
}
