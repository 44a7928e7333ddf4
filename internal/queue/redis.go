package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pranavko12/weathervault/internal/config"
)

const leasePrefix = "weathervault:lease:"

// releaseScript and renewScript only touch a lease still held by the caller.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

type Redis struct {
	Client *redis.Client
}

func NewRedis(cfg config.Config) *Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     20,
		MinIdleConns: 2,
	})
	return &Redis{Client: rdb}
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.Client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.Client.Close()
}

func (r *Redis) Enqueue(ctx context.Context, queueName string, payload []byte) error {
	return r.Client.LPush(ctx, queueName, payload).Err()
}

// Dequeue blocks up to timeout for the oldest message. ok is false when nothing arrived.
func (r *Redis) Dequeue(ctx context.Context, queueName string, timeout time.Duration) ([]byte, bool, error) {
	res, err := r.Client.BRPop(ctx, timeout, queueName).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	// BRPOP replies with [key, value].
	return []byte(res[1]), true, nil
}

func (r *Redis) Depth(ctx context.Context, queueName string) (int64, error) {
	return r.Client.LLen(ctx, queueName).Result()
}

// TryLease claims an item for one collector. It is advisory: completion is still
// guarded by the control store.
func (r *Redis) TryLease(ctx context.Context, itemID, owner string, ttl time.Duration) (bool, error) {
	return r.Client.SetNX(ctx, leasePrefix+itemID, owner, ttl).Result()
}

func (r *Redis) RenewLease(ctx context.Context, itemID, owner string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, r.Client, []string{leasePrefix + itemID}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *Redis) ReleaseLease(ctx context.Context, itemID, owner string) error {
	return releaseScript.Run(ctx, r.Client, []string{leasePrefix + itemID}, owner).Err()
}
