package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds the claim value.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisMarkers keeps markers in Redis under notif:sent:<function>:<recipient>.
// Markers never expire.
type RedisMarkers struct {
	client redis.UniversalClient
}

func NewRedisMarkers(client redis.UniversalClient) *RedisMarkers {
	return &RedisMarkers{client: client}
}

func redisKey(recipient, function string) string {
	return "notif:sent:" + function + ":" + NormalizeRecipient(recipient)
}

func (r *RedisMarkers) Claim(ctx context.Context, recipient, function string) (bool, error) {
	ok, err := r.client.SetNX(ctx, redisKey(recipient, function), string(stateClaimed), 0).Result()
	if err != nil {
		return false, fmt.Errorf("claim marker: %w", err)
	}
	return ok, nil
}

func (r *RedisMarkers) MarkSent(ctx context.Context, recipient, function string) (bool, error) {
	prev, err := r.client.SetArgs(ctx, redisKey(recipient, function), string(stateSent), redis.SetArgs{Get: true}).Result()
	if errors.Is(err, redis.Nil) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("mark sent: %w", err)
	}
	return prev != string(stateSent), nil
}

func (r *RedisMarkers) Release(ctx context.Context, recipient, function string) error {
	err := releaseScript.Run(ctx, r.client, []string{redisKey(recipient, function)}, string(stateClaimed)).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release marker: %w", err)
	}
	return nil
}

func (r *RedisMarkers) HasSent(ctx context.Context, recipient, function string) (bool, error) {
	v, err := r.client.Get(ctx, redisKey(recipient, function)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get marker: %w", err)
	}
	return v == string(stateSent), nil
}
