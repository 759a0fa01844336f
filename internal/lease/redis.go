package lease

import (
	"context"
	"fmt"
	"strings"
	"time"

	rd "github.com/go-redis/redis/v9"
	"github.com/google/uuid"

	"github.com/agentspilot/orchestrator/pkg/schema"
)

// releaseScript deletes the key only while it still holds the caller's token.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// renewScript extends the key's expiry only while it holds the caller's token.
const renewScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`

// RedisConfig configures a RedisLocker.
type RedisConfig struct {
	Addrs     []string
	Password  string
	Namespace string
}

// RedisLocker is a Locker shared by every process pointed at the same Redis.
type RedisLocker struct {
	client    rd.UniversalClient
	namespace string
}

// NewRedisLocker connects to Redis.
func NewRedisLocker(conf RedisConfig) *RedisLocker {
	client := rd.NewUniversalClient(&rd.UniversalOptions{
		Addrs:    conf.Addrs,
		Password: conf.Password,
	})
	return NewRedisLockerWithClient(client, conf.Namespace)
}

// NewRedisLockerWithClient wraps an existing client.
func NewRedisLockerWithClient(client rd.UniversalClient, namespace string) *RedisLocker {
	if namespace == "" {
		namespace = "orchestrator"
	}
	return &RedisLocker{client: client, namespace: namespace}
}

func (r *RedisLocker) namespaceKey(args ...string) string {
	return fmt.Sprintf("%s:%s", r.namespace, strings.Join(args, ":"))
}

func (r *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.namespaceKey("lease", key), token, ttl).Result()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "acquire lease %s: %s", key, err.Error()).WithCause(err)
	}
	if !ok {
		return nil, held(key)
	}
	return &Lease{Key: key, Token: token, ExpiresAt: time.Now().Add(ttl)}, nil
}

func (r *RedisLocker) Renew(ctx context.Context, l *Lease, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	n, err := r.client.Eval(ctx, renewScript, []string{r.namespaceKey("lease", l.Key)}, l.Token, ttl.Milliseconds()).Int()
	if err != nil && err != rd.Nil {
		return schema.NewErrorf(schema.ErrCodeStore, "renew lease %s: %s", l.Key, err.Error()).WithCause(err)
	}
	if n != 1 {
		return held(l.Key)
	}
	l.ExpiresAt = time.Now().Add(ttl)
	return nil
}

func (r *RedisLocker) Release(ctx context.Context, l *Lease) error {
	if l == nil {
		return nil
	}
	err := r.client.Eval(ctx, releaseScript, []string{r.namespaceKey("lease", l.Key)}, l.Token).Err()
	if err != nil && err != rd.Nil {
		return schema.NewErrorf(schema.ErrCodeStore, "release lease %s: %s", l.Key, err.Error()).WithCause(err)
	}
	return nil
}

// Close closes the Redis client.
func (r *RedisLocker) Close() error { return r.client.Close() }
