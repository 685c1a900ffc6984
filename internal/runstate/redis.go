package runstate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Only the current holder may extend or delete the lease key.
var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)
)

// Redis shares the lease and last-run stats between publisher replicas.
//
//	ingest:<source>:lease     string, holder token, PX ttl
//	ingest:<source>:last_run  hash {added, at, error}
type Redis struct {
	rdb      *redis.Client
	leaseKey string
	statsKey string
}

var (
	_ Lease = (*Redis)(nil)
	_ Stats = (*Redis)(nil)
)

// NewRedis scopes the keys to one source.
func NewRedis(rdb *redis.Client, source string) *Redis {
	prefix := "ingest:" + source
	return &Redis{
		rdb:      rdb,
		leaseKey: prefix + ":lease",
		statsKey: prefix + ":last_run",
	}
}

func (r *Redis) Acquire(ctx context.Context, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := r.rdb.SetNX(ctx, r.leaseKey, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis SETNX %s: %w", r.leaseKey, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (r *Redis) Renew(ctx context.Context, token string, ttl time.Duration) error {
	n, err := renewScript.Run(ctx, r.rdb, []string{r.leaseKey}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis renew lease: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func (r *Redis) Release(ctx context.Context, token string) error {
	if err := releaseScript.Run(ctx, r.rdb, []string{r.leaseKey}, token).Err(); err != nil {
		return fmt.Errorf("redis release lease: %w", err)
	}
	return nil
}

func (r *Redis) Held(ctx context.Context) (bool, error) {
	n, err := r.rdb.Exists(ctx, r.leaseKey).Result()
	if err != nil {
		return false, fmt.Errorf("redis EXISTS %s: %w", r.leaseKey, err)
	}
	return n == 1, nil
}

func (r *Redis) Record(ctx context.Context, run LastRun) error {
	err := r.rdb.HSet(ctx, r.statsKey,
		"added", run.Added,
		"at", run.At.UTC().Format(time.RFC3339Nano),
		"error", run.Err,
	).Err()
	if err != nil {
		return fmt.Errorf("redis HSET %s: %w", r.statsKey, err)
	}
	return nil
}

func (r *Redis) Last(ctx context.Context) (LastRun, bool, error) {
	fields, err := r.rdb.HGetAll(ctx, r.statsKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return LastRun{}, false, nil
		}
		return LastRun{}, false, fmt.Errorf("redis HGETALL %s: %w", r.statsKey, err)
	}
	if len(fields) == 0 {
		return LastRun{}, false, nil
	}

	var run LastRun
	if run.Added, err = strconv.Atoi(fields["added"]); err != nil {
		return LastRun{}, false, fmt.Errorf("last_run.added: %w", err)
	}
	if run.At, err = time.Parse(time.RFC3339Nano, fields["at"]); err != nil {
		return LastRun{}, false, fmt.Errorf("last_run.at: %w", err)
	}
	run.Err = fields["error"]
	return run, true, nil
}
