package db

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease renewals must fail well inside the lease TTL, so socket operations
// are bounded tighter than the go-redis defaults.
const (
	redisDialTimeout = 3 * time.Second
	redisIOTimeout   = time.Second
	redisPingTimeout = 5 * time.Second
)

// NewRedisClient connects to the Redis holding the run lease and last-run
// stats. The client identifies itself as name in CLIENT LIST. Credentials in
// redisURL never appear in returned errors.
func NewRedisClient(ctx context.Context, redisURL, name string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url %s: %w", redactURL(redisURL), err)
	}
	opts.ClientName = name
	opts.DialTimeout = redisDialTimeout
	opts.ReadTimeout = redisIOTimeout
	opts.WriteTimeout = redisIOTimeout

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return client, nil
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable>"
	}
	return u.Redacted()
}
