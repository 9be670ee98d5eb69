package app

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// BuildReadinessChecks returns the store pings used by /readyz.
func BuildReadinessChecks(pool *pgxpool.Pool, rdb *redis.Client) (dbCheck, redisCheck func(context.Context) error) {
	dbCheck = func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return pool.Ping(ctx)
	}
	redisCheck = func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return rdb.Ping(ctx).Err()
	}
	return dbCheck, redisCheck
}
