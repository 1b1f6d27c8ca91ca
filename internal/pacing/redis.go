package pacing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis stores the next allowed send time as unix seconds and reads time with TIME.
type Redis struct {
	Client redis.UniversalClient
	Key    string
}

var _ Pacer = (*Redis)(nil)

func NewRedis(c redis.UniversalClient) *Redis { return &Redis{Client: c, Key: Key} }

// NewRedisFromURL parses a redis:// URL such as REDIS_URL.
func NewRedisFromURL(url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedis(redis.NewClient(opts)), nil
}

func (r *Redis) remaining(ctx context.Context) (time.Duration, error) {
	return remainingAt(ctx, r.Client, r.Key)
}

func remainingAt(ctx context.Context, c redis.Cmdable, key string) (time.Duration, error) {
	now, err := c.Time(ctx).Result()
	if err != nil {
		return 0, fmt.Errorf("redis time: %w", err)
	}
	raw, err := c.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("read pacing: %w", err)
	}
	next, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		// A corrupt slot must not wedge the sender.
		return 0, nil
	}
	nowSecs := float64(now.UnixNano()) / float64(time.Second)
	return time.Duration((next - nowSecs) * float64(time.Second)), nil
}

func nextAt(ctx context.Context, c redis.Cmdable, d time.Duration) (string, error) {
	now, err := c.Time(ctx).Result()
	if err != nil {
		return "", fmt.Errorf("redis time: %w", err)
	}
	next := float64(now.Add(d).UnixNano()) / float64(time.Second)
	return strconv.FormatFloat(next, 'f', 6, 64), nil
}

func (r *Redis) Wait(ctx context.Context) error {
	return wait(ctx, r.remaining, sleepCtx)
}

// Reserve watches the slot key so a concurrent writer aborts the transaction.
func (r *Redis) Reserve(ctx context.Context, d time.Duration) (bool, error) {
	reserved := false
	err := r.Client.Watch(ctx, func(tx *redis.Tx) error {
		left, err := remainingAt(ctx, tx, r.Key)
		if err != nil {
			return err
		}
		if left > 0 {
			return nil
		}
		next, err := nextAt(ctx, tx, d)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, r.Key, next, 0)
			return nil
		})
		if err != nil {
			return err
		}
		reserved = true
		return nil
	}, r.Key)
	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return false, nil
		}
		return false, fmt.Errorf("reserve pacing: %w", err)
	}
	return reserved, nil
}

func (r *Redis) Advance(ctx context.Context, d time.Duration) error {
	next, err := nextAt(ctx, r.Client, d)
	if err != nil {
		return err
	}
	if err := r.Client.Set(ctx, r.Key, next, 0).Err(); err != nil {
		return fmt.Errorf("advance pacing: %w", err)
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error { return r.Client.Ping(ctx).Err() }
