// Package ratelimiter implements the distributed rate limiter (C1): a
// shared Redis-backed spacing mechanism so that every process pulling
// from the same upstream obeys one global requests-per-second ceiling,
// regardless of how many separate workers are running.
//
// It is a direct generalization of the original single-process
// SimpleRedisRateLimiter: the original performed a plain GET of the
// last request time followed by an unconditional SET, which is not
// atomic -- two workers can both observe enough elapsed time and both
// acquire in the same instant. This implementation closes that race
// with a Lua script executed atomically by Redis (EVAL), so acquisition
// is a single compare-and-set instead of two round trips.
package ratelimiter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/aristath/quantpulse/internal/domain"
)

const (
	statsTTL        = 1 * time.Hour
	lastRequestTTL  = 5 * time.Minute
	pollBackoffBase = 100 * time.Millisecond
)

// acquireScript atomically re-checks the elapsed time since the last
// acquisition and, if enough has passed, stamps the new request time.
// KEYS[1] = last-request key
// ARGV[1] = now (unix nanoseconds)
// ARGV[2] = min interval (nanoseconds)
// ARGV[3] = TTL seconds for the last-request key
// Returns 1 if acquired, 0 if another caller holds the window.
var acquireScript = redis.NewScript(`
local last = redis.call("GET", KEYS[1])
local now = tonumber(ARGV[1])
local minInterval = tonumber(ARGV[2])
if last then
	local elapsed = now - tonumber(last)
	if elapsed < minInterval then
		return 0
	end
end
redis.call("SET", KEYS[1], now, "EX", tonumber(ARGV[3]))
return 1
`)

// Limiter is a distributed, Redis-backed rate limiter scoped to a prefix
// (one prefix per upstream being protected).
type Limiter struct {
	rdb         *redis.Client
	prefix      string
	minInterval time.Duration
	log         zerolog.Logger
}

// New builds a Limiter enforcing at most rps acquisitions per second,
// shared across every process pointed at the same Redis instance and
// prefix.
func New(rdb *redis.Client, prefix string, rps int, log zerolog.Logger) *Limiter {
	if rps <= 0 {
		rps = 1
	}
	return &Limiter{
		rdb:         rdb,
		prefix:      prefix,
		minInterval: time.Second / time.Duration(rps),
		log:         log.With().Str("component", "rate-limiter").Str("prefix", prefix).Logger(),
	}
}

func (l *Limiter) lastKey() string  { return fmt.Sprintf("ratelimit:%s:last_request", l.prefix) }
func (l *Limiter) statsKey() string { return fmt.Sprintf("ratelimit:%s:stats", l.prefix) }

// Acquire blocks until a request slot becomes available or ctx is done.
// tokens is accepted for interface symmetry with batch-weighted limiters
// but this implementation treats every acquisition as a single unit of
// spacing, matching the original's per-request throttling.
func (l *Limiter) Acquire(ctx context.Context, tokens int) error {
	for {
		select {
		case <-ctx.Done():
			l.rdb.HIncrBy(context.Background(), l.statsKey(), "timeouts", 1)
			l.rdb.Expire(context.Background(), l.statsKey(), statsTTL)
			return fmt.Errorf("rate limiter acquire: %w", ctx.Err())
		default:
		}

		now := time.Now().UnixNano()
		res, err := acquireScript.Run(ctx, l.rdb, []string{l.lastKey()},
			now, l.minInterval.Nanoseconds(), int(lastRequestTTL.Seconds())).Int()
		if err != nil {
			return fmt.Errorf("rate limiter script: %w", err)
		}

		if res == 1 {
			l.rdb.HIncrBy(context.Background(), l.statsKey(), "successful_acquisitions", 1)
			l.rdb.Expire(context.Background(), l.statsKey(), statsTTL)
			return nil
		}

		sleep := l.minInterval / 10
		if sleep < pollBackoffBase {
			sleep = pollBackoffBase
		}
		select {
		case <-ctx.Done():
			continue
		case <-time.After(sleep):
		}
	}
}

// Status returns a diagnostic snapshot, mirroring the original
// get_status() method.
func (l *Limiter) Status(ctx context.Context) (domain.RateLimiterStatus, error) {
	var status domain.RateLimiterStatus
	status.Prefix = l.prefix
	status.MinInterval = l.minInterval

	lastStr, err := l.rdb.Get(ctx, l.lastKey()).Result()
	if err == nil {
		if nanos, convErr := strconv.ParseInt(lastStr, 10, 64); convErr == nil {
			t := time.Unix(0, nanos)
			status.LastRequestAt = &t
		}
	} else if err != redis.Nil {
		return status, fmt.Errorf("read last request time: %w", err)
	}

	stats, err := l.rdb.HGetAll(ctx, l.statsKey()).Result()
	if err != nil {
		return status, fmt.Errorf("read stats: %w", err)
	}
	if v, ok := stats["successful_acquisitions"]; ok {
		status.SuccessfulAcquisitions, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := stats["timeouts"]; ok {
		status.Timeouts, _ = strconv.ParseInt(v, 10, 64)
	}

	if pingErr := l.rdb.Ping(ctx).Err(); pingErr == nil {
		status.Connected = true
	}

	return status, nil
}

// Reset clears this prefix's rate-limit state, mirroring the original
// clear_rate_limit_data() operator escape hatch.
func (l *Limiter) Reset(ctx context.Context) error {
	if err := l.rdb.Del(ctx, l.lastKey(), l.statsKey()).Err(); err != nil {
		return fmt.Errorf("reset rate limiter state: %w", err)
	}
	return nil
}
