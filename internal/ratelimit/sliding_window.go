package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
}

// SlidingWindow admits at most limit requests per subject within any window-long span.
// Each admitted request is a member of a sorted set scored by its arrival time.
type SlidingWindow struct {
	client    redis.UniversalClient
	limit     int64
	window    time.Duration
	keyPrefix string
	now       func() time.Time
	seq       atomic.Uint64
}

var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, "-inf", now_ms - window_ms)
local count = redis.call("ZCARD", key)

if count < limit then
  redis.call("ZADD", key, now_ms, member)
  redis.call("PEXPIRE", key, window_ms)
  return {1, limit - count - 1, 0}
end

local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
local retry_after_ms = window_ms
if oldest[2] ~= nil then
  retry_after_ms = math.max(1, tonumber(oldest[2]) + window_ms - now_ms)
end
return {0, 0, retry_after_ms}
`)

func NewSlidingWindow(client redis.UniversalClient, limit int, window time.Duration, keyPrefix string) (*SlidingWindow, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	if window < time.Millisecond {
		return nil, errors.New("window must be at least 1ms")
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = "swipeflow:ratelimit"
	}

	return &SlidingWindow{
		client:    client,
		limit:     int64(limit),
		window:    window,
		keyPrefix: keyPrefix,
		now:       time.Now,
	}, nil
}

func (l *SlidingWindow) Allow(ctx context.Context, subject string) (Decision, error) {
	now := l.now().UTC()
	raw, err := slidingWindowScript.Run(
		ctx,
		l.client,
		[]string{l.key(subject)},
		now.UnixMilli(),
		l.window.Milliseconds(),
		l.limit,
		member(now, l.seq.Add(1)),
	).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("run sliding window script: %w", err)
	}
	return parseDecision(raw, l.limit)
}

func (l *SlidingWindow) key(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "anonymous"
	}
	return l.keyPrefix + ":" + subject
}

// member keeps concurrent admissions within the same millisecond distinct.
func member(now time.Time, seq uint64) string {
	return strconv.FormatInt(now.UnixNano(), 36) + "-" + strconv.FormatUint(seq, 36)
}

func parseDecision(raw any, limit int64) (Decision, error) {
	values, ok := raw.([]any)
	if !ok || len(values) != 3 {
		return Decision{}, fmt.Errorf("invalid sliding window response %T", raw)
	}

	var parsed [3]int64
	for i, v := range values {
		n, err := toInt64(v)
		if err != nil {
			return Decision{}, fmt.Errorf("parse sliding window value %d: %w", i, err)
		}
		parsed[i] = n
	}

	return Decision{
		Allowed:    parsed[0] == 1,
		Limit:      limit,
		Remaining:  parsed[1],
		RetryAfter: time.Duration(parsed[2]) * time.Millisecond,
	}, nil
}

func toInt64(in any) (int64, error) {
	switch v := in.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", in)
	}
}
