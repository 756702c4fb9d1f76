package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrRedisUnavailable = errors.New("redis unavailable")

type Decision struct {
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter int // seconds
	Allowed    bool
}

type LimitConfig struct {
	Rate   int           `yaml:"rate"`
	Window time.Duration `yaml:"window"`
}

// fixed window counter; the window starts with the first request.
// Returns the count and the remaining ttl in milliseconds.
var incrWindow = redis.NewScript(`
	local current = redis.call("INCR", KEYS[1])
	if tonumber(current) == 1 then
		redis.call("PEXPIRE", KEYS[1], ARGV[1])
	end
	return {current, redis.call("PTTL", KEYS[1])}
`)

type Limiter struct {
	client redis.UniversalClient
	salt   string
	now    func() time.Time
}

func NewLimiter(client redis.UniversalClient, salt string) *Limiter {
	if salt == "" {
		salt = "nvr-router"
	}
	return &Limiter{client: client, salt: salt, now: time.Now}
}

// HashIP keeps raw client addresses out of Redis.
func (l *Limiter) HashIP(ip string) string {
	hash := sha256.Sum256([]byte(ip + l.salt))
	return hex.EncodeToString(hash[:])
}

func (l *Limiter) CheckRateLimit(ctx context.Context, key string, cfg LimitConfig) (*Decision, error) {
	res, err := incrWindow.Run(ctx, l.client, []string{key}, cfg.Window.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 2 {
		return nil, ErrRedisUnavailable
	}
	count, ttl := int(res[0]), time.Duration(res[1])*time.Millisecond
	if ttl < 0 {
		ttl = cfg.Window
	}

	remaining := cfg.Rate - count
	if remaining < 0 {
		remaining = 0
	}
	retry := int((ttl + time.Second - 1) / time.Second)
	return &Decision{
		Limit:      cfg.Rate,
		Remaining:  remaining,
		Reset:      l.now().Add(ttl),
		RetryAfter: retry,
		Allowed:    count <= cfg.Rate,
	}, nil
}
