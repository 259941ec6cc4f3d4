// Package ratelimit throttles the device-facing endpoints to slow down
// license-key scanning. The primary counter lives in Redis so limits hold
// across instances; when Redis is unreachable the limiter degrades to a
// per-process in-memory window instead of failing open.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"
)

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

// UnmarshalYAML accepts Go duration strings ("30s", "1m") for the window.
func (c *LimitConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw struct {
		Rate   int    `yaml:"rate"`
		Window string `yaml:"window"`
	}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	c.Rate = raw.Rate
	if raw.Window == "" {
		c.Window = 0
		return nil
	}
	d, err := time.ParseDuration(raw.Window)
	if err != nil {
		return err
	}
	c.Window = d
	return nil
}

// fixed-window counter: INCR, set expiry on first hit
var windowScript = redis.NewScript(`
	local current = redis.call("INCR", KEYS[1])
	if tonumber(current) == 1 then
		redis.call("PEXPIRE", KEYS[1], ARGV[1])
	end
	return current
`)

type Limiter struct {
	client   *redis.Client
	salt     string
	fallback *localWindow
}

func NewLimiter(client *redis.Client, salt string) *Limiter {
	if salt == "" {
		salt = "default-salt-change-me"
	}
	return &Limiter{
		client:   client,
		salt:     salt,
		fallback: newLocalWindow(4096),
	}
}

// HashIP creates a privacy-safe hash of the IP
func (l *Limiter) HashIP(ip string) string {
	hash := sha256.Sum256([]byte(ip + l.salt))
	return hex.EncodeToString(hash[:])
}

// Allow counts a hit against key and decides whether the request proceeds.
// Redis errors switch to the local window for this call only.
func (l *Limiter) Allow(ctx context.Context, key string, config LimitConfig) *Decision {
	count, err := windowScript.Run(ctx, l.client, []string{"rl:" + key}, config.Window.Milliseconds()).Int()
	if err != nil {
		count = l.fallback.hit(key, config.Window)
	}

	remaining := config.Rate - count
	if remaining < 0 {
		remaining = 0
	}

	return &Decision{
		Limit:      config.Rate,
		Remaining:  remaining,
		Reset:      time.Now().Add(config.Window), // upper bound, actual TTL may be shorter
		RetryAfter: int(config.Window.Seconds()),
		Allowed:    count <= config.Rate,
	}
}
