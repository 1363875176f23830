package httpapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type RateLimitConfig struct {
	IPPerMinute   int
	IPBurst       int
	UserPerMinute int
	UserBurst     int
	// Redis shares buckets across instances when set. Local buckets are used
	// while Redis is unreachable.
	Redis     *redis.Client
	KeyPrefix string
	Logger    *slog.Logger
}

type RateLimiter struct {
	ipLimiter   limiter
	userLimiter limiter
}

type limiter interface {
	allow(ctx context.Context, key string) bool
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	ip := newTokenLimiter(cfg.IPPerMinute, cfg.IPBurst)
	user := newTokenLimiter(cfg.UserPerMinute, cfg.UserBurst)
	if cfg.Redis == nil {
		return &RateLimiter{ipLimiter: ip, userLimiter: user}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "ekklesia:ratelimit"
	}
	return &RateLimiter{
		ipLimiter:   newRedisLimiter(cfg.Redis, prefix+":ip:", ip, logger),
		userLimiter: newRedisLimiter(cfg.Redis, prefix+":user:", user, logger),
	}
}

// Middleware limits by client IP. It runs ahead of authentication.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if ip != "" && !l.ipLimiter.allow(r.Context(), ip) {
			writeError(w, requestIDFromRequest(r), http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// UserMiddleware limits by authenticated subject and must run inside AuthMiddleware.
func (l *RateLimiter) UserMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := principalFromContext(r.Context())
		if ok && !l.userLimiter.allow(r.Context(), principal.UserID) {
			writeError(w, requestIDFromRequest(r), http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type tokenLimiter struct {
	mu     sync.Mutex
	rate   float64
	burst  float64
	bucket map[string]*bucket
	now    func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

func newTokenLimiter(perMinute, burst int) *tokenLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 20
	}
	return &tokenLimiter{
		rate:   float64(perMinute) / 60.0,
		burst:  float64(burst),
		bucket: make(map[string]*bucket),
		now:    time.Now,
	}
}

func (l *tokenLimiter) allow(_ context.Context, key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.bucket[key]
	if !ok {
		l.bucket[key] = &bucket{tokens: l.burst - 1, last: now}
		return true
	}
	elapsed := now.Sub(b.last).Seconds()
	b.tokens = min(l.burst, b.tokens+elapsed*l.rate)
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens -= 1
	return true
}

// tokenBucketScript refills one token per interval and takes one if available.
// It returns {allowed, remaining}.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local interval_ms = tonumber(ARGV[3])
local ttl_seconds = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])
if tokens == nil or last_refill == nil then
	tokens = capacity
	last_refill = now_ms
end

local elapsed = math.max(0, now_ms - last_refill)
local intervals = math.floor(elapsed / interval_ms)
if intervals > 0 then
	tokens = math.min(capacity, tokens + intervals)
	last_refill = last_refill + (intervals * interval_ms)
end

local allowed = 0
if tokens > 0 then
	allowed = 1
	tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_refill_ms', last_refill)
redis.call('EXPIRE', key, ttl_seconds)
return { allowed, tokens }
`)

type redisLimiter struct {
	client   *redis.Client
	prefix   string
	capacity int
	interval time.Duration
	ttl      time.Duration
	fallback *tokenLimiter
	logger   *slog.Logger
}

func newRedisLimiter(client *redis.Client, prefix string, fallback *tokenLimiter, logger *slog.Logger) *redisLimiter {
	interval := time.Duration(float64(time.Second) / fallback.rate)
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	capacity := int(fallback.burst)
	return &redisLimiter{
		client:   client,
		prefix:   prefix,
		capacity: capacity,
		interval: interval,
		ttl:      interval*time.Duration(capacity) + time.Minute,
		fallback: fallback,
		logger:   logger,
	}
}

func (l *redisLimiter) allow(ctx context.Context, key string) bool {
	vals, err := tokenBucketScript.Run(ctx, l.client, []string{l.prefix + key},
		time.Now().UnixMilli(),
		l.capacity,
		l.interval.Milliseconds(),
		int64(l.ttl/time.Second),
	).Int64Slice()
	if err != nil || len(vals) == 0 {
		l.logger.Warn("redis rate limit unavailable, using local bucket", "key", key, "error", err)
		return l.fallback.allow(ctx, key)
	}
	return vals[0] == 1
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
