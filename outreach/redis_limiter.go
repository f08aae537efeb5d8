package outreach

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Sliding-window check-and-add over two sorted sets. Nothing is written
// unless both windows have room.
const slidingWindowLuaScript = `
local minuteKey = KEYS[1]
local hourKey = KEYS[2]
local now = ARGV[1]
local minuteCutoff = ARGV[2]
local hourCutoff = ARGV[3]
local minuteLimit = tonumber(ARGV[4])
local hourLimit = tonumber(ARGV[5])
local member = ARGV[6]

redis.call("ZREMRANGEBYSCORE", minuteKey, "-inf", minuteCutoff)
redis.call("ZREMRANGEBYSCORE", hourKey, "-inf", hourCutoff)

local minCurrent = redis.call("ZCARD", minuteKey)
local hourCurrent = redis.call("ZCARD", hourKey)

if minuteLimit > 0 and minCurrent >= minuteLimit then
    return {0, 1}
end
if hourLimit > 0 and hourCurrent >= hourLimit then
    return {0, 2}
end

redis.call("ZADD", minuteKey, now, member)
redis.call("ZADD", hourKey, now, member)
redis.call("PEXPIRE", minuteKey, 120000)
redis.call("PEXPIRE", hourKey, 7200000)
return {1, 0}
`

// RedisLimiter shares the minute and hour windows between bot processes
// through Redis. The per-cycle cap stays local to the process.
type RedisLimiter struct {
	redis  *redis.Client
	script *redis.Script
	prefix string
	budget Budget
	now    func() time.Time

	mu    sync.Mutex
	cycle int
}

func NewRedisLimiter(client *redis.Client, prefix string, b Budget) *RedisLimiter {
	if prefix == "" {
		prefix = "coldbot"
	}
	return &RedisLimiter{
		redis:  client,
		script: redis.NewScript(slidingWindowLuaScript),
		prefix: prefix,
		budget: b,
		now:    time.Now,
	}
}

// NewRedisLimiterFromURL connects to Redis and verifies the connection.
func NewRedisLimiterFromURL(ctx context.Context, redisURL string, b Budget) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisLimiter(client, "", b), nil
}

func (r *RedisLimiter) keys() []string {
	return []string{r.prefix + ":ratelimit:minute", r.prefix + ":ratelimit:hour"}
}

// Seed adds earlier sends to the hour window. Members are keyed by
// timestamp so seeding from several processes does not double count.
func (r *RedisLimiter) Seed(ctx context.Context, sent []time.Time) error {
	if len(sent) == 0 {
		return nil
	}
	hourKey := r.keys()[1]
	members := make([]redis.Z, 0, len(sent))
	for _, t := range sent {
		members = append(members, redis.Z{
			Score:  float64(t.UnixMilli()),
			Member: "sent:" + strconv.FormatInt(t.UnixNano(), 10),
		})
	}
	if err := r.redis.ZAdd(ctx, hourKey, members...).Err(); err != nil {
		return fmt.Errorf("rate limit seed failed: %w", err)
	}
	return r.redis.PExpire(ctx, hourKey, 2*time.Hour).Err()
}

func (r *RedisLimiter) Reserve(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if full(r.cycle, r.budget.PerCycle) {
		return false, nil
	}

	now := r.now()
	result, err := r.script.Run(ctx, r.redis, r.keys(),
		now.UnixMilli(),
		now.Add(-time.Minute).UnixMilli(),
		now.Add(-time.Hour).UnixMilli(),
		r.budget.PerMinute,
		r.budget.PerHour,
		uuid.NewString(),
	).Slice()
	if err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}

	allowed, _ := result[0].(int64)
	if allowed != 1 {
		return false, nil
	}
	r.cycle++
	return true, nil
}

func (r *RedisLimiter) StartCycle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cycle = 0
}

func (r *RedisLimiter) Close() error {
	return r.redis.Close()
}
