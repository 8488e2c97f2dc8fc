package exchangeclient

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Claims the next slot when it is free and otherwise returns the milliseconds left
// until it is. Time comes from the Redis server so instances need not agree on clocks.
var intervalGateScript = redis.NewScript(`
local now = redis.call("TIME")
local nowMs = tonumber(now[1]) * 1000 + math.floor(tonumber(now[2]) / 1000)
local nextAt = tonumber(redis.call("GET", KEYS[1]) or "0")
if nextAt <= nowMs then
  local interval = tonumber(ARGV[1])
  redis.call("SET", KEYS[1], nowMs + interval, "PX", interval * 2)
  return 0
end
return nextAt - nowMs
`)

// RedisGate implements SharedGate using Redis.
type RedisGate struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisGate(client redis.UniversalClient, prefix string) *RedisGate {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "settlement:rate_gate"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisGate{
		client: client,
		prefix: trimmedPrefix,
	}
}

func (g *RedisGate) key(scope string) string {
	return fmt.Sprintf("%s:%s", g.prefix, strings.TrimSpace(scope))
}

// Reserve claims the next call slot for scope.
func (g *RedisGate) Reserve(ctx context.Context, scope string, interval time.Duration) (time.Duration, error) {
	if g == nil || g.client == nil || interval <= 0 || strings.TrimSpace(scope) == "" {
		return 0, nil
	}

	intervalMs := interval.Milliseconds()
	if intervalMs < 1 {
		intervalMs = 1
	}

	raw, err := intervalGateScript.Run(ctx, g.client, []string{g.key(scope)}, intervalMs).Result()
	if err != nil {
		return 0, err
	}
	waitMs, ok := raw.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected redis gate response type: %T", raw)
	}
	if waitMs < 0 {
		waitMs = 0
	}
	return time.Duration(waitMs) * time.Millisecond, nil
}
