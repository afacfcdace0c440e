package replicate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "prediction:"

// RedisCache stores the latest webhook event of every prediction as a hash
// at prediction:<id>, so polling never has to reach the provider.
type RedisCache struct {
	rdb        redis.Cmdable
	ttl        time.Duration
	retries    int
	retryDelay time.Duration
}

// NewRedisCache returns a cache whose entries expire after ttl (0 keeps them).
func NewRedisCache(rdb redis.Cmdable, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl, retries: 3, retryDelay: time.Second}
}

// Put records p, retrying transient write failures.
func (c *RedisCache) Put(ctx context.Context, p Prediction) error {
	if p.ID == "" {
		return errors.New("prediction id is required")
	}
	fields := toHash(p)
	key := keyPrefix + p.ID

	var err error
	for attempt := 1; attempt <= c.retries; attempt++ {
		_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			if c.ttl > 0 {
				pipe.Expire(ctx, key, c.ttl)
			}
			return nil
		})
		if err == nil {
			return nil
		}
		if attempt < c.retries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}
	}
	return fmt.Errorf("store prediction %s: %w", p.ID, err)
}

// refreshScript writes the hash unless the stored status is terminal.
// ARGV: ttl in ms, count of terminal statuses, the statuses, then field/value pairs.
var refreshScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
local n = tonumber(ARGV[2])
if cur then
	for i = 3, 2 + n do
		if cur == ARGV[i] then return 0 end
	end
end
redis.call('HSET', KEYS[1], unpack(ARGV, 3 + n))
local ttl = tonumber(ARGV[1])
if ttl > 0 then redis.call('PEXPIRE', KEYS[1], ttl) end
return 1
`)

// Refresh records p unless the cache already holds a terminal status for
// the prediction. It reports whether p was written.
func (c *RedisCache) Refresh(ctx context.Context, p Prediction) (bool, error) {
	if p.ID == "" {
		return false, errors.New("prediction id is required")
	}
	terminal := terminalStatuses()
	args := make([]any, 0, 2+len(terminal)+20)
	args = append(args, c.ttl.Milliseconds(), len(terminal))
	for _, s := range terminal {
		args = append(args, s)
	}
	for k, v := range toHash(p) {
		args = append(args, k, v)
	}
	n, err := refreshScript.Run(ctx, c.rdb, []string{keyPrefix + p.ID}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("refresh prediction %s: %w", p.ID, err)
	}
	return n == 1, nil
}

func terminalStatuses() []string {
	var out []string
	for code, o := range Codes {
		if o.Status.IsTerminal() {
			out = append(out, code)
		}
	}
	return out
}

// Entry is a cached prediction and the time it was written.
type Entry struct {
	Prediction Prediction
	CachedAt   time.Time
}

// Get returns the cached prediction. ok is false when nothing is cached.
func (c *RedisCache) Get(ctx context.Context, id string) (e Entry, ok bool, err error) {
	h, err := c.rdb.HGetAll(ctx, keyPrefix+id).Result()
	if err != nil {
		return Entry{}, false, fmt.Errorf("load prediction %s: %w", id, err)
	}
	if len(h) == 0 {
		return Entry{}, false, nil
	}
	e.Prediction = fromHash(id, h)
	e.CachedAt, _ = time.Parse(time.RFC3339Nano, h["cached_at"])
	return e, true, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func toHash(p Prediction) map[string]any {
	status := p.Status
	if status == "" {
		status = "unknown"
	}
	targetAge := p.Input.TargetAge
	if targetAge == "" {
		targetAge = "default"
	}
	output := ""
	if len(p.Output) > 0 && string(p.Output) != "null" {
		output = string(p.Output)
	}
	predictTime := ""
	if p.Metrics.PredictTime > 0 {
		predictTime = strconv.FormatFloat(p.Metrics.PredictTime, 'f', -1, 64)
	}
	urls, _ := json.Marshal(p.URLs)
	return map[string]any{
		"status":       status,
		"image_url":    p.Input.Image,
		"output_url":   output,
		"target_age":   targetAge,
		"created_at":   p.CreatedAt,
		"completed_at": p.CompletedAt,
		"predict_time": predictTime,
		"error":        p.ErrorMessage(),
		"urls":         string(urls),
		"cached_at":    time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func fromHash(id string, h map[string]string) Prediction {
	p := Prediction{
		ID:          id,
		Status:      h["status"],
		Input:       Input{Image: h["image_url"], TargetAge: h["target_age"]},
		CreatedAt:   h["created_at"],
		CompletedAt: h["completed_at"],
	}
	if v := h["output_url"]; v != "" {
		p.Output = json.RawMessage(v)
	}
	if v := h["error"]; v != "" {
		p.Error, _ = json.Marshal(v)
	}
	if v, err := strconv.ParseFloat(h["predict_time"], 64); err == nil {
		p.Metrics.PredictTime = v
	}
	if v := h["urls"]; v != "" {
		json.Unmarshal([]byte(v), &p.URLs) //nolint:errcheck
	}
	return p
}
