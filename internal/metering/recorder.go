package metering

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"relay_gateway/internal/relay"
	"relay_gateway/internal/utils"
)

const (
	usageKeyPrefix = "relay:usage:"
	dayFormat      = "2006-01-02"
)

func usageKey(accountID, day string) string {
	return usageKeyPrefix + accountID + ":" + day
}

// RedisRecorder accumulates per-account daily token counters in redis
// hashes. One hash per account per day, expiring after the retention window
// so unarchived counters never pile up.
type RedisRecorder struct {
	rdb       *redis.Client
	logger    *utils.Logger
	retention time.Duration
	now       func() time.Time
}

// NewRedisRecorder creates a usage recorder. retentionDays bounds how long
// unarchived counters live; values below one day fall back to 32 days.
func NewRedisRecorder(rdb *redis.Client, retentionDays int) *RedisRecorder {
	if retentionDays < 1 {
		retentionDays = 32
	}
	return &RedisRecorder{
		rdb:       rdb,
		logger:    utils.NewLogger("metering"),
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		now:       time.Now,
	}
}

// RecordUsage adds one relayed exchange to today's counters. Best effort:
// failures are logged and swallowed so metering never blocks a relay.
func (r *RedisRecorder) RecordUsage(ctx context.Context, accountID string, usage relay.Usage, model string) {
	key := usageKey(accountID, r.now().UTC().Format(dayFormat))

	pipe := r.rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, "requests", 1)
	pipe.HIncrBy(ctx, key, "totalTokens", int64(usage.TotalTokens))
	pipe.HIncrBy(ctx, key, "promptTokens", int64(usage.PromptTokens))
	pipe.HIncrBy(ctx, key, "completionTokens", int64(usage.CompletionTokens))
	pipe.HIncrBy(ctx, key, "cacheReadTokens", int64(usage.CacheReadInputTokens))
	if model != "" {
		pipe.HIncrBy(ctx, key, "model:"+model, 1)
	}
	pipe.Expire(ctx, key, r.retention)

	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Error("Failed to record usage", "account", accountID, "error", err)
	}
}

// DailyUsage is one account's counters for one day.
type DailyUsage struct {
	AccountID        string `json:"accountId"`
	Day              string `json:"day"`
	Requests         int64  `json:"requests"`
	TotalTokens      int64  `json:"totalTokens"`
	PromptTokens     int64  `json:"promptTokens"`
	CompletionTokens int64  `json:"completionTokens"`
	CacheReadTokens  int64  `json:"cacheReadTokens"`
}

// Usage reads one account's counters for the given day. A day with no
// traffic yields zero counters, not an error.
func (r *RedisRecorder) Usage(ctx context.Context, accountID string, day time.Time) (*DailyUsage, error) {
	dayStr := day.UTC().Format(dayFormat)
	fields, err := r.rdb.HGetAll(ctx, usageKey(accountID, dayStr)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read usage for %s: %w", accountID, err)
	}
	return dailyUsageFromFields(accountID, dayStr, fields), nil
}
