package metering

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"relay_gateway/internal/utils"
)

const usageSchema = `
CREATE TABLE IF NOT EXISTS usage_records (
	account_id        TEXT NOT NULL,
	day               DATE NOT NULL,
	requests          BIGINT NOT NULL DEFAULT 0,
	total_tokens      BIGINT NOT NULL DEFAULT 0,
	prompt_tokens     BIGINT NOT NULL DEFAULT 0,
	completion_tokens BIGINT NOT NULL DEFAULT 0,
	cache_read_tokens BIGINT NOT NULL DEFAULT 0,
	archived_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (account_id, day)
)`

const upsertUsage = `
INSERT INTO usage_records
	(account_id, day, requests, total_tokens, prompt_tokens, completion_tokens, cache_read_tokens)
VALUES
	(:account_id, :day, :requests, :total_tokens, :prompt_tokens, :completion_tokens, :cache_read_tokens)
ON CONFLICT (account_id, day) DO UPDATE SET
	requests          = usage_records.requests + EXCLUDED.requests,
	total_tokens      = usage_records.total_tokens + EXCLUDED.total_tokens,
	prompt_tokens     = usage_records.prompt_tokens + EXCLUDED.prompt_tokens,
	completion_tokens = usage_records.completion_tokens + EXCLUDED.completion_tokens,
	cache_read_tokens = usage_records.cache_read_tokens + EXCLUDED.cache_read_tokens,
	archived_at       = now()`

type usageRow struct {
	AccountID        string `db:"account_id"`
	Day              string `db:"day"`
	Requests         int64  `db:"requests"`
	TotalTokens      int64  `db:"total_tokens"`
	PromptTokens     int64  `db:"prompt_tokens"`
	CompletionTokens int64  `db:"completion_tokens"`
	CacheReadTokens  int64  `db:"cache_read_tokens"`
}

// ArchiverConfig holds archiver settings
type ArchiverConfig struct {
	// Interval between archive sweeps. Defaults to 15m.
	Interval time.Duration
	// RetentionDays bounds how long archived rows are kept. Defaults to 32.
	RetentionDays int
}

// Archiver periodically drains closed-out daily counters from redis into
// postgres, so redis only ever holds the hot day and the archive holds
// history. Today's counters are still being written and are left alone.
type Archiver struct {
	rdb       *redis.Client
	db        *sqlx.DB
	logger    *utils.Logger
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
	stopChan  chan struct{}
	doneChan  chan struct{}
}

// NewArchiver creates an archiver. It does not touch either store until
// Start is called.
func NewArchiver(rdb *redis.Client, db *sqlx.DB, cfg ArchiverConfig) *Archiver {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	days := cfg.RetentionDays
	if days < 1 {
		days = 32
	}
	return &Archiver{
		rdb:       rdb,
		db:        db,
		logger:    utils.NewLogger("metering"),
		interval:  interval,
		retention: time.Duration(days) * 24 * time.Hour,
		now:       time.Now,
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
	}
}

// EnsureSchema creates the archive table when missing.
func (a *Archiver) EnsureSchema(ctx context.Context) error {
	if _, err := a.db.ExecContext(ctx, usageSchema); err != nil {
		return fmt.Errorf("failed to ensure usage schema: %w", err)
	}
	return nil
}

// Start launches the background sweep loop.
func (a *Archiver) Start() {
	go a.run()
	a.logger.Info("Usage archiver started", "interval", a.interval)
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (a *Archiver) Stop() {
	close(a.stopChan)
	<-a.doneChan
}

func (a *Archiver) run() {
	defer close(a.doneChan)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := a.sweep(context.Background()); err != nil {
				a.logger.Error("Archive sweep failed", "error", err)
			}
		case <-a.stopChan:
			return
		}
	}
}

// sweep moves every counter hash from a closed-out day into postgres and
// deletes the redis key once the row is durable.
func (a *Archiver) sweep(ctx context.Context) error {
	today := a.now().UTC().Format(dayFormat)

	var cursor uint64
	archived := 0
	for {
		keys, next, err := a.rdb.Scan(ctx, cursor, usageKeyPrefix+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("failed to scan usage keys: %w", err)
		}

		for _, key := range keys {
			accountID, day, ok := parseUsageKey(key)
			if !ok || day >= today {
				continue
			}
			if err := a.archiveKey(ctx, key, accountID, day); err != nil {
				a.logger.Error("Failed to archive usage", "key", key, "error", err)
				continue
			}
			archived++
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	if archived > 0 {
		a.logger.Info("Archived usage counters", "days", archived)
	}
	return a.prune(ctx)
}

func (a *Archiver) archiveKey(ctx context.Context, key, accountID, day string) error {
	fields, err := a.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil
	}

	usage := dailyUsageFromFields(accountID, day, fields)
	row := usageRow{
		AccountID:        usage.AccountID,
		Day:              usage.Day,
		Requests:         usage.Requests,
		TotalTokens:      usage.TotalTokens,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		CacheReadTokens:  usage.CacheReadTokens,
	}
	if _, err := a.db.NamedExecContext(ctx, upsertUsage, row); err != nil {
		return fmt.Errorf("failed to upsert usage row: %w", err)
	}

	return a.rdb.Del(ctx, key).Err()
}

// prune drops archived rows past the retention window.
func (a *Archiver) prune(ctx context.Context) error {
	cutoff := a.now().UTC().Add(-a.retention).Format(dayFormat)
	if _, err := a.db.ExecContext(ctx, `DELETE FROM usage_records WHERE day < $1`, cutoff); err != nil {
		return fmt.Errorf("failed to prune usage records: %w", err)
	}
	return nil
}

func parseUsageKey(key string) (accountID, day string, ok bool) {
	rest, found := strings.CutPrefix(key, usageKeyPrefix)
	if !found {
		return "", "", false
	}
	i := strings.LastIndex(rest, ":")
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}

func dailyUsageFromFields(accountID, day string, fields map[string]string) *DailyUsage {
	parse := func(name string) int64 {
		v, _ := strconv.ParseInt(fields[name], 10, 64)
		return v
	}
	return &DailyUsage{
		AccountID:        accountID,
		Day:              day,
		Requests:         parse("requests"),
		TotalTokens:      parse("totalTokens"),
		PromptTokens:     parse("promptTokens"),
		CompletionTokens: parse("completionTokens"),
		CacheReadTokens:  parse("cacheReadTokens"),
	}
}
