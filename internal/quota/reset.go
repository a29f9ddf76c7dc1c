package quota

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"relay_gateway/internal/utils"
)

const (
	// dailySetKeyPrefix holds, per calendar day, the set of account ids
	// whose dailyCostLimit was temporarily raised that day.
	dailySetKeyPrefix = "quota_request:daily:"
	// originalKeyPrefix remembers the limit an account had before a raise.
	originalKeyPrefix = "quota_request:original:"

	accountKeyPrefix = "relay:account:"

	dayFormat = "2006-01-02"
)

// SchedulerConfig holds reset scheduler settings
type SchedulerConfig struct {
	// Timezone the midnight window is evaluated in. Defaults to UTC.
	Timezone *time.Location
	// DefaultDailyLimit is written when no original limit was recorded.
	// Defaults to 50.
	DefaultDailyLimit float64
	// CheckInterval between wake-ups. Defaults to 60s.
	CheckInterval time.Duration
}

// ResetScheduler restores raised per-account spend limits at midnight in the
// configured timezone. Idempotency is process-local: a remembered last-reset
// date plus an overlap flag keep one process from resetting twice or
// concurrently; independent processes resetting redundantly is harmless
// because the written value is the same.
type ResetScheduler struct {
	rdb          *redis.Client
	logger       *utils.Logger
	loc          *time.Location
	defaultLimit float64
	interval     time.Duration
	now          func() time.Time

	mu            sync.Mutex
	running       bool
	lastResetDate string

	stopChan chan struct{}
	doneChan chan struct{}
}

// NewResetScheduler creates a scheduler. It does nothing until Start.
func NewResetScheduler(rdb *redis.Client, cfg SchedulerConfig) *ResetScheduler {
	loc := cfg.Timezone
	if loc == nil {
		loc = time.UTC
	}
	limit := cfg.DefaultDailyLimit
	if limit <= 0 {
		limit = 50
	}
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &ResetScheduler{
		rdb:          rdb,
		logger:       utils.NewLogger("quota"),
		loc:          loc,
		defaultLimit: limit,
		interval:     interval,
		now:          time.Now,
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
	}
}

// Start launches the tick loop. The first check runs immediately so a
// process restarted exactly at midnight does not miss the window.
func (s *ResetScheduler) Start() {
	go s.run()
	s.logger.Info("Quota reset scheduler started",
		"timezone", s.loc.String(), "interval", s.interval)
}

// Stop halts the loop and waits for an in-flight batch to finish.
func (s *ResetScheduler) Stop() {
	close(s.stopChan)
	<-s.doneChan
}

func (s *ResetScheduler) run() {
	defer close(s.doneChan)

	s.checkAndReset(context.Background())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.checkAndReset(context.Background())
		case <-s.stopChan:
			return
		}
	}
}

// checkAndReset fires the reset only during the first minute of a new
// calendar day in the configured timezone, at most once per day.
func (s *ResetScheduler) checkAndReset(ctx context.Context) {
	now := s.now().In(s.loc)
	if now.Hour() != 0 || now.Minute() != 0 {
		return
	}

	today := now.Format(dayFormat)
	s.mu.Lock()
	if s.lastResetDate == today || s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	ok := s.performReset(ctx, now)

	s.mu.Lock()
	s.running = false
	if ok {
		// only a completed batch stamps the day; a failed read of the
		// identifier set leaves the marker unset so the next tick retries
		s.lastResetDate = today
	}
	s.mu.Unlock()
}

// performReset restores every limit raised yesterday. Per-item failures are
// tallied, not fatal; only failing to read the identifier set aborts.
func (s *ResetScheduler) performReset(ctx context.Context, now time.Time) bool {
	yesterday := now.AddDate(0, 0, -1).Format(dayFormat)

	ids, err := s.rdb.SMembers(ctx, dailySetKeyPrefix+yesterday).Result()
	if err != nil {
		s.logger.Error("Failed to read quota raise set", "day", yesterday, "error", err)
		return false
	}
	if len(ids) == 0 {
		s.logger.Info("No quota raises to reset", "day", yesterday)
		return true
	}

	succeeded, failed := 0, 0
	for _, id := range ids {
		if err := s.resetOne(ctx, id); err != nil {
			s.logger.Error("Failed to reset quota", "account", id, "error", err)
			failed++
			continue
		}
		succeeded++
	}

	s.logger.Info("Quota reset batch finished",
		"day", yesterday, "succeeded", succeeded, "failed", failed)
	return true
}

func (s *ResetScheduler) resetOne(ctx context.Context, id string) error {
	limit := s.defaultLimit
	stored, err := s.rdb.Get(ctx, originalKeyPrefix+id).Result()
	switch {
	case err == redis.Nil:
		// no remembered original, fall back to the default
	case err != nil:
		return fmt.Errorf("failed to read original limit: %w", err)
	default:
		parsed, perr := strconv.ParseFloat(stored, 64)
		if perr != nil {
			return fmt.Errorf("malformed original limit %q: %w", stored, perr)
		}
		limit = parsed
	}

	value := strconv.FormatFloat(limit, 'f', -1, 64)
	if err := s.rdb.HSet(ctx, accountKeyPrefix+id, "dailyCostLimit", value).Err(); err != nil {
		return fmt.Errorf("failed to write dailyCostLimit: %w", err)
	}
	return nil
}

// Status is a point-in-time snapshot for the admin surface.
type Status struct {
	Timezone      string `json:"timezone"`
	CheckInterval string `json:"checkInterval"`
	LastResetDate string `json:"lastResetDate,omitempty"`
	Resetting     bool   `json:"resetting"`
}

// Status reports the scheduler's current state.
func (s *ResetScheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Timezone:      s.loc.String(),
		CheckInterval: s.interval.String(),
		LastResetDate: s.lastResetDate,
		Resetting:     s.running,
	}
}
