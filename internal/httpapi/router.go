package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"

	"relay_gateway/internal/accounts"
	"relay_gateway/internal/config"
	"relay_gateway/internal/metering"
	"relay_gateway/internal/quota"
	"relay_gateway/internal/relay"
	"relay_gateway/internal/storage"
	"relay_gateway/internal/utils"
)

// Dependencies aggregates all services the HTTP layer needs.
type Dependencies struct {
	Redis     *storage.RedisClient
	Registry  *accounts.Registry
	Selector  *accounts.Selector
	Engine    *relay.Engine
	Meter     *metering.RedisRecorder
	Scheduler *quota.ResetScheduler
	// Archiver is nil when no archive database is configured.
	Archiver *metering.Archiver
	Logger   *utils.Logger
}

// NewRouter creates an HTTP router with all dependencies wired up
func NewRouter(cfg *config.Config) (*http.ServeMux, *Dependencies, error) {
	redisClient, err := storage.NewRedisClient(storage.RedisConfig{
		Address:      cfg.Redis.Address,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize Redis: %w", err)
	}

	vault, err := storage.NewVaultFromHex(cfg.EncryptionKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize credential vault: %w", err)
	}

	registry := accounts.NewRegistry(redisClient.Client(), vault, accounts.RegistryConfig{
		TestTimeout: cfg.Relay.TestTimeout,
	})
	selector := accounts.NewSelector(registry)

	meter := metering.NewRedisRecorder(redisClient.Client(), cfg.Usage.RetentionDays)
	engine := relay.NewEngine(registry, meter, relay.EngineConfig{
		UpstreamTimeout: cfg.Relay.UpstreamTimeout,
	})

	loc, err := time.LoadLocation(cfg.Quota.Timezone)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid quota reset timezone %q: %w", cfg.Quota.Timezone, err)
	}
	scheduler := quota.NewResetScheduler(redisClient.Client(), quota.SchedulerConfig{
		Timezone:          loc,
		DefaultDailyLimit: cfg.Quota.DefaultDailyLimit,
		CheckInterval:     cfg.Quota.CheckInterval,
	})

	var archiver *metering.Archiver
	if cfg.Usage.DatabaseURL != "" {
		db, err := sqlx.Connect("postgres", cfg.Usage.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to archive database: %w", err)
		}
		archiver = metering.NewArchiver(redisClient.Client(), db, metering.ArchiverConfig{
			Interval:      cfg.Usage.ArchiveInterval,
			RetentionDays: cfg.Usage.RetentionDays,
		})
		if err := archiver.EnsureSchema(context.Background()); err != nil {
			return nil, nil, err
		}
	}

	deps := &Dependencies{
		Redis:     redisClient,
		Registry:  registry,
		Selector:  selector,
		Engine:    engine,
		Meter:     meter,
		Scheduler: scheduler,
		Archiver:  archiver,
		Logger:    utils.NewLogger("httpapi"),
	}

	mux := http.NewServeMux()
	registerRoutes(mux, deps)
	return mux, deps, nil
}

func registerRoutes(mux *http.ServeMux, deps *Dependencies) {
	// relay endpoint
	mux.HandleFunc("/v1/responses", deps.handleRelay)

	// account administration
	mux.HandleFunc("/admin/relay-accounts", deps.handleAccounts)
	mux.HandleFunc("/admin/relay-accounts/", deps.handleAccountSubtree)

	// scheduler introspection
	mux.HandleFunc("/admin/quota-reset/status", deps.handleQuotaStatus)

	// health check endpoint - public
	mux.HandleFunc("/health", deps.handleHealth)
}

func (d *Dependencies) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := d.Redis.HealthCheck(ctx); err != nil {
		utils.RespondWithError(w, http.StatusServiceUnavailable, "redis unavailable")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (d *Dependencies) handleQuotaStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	utils.RespondWithData(w, http.StatusOK, d.Scheduler.Status())
}
