package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/org/basegate/internal/api"
	"github.com/org/basegate/internal/audit"
	"github.com/org/basegate/internal/auth"
	"github.com/org/basegate/internal/config"
	"github.com/org/basegate/internal/connpool"
	"github.com/org/basegate/internal/crypto"
	"github.com/org/basegate/internal/policy"
	"github.com/org/basegate/internal/query"
	"github.com/org/basegate/internal/resilience"
	"github.com/org/basegate/internal/storage"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfgFile := "config.yaml"
	if v := os.Getenv("BASEGATE_CONFIG"); v != "" {
		cfgFile = v
	}

	cfg, found, err := config.Load(cfgFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if !found {
		log.Warn().Str("file", cfgFile).Msg("config file not found, using defaults")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	dialect := storage.Dialect(cfg.ControlPlane.Driver)

	retry := resilience.DefaultPolicy()
	retry.MaxAttempts = cfg.ControlPlane.MaxAttempts
	backend, err := storage.Open(ctx, dialect, cfg.ControlPlane.DSN, storage.Options{
		CallTimeout: cfg.ControlPlane.CallTimeout.Std(),
		Retry:       retry,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to control plane")
	}

	if cfg.ControlPlane.AutoMigrate {
		if err := storage.RunMigrations(backend.DB().DB, dialect, cfg.ControlPlane.MigrationsDir); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
		log.Info().Msg("migrations applied")
	}

	codec, err := crypto.NewCodec(cfg.Session.EncryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to derive encryption key")
	}

	var controlPlane storage.ControlPlane = backend
	if cfg.Cache.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Cache.RedisAddr).Msg("config cache unreachable, continuing without it until it recovers")
		}
		controlPlane = storage.NewCachedControlPlane(backend, rdb, codec, cfg.Cache.TTL.Std())
		log.Info().Str("addr", cfg.Cache.RedisAddr).Dur("ttl", cfg.Cache.TTL.Std()).Msg("tenant config cache enabled")
	}

	auditor := audit.FromLogger(log.Logger)

	sessions, err := auth.NewSessionService(cfg.Session.SigningKey, codec, auditor, auth.Options{
		TTL:    cfg.Session.TTL.Std(),
		Issuer: cfg.Session.Issuer,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create session service")
	}

	regOpts := []connpool.Option{connpool.WithResolver(controlPlane)}
	if inv, ok := controlPlane.(storage.Invalidator); ok {
		regOpts = append(regOpts, connpool.WithInvalidator(inv))
	}
	registry := connpool.NewRegistry(connpool.Config{
		ProbeTimeout:   cfg.Tenant.ProbeTimeout.Std(),
		ConnectTimeout: cfg.Tenant.ConnectTimeout.Std(),
		MaxIdle:        cfg.Tenant.MaxIdle.Std(),
		SweepInterval:  cfg.Tenant.SweepInterval.Std(),
	}, connpool.FirebirdDialer{}, regOpts...)

	executor := query.NewExecutor(registry, query.Config{
		Timeout:           cfg.Tenant.QueryTimeout.Std(),
		MaxCorruptRetries: cfg.Tenant.MaxCorruptRetries,
		RetryDelay:        query.DefaultConfig().RetryDelay,
		CorruptionMarkers: cfg.Tenant.CorruptionMarkers,
	})

	var access *policy.Engine
	if len(cfg.HTTP.Access) > 0 {
		access = policy.NewEngine(lo.MapToSlice(cfg.HTTP.Access, func(role string, rules map[string][]string) policy.Policy {
			return policy.Policy{Role: role, Rules: rules}
		}))
	}

	srv := api.NewServer(api.Deps{
		Sessions:     sessions,
		Executor:     executor,
		Registry:     registry,
		ControlPlane: controlPlane,
		Auditor:      auditor,
		Access:       access,
	}, api.Config{
		ListenAddr:     cfg.ListenAddr,
		TLSCertFile:    cfg.TLSCertFile,
		TLSKeyFile:     cfg.TLSKeyFile,
		RateLimitRPS:   cfg.HTTP.RateLimitRPS,
		RateLimitBurst: cfg.HTTP.RateLimitBurst,
	})

	if err := registry.StartJanitor(); err != nil {
		log.Fatal().Err(err).Msg("failed to start connection janitor")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	log.Info().Str("addr", cfg.ListenAddr).Str("control_plane", cfg.ControlPlane.Driver).Msg("server started")
	<-quit

	log.Info().Msg("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	registry.StopJanitor(shutdownCtx)
	if err := registry.CloseAll(); err != nil {
		log.Error().Err(err).Msg("closing tenant connections")
	}
	if err := controlPlane.Close(); err != nil {
		log.Error().Err(err).Msg("closing control plane")
	}
	log.Info().Msg("server stopped")
}
