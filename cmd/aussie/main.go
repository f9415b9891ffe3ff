package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mwistrand/aussie/config"
	"github.com/mwistrand/aussie/internal/access"
	"github.com/mwistrand/aussie/internal/auth"
	"github.com/mwistrand/aussie/internal/gateway"
	"github.com/mwistrand/aussie/internal/logging"
	"github.com/mwistrand/aussie/internal/proxy"
	"github.com/mwistrand/aussie/internal/ratelimit"
	"github.com/mwistrand/aussie/internal/registry"
	"github.com/mwistrand/aussie/internal/session"
	"github.com/mwistrand/aussie/internal/wsbridge"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

// memorySweepInterval paces expired-entry eviction in the in-process
// rate-limit store.
const memorySweepInterval = time.Minute

func main() {
	configPath := flag.String("config", "configs/aussie.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Aussie %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.New(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting Aussie",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("mode", string(cfg.Mode)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.Error("Gateway exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	var redisClient *redis.Client
	if needsRedis(cfg) {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis unreachable at %s: %w", cfg.Redis.Addr, err)
		}
	}
	opTimeout := cfg.Resiliency.Redis.OperationTimeout

	// Service registry, loaded up front so routing works before the first
	// admin call.
	var repo registry.Repository
	if cfg.Registry.Store == config.StoreRedis {
		repo = registry.NewRedisRepository(redisClient, opTimeout)
	} else {
		repo = registry.NewMemoryRepository()
	}
	reg := registry.New(repo)
	if err := reg.Reload(ctx); err != nil {
		return fmt.Errorf("initial registry load: %w", err)
	}
	go func() {
		if err := reg.Watch(ctx); err != nil && ctx.Err() == nil {
			logging.Warn("registry watch stopped", zap.Error(err))
		}
	}()

	// Rate limiting.
	var rlStore ratelimit.Store
	if cfg.RateLimit.Store == config.StoreRedis {
		rlStore = ratelimit.NewRedisStore(redisClient, cfg.RateLimit.Algorithm, opTimeout)
	} else {
		rlStore = ratelimit.NewMemoryStore(ratelimit.ForAlgorithm(cfg.RateLimit.Algorithm), memorySweepInterval)
	}
	limiter := ratelimit.NewLimiter(cfg.RateLimit, rlStore)

	var attempts ratelimit.FailedAttemptRepository
	if cfg.AuthRateLimit.Store == config.StoreRedis {
		attempts = ratelimit.NewRedisFailedAttempts(redisClient, opTimeout)
	} else {
		attempts = ratelimit.NewMemoryFailedAttempts()
	}
	authLimiter := ratelimit.NewAuthLimiter(cfg.AuthRateLimit, attempts)

	// Sessions.
	var sessionRepo session.Repository
	if cfg.Session.Store == config.StoreRedis {
		sessionRepo = session.NewRedisRepository(redisClient, opTimeout)
	} else {
		sessionRepo = session.NewMemoryRepository()
	}
	sessions := session.NewManager(cfg.Session, sessionRepo)

	minter, err := session.NewMinter(cfg.Session.JWS)
	if err != nil {
		return fmt.Errorf("jws minter: %w", err)
	}

	// Authentication chain: API key, then session cookie, then OIDC JWT.
	var keys auth.KeyRepository
	if cfg.Auth.KeyStore == config.StoreRedis {
		keys = auth.NewRedisKeyRepository(redisClient, opTimeout)
	} else {
		keys = auth.NewMemoryKeyRepository()
	}
	mechanisms := []auth.Mechanism{
		auth.NewAPIKeyMechanism(cfg.Auth.APIKeyPrefix, keys),
		auth.NewSessionMechanism(sessions),
	}
	if len(cfg.Auth.JWT.Issuers) > 0 {
		jwtMech, err := auth.NewJWTMechanism(ctx, cfg.Auth.APIKeyPrefix, cfg.Auth.JWT, cfg.Resiliency.JWKS, nil)
		if err != nil {
			return fmt.Errorf("jwt mechanism: %w", err)
		}
		mechanisms = append(mechanisms, jwtMech)
	}
	chain, err := auth.NewChain(cfg.Auth, cfg.Mode, cfg.Session, mechanisms...)
	if err != nil {
		return err
	}

	// Dispatchers.
	transportCfg := proxy.DefaultTransportConfig
	if cfg.Resiliency.HTTP.ConnectTimeout > 0 {
		transportCfg.ConnectTimeout = cfg.Resiliency.HTTP.ConnectTimeout
	}
	px := proxy.New(proxy.Config{
		Transport:      proxy.NewTransport(transportCfg),
		Forwarding:     cfg.Forwarding,
		RequestTimeout: cfg.Resiliency.HTTP.RequestTimeout,
		SessionCookie:  cfg.Session.Cookie.Name,
	})
	bridge := wsbridge.New(cfg.WebSocket, limiter, sessions)

	pipeline := gateway.NewPipeline(gateway.Deps{
		Config:      cfg,
		Registry:    reg,
		Limiter:     limiter,
		AuthLimiter: authLimiter,
		Chain:       chain,
		Sessions:    sessions,
		Minter:      minter,
		Access:      access.NewEvaluator(cfg.Access),
		Proxy:       px,
		Bridge:      bridge,
	})
	admin := gateway.NewAdmin(cfg.Admin, reg, chain, keys, cfg.Auth.APIKeyPrefix)

	return gateway.NewServer(cfg, pipeline, admin).Run(ctx)
}

func needsRedis(cfg *config.Config) bool {
	return cfg.RateLimit.Store == config.StoreRedis ||
		cfg.AuthRateLimit.Store == config.StoreRedis ||
		cfg.Auth.KeyStore == config.StoreRedis ||
		cfg.Session.Store == config.StoreRedis ||
		cfg.Registry.Store == config.StoreRedis
}
