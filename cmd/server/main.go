package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/GoPolymarket/shieldgate/internal/audit"
	"github.com/GoPolymarket/shieldgate/internal/auth"
	"github.com/GoPolymarket/shieldgate/internal/config"
	"github.com/GoPolymarket/shieldgate/internal/csrf"
	"github.com/GoPolymarket/shieldgate/internal/handler"
	"github.com/GoPolymarket/shieldgate/internal/middleware"
	"github.com/GoPolymarket/shieldgate/internal/pkg/logger"
	"github.com/GoPolymarket/shieldgate/internal/ratelimit"
	"github.com/GoPolymarket/shieldgate/internal/repository"
	"github.com/GoPolymarket/shieldgate/internal/session"
	"github.com/GoPolymarket/shieldgate/internal/signature"
	"github.com/GoPolymarket/shieldgate/internal/store"
	"github.com/GoPolymarket/shieldgate/internal/threat"
)

var version = "dev"

func main() {
	// 0. Initialize Logger
	logger.Init("info")

	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(cfg.Log.Level)
	if cfg.Security.Secret == "" {
		log.Fatalf("security.secret must be set")
	}

	rootCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	// 2. Initialize Persistence
	// Shared store (Redis > Memory)
	deps := map[string]handler.Pinger{}
	var (
		kv          store.Store
		redisClient redis.UniversalClient
	)
	if cfg.Redis.Addr != "" {
		client, err := repository.NewRedisClient(cfg.Redis)
		if err == nil {
			logger.Info("Connected to Redis", "addr", cfg.Redis.Addr)
			redisClient = client
			kv = store.NewRedisStore(client, cfg.Redis.KeyPrefix)
			deps["redis"] = handler.PingFunc(func(ctx context.Context) error { return client.Ping(ctx).Err() })
		} else {
			logger.Error("Failed to connect to Redis, falling back to memory", "error", err)
		}
	}
	if kv == nil {
		mem := store.NewMemoryStore()
		mem.StartJanitor(rootCtx, time.Minute)
		kv = mem
	}

	// Identities and security events (Postgres, optional)
	var (
		db           *gorm.DB
		identityRepo auth.IdentityRepo
		eventRepo    *repository.PostgresEventRepo
	)
	if cfg.Database.DSN != "" {
		conn, err := repository.NewDB(cfg)
		if err == nil {
			if err := repository.Migrate(conn); err != nil {
				log.Fatalf("Failed to migrate database: %v", err)
			}
			logger.Info("Connected to PostgreSQL")
			db = conn
			identityRepo = repository.NewPostgresIdentityRepo(conn)
			eventRepo = repository.NewPostgresEventRepo(conn)
			deps["postgres"] = handler.PingFunc(func(ctx context.Context) error {
				sqlDB, err := db.DB()
				if err != nil {
					return err
				}
				return sqlDB.PingContext(ctx)
			})
		} else {
			logger.Error("Failed to connect to DB, identities are config-only", "error", err)
		}
	}

	// 3. Audit sink
	dispatcher := newDispatcher(cfg, redisClient, eventRepo)

	// 4. Security components
	timeout := cfg.Security.StageTimeout()
	sig := signature.New(cfg.Security.Secret)
	sessions := session.NewStore(kv, sig, time.Duration(cfg.Security.Session.TTLSeconds)*time.Second, timeout)
	registry := auth.NewRegistry(cfg.Auth.Identities, sig, identityRepo)
	resolver := auth.NewResolver(registry, sessions, cfg.Auth, timeout)

	policy, err := ratelimit.PolicyFromConfig(cfg.Security.RateLimit.Classes)
	if err != nil {
		log.Fatalf("Invalid rate limit classes: %v", err)
	}
	limiter := ratelimit.NewLimiter(kv, policy, cfg.Security.RateLimit.FailOpen, timeout)
	validator := csrf.NewValidator(csrf.SettingsFromConfig(cfg.Security.CSRF, timeout), kv, sig, sessions)
	scanner := threat.NewScanner(threat.SettingsFromConfig(cfg.Security.Threat, timeout), kv, sig)
	blocks := threat.NewBlockList(kv, cfg.Security.Threat, timeout)
	readOnly := middleware.NewReadOnlyGuard(cfg.Security.ReadOnly)

	pipeline := middleware.NewPipeline(cfg.Security, middleware.Components{
		Signature: sig,
		BlockList: blocks,
		Limiter:   limiter,
		Resolver:  resolver,
		CSRF:      validator,
		Scanner:   scanner,
		Sessions:  session.NewMonitor(sessions, sig, cfg.Security.Session),
		ReadOnly:  readOnly,
		Sink:      dispatcher,
	})

	// Hot reload: log level, rate-limit classes and read-only mode.
	config.Watch(func(next *config.Config) {
		logger.SetLevel(next.Log.Level)
		readOnly.Set(next.Security.ReadOnly)
		p, err := ratelimit.PolicyFromConfig(next.Security.RateLimit.Classes)
		if err != nil {
			logger.Error("Ignoring invalid rate limit classes", "error", err)
			return
		}
		limiter.SetPolicy(p)
		logger.Info("Configuration reloaded", "read_only", next.Security.ReadOnly)
	})

	if eventRepo != nil {
		go runRetention(rootCtx, eventRepo, cfg.Database)
	}

	// 5. Initialize Handlers
	systemHandler := handler.NewSystemHandler(handler.SystemOptions{
		Version:   version,
		Deps:      deps,
		ReadOnly:  readOnly.Enabled,
		Dropped:   dispatcher.Dropped,
		Blocks:    blocks,
		ClientKey: sig.ClientKey,
	})
	sessionHandler := handler.NewSessionHandler(sessions, validator, resolver.SessionCookie(), cfg.Security.CSRF.CookieSecure)
	auditHandler := handler.NewAuditHandler(dispatcher)
	identityHandler := handler.NewIdentityHandler(registry)

	// 6. Setup Router
	r := gin.New()
	if err := r.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		log.Fatalf("Invalid trusted proxies: %v", err)
	}

	// Global Middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.MetricsMiddleware())

	// Metrics Endpoint
	if cfg.Metrics.Enabled {
		r.GET(cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	api := r.Group("/api")
	api.Use(pipeline.Handler())
	{
		api.GET("/health", systemHandler.Health)
		api.GET("/info", systemHandler.Info)
		api.POST("/auth/session", sessionHandler.Login)
		api.DELETE("/auth/session", sessionHandler.Logout)
	}

	admin := r.Group("/admin/security")
	admin.Use(middleware.AdminMiddleware(cfg))
	{
		admin.GET("/events", auditHandler.List)
		admin.GET("/events/stream", auditHandler.Stream)
		admin.GET("/identities", identityHandler.List)
		admin.GET("/identities/:id", identityHandler.Get)
		admin.POST("/identities", middleware.AdminSecretMiddleware(cfg), identityHandler.Create)
		admin.PUT("/identities/:id/state", middleware.AdminSecretMiddleware(cfg), identityHandler.UpdateState)
		admin.POST("/unblock", middleware.AdminSecretMiddleware(cfg), systemHandler.Unblock)
	}

	// 7. Start Server with Graceful Shutdown
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("ShieldGate started", "port", cfg.Server.Port, "read_only", readOnly.Enabled())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server listen failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}
	stopBackground()

	// Drain pending events after the last request has finished.
	if err := dispatcher.Close(ctx); err != nil {
		logger.Error("Security events not fully flushed", "error", err, "dropped", dispatcher.Dropped())
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if db != nil {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}

	logger.Info("Server exiting")
}

// newDispatcher fans events out to every configured writer. The Postgres repository, or else the
// Redis list, backs event listing; without either the in-memory ring serves it.
func newDispatcher(cfg *config.Config, redisClient redis.UniversalClient, eventRepo *repository.PostgresEventRepo) *audit.Dispatcher {
	var (
		writers []audit.Writer
		reader  audit.Reader
	)
	if cfg.Audit.LogDir != "" {
		fw, err := audit.NewFileWriter(cfg.Audit.LogDir)
		if err != nil {
			logger.Error("Failed to open security event log dir", "dir", cfg.Audit.LogDir, "error", err)
		} else {
			writers = append(writers, fw)
		}
	}
	if redisClient != nil {
		repo := repository.NewRedisEventRepo(redisClient, cfg.Redis.EventListKey, cfg.Redis.EventListMax)
		writers = append(writers, repo)
		reader = repo
	}
	if eventRepo != nil {
		writers = append(writers, eventRepo)
		reader = eventRepo
	}
	if cfg.NATS.URL != "" {
		nc, err := audit.ConnectNATS(cfg.NATS.URL)
		if err != nil {
			logger.Error("Failed to connect to NATS, events will not be published", "error", err)
		} else {
			logger.Info("Connected to NATS", "url", cfg.NATS.URL)
			writers = append(writers, audit.NewNATSWriter(nc, cfg.NATS.SubjectPrefix))
		}
	}

	d := audit.NewDispatcher(cfg.Audit.BufferSize, cfg.Audit.RingSize, writers...)
	if reader != nil {
		d.WithReader(reader)
	}
	return d
}

func runRetention(ctx context.Context, repo *repository.PostgresEventRepo, cfg config.DatabaseConfig) {
	if cfg.EventRetentionDays <= 0 {
		return
	}
	interval := time.Duration(cfg.CleanupIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	retention := time.Duration(cfg.EventRetentionDays) * 24 * time.Hour

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := repo.Cleanup(ctx, retention)
			if err != nil {
				logger.Warn("Security event cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("Security events pruned", "rows", n, "retention_days", cfg.EventRetentionDays)
			}
		}
	}
}
