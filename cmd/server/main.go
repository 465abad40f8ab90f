package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/thomasldk/granite-erp-sub001/internal/config"
	"github.com/thomasldk/granite-erp-sub001/internal/middleware"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/artifact"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/entity"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/handler"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/ledger"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/repository"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/service"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/sse"
	"github.com/thomasldk/granite-erp-sub001/internal/shared/notify"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// 加载 .env 文件
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zapLogger, err := initLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("Starting granite-erp quote service",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
	)

	db, err := initDatabase(cfg.Database)
	if err != nil {
		zapLogger.Fatal("Failed to connect to database", zap.Error(err))
	}
	if err := db.AutoMigrate(entity.All()...); err != nil {
		zapLogger.Fatal("Failed to migrate database", zap.Error(err))
	}

	ctx := context.Background()

	var rdb *redis.Client
	if cfg.Agent.Ledger == "redis" || cfg.Agent.Ledger == "multi" {
		rdb = initRedis(cfg.Redis)
		if err := rdb.Ping(ctx).Err(); err != nil {
			zapLogger.Fatal("Failed to connect to redis", zap.Error(err))
		}
		defer rdb.Close()
	}

	jobLedger, err := initLedger(cfg.Agent, rdb)
	if err != nil {
		zapLogger.Fatal("Failed to init agent ledger", zap.Error(err))
	}

	store, err := initArtifactStore(ctx, cfg)
	if err != nil {
		zapLogger.Fatal("Failed to init artifact store", zap.Error(err))
	}

	if cfg.Agent.LeaseSecret == "" {
		zapLogger.Warn("agent.lease_secret is empty, agents must report with an explicit attempt")
	}

	hub := sse.NewHub(zapLogger)
	repos := repository.NewRepositories(db)

	deps := service.Deps{
		Ledger:        jobLedger,
		Artifacts:     store,
		Events:        hub,
		Logger:        zapLogger,
		ResultBaseURL: strings.TrimRight(cfg.Server.BaseURL, "/"),
	}
	if cfg.Agent.LeaseSecret != "" {
		deps.Lease = ledger.NewLeaseSigner(cfg.Agent.LeaseSecret, cfg.Agent.LeaseTTL)
	}
	if webhook := notify.NewWebhookClient(cfg.Notify.WebhookURL, cfg.Notify.Timeout); webhook.Enabled() {
		deps.Notifier = webhook
	}
	services := service.NewServices(deps.FromRepositories(repos))
	handlers := handler.NewHandlers(services, hub, zapLogger)

	gin.SetMode(cfg.Server.Mode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(zapLogger))
	router.Use(middleware.CORS())
	router.Use(middleware.RequestID())
	router.Use(middleware.Operator())
	// SSE 流不压缩
	router.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/api/v1/sse"})))

	registerRoutes(router, handlers, db, cfg)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		zapLogger.Info("Server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zapLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	zapLogger.Info("Server exited")
}

func initLogger(cfg config.LogConfig) (*zap.Logger, error) {
	var zapCfg zap.Config

	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}

	switch cfg.Level {
	case "debug":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	}

	return zapCfg.Build()
}

func gormLogLevel(level string) logger.LogLevel {
	switch level {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}

func initDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(gormLogLevel(cfg.LogLevel)),
		// 唯一约束冲突翻译为 gorm.ErrDuplicatedKey，编号重试依赖它
		TranslateError: true,
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return db, nil
}

func initRedis(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

func initLedger(cfg config.AgentConfig, rdb *redis.Client) (ledger.Ledger, error) {
	switch cfg.Ledger {
	case "none":
		return ledger.Noop{}, nil
	case "redis":
		return ledger.NewRedisLedger(rdb), nil
	case "multi":
		dir, err := ledger.NewDirLedger(cfg.LedgerDir)
		if err != nil {
			return nil, err
		}
		return ledger.Multi{dir, ledger.NewRedisLedger(rdb)}, nil
	case "dir", "":
		return ledger.NewDirLedger(cfg.LedgerDir)
	default:
		return nil, fmt.Errorf("unknown agent ledger %q", cfg.Ledger)
	}
}

func initArtifactStore(ctx context.Context, cfg *config.Config) (artifact.Store, error) {
	switch cfg.Artifact.Driver {
	case "minio":
		client, err := artifact.NewMinIOClient(cfg.MinIO.Endpoint, cfg.MinIO.AccessKey, cfg.MinIO.SecretKey, cfg.MinIO.UseSSL)
		if err != nil {
			return nil, err
		}
		store := artifact.NewMinIOStore(client, cfg.MinIO.Bucket)
		ensureCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := store.EnsureBucket(ensureCtx); err != nil {
			return nil, err
		}
		return store, nil
	case "disk", "":
		return artifact.NewDiskStore(cfg.Artifact.Dir)
	default:
		return nil, fmt.Errorf("unknown artifact driver %q", cfg.Artifact.Driver)
	}
}

func registerRoutes(r *gin.Engine, h *handler.Handlers, db *gorm.DB, cfg *config.Config) {
	// 健康检查
	r.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/health/ready", func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// 版本信息
	r.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":    Version,
			"build_time": BuildTime,
		})
	})

	api := r.Group("/api/v1")
	h.Register(api, middleware.RateLimit(cfg.RateLimit.AgentRPS, cfg.RateLimit.AgentBurst))
}
