// Command worker runs scheduled maintenance tasks (database backups) on asynq.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/thomasldk/granite-erp-sub001/internal/backup"
	"github.com/thomasldk/granite-erp-sub001/internal/config"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zapCfg := zap.NewDevelopmentConfig()
	if cfg.Log.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	}
	zapLogger, err := zapCfg.Build()
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer zapLogger.Sync()

	if !cfg.Backup.Enabled {
		zapLogger.Info("backups disabled, worker has nothing to do")
		return
	}

	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		zapLogger.Fatal("failed to open database", zap.Error(err))
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	sweeper := backup.NewSweeper(db, cfg.Backup.Dir, cfg.Backup.Version, cfg.Backup.Retain, zapLogger)

	srv := asynq.NewServer(redisOpt, asynq.Config{Concurrency: 1})
	mux := asynq.NewServeMux()
	mux.HandleFunc(backup.TypeBackupSweep, sweeper.HandleSweepTask)

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{})
	task, err := backup.NewSweepTask("scheduled")
	if err != nil {
		zapLogger.Fatal("failed to build backup task", zap.Error(err))
	}
	entryID, err := scheduler.Register(cfg.Backup.Schedule, task)
	if err != nil {
		zapLogger.Fatal("failed to register backup schedule", zap.String("schedule", cfg.Backup.Schedule), zap.Error(err))
	}

	if err := srv.Start(mux); err != nil {
		zapLogger.Fatal("asynq worker failed to start", zap.Error(err))
	}
	if err := scheduler.Start(); err != nil {
		zapLogger.Fatal("asynq scheduler failed to start", zap.Error(err))
	}
	zapLogger.Info("backup worker started",
		zap.String("schedule", cfg.Backup.Schedule),
		zap.String("entry_id", entryID),
		zap.String("dir", cfg.Backup.Dir))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	zapLogger.Info("shutdown signal received", zap.String("signal", sig.String()))

	scheduler.Shutdown()
	srv.Shutdown()
}
