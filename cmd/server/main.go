package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"semaphore/lessons/internal/config"
	"semaphore/lessons/internal/credential"
	"semaphore/lessons/internal/db"
	lessonsgrpc "semaphore/lessons/internal/grpc"
	internalhttp "semaphore/lessons/internal/http"
	"semaphore/lessons/internal/jobs"
	"semaphore/lessons/internal/lesson"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg)
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var checks []lessonsgrpc.Check
	var repo lesson.Repository
	var directory lesson.Directory

	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("db connection failed", zap.Error(err))
		}
		defer pool.Close()
		if cfg.MigrateOnStart {
			if err := db.Migrate(pool, logger); err != nil {
				logger.Fatal("db migration failed", zap.Error(err))
			}
		}
		store := db.NewStore(pool)
		classes := db.NewClassDirectory(store)
		if cfg.DirectoryFile != "" {
			if err := syncDirectory(ctx, cfg.DirectoryFile, classes, logger); err != nil {
				logger.Fatal("class directory sync failed", zap.Error(err))
			}
		}
		repo = db.NewSessionRepository(store)
		directory = classes
		checks = append(checks, lessonsgrpc.Check{Name: "postgres", Ping: store.Ping})
	} else {
		logger.Warn("DATABASE_URL not set, sessions are kept in memory")
		static := lesson.NewStaticDirectory()
		if cfg.DirectoryFile != "" {
			loaded, err := lesson.LoadDirectoryFile(cfg.DirectoryFile)
			if err != nil {
				logger.Fatal("class directory load failed", zap.Error(err))
			}
			static = loaded
		}
		logger.Info("class directory loaded", zap.Int("classes", len(static.Classes())))
		repo = lesson.NewMemoryRepository()
		directory = static
	}

	var registry credential.Registry = credential.NewMemoryRegistry()
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			cancel()
			logger.Fatal("redis ping failed", zap.Error(err))
		}
		cancel()
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
		registry = credential.NewRedisRegistry(redisClient)
		checks = append(checks, lessonsgrpc.Check{Name: "redis", Ping: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}})
	}

	issuer := credential.NewIssuer(directory, registry, logger, credential.Options{
		TTL:       cfg.CredentialTTL,
		Retention: cfg.SessionMaxDuration,
	})
	lessons := lesson.NewService(repo, directory, issuer, logger, lesson.Options{
		LateAfter:          cfg.LateAfter,
		MaxGrade:           cfg.MaxGrade,
		MaxSessionDuration: cfg.SessionMaxDuration,
	})

	server, err := internalhttp.NewServer(cfg, lessons, logger)
	if err != nil {
		logger.Fatal("server init failed", zap.Error(err))
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	readiness := lessonsgrpc.NewReadiness(logger, cfg.ReadinessInterval, checks...)
	grpcServer, err := lessonsgrpc.NewServer(cfg.ServiceAuthToken, readiness)
	if err != nil {
		logger.Fatal("grpc server init failed", zap.Error(err))
	}
	go readiness.Run(ctx)

	jobs.StartSessionCloseJob(ctx, cfg, lessons, logger)

	go func() {
		logger.Info("lessons http listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	go func() {
		listener, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			logger.Fatal("grpc listen error", zap.Error(err))
		}
		logger.Info("lessons grpc listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(listener); err != nil {
			logger.Fatal("grpc server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", zap.Error(err))
	}
	grpcServer.GracefulStop()
}

func newLogger(cfg config.Config) *zap.Logger {
	zapCfg := zap.NewProductionConfig()
	if cfg.Env == "dev" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	if level, err := zapcore.ParseLevel(cfg.LogLevel); err == nil {
		zapCfg.Level = zap.NewAtomicLevelAt(level)
	}
	logger, err := zapCfg.Build()
	if err != nil {
		return zap.NewExample()
	}
	return logger.With(zap.String("service", "lessons"))
}

// syncDirectory upserts the classes of a directory file into postgres so a
// deployment can be seeded without the upstream academics service.
func syncDirectory(ctx context.Context, path string, classes *db.ClassDirectory, logger *zap.Logger) error {
	static, err := lesson.LoadDirectoryFile(path)
	if err != nil {
		return err
	}
	for _, class := range static.Classes() {
		if err := classes.SaveClass(ctx, class); err != nil {
			return err
		}
	}
	logger.Info("class directory synced", zap.String("file", path), zap.Int("classes", len(static.Classes())))
	return nil
}
