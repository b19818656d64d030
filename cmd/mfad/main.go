// Command mfad serves the MFA engine over HTTP. Primary authentication is
// done upstream; the trusted proxy passes the authenticated user in
// X-User-ID.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goMFA "github.com/MrEthical07/goMFA"
	"github.com/MrEthical07/goMFA/memstore"
	"github.com/MrEthical07/goMFA/pgstore"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	dev := flag.Bool("dev", false, "development mode: embedded redis, generated keys, relaxed production checks")
	flag.Parse()

	logger, err := newLogger(*dev)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(logger, *dev); err != nil {
		logger.Fatal("mfad stopped", zap.Error(err))
	}
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(logger *zap.Logger, dev bool) error {
	cfg, err := loadConfig(logger, dev)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	builder := goMFA.New().
		WithConfig(cfg.Engine).
		WithLogger(logger)

	// -------- STORES --------
	if cfg.PGDSN != "" {
		pool, err := pgstore.Connect(ctx, cfg.PGDSN, int32(cfg.PGMaxConns))
		if err != nil {
			return err
		}
		defer pool.Close()

		store := pgstore.New(pool)
		if cfg.PGMigrate {
			if err := store.Migrate(ctx); err != nil {
				return err
			}
		}
		builder.WithConfigStore(store).WithAuditStore(store)
		if cfg.RedisAddr == "" && !dev {
			builder.WithLockoutStore(store)
			go pruneLockouts(ctx, store, cfg.Engine.Lockout.PruneInterval, logger)
		}
		logger.Info("using postgres store")
	} else {
		if !dev {
			logger.Warn("MFA_PG_DSN not set; enrollments and audit chains live in memory")
		}
		store := memstore.New()
		builder.WithConfigStore(store).WithAuditStore(store)
	}

	redisAddr := cfg.RedisAddr
	if redisAddr == "" && dev {
		mr, err := miniredis.Run()
		if err != nil {
			return err
		}
		defer mr.Close()
		redisAddr = mr.Addr()
		logger.Info("using embedded redis", zap.String("addr", redisAddr))
	}
	if redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr, Password: cfg.RedisPass})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		builder.WithRedis(rdb)
	}

	if cfg.AuditSink == "stdout" {
		builder.WithAuditSink(goMFA.NewJSONWriterSink(os.Stdout))
	}

	engine, err := builder.Build()
	if err != nil {
		return err
	}
	defer engine.Close()

	report := engine.SecurityReport()
	for _, w := range report.Warnings {
		logger.Warn("security report", zap.String("warning", w))
	}

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: newRouter(&server{
			engine:     engine,
			logger:     logger,
			adminToken: cfg.AdminToken,
			trustProxy: cfg.TrustProxy,
		}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("mfad listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("mfad shutting down")
	return srv.Shutdown(shutdownCtx)
}

func pruneLockouts(ctx context.Context, store *pgstore.Store, every time.Duration, logger *zap.Logger) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := store.Prune(ctx, now)
			if err != nil {
				logger.Error("lockout prune failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Debug("lockout rows pruned", zap.Int64("rows", n))
			}
		}
	}
}
