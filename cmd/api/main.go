package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"domani/internal/auth"
	"domani/internal/config"
	"domani/internal/httpserver"
	"domani/internal/logger"
	"domani/internal/ratelimit"
	"domani/internal/store"
)

// backend is a store implementation with the bootstrap hook.
type backend interface {
	auth.Store
	httpserver.Store
	EnsureAdmin(ctx context.Context, email, passwordHash string, role auth.Role) (bool, error)
}

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	lg := logger.New(cfg.LogLevel)
	defer lg.Sync()

	st, err := openStore(cfg, lg)
	if err != nil {
		lg.Fatalw("store init failed", "driver", cfg.StoreDriver, "error", err)
	}
	seedBootstrapAdmin(st, cfg, lg)

	codec, err := auth.NewCodec(cfg.JWTSecret)
	if err != nil {
		lg.Fatalw("token codec", "error", err)
	}
	svc, err := auth.NewService(st, codec, auth.NewRecorder(st, lg),
		auth.WithLogger(lg),
		auth.WithLockout(cfg.LockoutThreshold, cfg.LockoutWindow),
		auth.WithAccessTTL(cfg.AccessTokenTTL),
		auth.WithRefreshTTL(cfg.RefreshTokenTTL),
		auth.WithRememberMeTTL(cfg.RememberMeRefreshTTL),
		auth.WithThrottle(ratelimit.PerMinute(cfg.LoginRatePerMinute, cfg.LoginRateBurst)),
	)
	if err != nil {
		lg.Fatalw("auth service", "error", err)
	}

	router := httpserver.NewRouter(httpserver.Deps{
		Service:     svc,
		Store:       st,
		Cookies:     auth.Cookies{SecureMode: cfg.CookieSecureMode, TrustProxy: cfg.TrustProxy},
		Logger:      lg,
		TrustProxy:  cfg.TrustProxy,
		CORSOrigins: cfg.CORSAllowedOrigins,
	})
	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           router,
		ReadTimeout:       cfg.HTTPReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		lg.Infow("listening", "addr", srv.Addr, "store", cfg.StoreDriver, "env", cfg.AppEnv)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Fatalw("http server", "error", err)
		}
	}()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Errorw("graceful shutdown failed", "error", err)
	}
	lg.Infow("stopped")
}

func openStore(cfg config.Config, lg *zap.SugaredLogger) (backend, error) {
	if cfg.StoreDriver == "memory" {
		lg.Warnw("using in-memory store; state is lost on restart")
		return store.NewMemory(), nil
	}
	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(db); err != nil {
		return nil, err
	}
	return store.NewGorm(db), nil
}

func seedBootstrapAdmin(st backend, cfg config.Config, lg *zap.SugaredLogger) {
	if cfg.BootstrapAdminEmail == "" {
		return
	}
	hash, err := auth.HashPassword(cfg.BootstrapAdminPassword)
	if err != nil {
		lg.Fatalw("hash bootstrap password", "error", err)
	}
	created, err := st.EnsureAdmin(context.Background(), cfg.BootstrapAdminEmail, hash, auth.RoleSuperAdmin)
	if err != nil {
		lg.Fatalw("seed bootstrap admin", "error", err)
	}
	if created {
		lg.Infow("seeded bootstrap admin", "email", cfg.BootstrapAdminEmail)
	}
}
