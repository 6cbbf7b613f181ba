package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"despacho/api/internal/accounts"
	"despacho/api/internal/app"
	"despacho/api/internal/config"
	"despacho/api/internal/docstore"
	"despacho/api/internal/email"
	"despacho/api/internal/limiter"
	"despacho/api/internal/logger"
	"despacho/api/internal/notify"
	"despacho/api/internal/search"
	"despacho/api/internal/session"
	"despacho/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	zlog, err := logger.New(cfg.Env)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer zlog.Sync()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		zlog.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		zlog.Fatal("migrations failed", zap.Error(err))
	}

	dataStore := store.NewPostgresStore(db)

	// Expired refresh sessions and revoked-token rows are only dead
	// weight; sweep them in the background.
	purgeDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				purgeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				if err := dataStore.PurgeExpiredAuth(purgeCtx); err != nil {
					zlog.Warn("auth purge failed", zap.Error(err))
				}
				cancel()
			case <-purgeDone:
				return
			}
		}
	}()

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, zlog)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts, zlog)
	searchService.ReindexAllFromPG(ctx)

	var docs *docstore.Store
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		docs, err = docstore.New(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			zlog.Fatal("object store init failed", zap.Error(err))
		}
		bucketCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := docs.EnsureBucket(bucketCtx); err != nil {
			zlog.Warn("object store unreachable, document uploads disabled", zap.Error(err))
			docs = nil
		}
		cancel()
	}

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	dispatcher := notify.NewDispatcher(mailer, dataStore, zlog)
	defer dispatcher.Close()

	var sessions interface {
		SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
		LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
		DeleteRefreshSession(ctx context.Context, tokenHash string) error
	}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		zlog.Info("using redis for refresh token storage")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			zlog.Fatal("redis connection failed", zap.Error(err))
		}
		defer redisStore.Close()
		sessions = redisStore
	} else {
		zlog.Info("using postgresql for refresh token storage")
		sessions = session.NewPGStore(dataStore)
	}

	accountsSvc := accounts.NewService(dataStore)
	loginLimiter := limiter.NewPG(db, cfg.LoginWindow, cfg.LoginMaxFails, cfg.LoginBlockFor)

	var service *app.Service
	if docs != nil {
		service = app.New(cfg, dataStore, sessions, accountsSvc, loginLimiter, searchService, docs, dispatcher, zlog)
	} else {
		service = app.New(cfg, dataStore, sessions, accountsSvc, loginLimiter, searchService, nil, dispatcher, zlog)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, zlog)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		zlog.Info("despacho api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	close(purgeDone)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Warn("shutdown error", zap.Error(err))
	}
}
