package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"invoicedesk/internal/ratelimit"
	"invoicedesk/internal/servicetoken"
	"invoicedesk/internal/usertoken"
	"invoicedesk/internal/util"
	"invoicedesk/pkg/extraction"
	"invoicedesk/pkg/storage"
	"invoicedesk/pkg/store"
	"invoicedesk/services/invoice/internal/app"
	"invoicedesk/services/invoice/internal/config"
	"invoicedesk/services/invoice/internal/server"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, closeLogs, err := util.InitLogger(cfg.LogLevel, "invoice", cfg.LogsDir)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer closeLogs()

	db, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		util.Fatal(logger, "failed to open database", "err", err)
	}

	objects, err := openObjectStore(cfg)
	if err != nil {
		util.Fatal(logger, "failed to init object storage", "backend", cfg.StorageBackend, "err", err)
	}

	appCfg := app.Config{
		Store:              db,
		Objects:            objects,
		StoragePrefix:      cfg.StoragePrefix,
		PageSize:           cfg.PageSize,
		IncludeFileContent: cfg.IncludeFileContent,
		MaxContentBytes:    cfg.MaxContentBytes,
		CallbackURL:        cfg.CallbackURL,
		Logger:             logger,
	}
	var internalSecrets map[string]string
	if cfg.InternalJWTSecret != "" {
		internalSecrets, err = servicetoken.ParseSecrets(cfg.InternalJWTVerifySecrets)
		if err != nil {
			util.Fatal(logger, "failed to parse internal jwt verify secrets", "err", err)
		}
		if internalSecrets == nil {
			internalSecrets = map[string]string{}
		}
		internalSecrets[cfg.InternalJWTKeyID] = cfg.InternalJWTSecret
	}
	if cfg.DispatcherURL != "" {
		signer, err := servicetoken.NewSigner(servicetoken.SignerOptions{
			Secret: cfg.InternalJWTSecret,
			KeyID:  cfg.InternalJWTKeyID,
			Issuer: "invoice-service",
		})
		if err != nil {
			util.Fatal(logger, "failed to init internal signer", "err", err)
		}
		appCfg.Dispatcher, err = app.NewDispatchClient(cfg.DispatcherURL, signer)
		if err != nil {
			util.Fatal(logger, "failed to init dispatcher client", "err", err)
		}
	} else {
		notifier, closeNotifier, err := openNotifier(cfg)
		if err != nil {
			util.Fatal(logger, "failed to init extraction notifier", "err", err)
		}
		defer closeNotifier()
		appCfg.Notifier = notifier
	}

	appCore, err := app.New(appCfg)
	if err != nil {
		util.Fatal(logger, "failed to init app", "err", err)
	}

	srvCfg := server.Config{
		App:            appCore,
		RequireAuth:    cfg.RequireAuth,
		WebhookSecret:  cfg.WebhookSecret,
		CORSOrigins:    cfg.CORSOrigins,
		MaxUploadBytes: cfg.MaxUploadBytes,
	}
	if cfg.UserJWTSecret != "" || cfg.UserJWKSURL != "" {
		leeway, _ := config.ParseJWTLeeway(cfg.JWTLeeway)
		srvCfg.TokenVerifier, err = usertoken.NewVerifier(usertoken.Config{
			Secret:     cfg.UserJWTSecret,
			JWKSURL:    cfg.UserJWKSURL,
			Issuer:     cfg.UserJWTIssuer,
			Audience:   cfg.UserJWTAudience,
			Leeway:     leeway,
			HTTPClient: &http.Client{Timeout: 5 * time.Second},
		})
		if err != nil {
			util.Fatal(logger, "failed to init user token verifier", "err", err)
		}
	}
	if len(internalSecrets) > 0 {
		srvCfg.InternalVerifier, err = servicetoken.NewVerifier(servicetoken.VerifierOptions{
			Secrets:        internalSecrets,
			Audience:       "invoice",
			AllowedIssuers: []string{"dispatcher-service"},
		})
		if err != nil {
			util.Fatal(logger, "failed to init internal verifier", "err", err)
		}
	}
	srvCfg.TrustedProxies, err = util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		util.Fatal(logger, "invalid trustedProxies", "err", err)
	}
	if cfg.RedisAddr != "" {
		srvCfg.UploadLimiter = openLimiter(logger, cfg, "upload", cfg.UploadRateLimit)
		srvCfg.WebhookLimiter = openLimiter(logger, cfg, "webhook", cfg.WebhookRateLimit)
	}

	httpServer, err := server.New(srvCfg)
	if err != nil {
		util.Fatal(logger, "failed to init server", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		logger.Info("invoice server listening", "addr", addr, "storage", cfg.StorageBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
			stop()
		}
	}()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
	appCore.Wait()
	if sqlDB, err := db.DB().DB(); err == nil {
		_ = sqlDB.Close()
	}
	slog.Info("invoice server stopped")
}

func openObjectStore(cfg config.FileConfig) (storage.ObjectStore, error) {
	if cfg.StorageBackend == "supabase" {
		return storage.NewSupabaseStore(storage.SupabaseConfig{
			URL:        cfg.SupabaseURL,
			ServiceKey: cfg.SupabaseServiceKey,
			Bucket:     cfg.SupabaseBucket,
		})
	}
	return storage.NewMinioStore(storage.MinioConfig{
		Endpoint:      cfg.MinioEndpoint,
		AccessKey:     cfg.MinioAccessKey,
		SecretKey:     cfg.MinioSecretKey,
		Bucket:        cfg.MinioBucket,
		UseSSL:        cfg.MinioUseSSL,
		PublicBaseURL: cfg.StoragePublicBaseURL,
	})
}

func openNotifier(cfg config.FileConfig) (extraction.Notifier, func(), error) {
	switch {
	case cfg.AMQPURL != "":
		n, err := extraction.NewAMQPNotifier(extraction.AMQPConfig{
			URL:        cfg.AMQPURL,
			Exchange:   cfg.AMQPExchange,
			RoutingKey: cfg.AMQPRoutingKey,
			Secret:     cfg.WebhookSecret,
		})
		if err != nil {
			return nil, nil, err
		}
		return n, func() { _ = n.Close() }, nil
	case cfg.WebhookURL != "":
		n, err := extraction.NewWebhookNotifier(cfg.WebhookURL, cfg.WebhookSecret, nil)
		if err != nil {
			return nil, nil, err
		}
		return n, func() {}, nil
	default:
		slog.Warn("no extraction transport configured; uploads will not be processed")
		return extraction.NopNotifier{}, func() {}, nil
	}
}

func openLimiter(logger *slog.Logger, cfg config.FileConfig, scope string, limit int) server.Limiter {
	if limit <= 0 {
		return nil
	}
	l, err := ratelimit.NewFixedWindowLimiter(ratelimit.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Prefix:   "invoicedesk:ratelimit:" + scope,
		Limit:    limit,
		Window:   cfg.RateLimitWindow(),
	})
	if err != nil {
		util.Fatal(logger, "failed to init rate limiter", "scope", scope, "err", err)
	}
	return l
}
