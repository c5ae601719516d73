package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"invoicedesk/internal/servicetoken"
	"invoicedesk/internal/util"
	"invoicedesk/pkg/extraction"
	"invoicedesk/services/dispatcher/internal/app"
	"invoicedesk/services/dispatcher/internal/config"
	"invoicedesk/services/dispatcher/internal/server"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, closeLogs, err := util.InitLogger(cfg.LogLevel, "dispatcher", cfg.LogsDir)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer closeLogs()

	signer, err := servicetoken.NewSigner(servicetoken.SignerOptions{
		Secret: cfg.InternalJWTSecret,
		KeyID:  cfg.InternalJWTKeyID,
		Issuer: "dispatcher-service",
	})
	if err != nil {
		util.Fatal(logger, "failed to init internal signer", "err", err)
	}
	secrets, err := servicetoken.ParseSecrets(cfg.InternalJWTVerifySecrets)
	if err != nil {
		util.Fatal(logger, "failed to parse internal jwt verify secrets", "err", err)
	}
	if secrets == nil {
		secrets = map[string]string{}
	}
	secrets[cfg.InternalJWTKeyID] = cfg.InternalJWTSecret
	verifier, err := servicetoken.NewVerifier(servicetoken.VerifierOptions{
		Secrets:        secrets,
		Audience:       app.DispatcherAudience,
		AllowedIssuers: []string{"invoice-service"},
	})
	if err != nil {
		util.Fatal(logger, "failed to init internal verifier", "err", err)
	}

	notifier, closeNotifier, err := openNotifier(cfg)
	if err != nil {
		util.Fatal(logger, "failed to init extraction notifier", "err", err)
	}
	defer closeNotifier()

	appCore, err := app.New(app.Config{
		InvoiceServiceURL:      cfg.InvoiceServiceURL,
		Signer:                 signer,
		Notifier:               notifier,
		RedisAddr:              cfg.RedisAddr,
		RedisPassword:          cfg.RedisPassword,
		QueueName:              cfg.QueueName,
		QueueGroup:             cfg.QueueGroup,
		QueueConcurrency:       cfg.QueueConcurrency,
		QueueMaxRetries:        cfg.QueueMaxRetries,
		QueueRetryDelaySeconds: cfg.QueueRetryDelaySeconds,
		IncludeFileContent:     cfg.IncludeFileContent,
		MaxContentBytes:        cfg.MaxContentBytes,
		Logger:                 logger,
	})
	if err != nil {
		util.Fatal(logger, "failed to init app", "err", err)
	}

	httpServer, err := server.New(server.Config{App: appCore, InternalVerifier: verifier})
	if err != nil {
		util.Fatal(logger, "failed to init server", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	appCore.Start(ctx)
	go func() {
		logger.Info("dispatcher server listening", "addr", addr, "concurrency", cfg.QueueConcurrency)
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
	if err := appCore.Close(); err != nil {
		logger.Error("close queue", "err", err)
	}
	logger.Info("dispatcher server stopped")
}

func openNotifier(cfg config.FileConfig) (extraction.Notifier, func(), error) {
	if cfg.AMQPURL != "" {
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
	}
	n, err := extraction.NewWebhookNotifier(cfg.WebhookURL, cfg.WebhookSecret, nil)
	if err != nil {
		return nil, nil, err
	}
	return n, func() {}, nil
}
