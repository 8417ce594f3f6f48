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

	"google.golang.org/grpc"

	"github.com/ogurasousui/staff-provisioning/internal/adapters/grpc/interceptor"
	"github.com/ogurasousui/staff-provisioning/internal/adapters/idp/keycloak"
	"github.com/ogurasousui/staff-provisioning/internal/adapters/mail"
	"github.com/ogurasousui/staff-provisioning/internal/adapters/messaging/rabbitmq"
	"github.com/ogurasousui/staff-provisioning/internal/adapters/repository/postgres"
	"github.com/ogurasousui/staff-provisioning/internal/adapters/verification"
	"github.com/ogurasousui/staff-provisioning/internal/core/user"
	"github.com/ogurasousui/staff-provisioning/internal/platform/config"
	pg "github.com/ogurasousui/staff-provisioning/internal/platform/db/postgres"
	"github.com/ogurasousui/staff-provisioning/internal/platform/logging"
	"github.com/ogurasousui/staff-provisioning/internal/platform/metrics"
	"github.com/ogurasousui/staff-provisioning/internal/platform/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "assets/local.yaml"
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := logging.New(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	m := metrics.New()

	dbPool, err := pg.NewPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer dbPool.Close()

	idpClient := keycloak.NewClient(keycloak.Config{
		BaseURL:           cfg.IdentityProvider.BaseURL,
		Realm:             cfg.IdentityProvider.Realm,
		AdminRealm:        cfg.IdentityProvider.AdminRealm,
		AdminClientID:     cfg.IdentityProvider.AdminClientID,
		AdminUsername:     cfg.IdentityProvider.AdminUsername,
		AdminPassword:     cfg.IdentityProvider.AdminPassword,
		TemporaryPassword: cfg.IdentityProvider.TemporaryPassword,
		Timeout:           cfg.IdentityProvider.Timeout,
		MaxRetries:        cfg.IdentityProvider.MaxRetries,
		RetryBackoff:      cfg.IdentityProvider.RetryBackoff,
		RequestsPerSecond: cfg.IdentityProvider.RequestsPerSecond,
		Burst:             cfg.IdentityProvider.Burst,
	}, keycloak.WithObserver(m), keycloak.WithLogger(logger))

	var tokens user.AdminTokenProvider = idpClient
	if cfg.IdentityProvider.CacheAdminToken {
		tokens = keycloak.NewCachingTokenProvider(idpClient)
	}

	dispatcher, closeDispatcher, err := newDispatcher(cfg.RabbitMQ, logger)
	if err != nil {
		return err
	}
	defer closeDispatcher()

	renderer, err := mail.NewRenderer(cfg.Mail.DefaultLocale)
	if err != nil {
		return err
	}

	userSvc := user.NewService(user.Dependencies{
		Repo:             postgres.NewUserRepository(dbPool),
		Tx:               pg.NewTransactionManager(dbPool),
		Tokens:           tokens,
		IdentityProvider: idpClient,
		Verification: verification.NewClient(verification.Config{
			BaseURL: cfg.Verification.BaseURL,
			APIKey:  cfg.Verification.APIKey,
			Timeout: cfg.Verification.Timeout,
		}, nil),
		Notifier: mail.NewMailer(renderer, dispatcher, cfg.Mail.From),
		Recorder: m,
		Logger:   logger,
	}, user.Config{
		DefaultClientAlias:  cfg.Provisioning.DefaultClientAlias,
		DefaultRoleName:     cfg.Provisioning.DefaultRoleName,
		VerifyLinkBase:      cfg.Verification.LinkBase,
		CompensationTimeout: cfg.Provisioning.CompensationTimeout,
	})

	auth, err := interceptor.NewAuthenticator(cfg.Auth)
	if err != nil {
		return err
	}
	grpcLogger := logging.Named(logger, "grpc")
	grpcServer := server.New(cfg.Server.ListenAddr, userSvc, grpc.ChainUnaryInterceptor(
		interceptor.Recovery(grpcLogger),
		interceptor.RequestLogging(grpcLogger),
		interceptor.Metrics(m),
		auth.Unary(),
	))

	if cfg.Metrics.ListenAddr != "" {
		stopMetrics := serveMetrics(ctx, cfg.Metrics, m, logger)
		defer stopMetrics()
	}

	logger.Info("gRPC server listening", "addr", cfg.Server.ListenAddr)
	return grpcServer.Run(ctx)
}

// newDispatcher は RabbitMQ が設定されていればキュー配送を、未設定ならログ出力のみの配送を返します。
func newDispatcher(cfg config.RabbitMQConfig, logger *slog.Logger) (mail.Dispatcher, func(), error) {
	if cfg.URL == "" {
		logger.Warn("rabbitmq.url is empty, mail will only be logged")
		return mail.NewLogDispatcher(logging.Named(logger, "mail")), func() {}, nil
	}

	publisher, err := rabbitmq.Dial(cfg.URL, cfg.Queue)
	if err != nil {
		return nil, nil, err
	}
	return mail.NewQueueDispatcher(publisher), func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("failed to close rabbitmq publisher", "error", err)
		}
	}, nil
}

func serveMetrics(ctx context.Context, cfg config.MetricsConfig, m *metrics.Metrics, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, m.Handler())
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics endpoint listening", "addr", cfg.ListenAddr, "path", cfg.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}
