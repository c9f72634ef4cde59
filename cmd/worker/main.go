package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/noah-isme/payorder/internal/audit"
	"github.com/noah-isme/payorder/internal/config"
	"github.com/noah-isme/payorder/internal/gateway"
	"github.com/noah-isme/payorder/internal/hooks"
	"github.com/noah-isme/payorder/internal/obs"
	"github.com/noah-isme/payorder/internal/order"
)

// The worker consumes delayed reconciliation tasks: each payment order gets a
// sync task at creation, and asynq's retry backoff keeps polling the provider
// until the order settles or retries run out.
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Str("component", "worker").Logger()

	obs.MustRegisterDomainMetrics(envOrDefault("OBS_METRICS_NAMESPACE", "payorder"), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "payorder-worker"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}

	gatewayClient, err := gateway.NewWechatPay(gateway.Config{
		AppID:            cfg.WechatAppID,
		MchID:            cfg.WechatMchID,
		MchSerialNo:      cfg.WechatMchSerialNo,
		PrivateKeyPEM:    cfg.WechatPrivateKeyPEM,
		APIv3Key:         cfg.WechatAPIv3Key,
		PlatformSerialNo: cfg.WechatPlatformSerial,
		PlatformCertPEM:  cfg.WechatPlatformCert,
		BaseURL:          cfg.WechatBaseURL,
		Timeout:          cfg.GatewayTimeout,
		Logger:           logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise payment gateway")
	}

	store := order.PGStore{Pool: pool}
	auditSvc := audit.Service{Pool: pool, Logger: logger}
	registry := hooks.NewRegistry(logger)
	registry.Register("audit-trail", auditSvc.PaymentSucceededHook())
	registry.Register("audit-log", func(_ context.Context, ev hooks.PaymentSucceeded) error {
		logger.Info().
			Str("order_id", ev.OrderID.String()).
			Str("transaction_id", ev.TransactionID).
			Int64("amount", ev.Amount).
			Msg("payment succeeded")
		return nil
	})
	settler := order.Settler{Store: store, Hooks: registry, Logger: logger}
	poller := order.Poller{Store: store, Gateway: gatewayClient, Settler: settler, Logger: logger}

	asynqOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url for task queue")
	}
	srv := asynq.NewServer(asynqOpt, asynq.Config{
		Concurrency: 10,
		Logger:      asynqLogger{logger: logger},
		Queues:      map[string]int{"default": 1},
	})

	mux := asynq.NewServeMux()
	mux.Handle(order.TypeOrderSync, order.SyncTaskHandler{Poller: poller, Logger: logger})

	logger.Info().Msg("worker starting")
	if err := srv.Run(mux); err != nil {
		logger.Fatal().Err(err).Msg("worker exited unexpectedly")
	}
}

// asynqLogger adapts zerolog to asynq's logging interface.
type asynqLogger struct {
	logger zerolog.Logger
}

func (l asynqLogger) Debug(args ...interface{}) { l.logger.Debug().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...interface{})  { l.logger.Info().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...interface{})  { l.logger.Warn().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...interface{}) { l.logger.Error().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...interface{}) { l.logger.Fatal().Msg(fmt.Sprint(args...)) }

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}
