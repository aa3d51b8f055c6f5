package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"mpesa-payment-svc/cache"
	"mpesa-payment-svc/config"
	"mpesa-payment-svc/credentials"
	"mpesa-payment-svc/database"
	"mpesa-payment-svc/handlers"
	"mpesa-payment-svc/kafka"
	"mpesa-payment-svc/middleware"
	"mpesa-payment-svc/mpesa"
	"mpesa-payment-svc/payment"
	"mpesa-payment-svc/reference"
	"mpesa-payment-svc/store"
)

type app struct {
	db       *sql.DB
	deps     payment.Dependencies
	webhooks *store.WebhookStore
	closers  []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// buildApp wires storage, cache, events and the provider client. Redis and
// Kafka are optional: when they cannot be reached the service runs without them.
func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{}

	db, err := database.InitDB(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, func() { db.Close() })

	if err := database.Migrate(ctx, db, logger); err != nil {
		a.close()
		return nil, err
	}

	if err := cfg.ValidateProvider(); err != nil {
		logger.Warn("Provider configuration incomplete, initiations will fail", zap.Error(err))
	}

	tokens, err := credentials.NewEncrypter(cfg.MPesa.APIKey, cfg.MPesa.PublicKey, cfg.MPesa.IsProduction(), logger)
	if err != nil {
		a.close()
		return nil, err
	}

	ids, err := reference.NewGenerator(cfg.NodeID)
	if err != nil {
		a.close()
		return nil, err
	}

	a.webhooks = store.NewWebhookStore(db, logger)
	a.deps = payment.Dependencies{
		Store:   store.NewTransactionStore(db, logger),
		Audit:   store.NewAuditStore(db, logger),
		Gateway: mpesa.NewClient(cfg.MPesa, cfg.Payment, tokens, logger),
		IDs:     ids,
	}

	if cfg.Redis.Enabled {
		rdb, err := cache.InitRedis(cfg.Redis, logger)
		if err != nil {
			logger.Warn("Redis unavailable, status cache disabled", zap.Error(err))
		} else {
			a.closers = append(a.closers, func() { rdb.Close() })
			a.deps.Cache = cache.NewStatusCache(rdb, cfg.Redis.StatusTTL, logger)
		}
	}

	if cfg.Kafka.Enabled {
		producer, err := kafka.InitProducer(cfg.Kafka, logger)
		if err != nil {
			logger.Warn("Kafka unavailable, payment events disabled", zap.Error(err))
		} else {
			a.closers = append(a.closers, func() { producer.Close() })
			a.deps.Publisher = kafka.NewPublisher(producer, cfg.Kafka.EventsTopic, logger)
		}
	}

	return a, nil
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := middleware.InitTracing(cfg.Tracing)
	if err != nil {
		return err
	}
	defer shutdown()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	svc := payment.NewService(cfg, a.deps, logger)
	reconciler := payment.NewReconciler(cfg.Callback, a.deps, a.webhooks, logger)
	sweeper := payment.NewSweeper(cfg.Payment.SweepBatchSize, a.deps, logger)

	go sweeper.Run(ctx, cfg.Payment.SweepInterval)

	if cfg.Kafka.Enabled {
		consumer, err := kafka.InitConsumer(cfg.Kafka, logger)
		if err != nil {
			logger.Warn("Kafka consumer unavailable, payment commands disabled", zap.Error(err))
		} else {
			defer consumer.Close()
			commands := kafka.NewCommandConsumer(svc, cfg.Payment, logger)
			go func() {
				if err := commands.Start(ctx, consumer, cfg.Kafka.RequestsTopic); err != nil {
					logger.Error("Kafka consumer error", zap.Error(err))
				}
			}()
		}
	}

	router := newRouter(cfg, a.db, handlers.NewPaymentHandler(svc, reconciler, logger), logger)
	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.Info("Payment Service started", zap.String("addr", cfg.Server.Addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	logger.Info("Server exited")
	return nil
}

func newRouter(cfg *config.Config, db *sql.DB, h *handlers.PaymentHandler, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.Tracing.ServiceName))
	router.Use(middleware.LoggerMiddleware(logger))
	router.Use(middleware.MetricsMiddleware())

	router.GET("/health", handlers.HealthCheck(db))
	router.GET("/metrics", middleware.PrometheusHandler())

	auth := middleware.JWTAuth(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	api := router.Group("/api/v1/payments")
	{
		api.POST("/initiate", auth, h.Initiate)
		api.POST("/callback", h.Callback)
		api.GET("/status/:transaction_id", auth, h.Status)
	}
	return router
}

func sweepOnce(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	n, err := payment.NewSweeper(cfg.Payment.SweepBatchSize, a.deps, logger).Sweep(ctx)
	if err != nil {
		return err
	}
	logger.Info("Sweep finished", zap.Int("expired", n))
	return nil
}
