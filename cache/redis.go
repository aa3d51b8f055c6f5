package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mpesa-payment-svc/config"
	"mpesa-payment-svc/models"
)

const statusKeyPrefix = "payment_status:"

func InitRedis(cfg config.RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis connection established", zap.String("addr", cfg.Addr()))
	return rdb, nil
}

func statusKey(transactionID string) string {
	return statusKeyPrefix + transactionID
}

// StatusCache keeps projections of terminal transactions. A terminal row never
// changes again, so entries need no invalidation. Redis errors degrade to a
// miss; the database stays authoritative.
type StatusCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewStatusCache(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *StatusCache {
	return &StatusCache{rdb: rdb, ttl: ttl, logger: logger}
}

func (c *StatusCache) Get(ctx context.Context, transactionID string) (*models.PaymentStatusResponse, bool) {
	data, err := c.rdb.Get(ctx, statusKey(transactionID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("Status cache read failed", zap.String("transaction_id", transactionID), zap.Error(err))
		}
		return nil, false
	}

	var status models.PaymentStatusResponse
	if err := json.Unmarshal(data, &status); err != nil {
		c.logger.Warn("Discarding unreadable cache entry", zap.String("transaction_id", transactionID), zap.Error(err))
		return nil, false
	}
	if !status.Status.IsTerminal() {
		return nil, false
	}
	return &status, true
}

func (c *StatusCache) Set(ctx context.Context, status *models.PaymentStatusResponse) {
	if status == nil || !status.Status.IsTerminal() {
		return
	}
	data, err := json.Marshal(status)
	if err != nil {
		c.logger.Warn("Failed to encode status for cache", zap.Error(err))
		return
	}
	if err := c.rdb.Set(ctx, statusKey(status.TransactionID), data, c.ttl).Err(); err != nil {
		c.logger.Warn("Status cache write failed", zap.String("transaction_id", status.TransactionID), zap.Error(err))
	}
}
