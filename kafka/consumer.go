package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"mpesa-payment-svc/config"
	"mpesa-payment-svc/middleware"
	"mpesa-payment-svc/models"
	"mpesa-payment-svc/payment"
	"mpesa-payment-svc/retry"
)

const EventPaymentRequested = "payment_requested"

var errBadCommand = errors.New("invalid payment command")

type Initiator interface {
	Initiate(ctx context.Context, req models.InitiatePaymentRequest, meta payment.RequestMeta) (*payment.InitiateResult, error)
}

func InitConsumer(cfg config.KafkaConfig, logger *zap.Logger) (sarama.Consumer, error) {
	consumer, err := sarama.NewConsumer(cfg.Brokers, newSaramaConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}

	logger.Info("Kafka consumer initialized", zap.Strings("brokers", cfg.Brokers))
	return consumer, nil
}

// CommandConsumer turns payment_requested commands into initiations. The
// message key doubles as idempotency key, so a redelivered command never
// charges twice.
type CommandConsumer struct {
	initiator Initiator
	retry     retry.Policy
	logger    *zap.Logger
}

func NewCommandConsumer(initiator Initiator, pcfg config.PaymentConfig, logger *zap.Logger) *CommandConsumer {
	return &CommandConsumer{
		initiator: initiator,
		retry: retry.Policy{
			MaxAttempts: pcfg.MaxRetries,
			BaseDelay:   pcfg.RetryDelay,
			MaxDelay:    pcfg.MaxRetryDelay,
			Retryable:   transient,
			OnRetry: func(attempt int, delay time.Duration, err error) {
				logger.Warn("Retrying payment command",
					zap.Int("attempt", attempt),
					zap.Duration("backoff", delay),
					zap.Error(err),
				)
			},
		},
		logger: logger,
	}
}

// Start consumes partition 0 of topic until ctx is cancelled.
func (c *CommandConsumer) Start(ctx context.Context, consumer sarama.Consumer, topic string) error {
	partitionConsumer, err := consumer.ConsumePartition(topic, 0, sarama.OffsetNewest)
	if err != nil {
		return fmt.Errorf("failed to consume partition: %w", err)
	}
	defer partitionConsumer.Close()

	c.logger.Info("Kafka consumer started", zap.String("topic", topic))

	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-partitionConsumer.Messages():
			if !ok {
				return nil
			}
			if err := c.HandleMessage(ctx, message); err != nil {
				c.logger.Error("Failed to handle message",
					zap.Int64("offset", message.Offset),
					zap.Error(err),
				)
			}
		case err, ok := <-partitionConsumer.Errors():
			if !ok {
				return nil
			}
			c.logger.Error("Kafka consumer error", zap.Error(err))
		}
	}
}

func (c *CommandConsumer) HandleMessage(ctx context.Context, message *sarama.ConsumerMessage) error {
	// Extract trace context from Kafka message headers
	ctx = otel.GetTextMapPropagator().Extract(ctx, consumerHeaderCarrier(message.Headers))
	ctx, span := otel.Tracer("payment-service").Start(ctx, "ProcessPaymentCommand")
	defer span.End()

	var cmd models.PaymentRequestCommand
	if err := json.Unmarshal(message.Value, &cmd); err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: %v", errBadCommand, err)
	}
	if cmd.EventType != EventPaymentRequested {
		// Other event types share the topic
		return nil
	}
	span.SetAttributes(attribute.String("event.type", cmd.EventType))

	req := cmd.Request
	if req.IdempotencyKey == "" && len(message.Key) > 0 {
		req.IdempotencyKey = string(message.Key)
	}

	policy := c.retry
	if req.IdempotencyKey == "" {
		// Without a key a retry could submit a second charge
		policy.Retryable = nil
	}

	var result *payment.InitiateResult
	err := policy.Do(ctx, func(ctx context.Context) error {
		var err error
		result, err = c.initiator.Initiate(ctx, req, payment.RequestMeta{})
		return err
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("payment command failed: %w", err)
	}

	span.SetAttributes(
		attribute.String("transaction.id", result.Transaction.ID),
		attribute.String("payment.outcome", string(result.Outcome)),
	)
	c.logger.Info("Payment command processed",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.String("transaction_id", result.Transaction.ID),
		zap.String("outcome", string(result.Outcome)),
	)
	return nil
}

// transient reports failures worth retrying with the same idempotency key.
func transient(err error) bool {
	switch payment.CodeOf(err) {
	case payment.CodeStorage, payment.CodeProviderUnavailable:
		return true
	}
	return false
}

// consumerHeaderCarrier adapts incoming record headers to propagation.TextMapCarrier.
type consumerHeaderCarrier []*sarama.RecordHeader

func (c consumerHeaderCarrier) Get(key string) string {
	for _, h := range c {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c consumerHeaderCarrier) Set(string, string) {}

func (c consumerHeaderCarrier) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = string(h.Key)
	}
	return keys
}
