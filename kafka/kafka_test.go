package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"mpesa-payment-svc/config"
	"mpesa-payment-svc/models"
	"mpesa-payment-svc/payment"
)

func TestPublisher_Publish(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "payment_events" {
			return fmt.Errorf("expected topic payment_events, got %s", msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "TXN1" {
			return fmt.Errorf("expected key TXN1, got %s", key)
		}
		value, _ := msg.Value.Encode()
		var ev models.PaymentEvent
		if err := json.Unmarshal(value, &ev); err != nil {
			return err
		}
		if ev.EventType != "payment_completed" || ev.Status != models.PaymentStatusCompleted {
			return fmt.Errorf("unexpected event %+v", ev)
		}
		return nil
	})

	p := NewPublisher(producer, "payment_events", zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel)))
	err := p.Publish(context.Background(), models.PaymentEvent{
		EventType:     "payment_completed",
		TransactionID: "TXN1",
		Status:        models.PaymentStatusCompleted,
		Amount:        decimal.NewFromInt(100),
		Currency:      "MZN",
		OccurredAt:    time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	if err := producer.Close(); err != nil {
		t.Errorf("Producer expectations were not met: %v", err)
	}
}

func TestPublisher_SendFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewPublisher(producer, "payment_events", zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel)))
	err := p.Publish(context.Background(), models.PaymentEvent{TransactionID: "TXN1"})
	if !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Errorf("Expected ErrOutOfBrokers, got %v", err)
	}
	producer.Close()
}

type recordingInitiator struct {
	requests []models.InitiatePaymentRequest
	errs     []error
}

func (r *recordingInitiator) Initiate(_ context.Context, req models.InitiatePaymentRequest, _ payment.RequestMeta) (*payment.InitiateResult, error) {
	r.requests = append(r.requests, req)
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &payment.InitiateResult{
		Outcome:     payment.OutcomeCreated,
		Transaction: &models.Transaction{ID: "TXN1"},
	}, nil
}

func commandMessage(t *testing.T, key string, cmd models.PaymentRequestCommand) *sarama.ConsumerMessage {
	t.Helper()
	value, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("Failed to marshal command: %v", err)
	}
	msg := &sarama.ConsumerMessage{Topic: "payment_requests", Value: value}
	if key != "" {
		msg.Key = []byte(key)
	}
	return msg
}

func testPaymentConfig() config.PaymentConfig {
	return config.PaymentConfig{MaxRetries: 3, RetryDelay: time.Millisecond, MaxRetryDelay: 5 * time.Millisecond}
}

func TestHandleMessage_UsesKeyAsIdempotencyKey(t *testing.T) {
	initiator := &recordingInitiator{}
	c := NewCommandConsumer(initiator, testPaymentConfig(), zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel)))

	err := c.HandleMessage(context.Background(), commandMessage(t, "booking-9", models.PaymentRequestCommand{
		EventType: EventPaymentRequested,
		Request:   models.InitiatePaymentRequest{PhoneNumber: "258843330333", Amount: decimal.NewFromInt(50), Reference: "B9"},
	}))
	if err != nil {
		t.Fatalf("HandleMessage returned error: %v", err)
	}
	if len(initiator.requests) != 1 {
		t.Fatalf("Expected 1 initiation, got %d", len(initiator.requests))
	}
	if initiator.requests[0].IdempotencyKey != "booking-9" {
		t.Errorf("Expected idempotency key booking-9, got %s", initiator.requests[0].IdempotencyKey)
	}
}

func TestHandleMessage_SkipsOtherEvents(t *testing.T) {
	initiator := &recordingInitiator{}
	c := NewCommandConsumer(initiator, testPaymentConfig(), zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel)))

	err := c.HandleMessage(context.Background(), commandMessage(t, "k", models.PaymentRequestCommand{EventType: "order_created"}))
	if err != nil {
		t.Fatalf("HandleMessage returned error: %v", err)
	}
	if len(initiator.requests) != 0 {
		t.Errorf("Expected no initiations, got %d", len(initiator.requests))
	}
}

func TestHandleMessage_InvalidJSON(t *testing.T) {
	c := NewCommandConsumer(&recordingInitiator{}, testPaymentConfig(), zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel)))

	err := c.HandleMessage(context.Background(), &sarama.ConsumerMessage{Value: []byte("{")})
	if !errors.Is(err, errBadCommand) {
		t.Errorf("Expected errBadCommand, got %v", err)
	}
}

func TestHandleMessage_RetriesTransientWithKey(t *testing.T) {
	initiator := &recordingInitiator{errs: []error{&payment.Error{Code: payment.CodeStorage, Message: "db down"}}}
	c := NewCommandConsumer(initiator, testPaymentConfig(), zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel)))

	err := c.HandleMessage(context.Background(), commandMessage(t, "booking-10", models.PaymentRequestCommand{EventType: EventPaymentRequested}))
	if err != nil {
		t.Fatalf("HandleMessage returned error: %v", err)
	}
	if len(initiator.requests) != 2 {
		t.Errorf("Expected 2 attempts, got %d", len(initiator.requests))
	}
}

func TestHandleMessage_NoRetryWithoutKey(t *testing.T) {
	initiator := &recordingInitiator{errs: []error{&payment.Error{Code: payment.CodeStorage, Message: "db down"}}}
	c := NewCommandConsumer(initiator, testPaymentConfig(), zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel)))

	err := c.HandleMessage(context.Background(), commandMessage(t, "", models.PaymentRequestCommand{EventType: EventPaymentRequested}))
	if err == nil {
		t.Fatal("Expected error without retry")
	}
	if len(initiator.requests) != 1 {
		t.Errorf("Expected 1 attempt, got %d", len(initiator.requests))
	}
}

func TestHandleMessage_NoRetryOnValidation(t *testing.T) {
	initiator := &recordingInitiator{errs: []error{&payment.Error{Code: payment.CodeValidation, Message: "bad phone"}}}
	c := NewCommandConsumer(initiator, testPaymentConfig(), zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel)))

	err := c.HandleMessage(context.Background(), commandMessage(t, "booking-11", models.PaymentRequestCommand{EventType: EventPaymentRequested}))
	if payment.CodeOf(err) != payment.CodeValidation {
		t.Errorf("Expected VALIDATION_ERROR, got %v", err)
	}
	if len(initiator.requests) != 1 {
		t.Errorf("Expected 1 attempt, got %d", len(initiator.requests))
	}
}

func TestCarriers(t *testing.T) {
	out := make(producerHeaderCarrier, 0)
	out.Set("traceparent", "00-abc-def-01")
	if out.Get("traceparent") != "00-abc-def-01" {
		t.Errorf("Expected header to round trip, got %q", out.Get("traceparent"))
	}

	in := consumerHeaderCarrier{{Key: []byte("traceparent"), Value: []byte("00-abc-def-01")}}
	if in.Get("traceparent") != "00-abc-def-01" || len(in.Keys()) != 1 {
		t.Errorf("Expected consumer carrier to expose header, got %v", in.Keys())
	}
}
