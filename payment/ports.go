package payment

import (
	"context"
	"time"

	"mpesa-payment-svc/models"
	"mpesa-payment-svc/mpesa"
	"mpesa-payment-svc/store"
)

type TransactionStore interface {
	Create(ctx context.Context, tx *models.Transaction) (*models.Transaction, bool, error)
	Get(ctx context.Context, id string) (*models.Transaction, error)
	ClaimSubmission(ctx context.Context, id string) (bool, error)
	ReleaseSubmission(ctx context.Context, id string) error
	RecordSubmission(ctx context.Context, id string, sub store.Submission) (bool, error)
	Transition(ctx context.Context, id string, rej store.Rejection) (*models.Transaction, bool, error)
	ExpirePending(ctx context.Context, now time.Time, limit int) ([]models.Transaction, error)
	InCallbackTx(ctx context.Context, fn func(store.CallbackTx) error) error
}

type AuditLog interface {
	Record(ctx context.Context, entry models.AuditLogEntry) error
}

type WebhookLog interface {
	Record(ctx context.Context, entry models.WebhookLogEntry) (int64, error)
	Mark(ctx context.Context, id int64, outcome models.WebhookOutcome, transactionID *string, processingError string) error
}

type Gateway interface {
	Submit(ctx context.Context, req mpesa.SubmitRequest) (mpesa.SyncResult, error)
}

type IDGenerator interface {
	TransactionID() string
	CorrelationToken() string
}

// EventPublisher receives terminal outcomes after they are committed.
type EventPublisher interface {
	Publish(ctx context.Context, event models.PaymentEvent) error
}

// StatusCache holds projections of terminal transactions only.
type StatusCache interface {
	Get(ctx context.Context, transactionID string) (*models.PaymentStatusResponse, bool)
	Set(ctx context.Context, status *models.PaymentStatusResponse)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, models.PaymentEvent) error { return nil }

type nopCache struct{}

func (nopCache) Get(context.Context, string) (*models.PaymentStatusResponse, bool) { return nil, false }
func (nopCache) Set(context.Context, *models.PaymentStatusResponse)               {}
