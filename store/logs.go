package store

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"mpesa-payment-svc/models"
)

// AuditStore is append-only.
type AuditStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewAuditStore(db *sql.DB, logger *zap.Logger) *AuditStore {
	return &AuditStore{db: db, logger: logger}
}

func (s *AuditStore) Record(ctx context.Context, e models.AuditLogEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payment_audit_logs (
			transaction_id, action, description, request_url, request_method,
			request_body, response_body, response_status_code, response_time_ms,
			error_type, error_message, ip_address
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.TransactionID, e.Action, e.Description, e.RequestURL, e.RequestMethod,
		jsonArg(e.RequestBody), jsonArg(e.ResponseBody), e.ResponseStatusCode, e.ResponseTimeMs,
		e.ErrorType, e.ErrorMessage, e.IPAddress,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

type WebhookStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewWebhookStore(db *sql.DB, logger *zap.Logger) *WebhookStore {
	return &WebhookStore{db: db, logger: logger}
}

// Record commits the raw delivery on its own, before any matching happens.
func (s *WebhookStore) Record(ctx context.Context, e models.WebhookLogEntry) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO payment_webhook_logs (
			provider, webhook_type, request_headers, request_body, raw_body,
			ip_address, outcome, received_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		e.Provider, e.WebhookType, jsonArg(e.RequestHeaders), jsonArg(e.RequestBody), e.RawBody,
		e.IPAddress, models.WebhookReceived, e.ReceivedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert webhook log: %w", err)
	}
	return id, nil
}

// Mark sets the processing outcome outside of a callback transaction.
func (s *WebhookStore) Mark(ctx context.Context, id int64, outcome models.WebhookOutcome, transactionID *string, processingError string) error {
	return markWebhook(ctx, s.db, id, outcome, transactionID, processingError)
}

func markWebhook(ctx context.Context, db execer, id int64, outcome models.WebhookOutcome, transactionID *string, processingError string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE payment_webhook_logs SET
			outcome = $2,
			transaction_id = COALESCE($3, transaction_id),
			processing_error = $4,
			processed_at = NOW()
		WHERE id = $1`,
		id, outcome, transactionID, processingError,
	)
	if err != nil {
		return fmt.Errorf("failed to update webhook log: %w", err)
	}
	return nil
}
