package payment

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"mpesa-payment-svc/middleware"
	"mpesa-payment-svc/models"
	"mpesa-payment-svc/mpesa"
	"mpesa-payment-svc/redact"
)

const (
	EventPaymentCompleted = "payment_completed"
	EventPaymentFailed    = "payment_failed"
	EventPaymentExpired   = "payment_expired"
)

var initiateMessages = map[Outcome]string{
	OutcomeCreated:   "Payment request sent. Please confirm on your phone.",
	OutcomeReplayed:  "Existing payment request returned.",
	OutcomeRejected:  "Payment request was rejected by the provider.",
	OutcomeAmbiguous: "Payment request submitted, awaiting confirmation from the provider.",
}

// InitiateResponse builds the caller-facing body for an initiation outcome.
func InitiateResponse(r *InitiateResult) models.InitiatePaymentResponse {
	tx := r.Transaction
	msg := initiateMessages[r.Outcome]
	if r.Outcome == OutcomeRejected && tx.ProviderResponseDesc != nil {
		msg = *tx.ProviderResponseDesc
	}
	return models.InitiatePaymentResponse{
		Success:               r.Outcome != OutcomeRejected,
		TransactionID:         tx.ID,
		ConversationID:        tx.ConversationID,
		ProviderTransactionID: tx.ProviderTransactionID,
		ThirdPartyReference:   tx.CorrelationToken,
		Status:                tx.Status,
		Message:               msg,
		PhoneNumber:           redact.Phone(tx.PhoneNumber),
		Amount:                tx.Amount,
		Reference:             tx.Reference,
		Currency:              tx.Currency,
		ResponseCode:          tx.ProviderResponseCode,
		ResponseDescription:   tx.ProviderResponseDesc,
		Replayed:              r.Outcome == OutcomeReplayed,
		CreatedAt:             tx.CreatedAt,
		ExpiresAt:             tx.ExpiresAt,
	}
}

// StatusProjection is the read model returned by status lookups.
func StatusProjection(tx *models.Transaction) *models.PaymentStatusResponse {
	return &models.PaymentStatusResponse{
		TransactionID:         tx.ID,
		ConversationID:        tx.ConversationID,
		ThirdPartyReference:   tx.CorrelationToken,
		ProviderTransactionID: tx.ProviderTransactionID,
		Status:                tx.Status,
		StatusDescription:     tx.Status.Description(),
		Amount:                tx.Amount,
		Currency:              tx.Currency,
		Fees:                  tx.Fees,
		NetAmount:             tx.NetAmount,
		PhoneNumber:           redact.Phone(tx.PhoneNumber),
		Reference:             tx.Reference,
		Description:           tx.Description,
		EntityType:            tx.EntityType,
		EntityID:              tx.EntityID,
		Provider:              models.ProviderMPesaMozambique,
		ProviderResponseCode:  tx.ProviderResponseCode,
		ProviderResponseDesc:  tx.ProviderResponseDesc,
		CreatedAt:             tx.CreatedAt,
		UpdatedAt:             tx.UpdatedAt,
		CompletedAt:           tx.CompletedAt,
	}
}

func newEvent(tx *models.Transaction, eventType, reason string, at time.Time) models.PaymentEvent {
	ev := models.PaymentEvent{
		EventType:     eventType,
		TransactionID: tx.ID,
		Status:        tx.Status,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		Reference:     tx.Reference,
		EntityType:    tx.EntityType,
		EntityID:      tx.EntityID,
		Reason:        reason,
		OccurredAt:    at,
	}
	if tx.ProviderTransactionID != nil {
		ev.ProviderTransactionID = *tx.ProviderTransactionID
	}
	return ev
}

// publishTerminal runs after a terminal transition has committed. Failures
// are logged only; the row is already the source of truth.
func publishTerminal(ctx context.Context, events EventPublisher, cache StatusCache, logger *zap.Logger, tx *models.Transaction, eventType, reason string) {
	middleware.RecordPaymentProcessed(string(tx.Status))
	cache.Set(ctx, StatusProjection(tx))
	if err := events.Publish(ctx, newEvent(tx, eventType, reason, time.Now().UTC())); err != nil {
		logger.Error("Failed to publish payment event",
			zap.String("transaction_id", tx.ID),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
	}
}

func recordAudit(ctx context.Context, audit AuditLog, logger *zap.Logger, entry models.AuditLogEntry) {
	if err := audit.Record(ctx, entry); err != nil {
		logger.Warn("Failed to write audit log",
			zap.String("action", string(entry.Action)),
			zap.Error(err),
		)
	}
}

func exchangeAudit(action models.AuditAction, txID, description string, ex mpesa.Exchange, meta RequestMeta) models.AuditLogEntry {
	entry := models.AuditLogEntry{
		Action:        action,
		TransactionID: &txID,
		Description:   description,
		RequestURL:    ex.URL,
		RequestMethod: "POST",
		RequestBody:   ex.RequestBody,
		ResponseBody:  rawJSON(ex.ResponseBody),
		IPAddress:     meta.IPAddress,
	}
	if ex.HTTPStatus != 0 {
		status := ex.HTTPStatus
		entry.ResponseStatusCode = &status
	}
	if ex.Elapsed > 0 {
		ms := ex.Elapsed.Milliseconds()
		entry.ResponseTimeMs = &ms
	}
	return entry
}

// rawJSON keeps b only if it is valid JSON so it can go into a JSONB column.
func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 || !json.Valid(b) {
		return nil
	}
	return redact.Payload(b)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
