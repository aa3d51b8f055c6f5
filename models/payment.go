package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusCompleted  PaymentStatus = "completed"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusCancelled  PaymentStatus = "cancelled"
	PaymentStatusExpired    PaymentStatus = "expired"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusCancelled, PaymentStatusExpired:
		return true
	}
	return false
}

func (s PaymentStatus) Description() string {
	switch s {
	case PaymentStatusPending:
		return "Waiting for customer to enter M-Pesa PIN"
	case PaymentStatusProcessing:
		return "Payment is being processed"
	case PaymentStatusCompleted:
		return "Payment completed successfully"
	case PaymentStatusFailed:
		return "Payment failed"
	case PaymentStatusCancelled:
		return "Payment was cancelled"
	case PaymentStatusExpired:
		return "Payment request expired"
	}
	return string(s)
}

const ProviderMPesaMozambique = "mpesa_mozambique"

// Transaction is one logical C2B charge. Amount, PhoneNumber and
// CorrelationToken never change after creation.
type Transaction struct {
	ID                    string              `json:"transaction_id"`
	CorrelationToken      string              `json:"third_party_reference"`
	ConversationID        *string             `json:"conversation_id,omitempty"`
	ProviderTransactionID *string             `json:"provider_transaction_id,omitempty"`
	Status                PaymentStatus       `json:"status"`
	Amount                decimal.Decimal     `json:"amount"`
	Currency              string              `json:"currency"`
	Fees                  decimal.NullDecimal `json:"fees"`
	NetAmount             decimal.NullDecimal `json:"net_amount"`
	PhoneNumber           string              `json:"phone_number"`
	Reference             string              `json:"account_reference"`
	Description           string              `json:"description,omitempty"`
	CustomerName          string              `json:"customer_name,omitempty"`
	CustomerEmail         string              `json:"customer_email,omitempty"`
	EntityType            string              `json:"entity_type,omitempty"`
	EntityID              string              `json:"entity_id,omitempty"`
	IdempotencyKey        *string             `json:"-"`
	ProviderResponseCode  *string             `json:"provider_response_code,omitempty"`
	ProviderResponseDesc  *string             `json:"provider_response_description,omitempty"`
	ProviderRawResponse   json.RawMessage     `json:"-"`
	CallbackRawData       json.RawMessage     `json:"-"`
	CallbackReceivedAt    *time.Time          `json:"callback_received_at,omitempty"`
	CreatedAt             time.Time           `json:"created_at"`
	UpdatedAt             time.Time           `json:"updated_at"`
	CompletedAt           *time.Time          `json:"completed_at,omitempty"`
	ExpiresAt             time.Time           `json:"expires_at"`
	// Set while a submission to the provider is in flight or has happened.
	SubmittedAt *time.Time `json:"-"`
}

type InitiatePaymentRequest struct {
	PhoneNumber    string          `json:"phone_number" binding:"required"`
	Amount         decimal.Decimal `json:"amount"`
	Reference      string          `json:"account_reference" binding:"required"`
	Description    string          `json:"description"`
	EntityType     string          `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	CustomerName   string          `json:"customer_name"`
	CustomerEmail  string          `json:"customer_email"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type InitiatePaymentResponse struct {
	Success               bool            `json:"success"`
	TransactionID         string          `json:"transaction_id"`
	ConversationID        *string         `json:"conversation_id,omitempty"`
	ProviderTransactionID *string         `json:"provider_transaction_id,omitempty"`
	ThirdPartyReference   string          `json:"third_party_reference"`
	Status                PaymentStatus   `json:"status"`
	Message               string          `json:"message"`
	PhoneNumber           string          `json:"phone_number"`
	Amount                decimal.Decimal `json:"amount"`
	Reference             string          `json:"account_reference"`
	Currency              string          `json:"currency"`
	ResponseCode          *string         `json:"response_code,omitempty"`
	ResponseDescription   *string         `json:"response_description,omitempty"`
	Replayed              bool            `json:"replayed"`
	CreatedAt             time.Time       `json:"created_at"`
	ExpiresAt             time.Time       `json:"expires_at"`
}

type PaymentStatusResponse struct {
	TransactionID         string              `json:"transaction_id"`
	ConversationID        *string             `json:"conversation_id,omitempty"`
	ThirdPartyReference   string              `json:"third_party_reference"`
	ProviderTransactionID *string             `json:"provider_transaction_id,omitempty"`
	Status                PaymentStatus       `json:"status"`
	StatusDescription     string              `json:"status_description"`
	Amount                decimal.Decimal     `json:"amount"`
	Currency              string              `json:"currency"`
	Fees                  decimal.NullDecimal `json:"fees"`
	NetAmount             decimal.NullDecimal `json:"net_amount"`
	PhoneNumber           string              `json:"phone_number"`
	Reference             string              `json:"account_reference"`
	Description           string              `json:"description,omitempty"`
	EntityType            string              `json:"entity_type,omitempty"`
	EntityID              string              `json:"entity_id,omitempty"`
	Provider              string              `json:"provider"`
	ProviderResponseCode  *string             `json:"provider_response_code,omitempty"`
	ProviderResponseDesc  *string             `json:"provider_response_description,omitempty"`
	CreatedAt             time.Time           `json:"created_at"`
	UpdatedAt             time.Time           `json:"updated_at"`
	CompletedAt           *time.Time          `json:"completed_at,omitempty"`
}

type PaymentEvent struct {
	EventType             string          `json:"event_type"` // payment_completed, payment_failed, payment_expired
	TransactionID         string          `json:"transaction_id"`
	Status                PaymentStatus   `json:"status"`
	Amount                decimal.Decimal `json:"amount"`
	Currency              string          `json:"currency"`
	Reference             string          `json:"account_reference"`
	EntityType            string          `json:"entity_type,omitempty"`
	EntityID              string          `json:"entity_id,omitempty"`
	ProviderTransactionID string          `json:"provider_transaction_id,omitempty"`
	Reason                string          `json:"reason,omitempty"`
	OccurredAt            time.Time       `json:"occurred_at"`
}

// PaymentRequestCommand is the event-bus form of an initiation request.
type PaymentRequestCommand struct {
	EventType string                 `json:"event_type"` // payment_requested
	Request   InitiatePaymentRequest `json:"request"`
}
