package models

import (
	"encoding/json"
	"time"
)

type AuditAction string

const (
	AuditPaymentInitiated        AuditAction = "payment_initiated"
	AuditPaymentSubmitted        AuditAction = "payment_submitted"
	AuditPaymentCallbackReceived AuditAction = "payment_callback_received"
	AuditPaymentCompleted        AuditAction = "payment_completed"
	AuditPaymentFailed           AuditAction = "payment_failed"
	AuditPaymentExpired          AuditAction = "payment_expired"
	AuditAPIError                AuditAction = "api_error"
	AuditValidationError         AuditAction = "validation_error"
)

// AuditLogEntry bodies must already be redacted when they reach the store.
type AuditLogEntry struct {
	ID                 int64           `json:"id"`
	Action             AuditAction     `json:"action"`
	TransactionID      *string         `json:"transaction_id,omitempty"`
	Description        string          `json:"description"`
	RequestURL         string          `json:"request_url,omitempty"`
	RequestMethod      string          `json:"request_method,omitempty"`
	RequestBody        json.RawMessage `json:"request_body,omitempty"`
	ResponseBody       json.RawMessage `json:"response_body,omitempty"`
	ResponseStatusCode *int            `json:"response_status_code,omitempty"`
	ResponseTimeMs     *int64          `json:"response_time_ms,omitempty"`
	ErrorType          string          `json:"error_type,omitempty"`
	ErrorMessage       string          `json:"error_message,omitempty"`
	IPAddress          string          `json:"ip_address,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

type WebhookOutcome string

const (
	WebhookReceived  WebhookOutcome = "received"
	WebhookProcessed WebhookOutcome = "processed"
	WebhookUnmatched WebhookOutcome = "unmatched"
	WebhookDuplicate WebhookOutcome = "duplicate"
	WebhookRejected  WebhookOutcome = "rejected"
	WebhookError     WebhookOutcome = "error"
)

const WebhookTypeC2BCallback = "c2b_callback"

type WebhookLogEntry struct {
	ID              int64           `json:"id"`
	Provider        string          `json:"provider"`
	WebhookType     string          `json:"webhook_type"`
	RequestHeaders  json.RawMessage `json:"request_headers,omitempty"`
	RequestBody     json.RawMessage `json:"request_body,omitempty"`
	RawBody         string          `json:"raw_body"`
	IPAddress       string          `json:"ip_address,omitempty"`
	Outcome         WebhookOutcome  `json:"outcome"`
	ProcessingError string          `json:"processing_error,omitempty"`
	TransactionID   *string         `json:"transaction_id,omitempty"`
	ReceivedAt      time.Time       `json:"received_at"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"`
}
