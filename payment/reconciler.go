package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"mpesa-payment-svc/config"
	"mpesa-payment-svc/middleware"
	"mpesa-payment-svc/models"
	"mpesa-payment-svc/mpesa"
	"mpesa-payment-svc/redact"
	"mpesa-payment-svc/store"
)

const SignatureHeader = "X-Callback-Signature"

const (
	ackRetryInternal  = "Internal error, please retry"
	ackInvalidJSON    = "Invalid JSON format"
	ackInvalidSig     = "Invalid signature"
	ackMissingIDs     = "Missing transaction identifiers"
	defaultFailReason = "Payment failed"
)

// CallbackRequest is one inbound provider delivery, exactly as received.
type CallbackRequest struct {
	Body      []byte
	Headers   map[string][]string
	IPAddress string
}

// CallbackResult always carries an Ack to return to the provider. Err is set
// when the delivery could not be applied and the provider should retry.
type CallbackResult struct {
	Ack           models.CallbackAck
	Outcome       models.WebhookOutcome
	TransactionID string
	Err           error
}

type Reconciler struct {
	cfg      config.CallbackConfig
	store    TransactionStore
	webhooks WebhookLog
	audit    AuditLog
	events   EventPublisher
	cache    StatusCache
	logger   *zap.Logger
	now      func() time.Time
}

func NewReconciler(cfg config.CallbackConfig, deps Dependencies, webhooks WebhookLog, logger *zap.Logger) *Reconciler {
	r := &Reconciler{
		cfg:      cfg,
		store:    deps.Store,
		webhooks: webhooks,
		audit:    deps.Audit,
		events:   deps.Publisher,
		cache:    deps.Cache,
		logger:   logger,
		now:      time.Now,
	}
	if r.events == nil {
		r.events = nopPublisher{}
	}
	if r.cache == nil {
		r.cache = nopCache{}
	}
	return r
}

// HandleCallback records the delivery, matches it to a transaction and applies
// the result at most once. Replays of an applied callback are acknowledged
// without changing anything.
func (r *Reconciler) HandleCallback(ctx context.Context, req CallbackRequest) CallbackResult {
	ctx, span := tracer.Start(ctx, "Payment.HandleCallback")
	defer span.End()

	receivedAt := r.now().UTC()
	webhookID, err := r.webhooks.Record(ctx, webhookEntry(req, receivedAt))
	if err != nil {
		r.logger.Error("Failed to record webhook", zap.Error(err))
		return r.finish(retryAck("", "", ackRetryInternal), models.WebhookError, "",
			newError(CodeStorage, "Failed to record callback", nil, err))
	}

	if err := r.verifySignature(req); err != nil {
		r.mark(ctx, webhookID, models.WebhookRejected, nil, err.Error())
		r.logger.Warn("Callback signature rejected",
			zap.Int64("webhook_id", webhookID),
			zap.String("ip_address", req.IPAddress),
		)
		return r.finish(retryAck("", "", ackInvalidSig), models.WebhookRejected, "", err)
	}

	var payload models.CallbackPayload
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		r.mark(ctx, webhookID, models.WebhookError, nil, ackInvalidJSON)
		return r.finish(retryAck("", "", ackInvalidJSON), models.WebhookError, "",
			newError(CodeCallback, ackInvalidJSON, nil, err))
	}
	conversationID := string(payload.OriginalConversationID)
	token := string(payload.ThirdPartyReference)
	if conversationID == "" && token == "" {
		r.mark(ctx, webhookID, models.WebhookError, nil, ackMissingIDs)
		r.logger.Warn("Callback carries no transaction identifiers", zap.Int64("webhook_id", webhookID))
		return r.finish(retryAck("", "", ackMissingIDs), models.WebhookError, "",
			newError(CodeCallback, ackMissingIDs, nil, nil))
	}
	span.SetAttributes(
		attribute.String("mpesa.conversation_id", conversationID),
		attribute.String("mpesa.third_party_reference", token),
	)

	result := models.PaymentStatusCompleted
	reason := ""
	if !payload.Successful() {
		result = models.PaymentStatusFailed
		reason = failureReason(payload)
	}

	var applied *models.Transaction
	var matchedID string
	outcome := models.WebhookProcessed
	err = r.store.InCallbackTx(ctx, func(cb store.CallbackTx) error {
		tx, err := cb.LockForCallback(ctx, conversationID, token)
		if errors.Is(err, store.ErrNotFound) {
			outcome = models.WebhookUnmatched
			return cb.MarkWebhook(ctx, webhookID, outcome, nil, "No matching transaction")
		}
		if err != nil {
			return err
		}
		matchedID = tx.ID

		if tx.Status.IsTerminal() {
			outcome = models.WebhookDuplicate
			return cb.MarkWebhook(ctx, webhookID, outcome, &tx.ID, "")
		}

		updated, ok, err := cb.ApplyCallback(ctx, tx.ID, store.CallbackResult{
			Status:                result,
			ConversationID:        conversationID,
			ProviderTransactionID: string(payload.TransactionID),
			ResultCode:            string(payload.ResultCode),
			Reason:                callbackDescription(payload, reason),
			Raw:                   rawJSON(req.Body),
			ReceivedAt:            receivedAt,
		})
		if err != nil {
			return err
		}
		if !ok {
			outcome = models.WebhookDuplicate
			return cb.MarkWebhook(ctx, webhookID, outcome, &tx.ID, "")
		}
		applied = updated
		return cb.MarkWebhook(ctx, webhookID, outcome, &tx.ID, "")
	})
	if err != nil {
		span.RecordError(err)
		r.logger.Error("Failed to apply callback",
			zap.Int64("webhook_id", webhookID),
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		r.mark(ctx, webhookID, models.WebhookError, optional(matchedID), err.Error())
		return r.finish(retryAck(conversationID, token, ackRetryInternal), models.WebhookError, matchedID,
			newError(CodeStorage, "Failed to apply callback", map[string]any{"conversation_id": conversationID}, err))
	}

	switch outcome {
	case models.WebhookUnmatched:
		r.logger.Warn("Callback did not match any transaction",
			zap.Int64("webhook_id", webhookID),
			zap.String("conversation_id", conversationID),
			zap.String("third_party_reference", token),
		)
	case models.WebhookDuplicate:
		r.logger.Info("Duplicate callback ignored",
			zap.Int64("webhook_id", webhookID),
			zap.String("transaction_id", matchedID),
		)
	case models.WebhookProcessed:
		r.applied(ctx, applied, payload, reason, req.IPAddress)
	}

	return r.finish(models.CallbackAck{
		OriginalConversationID:   conversationID,
		ResponseCode:             models.AckCodeAccepted,
		ResponseDesc:             models.AckDescAccepted,
		ThirdPartyConversationID: token,
	}, outcome, matchedID, nil)
}

func (r *Reconciler) applied(ctx context.Context, tx *models.Transaction, payload models.CallbackPayload, reason, ip string) {
	recordAudit(ctx, r.audit, r.logger, models.AuditLogEntry{
		Action:        models.AuditPaymentCallbackReceived,
		TransactionID: &tx.ID,
		Description:   fmt.Sprintf("Callback result code %s", payload.ResultCode),
		IPAddress:     ip,
	})

	eventType, action, desc := EventPaymentCompleted, models.AuditPaymentCompleted, "Payment completed"
	if tx.Status == models.PaymentStatusFailed {
		eventType, action, desc = EventPaymentFailed, models.AuditPaymentFailed, reason
	}
	recordAudit(ctx, r.audit, r.logger, models.AuditLogEntry{
		Action:        action,
		TransactionID: &tx.ID,
		Description:   desc,
		IPAddress:     ip,
	})

	r.logger.Info("Callback applied",
		zap.String("transaction_id", tx.ID),
		zap.String("status", string(tx.Status)),
		zap.String("result_code", string(payload.ResultCode)),
	)
	publishTerminal(ctx, r.events, r.cache, r.logger, tx, eventType, reason)
}

// verifySignature checks the hex HMAC-SHA256 of the raw body when a secret
// is configured.
func (r *Reconciler) verifySignature(req CallbackRequest) error {
	if r.cfg.Secret == "" {
		if r.cfg.RequireSignature {
			return newError(CodeSignatureInvalid, "Callback secret is not configured", nil, nil)
		}
		return nil
	}
	sig := headerValue(req.Headers, SignatureHeader)
	if sig == "" {
		return newError(CodeSignatureInvalid, "Missing callback signature", nil, nil)
	}
	got, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(sig), "sha256="))
	if err != nil {
		return newError(CodeSignatureInvalid, "Malformed callback signature", nil, err)
	}
	if !hmac.Equal(got, Sign(r.cfg.Secret, req.Body)) {
		return newError(CodeSignatureInvalid, ackInvalidSig, nil, nil)
	}
	return nil
}

// Sign returns the HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

func (r *Reconciler) mark(ctx context.Context, id int64, outcome models.WebhookOutcome, txID *string, msg string) {
	if err := r.webhooks.Mark(ctx, id, outcome, txID, msg); err != nil {
		r.logger.Warn("Failed to update webhook log",
			zap.Int64("webhook_id", id),
			zap.Error(err),
		)
	}
}

func (r *Reconciler) finish(ack models.CallbackAck, outcome models.WebhookOutcome, txID string, err error) CallbackResult {
	middleware.RecordCallback(string(outcome))
	return CallbackResult{Ack: ack, Outcome: outcome, TransactionID: txID, Err: err}
}

func retryAck(conversationID, token, desc string) models.CallbackAck {
	return models.CallbackAck{
		OriginalConversationID:   conversationID,
		ResponseCode:             models.AckCodeRetryable,
		ResponseDesc:             desc,
		ThirdPartyConversationID: token,
	}
}

// failureReason prefers the provider's own description over the code table.
func failureReason(p models.CallbackPayload) string {
	if p.ResultDesc != "" {
		return string(p.ResultDesc)
	}
	if code := string(p.ResultCode); strings.HasPrefix(code, "INS-") {
		return mpesa.Describe(code)
	}
	return defaultFailReason
}

func callbackDescription(p models.CallbackPayload, reason string) string {
	if reason != "" {
		return reason
	}
	if p.ResultDesc != "" {
		return string(p.ResultDesc)
	}
	return models.PaymentStatusCompleted.Description()
}

func webhookEntry(req CallbackRequest, at time.Time) models.WebhookLogEntry {
	entry := models.WebhookLogEntry{
		Provider:    models.ProviderMPesaMozambique,
		WebhookType: models.WebhookTypeC2BCallback,
		RequestBody: rawJSON(req.Body),
		RawBody:     string(redact.Payload(req.Body)),
		IPAddress:   req.IPAddress,
		ReceivedAt:  at,
	}
	if headers, err := json.Marshal(redact.Headers(req.Headers)); err == nil {
		entry.RequestHeaders = headers
	}
	return entry
}

func headerValue(h map[string][]string, name string) string {
	for k, v := range h {
		if strings.EqualFold(k, name) && len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
	}
	return ""
}
