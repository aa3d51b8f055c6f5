package payment

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"mpesa-payment-svc/config"
	"mpesa-payment-svc/middleware"
	"mpesa-payment-svc/models"
	"mpesa-payment-svc/mpesa"
	"mpesa-payment-svc/redact"
	"mpesa-payment-svc/store"
)

var tracer = otel.Tracer("payment-service")

type Outcome string

const (
	// OutcomeCreated: provider accepted, waiting for the customer PIN.
	OutcomeCreated Outcome = "created"
	// OutcomeReplayed: an earlier request with the same idempotency key.
	OutcomeReplayed Outcome = "replayed"
	// OutcomeRejected: provider refused synchronously, transaction FAILED.
	OutcomeRejected Outcome = "rejected"
	// OutcomeAmbiguous: no usable provider response. Still PENDING and may
	// yet complete via callback.
	OutcomeAmbiguous Outcome = "ambiguous"
)

type InitiateResult struct {
	Outcome     Outcome
	Transaction *models.Transaction
	// Set for OutcomeRejected
	Category mpesa.Category
}

// Err returns the rejection as a coded error, nil for any other outcome.
func (r *InitiateResult) Err() error {
	if r.Outcome != OutcomeRejected {
		return nil
	}
	details := map[string]any{
		"transaction_id": r.Transaction.ID,
		"category":       string(r.Category),
	}
	if r.Transaction.ProviderResponseCode != nil {
		details["provider_code"] = *r.Transaction.ProviderResponseCode
	}
	msg := models.PaymentStatusFailed.Description()
	if r.Transaction.ProviderResponseDesc != nil {
		msg = *r.Transaction.ProviderResponseDesc
	}
	return newError(CodeProviderRejected, msg, details, nil)
}

// RequestMeta describes the caller of an operation for the audit trail.
type RequestMeta struct {
	IPAddress string
}

type Dependencies struct {
	Store     TransactionStore
	Audit     AuditLog
	Gateway   Gateway
	IDs       IDGenerator
	Publisher EventPublisher
	Cache     StatusCache
}

type Service struct {
	cfg      config.PaymentConfig
	currency string
	store    TransactionStore
	audit    AuditLog
	gateway  Gateway
	ids      IDGenerator
	events   EventPublisher
	cache    StatusCache
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(cfg *config.Config, deps Dependencies, logger *zap.Logger) *Service {
	s := &Service{
		cfg:      cfg.Payment,
		currency: cfg.MPesa.Currency,
		store:    deps.Store,
		audit:    deps.Audit,
		gateway:  deps.Gateway,
		ids:      deps.IDs,
		events:   deps.Publisher,
		cache:    deps.Cache,
		logger:   logger,
		now:      time.Now,
	}
	if s.events == nil {
		s.events = nopPublisher{}
	}
	if s.cache == nil {
		s.cache = nopCache{}
	}
	return s
}

// Initiate validates req, commits a PENDING transaction and only then submits
// it to the provider. A replay of a row whose request never reached the
// provider submits it again.
func (s *Service) Initiate(ctx context.Context, req models.InitiatePaymentRequest, meta RequestMeta) (*InitiateResult, error) {
	ctx, span := tracer.Start(ctx, "Payment.Initiate")
	defer span.End()

	v, err := validateRequest(req, s.cfg)
	if err != nil {
		middleware.RecordPaymentInitiated("invalid")
		s.recordAudit(ctx, models.AuditLogEntry{
			Action:       models.AuditValidationError,
			Description:  "Payment request failed validation",
			ErrorType:    string(CodeValidation),
			ErrorMessage: err.Error(),
			IPAddress:    meta.IPAddress,
		})
		return nil, err
	}

	now := s.now().UTC()
	draft := &models.Transaction{
		ID:               s.ids.TransactionID(),
		CorrelationToken: s.ids.CorrelationToken(),
		Status:           models.PaymentStatusPending,
		Amount:           v.amount,
		Currency:         s.currency,
		PhoneNumber:      v.phone,
		Reference:        v.reference,
		Description:      v.description,
		CustomerName:     v.customerName,
		CustomerEmail:    v.customerEmail,
		EntityType:       v.entityType,
		EntityID:         v.entityID,
		IdempotencyKey:   v.idempotencyKey,
		ExpiresAt:        now.Add(s.cfg.ExpiryWindow),
	}

	tx, created, err := s.store.Create(ctx, draft)
	if err != nil {
		span.RecordError(err)
		s.logger.Error("Failed to create transaction", zap.Error(err))
		return nil, newError(CodeStorage, "Failed to create transaction", nil, err)
	}
	span.SetAttributes(attribute.String("transaction.id", tx.ID))

	if created {
		s.logger.Info("Transaction created",
			zap.String("transaction_id", tx.ID),
			zap.String("phone", redact.Phone(tx.PhoneNumber)),
			zap.String("amount", tx.Amount.String()),
		)
		s.recordAudit(ctx, models.AuditLogEntry{
			Action:        models.AuditPaymentInitiated,
			TransactionID: &tx.ID,
			Description:   "Payment transaction created",
			IPAddress:     meta.IPAddress,
		})
	} else {
		resubmit, err := s.claimUnsent(ctx, tx)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if !resubmit {
			middleware.RecordPaymentInitiated(string(OutcomeReplayed))
			s.logger.Info("Idempotent replay",
				zap.String("transaction_id", tx.ID),
				zap.String("idempotency_key", redact.Secret(*v.idempotencyKey)),
			)
			return &InitiateResult{Outcome: OutcomeReplayed, Transaction: tx}, nil
		}
		s.logger.Info("Resubmitting transaction the provider never received",
			zap.String("transaction_id", tx.ID),
			zap.String("idempotency_key", redact.Secret(*v.idempotencyKey)),
		)
	}

	// The row is committed; a caller hanging up must not cut the provider call short.
	result, err := s.gateway.Submit(context.WithoutCancel(ctx), mpesa.SubmitRequest{
		TransactionReference: tx.Reference,
		CustomerMSISDN:       tx.PhoneNumber,
		Amount:               tx.Amount,
		ThirdPartyReference:  tx.CorrelationToken,
	})
	if err != nil {
		return nil, s.notSubmitted(ctx, tx, err, meta)
	}

	switch r := result.(type) {
	case mpesa.Accepted:
		return s.accepted(ctx, tx, r, meta)
	case mpesa.Rejected:
		return s.rejected(ctx, tx, r, meta)
	default:
		return s.ambiguous(ctx, tx, result, meta), nil
	}
}

// claimUnsent takes the submission claim on a replayed row whose earlier
// request never left this service. Rows the provider may have seen are
// never claimed again.
func (s *Service) claimUnsent(ctx context.Context, tx *models.Transaction) (bool, error) {
	if tx.Status != models.PaymentStatusPending || tx.SubmittedAt != nil {
		return false, nil
	}
	claimed, err := s.store.ClaimSubmission(ctx, tx.ID)
	if err != nil {
		s.logger.Error("Failed to claim submission", zap.String("transaction_id", tx.ID), zap.Error(err))
		return false, newError(CodeStorage, "Failed to load transaction", map[string]any{"transaction_id": tx.ID}, err)
	}
	return claimed, nil
}

func (s *Service) notSubmitted(ctx context.Context, tx *models.Transaction, err error, meta RequestMeta) error {
	code := CodeConfiguration
	msg := "Payment provider is not configured correctly"
	if errors.Is(err, mpesa.ErrUnavailable) {
		code = CodeProviderUnavailable
		msg = "Payment provider temporarily unavailable, try again later"
	}
	if relErr := s.store.ReleaseSubmission(context.WithoutCancel(ctx), tx.ID); relErr != nil {
		// The row stays claimed and will expire without a resubmission.
		s.logger.Error("Failed to release submission claim",
			zap.String("transaction_id", tx.ID),
			zap.Error(relErr),
		)
	}
	middleware.RecordPaymentInitiated("not_submitted")
	s.logger.Error("Provider not contacted",
		zap.String("transaction_id", tx.ID),
		zap.String("code", string(code)),
		zap.Error(err),
	)
	s.recordAudit(ctx, models.AuditLogEntry{
		Action:        models.AuditAPIError,
		TransactionID: &tx.ID,
		Description:   "Provider request not sent",
		ErrorType:     string(code),
		ErrorMessage:  err.Error(),
		IPAddress:     meta.IPAddress,
	})
	return newError(code, msg, map[string]any{"transaction_id": tx.ID}, err)
}

func (s *Service) accepted(ctx context.Context, tx *models.Transaction, r mpesa.Accepted, meta RequestMeta) (*InitiateResult, error) {
	raw := rawJSON(r.ResponseBody)
	applied, err := s.store.RecordSubmission(ctx, tx.ID, store.Submission{
		ConversationID:        r.ConversationID,
		ProviderTransactionID: r.TransactionID,
		ResponseCode:          r.ResponseCode,
		ResponseDesc:          r.ResponseDesc,
		Raw:                   raw,
	})
	if err != nil {
		// The provider has the request; the callback will still match by correlation token.
		s.logger.Error("Failed to record submission",
			zap.String("transaction_id", tx.ID),
			zap.Error(err),
		)
	}
	s.recordAudit(ctx, exchangeAudit(models.AuditPaymentSubmitted, tx.ID, "Provider accepted request", r.Details(), meta))
	middleware.RecordPaymentInitiated(string(OutcomeCreated))

	if err == nil && !applied {
		// A callback beat us to it
		if latest, getErr := s.store.Get(ctx, tx.ID); getErr == nil {
			return &InitiateResult{Outcome: OutcomeCreated, Transaction: latest}, nil
		}
	}

	tx.ConversationID = optional(r.ConversationID)
	tx.ProviderTransactionID = optional(r.TransactionID)
	tx.ProviderResponseCode = optional(r.ResponseCode)
	tx.ProviderResponseDesc = optional(r.ResponseDesc)
	tx.ProviderRawResponse = raw
	return &InitiateResult{Outcome: OutcomeCreated, Transaction: tx}, nil
}

func (s *Service) rejected(ctx context.Context, tx *models.Transaction, r mpesa.Rejected, meta RequestMeta) (*InitiateResult, error) {
	updated, applied, err := s.store.Transition(ctx, tx.ID, store.Rejection{
		Status:       models.PaymentStatusFailed,
		ResponseCode: r.ResponseCode,
		Reason:       r.Reason,
		Raw:          rawJSON(r.ResponseBody),
	})
	if err != nil {
		s.logger.Error("Failed to record rejection",
			zap.String("transaction_id", tx.ID),
			zap.String("provider_code", r.ResponseCode),
			zap.Error(err),
		)
		return nil, newError(CodeStorage, "Failed to record provider rejection", map[string]any{"transaction_id": tx.ID}, err)
	}

	s.recordAudit(ctx, exchangeAudit(models.AuditPaymentFailed, tx.ID, r.Reason, r.Details(), meta))
	middleware.RecordPaymentInitiated(string(OutcomeRejected))

	if !applied {
		latest, err := s.store.Get(ctx, tx.ID)
		if err != nil {
			return nil, newError(CodeStorage, "Failed to load transaction", map[string]any{"transaction_id": tx.ID}, err)
		}
		return &InitiateResult{Outcome: OutcomeRejected, Transaction: latest, Category: r.Category}, nil
	}

	s.logger.Info("Payment rejected by provider",
		zap.String("transaction_id", tx.ID),
		zap.String("provider_code", r.ResponseCode),
		zap.String("reason", r.Reason),
	)
	s.terminal(ctx, updated, EventPaymentFailed, r.Reason)
	return &InitiateResult{Outcome: OutcomeRejected, Transaction: updated, Category: r.Category}, nil
}

func (s *Service) ambiguous(ctx context.Context, tx *models.Transaction, result mpesa.SyncResult, meta RequestMeta) *InitiateResult {
	ex := result.Details()
	entry := exchangeAudit(models.AuditAPIError, tx.ID, "No usable provider response, awaiting callback", ex, meta)
	switch r := result.(type) {
	case mpesa.TransportFailure:
		entry.ErrorType = "transport_failure"
		if r.Err != nil {
			entry.ErrorMessage = r.Err.Error()
		}
	case mpesa.Unparsed:
		entry.ErrorType = "unparsed_response"
	}
	s.recordAudit(ctx, entry)
	middleware.RecordPaymentInitiated(string(OutcomeAmbiguous))

	s.logger.Warn("Provider outcome unknown, transaction left pending",
		zap.String("transaction_id", tx.ID),
		zap.String("error_type", entry.ErrorType),
		zap.Int("http_status", ex.HTTPStatus),
	)
	return &InitiateResult{Outcome: OutcomeAmbiguous, Transaction: tx}
}

// Status returns the current projection of a transaction. It never writes.
func (s *Service) Status(ctx context.Context, id string) (*models.PaymentStatusResponse, error) {
	ctx, span := tracer.Start(ctx, "Payment.Status")
	defer span.End()
	span.SetAttributes(attribute.String("transaction.id", id))

	if cached, ok := s.cache.Get(ctx, id); ok {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return cached, nil
	}

	tx, err := s.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(CodeNotFound, "Transaction not found", map[string]any{"transaction_id": id}, err)
	}
	if err != nil {
		span.RecordError(err)
		return nil, newError(CodeStorage, "Failed to load transaction", nil, err)
	}

	projection := StatusProjection(tx)
	if tx.Status.IsTerminal() {
		s.cache.Set(ctx, projection)
	}
	return projection, nil
}

// terminal runs the post-commit side effects of a transition that applied.
func (s *Service) terminal(ctx context.Context, tx *models.Transaction, eventType, reason string) {
	publishTerminal(ctx, s.events, s.cache, s.logger, tx, eventType, reason)
}

func (s *Service) recordAudit(ctx context.Context, entry models.AuditLogEntry) {
	recordAudit(ctx, s.audit, s.logger, entry)
}
