package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"mpesa-payment-svc/middleware"
	"mpesa-payment-svc/models"
	"mpesa-payment-svc/mpesa"
	"mpesa-payment-svc/payment"
)

const (
	maxCallbackBody   = 1 << 20
	idempotencyHeader = "Idempotency-Key"
)

type PaymentService interface {
	Initiate(ctx context.Context, req models.InitiatePaymentRequest, meta payment.RequestMeta) (*payment.InitiateResult, error)
	Status(ctx context.Context, id string) (*models.PaymentStatusResponse, error)
}

type CallbackReconciler interface {
	HandleCallback(ctx context.Context, req payment.CallbackRequest) payment.CallbackResult
}

type PaymentHandler struct {
	payments   PaymentService
	reconciler CallbackReconciler
	logger     *zap.Logger
}

func NewPaymentHandler(payments PaymentService, reconciler CallbackReconciler, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{payments: payments, reconciler: reconciler, logger: logger}
}

func (h *PaymentHandler) Initiate(c *gin.Context) {
	ctx, span := otel.Tracer("payment-service").Start(c.Request.Context(), "InitiatePayment")
	defer span.End()

	var req models.InitiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success":    false,
			"error_code": payment.CodeValidation,
			"error":      "Invalid request body",
			"details":    gin.H{"reason": err.Error()},
		})
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader(idempotencyHeader)
	}

	res, err := h.payments.Initiate(ctx, req, payment.RequestMeta{IPAddress: c.ClientIP()})
	if err != nil {
		span.RecordError(err)
		h.writeError(c, err)
		return
	}
	span.SetAttributes(
		attribute.String("transaction.id", res.Transaction.ID),
		attribute.String("payment.outcome", string(res.Outcome)),
	)

	body := payment.InitiateResponse(res)
	switch res.Outcome {
	case payment.OutcomeCreated:
		c.JSON(http.StatusCreated, body)
	case payment.OutcomeReplayed:
		c.JSON(http.StatusOK, body)
	case payment.OutcomeAmbiguous:
		c.JSON(http.StatusAccepted, body)
	default:
		var pe *payment.Error
		errors.As(res.Err(), &pe)
		c.JSON(rejectionStatus(res.Category), gin.H{
			"success":     false,
			"error_code":  pe.Code,
			"error":       pe.Message,
			"details":     pe.Details,
			"transaction": body,
		})
	}
}

// Callback always answers 200 with the provider ack; the ack code tells the
// provider whether to retry.
func (h *PaymentHandler) Callback(c *gin.Context) {
	ctx, span := otel.Tracer("payment-service").Start(c.Request.Context(), "PaymentCallback")
	defer span.End()

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to read callback body",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.Error(err),
		)
		c.JSON(http.StatusOK, models.CallbackAck{
			ResponseCode: models.AckCodeRetryable,
			ResponseDesc: "Unable to read request",
		})
		return
	}

	res := h.reconciler.HandleCallback(ctx, payment.CallbackRequest{
		Body:      body,
		Headers:   c.Request.Header,
		IPAddress: c.ClientIP(),
	})
	span.SetAttributes(attribute.String("webhook.outcome", string(res.Outcome)))
	if res.Err != nil {
		span.RecordError(res.Err)
	}
	c.JSON(http.StatusOK, res.Ack)
}

func (h *PaymentHandler) Status(c *gin.Context) {
	ctx, span := otel.Tracer("payment-service").Start(c.Request.Context(), "GetPaymentStatus")
	defer span.End()

	id := c.Param("transaction_id")
	status, err := h.payments.Status(ctx, id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": status})
}

func (h *PaymentHandler) writeError(c *gin.Context, err error) {
	var pe *payment.Error
	if !errors.As(err, &pe) {
		pe = &payment.Error{Code: payment.CodeStorage, Message: "Internal server error", Err: err}
	}

	status := errorStatus(pe.Code)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Payment request failed",
			zap.String("trace_id", middleware.GetTraceID(c.Request.Context())),
			zap.String("code", string(pe.Code)),
			zap.Error(err),
		)
	}

	body := gin.H{"success": false, "error_code": pe.Code, "error": pe.Message}
	if len(pe.Details) > 0 {
		body["details"] = pe.Details
	}
	c.JSON(status, body)
}

func errorStatus(code payment.ErrorCode) int {
	switch code {
	case payment.CodeValidation:
		return http.StatusUnprocessableEntity
	case payment.CodeNotFound:
		return http.StatusNotFound
	case payment.CodeProviderRejected:
		return http.StatusBadGateway
	case payment.CodeProviderUnavailable:
		return http.StatusServiceUnavailable
	case payment.CodeSignatureInvalid:
		return http.StatusUnauthorized
	case payment.CodeCallback:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func rejectionStatus(category mpesa.Category) int {
	switch category {
	case mpesa.CategoryInsufficientFunds:
		return http.StatusPaymentRequired
	case mpesa.CategoryDuplicate:
		return http.StatusConflict
	case mpesa.CategoryInvalidNumber:
		return http.StatusUnprocessableEntity
	}
	return http.StatusBadGateway
}
