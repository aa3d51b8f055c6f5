package mpesa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"mpesa-payment-svc/circuitbreaker"
	"mpesa-payment-svc/config"
	"mpesa-payment-svc/middleware"
	"mpesa-payment-svc/redact"
	"mpesa-payment-svc/retry"
)

const maxResponseBytes = 1 << 20

var (
	// ErrCredentials means the bearer token could not be built. The provider
	// was not contacted.
	ErrCredentials = errors.New("failed to build provider credentials")
	// ErrNotConfigured means a required provider setting is missing. The
	// provider was not contacted.
	ErrNotConfigured = errors.New("provider is not configured")
	// ErrUnavailable means the breaker refused the call. The provider was not
	// contacted.
	ErrUnavailable = errors.New("provider temporarily unavailable")

	errServerError = errors.New("provider server error")
)

// TokenSource yields the Authorization bearer value for one request.
type TokenSource interface {
	BearerToken() (string, error)
}

type SubmitRequest struct {
	TransactionReference string
	CustomerMSISDN       string
	Amount               decimal.Decimal
	ThirdPartyReference  string
}

type c2bRequest struct {
	TransactionReference string `json:"input_TransactionReference"`
	CustomerMSISDN       string `json:"input_CustomerMSISDN"`
	Amount               string `json:"input_Amount"`
	ThirdPartyReference  string `json:"input_ThirdPartyReference"`
	ServiceProviderCode  string `json:"input_ServiceProviderCode"`
}

type c2bResponse struct {
	ResponseCode        string `json:"output_ResponseCode"`
	ResponseDesc        string `json:"output_ResponseDesc"`
	ConversationID      string `json:"output_ConversationID"`
	TransactionID       string `json:"output_TransactionID"`
	ThirdPartyReference string `json:"output_ThirdPartyReference"`
}

// Exchange records one HTTP round trip for audit. RequestBody is redacted.
type Exchange struct {
	URL          string
	RequestBody  json.RawMessage
	ResponseBody []byte
	HTTPStatus   int
	Elapsed      time.Duration
}

func (e Exchange) Details() Exchange { return e }

// SyncResult is one of Accepted, Rejected, TransportFailure or Unparsed.
type SyncResult interface {
	Details() Exchange
}

// Accepted means the provider took the request. The payment is still pending
// until the callback arrives.
type Accepted struct {
	Exchange
	ResponseCode        string
	ResponseDesc        string
	ConversationID      string
	TransactionID       string
	ThirdPartyReference string
}

// Rejected carries a definitive provider refusal.
type Rejected struct {
	Exchange
	ResponseCode string
	ResponseDesc string
	Reason       string
	Category     Category
}

// TransportFailure means no usable response was received. Whether the
// provider acted on the request is unknown unless Sent is false.
type TransportFailure struct {
	Exchange
	Err  error
	Sent bool
}

// Unparsed is a response whose outcome could not be determined.
type Unparsed struct {
	Exchange
}

type Client struct {
	httpClient          *http.Client
	url                 string
	serviceProviderCode string
	origin              string
	tokens              TokenSource
	configErr           error
	breaker             *circuitbreaker.CircuitBreaker
	retry               retry.Policy
	logger              *zap.Logger
}

func NewClient(mcfg config.MPesaConfig, pcfg config.PaymentConfig, tokens TokenSource, logger *zap.Logger) *Client {
	breaker := circuitbreaker.NewCircuitBreaker(pcfg.BreakerMaxFailures, pcfg.BreakerResetTimeout)
	breaker.OnStateChange = func(from, to circuitbreaker.State) {
		middleware.SetCircuitBreakerState(int(to))
		logger.Warn("Provider circuit breaker state changed",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}

	c := &Client{
		httpClient:          &http.Client{Timeout: pcfg.RequestTimeout},
		url:                 mcfg.C2BURL(),
		serviceProviderCode: mcfg.ServiceProviderCode,
		origin:              mcfg.Origin,
		tokens:              tokens,
		breaker:             breaker,
		logger:              logger,
	}
	if mcfg.ServiceProviderCode == "" {
		c.configErr = fmt.Errorf("%w: service provider code is empty", ErrNotConfigured)
	}
	c.retry = retry.Policy{
		MaxAttempts: pcfg.MaxRetries,
		BaseDelay:   pcfg.RetryDelay,
		MaxDelay:    pcfg.MaxRetryDelay,
		Retryable:   notSent,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			logger.Warn("Retrying provider request",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay),
				zap.Error(err),
			)
		},
	}
	return c
}

// Submit sends a single-stage C2B request. A non-nil error means the provider
// was never contacted; otherwise the SyncResult describes what happened.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (SyncResult, error) {
	ctx, span := otel.Tracer("payment-service").Start(ctx, "MPesa.Submit")
	defer span.End()
	span.SetAttributes(attribute.String("mpesa.third_party_reference", req.ThirdPartyReference))

	if c.configErr != nil {
		span.RecordError(c.configErr)
		return nil, c.configErr
	}

	token, err := c.tokens.BearerToken()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %v", ErrCredentials, err)
	}

	payload := c2bRequest{
		TransactionReference: req.TransactionReference,
		CustomerMSISDN:       req.CustomerMSISDN,
		Amount:               FormatAmount(req.Amount),
		ThirdPartyReference:  req.ThirdPartyReference,
		ServiceProviderCode:  c.serviceProviderCode,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal c2b request: %w", err)
	}

	var result SyncResult
	err = c.breaker.Execute(ctx, func() error {
		return c.retry.Do(ctx, func(ctx context.Context) error {
			var postErr error
			result, postErr = c.post(ctx, token, body)
			return postErr
		})
	})
	if result == nil {
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			return nil, ErrUnavailable
		}
		// Context ended before the first attempt
		return TransportFailure{Exchange: Exchange{URL: c.url}, Err: err}, nil
	}

	label := resultLabel(result)
	middleware.ObserveGatewayRequest(label, result.Details().Elapsed)
	span.SetAttributes(attribute.String("mpesa.result", label))

	c.logger.Info("Provider C2B response",
		zap.String("result", label),
		zap.Int("http_status", result.Details().HTTPStatus),
		zap.Duration("elapsed", result.Details().Elapsed),
		zap.String("third_party_reference", req.ThirdPartyReference),
		zap.String("msisdn", redact.Phone(req.CustomerMSISDN)),
	)
	return result, nil
}

func (c *Client) post(ctx context.Context, token string, body []byte) (SyncResult, error) {
	ex := Exchange{URL: c.url, RequestBody: redact.Payload(body)}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return TransportFailure{Exchange: ex, Err: err}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Origin", c.origin)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	ex.Elapsed = time.Since(start)
	if err != nil {
		return TransportFailure{Exchange: ex, Err: err, Sent: !notSent(err)}, err
	}
	defer resp.Body.Close()

	ex.HTTPStatus = resp.StatusCode
	ex.ResponseBody, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return TransportFailure{Exchange: ex, Err: err, Sent: true}, err
	}

	result := classify(ex)
	if _, ok := result.(Unparsed); ok && resp.StatusCode >= http.StatusInternalServerError {
		return result, errServerError
	}
	return result, nil
}

func classify(ex Exchange) SyncResult {
	var parsed c2bResponse
	if err := json.Unmarshal(ex.ResponseBody, &parsed); err != nil || parsed.ResponseCode == "" {
		return Unparsed{Exchange: ex}
	}

	if parsed.ResponseCode == CodeSuccess {
		if ex.HTTPStatus == http.StatusOK || ex.HTTPStatus == http.StatusCreated {
			return Accepted{
				Exchange:            ex,
				ResponseCode:        parsed.ResponseCode,
				ResponseDesc:        parsed.ResponseDesc,
				ConversationID:      parsed.ConversationID,
				TransactionID:       parsed.TransactionID,
				ThirdPartyReference: parsed.ThirdPartyReference,
			}
		}
		return Unparsed{Exchange: ex}
	}

	return Rejected{
		Exchange:     ex,
		ResponseCode: parsed.ResponseCode,
		ResponseDesc: parsed.ResponseDesc,
		Reason:       Describe(parsed.ResponseCode),
		Category:     Categorize(parsed.ResponseCode),
	}
}

// notSent reports errors raised before any request bytes left the process.
func notSent(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// FormatAmount renders whole amounts without decimals and anything else with
// two decimal places.
func FormatAmount(amount decimal.Decimal) string {
	if amount.IsInteger() {
		return amount.StringFixed(0)
	}
	return amount.StringFixed(2)
}

func resultLabel(r SyncResult) string {
	switch r.(type) {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case TransportFailure:
		return "transport_failure"
	case Unparsed:
		return "unparsed"
	}
	return "unknown"
}
