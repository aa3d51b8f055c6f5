package payment

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"mpesa-payment-svc/config"
	"mpesa-payment-svc/credentials"
	"mpesa-payment-svc/models"
	"mpesa-payment-svc/mpesa"
)

func testConfig() *config.Config {
	return &config.Config{
		MPesa: config.MPesaConfig{Currency: "MZN"},
		Payment: config.PaymentConfig{
			MinAmount:          1,
			MaxAmount:          150000,
			ReferenceMaxLength: 20,
			DescriptionMaxLen:  500,
			ExpiryWindow:       5 * time.Minute,
			SweepBatchSize:     100,
		},
	}
}

func newTestService(t *testing.T, h *harness) *Service {
	return NewService(testConfig(), h.deps(), zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel)))
}

func validRequest() models.InitiatePaymentRequest {
	return models.InitiatePaymentRequest{
		PhoneNumber: "84 333 0333",
		Amount:      decimal.NewFromInt(100),
		Reference:   "CONSULT123",
		Description: "Consulta",
		EntityType:  "consultation",
		EntityID:    "42",
	}
}

func TestInitiate_Accepted(t *testing.T) {
	h := newHarness()
	svc := newTestService(t, h)

	res, err := svc.Initiate(context.Background(), validRequest(), RequestMeta{IPAddress: "10.0.0.1"})
	if err != nil {
		t.Fatalf("Initiate returned error: %v", err)
	}
	if res.Outcome != OutcomeCreated {
		t.Errorf("Expected outcome created, got %s", res.Outcome)
	}
	if res.Transaction.Status != models.PaymentStatusPending {
		t.Errorf("Expected status pending, got %s", res.Transaction.Status)
	}
	if res.Transaction.ConversationID == nil || *res.Transaction.ConversationID != "CONV-"+res.Transaction.CorrelationToken {
		t.Errorf("Expected conversation id to be recorded, got %v", res.Transaction.ConversationID)
	}

	if h.gateway.calls() != 1 {
		t.Fatalf("Expected 1 gateway call, got %d", h.gateway.calls())
	}
	sent := h.gateway.requests[0]
	if sent.CustomerMSISDN != "258843330333" {
		t.Errorf("Expected normalized MSISDN 258843330333, got %s", sent.CustomerMSISDN)
	}
	if sent.TransactionReference != "CONSULT123" {
		t.Errorf("Expected reference CONSULT123, got %s", sent.TransactionReference)
	}
	if sent.ThirdPartyReference != res.Transaction.CorrelationToken {
		t.Errorf("Expected correlation token %s, got %s", res.Transaction.CorrelationToken, sent.ThirdPartyReference)
	}

	stored, _ := h.store.Get(context.Background(), res.Transaction.ID)
	if stored.ConversationID == nil {
		t.Error("Expected stored row to carry the conversation id")
	}

	actions := h.audit.actions()
	if len(actions) != 2 || actions[0] != models.AuditPaymentInitiated || actions[1] != models.AuditPaymentSubmitted {
		t.Errorf("Expected initiated then submitted audit entries, got %v", actions)
	}
	if h.publisher.count() != 0 {
		t.Errorf("Expected no events for a pending payment, got %d", h.publisher.count())
	}

	body := InitiateResponse(res)
	if !body.Success || body.PhoneNumber != "258843***33" {
		t.Errorf("Expected successful response with masked phone, got %+v", body)
	}
}

func TestInitiate_ValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.InitiatePaymentRequest)
		field  string
	}{
		{"non mozambique number", func(r *models.InitiatePaymentRequest) { r.PhoneNumber = "27821234567" }, "phone_number"},
		{"wrong prefix", func(r *models.InitiatePaymentRequest) { r.PhoneNumber = "258823330333" }, "phone_number"},
		{"amount too low", func(r *models.InitiatePaymentRequest) { r.Amount = decimal.RequireFromString("0.5") }, "amount"},
		{"amount too high", func(r *models.InitiatePaymentRequest) { r.Amount = decimal.NewFromInt(150001) }, "amount"},
		{"too many decimals", func(r *models.InitiatePaymentRequest) { r.Amount = decimal.RequireFromString("10.123") }, "amount"},
		{"blank reference", func(r *models.InitiatePaymentRequest) { r.Reference = "  \t" }, "account_reference"},
		{"long reference", func(r *models.InitiatePaymentRequest) { r.Reference = "ABCDEFGHIJKLMNOPQRSTU" }, "account_reference"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			svc := newTestService(t, h)
			req := validRequest()
			tt.mutate(&req)

			_, err := svc.Initiate(context.Background(), req, RequestMeta{})
			var pe *Error
			if !errors.As(err, &pe) {
				t.Fatalf("Expected *Error, got %v", err)
			}
			if pe.Code != CodeValidation {
				t.Errorf("Expected code %s, got %s", CodeValidation, pe.Code)
			}
			if pe.Details["field"] != tt.field {
				t.Errorf("Expected field %s, got %v", tt.field, pe.Details["field"])
			}
			if h.gateway.calls() != 0 {
				t.Errorf("Expected no gateway calls, got %d", h.gateway.calls())
			}
			if len(h.store.rows) != 0 {
				t.Errorf("Expected no stored rows, got %d", len(h.store.rows))
			}
		})
	}
}

func TestInitiate_Rejected(t *testing.T) {
	h := newHarness()
	h.gateway.result = func(mpesa.SubmitRequest) (mpesa.SyncResult, error) {
		return mpesa.Rejected{
			Exchange:     mpesa.Exchange{HTTPStatus: 422},
			ResponseCode: "INS-2006",
			Reason:       mpesa.Describe("INS-2006"),
			Category:     mpesa.Categorize("INS-2006"),
		}, nil
	}
	svc := newTestService(t, h)

	res, err := svc.Initiate(context.Background(), validRequest(), RequestMeta{})
	if err != nil {
		t.Fatalf("Initiate returned error: %v", err)
	}
	if res.Outcome != OutcomeRejected {
		t.Fatalf("Expected outcome rejected, got %s", res.Outcome)
	}
	if res.Transaction.Status != models.PaymentStatusFailed {
		t.Errorf("Expected status failed, got %s", res.Transaction.Status)
	}
	if res.Category != mpesa.CategoryInsufficientFunds {
		t.Errorf("Expected insufficient funds category, got %s", res.Category)
	}
	if CodeOf(res.Err()) != CodeProviderRejected {
		t.Errorf("Expected PROVIDER_REJECTED, got %s", CodeOf(res.Err()))
	}

	if h.publisher.count() != 1 || h.publisher.events[0].EventType != EventPaymentFailed {
		t.Errorf("Expected one payment_failed event, got %+v", h.publisher.events)
	}
	if _, ok := h.cache.Get(context.Background(), res.Transaction.ID); !ok {
		t.Error("Expected terminal status to be cached")
	}
}

func TestInitiate_AmbiguousLeavesPending(t *testing.T) {
	results := map[string]mpesa.SyncResult{
		"timeout":  mpesa.TransportFailure{Err: context.DeadlineExceeded, Sent: true},
		"unparsed": mpesa.Unparsed{Exchange: mpesa.Exchange{HTTPStatus: 502, ResponseBody: []byte("<html>")}},
	}
	for name, result := range results {
		t.Run(name, func(t *testing.T) {
			h := newHarness()
			h.gateway.result = func(mpesa.SubmitRequest) (mpesa.SyncResult, error) { return result, nil }
			svc := newTestService(t, h)

			res, err := svc.Initiate(context.Background(), validRequest(), RequestMeta{})
			if err != nil {
				t.Fatalf("Initiate returned error: %v", err)
			}
			if res.Outcome != OutcomeAmbiguous {
				t.Errorf("Expected outcome ambiguous, got %s", res.Outcome)
			}
			stored, _ := h.store.Get(context.Background(), res.Transaction.ID)
			if stored.Status != models.PaymentStatusPending {
				t.Errorf("Expected stored status pending, got %s", stored.Status)
			}
			if h.publisher.count() != 0 {
				t.Errorf("Expected no events, got %d", h.publisher.count())
			}
		})
	}
}

func TestInitiate_ProviderNotContacted(t *testing.T) {
	tests := []struct {
		err  error
		code ErrorCode
	}{
		{mpesa.ErrUnavailable, CodeProviderUnavailable},
		{mpesa.ErrCredentials, CodeConfiguration},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			h := newHarness()
			h.gateway.result = func(mpesa.SubmitRequest) (mpesa.SyncResult, error) { return nil, tt.err }
			svc := newTestService(t, h)

			_, err := svc.Initiate(context.Background(), validRequest(), RequestMeta{})
			var pe *Error
			if !errors.As(err, &pe) {
				t.Fatalf("Expected *Error, got %v", err)
			}
			if pe.Code != tt.code {
				t.Errorf("Expected code %s, got %s", tt.code, pe.Code)
			}
			id, _ := pe.Details["transaction_id"].(string)
			stored, getErr := h.store.Get(context.Background(), id)
			if getErr != nil {
				t.Fatalf("Expected row to exist for %s: %v", id, getErr)
			}
			if stored.Status != models.PaymentStatusPending {
				t.Errorf("Expected status pending, got %s", stored.Status)
			}
		})
	}
}

func TestInitiate_IncompleteProviderConfiguration(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"output_ResponseCode":"INS-13","output_ResponseDesc":"Invalid Shortcode Used"}`))
	}))
	defer server.Close()
	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))

	tests := []struct {
		name   string
		spCode string
	}{
		{"production without public key", "171717"},
		{"production without public key or service provider code", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.MPesa.Environment = "production"
			cfg.MPesa.BaseURL = server.URL
			cfg.MPesa.ServiceProviderCode = tt.spCode
			cfg.Payment.RequestTimeout = time.Second
			cfg.Payment.BreakerMaxFailures = 5
			cfg.Payment.BreakerResetTimeout = time.Minute

			tokens, err := credentials.NewEncrypter("super-secret-api-key", "", cfg.MPesa.IsProduction(), logger)
			if err != nil {
				t.Fatalf("NewEncrypter returned error: %v", err)
			}
			h := newHarness()
			deps := h.deps()
			deps.Gateway = mpesa.NewClient(cfg.MPesa, cfg.Payment, tokens, logger)
			svc := NewService(cfg, deps, logger)

			res, err := svc.Initiate(context.Background(), validRequest(), RequestMeta{})
			if res != nil {
				t.Errorf("Expected no result, got outcome %s", res.Outcome)
			}
			var pe *Error
			if !errors.As(err, &pe) || pe.Code != CodeConfiguration {
				t.Fatalf("Expected CONFIGURATION_ERROR, got %v", err)
			}
			id, _ := pe.Details["transaction_id"].(string)
			stored, getErr := h.store.Get(context.Background(), id)
			if getErr != nil {
				t.Fatalf("Expected row to exist for %s: %v", id, getErr)
			}
			if stored.Status != models.PaymentStatusPending {
				t.Errorf("Expected status pending, got %s", stored.Status)
			}
			if h.publisher.count() != 0 {
				t.Errorf("Expected no events, got %d", h.publisher.count())
			}
		})
	}
	if calls != 0 {
		t.Errorf("Provider must not be contacted, got %d calls", calls)
	}
}

func TestInitiate_RetryAfterProviderUnavailable(t *testing.T) {
	h := newHarness()
	var attempt int32
	h.gateway.result = func(req mpesa.SubmitRequest) (mpesa.SyncResult, error) {
		if atomic.AddInt32(&attempt, 1) == 1 {
			return nil, mpesa.ErrUnavailable
		}
		return acceptAll(req)
	}
	svc := newTestService(t, h)
	req := validRequest()
	req.IdempotencyKey = "booking-91"

	_, err := svc.Initiate(context.Background(), req, RequestMeta{})
	if CodeOf(err) != CodeProviderUnavailable {
		t.Fatalf("Expected PROVIDER_UNAVAILABLE, got %v", err)
	}

	res, err := svc.Initiate(context.Background(), req, RequestMeta{})
	if err != nil {
		t.Fatalf("Retry returned error: %v", err)
	}
	if res.Outcome != OutcomeCreated {
		t.Errorf("Expected outcome created, got %s", res.Outcome)
	}
	if h.gateway.calls() != 2 {
		t.Errorf("Expected 2 gateway calls, got %d", h.gateway.calls())
	}
	if res.Transaction.ConversationID == nil {
		t.Error("Expected conversation id from the accepted retry")
	}
	if len(h.store.rows) != 1 {
		t.Errorf("Expected 1 stored row, got %d", len(h.store.rows))
	}

	third, err := svc.Initiate(context.Background(), req, RequestMeta{})
	if err != nil {
		t.Fatalf("Third Initiate returned error: %v", err)
	}
	if third.Outcome != OutcomeReplayed || h.gateway.calls() != 2 {
		t.Errorf("Expected plain replay once submitted, got %s with %d calls", third.Outcome, h.gateway.calls())
	}
}

func TestInitiate_AmbiguousIsNeverResubmitted(t *testing.T) {
	h := newHarness()
	h.gateway.result = func(mpesa.SubmitRequest) (mpesa.SyncResult, error) {
		return mpesa.TransportFailure{Err: errors.New("read: connection reset"), Sent: true}, nil
	}
	svc := newTestService(t, h)
	req := validRequest()
	req.IdempotencyKey = "booking-92"

	first, err := svc.Initiate(context.Background(), req, RequestMeta{})
	if err != nil || first.Outcome != OutcomeAmbiguous {
		t.Fatalf("Expected ambiguous outcome, got %v (%v)", first, err)
	}
	second, err := svc.Initiate(context.Background(), req, RequestMeta{})
	if err != nil {
		t.Fatalf("Second Initiate returned error: %v", err)
	}
	if second.Outcome != OutcomeReplayed {
		t.Errorf("Expected outcome replayed, got %s", second.Outcome)
	}
	if h.gateway.calls() != 1 {
		t.Errorf("Expected 1 gateway call, got %d", h.gateway.calls())
	}
}

func TestInitiate_IdempotentReplay(t *testing.T) {
	h := newHarness()
	svc := newTestService(t, h)
	req := validRequest()
	req.IdempotencyKey = "booking-42"

	first, err := svc.Initiate(context.Background(), req, RequestMeta{})
	if err != nil {
		t.Fatalf("First Initiate returned error: %v", err)
	}
	second, err := svc.Initiate(context.Background(), req, RequestMeta{})
	if err != nil {
		t.Fatalf("Second Initiate returned error: %v", err)
	}

	if second.Outcome != OutcomeReplayed {
		t.Errorf("Expected outcome replayed, got %s", second.Outcome)
	}
	if second.Transaction.ID != first.Transaction.ID {
		t.Errorf("Expected same transaction %s, got %s", first.Transaction.ID, second.Transaction.ID)
	}
	if h.gateway.calls() != 1 {
		t.Errorf("Expected 1 gateway call, got %d", h.gateway.calls())
	}
	if !InitiateResponse(second).Replayed {
		t.Error("Expected replayed flag on response")
	}
}

func TestInitiate_ConcurrentSameKey(t *testing.T) {
	h := newHarness()
	svc := newTestService(t, h)
	req := validRequest()
	req.IdempotencyKey = "booking-77"

	const n = 20
	var wg sync.WaitGroup
	ids := make([]string, n)
	outcomes := make([]Outcome, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.Initiate(context.Background(), req, RequestMeta{})
			if err != nil {
				t.Errorf("Initiate returned error: %v", err)
				return
			}
			ids[i] = res.Transaction.ID
			outcomes[i] = res.Outcome
		}(i)
	}
	wg.Wait()

	created := 0
	for i := range ids {
		if ids[i] != ids[0] {
			t.Errorf("Expected all callers to see %s, got %s", ids[0], ids[i])
		}
		if outcomes[i] == OutcomeCreated {
			created++
		}
	}
	if created != 1 {
		t.Errorf("Expected exactly 1 created outcome, got %d", created)
	}
	if h.gateway.calls() != 1 {
		t.Errorf("Expected 1 gateway call, got %d", h.gateway.calls())
	}
	if len(h.store.rows) != 1 {
		t.Errorf("Expected 1 stored row, got %d", len(h.store.rows))
	}
}

func TestStatus(t *testing.T) {
	h := newHarness()
	svc := newTestService(t, h)

	_, err := svc.Status(context.Background(), "TXNMISSING")
	if CodeOf(err) != CodeNotFound {
		t.Errorf("Expected NOT_FOUND, got %v", err)
	}

	res, err := svc.Initiate(context.Background(), validRequest(), RequestMeta{})
	if err != nil {
		t.Fatalf("Initiate returned error: %v", err)
	}
	status, err := svc.Status(context.Background(), res.Transaction.ID)
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if status.Status != models.PaymentStatusPending {
		t.Errorf("Expected status pending, got %s", status.Status)
	}
	if status.StatusDescription != models.PaymentStatusPending.Description() {
		t.Errorf("Expected description %q, got %q", models.PaymentStatusPending.Description(), status.StatusDescription)
	}
	if _, ok := h.cache.Get(context.Background(), res.Transaction.ID); ok {
		t.Error("Expected pending status not to be cached")
	}

	h.store.rows[res.Transaction.ID].Status = models.PaymentStatusCompleted
	if _, err := svc.Status(context.Background(), res.Transaction.ID); err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if _, ok := h.cache.Get(context.Background(), res.Transaction.ID); !ok {
		t.Error("Expected completed status to be cached")
	}
}
