package payment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"mpesa-payment-svc/models"
	"mpesa-payment-svc/mpesa"
	"mpesa-payment-svc/store"
)

// memStore mimics the row-level guarantees of the SQL store: unique
// idempotency keys, guarded transitions and serialised callback units.
type memStore struct {
	mu       sync.Mutex
	rows     map[string]*models.Transaction
	webhooks *memWebhooks
	failTx   error
}

func newMemStore(webhooks *memWebhooks) *memStore {
	return &memStore{rows: make(map[string]*models.Transaction), webhooks: webhooks}
}

func clone(tx *models.Transaction) *models.Transaction {
	c := *tx
	return &c
}

func (m *memStore) Create(_ context.Context, tx *models.Transaction) (*models.Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx.IdempotencyKey != nil {
		for _, row := range m.rows {
			if row.IdempotencyKey != nil && *row.IdempotencyKey == *tx.IdempotencyKey {
				return clone(row), false, nil
			}
		}
	}
	if _, ok := m.rows[tx.ID]; ok {
		return nil, false, store.ErrDuplicateKey
	}
	row := clone(tx)
	row.Status = models.PaymentStatusPending
	row.CreatedAt = time.Now().UTC()
	row.UpdatedAt = row.CreatedAt
	row.SubmittedAt = &row.CreatedAt
	m.rows[row.ID] = row
	return clone(row), true, nil
}

func (m *memStore) Get(_ context.Context, id string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(row), nil
}

func (m *memStore) ClaimSubmission(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	now := time.Now().UTC()
	if !ok || row.Status != models.PaymentStatusPending || row.SubmittedAt != nil || !row.ExpiresAt.After(now) {
		return false, nil
	}
	row.SubmittedAt = &now
	return true, nil
}

func (m *memStore) ReleaseSubmission(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[id]; ok && row.Status == models.PaymentStatusPending {
		row.SubmittedAt = nil
	}
	return nil
}

func (m *memStore) RecordSubmission(_ context.Context, id string, sub store.Submission) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok || row.Status.IsTerminal() {
		return false, nil
	}
	if sub.ConversationID != "" {
		row.ConversationID = &sub.ConversationID
	}
	if sub.ProviderTransactionID != "" {
		row.ProviderTransactionID = &sub.ProviderTransactionID
	}
	row.ProviderResponseCode = &sub.ResponseCode
	row.ProviderResponseDesc = &sub.ResponseDesc
	row.ProviderRawResponse = sub.Raw
	return true, nil
}

func (m *memStore) Transition(_ context.Context, id string, rej store.Rejection) (*models.Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok || row.Status.IsTerminal() {
		return nil, false, nil
	}
	row.Status = rej.Status
	if rej.ResponseCode != "" {
		row.ProviderResponseCode = &rej.ResponseCode
	}
	if rej.Reason != "" {
		row.ProviderResponseDesc = &rej.Reason
	}
	return clone(row), true, nil
}

func (m *memStore) ExpirePending(_ context.Context, now time.Time, limit int) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*models.Transaction
	for _, row := range m.rows {
		if row.Status == models.PaymentStatusPending && row.ExpiresAt.Before(now) {
			due = append(due, row)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]models.Transaction, 0, len(due))
	for _, row := range due {
		row.Status = models.PaymentStatusExpired
		out = append(out, *clone(row))
	}
	return out, nil
}

func (m *memStore) InCallbackTx(_ context.Context, fn func(store.CallbackTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failTx != nil {
		return m.failTx
	}
	snapshot := make(map[string]*models.Transaction, len(m.rows))
	for id, row := range m.rows {
		snapshot[id] = clone(row)
	}
	cb := &memCallbackTx{store: m}
	if err := fn(cb); err != nil {
		m.rows = snapshot
		return err
	}
	for _, mark := range cb.marks {
		m.webhooks.Mark(context.Background(), mark.id, mark.outcome, mark.txID, mark.msg)
	}
	return nil
}

type pendingMark struct {
	id      int64
	outcome models.WebhookOutcome
	txID    *string
	msg     string
}

type memCallbackTx struct {
	store *memStore
	marks []pendingMark
}

func (c *memCallbackTx) LockForCallback(_ context.Context, conversationID, token string) (*models.Transaction, error) {
	for _, row := range c.store.rows {
		if conversationID != "" && row.ConversationID != nil && *row.ConversationID == conversationID {
			return clone(row), nil
		}
	}
	for _, row := range c.store.rows {
		if token != "" && row.CorrelationToken == token {
			return clone(row), nil
		}
	}
	return nil, store.ErrNotFound
}

func (c *memCallbackTx) ApplyCallback(_ context.Context, id string, res store.CallbackResult) (*models.Transaction, bool, error) {
	row, ok := c.store.rows[id]
	if !ok || row.Status.IsTerminal() {
		return nil, false, nil
	}
	row.Status = res.Status
	if row.ConversationID == nil && res.ConversationID != "" {
		row.ConversationID = &res.ConversationID
	}
	if res.ProviderTransactionID != "" {
		row.ProviderTransactionID = &res.ProviderTransactionID
	}
	row.ProviderResponseCode = &res.ResultCode
	row.ProviderResponseDesc = &res.Reason
	row.CallbackRawData = res.Raw
	row.CallbackReceivedAt = &res.ReceivedAt
	if res.Status == models.PaymentStatusCompleted {
		row.CompletedAt = &res.ReceivedAt
		row.Fees = decimal.NewNullDecimal(decimal.Zero)
		row.NetAmount = decimal.NewNullDecimal(row.Amount)
	}
	return clone(row), true, nil
}

func (c *memCallbackTx) MarkWebhook(_ context.Context, id int64, outcome models.WebhookOutcome, txID *string, msg string) error {
	c.marks = append(c.marks, pendingMark{id: id, outcome: outcome, txID: txID, msg: msg})
	return nil
}

type memWebhooks struct {
	mu        sync.Mutex
	entries   []models.WebhookLogEntry
	failWrite error
}

func (w *memWebhooks) Record(_ context.Context, e models.WebhookLogEntry) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failWrite != nil {
		return 0, w.failWrite
	}
	e.ID = int64(len(w.entries) + 1)
	e.Outcome = models.WebhookReceived
	w.entries = append(w.entries, e)
	return e.ID, nil
}

func (w *memWebhooks) Mark(_ context.Context, id int64, outcome models.WebhookOutcome, txID *string, msg string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if id < 1 || int(id) > len(w.entries) {
		return fmt.Errorf("webhook %d not found", id)
	}
	e := &w.entries[id-1]
	e.Outcome = outcome
	e.TransactionID = txID
	e.ProcessingError = msg
	return nil
}

func (w *memWebhooks) last() models.WebhookLogEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.entries[len(w.entries)-1]
}

type memAudit struct {
	mu      sync.Mutex
	entries []models.AuditLogEntry
}

func (a *memAudit) Record(_ context.Context, e models.AuditLogEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

func (a *memAudit) actions() []models.AuditAction {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]models.AuditAction, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.Action
	}
	return out
}

type stubGateway struct {
	mu       sync.Mutex
	requests []mpesa.SubmitRequest
	result   func(req mpesa.SubmitRequest) (mpesa.SyncResult, error)
}

func (g *stubGateway) Submit(_ context.Context, req mpesa.SubmitRequest) (mpesa.SyncResult, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	g.mu.Unlock()
	return g.result(req)
}

func (g *stubGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

func acceptAll(req mpesa.SubmitRequest) (mpesa.SyncResult, error) {
	return mpesa.Accepted{
		Exchange:            mpesa.Exchange{URL: "https://stub", HTTPStatus: 201, ResponseBody: []byte(`{"output_ResponseCode":"INS-0"}`)},
		ResponseCode:        mpesa.CodeSuccess,
		ResponseDesc:        "Request processed successfully",
		ConversationID:      "CONV-" + req.ThirdPartyReference,
		TransactionID:       "MP-" + req.ThirdPartyReference,
		ThirdPartyReference: req.ThirdPartyReference,
	}, nil
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) TransactionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("TXN%04d", s.n)
}

func (s *seqIDs) CorrelationToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("TOKEN%07d", s.n)
}

type memPublisher struct {
	mu     sync.Mutex
	events []models.PaymentEvent
}

func (p *memPublisher) Publish(_ context.Context, ev models.PaymentEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *memPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type memCache struct {
	mu    sync.Mutex
	items map[string]*models.PaymentStatusResponse
}

func (c *memCache) Get(_ context.Context, id string) (*models.PaymentStatusResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[id]
	return v, ok
}

func (c *memCache) Set(_ context.Context, s *models.PaymentStatusResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.items == nil {
		c.items = make(map[string]*models.PaymentStatusResponse)
	}
	c.items[s.TransactionID] = s
}

type harness struct {
	store     *memStore
	webhooks  *memWebhooks
	audit     *memAudit
	gateway   *stubGateway
	publisher *memPublisher
	cache     *memCache
}

func newHarness() *harness {
	webhooks := &memWebhooks{}
	return &harness{
		store:     newMemStore(webhooks),
		webhooks:  webhooks,
		audit:     &memAudit{},
		gateway:   &stubGateway{result: acceptAll},
		publisher: &memPublisher{},
		cache:     &memCache{},
	}
}

func (h *harness) deps() Dependencies {
	return Dependencies{
		Store:     h.store,
		Audit:     h.audit,
		Gateway:   h.gateway,
		IDs:       &seqIDs{},
		Publisher: h.publisher,
		Cache:     h.cache,
	}
}

var errBoom = errors.New("boom")
