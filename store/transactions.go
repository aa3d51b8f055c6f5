package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"mpesa-payment-svc/models"
)

const transactionColumns = `transaction_id, third_party_reference, conversation_id, provider_transaction_id,
	status, amount, currency, fees, net_amount, phone_number, customer_name, customer_email,
	account_reference, description, entity_type, entity_id, idempotency_key,
	provider_response_code, provider_response_description, provider_raw_response,
	callback_raw_data, callback_received_at, created_at, updated_at, completed_at, expires_at,
	submitted_at`

// Only these statuses may be left.
const openStatuses = `('pending', 'processing')`

// Submission is the evidence stored from an accepted synchronous response.
type Submission struct {
	ConversationID        string
	ProviderTransactionID string
	ResponseCode          string
	ResponseDesc          string
	Raw                   json.RawMessage
}

// Rejection is the evidence for a synchronous terminal transition.
type Rejection struct {
	Status       models.PaymentStatus
	ResponseCode string
	Reason       string
	Raw          json.RawMessage
}

// CallbackResult is the evidence applied by a provider callback.
type CallbackResult struct {
	Status                models.PaymentStatus
	ConversationID        string
	ProviderTransactionID string
	ResultCode            string
	Reason                string
	Raw                   json.RawMessage
	ReceivedAt            time.Time
}

// CallbackTx is the unit of work for a single callback. Every call runs in
// one database transaction that commits only if the callback succeeds.
type CallbackTx interface {
	LockForCallback(ctx context.Context, conversationID, correlationToken string) (*models.Transaction, error)
	ApplyCallback(ctx context.Context, transactionID string, result CallbackResult) (*models.Transaction, bool, error)
	MarkWebhook(ctx context.Context, webhookID int64, outcome models.WebhookOutcome, transactionID *string, processingError string) error
}

type TransactionStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewTransactionStore(db *sql.DB, logger *zap.Logger) *TransactionStore {
	return &TransactionStore{db: db, logger: logger}
}

func scanTransaction(row scanner) (*models.Transaction, error) {
	var tx models.Transaction
	var providerRaw, callbackRaw []byte
	err := row.Scan(
		&tx.ID, &tx.CorrelationToken, &tx.ConversationID, &tx.ProviderTransactionID,
		&tx.Status, &tx.Amount, &tx.Currency, &tx.Fees, &tx.NetAmount, &tx.PhoneNumber,
		&tx.CustomerName, &tx.CustomerEmail, &tx.Reference, &tx.Description,
		&tx.EntityType, &tx.EntityID, &tx.IdempotencyKey,
		&tx.ProviderResponseCode, &tx.ProviderResponseDesc, &providerRaw,
		&callbackRaw, &tx.CallbackReceivedAt, &tx.CreatedAt, &tx.UpdatedAt,
		&tx.CompletedAt, &tx.ExpiresAt, &tx.SubmittedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	tx.ProviderRawResponse = providerRaw
	tx.CallbackRawData = callbackRaw
	return &tx, nil
}

// Create commits tx as a new PENDING row, already claimed for submission by
// the caller. When tx carries an idempotency key
// that is already in use, the existing row is returned and created is false.
func (s *TransactionStore) Create(ctx context.Context, tx *models.Transaction) (*models.Transaction, bool, error) {
	ctx, span := otel.Tracer("payment-service").Start(ctx, "TransactionStore.Create")
	defer span.End()
	span.SetAttributes(attribute.String("transaction.id", tx.ID))

	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbtx.Rollback()

	if tx.IdempotencyKey != nil {
		row := dbtx.QueryRowContext(ctx,
			`SELECT `+transactionColumns+` FROM payment_transactions
			WHERE idempotency_key = $1 AND is_deleted = FALSE
			FOR UPDATE SKIP LOCKED`,
			*tx.IdempotencyKey,
		)
		existing, err := scanTransaction(row)
		if err == nil {
			if err := dbtx.Commit(); err != nil {
				return nil, false, fmt.Errorf("failed to commit idempotent lookup: %w", err)
			}
			span.SetAttributes(attribute.Bool("idempotent.replay", true))
			return existing, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			span.RecordError(err)
			return nil, false, fmt.Errorf("failed to check idempotency key: %w", err)
		}
	}

	created := *tx
	created.Status = models.PaymentStatusPending
	err = dbtx.QueryRowContext(ctx,
		`INSERT INTO payment_transactions (
			transaction_id, third_party_reference, status, amount, currency, phone_number,
			customer_name, customer_email, account_reference, description, entity_type,
			entity_id, idempotency_key, expires_at, submitted_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW())
		RETURNING created_at, updated_at, submitted_at`,
		created.ID, created.CorrelationToken, created.Status, created.Amount, created.Currency,
		created.PhoneNumber, created.CustomerName, created.CustomerEmail, created.Reference,
		created.Description, created.EntityType, created.EntityID, created.IdempotencyKey,
		created.ExpiresAt,
	).Scan(&created.CreatedAt, &created.UpdatedAt, &created.SubmittedAt)
	if err != nil {
		if isUniqueViolation(err) && tx.IdempotencyKey != nil {
			// Lost the race against a concurrent request with the same key
			dbtx.Rollback()
			existing, getErr := s.GetByIdempotencyKey(ctx, *tx.IdempotencyKey)
			if getErr != nil {
				return nil, false, fmt.Errorf("failed to load concurrent transaction: %w", getErr)
			}
			span.SetAttributes(attribute.Bool("idempotent.replay", true))
			return existing, false, nil
		}
		if isUniqueViolation(err) {
			return nil, false, fmt.Errorf("%w: %v", ErrDuplicateKey, err)
		}
		span.RecordError(err)
		return nil, false, fmt.Errorf("failed to insert transaction: %w", err)
	}

	if err := dbtx.Commit(); err != nil {
		span.RecordError(err)
		return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &created, true, nil
}

func (s *TransactionStore) Get(ctx context.Context, id string) (*models.Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM payment_transactions
		WHERE transaction_id = $1 AND is_deleted = FALSE`,
		id,
	)
	tx, err := scanTransaction(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, err
}

func (s *TransactionStore) GetByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM payment_transactions
		WHERE idempotency_key = $1 AND is_deleted = FALSE`,
		key,
	)
	tx, err := scanTransaction(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to get transaction by idempotency key: %w", err)
	}
	return tx, err
}

// ClaimSubmission marks a PENDING, unexpired row as handed to the provider.
// Exactly one caller wins the claim; it reports false for a row that is
// already claimed, no longer pending or past its expiry.
func (s *TransactionStore) ClaimSubmission(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payment_transactions SET submitted_at = NOW(), updated_at = NOW()
		WHERE transaction_id = $1 AND status = 'pending'
			AND submitted_at IS NULL AND expires_at > NOW()`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim submission: %w", err)
	}
	return rowsAffected(res)
}

// ReleaseSubmission drops the claim on a row whose request never reached the
// provider, so a retry with the same idempotency key may submit it again.
func (s *TransactionStore) ReleaseSubmission(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE payment_transactions SET submitted_at = NULL, updated_at = NOW()
		WHERE transaction_id = $1 AND status = 'pending'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to release submission: %w", err)
	}
	return nil
}

// RecordSubmission attaches the accepted sync response to a still-open row.
// It reports false when the row had already left the open states.
func (s *TransactionStore) RecordSubmission(ctx context.Context, id string, sub Submission) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payment_transactions SET
			conversation_id = COALESCE($2, conversation_id),
			provider_transaction_id = COALESCE($3, provider_transaction_id),
			provider_response_code = $4,
			provider_response_description = $5,
			provider_raw_response = $6,
			updated_at = NOW()
		WHERE transaction_id = $1 AND status IN `+openStatuses,
		id, nullString(sub.ConversationID), nullString(sub.ProviderTransactionID),
		sub.ResponseCode, sub.ResponseDesc, jsonArg(sub.Raw),
	)
	if err != nil {
		return false, fmt.Errorf("failed to record submission: %w", err)
	}
	return rowsAffected(res)
}

// Transition moves an open row to a terminal status. A row that is already
// terminal is left untouched and applied is false.
func (s *TransactionStore) Transition(ctx context.Context, id string, rej Rejection) (*models.Transaction, bool, error) {
	if !rej.Status.IsTerminal() {
		return nil, false, fmt.Errorf("transition target %q is not terminal", rej.Status)
	}

	row := s.db.QueryRowContext(ctx,
		`UPDATE payment_transactions SET
			status = $2,
			provider_response_code = COALESCE($3, provider_response_code),
			provider_response_description = COALESCE($4, provider_response_description),
			provider_raw_response = COALESCE($5, provider_raw_response),
			updated_at = NOW()
		WHERE transaction_id = $1 AND status IN `+openStatuses+`
		RETURNING `+transactionColumns,
		id, rej.Status, nullString(rej.ResponseCode), nullString(rej.Reason), jsonArg(rej.Raw),
	)
	tx, err := scanTransaction(row)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to transition transaction: %w", err)
	}
	return tx, true, nil
}

// ExpirePending moves up to limit PENDING rows whose expires_at is before now
// to EXPIRED and returns them. Rows locked by an in-flight callback are skipped.
func (s *TransactionStore) ExpirePending(ctx context.Context, now time.Time, limit int) ([]models.Transaction, error) {
	ctx, span := otel.Tracer("payment-service").Start(ctx, "TransactionStore.ExpirePending")
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`WITH due AS (
			SELECT id FROM payment_transactions
			WHERE status = 'pending' AND expires_at < $1 AND is_deleted = FALSE
			ORDER BY expires_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE payment_transactions SET
			status = 'expired',
			provider_response_description = COALESCE(provider_response_description, $3),
			updated_at = $1
		FROM due
		WHERE payment_transactions.id = due.id AND payment_transactions.status = 'pending'
		RETURNING `+transactionColumns,
		now, limit, models.PaymentStatusExpired.Description(),
	)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to expire transactions: %w", err)
	}
	defer rows.Close()

	var expired []models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan expired transaction: %w", err)
		}
		expired = append(expired, *tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate expired transactions: %w", err)
	}
	span.SetAttributes(attribute.Int("expired.count", len(expired)))
	return expired, nil
}

// InCallbackTx runs fn in one database transaction, committing when fn
// returns nil.
func (s *TransactionStore) InCallbackTx(ctx context.Context, fn func(CallbackTx) error) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin callback transaction: %w", err)
	}
	defer dbtx.Rollback()

	if err := fn(&callbackTx{tx: dbtx}); err != nil {
		return err
	}
	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("failed to commit callback transaction: %w", err)
	}
	return nil
}

type callbackTx struct {
	tx *sql.Tx
}

func (c *callbackTx) LockForCallback(ctx context.Context, conversationID, correlationToken string) (*models.Transaction, error) {
	if conversationID != "" {
		row := c.tx.QueryRowContext(ctx,
			`SELECT `+transactionColumns+` FROM payment_transactions
			WHERE conversation_id = $1 AND is_deleted = FALSE
			ORDER BY created_at DESC LIMIT 1
			FOR UPDATE`,
			conversationID,
		)
		tx, err := scanTransaction(row)
		if err == nil {
			return tx, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("failed to lock by conversation id: %w", err)
		}
	}

	if correlationToken == "" {
		return nil, ErrNotFound
	}
	row := c.tx.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM payment_transactions
		WHERE third_party_reference = $1 AND is_deleted = FALSE
		FOR UPDATE`,
		correlationToken,
	)
	tx, err := scanTransaction(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to lock by correlation token: %w", err)
	}
	return tx, err
}

func (c *callbackTx) ApplyCallback(ctx context.Context, id string, res CallbackResult) (*models.Transaction, bool, error) {
	if !res.Status.IsTerminal() {
		return nil, false, fmt.Errorf("callback target %q is not terminal", res.Status)
	}

	var completedAt *time.Time
	var fees decimal.NullDecimal
	if res.Status == models.PaymentStatusCompleted {
		completedAt = &res.ReceivedAt
		// No fee model: net equals gross
		fees = decimal.NewNullDecimal(decimal.Zero)
	}

	row := c.tx.QueryRowContext(ctx,
		`UPDATE payment_transactions SET
			status = $2,
			conversation_id = COALESCE(conversation_id, $3),
			provider_transaction_id = COALESCE($4, provider_transaction_id),
			provider_response_code = $5,
			provider_response_description = $6,
			callback_raw_data = $7,
			callback_received_at = $8,
			completed_at = $9,
			fees = $10,
			net_amount = CASE WHEN $2 = 'completed' THEN amount ELSE NULL END,
			updated_at = NOW()
		WHERE transaction_id = $1 AND status IN `+openStatuses+`
		RETURNING `+transactionColumns,
		id, res.Status, nullString(res.ConversationID), nullString(res.ProviderTransactionID),
		res.ResultCode, res.Reason, jsonArg(res.Raw), res.ReceivedAt, completedAt, fees,
	)
	tx, err := scanTransaction(row)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to apply callback: %w", err)
	}
	return tx, true, nil
}

func (c *callbackTx) MarkWebhook(ctx context.Context, webhookID int64, outcome models.WebhookOutcome, transactionID *string, processingError string) error {
	return markWebhook(ctx, c.tx, webhookID, outcome, transactionID, processingError)
}

func rowsAffected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}
