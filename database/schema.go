package database

var schema = []string{
	`CREATE TABLE IF NOT EXISTS payment_transactions (
		id BIGSERIAL PRIMARY KEY,
		transaction_id VARCHAR(50) NOT NULL UNIQUE,
		third_party_reference VARCHAR(20) NOT NULL UNIQUE,
		conversation_id VARCHAR(100),
		provider_transaction_id VARCHAR(100),
		payment_type VARCHAR(20) NOT NULL DEFAULT 'c2b',
		payment_provider VARCHAR(50) NOT NULL DEFAULT 'mpesa_mozambique',
		status VARCHAR(20) NOT NULL DEFAULT 'pending',
		amount NUMERIC(12, 2) NOT NULL CHECK (amount > 0),
		currency VARCHAR(3) NOT NULL DEFAULT 'MZN',
		fees NUMERIC(12, 2),
		net_amount NUMERIC(12, 2),
		phone_number VARCHAR(20) NOT NULL,
		customer_name VARCHAR(200) NOT NULL DEFAULT '',
		customer_email VARCHAR(255) NOT NULL DEFAULT '',
		account_reference VARCHAR(50) NOT NULL,
		description VARCHAR(500) NOT NULL DEFAULT '',
		entity_type VARCHAR(50) NOT NULL DEFAULT '',
		entity_id VARCHAR(100) NOT NULL DEFAULT '',
		idempotency_key VARCHAR(100) UNIQUE,
		provider_response_code VARCHAR(20),
		provider_response_description TEXT,
		provider_raw_response JSONB,
		callback_received_at TIMESTAMPTZ,
		callback_raw_data JSONB,
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		deleted_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		completed_at TIMESTAMPTZ,
		expires_at TIMESTAMPTZ NOT NULL,
		submitted_at TIMESTAMPTZ
	)`,
	`ALTER TABLE payment_transactions ADD COLUMN IF NOT EXISTS submitted_at TIMESTAMPTZ`,
	`CREATE INDEX IF NOT EXISTS idx_payment_transactions_conversation_id
		ON payment_transactions (conversation_id)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_transactions_status_created
		ON payment_transactions (status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_transactions_status_expires
		ON payment_transactions (status, expires_at)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_transactions_entity
		ON payment_transactions (entity_type, entity_id)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_transactions_phone_status
		ON payment_transactions (phone_number, status)`,

	`CREATE TABLE IF NOT EXISTS payment_audit_logs (
		id BIGSERIAL PRIMARY KEY,
		transaction_id VARCHAR(50),
		action VARCHAR(50) NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		request_url VARCHAR(500) NOT NULL DEFAULT '',
		request_method VARCHAR(10) NOT NULL DEFAULT '',
		request_body JSONB,
		response_body JSONB,
		response_status_code INTEGER,
		response_time_ms BIGINT,
		error_type VARCHAR(100) NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		ip_address VARCHAR(45) NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_audit_logs_transaction
		ON payment_audit_logs (transaction_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_audit_logs_action
		ON payment_audit_logs (action, created_at)`,

	`CREATE TABLE IF NOT EXISTS payment_webhook_logs (
		id BIGSERIAL PRIMARY KEY,
		provider VARCHAR(50) NOT NULL DEFAULT 'mpesa_mozambique',
		webhook_type VARCHAR(50) NOT NULL,
		request_headers JSONB,
		request_body JSONB,
		raw_body TEXT NOT NULL DEFAULT '',
		ip_address VARCHAR(45) NOT NULL DEFAULT '',
		outcome VARCHAR(20) NOT NULL DEFAULT 'received',
		processing_error TEXT NOT NULL DEFAULT '',
		transaction_id VARCHAR(50),
		received_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_webhook_logs_received
		ON payment_webhook_logs (received_at)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_webhook_logs_outcome
		ON payment_webhook_logs (outcome, received_at)`,
}
