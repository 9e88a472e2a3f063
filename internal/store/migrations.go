package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Migrations returns the schema statements, one per element.
func Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id         UUID PRIMARY KEY,
			owner_id   TEXT NOT NULL UNIQUE,
			currency   TEXT NOT NULL,
			kind       TEXT NOT NULL DEFAULT 'user' CHECK (kind IN ('user', 'system')),
			balance    BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			CONSTRAINT user_balance_non_negative CHECK (kind = 'system' OR balance >= 0)
		)`,

		`CREATE TABLE IF NOT EXISTS transactions (
			id                   TEXT PRIMARY KEY,
			type                 TEXT NOT NULL CHECK (type IN ('send', 'deposit', 'withdrawal')),
			amount               BIGINT NOT NULL CHECK (amount > 0),
			fee                  BIGINT NOT NULL DEFAULT 0,
			sender_account_id    UUID REFERENCES accounts(id),
			recipient_account_id UUID REFERENCES accounts(id),
			status               TEXT NOT NULL CHECK (status IN ('created', 'completed', 'pending_confirmation', 'blocked', 'failed', 'cancelled')),
			is_risky             BOOLEAN NOT NULL DEFAULT false,
			risk_reason          TEXT,
			failure_reason       TEXT,
			description          TEXT NOT NULL DEFAULT '',
			bank_ref             TEXT,
			speed                TEXT CHECK (speed IN ('standard', 'instant')),
			estimated_arrival    TIMESTAMPTZ,
			request_hash         TEXT NOT NULL,
			created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_sender ON transactions(sender_account_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_recipient ON transactions(recipient_account_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_pending ON transactions(status, created_at) WHERE status = 'pending_confirmation'`,

		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id             BIGSERIAL PRIMARY KEY,
			account_id     UUID NOT NULL REFERENCES accounts(id),
			amount         BIGINT NOT NULL CHECK (amount <> 0),
			balance_after  BIGINT NOT NULL,
			transaction_id TEXT NOT NULL REFERENCES transactions(id),
			description    TEXT NOT NULL DEFAULT '',
			created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (transaction_id, account_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_account ON ledger_entries(account_id, id DESC)`,

		`CREATE TABLE IF NOT EXISTS money_requests (
			id                        UUID PRIMARY KEY,
			requester_account_id      UUID NOT NULL REFERENCES accounts(id),
			requested_from_account_id UUID NOT NULL REFERENCES accounts(id),
			amount                    BIGINT NOT NULL CHECK (amount > 0),
			note                      TEXT,
			status                    TEXT NOT NULL CHECK (status IN ('pending', 'accepted', 'declined', 'cancelled')),
			linked_transaction_id     TEXT REFERENCES transactions(id),
			created_at                TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at                TIMESTAMPTZ NOT NULL DEFAULT now(),
			responded_at              TIMESTAMPTZ,
			CONSTRAINT link_iff_accepted CHECK ((status = 'accepted') = (linked_transaction_id IS NOT NULL))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_money_requests_pending ON money_requests(status, created_at) WHERE status = 'pending'`,

		`CREATE TABLE IF NOT EXISTS risk_settings (
			name       TEXT PRIMARY KEY,
			value      DOUBLE PRECISION NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
}

// Migrate applies the schema. Statements are idempotent.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	for i, stmt := range Migrations() {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
