package db

import (
	"context"
	"fmt"
	"time"

	"github.com/Dhoini/credit-ledger/pkg/logger"
	"github.com/jmoiron/sqlx"
)

// Migration одна версия схемы. SQL общий для PostgreSQL и SQLite.
type Migration struct {
	Version    string
	Name       string
	Statements []string
}

// Migrations упорядоченный список миграций.
var Migrations = []Migration{
	{
		Version: "20250101000001",
		Name:    "create_accounts_and_transactions",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS accounts (
    id          TEXT PRIMARY KEY,
    balance     BIGINT NOT NULL DEFAULT 0,
    beta        BOOLEAN NOT NULL DEFAULT FALSE,
    created_at  TIMESTAMP NOT NULL,
    updated_at  TIMESTAMP NOT NULL
)`,
			`CREATE TABLE IF NOT EXISTS transactions (
    id                       TEXT PRIMARY KEY,
    account_id               TEXT NOT NULL REFERENCES accounts (id),
    amount                   BIGINT NOT NULL,
    category                 TEXT NOT NULL,
    description              TEXT NOT NULL DEFAULT '',
    natural_key              TEXT,
    provider_payment_id      TEXT,
    provider_subscription_id TEXT,
    job_id                   TEXT,
    metadata                 TEXT NOT NULL DEFAULT '{}',
    balance_after            BIGINT NOT NULL,
    created_at               TIMESTAMP NOT NULL
)`,
			`CREATE INDEX IF NOT EXISTS idx_transactions_account ON transactions (account_id, id)`,
			`CREATE INDEX IF NOT EXISTS idx_transactions_job ON transactions (job_id)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS ux_transactions_natural_key ON transactions (natural_key)`,
			`CREATE TABLE IF NOT EXISTS idempotency_keys (
    natural_key    TEXT PRIMARY KEY,
    transaction_id TEXT,
    created_at     TIMESTAMP NOT NULL
)`,
		},
	},
	{
		Version: "20250101000002",
		Name:    "create_subscriptions",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS subscriptions (
    id                       TEXT PRIMARY KEY,
    plan_id                  TEXT NOT NULL DEFAULT '',
    account_id               TEXT NOT NULL REFERENCES accounts (id),
    provider                 TEXT NOT NULL,
    provider_subscription_id TEXT NOT NULL,
    status                   TEXT NOT NULL,
    period_start             TIMESTAMP NOT NULL,
    period_end               TIMESTAMP NOT NULL,
    cancel_at_period_end     BOOLEAN NOT NULL DEFAULT FALSE,
    seats                    INTEGER NOT NULL DEFAULT 1,
    last_event_at            TIMESTAMP,
    created_at               TIMESTAMP NOT NULL,
    updated_at               TIMESTAMP NOT NULL
)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS ux_subscriptions_provider ON subscriptions (provider, provider_subscription_id)`,
			`CREATE INDEX IF NOT EXISTS idx_subscriptions_account ON subscriptions (account_id)`,
		},
	},
	{
		Version: "20250101000003",
		Name:    "create_transcription_jobs",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS transcription_jobs (
    id               TEXT PRIMARY KEY,
    account_id       TEXT NOT NULL REFERENCES accounts (id),
    status           TEXT NOT NULL,
    estimate_credits BIGINT NOT NULL DEFAULT 0,
    duration_seconds BIGINT,
    credits_charged  BIGINT,
    error            TEXT,
    created_at       TIMESTAMP NOT NULL,
    resolved_at      TIMESTAMP
)`,
			`CREATE INDEX IF NOT EXISTS idx_transcription_jobs_account ON transcription_jobs (account_id)`,
		},
	},
	{
		Version: "20250101000004",
		Name:    "create_provider_customers_and_webhook_events",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS provider_customers (
    provider    TEXT NOT NULL,
    customer_id TEXT NOT NULL,
    account_id  TEXT NOT NULL REFERENCES accounts (id),
    created_at  TIMESTAMP NOT NULL,
    PRIMARY KEY (provider, customer_id)
)`,
			`CREATE TABLE IF NOT EXISTS webhook_events (
    provider      TEXT NOT NULL,
    event_id      TEXT NOT NULL,
    event_type    TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL,
    attempt_count INTEGER NOT NULL DEFAULT 1,
    payload       TEXT NOT NULL DEFAULT '',
    error_message TEXT,
    received_at   TIMESTAMP NOT NULL,
    processed_at  TIMESTAMP,
    PRIMARY KEY (provider, event_id)
)`,
			`CREATE INDEX IF NOT EXISTS idx_webhook_events_status ON webhook_events (status, received_at)`,
		},
	},
	{
		// окончание, пришедшее раньше самой подписки
		Version: "20250101000005",
		Name:    "create_subscription_ends",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS subscription_ends (
    provider                 TEXT NOT NULL,
    provider_subscription_id TEXT NOT NULL,
    event_id                 TEXT NOT NULL,
    reason                   TEXT NOT NULL DEFAULT '',
    period_end               TIMESTAMP,
    occurred_at              TIMESTAMP,
    created_at               TIMESTAMP NOT NULL,
    PRIMARY KEY (provider, provider_subscription_id)
)`,
		},
	},
}

// Migrate применяет недостающие миграции, каждую в своей транзакции.
func Migrate(ctx context.Context, conn *sqlx.DB, log *logger.Logger) (int, error) {
	if _, err := conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
    version    TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TIMESTAMP NOT NULL
)`); err != nil {
		return 0, fmt.Errorf("migrate: failed to create schema_migrations: %w", err)
	}

	var applied []string
	if err := conn.SelectContext(ctx, &applied, `SELECT version FROM schema_migrations`); err != nil {
		return 0, fmt.Errorf("migrate: failed to read applied versions: %w", err)
	}
	done := make(map[string]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}

	count := 0
	for _, m := range Migrations {
		if done[m.Version] {
			continue
		}
		if err := apply(ctx, conn, m); err != nil {
			log.Errorw("Migration failed", "version", m.Version, "name", m.Name, "error", err)
			return count, err
		}
		log.Infow("Migration applied", "version", m.Version, "name", m.Name)
		count++
	}
	return count, nil
}

func apply(ctx context.Context, conn *sqlx.DB, m Migration) error {
	tx, err := conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migrate %s: begin: %w", m.Version, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range m.Statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s (%s): %w", m.Version, m.Name, err)
		}
	}
	insert := tx.Rebind(`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, insert, m.Version, m.Name, time.Now().UTC()); err != nil {
		return fmt.Errorf("migrate %s: record version: %w", m.Version, err)
	}
	return tx.Commit()
}
