package db

import (
	"context"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

type Options struct {
	URL             string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// Open connects through the pgx database/sql driver and verifies the
// connection before returning.
func Open(ctx context.Context, opts Options) (*sqlx.DB, error) {
	conn, err := sqlx.Open("pgx", opts.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(opts.MaxOpenConns)
		conn.SetMaxIdleConns(opts.MaxOpenConns)
	}
	if opts.ConnMaxLifetime > 0 {
		conn.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return conn, nil
}

// Migrate creates the schema if it does not exist yet. Every statement is
// idempotent so it runs on each boot.
func Migrate(ctx context.Context, conn *sqlx.DB) error {
	for i, stmt := range schema {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i, err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS provinces (
		id   BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS cantons (
		id          BIGSERIAL PRIMARY KEY,
		province_id BIGINT NOT NULL REFERENCES provinces(id),
		name        TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS neighborhoods (
		id        BIGSERIAL PRIMARY KEY,
		canton_id BIGINT NOT NULL REFERENCES cantons(id),
		name      TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS bingo_tables (
		id                  BIGSERIAL PRIMARY KEY,
		code                TEXT NOT NULL UNIQUE,
		file_name           TEXT NOT NULL DEFAULT '',
		file_url            TEXT,
		delivered           BOOLEAN NOT NULL DEFAULT FALSE,
		manual_registration BOOLEAN NOT NULL DEFAULT FALSE,
		ocr_validated       BOOLEAN NOT NULL DEFAULT FALSE,
		ocr_confidence      DOUBLE PRECISION,
		ocr_keywords        TEXT,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS bingo_tables_available_idx ON bingo_tables (id) WHERE NOT delivered`,
	`CREATE TABLE IF NOT EXISTS users (
		id                BIGSERIAL PRIMARY KEY,
		phone             TEXT NOT NULL,
		id_card           TEXT NOT NULL,
		first_name        TEXT,
		last_name         TEXT,
		phone_verified    BOOLEAN NOT NULL DEFAULT FALSE,
		otp_hash          TEXT,
		otp_expires_at    TIMESTAMPTZ,
		assigned_table_id BIGINT REFERENCES bingo_tables(id),
		province_id       BIGINT REFERENCES provinces(id),
		canton_id         BIGINT REFERENCES cantons(id),
		neighborhood_id   BIGINT REFERENCES neighborhoods(id),
		address_detail    TEXT,
		latitude          DOUBLE PRECISION,
		longitude         DOUBLE PRECISION,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS users_phone_verified_uq ON users (phone) WHERE phone_verified`,
	`CREATE UNIQUE INDEX IF NOT EXISTS users_id_card_verified_uq ON users (id_card) WHERE phone_verified`,
	`CREATE UNIQUE INDEX IF NOT EXISTS users_assigned_table_uq ON users (assigned_table_id) WHERE assigned_table_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS users_phone_idx ON users (phone)`,
	`CREATE INDEX IF NOT EXISTS users_id_card_idx ON users (id_card)`,
	`CREATE TABLE IF NOT EXISTS campaigns (
		id                    BIGSERIAL PRIMARY KEY,
		name                  TEXT NOT NULL,
		message_template      TEXT NOT NULL,
		filters               JSONB NOT NULL DEFAULT '[]',
		total_recipients      INTEGER NOT NULL,
		interval_minutes      INTEGER NOT NULL CHECK (interval_minutes > 0),
		max_messages_per_hour INTEGER NOT NULL CHECK (max_messages_per_hour > 0),
		status                TEXT NOT NULL DEFAULT 'pending'
		                      CHECK (status IN ('pending', 'running', 'paused', 'completed', 'cancelled')),
		image_key             TEXT,
		image_file_name       TEXT,
		created_by            TEXT NOT NULL DEFAULT '',
		created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
		started_at            TIMESTAMPTZ,
		completed_at          TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS campaign_recipient_logs (
		id            BIGSERIAL PRIMARY KEY,
		campaign_id   BIGINT NOT NULL REFERENCES campaigns(id),
		user_id       BIGINT NOT NULL,
		phone         TEXT NOT NULL,
		first_name    TEXT,
		last_name     TEXT,
		status        TEXT NOT NULL DEFAULT 'pending'
		              CHECK (status IN ('pending', 'sent', 'error', 'cancelled')),
		error_message TEXT,
		sent_at       TIMESTAMPTZ,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS campaign_recipient_logs_campaign_idx
		ON campaign_recipient_logs (campaign_id, status, id)`,
}
