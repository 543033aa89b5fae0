package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection
func NewDB(cfg Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Printf("Successfully connected to PostgreSQL database: %s", cfg.Database)

	return &DB{Pool: pool}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		log.Println("Database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	log.Println("Running database migrations...")

	migrations := []string{
		// Incoming AI signals, written by the signal ingestion pipeline
		// and read (never mutated) by the trading core.
		`CREATE TABLE IF NOT EXISTS trading_signals (
			id VARCHAR(64) PRIMARY KEY,
			user_id VARCHAR(64),
			symbol VARCHAR(20) NOT NULL,
			action VARCHAR(4) NOT NULL,
			confidence DECIMAL(5, 4) NOT NULL,
			source VARCHAR(64) NOT NULL,
			reasoning TEXT,
			stop_loss DECIMAL(20, 8),
			take_profit DECIMAL(20, 8),
			expires_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_user_created ON trading_signals(user_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_symbol ON trading_signals(symbol)`,

		// Durable mirror of monitored positions. RAM is authoritative
		// while the process runs; this table exists for restart recovery.
		`CREATE TABLE IF NOT EXISTS monitored_positions (
			id VARCHAR(64) PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(5) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			original_quantity DECIMAL(20, 8) NOT NULL,
			stop_loss DECIMAL(20, 8),
			take_profit DECIMAL(20, 8),
			leverage DECIMAL(6, 2) NOT NULL DEFAULT 1.0,
			trading_mode VARCHAR(10) NOT NULL DEFAULT 'spot',
			trailing_active BOOLEAN NOT NULL DEFAULT FALSE,
			trailing_stop DECIMAL(20, 8),
			highest_price DECIMAL(20, 8),
			lowest_price DECIMAL(20, 8),
			partial_tps_taken INTEGER NOT NULL DEFAULT 0,
			liquidation_warned BOOLEAN NOT NULL DEFAULT FALSE,
			status VARCHAR(20) NOT NULL DEFAULT 'open',
			close_reason VARCHAR(32),
			signal_id VARCHAR(64),
			signal_source VARCHAR(64),
			opened_at TIMESTAMP NOT NULL,
			closed_at TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_monitored_user_status ON monitored_positions(user_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_monitored_symbol ON monitored_positions(symbol)`,

		// Closed-trade ledger feeding the Kelly/accuracy statistics.
		`CREATE TABLE IF NOT EXISTS trades (
			id SERIAL PRIMARY KEY,
			position_id VARCHAR(64) NOT NULL,
			user_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(5) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			exit_price DECIMAL(20, 8) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			pnl DECIMAL(20, 8) NOT NULL,
			pnl_percent DECIMAL(10, 4) NOT NULL,
			close_reason VARCHAR(32) NOT NULL,
			signal_source VARCHAR(64),
			entry_time TIMESTAMP NOT NULL,
			exit_time TIMESTAMP NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_user_exit ON trades(user_id, exit_time DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol)`,

		// Re-evaluation audit trail for positions held through signals.
		`CREATE TABLE IF NOT EXISTS position_reevaluations (
			id SERIAL PRIMARY KEY,
			position_id VARCHAR(64) NOT NULL,
			user_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			signal_id VARCHAR(64),
			decision VARCHAR(20) NOT NULL,
			old_stop_loss DECIMAL(20, 8),
			new_stop_loss DECIMAL(20, 8),
			old_take_profit DECIMAL(20, 8),
			new_take_profit DECIMAL(20, 8),
			reason TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reevals_position ON position_reevaluations(position_id)`,

		// Per-user trading configuration.
		`CREATE TABLE IF NOT EXISTS trading_settings (
			user_id VARCHAR(64) PRIMARY KEY,
			enabled BOOLEAN NOT NULL DEFAULT FALSE,
			trading_mode VARCHAR(10) NOT NULL DEFAULT 'spot',
			risk_per_trade_pct DECIMAL(6, 4) NOT NULL DEFAULT 0.02,
			max_position_usd DECIMAL(20, 2) NOT NULL DEFAULT 1000,
			max_open_positions INTEGER NOT NULL DEFAULT 5,
			daily_trade_limit INTEGER NOT NULL DEFAULT 15,
			hourly_trade_limit INTEGER NOT NULL DEFAULT 5,
			min_confidence DECIMAL(5, 4) NOT NULL DEFAULT 0.35,
			stop_loss_pct DECIMAL(6, 4) NOT NULL DEFAULT 0.02,
			take_profit_pct DECIMAL(6, 4) NOT NULL DEFAULT 0.04,
			leverage DECIMAL(6, 2) NOT NULL DEFAULT 1.0,
			trailing_enabled BOOLEAN NOT NULL DEFAULT TRUE,
			partial_tp_enabled BOOLEAN NOT NULL DEFAULT TRUE,
			max_hold_hours DECIMAL(6, 2) NOT NULL DEFAULT 12,
			hedging_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			allowed_symbols TEXT,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	log.Println("Database migrations completed successfully")
	return nil
}
