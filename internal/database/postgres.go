package database

import (
	"context"
	"fmt"

	"github.com/roomsync/roomsync/internal/models"
	"github.com/roomsync/roomsync/pkg/logger"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS chat_messages (
	id           TEXT PRIMARY KEY,
	namespace    TEXT NOT NULL,
	address      TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	body         TEXT NOT NULL,
	sent_at      BIGINT NOT NULL,
	edited       BOOLEAN NOT NULL DEFAULT FALSE,
	seq          BIGSERIAL
);
CREATE INDEX IF NOT EXISTS chat_messages_namespace_seq ON chat_messages (namespace, seq DESC);`

type PostgresDB struct {
	pool *pgxpool.Pool
}

func NewPostgresDB(ctx context.Context, databaseURL string) (*PostgresDB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	logger.Info("Connected to database successfully")
	return &PostgresDB{pool: pool}, nil
}

func (db *PostgresDB) Close() error {
	db.pool.Close()
	return nil
}

func (db *PostgresDB) SaveMessage(ctx context.Context, namespace string, msg models.Message) error {
	query := `
		INSERT INTO chat_messages (id, namespace, address, display_name, body, sent_at, edited)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`

	_, err := db.pool.Exec(ctx, query,
		msg.ID, namespace, msg.Address, msg.DisplayName, msg.Text, msg.Timestamp, msg.Edited,
	)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

func (db *PostgresDB) LoadRecentMessages(ctx context.Context, namespace string, limit int) ([]models.Message, error) {
	query := `
		SELECT id, address, display_name, body, sent_at, edited
		FROM chat_messages
		WHERE namespace = $1
		ORDER BY seq DESC
		LIMIT $2`

	rows, err := db.pool.Query(ctx, query, namespace, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.ID, &msg.Address, &msg.DisplayName, &msg.Text, &msg.Timestamp, &msg.Edited); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to show oldest first
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}
