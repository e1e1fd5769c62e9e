package database

import (
	"context"

	"github.com/roomsync/roomsync/internal/models"
)

type MessageRepository interface {
	SaveMessage(ctx context.Context, namespace string, msg models.Message) error
	LoadRecentMessages(ctx context.Context, namespace string, limit int) ([]models.Message, error)
}

type Database interface {
	MessageRepository
	Close() error
}
