package database

import (
	"context"
	"sync"

	"github.com/roomsync/roomsync/internal/models"
)

// MemoryDB keeps the last capacity messages per namespace.
type MemoryDB struct {
	mu       sync.RWMutex
	capacity int
	rooms    map[string][]models.Message
}

func NewMemoryDB(capacity int) *MemoryDB {
	if capacity <= 0 {
		capacity = models.HistoryLimit
	}
	return &MemoryDB{
		capacity: capacity,
		rooms:    make(map[string][]models.Message),
	}
}

func (db *MemoryDB) SaveMessage(ctx context.Context, namespace string, msg models.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	msgs := db.rooms[namespace]
	for _, m := range msgs {
		if m.ID == msg.ID {
			return nil
		}
	}
	msgs = append(msgs, msg)
	if len(msgs) > db.capacity {
		msgs = append([]models.Message(nil), msgs[len(msgs)-db.capacity:]...)
	}
	db.rooms[namespace] = msgs
	return nil
}

func (db *MemoryDB) LoadRecentMessages(ctx context.Context, namespace string, limit int) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db.mu.RLock()
	defer db.mu.RUnlock()

	msgs := db.rooms[namespace]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (db *MemoryDB) Close() error {
	return nil
}
