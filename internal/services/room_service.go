package services

import (
	"context"
	"errors"
	"regexp"

	"github.com/roomsync/roomsync/internal/database"
	"github.com/roomsync/roomsync/internal/models"
)

var ErrInvalidNamespace = errors.New("invalid namespace")

var namespaceRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Presence is satisfied by server.Manager.
type Presence interface {
	OnlineUsers(namespace string) []models.OnlineUser
}

type RoomService struct {
	repo     database.MessageRepository
	presence Presence
}

func NewRoomService(repo database.MessageRepository, presence Presence) *RoomService {
	return &RoomService{repo: repo, presence: presence}
}

func ValidNamespace(namespace string) bool {
	return namespaceRegex.MatchString(namespace)
}

func (s *RoomService) OnlineUsers(namespace string) ([]models.OnlineUser, error) {
	if !ValidNamespace(namespace) {
		return nil, ErrInvalidNamespace
	}
	return s.presence.OnlineUsers(namespace), nil
}

// RecentMessages returns up to limit messages, oldest first. The limit is
// clamped to the history window.
func (s *RoomService) RecentMessages(ctx context.Context, namespace string, limit int) ([]models.Message, error) {
	if !ValidNamespace(namespace) {
		return nil, ErrInvalidNamespace
	}
	if limit <= 0 || limit > models.HistoryLimit {
		limit = models.HistoryLimit
	}

	messages, err := s.repo.LoadRecentMessages(ctx, namespace, limit)
	if err != nil {
		return nil, err
	}
	if messages == nil {
		messages = []models.Message{}
	}
	return messages, nil
}
