package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/roomsync/roomsync/internal/services"
	"github.com/roomsync/roomsync/pkg/logger"
)

type RoomHandlers struct {
	roomService *services.RoomService
}

func NewRoomHandlers(roomService *services.RoomService) *RoomHandlers {
	return &RoomHandlers{roomService: roomService}
}

func (h *RoomHandlers) GetOnlineUsers(w http.ResponseWriter, r *http.Request) {
	namespace := chi.URLParam(r, "namespace")

	users, err := h.roomService.OnlineUsers(namespace)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"namespace":    namespace,
		"online_users": users,
		"count":        len(users),
	})
}

func (h *RoomHandlers) GetRecentMessages(w http.ResponseWriter, r *http.Request) {
	namespace := chi.URLParam(r, "namespace")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	messages, err := h.roomService.RecentMessages(r.Context(), namespace, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"namespace": namespace,
		"messages":  messages,
		"count":     len(messages),
	})
}

func writeServiceError(w http.ResponseWriter, err error) {
	if errors.Is(err, services.ErrInvalidNamespace) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	logger.Error("Room request error: %v", err)
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Error encoding response: %v", err)
	}
}
