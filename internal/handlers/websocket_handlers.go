package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/roomsync/roomsync/internal/auth"
	"github.com/roomsync/roomsync/internal/server"
	"github.com/roomsync/roomsync/internal/services"
	"github.com/roomsync/roomsync/pkg/logger"
)

type WebSocketHandlers struct {
	authService *auth.Service
	hubManager  *server.Manager
	upgrader    websocket.Upgrader
}

func NewWebSocketHandlers(authService *auth.Service, hubManager *server.Manager) *WebSocketHandlers {
	return &WebSocketHandlers{
		authService: authService,
		hubManager:  hubManager,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *WebSocketHandlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	namespace := chi.URLParam(r, "namespace")
	if !services.ValidNamespace(namespace) {
		http.Error(w, "invalid namespace", http.StatusBadRequest)
		return
	}

	address := r.URL.Query().Get("address")
	token := r.URL.Query().Get("token")
	if err := h.authService.Authorize(address, token); err != nil {
		if errors.Is(err, auth.ErrInvalidAddress) {
			http.Error(w, "invalid address", http.StatusBadRequest)
			return
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Upgrade error: %v", err)
		return
	}

	client, err := h.hubManager.Connect(namespace, conn, address)
	if err != nil {
		logger.Warn("Rejecting connection for %s: %v", namespace, err)
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, err.Error()))
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}
