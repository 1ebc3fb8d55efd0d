package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/daiski/backend/internal/logger"
	"github.com/daiski/backend/internal/middleware"
	"github.com/daiski/backend/internal/ws"
)

type WSHandler struct {
	registry       *ws.Registry
	allowedOrigins string
}

// NewWSHandler creates the WebSocket entry point. allowedOrigins follows the
// CORS convention (comma separated, or "*").
func NewWSHandler(registry *ws.Registry, allowedOrigins string) *WSHandler {
	return &WSHandler{registry: registry, allowedOrigins: strings.TrimSpace(allowedOrigins)}
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if h.allowedOrigins == "*" || h.allowedOrigins == "" {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range strings.Split(h.allowedOrigins, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

// ServeWS upgrades the request and hands the connection to the room registry.
// Authentication happened in JWTAuth; the session is identified by a fresh
// uuid so two tabs of the same user remain distinct sessions.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return h.checkOrigin(r) },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("ws upgrade: %v", err)
		return
	}

	// Register before the pumps start so the registry sees the session
	// before any event the read pump could deliver.
	client := ws.NewClient(h.registry, conn, uuid.New().String(), userID)
	if !h.registry.Register(client) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	client.Start(ctx, cancel)
}
