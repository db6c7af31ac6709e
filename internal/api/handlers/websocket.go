package handlers

import (
	"net/http"

	"github.com/dom/ranked-matchmaking/internal/service"
	"github.com/dom/ranked-matchmaking/internal/websocket"
	ws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = ws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type WebSocketHandler struct {
	hub    *websocket.Hub
	tokens *service.TokenService
	log    zerolog.Logger
}

func NewWebSocketHandler(hub *websocket.Hub, tokens *service.TokenService, log zerolog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		hub:    hub,
		tokens: tokens,
		log:    log.With().Str("handler", "websocket").Logger(),
	}
}

func (h *WebSocketHandler) Handle(w http.ResponseWriter, r *http.Request) {
	// Browsers cannot set headers on the upgrade request.
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "Token required", http.StatusUnauthorized)
		return
	}

	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := websocket.NewClient(h.hub, conn, claims.PlayerID)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}
