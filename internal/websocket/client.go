package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dom/ranked-matchmaking/internal/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	requestTimeout = 5 * time.Second
)

type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID uuid.UUID
	log    zerolog.Logger

	mu     sync.Mutex
	closed bool
}

func NewClient(hub *Hub, conn *websocket.Conn, userID uuid.UUID) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, 256),
		userID: userID,
		log:    hub.log.With().Str("player_id", userID.String()).Logger(),
	}
}

func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("websocket read failed")
			}
			break
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("INVALID_MESSAGE", "Message is not valid JSON")
			continue
		}

		c.handleMessage(&msg)
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(msg *Message) {
	responder := c.hub.responder()
	if responder == nil {
		c.sendError("UNAVAILABLE", "Queue is not available")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	switch msg.Type {
	case MessageTypeReadyCheckResponse:
		var payload ReadyCheckResponsePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			c.sendError("INVALID_PAYLOAD", "Invalid ready check response payload")
			return
		}
		session, err := responder.RespondReadyCheck(ctx, payload.CandidateID, c.userID, payload.Status)
		if err != nil {
			c.sendDomainError(err)
			return
		}
		c.sendMessage(MessageTypeReadyCheckUpdated, session)

	case MessageTypeSyncQueue:
		snap, err := responder.Me(ctx, c.userID)
		if err != nil {
			c.sendDomainError(err)
			return
		}
		c.sendMessage(MessageTypeQueueState, snap)

	default:
		c.sendError("UNKNOWN_TYPE", "Unknown message type "+string(msg.Type))
	}
}

func (c *Client) sendDomainError(err error) {
	code := "INTERNAL_ERROR"
	switch {
	case domain.IsValidation(err):
		code = "VALIDATION_ERROR"
	case domain.IsNotFound(err):
		code = "NOT_FOUND"
	case domain.IsConflict(err):
		code = "CONFLICT"
	case domain.IsEligibility(err):
		code = "NOT_ELIGIBLE"
	}
	c.sendError(code, err.Error())
}

func (c *Client) sendError(code, message string) {
	c.sendMessage(MessageTypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}

func (c *Client) sendMessage(msgType MessageType, payload interface{}) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		c.log.Error().Err(err).Str("type", string(msgType)).Msg("failed to build message")
		return
	}
	c.Send(msg)
}

func (c *Client) Send(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to marshal message")
		return
	}
	c.enqueue(data)
}

// enqueue drops the message when the client is too slow to keep up
func (c *Client) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Warn().Msg("client send buffer full, dropping message")
	}
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}
