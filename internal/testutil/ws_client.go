package testutil

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/dom/ranked-matchmaking/internal/domain"
	"github.com/dom/ranked-matchmaking/internal/websocket"
	gorillaWS "github.com/gorilla/websocket"
)

// WSClient is a test WebSocket client
type WSClient struct {
	t        *testing.T
	conn     *gorillaWS.Conn
	messages chan *websocket.Message
	errors   chan error
	done     chan struct{}
	mu       sync.Mutex
}

// NewWSClient creates a new WebSocket test client
func NewWSClient(t *testing.T, url string) *WSClient {
	t.Helper()

	dialer := *gorillaWS.DefaultDialer
	dialer.HandshakeTimeout = 5 * time.Second

	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to connect to websocket: %v", err)
	}

	client := &WSClient{
		t:        t,
		conn:     conn,
		messages: make(chan *websocket.Message, 100),
		errors:   make(chan error, 10),
		done:     make(chan struct{}),
	}

	go client.readPump()

	t.Cleanup(func() {
		client.Close()
	})

	return client
}

func (c *WSClient) readPump() {
	defer close(c.messages)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			case c.errors <- err:
			default:
			}
			return
		}

		var msg websocket.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			select {
			case c.errors <- err:
			default:
			}
			continue
		}

		select {
		case c.messages <- &msg:
		case <-c.done:
			return
		}
	}
}

// Close closes the WebSocket connection gracefully
func (c *WSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return
	default:
		close(c.done)
		c.conn.WriteMessage(gorillaWS.CloseMessage, gorillaWS.FormatCloseMessage(gorillaWS.CloseNormalClosure, ""))
		c.conn.Close()
	}
}

func (c *WSClient) send(msgType websocket.MessageType, payload interface{}) {
	c.t.Helper()

	msg, err := websocket.NewMessage(msgType, payload)
	if err != nil {
		c.t.Fatalf("failed to build message: %v", err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		c.t.Fatalf("failed to marshal message: %v", err)
	}

	c.mu.Lock()
	err = c.conn.WriteMessage(gorillaWS.TextMessage, data)
	c.mu.Unlock()

	if err != nil {
		c.t.Fatalf("failed to send %s: %v", msgType, err)
	}
}

// RespondReadyCheck answers a ready check over the socket
func (c *WSClient) RespondReadyCheck(candidateID string, status domain.ReadyStatus) {
	c.send(websocket.MessageTypeReadyCheckResponse, websocket.ReadyCheckResponsePayload{
		CandidateID: candidateID,
		Status:      status,
	})
}

// SyncQueue asks for the current ticket state
func (c *WSClient) SyncQueue() {
	c.send(websocket.MessageTypeSyncQueue, struct{}{})
}

// ExpectMessage waits for a message of the specified type, skipping others
func (c *WSClient) ExpectMessage(msgType websocket.MessageType, timeout time.Duration) *websocket.Message {
	c.t.Helper()

	deadline := time.After(timeout)
	for {
		select {
		case msg := <-c.messages:
			if msg == nil {
				c.t.Fatalf("connection closed while waiting for %s", msgType)
			}
			if msg.Type == msgType {
				return msg
			}
		case err := <-c.errors:
			c.t.Fatalf("error while waiting for %s: %v", msgType, err)
		case <-deadline:
			c.t.Fatalf("timeout waiting for message type %s", msgType)
		}
	}
}

func (c *WSClient) expectPayload(msgType websocket.MessageType, timeout time.Duration, v interface{}) {
	c.t.Helper()

	msg := c.ExpectMessage(msgType, timeout)
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		c.t.Fatalf("failed to decode %s payload: %v", msgType, err)
	}
}

func (c *WSClient) ExpectReadyCheckStarted(timeout time.Duration) *websocket.ReadyCheckStartedPayload {
	c.t.Helper()
	var payload websocket.ReadyCheckStartedPayload
	c.expectPayload(websocket.MessageTypeReadyCheckStarted, timeout, &payload)
	return &payload
}

func (c *WSClient) ExpectReadyCheckResolved(timeout time.Duration) *websocket.ReadyCheckResolvedPayload {
	c.t.Helper()
	var payload websocket.ReadyCheckResolvedPayload
	c.expectPayload(websocket.MessageTypeReadyCheckResolved, timeout, &payload)
	return &payload
}

func (c *WSClient) ExpectRequeued(timeout time.Duration) *websocket.TicketPayload {
	c.t.Helper()
	var payload websocket.TicketPayload
	c.expectPayload(websocket.MessageTypeRequeued, timeout, &payload)
	return &payload
}

func (c *WSClient) ExpectTicketCancelled(timeout time.Duration) *websocket.TicketPayload {
	c.t.Helper()
	var payload websocket.TicketPayload
	c.expectPayload(websocket.MessageTypeTicketCancelled, timeout, &payload)
	return &payload
}

func (c *WSClient) ExpectMatchFound(timeout time.Duration) *websocket.MatchFoundPayload {
	c.t.Helper()
	var payload websocket.MatchFoundPayload
	c.expectPayload(websocket.MessageTypeMatchFound, timeout, &payload)
	return &payload
}

func (c *WSClient) ExpectQueueState(timeout time.Duration) *domain.QueueSnapshot {
	c.t.Helper()
	var payload domain.QueueSnapshot
	c.expectPayload(websocket.MessageTypeQueueState, timeout, &payload)
	return &payload
}

// ExpectErrorWithCode waits for an ERROR message and checks its code
func (c *WSClient) ExpectErrorWithCode(code string, timeout time.Duration) *websocket.ErrorPayload {
	c.t.Helper()
	var payload websocket.ErrorPayload
	c.expectPayload(websocket.MessageTypeError, timeout, &payload)
	if payload.Code != code {
		c.t.Fatalf("expected error code %s, got %s: %s", code, payload.Code, payload.Message)
	}
	return &payload
}

// ExpectNoMessage fails if any message arrives within timeout
func (c *WSClient) ExpectNoMessage(timeout time.Duration) {
	c.t.Helper()

	select {
	case msg := <-c.messages:
		if msg != nil {
			c.t.Fatalf("unexpected message received: %s", msg.Type)
		}
	case <-time.After(timeout):
	}
}

// DrainMessages discards buffered messages until the channel stays quiet for 50ms
func (c *WSClient) DrainMessages() {
	deadline := time.After(100 * time.Millisecond)
	for {
		select {
		case msg := <-c.messages:
			if msg == nil {
				return
			}
			deadline = time.After(50 * time.Millisecond)
		case <-deadline:
			return
		case <-c.done:
			return
		}
	}
}

// ConnectPlayer opens the player's socket and waits until the hub has registered it
func ConnectPlayer(t *testing.T, ts *TestServer, p *Player) *WSClient {
	t.Helper()

	client := NewWSClient(t, ts.WebSocketURL(p.Token))
	deadline := time.Now().Add(2 * time.Second)
	for ts.Hub.Connected(p.ID) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("player %s never registered with the hub", p.ID)
		}
		time.Sleep(5 * time.Millisecond)
	}
	return client
}
