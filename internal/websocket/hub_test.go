package websocket_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dom/ranked-matchmaking/internal/domain"
	"github.com/dom/ranked-matchmaking/internal/websocket"
	"github.com/google/uuid"
	gorillaWS "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResponder struct {
	mu        sync.Mutex
	responses map[uuid.UUID]domain.ReadyStatus
}

func (f *fakeResponder) RespondReadyCheck(_ context.Context, candidateID string, playerID uuid.UUID, status domain.ReadyStatus) (domain.ReadyCheckSession, error) {
	if !status.IsResponse() {
		return domain.ReadyCheckSession{}, domain.NewValidationError("status", domain.ErrInvalidResponse)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[playerID] = status
	return domain.ReadyCheckSession{CandidateID: candidateID, Statuses: map[uuid.UUID]domain.ReadyStatus{playerID: status}}, nil
}

func (f *fakeResponder) Me(_ context.Context, playerID uuid.UUID) (domain.QueueSnapshot, error) {
	return domain.QueueSnapshot{}, domain.NewNotFoundError("ticket for player", playerID)
}

type testConn struct {
	t    *testing.T
	conn *gorillaWS.Conn
}

func (c *testConn) send(msgType websocket.MessageType, payload interface{}) {
	c.t.Helper()
	msg, err := websocket.NewMessage(msgType, payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(msg))
}

func (c *testConn) expect(msgType websocket.MessageType, into interface{}) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg websocket.Message
	require.NoError(c.t, c.conn.ReadJSON(&msg))
	require.Equal(c.t, msgType, msg.Type, "payload: %s", string(msg.Payload))
	if into != nil {
		require.NoError(c.t, json.Unmarshal(msg.Payload, into))
	}
}

func startHub(t *testing.T) (*websocket.Hub, *fakeResponder, func(uuid.UUID) *testConn) {
	t.Helper()
	hub := websocket.NewHub(zerolog.Nop())
	responder := &fakeResponder{responses: make(map[uuid.UUID]domain.ReadyStatus)}
	hub.SetResponder(responder)
	go hub.Run()
	t.Cleanup(hub.Stop)

	upgrader := gorillaWS.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		playerID, err := uuid.Parse(r.URL.Query().Get("player"))
		if err != nil {
			http.Error(w, "bad player", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := websocket.NewClient(hub, conn, playerID)
		hub.Register(client)
		go client.WritePump()
		go client.ReadPump()
	}))
	t.Cleanup(server.Close)

	dial := func(playerID uuid.UUID) *testConn {
		url := "ws" + strings.TrimPrefix(server.URL, "http") + "?player=" + playerID.String()
		conn, _, err := gorillaWS.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		require.Eventually(t, func() bool { return hub.Connected(playerID) > 0 }, time.Second, 5*time.Millisecond)
		return &testConn{t: t, conn: conn}
	}
	return hub, responder, dial
}

func TestHub_PushesQueueEventsToPlayers(t *testing.T) {
	hub, _, dial := startHub(t)
	a, b := uuid.New(), uuid.New()
	connA := dial(a)
	connB := dial(b)

	candidate := &domain.MatchCandidate{
		ID:      "cand-1",
		Shard:   domain.Shard{QueueType: domain.QueueRankedSolo, Region: "na"},
		Tickets: []domain.Ticket{{ID: uuid.New(), Members: []domain.TicketMember{{PlayerID: a}}}},
	}
	deadline := time.Now().Add(15 * time.Second).UTC().Truncate(time.Second)
	hub.ReadyCheckStarted(context.Background(), candidate, deadline)

	var started websocket.ReadyCheckStartedPayload
	connA.expect(websocket.MessageTypeReadyCheckStarted, &started)
	assert.Equal(t, "cand-1", started.CandidateID)
	assert.True(t, deadline.Equal(started.Deadline))

	// b is not part of the candidate and only sees its own ticket events.
	ticket := &domain.Ticket{ID: uuid.New(), Status: domain.TicketWaiting, Members: []domain.TicketMember{{PlayerID: b}}}
	hub.Requeued(context.Background(), ticket, "ready_check_failed")

	var requeued websocket.TicketPayload
	connB.expect(websocket.MessageTypeRequeued, &requeued)
	assert.Equal(t, ticket.ID, requeued.TicketID)
	assert.Equal(t, "ready_check_failed", requeued.Reason)
}

func TestHub_ReadyCheckResponse(t *testing.T) {
	_, responder, dial := startHub(t)
	playerID := uuid.New()
	conn := dial(playerID)

	conn.send(websocket.MessageTypeReadyCheckResponse, websocket.ReadyCheckResponsePayload{
		CandidateID: "cand-1",
		Status:      domain.ReadyAccepted,
	})
	var session domain.ReadyCheckSession
	conn.expect(websocket.MessageTypeReadyCheckUpdated, &session)
	assert.Equal(t, "cand-1", session.CandidateID)

	responder.mu.Lock()
	assert.Equal(t, domain.ReadyAccepted, responder.responses[playerID])
	responder.mu.Unlock()
}

func TestHub_Errors(t *testing.T) {
	_, _, dial := startHub(t)
	conn := dial(uuid.New())

	tests := []struct {
		name     string
		msgType  websocket.MessageType
		payload  interface{}
		wantCode string
	}{
		{
			name:     "invalid response status",
			msgType:  websocket.MessageTypeReadyCheckResponse,
			payload:  websocket.ReadyCheckResponsePayload{CandidateID: "c", Status: domain.ReadyPending},
			wantCode: "VALIDATION_ERROR",
		},
		{
			name:     "sync without ticket",
			msgType:  websocket.MessageTypeSyncQueue,
			payload:  struct{}{},
			wantCode: "NOT_FOUND",
		},
		{
			name:     "unknown type",
			msgType:  "SELECT_CHAMPION",
			payload:  struct{}{},
			wantCode: "UNKNOWN_TYPE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn.send(tt.msgType, tt.payload)
			var payload websocket.ErrorPayload
			conn.expect(websocket.MessageTypeError, &payload)
			assert.Equal(t, tt.wantCode, payload.Code)
		})
	}
}
