package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dom/ranked-matchmaking/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Responder handles the queue requests players send over the socket
type Responder interface {
	RespondReadyCheck(ctx context.Context, candidateID string, playerID uuid.UUID, status domain.ReadyStatus) (domain.ReadyCheckSession, error)
	Me(ctx context.Context, playerID uuid.UUID) (domain.QueueSnapshot, error)
}

// Hub tracks the connections of every player and pushes queue events to them.
// A player may hold several connections; each receives every event.
type Hub struct {
	clients    map[uuid.UUID]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	stop       chan struct{}
	done       chan struct{} // closed when Run() exits
	stopped    bool
	respond    Responder
	log        zerolog.Logger
	mu         sync.RWMutex
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[uuid.UUID]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		log:        log.With().Str("component", "websocket_hub").Logger(),
	}
}

// SetResponder wires the queue once it exists
func (h *Hub) SetResponder(r Responder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.respond = r
}

func (h *Hub) responder() Responder {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.respond
}

func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			h.stopped = true
			for _, conns := range h.clients {
				for client := range conns {
					client.Close()
				}
			}
			h.clients = make(map[uuid.UUID]map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			if !h.stopped {
				conns, ok := h.clients[client.userID]
				if !ok {
					conns = make(map[*Client]bool)
					h.clients[client.userID] = conns
				}
				conns[client] = true
			}
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if conns, ok := h.clients[client.userID]; ok && conns[client] {
				delete(conns, client)
				if len(conns) == 0 {
					delete(h.clients, client.userID)
				}
				client.Close()
			}
			h.mu.Unlock()
		}
	}
}

// Stop closes every connection and blocks until Run has returned
func (h *Hub) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	close(h.stop)
	<-h.done
}

func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.Close()
	}
}

// Unregister safely unregisters a client, handling the case where the hub may be stopped.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Connected returns how many connections the player holds
func (h *Hub) Connected(playerID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[playerID])
}

// SendToPlayers delivers one message to every connection of the given players
func (h *Hub) SendToPlayers(playerIDs []uuid.UUID, msgType MessageType, payload interface{}) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		h.log.Error().Err(err).Str("type", string(msgType)).Msg("failed to build message")
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Str("type", string(msgType)).Msg("failed to marshal message")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, id := range playerIDs {
		for client := range h.clients[id] {
			client.enqueue(data)
		}
	}
}

func (h *Hub) ReadyCheckStarted(_ context.Context, c *domain.MatchCandidate, deadline time.Time) {
	h.SendToPlayers(c.PlayerIDs(), MessageTypeReadyCheckStarted, ReadyCheckStartedPayload{
		CandidateID: c.ID,
		Shard:       c.Shard,
		Deadline:    deadline,
		Teams:       c.Teams,
	})
}

func (h *Hub) ReadyCheckResolved(_ context.Context, res domain.ReadyCheckResolution) {
	h.SendToPlayers(res.Candidate.PlayerIDs(), MessageTypeReadyCheckResolved, ReadyCheckResolvedPayload{
		CandidateID: res.Candidate.ID,
		Outcome:     res.Outcome,
		Statuses:    res.Statuses,
	})
}

func ticketPayload(t *domain.Ticket, reason string) TicketPayload {
	now := time.Now()
	return TicketPayload{
		TicketID:     t.ID,
		Status:       t.Status,
		Priority:     t.EffectivePriority(now),
		BoostedUntil: t.BoostedUntil(now),
		Reason:       reason,
	}
}

func (h *Hub) Requeued(_ context.Context, t *domain.Ticket, reason string) {
	h.SendToPlayers(t.PlayerIDs(), MessageTypeRequeued, ticketPayload(t, reason))
}

func (h *Hub) TicketCancelled(_ context.Context, t *domain.Ticket, reason string) {
	h.SendToPlayers(t.PlayerIDs(), MessageTypeTicketCancelled, ticketPayload(t, reason))
}

func (h *Hub) MatchFound(_ context.Context, c *domain.MatchCandidate, lock domain.SessionLock) {
	h.SendToPlayers(c.PlayerIDs(), MessageTypeMatchFound, MatchFoundPayload{
		CandidateID:           c.ID,
		SessionServerID:       lock.SessionServerID,
		VoiceLobbyID:          lock.VoiceLobbyID,
		AntiCheatSyncRequired: lock.AntiCheatSyncRequired,
		Teams:                 c.Teams,
	})
}

func (h *Hub) MatchAborted(_ context.Context, c *domain.MatchCandidate, reason string) {
	h.SendToPlayers(c.PlayerIDs(), MessageTypeMatchAborted, MatchAbortedPayload{
		CandidateID: c.ID,
		Reason:      reason,
	})
}
