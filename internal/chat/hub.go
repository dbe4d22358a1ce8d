package chat

import (
	"github.com/rs/zerolog"

	"roomchat/internal/metrics"
)

type membership struct {
	client *Client
	roomID string
}

// Hub owns the room delivery groups of this instance. All membership
// changes and deliveries run on the Run goroutine, so none of its maps
// need a lock. Nothing on that goroutine touches storage.
type Hub struct {
	clients map[*Client]map[string]bool // client -> joined rooms
	rooms   map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	join       chan membership
	leave      chan membership
	deliver    chan Envelope
	done       chan struct{}

	log zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]map[string]bool),
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		join:       make(chan membership),
		leave:      make(chan membership),
		deliver:    make(chan Envelope, 256),
		done:       make(chan struct{}),
		log:        logger.With().Str("component", "hub").Logger(),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = make(map[string]bool)

		case client := <-h.unregister:
			h.remove(client)

		case m := <-h.join:
			joined, ok := h.clients[m.client]
			if !ok {
				continue
			}
			joined[m.roomID] = true
			if h.rooms[m.roomID] == nil {
				h.rooms[m.roomID] = make(map[*Client]bool)
			}
			h.rooms[m.roomID][m.client] = true

		case m := <-h.leave:
			h.leaveRoom(m.client, m.roomID)

		case env := <-h.deliver:
			for client := range h.rooms[env.RoomID] {
				if client.ID == env.Origin {
					continue
				}
				if !client.trySend(env.Frame) {
					// slow consumer; its pumps notice the closed channel and hang up
					h.log.Warn().Str("conn_id", client.ID).Str("user_id", client.UserID).Msg("send buffer full, dropping client")
					metrics.DroppedClients.Inc()
					h.remove(client)
				}
			}

		case <-h.done:
			for client := range h.clients {
				h.remove(client)
			}
			return
		}
	}
}

func (h *Hub) remove(client *Client) {
	joined, ok := h.clients[client]
	if !ok {
		return
	}
	for roomID := range joined {
		h.leaveRoom(client, roomID)
	}
	delete(h.clients, client)
	client.close()
}

func (h *Hub) leaveRoom(client *Client, roomID string) {
	if joined, ok := h.clients[client]; ok {
		delete(joined, roomID)
	}
	members := h.rooms[roomID]
	delete(members, client)
	if len(members) == 0 {
		delete(h.rooms, roomID)
	}
}

// The methods below block until the hub has taken the request, and return
// immediately once the hub has stopped.

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) Join(c *Client, roomID string) {
	select {
	case h.join <- membership{client: c, roomID: roomID}:
	case <-h.done:
	}
}

func (h *Hub) Leave(c *Client, roomID string) {
	select {
	case h.leave <- membership{client: c, roomID: roomID}:
	case <-h.done:
	}
}

// Deliver hands an envelope from the broker to the hub.
func (h *Hub) Deliver(env Envelope) {
	select {
	case h.deliver <- env:
	case <-h.done:
	}
}

// Stop ends Run and closes every client. It must be called once.
func (h *Hub) Stop() {
	close(h.done)
}
