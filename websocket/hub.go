package websocket

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type tenantMessage struct {
	tenantID uuid.UUID
	data     []byte
}

// Hub fans dashboard pushes out to the sockets of one tenant.
type Hub struct {
	clients    map[uuid.UUID]map[*Client]struct{}
	broadcast  chan tenantMessage
	register   chan *Client
	unregister chan *Client
	count      chan countRequest
	done       chan struct{}
	log        *logrus.Entry
}

type countRequest struct {
	tenantID uuid.UUID
	reply    chan int
}

func NewHub(log *logrus.Entry) *Hub {
	return &Hub{
		clients:    make(map[uuid.UUID]map[*Client]struct{}),
		broadcast:  make(chan tenantMessage, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		count:      make(chan countRequest),
		done:       make(chan struct{}),
		log:        log.WithField("component", "ws_hub"),
	}
}

// Run serves the hub until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, set := range h.clients {
				for c := range set {
					close(c.send)
				}
			}
			h.clients = map[uuid.UUID]map[*Client]struct{}{}
			return
		case c := <-h.register:
			set, ok := h.clients[c.TenantID]
			if !ok {
				set = make(map[*Client]struct{})
				h.clients[c.TenantID] = set
			}
			set[c] = struct{}{}
			h.log.WithFields(logrus.Fields{"tenant_id": c.TenantID, "clients": len(set)}).Debug("Dashboard connected")
		case c := <-h.unregister:
			h.remove(c)
		case m := <-h.broadcast:
			for c := range h.clients[m.tenantID] {
				select {
				case c.send <- m.data:
				default:
					h.log.WithField("tenant_id", m.tenantID).Warn("slow dashboard client dropped")
					h.remove(c)
				}
			}
		case req := <-h.count:
			req.reply <- len(h.clients[req.tenantID])
		}
	}
}

func (h *Hub) remove(c *Client) {
	set, ok := h.clients[c.TenantID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	close(c.send)
	if len(set) == 0 {
		delete(h.clients, c.TenantID)
	}
}

// Register adds a client. After the hub stopped the client is closed at once.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		close(c.send)
	}
}

// Unregister removes a client; it is safe to call twice.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Clients reports how many sockets a tenant has open.
func (h *Hub) Clients(tenantID uuid.UUID) int {
	reply := make(chan int, 1)
	select {
	case h.count <- countRequest{tenantID: tenantID, reply: reply}:
		return <-reply
	case <-h.done:
		return 0
	}
}

// Push sends a typed message to every dashboard of the tenant. It never blocks
// on slow sockets; when the hub itself is backed up the push is dropped.
func (h *Hub) Push(tenantID uuid.UUID, messageType string, payload any) {
	data, err := NewMessage(messageType, payload)
	if err != nil {
		h.log.WithError(err).Error("marshal push message")
		return
	}
	select {
	case h.broadcast <- tenantMessage{tenantID: tenantID, data: data}:
	default:
		h.log.WithField("tenant_id", tenantID).Warn("hub backlog full, push dropped")
	}
}

// Envelope is the wire shape of every socket message.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}
