package events

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event names published by the engine.
const (
	EventUnreadCount        = "inbox.unread_count"
	EventPreferencesChanged = "inbox.preferences_changed"
)

// Event is a payload delivered to subscribers of one recipient's stream.
type Event struct {
	Event       string `json:"event"`
	RecipientID string `json:"recipient_id"`
	UnreadCount *int   `json:"unread_count,omitempty"`
	Groups      any    `json:"groups,omitempty"`
}

// Listener receives every published event in-process. Listeners must not block.
type Listener func(Event)

type client struct {
	conn *websocket.Conn
	send chan Event
}

// Hub fans out engine events to websocket subscribers and in-process
// listeners, keyed by recipient.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[*client]struct{}
	listeners []Listener
	upgrader  websocket.Upgrader
}

// NewHub constructs an event hub instance.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // auth is the embedding application's concern
			},
		},
	}
}

// AddListener registers an in-process callback for every published event.
func (h *Hub) AddListener(fn Listener) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
}

// Serve upgrades the HTTP connection to a WebSocket and registers the
// recipient subscriber.
func (h *Hub) Serve(recipientID string, w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	cl := &client{
		conn: conn,
		send: make(chan Event, 16),
	}

	h.addClient(recipientID, cl)
	defer h.removeClient(recipientID, cl)

	go h.writeLoop(cl)
	h.readLoop(cl)
}

// Publish delivers an event to all subscribers for its recipient and to
// every in-process listener.
func (h *Hub) Publish(event Event) {
	h.mu.RLock()
	listeners := h.listeners
	clients := h.clients[event.RecipientID]
	for cl := range clients {
		select {
		case cl.send <- event:
		default:
			// Drop if buffer full to avoid blocking all clients.
		}
	}
	h.mu.RUnlock()

	for _, fn := range listeners {
		fn(event)
	}
}

// PublishUnreadCount publishes the recipient's new unread message count.
func (h *Hub) PublishUnreadCount(recipientID string, count int) {
	h.Publish(Event{
		Event:       EventUnreadCount,
		RecipientID: recipientID,
		UnreadCount: &count,
	})
}

// PublishPreferencesChanged publishes the recipient's changed preference groups.
func (h *Hub) PublishPreferencesChanged(recipientID string, groups any) {
	h.Publish(Event{
		Event:       EventPreferencesChanged,
		RecipientID: recipientID,
		Groups:      groups,
	})
}

func (h *Hub) addClient(recipientID string, cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[recipientID] == nil {
		h.clients[recipientID] = make(map[*client]struct{})
	}
	h.clients[recipientID][cl] = struct{}{}
}

func (h *Hub) removeClient(recipientID string, cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients := h.clients[recipientID]; clients != nil {
		delete(clients, cl)
		if len(clients) == 0 {
			delete(h.clients, recipientID)
		}
	}
	close(cl.send)
	_ = cl.conn.Close()
}

func (h *Hub) writeLoop(cl *client) {
	for event := range cl.send {
		_ = cl.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := cl.conn.WriteJSON(event); err != nil {
			break
		}
	}
}

func (h *Hub) readLoop(cl *client) {
	defer cl.conn.Close()

	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			break
		}
	}
}
