package dashboard

import (
	"sync"

	"go.uber.org/zap"
)

// replayable message types are retained so a freshly connected observer
// can catch up on the current session state with a single "ready". The
// last error stays visible: an observer arriving after the retry budget
// is exhausted still sees what went wrong.
var replayable = map[string]bool{
	"songInfo":    true,
	"pattern":     true,
	"modeChange":  true,
	"retryUpdate": true,
	"error":       true,
}

// replayOrder keeps catch-up deterministic: identity before content.
var replayOrder = []string{"songInfo", "pattern", "modeChange", "retryUpdate", "error"}

// Hub fans tagged messages out to all connected observers.
type Hub struct {
	log *zap.Logger

	mu      sync.RWMutex
	clients map[*client]bool
	latest  map[string]Message

	register   chan *client
	unregister chan *client
	broadcast  chan Message
	done       chan struct{}
	closeOnce  sync.Once
}

// NewHub creates a hub. Run must be called before broadcasting.
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log:        log,
		clients:    make(map[*client]bool),
		latest:     make(map[string]Message),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan Message, 64),
		done:       make(chan struct{}),
	}
}

// Run owns the client set until Close is called.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.log.Debug("observer connected", zap.Int("observers", h.ClientCount()))

		case c := <-h.unregister:
			h.dropClient(c)

		case msg := <-h.broadcast:
			if replayable[msg.Type] {
				h.mu.Lock()
				h.latest[msg.Type] = msg
				h.mu.Unlock()
			}
			h.mu.RLock()
			targets := make([]*client, 0, len(h.clients))
			for c := range h.clients {
				targets = append(targets, c)
			}
			h.mu.RUnlock()
			for _, c := range targets {
				select {
				case c.send <- msg:
				default:
					// Slow observer: drop it rather than stall the session.
					h.log.Warn("dropping slow observer")
					h.dropClient(c)
				}
			}

		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Broadcast queues a message for fan-out. Safe for concurrent use.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	}
}

// Close stops the run loop and disconnects all observers.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// ClientCount returns the number of connected observers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// replay sends the retained state snapshot to one observer.
func (h *Hub) replay(c *client) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, typ := range replayOrder {
		if msg, ok := h.latest[typ]; ok {
			select {
			case c.send <- msg:
			default:
			}
		}
	}
}

func (h *Hub) dropClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
}
