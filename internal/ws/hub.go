package ws

import (
	"encoding/json"
	"sync"

	"github.com/ndovu/selfheal/internal/domain"
)

// StreamAll subscribes a client to every attempt's transitions.
const StreamAll = "*"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages live transition streams keyed by attempt ID. It satisfies the
// orchestrator's event sink so each state change reaches subscribers as a
// JSON-encoded transition.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message

	closeOnce sync.Once
	done      chan struct{}
}

type message struct {
	stream  string
	payload []byte
}

type subscription struct {
	stream string
	client Subscriber
}

// NewHub creates an initialized Hub and starts its dispatch loop.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			for _, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
			}
			h.clients = make(map[string]map[Subscriber]struct{})
			return
		case sub := <-h.register:
			if _, ok := h.clients[sub.stream]; !ok {
				h.clients[sub.stream] = make(map[Subscriber]struct{})
			}
			h.clients[sub.stream][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.stream]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.stream)
				}
			}
		case msg := <-h.broadcast:
			h.fanOut(msg.stream, msg.payload)
			h.fanOut(StreamAll, msg.payload)
		}
	}
}

func (h *Hub) fanOut(stream string, payload []byte) {
	clients, ok := h.clients[stream]
	if !ok {
		return
	}
	for c := range clients {
		if err := c.Send(payload); err != nil {
			c.Close()
			delete(clients, c)
		}
	}
	if len(clients) == 0 {
		delete(h.clients, stream)
	}
}

// Register adds a client to an attempt's stream. Use StreamAll to follow
// every attempt.
func (h *Hub) Register(stream string, client Subscriber) {
	select {
	case h.register <- subscription{stream: stream, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(stream string, client Subscriber) {
	select {
	case h.unreg <- subscription{stream: stream, client: client}:
	case <-h.done:
	}
}

// Publish encodes the transition and delivers it to the attempt's
// subscribers and to the firehose stream.
func (h *Hub) Publish(tr domain.Transition) {
	payload, err := json.Marshal(tr)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- message{stream: tr.AttemptID, payload: payload}:
	case <-h.done:
	}
}

// Shutdown closes every subscriber and stops the dispatch loop.
func (h *Hub) Shutdown() {
	h.closeOnce.Do(func() { close(h.done) })
}
