package ws

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans payloads out to subscribers keyed by repo ID.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
}

// message couples payload with repo identifier.
type message struct {
	repoID  string
	payload []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	repoID string
	client Subscriber
}

// NewHub creates a Hub whose broadcast channel buffers up to buffer
// payloads, so a burst of log lines does not stall the publishing goroutine
// while subscribers drain.
func NewHub(buffer int) *Hub {
	if buffer < 0 {
		buffer = 0
	}
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, buffer),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.repoID]; !ok {
				h.clients[sub.repoID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.repoID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.repoID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.repoID)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.repoID]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.repoID)
				}
			}
		}
	}
}

// Register adds a client to a repo stream.
func (h *Hub) Register(repoID string, client Subscriber) {
	h.register <- subscription{repoID: repoID, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(repoID string, client Subscriber) {
	h.unreg <- subscription{repoID: repoID, client: client}
}

// Broadcast sends payload to all clients subscribed to the repo.
func (h *Hub) Broadcast(repoID string, payload []byte) {
	h.broadcast <- message{repoID: repoID, payload: payload}
}
