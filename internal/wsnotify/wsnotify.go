// Package wsnotify is the Controller's push channel: a websocket hub
// that wakes idle workers the moment a job is enqueued, cutting the
// average wait below the worst-case poll interval. Delivery is
// best-effort — a worker that misses a notification (slow reader,
// dropped connection) still finds the job on its next poll, so the hub
// never blocks the dispatch path on a subscriber.
package wsnotify

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/swarmos/swarmos/internal/swarmtypes"
	"github.com/swarmos/swarmos/internal/xlog"
)

var log = xlog.New("component", "wsnotify")

// Notification is the message pushed to every subscriber when a job is
// enqueued. It carries only the queue-visible fields; claiming still
// goes through the claim endpoint.
type Notification struct {
	Event string `json:"event"` // "job_enqueued"
	JobID string `json:"job_id"`
	Kind  string `json:"kind"`
}

const (
	writeWait      = 5 * time.Second
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	sendBufferSize = 16
)

type subscriber struct {
	id   string
	conn *websocket.Conn
	send chan Notification
}

// Hub fans job-enqueued notifications out to connected workers.
type Hub struct {
	mu   sync.Mutex
	subs map[string]*subscriber

	upgrader websocket.Upgrader
}

// NewHub builds an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[string]*subscriber),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The HTTP surface already applies CORS policy; the upgrade
			// itself accepts any origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// JobEnqueued pushes a notification to every subscriber without
// blocking: a subscriber whose buffer is full simply misses this one.
func (h *Hub) JobEnqueued(job swarmtypes.QueuedJob) {
	n := Notification{Event: "job_enqueued", JobID: job.JobID, Kind: job.Kind}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		select {
		case s.send <- n:
		default:
		}
	}
}

// Subscribers reports the number of connected workers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ServeHTTP upgrades the request to a websocket and streams
// notifications until the peer disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("upgrade failed", "err", err)
		return
	}
	s := &subscriber{id: uuid.NewString(), conn: conn, send: make(chan Notification, sendBufferSize)}

	h.mu.Lock()
	h.subs[s.id] = s
	h.mu.Unlock()
	log.Debug("subscriber connected", "id", s.id, "remote", r.RemoteAddr)

	go h.writeLoop(s)
	h.readLoop(s)
}

func (h *Hub) drop(s *subscriber) {
	h.mu.Lock()
	if _, ok := h.subs[s.id]; ok {
		delete(h.subs, s.id)
		close(s.send)
	}
	h.mu.Unlock()
	s.conn.Close()
}

// readLoop consumes (and discards) inbound frames so pongs and close
// frames are processed; the hub is push-only.
func (h *Hub) readLoop(s *subscriber) {
	defer h.drop(s)
	s.conn.SetReadLimit(512)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(s *subscriber) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case n, ok := <-s.send:
			if !ok {
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(n); err != nil {
				h.drop(s)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(s)
				return
			}
		}
	}
}
