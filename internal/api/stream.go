package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"stockexchange-v1/internal/model"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Compile-time check that Stream implements model.EventSink.
var _ model.EventSink = (*Stream)(nil)

// Stream fans job events out to WebSocket clients. Each client sees only
// the jobs of the username it connected with.
type Stream struct {
	mu      sync.RWMutex
	clients map[*streamClient]struct{}
	logger  *slog.Logger
}

type streamClient struct {
	conn     *websocket.Conn
	send     chan []byte
	username string
}

// streamMessage is one frame sent to a client.
type streamMessage struct {
	Type string  `json:"type"`
	Job  JobView `json:"job"`
	TS   string  `json:"ts"`
}

// NewStream creates an empty stream.
func NewStream(logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		clients: make(map[*streamClient]struct{}),
		logger:  logger.With("component", "job-stream"),
	}
}

// Publish delivers ev to the clients of the job's owner. Slow clients drop
// messages instead of blocking the publisher.
func (s *Stream) Publish(_ context.Context, ev model.JobEvent) {
	data, err := json.Marshal(streamMessage{
		Type: ev.Type,
		Job:  jobView(ev.Job, false),
		TS:   ev.At.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		s.logger.Error("encode event", "error", err)
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		if c.username != ev.Job.Order.Username {
			continue
		}
		select {
		case c.send <- data:
		default:
		}
	}
}

// Consume publishes every event read from in until ctx is cancelled or in
// is closed.
func (s *Stream) Consume(ctx context.Context, in <-chan model.JobEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			s.Publish(ctx, ev)
		}
	}
}

// Clients returns the number of connected clients.
func (s *Stream) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// ServeWS upgrades GET /ws/jobs?username=U.
func (s *Stream) ServeWS(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if username == "" {
		respondJSON(w, http.StatusBadRequest, Envelope{Success: false, Message: "username is required"})
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade", "error", err)
		return
	}

	c := &streamClient{conn: conn, send: make(chan []byte, 64), username: username}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.logger.Info("ws client connected", "username", username)

	go s.writePump(c)
	s.readPump(c)
}

func (s *Stream) remove(c *streamClient) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
	s.mu.Unlock()
}

func (s *Stream) writePump(c *streamClient) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client frames and detects disconnects.
func (s *Stream) readPump(c *streamClient) {
	defer func() {
		s.remove(c)
		c.conn.Close()
		s.logger.Info("ws client disconnected", "username", c.username)
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
