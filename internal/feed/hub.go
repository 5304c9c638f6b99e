// Package feed streams the market's buyer broadcasts to websocket
// observers on the admin API.
package feed

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxInboundSize = 512
	sendBuffer     = 64
	publishBuffer  = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The feed is read-only and carries public market data.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans published messages out to every connected observer. Observers
// that fall sendBuffer messages behind are disconnected.
type Hub struct {
	logger     *slog.Logger
	register   chan *subscriber
	unregister chan *subscriber
	broadcast  chan []byte
	done       chan struct{}

	subscribers atomic.Int64
	dropped     atomic.Int64
}

// NewHub creates a Hub. Run must be called for it to deliver anything.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:     logger,
		register:   make(chan *subscriber),
		unregister: make(chan *subscriber),
		broadcast:  make(chan []byte, publishBuffer),
		done:       make(chan struct{}),
	}
}

// Run delivers messages until ctx ends, then disconnects every observer.
func (h *Hub) Run(ctx context.Context) {
	subs := make(map[*subscriber]struct{})
	defer func() {
		for sub := range subs {
			close(sub.send)
		}
		h.subscribers.Store(0)
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case sub := <-h.register:
			subs[sub] = struct{}{}
			h.subscribers.Store(int64(len(subs)))
		case sub := <-h.unregister:
			if _, ok := subs[sub]; ok {
				delete(subs, sub)
				close(sub.send)
				h.subscribers.Store(int64(len(subs)))
			}
		case msg := <-h.broadcast:
			for sub := range subs {
				select {
				case sub.send <- msg:
				default:
					delete(subs, sub)
					close(sub.send)
					h.logger.Warn("feed observer too slow, disconnecting", slog.String("remote_addr", sub.remoteAddr))
				}
			}
			h.subscribers.Store(int64(len(subs)))
		}
	}
}

// Publish queues msg for every observer. It never blocks; when the queue
// is full the message is dropped.
func (h *Hub) Publish(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.dropped.Add(1)
		h.logger.Warn("feed queue full, dropping message")
	}
}

// Subscribers returns the number of connected observers.
func (h *Hub) Subscribers() int {
	return int(h.subscribers.Load())
}

// Dropped returns the number of messages discarded by Publish.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// ServeHTTP upgrades the request and streams messages until the observer
// disconnects or the hub stops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("feed upgrade failed", slog.String("error", err.Error()))
		return
	}

	sub := &subscriber{
		conn:       conn,
		send:       make(chan []byte, sendBuffer),
		remoteAddr: r.RemoteAddr,
	}
	select {
	case h.register <- sub:
	case <-h.done:
		_ = conn.Close()
		return
	}
	h.logger.Debug("feed observer connected", slog.String("remote_addr", sub.remoteAddr))

	go sub.writePump()
	sub.readPump(h)
}

type subscriber struct {
	conn       *websocket.Conn
	send       chan []byte
	remoteAddr string
}

// readPump discards inbound messages; it only exists to process control
// frames and notice the observer leaving.
func (s *subscriber) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- s:
		case <-h.done:
		}
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(maxInboundSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed closed"))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
